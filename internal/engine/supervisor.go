package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/metrics"
	"github.com/marcus-qen/praetor/internal/redact"
	"github.com/marcus-qen/praetor/internal/telemetry"
)

// stepOutcome carries one finished step's exports and resolved rollback
// actions back to the supervisor for ordered merging.
type stepOutcome struct {
	exports   []exportedValue
	rollbacks []RollbackAction
}

// exportedValue preserves output declaration order during the merge.
type exportedValue struct {
	name  string
	value any
}

// continueRun schedules the run forward until it rests again. The CAS
// guarantees a single scheduler per run even when Resume, ApproveStep and
// gate timers race.
func (e *Engine) continueRun(ctx context.Context, r *run) {
	if !r.active.CompareAndSwap(false, true) {
		return
	}
	defer r.active.Store(false)
	// Resume, approval and timer entries arrive on fresh contexts; rebind
	// the execution span so step spans keep their parent.
	ctx = telemetry.ContextWithExecutionSpan(ctx, r.span)
	e.runFrom(ctx, r)
}

// runFrom is the supervisor loop: latch checks at every wave boundary, one
// wave at a time, terminal computation after the last wave.
func (e *Engine) runFrom(ctx context.Context, r *run) {
	for {
		if r.cancelRequested.Load() {
			e.finalizeCancelled(r)
			return
		}

		r.mu.Lock()
		finished := r.exec.FinishedAt != nil
		waveIdx := r.exec.CurrentWave
		r.mu.Unlock()
		if finished {
			return
		}

		if r.pauseRequested.Load() {
			e.markPaused(r, waveIdx)
			return
		}
		if waveIdx >= len(r.waves) {
			e.finalize(r)
			return
		}

		holding := e.runWave(ctx, r, waveIdx)
		if holding {
			// A step is waiting on approval; the run rests here and
			// ApproveStep or the gate timer picks it back up.
			return
		}
		if r.cancelRequested.Load() {
			e.finalizeCancelled(r)
			return
		}

		failed := false
		r.mu.Lock()
		for _, id := range r.waves[waveIdx] {
			if r.exec.Steps[r.stepIndex[id]].State == StepFailed {
				failed = true
				break
			}
		}
		if !failed || r.pb.ContinueOnFailure {
			r.exec.CurrentWave = waveIdx + 1
		}
		r.mu.Unlock()

		if failed && !r.pb.ContinueOnFailure {
			e.finalizeFailed(r)
			return
		}
	}
}

// runWave executes every PENDING step of the wave, waits for all of them,
// then merges exports and rollback actions in wave declaration order. It
// reports whether the wave is holding on an approval gate.
func (e *Engine) runWave(ctx context.Context, r *run, waveIdx int) bool {
	ids := r.waves[waveIdx]
	waveVars := r.waveVars()

	pending := make([]int, 0, len(ids))
	for _, id := range ids {
		idx := r.stepIndex[id]
		if r.stepState(idx) == StepPending {
			pending = append(pending, idx)
		}
	}

	outcomes := make([]stepOutcome, len(pending))
	switch {
	case len(pending) == 1:
		outcomes[0] = e.runStep(ctx, r, pending[0], waveVars)
	case len(pending) > 1:
		sem := make(chan struct{}, e.maxParallel)
		var wg sync.WaitGroup
		for i, idx := range pending {
			if r.cancelRequested.Load() {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(slot, stepIdx int) {
				defer wg.Done()
				defer func() { <-sem }()
				outcomes[slot] = e.runStep(ctx, r, stepIdx, waveVars)
			}(i, idx)
		}
		wg.Wait()
	}

	r.mu.Lock()
	for _, outcome := range outcomes {
		for _, kv := range outcome.exports {
			r.exec.Variables[kv.name] = kv.value
		}
		r.exec.RollbackStack = append(r.exec.RollbackStack, outcome.rollbacks...)
	}
	holding := false
	for _, id := range ids {
		if r.exec.Steps[r.stepIndex[id]].State == StepWaitingApproval {
			holding = true
			break
		}
	}
	r.mu.Unlock()
	return holding
}

func (e *Engine) markPaused(r *run, waveIdx int) {
	r.mu.Lock()
	if r.exec.FinishedAt != nil || r.exec.State != StateRunning {
		r.mu.Unlock()
		return
	}
	r.exec.State = StatePaused
	r.recordTimelineLocked(timelineEventInput{
		Type:    TimelineExecutionPaused,
		Status:  StatePaused,
		Message: "execution paused",
		Data:    map[string]any{"wave": waveIdx},
	})
	r.mu.Unlock()

	e.auditRecord(audit.Event{
		Type:        audit.EventExecutionPaused,
		ExecutionID: r.exec.ID,
		Summary:     fmt.Sprintf("playbook %s paused before wave %d", r.pb.Name, waveIdx),
	})
	e.emit(fmt.Sprintf("Execution %s paused", r.exec.ID), "execution",
		map[string]any{"run_id": r.exec.ID, "playbook": r.pb.Name, "wave": waveIdx},
		[]string{"execution", "paused"})
	e.logger.Info("execution paused", zap.String("run_id", r.exec.ID), zap.Int("wave", waveIdx))
}

// finalize computes the terminal state once every wave has run.
func (e *Engine) finalize(r *run) {
	r.mu.Lock()
	state := StateCompleted
	message := "execution completed"
	for i := range r.exec.Steps {
		if r.exec.Steps[i].State == StepFailed {
			state = StateFailed
			message = fmt.Sprintf("step %s failed", r.exec.Steps[i].StepID)
			break
		}
	}
	finished := r.finishLocked(state, message)
	var duration time.Duration
	if finished {
		duration = r.exec.FinishedAt.Sub(r.exec.StartedAt)
	}
	r.mu.Unlock()

	if finished {
		e.reportFinished(r, state, duration)
	}
}

// finalizeFailed aborts the run after a wave produced a failure and
// continue_on_failure is off.
func (e *Engine) finalizeFailed(r *run) {
	r.mu.Lock()
	message := "execution failed"
	for i := range r.exec.Steps {
		if r.exec.Steps[i].State == StepFailed {
			message = fmt.Sprintf("step %s failed", r.exec.Steps[i].StepID)
			break
		}
	}
	r.markRemainingSkippedLocked("aborted after failure")
	finished := r.finishLocked(StateFailed, message)
	var duration time.Duration
	if finished {
		duration = r.exec.FinishedAt.Sub(r.exec.StartedAt)
	}
	r.mu.Unlock()

	if finished {
		e.reportFinished(r, StateFailed, duration)
	}
}

func (e *Engine) finalizeCancelled(r *run) {
	r.mu.Lock()
	r.markRemainingSkippedLocked("execution cancelled")
	finished := r.finishLocked(StateCancelled, "execution cancelled")
	var duration time.Duration
	if finished {
		duration = r.exec.FinishedAt.Sub(r.exec.StartedAt)
	}
	r.mu.Unlock()

	if finished {
		e.reportFinished(r, StateCancelled, duration)
	}
}

// reportFinished records metrics, audit, awareness and the trace span
// exactly once per run; finishLocked's idempotence gates the callers.
func (e *Engine) reportFinished(r *run, state string, duration time.Duration) {
	telemetry.EndExecutionSpan(r.span, state)
	if e.limiter != nil {
		e.limiter.RecordComplete(r.pb.Name)
	}
	metrics.RecordExecutionComplete(r.pb.Name, state, duration)
	metrics.ActiveExecutions.Dec()

	eventType := audit.EventExecutionCompleted
	switch state {
	case StateFailed:
		eventType = audit.EventExecutionFailed
	case StateCancelled:
		eventType = audit.EventExecutionCancelled
	}
	e.auditRecord(audit.Event{
		Type:        eventType,
		ExecutionID: r.exec.ID,
		Summary:     fmt.Sprintf("playbook %s finished %s", r.pb.Name, state),
		Detail:      map[string]any{"duration_seconds": duration.Seconds()},
	})
	e.emit(fmt.Sprintf("Execution %s finished %s", r.exec.ID, state), "execution",
		map[string]any{
			"run_id":           r.exec.ID,
			"playbook":         r.pb.Name,
			"state":            state,
			"duration_seconds": duration.Seconds(),
		},
		[]string{"execution", strings.ToLower(state)})
	e.logger.Info("execution finished",
		zap.String("run_id", r.exec.ID),
		zap.String("state", state),
		zap.Duration("duration", duration))
}

func (r *run) markRemainingSkippedLocked(reason string) {
	for i := range r.exec.Steps {
		step := &r.exec.Steps[i]
		if step.State != StepPending && step.State != StepWaitingApproval {
			continue
		}
		now := r.now()
		step.State = StepSkipped
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
		step.FinishedAt = &now
		r.recordTimelineLocked(timelineEventInput{
			Type:      TimelineStepSkipped,
			StepID:    step.StepID,
			Status:    StepSkipped,
			Message:   reason,
			Timestamp: now,
		})
		metrics.RecordStep(step.Action, StepSkipped)
	}
}

// runRollback replays rollback actions newest-first. Failures are recorded
// and logged but never stop the sweep; the run always ends ROLLED_BACK.
func (e *Engine) runRollback(ctx context.Context, r *run, stack []RollbackAction) {
	failures := 0
	touched := make(map[string]bool, len(stack))

	for i := len(stack) - 1; i >= 0; i-- {
		action := stack[i]
		if idx, ok := r.stepIndex[action.StepID]; ok {
			r.updateStep(idx, func(step *StepResult) {
				if step.State == StepCompleted {
					step.State = StepRollingBack
				}
			})
		}
		touched[action.StepID] = true

		started := e.now()
		result := RollbackResult{
			StepID:    action.StepID,
			Action:    action.Action,
			Status:    StepRunning,
			StartedAt: started,
		}
		eventID := r.recordTimeline(timelineEventInput{
			Type:      TimelineRollbackStep,
			StepID:    action.StepID,
			Status:    StepRunning,
			Message:   fmt.Sprintf("rolling back via %s", action.Action),
			Timestamp: started,
			Data:      map[string]any{"action": action.Action, "description": action.Description},
		})

		outputs, err := e.actions.Execute(ctx, action.Action, action.Args)
		finished := e.now()
		result.FinishedAt = &finished
		if err != nil {
			failures++
			errText := redact.String(err.Error())
			result.Status = StepFailed
			result.Error = errText
			r.mu.Lock()
			r.exec.ErrorLog = append(r.exec.ErrorLog,
				fmt.Sprintf("rollback %s (%s): %s", action.StepID, action.Action, errText))
			r.mu.Unlock()
			r.recordArtifact(artifactInput{
				EventID:   eventID,
				StepID:    action.StepID,
				Type:      ArtifactErrorContext,
				Timestamp: finished,
				Data: map[string]any{
					"phase":  "rollback",
					"action": action.Action,
					"error":  errText,
				},
			})
			e.logger.Warn("rollback action failed",
				zap.String("run_id", r.exec.ID),
				zap.String("step", action.StepID),
				zap.String("action", action.Action),
				zap.Error(err))
		} else {
			result.Status = StepCompleted
			result.Outputs = cloneMap(outputs)
		}

		r.mu.Lock()
		r.exec.Rollbacks = append(r.exec.Rollbacks, result)
		r.mu.Unlock()
	}

	outcome := "completed"
	if failures > 0 {
		outcome = "partial"
	}
	message := "rollback finished"
	if failures > 0 {
		message = fmt.Sprintf("rollback finished with %d failed actions", failures)
	}

	r.mu.Lock()
	for id := range touched {
		idx := r.stepIndex[id]
		if r.exec.Steps[idx].State == StepRollingBack {
			r.exec.Steps[idx].State = StepRolledBack
		}
	}
	r.exec.State = StateRolledBack
	r.recordTimelineLocked(timelineEventInput{
		Type:    TimelineRollbackFinished,
		Status:  StateRolledBack,
		Message: message,
		Data: map[string]any{
			"actions":  len(stack),
			"failures": failures,
			"outcome":  outcome,
		},
	})
	r.mu.Unlock()

	metrics.RecordRollback(outcome)
	e.auditRecord(audit.Event{
		Type:        audit.EventExecutionRolledBack,
		ExecutionID: r.exec.ID,
		Summary:     fmt.Sprintf("playbook %s rolled back", r.pb.Name),
		Detail:      map[string]any{"actions": len(stack), "failures": failures},
	})
	e.emit(fmt.Sprintf("Execution %s rolled back (%d actions, %d failures)", r.exec.ID, len(stack), failures),
		"rollback",
		map[string]any{"run_id": r.exec.ID, "actions": len(stack), "failures": failures},
		[]string{"execution", "rollback"})
	e.logger.Info("rollback finished",
		zap.String("run_id", r.exec.ID),
		zap.Int("actions", len(stack)),
		zap.Int("failures", failures))
}
