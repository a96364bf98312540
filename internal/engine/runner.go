package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/conditions"
	"github.com/marcus-qen/praetor/internal/failure"
	"github.com/marcus-qen/praetor/internal/interpolate"
	"github.com/marcus-qen/praetor/internal/metrics"
	"github.com/marcus-qen/praetor/internal/playbook"
	"github.com/marcus-qen/praetor/internal/redact"
	"github.com/marcus-qen/praetor/internal/telemetry"
)

const maxSnippetBytes = 1024

// runStep drives one step from PENDING to a terminal step state, or parks it
// in WAITING_APPROVAL. Exports and rollback actions come back to the
// supervisor so they merge only after the whole wave finishes.
func (e *Engine) runStep(ctx context.Context, r *run, idx int, waveVars map[string]any) stepOutcome {
	stepDef := &r.pb.Steps[idx]
	stepID := stepDef.ID

	proceed := false
	r.mu.Lock()
	step := &r.exec.Steps[idx]
	if step.State == StepPending {
		proceed = true
		step.State = StepRunning
		if step.StartedAt == nil {
			now := r.now()
			step.StartedAt = &now
			r.recordTimelineLocked(timelineEventInput{
				Type:      TimelineStepStarted,
				StepID:    stepID,
				Status:    StepRunning,
				Message:   fmt.Sprintf("step %s started", stepID),
				Timestamp: now,
				Data:      map[string]any{"action": stepDef.Action},
			})
		}
	}
	r.mu.Unlock()
	if !proceed {
		return stepOutcome{}
	}

	ctx, span := telemetry.StartStepSpan(ctx, stepID, stepDef.Action)
	defer func() {
		r.mu.Lock()
		state := r.exec.Steps[idx].State
		attempts := r.exec.Steps[idx].RetryCount + 1
		r.mu.Unlock()
		telemetry.EndStepSpan(span, state, attempts)
	}()

	if len(stepDef.When) > 0 && !conditions.EvaluateAll(stepDef.When, waveVars) {
		now := e.now()
		r.mu.Lock()
		skipped := &r.exec.Steps[idx]
		skipped.State = StepSkipped
		skipped.FinishedAt = &now
		r.recordTimelineLocked(timelineEventInput{
			Type:      TimelineStepSkipped,
			StepID:    stepID,
			Status:    StepSkipped,
			Message:   "when conditions not met",
			Timestamp: now,
		})
		r.mu.Unlock()
		metrics.RecordStep(stepDef.Action, StepSkipped)
		e.logger.Debug("step skipped",
			zap.String("run_id", r.exec.ID),
			zap.String("step", stepID))
		return stepOutcome{}
	}

	// Pre-execution validators are fail-closed and never retried.
	if len(stepDef.Validators) > 0 {
		var failedChecks []string
		for _, spec := range stepDef.Validators {
			res := e.validators.Run(ctx, spec, waveVars)
			r.updateStep(idx, func(step *StepResult) {
				step.Validations = append(step.Validations, res)
			})
			if !res.Valid {
				failedChecks = append(failedChecks, res.Message)
			}
		}
		if len(failedChecks) > 0 {
			e.failStep(r, idx, stepDef, "Pre-execution validation failed", 0, 0,
				map[string]any{"phase": "pre_validation", "checks": failedChecks})
			return stepOutcome{}
		}
	}

	if stepDef.ApprovalGate != nil && !e.clearApprovalGate(r, idx, stepDef) {
		return stepOutcome{}
	}

	args := resolveArgs(stepDef.Args, waveVars)

	outputs, ok := e.runAttempts(ctx, r, idx, stepDef, args, waveVars)
	if !ok {
		return stepOutcome{}
	}

	exports := e.buildExports(stepDef, outputs)
	rollbacks := buildRollbacks(stepDef, waveVars, outputs)

	now := e.now()
	r.mu.Lock()
	result := &r.exec.Steps[idx]
	result.Outputs = cloneMap(outputs)
	result.State = StepCompleted
	result.FinishedAt = &now
	result.RollbackActions = append(result.RollbackActions, rollbacks...)
	attempts := result.RetryCount + 1
	r.recordTimelineLocked(timelineEventInput{
		Type:      TimelineStepFinished,
		StepID:    stepID,
		Status:    StepCompleted,
		Message:   fmt.Sprintf("step %s completed", stepID),
		Timestamp: now,
		Data:      map[string]any{"attempts": attempts},
	})
	r.mu.Unlock()

	metrics.RecordStep(stepDef.Action, StepCompleted)
	e.emit(fmt.Sprintf("Step %s completed", stepID), "step",
		map[string]any{
			"run_id":   r.exec.ID,
			"step_id":  stepID,
			"action":   stepDef.Action,
			"attempts": attempts,
		},
		[]string{"step", "completed"})
	e.logger.Info("step completed",
		zap.String("run_id", r.exec.ID),
		zap.String("step", stepID),
		zap.Int("attempts", attempts))

	return stepOutcome{exports: exports, rollbacks: rollbacks}
}

// runAttempts executes the action until it succeeds or the failure planner
// stops the retries. Post-execution validations count as attempt failures so
// a step retry override can replay them.
func (e *Engine) runAttempts(ctx context.Context, r *run, idx int, stepDef *playbook.Step, args, waveVars map[string]any) (map[string]any, bool) {
	stepID := stepDef.ID
	var lastCategory failure.Category
	attempt := 0
	for {
		r.recordTimeline(timelineEventInput{
			Type:      TimelineAttemptStarted,
			StepID:    stepID,
			Attempt:   attempt + 1,
			Status:    StepRunning,
			Timestamp: e.now(),
		})

		outputs, runErr := e.actions.Execute(ctx, stepDef.Action, args)
		if runErr == nil && len(stepDef.Validations) > 0 {
			postCtx := make(map[string]any, len(waveVars)+len(outputs))
			for k, v := range waveVars {
				postCtx[k] = v
			}
			for k, v := range outputs {
				postCtx[k] = v
			}
			if !conditions.EvaluateAll(stepDef.Validations, postCtx) {
				runErr = fmt.Errorf("post-execution validation failed for step %s", stepID)
			}
		}
		finishedAt := e.now()

		if runErr == nil {
			eventID := r.recordTimeline(timelineEventInput{
				Type:      TimelineAttemptResult,
				StepID:    stepID,
				Attempt:   attempt + 1,
				Status:    "succeeded",
				Timestamp: finishedAt,
			})
			e.captureOutputArtifacts(r, eventID, stepID, attempt+1, outputs, finishedAt)
			if attempt > 0 {
				e.failures.RecordSuccess(stepID, lastCategory)
			}
			r.updateStep(idx, func(step *StepResult) { step.RetryCount = attempt })
			return outputs, true
		}

		// Classification sees the raw text; everything recorded gets scrubbed,
		// since interpolated args can put live credentials into error strings.
		errText := redact.String(runErr.Error())
		eventID := r.recordTimeline(timelineEventInput{
			Type:      TimelineAttemptResult,
			StepID:    stepID,
			Attempt:   attempt + 1,
			Status:    StepFailed,
			Message:   errText,
			Timestamp: finishedAt,
		})
		r.recordArtifact(artifactInput{
			EventID:   eventID,
			StepID:    stepID,
			Attempt:   attempt + 1,
			Type:      ArtifactErrorContext,
			Timestamp: finishedAt,
			Data: map[string]any{
				"phase":  "step",
				"action": stepDef.Action,
				"error":  errText,
			},
		})
		e.captureOutputArtifacts(r, eventID, stepID, attempt+1, outputs, finishedAt)

		decision := e.failures.Plan(stepID, attempt, runErr.Error(), stepDef.Retry)
		lastCategory = decision.Category
		if decision.BreakerOpen {
			metrics.RecordBreakerRejection(string(decision.Category))
		}
		if !decision.ShouldRetry {
			e.failStep(r, idx, stepDef, errText, attempt, attempt+1, nil)
			return nil, false
		}

		metrics.RecordRetry(string(decision.Category))
		r.recordTimeline(timelineEventInput{
			Type:    TimelineRetryScheduled,
			StepID:  stepID,
			Attempt: attempt + 1,
			Status:  "scheduled",
			Message: decision.Reason,
			Data: map[string]any{
				"delay_seconds": decision.Delay.Seconds(),
				"category":      string(decision.Category),
				"strategy":      string(decision.Strategy),
			},
		})
		e.emit(fmt.Sprintf("Step %s retrying after %s failure", stepID, decision.Category), "retry",
			map[string]any{
				"run_id":        r.exec.ID,
				"step_id":       stepID,
				"attempt":       attempt + 1,
				"delay_seconds": decision.Delay.Seconds(),
				"category":      string(decision.Category),
			},
			[]string{"step", "retry"})
		e.logger.Warn("step attempt failed; retry scheduled",
			zap.String("run_id", r.exec.ID),
			zap.String("step", stepID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", decision.Delay),
			zap.String("category", string(decision.Category)))

		if decision.Recovery != "" {
			e.failures.RunRecovery(ctx, decision.Recovery)
		}
		if err := e.sleep(ctx, decision.Delay); err != nil {
			e.failStep(r, idx, stepDef, errText, attempt, attempt+1,
				map[string]any{"phase": "retry_wait", "reason": err.Error()})
			return nil, false
		}
		if r.cancelRequested.Load() {
			e.failStep(r, idx, stepDef, errText, attempt, attempt+1,
				map[string]any{"phase": "retry_wait", "reason": "cancelled before retry"})
			return nil, false
		}
		attempt++
	}
}

// clearApprovalGate reports whether the step may proceed. When it returns
// false the step has been parked in WAITING_APPROVAL and the wave holds until
// ApproveStep or the gate timer moves it.
func (e *Engine) clearApprovalGate(r *run, idx int, stepDef *playbook.Step) bool {
	gate := stepDef.ApprovalGate
	stepID := stepDef.ID

	r.mu.Lock()
	state := r.gates[stepID]
	if state == nil {
		required := gate.RequiredApprovers
		if required <= 0 {
			required = 1
		}
		state = &gateState{required: required}
		r.gates[stepID] = state
	}
	satisfied := state.satisfied
	consulted := state.consulted
	state.consulted = true
	r.mu.Unlock()

	if satisfied {
		return true
	}

	// The synchronous collaborator gets one chance per gate. It runs outside
	// the run lock so it may block on a human.
	if !consulted && e.approval != nil && e.approval(*gate) {
		now := e.now()
		r.mu.Lock()
		state.satisfied = true
		state.approvers = append(state.approvers, "approval_handler")
		step := &r.exec.Steps[idx]
		step.Approvers = append(step.Approvers, "approval_handler")
		r.recordTimelineLocked(timelineEventInput{
			Type:      TimelineApprovalDecision,
			StepID:    stepID,
			Status:    "approved",
			Message:   "approved by handler",
			Timestamp: now,
			Data:      map[string]any{"approvers": []string{"approval_handler"}, "required": state.required},
		})
		r.mu.Unlock()
		e.auditRecord(audit.Event{
			Type:        audit.EventStepApproved,
			ExecutionID: r.exec.ID,
			Actor:       "approval_handler",
			Summary:     fmt.Sprintf("step %s approved", stepID),
		})
		return true
	}

	now := e.now()
	r.mu.Lock()
	step := &r.exec.Steps[idx]
	step.State = StepWaitingApproval
	eventID := r.recordTimelineLocked(timelineEventInput{
		Type:      TimelineStepWaiting,
		StepID:    stepID,
		Status:    StepWaitingApproval,
		Message:   gate.Message,
		Timestamp: now,
		Data:      map[string]any{"required_approvers": state.required},
	})
	r.recordArtifactLocked(artifactInput{
		EventID:   eventID,
		StepID:    stepID,
		Type:      ArtifactApproval,
		Timestamp: now,
		Data: map[string]any{
			"message":            gate.Message,
			"required_approvers": state.required,
			"timeout_seconds":    gate.TimeoutSeconds,
			"auto_approve":       gate.AutoApproveAfterTimeout,
		},
	})
	if gate.TimeoutSeconds > 0 && state.timer == nil {
		window := time.Duration(gate.TimeoutSeconds * float64(time.Second))
		state.timer = time.AfterFunc(window, func() { e.gateTimeout(r, idx) })
	}
	r.mu.Unlock()

	e.auditRecord(audit.Event{
		Type:        audit.EventStepApprovalRequested,
		ExecutionID: r.exec.ID,
		Summary:     fmt.Sprintf("step %s waiting for %d approval(s)", stepID, state.required),
		Detail:      map[string]any{"message": gate.Message, "timeout_seconds": gate.TimeoutSeconds},
	})
	e.emit(fmt.Sprintf("Step %s waiting for approval", stepID), "approval",
		map[string]any{"run_id": r.exec.ID, "step_id": stepID, "required": state.required},
		[]string{"step", "approval"})
	e.logger.Info("step waiting for approval",
		zap.String("run_id", r.exec.ID),
		zap.String("step", stepID),
		zap.Int("required", state.required))
	return false
}

// gateTimeout resolves an approval gate whose window elapsed: auto-approve
// when the gate allows it, otherwise fail the step. Either way the run is
// scheduled forward.
func (e *Engine) gateTimeout(r *run, idx int) {
	stepDef := &r.pb.Steps[idx]
	gate := stepDef.ApprovalGate
	if gate == nil {
		return
	}
	stepID := stepDef.ID

	now := e.now()
	r.mu.Lock()
	state := r.gates[stepID]
	step := &r.exec.Steps[idx]
	if state == nil || state.satisfied || step.State != StepWaitingApproval {
		r.mu.Unlock()
		return
	}
	state.timer = nil
	if gate.AutoApproveAfterTimeout {
		state.satisfied = true
		state.approvers = append(state.approvers, "auto_approval")
		step.Approvers = append(step.Approvers, "auto_approval")
		step.State = StepPending
		r.recordTimelineLocked(timelineEventInput{
			Type:      TimelineApprovalDecision,
			StepID:    stepID,
			Status:    "approved",
			Message:   "auto-approved after timeout",
			Timestamp: now,
			Data:      map[string]any{"approvers": []string{"auto_approval"}},
		})
	} else {
		step.State = StepFailed
		step.Error = "approval not granted"
		step.FinishedAt = &now
		r.recordTimelineLocked(timelineEventInput{
			Type:      TimelineApprovalDecision,
			StepID:    stepID,
			Status:    "denied",
			Message:   "approval window elapsed",
			Timestamp: now,
		})
		r.recordTimelineLocked(timelineEventInput{
			Type:      TimelineStepFinished,
			StepID:    stepID,
			Status:    StepFailed,
			Message:   "approval not granted",
			Timestamp: now,
		})
	}
	r.mu.Unlock()

	if gate.AutoApproveAfterTimeout {
		e.auditRecord(audit.Event{
			Type:        audit.EventStepApproved,
			ExecutionID: r.exec.ID,
			Actor:       "auto_approval",
			Summary:     fmt.Sprintf("step %s auto-approved after timeout", stepID),
		})
		e.logger.Info("approval gate auto-approved",
			zap.String("run_id", r.exec.ID),
			zap.String("step", stepID))
	} else {
		metrics.RecordStep(stepDef.Action, StepFailed)
		e.auditRecord(audit.Event{
			Type:        audit.EventStepApprovalExpired,
			ExecutionID: r.exec.ID,
			Summary:     fmt.Sprintf("step %s approval window elapsed", stepID),
		})
		e.emit(fmt.Sprintf("Step %s failed: approval not granted", stepID), "approval",
			map[string]any{"run_id": r.exec.ID, "step_id": stepID},
			[]string{"step", "approval", "failed"})
		e.logger.Warn("approval gate expired",
			zap.String("run_id", r.exec.ID),
			zap.String("step", stepID))
	}
	e.continueRun(context.Background(), r)
}

// failStep moves a step to FAILED and records the terminal bookkeeping.
func (e *Engine) failStep(r *run, idx int, stepDef *playbook.Step, message string, retryCount, attempts int, detail map[string]any) {
	now := e.now()
	r.mu.Lock()
	step := &r.exec.Steps[idx]
	step.State = StepFailed
	step.Error = message
	step.RetryCount = retryCount
	step.FinishedAt = &now
	eventID := r.recordTimelineLocked(timelineEventInput{
		Type:      TimelineStepFinished,
		StepID:    stepDef.ID,
		Status:    StepFailed,
		Message:   message,
		Timestamp: now,
		Data:      map[string]any{"attempts": attempts},
	})
	if detail != nil {
		r.recordArtifactLocked(artifactInput{
			EventID:   eventID,
			StepID:    stepDef.ID,
			Attempt:   attempts,
			Type:      ArtifactErrorContext,
			Timestamp: now,
			Data:      detail,
		})
	}
	r.mu.Unlock()

	metrics.RecordStep(stepDef.Action, StepFailed)
	e.emit(fmt.Sprintf("Step %s failed: %s", stepDef.ID, message), "step",
		map[string]any{
			"run_id":  r.exec.ID,
			"step_id": stepDef.ID,
			"action":  stepDef.Action,
			"error":   message,
		},
		[]string{"step", "failed"})
	e.logger.Warn("step failed",
		zap.String("run_id", r.exec.ID),
		zap.String("step", stepDef.ID),
		zap.String("action", stepDef.Action),
		zap.String("error", message))
}

// buildExports maps executor outputs into the run's variable namespace
// following the step's output declarations, in declaration order.
func (e *Engine) buildExports(stepDef *playbook.Step, outputs map[string]any) []exportedValue {
	if len(stepDef.Outputs) == 0 {
		return nil
	}
	exports := make([]exportedValue, 0, len(stepDef.Outputs))
	for _, spec := range stepDef.Outputs {
		if spec.Name == "" {
			continue
		}
		if spec.Value != nil {
			exports = append(exports, exportedValue{name: spec.Name, value: spec.Value})
			continue
		}
		if spec.From == "" {
			continue
		}
		value, ok := outputs[spec.From]
		if !ok {
			e.logger.Warn("step output key missing",
				zap.String("step", stepDef.ID),
				zap.String("from", spec.From))
			continue
		}
		exports = append(exports, exportedValue{name: spec.Name, value: value})
	}
	return exports
}

// buildRollbacks resolves rollback args now, against the wave snapshot plus
// the step's own outputs, so later variable writes cannot alter them.
func buildRollbacks(stepDef *playbook.Step, waveVars, outputs map[string]any) []RollbackAction {
	if len(stepDef.Rollback) == 0 {
		return nil
	}
	vars := make(map[string]any, len(waveVars)+len(outputs))
	for k, v := range waveVars {
		vars[k] = v
	}
	for k, v := range outputs {
		vars[k] = v
	}
	rollbacks := make([]RollbackAction, 0, len(stepDef.Rollback))
	for _, spec := range stepDef.Rollback {
		rollbacks = append(rollbacks, RollbackAction{
			StepID:      stepDef.ID,
			Action:      spec.Action,
			Args:        resolveArgs(spec.Args, vars),
			Description: spec.Description,
		})
	}
	return rollbacks
}

// captureOutputArtifacts preserves bounded stdout/stderr/message snippets
// alongside the attempt that produced them.
func (e *Engine) captureOutputArtifacts(r *run, eventID, stepID string, attempt int, outputs map[string]any, ts time.Time) {
	if len(outputs) == 0 {
		return
	}
	if raw, ok := outputs["stdout"].(string); ok {
		if snippet := trimSnippet(raw); snippet != "" {
			r.recordArtifact(artifactInput{
				EventID:   eventID,
				StepID:    stepID,
				Attempt:   attempt,
				Type:      ArtifactStdoutSnippet,
				Timestamp: ts,
				Data:      map[string]any{"snippet": snippet},
			})
		}
	}
	if raw, ok := outputs["stderr"].(string); ok {
		if snippet := trimSnippet(raw); snippet != "" {
			r.recordArtifact(artifactInput{
				EventID:   eventID,
				StepID:    stepID,
				Attempt:   attempt,
				Type:      ArtifactStderrSnippet,
				Timestamp: ts,
				Data:      map[string]any{"snippet": snippet},
			})
		}
	}
	if raw, ok := outputs["message"].(string); ok {
		if snippet := trimSnippet(raw); snippet != "" {
			r.recordArtifact(artifactInput{
				EventID:   eventID,
				StepID:    stepID,
				Attempt:   attempt,
				Type:      ArtifactActionMessage,
				Timestamp: ts,
				Data:      map[string]any{"message": snippet},
			})
		}
	}
}

// trimSnippet bounds captured output at maxSnippetBytes.
func trimSnippet(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= maxSnippetBytes {
		return trimmed
	}
	return trimmed[:maxSnippetBytes] + "…"
}

// resolveArgs interpolates step args against the variable snapshot without
// mutating the playbook.
func resolveArgs(args, vars map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	resolved, ok := interpolate.Substitute(args, vars).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return resolved
}
