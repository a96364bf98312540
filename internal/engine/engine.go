package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/actions"
	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/failure"
	"github.com/marcus-qen/praetor/internal/metrics"
	"github.com/marcus-qen/praetor/internal/plan"
	"github.com/marcus-qen/praetor/internal/playbook"
	"github.com/marcus-qen/praetor/internal/ratelimit"
	"github.com/marcus-qen/praetor/internal/telemetry"
	"github.com/marcus-qen/praetor/internal/validator"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionExists   = errors.New("execution id already in use")
	ErrRateLimited       = errors.New("execution rate limited")
)

const defaultMaxParallelSteps = 5

// Emitter publishes best-effort awareness events. The awareness Publisher
// satisfies it; emission must never fail the caller.
type Emitter interface {
	Emit(content, category string, metadata map[string]any, tags []string)
}

// Recorder ingests audit trail events.
type Recorder interface {
	Record(evt audit.Event)
}

// ApprovalHandler decides an approval gate at the moment a step reaches it.
// Returning false leaves the step in WAITING_APPROVAL until ApproveStep
// calls satisfy the gate or its timeout fires.
type ApprovalHandler func(gate playbook.ApprovalGate) bool

// Engine executes playbooks and tracks every run in memory. All control
// operations take a run id and return copy-out snapshots.
type Engine struct {
	actions     *actions.Runner
	validators  *validator.Registry
	failures    *failure.Planner
	emitter     Emitter
	audit       Recorder
	approval    ApprovalHandler
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
	maxParallel int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.RWMutex
	runs map[string]*run
}

// Option configures an Engine.
type Option func(*Engine)

// WithActionRunner sets the action executor. The default runner has shell
// and sql_query disabled.
func WithActionRunner(r *actions.Runner) Option {
	return func(e *Engine) {
		if r != nil {
			e.actions = r
		}
	}
}

// WithValidators sets the external validator registry.
func WithValidators(reg *validator.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.validators = reg
		}
	}
}

// WithFailurePlanner sets the retry planner shared by all runs.
func WithFailurePlanner(p *failure.Planner) Option {
	return func(e *Engine) {
		if p != nil {
			e.failures = p
		}
	}
}

// WithEmitter sets the awareness emitter.
func WithEmitter(em Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithAuditor sets the audit trail recorder.
func WithAuditor(rec Recorder) Option {
	return func(e *Engine) { e.audit = rec }
}

// WithApprovalHandler sets the synchronous approval collaborator.
func WithApprovalHandler(h ApprovalHandler) Option {
	return func(e *Engine) { e.approval = h }
}

// WithRunLimiter bounds execution starts and concurrency. Without it the
// engine accepts every start.
func WithRunLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithMaxParallelSteps bounds concurrent steps within one wave.
func WithMaxParallelSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an Engine. Without options it runs with a default action
// runner (shell and sql disabled), an empty validator registry, a default
// failure planner and no awareness or audit wiring.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:      zap.NewNop(),
		maxParallel: defaultMaxParallelSteps,
		now: func() time.Time {
			return time.Now().UTC()
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return nil
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		runs: make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.actions == nil {
		e.actions = actions.NewRunner(actions.WithLogger(e.logger))
	}
	if e.validators == nil {
		e.validators = validator.NewRegistry()
	}
	if e.failures == nil {
		e.failures = failure.NewPlanner(e.logger)
	}
	return e
}

// run is the live state of one execution. The mutex guards the exec record;
// latches and the scheduler guard are atomics so control calls never block
// behind a running wave.
type run struct {
	mu        sync.Mutex
	exec      *Execution
	pb        *playbook.Playbook
	waves     []plan.Wave
	stepIndex map[string]int
	now       func() time.Time

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool

	// active guards the scheduler: at most one runFrom loop per run.
	active atomic.Bool

	// span is the praetor.execution trace span, ended once in
	// reportFinished.
	span trace.Span

	gates map[string]*gateState
}

// gateState tracks one approval gate across WAITING_APPROVAL and re-entry.
type gateState struct {
	required  int
	approvers []string
	satisfied bool
	consulted bool
	timer     *time.Timer
}

// ExecuteRequest starts one playbook run.
type ExecuteRequest struct {
	Playbook   *playbook.Playbook
	Parameters map[string]any
	RunID      string
	DryRun     bool
}

// Execute validates the playbook, plans its waves and drives the run until
// it rests: a terminal state, PAUSED, or a wave holding on approval. The
// returned snapshot reflects the resting state. Resume, Cancel, ApproveStep
// and Rollback pick the run up from there by id.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	pb := req.Playbook
	if pb == nil {
		return nil, &playbook.ValidationError{Issues: []string{"playbook is required"}}
	}
	playbook.Normalize(pb)
	if err := playbook.Validate(pb); err != nil {
		return nil, err
	}
	params, err := playbook.ResolveParameters(pb, req.Parameters)
	if err != nil {
		return nil, err
	}
	waves, err := plan.Build(pb.Steps)
	if err != nil {
		return nil, err
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.New().String()
	}

	if e.limiter != nil {
		if d := e.limiter.Allow(pb.Name, req.DryRun); !d.Allowed {
			metrics.RecordRateLimited(pb.Name)
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, d.Reason)
		}
	}

	now := e.now()
	exec := &Execution{
		ID:           runID,
		PlaybookName: pb.Name,
		State:        StateRunning,
		DryRun:       req.DryRun,
		StartedAt:    now,
		Parameters:   cloneMap(params),
		Variables:    make(map[string]any),
		Steps:        make([]StepResult, len(pb.Steps)),
		Waves:        waveIDs(waves),
	}
	for i := range pb.Steps {
		step := &pb.Steps[i]
		exec.Steps[i] = StepResult{
			StepID:        step.ID,
			Name:          step.Name,
			Action:        step.Action,
			State:         StepPending,
			ParallelGroup: step.ParallelGroup,
			DependsOn:     append([]string(nil), step.DependsOn...),
		}
	}

	r := &run{
		exec:      exec,
		pb:        pb,
		waves:     waves,
		stepIndex: make(map[string]int, len(pb.Steps)),
		now:       e.now,
		gates:     make(map[string]*gateState),
	}
	for i := range pb.Steps {
		r.stepIndex[pb.Steps[i].ID] = i
	}

	e.mu.Lock()
	if _, exists := e.runs[runID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionExists, runID)
	}
	e.runs[runID] = r
	e.mu.Unlock()

	if e.limiter != nil {
		e.limiter.RecordStart(pb.Name)
	}
	ctx, r.span = telemetry.StartExecutionSpan(ctx, pb.Name, runID, req.DryRun)

	r.recordTimeline(timelineEventInput{
		Type:      TimelineExecutionStarted,
		Status:    StateRunning,
		Message:   "execution started",
		Timestamp: now,
		Data: map[string]any{
			"playbook": pb.Name,
			"dry_run":  req.DryRun,
			"waves":    len(waves),
		},
	})
	metrics.ActiveExecutions.Inc()
	e.auditRecord(audit.Event{
		Type:        audit.EventExecutionStarted,
		ExecutionID: runID,
		Summary:     fmt.Sprintf("playbook %s started", pb.Name),
		Detail:      map[string]any{"dry_run": req.DryRun, "steps": len(pb.Steps)},
	})
	e.emit(fmt.Sprintf("Execution %s of playbook %q started", runID, pb.Name), "execution",
		map[string]any{"run_id": runID, "playbook": pb.Name, "dry_run": req.DryRun},
		[]string{"execution", "started"})
	e.logger.Info("execution started",
		zap.String("run_id", runID),
		zap.String("playbook", pb.Name),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("waves", len(waves)))

	if req.DryRun {
		e.runDry(ctx, r)
		return r.snapshot(), nil
	}

	e.continueRun(ctx, r)
	return r.snapshot(), nil
}

// Pause requests a pause. The current wave finishes; the run lands in
// PAUSED at the next wave boundary.
func (e *Engine) Pause(runID string) (*Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	state := r.exec.State
	r.mu.Unlock()
	if IsTerminal(state) || state == StateRollingBack {
		return nil, fmt.Errorf("execution %s is %s and cannot be paused", runID, state)
	}
	if r.pauseRequested.CompareAndSwap(false, true) {
		e.logger.Info("pause requested", zap.String("run_id", runID))
	}
	return r.snapshot(), nil
}

// Resume clears the pause latch and, when the run is PAUSED, schedules the
// next wave. Like Execute it returns once the run rests again.
func (e *Engine) Resume(ctx context.Context, runID string) (*Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.pauseRequested.Store(false)

	r.mu.Lock()
	state := r.exec.State
	if IsTerminal(state) || state == StateRollingBack {
		r.mu.Unlock()
		return nil, fmt.Errorf("execution %s is %s and cannot be resumed", runID, state)
	}
	resumed := state == StatePaused
	if resumed {
		r.exec.State = StateRunning
		r.recordTimelineLocked(timelineEventInput{
			Type:    TimelineExecutionResumed,
			Status:  StateRunning,
			Message: "execution resumed",
		})
	}
	r.mu.Unlock()

	if !resumed {
		// The pause never landed; clearing the latch is enough.
		return r.snapshot(), nil
	}

	e.auditRecord(audit.Event{
		Type:        audit.EventExecutionResumed,
		ExecutionID: runID,
		Summary:     fmt.Sprintf("playbook %s resumed", r.pb.Name),
	})
	e.emit(fmt.Sprintf("Execution %s resumed", runID), "execution",
		map[string]any{"run_id": runID, "playbook": r.pb.Name},
		[]string{"execution", "resumed"})
	e.logger.Info("execution resumed", zap.String("run_id", runID))

	e.continueRun(ctx, r)
	return r.snapshot(), nil
}

// Cancel marks the run CANCELLED immediately and stops all further
// scheduling. Steps already in flight finish on their own; nothing new
// starts.
func (e *Engine) Cancel(runID string) (*Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	state := r.exec.State
	if IsTerminal(state) || state == StateRollingBack {
		r.mu.Unlock()
		return nil, fmt.Errorf("execution %s is %s and cannot be cancelled", runID, state)
	}
	r.cancelRequested.Store(true)
	r.exec.State = StateCancelled
	r.recordTimelineLocked(timelineEventInput{
		Type:    TimelineExecutionCancelled,
		Status:  StateCancelled,
		Message: "cancel requested",
	})
	r.mu.Unlock()

	e.logger.Info("execution cancelled", zap.String("run_id", runID))

	// A resting run has no scheduler to observe the latch; finish it here.
	// An active scheduler finishes at its next boundary check instead.
	if !r.active.Load() {
		e.finalizeCancelled(r)
	}
	return r.snapshot(), nil
}

// ApproveStep adds one approver to a waiting step. When the gate's required
// count is met the step re-enters the schedule and the run continues to its
// next resting state.
func (e *Engine) ApproveStep(ctx context.Context, runID, stepID, approver string) (*Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	idx, ok := r.stepIndex[stepID]
	if !ok {
		return nil, fmt.Errorf("step %q not found in execution %s", stepID, runID)
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		approver = "unknown"
	}

	r.mu.Lock()
	step := &r.exec.Steps[idx]
	if step.State != StepWaitingApproval {
		state := step.State
		r.mu.Unlock()
		return nil, fmt.Errorf("step %s is %s; only steps waiting for approval accept approvals", stepID, state)
	}
	gate := r.gates[stepID]
	if gate == nil {
		gate = &gateState{required: 1}
		r.gates[stepID] = gate
	}
	known := false
	for _, a := range gate.approvers {
		if a == approver {
			known = true
			break
		}
	}
	if !known {
		gate.approvers = append(gate.approvers, approver)
		step.Approvers = append(step.Approvers, approver)
	}
	satisfied := len(gate.approvers) >= gate.required
	if satisfied {
		gate.satisfied = true
		if gate.timer != nil {
			gate.timer.Stop()
			gate.timer = nil
		}
		step.State = StepPending
		r.recordTimelineLocked(timelineEventInput{
			Type:    TimelineApprovalDecision,
			StepID:  stepID,
			Status:  "approved",
			Message: fmt.Sprintf("approved by %s", strings.Join(gate.approvers, ", ")),
			Data: map[string]any{
				"approvers": append([]string(nil), gate.approvers...),
				"required":  gate.required,
			},
		})
	} else {
		r.recordTimelineLocked(timelineEventInput{
			Type:    TimelineApprovalDecision,
			StepID:  stepID,
			Status:  "pending",
			Message: fmt.Sprintf("%d of %d approvals collected", len(gate.approvers), gate.required),
		})
	}
	r.mu.Unlock()

	e.auditRecord(audit.Event{
		Type:        audit.EventStepApproved,
		ExecutionID: runID,
		Actor:       approver,
		Summary:     fmt.Sprintf("step %s approval recorded", stepID),
		Detail:      map[string]any{"satisfied": satisfied},
	})
	e.logger.Info("step approval recorded",
		zap.String("run_id", runID),
		zap.String("step", stepID),
		zap.String("approver", approver),
		zap.Bool("satisfied", satisfied))

	if satisfied {
		e.continueRun(ctx, r)
	}
	return r.snapshot(), nil
}

// Rollback replays the run's rollback stack in reverse. Only COMPLETED and
// FAILED runs may roll back; errors land in the run's error log and never
// stop the sweep.
func (e *Engine) Rollback(ctx context.Context, runID string) (*Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	state := r.exec.State
	if state != StateCompleted && state != StateFailed {
		r.mu.Unlock()
		return nil, fmt.Errorf("execution %s is %s; rollback requires COMPLETED or FAILED", runID, state)
	}
	r.exec.State = StateRollingBack
	stack := make([]RollbackAction, len(r.exec.RollbackStack))
	for i := range r.exec.RollbackStack {
		stack[i] = cloneRollbackAction(r.exec.RollbackStack[i])
	}
	r.recordTimelineLocked(timelineEventInput{
		Type:    TimelineRollbackStarted,
		Status:  StateRollingBack,
		Message: "rollback started",
		Data:    map[string]any{"actions": len(stack)},
	})
	r.mu.Unlock()

	e.logger.Info("rollback started", zap.String("run_id", runID), zap.Int("actions", len(stack)))
	e.runRollback(ctx, r, stack)
	return r.snapshot(), nil
}

// Get returns a deep-copied snapshot of one run.
func (e *Engine) Get(runID string) (*Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// ListActive returns snapshots of every non-terminal run, oldest first.
func (e *Engine) ListActive() []*Execution {
	all := e.collect()
	active := all[:0]
	for _, exec := range all {
		if !IsTerminal(exec.State) {
			active = append(active, exec)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].StartedAt.Equal(active[j].StartedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active
}

// List returns snapshots of every tracked run, newest first.
func (e *Engine) List() []*Execution {
	all := e.collect()
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	return all
}

// Timeline returns the ordered lifecycle events of one run.
func (e *Engine) Timeline(runID string) ([]TimelineEvent, error) {
	exec, err := e.Get(runID)
	if err != nil {
		return nil, err
	}
	return exec.Timeline, nil
}

// Artifacts returns the captured artifacts of one run.
func (e *Engine) Artifacts(runID string) ([]Artifact, error) {
	exec, err := e.Get(runID)
	if err != nil {
		return nil, err
	}
	return exec.Artifacts, nil
}

func (e *Engine) collect() []*Execution {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]*Execution, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

func (e *Engine) lookup(runID string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[strings.TrimSpace(runID)]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, runID)
	}
	return r, nil
}

func (e *Engine) emit(content, category string, metadata map[string]any, tags []string) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(content, category, metadata, tags)
}

func (e *Engine) auditRecord(evt audit.Event) {
	if e.audit == nil {
		return
	}
	e.audit.Record(evt)
}

func waveIDs(waves []plan.Wave) [][]string {
	out := make([][]string, len(waves))
	for i, wave := range waves {
		out[i] = append([]string(nil), wave...)
	}
	return out
}

type timelineEventInput struct {
	Type      string
	StepID    string
	Attempt   int
	Status    string
	Message   string
	Timestamp time.Time
	Data      map[string]any
}

type artifactInput struct {
	EventID   string
	StepID    string
	Attempt   int
	Type      string
	Timestamp time.Time
	Data      map[string]any
}

func (r *run) recordTimeline(input timelineEventInput) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordTimelineLocked(input)
}

func (r *run) recordTimelineLocked(input timelineEventInput) string {
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = r.now()
	}
	sequence := len(r.exec.Timeline) + 1
	eventID := fmt.Sprintf("%s-evt-%06d", r.exec.ID, sequence)
	r.exec.Timeline = append(r.exec.Timeline, TimelineEvent{
		ID:        eventID,
		Sequence:  sequence,
		Timestamp: timestamp,
		Type:      input.Type,
		StepID:    input.StepID,
		Attempt:   input.Attempt,
		Status:    input.Status,
		Message:   strings.TrimSpace(input.Message),
		Data:      cloneMap(input.Data),
	})
	return eventID
}

func (r *run) recordArtifact(input artifactInput) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordArtifactLocked(input)
}

func (r *run) recordArtifactLocked(input artifactInput) string {
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = r.now()
	}
	sequence := len(r.exec.Artifacts) + 1
	artifactID := fmt.Sprintf("%s-art-%06d", r.exec.ID, sequence)
	r.exec.Artifacts = append(r.exec.Artifacts, Artifact{
		ID:        artifactID,
		EventID:   input.EventID,
		StepID:    input.StepID,
		Attempt:   input.Attempt,
		Type:      input.Type,
		Timestamp: timestamp,
		Data:      cloneMap(input.Data),
	})
	return artifactID
}

func (r *run) updateStep(idx int, fn func(step *StepResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.exec.Steps[idx])
}

func (r *run) stepState(idx int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Steps[idx].State
}

func (r *run) snapshot() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneExecution(r.exec)
}

// waveVars snapshots parameters plus all variables established by earlier
// waves. Steps inside one wave all interpolate against the same snapshot.
func (r *run) waveVars() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	vars := make(map[string]any, len(r.exec.Parameters)+len(r.exec.Variables))
	for k, v := range r.exec.Parameters {
		vars[k] = v
	}
	for k, v := range r.exec.Variables {
		vars[k] = v
	}
	return vars
}

// finishLocked moves the run into a terminal state exactly once, stamping
// finished_at and the closing timeline event. Later calls are no-ops.
func (r *run) finishLocked(state, message string) bool {
	if r.exec.FinishedAt != nil {
		return false
	}
	now := r.now()
	r.exec.State = state
	r.exec.FinishedAt = &now
	r.recordTimelineLocked(timelineEventInput{
		Type:      TimelineExecutionFinished,
		Status:    state,
		Message:   message,
		Timestamp: now,
	})
	for _, gate := range r.gates {
		if gate.timer != nil {
			gate.timer.Stop()
			gate.timer = nil
		}
	}
	return true
}
