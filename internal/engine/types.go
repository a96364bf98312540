// Package engine runs playbooks: it plans waves, drives step execution with
// retries and approvals, tracks rollback actions, and keeps a queryable
// in-memory record of every run.
package engine

import (
	"time"

	"github.com/marcus-qen/praetor/internal/validator"
)

// Execution states. A run moves PENDING → RUNNING, may bounce through
// PAUSED, and settles in COMPLETED, FAILED or CANCELLED. A finished run can
// be rolled back: ROLLING_BACK → ROLLED_BACK.
const (
	StatePending     = "PENDING"
	StateRunning     = "RUNNING"
	StatePaused      = "PAUSED"
	StateCompleted   = "COMPLETED"
	StateFailed      = "FAILED"
	StateCancelled   = "CANCELLED"
	StateRollingBack = "ROLLING_BACK"
	StateRolledBack  = "ROLLED_BACK"
)

// Step states.
const (
	StepPending         = "PENDING"
	StepRunning         = "RUNNING"
	StepCompleted       = "COMPLETED"
	StepFailed          = "FAILED"
	StepSkipped         = "SKIPPED"
	StepWaitingApproval = "WAITING_APPROVAL"
	StepRollingBack     = "ROLLING_BACK"
	StepRolledBack      = "ROLLED_BACK"
)

// Timeline event types, ordered per run by sequence number.
const (
	TimelineExecutionStarted   = "execution.started"
	TimelineExecutionFinished  = "execution.finished"
	TimelineExecutionPaused    = "execution.paused"
	TimelineExecutionResumed   = "execution.resumed"
	TimelineExecutionCancelled = "execution.cancelled"
	TimelineStepStarted        = "step.started"
	TimelineStepSkipped        = "step.skipped"
	TimelineStepWaiting        = "step.waiting_approval"
	TimelineApprovalDecision   = "step.approval_decision"
	TimelineAttemptStarted     = "step.attempt.started"
	TimelineAttemptResult      = "step.attempt.result"
	TimelineRetryScheduled     = "step.retry_scheduled"
	TimelineStepFinished       = "step.finished"
	TimelineRollbackStarted    = "rollback.started"
	TimelineRollbackStep       = "rollback.step"
	TimelineRollbackFinished   = "rollback.finished"
)

// Artifact types captured alongside timeline events.
const (
	ArtifactErrorContext  = "error_context"
	ArtifactStdoutSnippet = "stdout_snippet"
	ArtifactStderrSnippet = "stderr_snippet"
	ArtifactActionMessage = "action_message"
	ArtifactApproval      = "approval_checkpoint"
	ArtifactRiskSummary   = "risk_summary"
)

// Execution is the full record of one playbook run. Snapshots returned by
// the engine are deep copies; mutating them never affects the live run.
type Execution struct {
	ID           string         `json:"id"`
	PlaybookName string         `json:"playbook_name"`
	State        string         `json:"state"`
	DryRun       bool           `json:"dry_run,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Steps        []StepResult   `json:"steps"`
	Waves        [][]string     `json:"waves,omitempty"`
	CurrentWave  int            `json:"current_wave"`

	RollbackStack []RollbackAction `json:"rollback_stack,omitempty"`
	Rollbacks     []RollbackResult `json:"rollbacks,omitempty"`
	ErrorLog      []string         `json:"error_log,omitempty"`

	Timeline  []TimelineEvent `json:"timeline,omitempty"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`

	// Risk is populated by dry runs only.
	Risk *RiskSummary `json:"risk,omitempty"`
}

// StepResult is the tracked state of one step within a run.
type StepResult struct {
	StepID          string             `json:"step_id"`
	Name            string             `json:"name,omitempty"`
	Action          string             `json:"action"`
	State           string             `json:"state"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	Outputs         map[string]any     `json:"outputs,omitempty"`
	Error           string             `json:"error,omitempty"`
	Validations     []validator.Result `json:"validation_results,omitempty"`
	RetryCount      int                `json:"retry_count"`
	RollbackActions []RollbackAction   `json:"rollback_actions,omitempty"`
	Approvers       []string           `json:"approvers,omitempty"`
	ParallelGroup   string             `json:"parallel_group,omitempty"`
	DependsOn       []string           `json:"depends_on,omitempty"`
}

// RollbackAction is one inverse operation pushed when its step completes.
// Args are resolved at push time so later variable writes cannot alter them.
type RollbackAction struct {
	StepID      string         `json:"step_id"`
	Action      string         `json:"action"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// RollbackResult records one executed rollback action.
type RollbackResult struct {
	StepID     string         `json:"step_id"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
}

// TimelineEvent is one ordered lifecycle event within a run.
type TimelineEvent struct {
	ID        string         `json:"id"`
	Sequence  int            `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Artifact is captured evidence (snippets, error context, approvals)
// attached to a timeline event.
type Artifact struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// RiskSummary is the dry-run roll-up of predicted per-step risk.
type RiskSummary struct {
	Steps   []StepRisk     `json:"steps"`
	Counts  map[string]int `json:"counts"`
	Highest string         `json:"highest"`
}

// StepRisk is the dry-run prediction for one step.
type StepRisk struct {
	StepID           string         `json:"step_id"`
	Action           string         `json:"action"`
	Risk             string         `json:"risk"`
	Mutating         bool           `json:"mutating"`
	ApprovalRequired bool           `json:"approval_required"`
	ResolvedArgs     map[string]any `json:"resolved_args,omitempty"`
}

// TerminalStates lists every resting state a run cannot leave except via
// rollback.
var TerminalStates = map[string]bool{
	StateCompleted:  true,
	StateFailed:     true,
	StateCancelled:  true,
	StateRolledBack: true,
}

// IsTerminal reports whether state permits no further scheduling.
func IsTerminal(state string) bool {
	return TerminalStates[state]
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(in any) any {
	switch v := in.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return in
	}
}

func cloneExecution(in *Execution) *Execution {
	if in == nil {
		return nil
	}
	out := *in
	out.Parameters = cloneMap(in.Parameters)
	out.Variables = cloneMap(in.Variables)

	out.Steps = make([]StepResult, len(in.Steps))
	for i := range in.Steps {
		out.Steps[i] = cloneStepResult(in.Steps[i])
	}
	if len(in.Waves) > 0 {
		out.Waves = make([][]string, len(in.Waves))
		for i := range in.Waves {
			out.Waves[i] = append([]string(nil), in.Waves[i]...)
		}
	}
	if len(in.RollbackStack) > 0 {
		out.RollbackStack = make([]RollbackAction, len(in.RollbackStack))
		for i := range in.RollbackStack {
			out.RollbackStack[i] = cloneRollbackAction(in.RollbackStack[i])
		}
	}
	if len(in.Rollbacks) > 0 {
		out.Rollbacks = make([]RollbackResult, len(in.Rollbacks))
		for i := range in.Rollbacks {
			rb := in.Rollbacks[i]
			rb.Outputs = cloneMap(rb.Outputs)
			out.Rollbacks[i] = rb
		}
	}
	out.ErrorLog = append([]string(nil), in.ErrorLog...)
	if len(in.Timeline) > 0 {
		out.Timeline = make([]TimelineEvent, len(in.Timeline))
		for i := range in.Timeline {
			evt := in.Timeline[i]
			evt.Data = cloneMap(evt.Data)
			out.Timeline[i] = evt
		}
	}
	if len(in.Artifacts) > 0 {
		out.Artifacts = make([]Artifact, len(in.Artifacts))
		for i := range in.Artifacts {
			art := in.Artifacts[i]
			art.Data = cloneMap(art.Data)
			out.Artifacts[i] = art
		}
	}
	if in.Risk != nil {
		risk := *in.Risk
		risk.Steps = make([]StepRisk, len(in.Risk.Steps))
		for i := range in.Risk.Steps {
			sr := in.Risk.Steps[i]
			sr.ResolvedArgs = cloneMap(sr.ResolvedArgs)
			risk.Steps[i] = sr
		}
		risk.Counts = make(map[string]int, len(in.Risk.Counts))
		for k, v := range in.Risk.Counts {
			risk.Counts[k] = v
		}
		out.Risk = &risk
	}
	return &out
}

func cloneStepResult(in StepResult) StepResult {
	out := in
	out.Outputs = cloneMap(in.Outputs)
	out.Validations = append([]validator.Result(nil), in.Validations...)
	if len(in.RollbackActions) > 0 {
		out.RollbackActions = make([]RollbackAction, len(in.RollbackActions))
		for i := range in.RollbackActions {
			out.RollbackActions[i] = cloneRollbackAction(in.RollbackActions[i])
		}
	}
	out.Approvers = append([]string(nil), in.Approvers...)
	out.DependsOn = append([]string(nil), in.DependsOn...)
	return out
}

func cloneRollbackAction(in RollbackAction) RollbackAction {
	out := in
	out.Args = cloneMap(in.Args)
	return out
}
