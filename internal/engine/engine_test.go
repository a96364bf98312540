package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/conditions"
	"github.com/marcus-qen/praetor/internal/failure"
	"github.com/marcus-qen/praetor/internal/playbook"
	"github.com/marcus-qen/praetor/internal/validator"
)

type recordedEmit struct {
	content  string
	category string
	tags     []string
}

type memoryEmitter struct {
	mu     sync.Mutex
	events []recordedEmit
}

func (m *memoryEmitter) Emit(content, category string, metadata map[string]any, tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEmit{content: content, category: category, tags: tags})
}

func (m *memoryEmitter) categories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, evt := range m.events {
		out[i] = evt.category
	}
	return out
}

type memoryAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryAuditor) Record(evt audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *memoryAuditor) has(eventType audit.EventType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Type == eventType {
			return true
		}
	}
	return false
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *sleepRecorder) {
	t.Helper()
	e := New(opts...)
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, rec
}

func findStep(t *testing.T, exec *Execution, stepID string) *StepResult {
	t.Helper()
	for i := range exec.Steps {
		if exec.Steps[i].StepID == stepID {
			return &exec.Steps[i]
		}
	}
	t.Fatalf("step %q not found in execution %s", stepID, exec.ID)
	return nil
}

func timelineTypes(exec *Execution) []string {
	out := make([]string, len(exec.Timeline))
	for i, evt := range exec.Timeline {
		out[i] = evt.Type
	}
	return out
}

func countTimeline(exec *Execution, eventType string) int {
	n := 0
	for _, evt := range exec.Timeline {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func waitForTerminal(t *testing.T, e *Engine, runID string) *Execution {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := e.Get(runID)
		if err != nil {
			t.Fatalf("Get(%s): %v", runID, err)
		}
		if IsTerminal(exec.State) {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, _ := e.Get(runID)
	t.Fatalf("run %s never reached a terminal state, stuck at %s", runID, exec.State)
	return nil
}

func TestExecuteSequentialExportsVariables(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello from stage one")
	}))
	defer server.Close()

	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "relay",
		Steps: []playbook.Step{
			{
				ID:     "fetch",
				Action: "http_request",
				Args:   map[string]any{"url": server.URL},
				Outputs: []playbook.OutputSpec{
					{Name: "greeting", From: "body"},
					{Name: "code", From: "status_code"},
				},
			},
			{
				ID:        "announce",
				Action:    "noop",
				Args:      map[string]any{"message": "got ${greeting} (${code})"},
				DependsOn: []string{"fetch"},
			},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-relay"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateCompleted {
		t.Fatalf("state = %s, want %s", exec.State, StateCompleted)
	}
	if len(exec.Waves) != 2 {
		t.Fatalf("waves = %v, want two sequential waves", exec.Waves)
	}
	if exec.Variables["greeting"] != "hello from stage one" {
		t.Fatalf("greeting variable = %#v", exec.Variables["greeting"])
	}
	if code, ok := exec.Variables["code"].(int); !ok || code != 200 {
		t.Fatalf("code variable = %#v, want int 200", exec.Variables["code"])
	}

	announce := findStep(t, exec, "announce")
	if announce.State != StepCompleted {
		t.Fatalf("announce state = %s", announce.State)
	}
	if announce.Outputs["message"] != "got hello from stage one (200)" {
		t.Fatalf("announce message = %#v", announce.Outputs["message"])
	}

	if exec.Timeline[0].Type != TimelineExecutionStarted {
		t.Fatalf("first timeline event = %s", exec.Timeline[0].Type)
	}
	last := exec.Timeline[len(exec.Timeline)-1]
	if last.Type != TimelineExecutionFinished {
		t.Fatalf("last timeline event = %s", last.Type)
	}
	for i, evt := range exec.Timeline {
		if evt.Sequence != i+1 {
			t.Fatalf("timeline sequence %d at position %d", evt.Sequence, i)
		}
	}
	if exec.FinishedAt == nil || exec.FinishedAt.Before(exec.StartedAt) {
		t.Fatalf("finished_at %v not after started_at %v", exec.FinishedAt, exec.StartedAt)
	}
}

func TestParallelGroupRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	waiting := 0
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		waiting++
		if waiting == 3 {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
			w.WriteHeader(http.StatusOK)
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "fanout",
		Steps: []playbook.Step{
			{ID: "probe_a", Action: "http_request", Args: map[string]any{"url": server.URL}, ParallelGroup: "probes"},
			{ID: "probe_b", Action: "http_request", Args: map[string]any{"url": server.URL}, ParallelGroup: "probes"},
			{ID: "probe_c", Action: "http_request", Args: map[string]any{"url": server.URL}, ParallelGroup: "probes"},
			{ID: "after", Action: "noop", Args: map[string]any{"message": "all probes done"}, DependsOn: []string{"probe_a", "probe_b", "probe_c"}},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-fanout"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateCompleted {
		t.Fatalf("state = %s, want %s", exec.State, StateCompleted)
	}
	if len(exec.Waves) != 2 || len(exec.Waves[0]) != 3 {
		t.Fatalf("waves = %v, want the three probes in one wave", exec.Waves)
	}
	for _, id := range []string{"probe_a", "probe_b", "probe_c"} {
		step := findStep(t, exec, id)
		if step.State != StepCompleted {
			t.Fatalf("%s state = %s", id, step.State)
		}
		// 503 here means the probes ran one at a time and starved the barrier.
		if code, _ := step.Outputs["status_code"].(int); code != 200 {
			t.Fatalf("%s status_code = %v, want 200 from the concurrency barrier", id, step.Outputs["status_code"])
		}
	}
	if findStep(t, exec, "after").State != StepCompleted {
		t.Fatalf("after state = %s", findStep(t, exec, "after").State)
	}
}

func TestRetryExponentialBackoffUntilExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e, sleeps := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "flaky-call",
		Steps: []playbook.Step{
			{
				ID:     "flaky",
				Action: "http_request",
				Args:   map[string]any{"url": server.URL},
				Validations: []conditions.Condition{
					{Type: "http_status", Left: "${status_code}", Right: 200},
				},
				Retry: &failure.Override{
					MaxAttempts:        3,
					BaseDelay:          0.2,
					ExponentialBackoff: true,
				},
			},
			{ID: "never", Action: "noop", Args: map[string]any{"message": "unreachable"}, DependsOn: []string{"flaky"}},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-flaky"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateFailed {
		t.Fatalf("state = %s, want %s", exec.State, StateFailed)
	}

	flaky := findStep(t, exec, "flaky")
	if flaky.State != StepFailed {
		t.Fatalf("flaky state = %s", flaky.State)
	}
	if flaky.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", flaky.RetryCount)
	}
	if flaky.Error == "" {
		t.Fatalf("flaky error is empty")
	}
	if findStep(t, exec, "never").State != StepSkipped {
		t.Fatalf("never state = %s, want %s", findStep(t, exec, "never").State, StepSkipped)
	}

	if got := countTimeline(exec, TimelineAttemptStarted); got != 3 {
		t.Fatalf("attempt.started events = %d, want 3", got)
	}
	if got := countTimeline(exec, TimelineRetryScheduled); got != 2 {
		t.Fatalf("retry_scheduled events = %d, want 2", got)
	}

	delays := sleeps.recorded()
	if len(delays) != 2 {
		t.Fatalf("sleeps = %v, want two backoff delays", delays)
	}
	// Base 200ms with exponential growth and up to ±10% jitter.
	if delays[0] < 170*time.Millisecond || delays[0] > 230*time.Millisecond {
		t.Fatalf("first delay = %v, want ~200ms", delays[0])
	}
	if delays[1] < 350*time.Millisecond || delays[1] > 450*time.Millisecond {
		t.Fatalf("second delay = %v, want ~400ms", delays[1])
	}
}

func TestPauseLandsAtWaveBoundaryAndResumes(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		fmt.Fprint(w, "held")
	}))
	defer server.Close()

	emitter := &memoryEmitter{}
	e, _ := newTestEngine(t, WithEmitter(emitter))
	pb := &playbook.Playbook{
		Name: "pausable",
		Steps: []playbook.Step{
			{ID: "hold", Action: "http_request", Args: map[string]any{"url": server.URL}},
			{ID: "tail", Action: "noop", Args: map[string]any{"message": "after the pause"}},
		},
	}

	done := make(chan *Execution, 1)
	go func() {
		exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-pause"})
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- exec
	}()

	<-started
	snap, err := e.Pause("run-pause")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if snap.State != StateRunning {
		t.Fatalf("snapshot during wave = %s, want %s until the boundary", snap.State, StateRunning)
	}

	close(release)
	exec := <-done
	if exec == nil {
		t.Fatal("Execute returned no snapshot")
	}
	if exec.State != StatePaused {
		t.Fatalf("state after wave = %s, want %s", exec.State, StatePaused)
	}
	if findStep(t, exec, "hold").State != StepCompleted {
		t.Fatalf("hold state = %s, the in-flight step must finish", findStep(t, exec, "hold").State)
	}
	if findStep(t, exec, "tail").State != StepPending {
		t.Fatalf("tail state = %s, want %s", findStep(t, exec, "tail").State, StepPending)
	}
	if exec.CurrentWave != 1 {
		t.Fatalf("current wave = %d, want 1", exec.CurrentWave)
	}
	if countTimeline(exec, TimelineExecutionPaused) != 1 {
		t.Fatalf("timeline missing pause event: %v", timelineTypes(exec))
	}

	resumed, err := e.Resume(context.Background(), "run-pause")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State != StateCompleted {
		t.Fatalf("state after resume = %s, want %s", resumed.State, StateCompleted)
	}
	if findStep(t, resumed, "tail").State != StepCompleted {
		t.Fatalf("tail state = %s after resume", findStep(t, resumed, "tail").State)
	}
	if countTimeline(resumed, TimelineExecutionResumed) != 1 {
		t.Fatalf("timeline missing resume event: %v", timelineTypes(resumed))
	}

	sawPaused := false
	for _, category := range emitter.categories() {
		if category == "execution" {
			sawPaused = true
		}
	}
	if !sawPaused {
		t.Fatal("no execution awareness events emitted")
	}
}

func TestResumeOnTerminalRunErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name:  "quick",
		Steps: []playbook.Step{{ID: "only", Action: "noop", Args: map[string]any{"message": "hi"}}},
	}
	if _, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-quick"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := e.Resume(context.Background(), "run-quick"); err == nil {
		t.Fatal("Resume on a COMPLETED run should error")
	}
}

func TestCancelSkipsRemainingSteps(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		fmt.Fprint(w, "held")
	}))
	defer server.Close()

	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "cancellable",
		Steps: []playbook.Step{
			{ID: "hold", Action: "http_request", Args: map[string]any{"url": server.URL}},
			{ID: "tail", Action: "noop", Args: map[string]any{"message": "never runs"}},
		},
	}

	done := make(chan *Execution, 1)
	go func() {
		exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-cancel"})
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- exec
	}()

	<-started
	snap, err := e.Cancel("run-cancel")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snap.State != StateCancelled {
		t.Fatalf("state right after cancel = %s, want %s", snap.State, StateCancelled)
	}

	close(release)
	exec := <-done
	if exec == nil {
		t.Fatal("Execute returned no snapshot")
	}
	if exec.State != StateCancelled {
		t.Fatalf("final state = %s, want %s", exec.State, StateCancelled)
	}
	if findStep(t, exec, "hold").State != StepCompleted {
		t.Fatalf("hold state = %s, in-flight steps finish on their own", findStep(t, exec, "hold").State)
	}
	tail := findStep(t, exec, "tail")
	if tail.State != StepSkipped {
		t.Fatalf("tail state = %s, want %s", tail.State, StepSkipped)
	}
	if tail.FinishedAt == nil {
		t.Fatal("skipped step missing finished_at")
	}
	if exec.FinishedAt == nil {
		t.Fatal("cancelled run missing finished_at")
	}
	if _, err := e.Cancel("run-cancel"); err == nil {
		t.Fatal("second Cancel on a terminal run should error")
	}
}

func TestDryRunSimulatesWithoutExecuting(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "maintenance",
		Steps: []playbook.Step{
			{ID: "settle", Action: "wait", Args: map[string]any{"seconds": 10}},
			{ID: "wipe", Action: "shell", Args: map[string]any{"command": "rm -rf /var/cache/praetor"}},
			{ID: "ping", Action: "http_request", Args: map[string]any{"url": server.URL}},
		},
	}

	begun := time.Now()
	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-dry", DryRun: true})
	if err != nil {
		t.Fatalf("Execute dry run: %v", err)
	}
	if elapsed := time.Since(begun); elapsed > 2*time.Second {
		t.Fatalf("dry run took %v; the 10s wait must not execute", elapsed)
	}
	if hits.Load() != 0 {
		t.Fatalf("dry run issued %d real http requests", hits.Load())
	}
	if exec.State != StateCompleted {
		t.Fatalf("state = %s, want %s", exec.State, StateCompleted)
	}
	if !exec.DryRun {
		t.Fatal("execution not marked as dry run")
	}
	for _, id := range []string{"settle", "wipe", "ping"} {
		if findStep(t, exec, id).State != StepCompleted {
			t.Fatalf("%s state = %s", id, findStep(t, exec, id).State)
		}
	}

	if exec.Risk == nil {
		t.Fatal("dry run produced no risk summary")
	}
	if exec.Risk.Highest != RiskCritical {
		t.Fatalf("highest risk = %s, want %s for the rm command", exec.Risk.Highest, RiskCritical)
	}
	if exec.Risk.Counts[RiskCritical] != 1 || exec.Risk.Counts[RiskLow] != 2 {
		t.Fatalf("risk counts = %v", exec.Risk.Counts)
	}
	if len(exec.Risk.Steps) != 3 {
		t.Fatalf("risk entries = %d, want 3", len(exec.Risk.Steps))
	}
	for _, entry := range exec.Risk.Steps {
		if entry.StepID == "wipe" {
			if !entry.Mutating {
				t.Fatal("rm command not flagged as mutating")
			}
			if entry.ResolvedArgs["command"] != "rm -rf /var/cache/praetor" {
				t.Fatalf("resolved args = %v", entry.ResolvedArgs)
			}
		}
	}

	foundSummary := false
	for _, artifact := range exec.Artifacts {
		if artifact.Type == ArtifactRiskSummary {
			foundSummary = true
		}
	}
	if !foundSummary {
		t.Fatal("risk_summary artifact missing")
	}
}

func TestApprovalGateCollectsRequiredApprovers(t *testing.T) {
	auditor := &memoryAuditor{}
	e, _ := newTestEngine(t, WithAuditor(auditor))
	pb := &playbook.Playbook{
		Name: "guarded",
		Steps: []playbook.Step{
			{
				ID:           "gate",
				Action:       "noop",
				Args:         map[string]any{"message": "promoted"},
				ApprovalGate: &playbook.ApprovalGate{Message: "promote to prod?", RequiredApprovers: 2},
			},
			{ID: "after", Action: "noop", Args: map[string]any{"message": "done"}},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-gate"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateRunning {
		t.Fatalf("state = %s, want %s while waiting", exec.State, StateRunning)
	}
	if findStep(t, exec, "gate").State != StepWaitingApproval {
		t.Fatalf("gate state = %s, want %s", findStep(t, exec, "gate").State, StepWaitingApproval)
	}
	if !auditor.has(audit.EventStepApprovalRequested) {
		t.Fatal("no approval_requested audit event")
	}

	first, err := e.ApproveStep(context.Background(), "run-gate", "gate", "alice")
	if err != nil {
		t.Fatalf("ApproveStep(alice): %v", err)
	}
	if findStep(t, first, "gate").State != StepWaitingApproval {
		t.Fatalf("gate left waiting after one of two approvals: %s", findStep(t, first, "gate").State)
	}

	// Duplicate approvals do not count twice.
	dup, err := e.ApproveStep(context.Background(), "run-gate", "gate", "alice")
	if err != nil {
		t.Fatalf("ApproveStep(alice again): %v", err)
	}
	if got := findStep(t, dup, "gate").Approvers; len(got) != 1 {
		t.Fatalf("approvers after duplicate = %v", got)
	}

	final, err := e.ApproveStep(context.Background(), "run-gate", "gate", "bob")
	if err != nil {
		t.Fatalf("ApproveStep(bob): %v", err)
	}
	if final.State != StateCompleted {
		t.Fatalf("state after second approval = %s, want %s", final.State, StateCompleted)
	}
	gate := findStep(t, final, "gate")
	if gate.State != StepCompleted {
		t.Fatalf("gate state = %s", gate.State)
	}
	if len(gate.Approvers) != 2 || gate.Approvers[0] != "alice" || gate.Approvers[1] != "bob" {
		t.Fatalf("approvers = %v", gate.Approvers)
	}
	if findStep(t, final, "after").State != StepCompleted {
		t.Fatalf("after state = %s", findStep(t, final, "after").State)
	}

	if _, err := e.ApproveStep(context.Background(), "run-gate", "after", "carol"); err == nil {
		t.Fatal("approving a non-waiting step should error")
	}
}

func TestApprovalGateAutoApprovesAfterTimeout(t *testing.T) {
	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "auto",
		Steps: []playbook.Step{
			{
				ID:     "gate",
				Action: "noop",
				Args:   map[string]any{"message": "went through"},
				ApprovalGate: &playbook.ApprovalGate{
					Message:                 "nobody home",
					TimeoutSeconds:          0.05,
					AutoApproveAfterTimeout: true,
				},
			},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-auto"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if findStep(t, exec, "gate").State != StepWaitingApproval {
		t.Fatalf("gate state = %s before the window elapses", findStep(t, exec, "gate").State)
	}

	final := waitForTerminal(t, e, "run-auto")
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want %s", final.State, StateCompleted)
	}
	gate := findStep(t, final, "gate")
	if gate.State != StepCompleted {
		t.Fatalf("gate state = %s", gate.State)
	}
	if len(gate.Approvers) != 1 || gate.Approvers[0] != "auto_approval" {
		t.Fatalf("approvers = %v, want the auto_approval marker", gate.Approvers)
	}
}

func TestApprovalGateFailsWhenWindowElapses(t *testing.T) {
	auditor := &memoryAuditor{}
	e, _ := newTestEngine(t, WithAuditor(auditor))
	pb := &playbook.Playbook{
		Name: "denied",
		Steps: []playbook.Step{
			{
				ID:           "gate",
				Action:       "noop",
				Args:         map[string]any{"message": "never"},
				ApprovalGate: &playbook.ApprovalGate{Message: "needs sign-off", TimeoutSeconds: 0.05},
			},
			{ID: "after", Action: "noop", Args: map[string]any{"message": "never either"}},
		},
	}

	if _, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-denied"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final := waitForTerminal(t, e, "run-denied")
	if final.State != StateFailed {
		t.Fatalf("state = %s, want %s", final.State, StateFailed)
	}
	gate := findStep(t, final, "gate")
	if gate.State != StepFailed {
		t.Fatalf("gate state = %s", gate.State)
	}
	if gate.Error != "approval not granted" {
		t.Fatalf("gate error = %q", gate.Error)
	}
	if findStep(t, final, "after").State != StepSkipped {
		t.Fatalf("after state = %s, want %s", findStep(t, final, "after").State, StepSkipped)
	}
	if !auditor.has(audit.EventStepApprovalExpired) {
		t.Fatal("no approval_expired audit event")
	}
}

func TestApprovalHandlerDecidesSynchronously(t *testing.T) {
	var consulted atomic.Int64
	e, _ := newTestEngine(t, WithApprovalHandler(func(gate playbook.ApprovalGate) bool {
		consulted.Add(1)
		return gate.Message == "yes please"
	}))
	pb := &playbook.Playbook{
		Name: "handled",
		Steps: []playbook.Step{
			{
				ID:           "gate",
				Action:       "noop",
				Args:         map[string]any{"message": "through"},
				ApprovalGate: &playbook.ApprovalGate{Message: "yes please"},
			},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-handled"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateCompleted {
		t.Fatalf("state = %s, want %s without any waiting", exec.State, StateCompleted)
	}
	if consulted.Load() != 1 {
		t.Fatalf("handler consulted %d times, want once", consulted.Load())
	}
	gate := findStep(t, exec, "gate")
	if len(gate.Approvers) != 1 || gate.Approvers[0] != "approval_handler" {
		t.Fatalf("approvers = %v", gate.Approvers)
	}
	if countTimeline(exec, TimelineStepWaiting) != 0 {
		t.Fatalf("step entered WAITING_APPROVAL despite the handler: %v", timelineTypes(exec))
	}
}

func TestRollbackRunsStackInReverse(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		fmt.Fprint(w, "undone")
	}))
	defer server.Close()

	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "reversible",
		Steps: []playbook.Step{
			{
				ID:     "first",
				Action: "noop",
				Args:   map[string]any{"message": "one"},
				Rollback: playbook.RollbackSpecs{
					{Action: "http_request", Args: map[string]any{"url": server.URL + "/undo-first"}, Description: "undo one"},
				},
			},
			{
				ID:     "second",
				Action: "noop",
				Args:   map[string]any{"message": "two"},
				Rollback: playbook.RollbackSpecs{
					{Action: "http_request", Args: map[string]any{"url": server.URL + "/undo-second"}},
				},
			},
			{
				ID:     "third",
				Action: "noop",
				Args:   map[string]any{"message": "three"},
				Rollback: playbook.RollbackSpecs{
					// Unreachable on purpose: the sweep must keep going.
					{Action: "http_request", Args: map[string]any{"url": "http://127.0.0.1:1/undo-third"}},
				},
			},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-reversible"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateCompleted {
		t.Fatalf("state = %s, want %s", exec.State, StateCompleted)
	}
	if len(exec.RollbackStack) != 3 {
		t.Fatalf("rollback stack = %d actions, want 3", len(exec.RollbackStack))
	}

	rolled, err := e.Rollback(context.Background(), "run-reversible")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolled.State != StateRolledBack {
		t.Fatalf("state = %s, want %s", rolled.State, StateRolledBack)
	}

	mu.Lock()
	gotPaths := append([]string(nil), paths...)
	mu.Unlock()
	if len(gotPaths) != 2 || gotPaths[0] != "/undo-second" || gotPaths[1] != "/undo-first" {
		t.Fatalf("rollback order = %v, want newest first", gotPaths)
	}

	if len(rolled.Rollbacks) != 3 {
		t.Fatalf("rollback results = %d, want 3", len(rolled.Rollbacks))
	}
	if rolled.Rollbacks[0].StepID != "third" || rolled.Rollbacks[0].Status != StepFailed {
		t.Fatalf("first sweep result = %+v, want third's failure", rolled.Rollbacks[0])
	}
	if rolled.Rollbacks[1].Status != StepCompleted || rolled.Rollbacks[2].Status != StepCompleted {
		t.Fatalf("later sweep results = %+v", rolled.Rollbacks[1:])
	}
	if len(rolled.ErrorLog) != 1 {
		t.Fatalf("error log = %v, want one rollback failure entry", rolled.ErrorLog)
	}
	for _, id := range []string{"first", "second", "third"} {
		if findStep(t, rolled, id).State != StepRolledBack {
			t.Fatalf("%s state = %s, want %s", id, findStep(t, rolled, id).State, StepRolledBack)
		}
	}

	if _, err := e.Rollback(context.Background(), "run-reversible"); err == nil {
		t.Fatal("second Rollback on a ROLLED_BACK run should error")
	}
	if _, err := e.Pause("run-reversible"); err == nil {
		t.Fatal("Pause on a ROLLED_BACK run should error")
	}
}

func TestWhenConditionSkipsStep(t *testing.T) {
	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name: "conditional",
		Parameters: []playbook.ParameterSpec{
			{Name: "env", Default: "dev"},
		},
		Steps: []playbook.Step{
			{
				ID:     "prod_only",
				Action: "noop",
				Args:   map[string]any{"message": "prod things"},
				When:   []conditions.Condition{{Type: "equals", Left: "${env}", Right: "prod"}},
			},
			{ID: "always", Action: "noop", Args: map[string]any{"message": "runs anywhere"}},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-cond"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateCompleted {
		t.Fatalf("state = %s, skipped steps do not fail the run", exec.State)
	}
	skipped := findStep(t, exec, "prod_only")
	if skipped.State != StepSkipped {
		t.Fatalf("prod_only state = %s, want %s", skipped.State, StepSkipped)
	}
	if findStep(t, exec, "always").State != StepCompleted {
		t.Fatalf("always state = %s", findStep(t, exec, "always").State)
	}
	found := false
	for _, evt := range exec.Timeline {
		if evt.Type == TimelineStepSkipped && evt.StepID == "prod_only" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no step.skipped event for prod_only: %v", timelineTypes(exec))
	}
}

func TestValidatorFailureBlocksStepWithoutRetry(t *testing.T) {
	registry := validator.NewRegistry()
	registry.Register("always_red", validator.Func(func(ctx context.Context, config, execution map[string]any) validator.Result {
		return validator.Result{Valid: false, Message: "target host unhealthy"}
	}))

	e, sleeps := newTestEngine(t, WithValidators(registry))
	pb := &playbook.Playbook{
		Name: "checked",
		Steps: []playbook.Step{
			{
				ID:         "guarded",
				Action:     "noop",
				Args:       map[string]any{"message": "never runs"},
				Validators: []playbook.ValidatorSpec{{"type": "always_red"}},
				Retry:      &failure.Override{MaxAttempts: 5, BaseDelay: 0.1},
			},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-checked"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateFailed {
		t.Fatalf("state = %s, want %s", exec.State, StateFailed)
	}
	guarded := findStep(t, exec, "guarded")
	if guarded.State != StepFailed {
		t.Fatalf("guarded state = %s", guarded.State)
	}
	if guarded.Error != "Pre-execution validation failed" {
		t.Fatalf("guarded error = %q", guarded.Error)
	}
	if len(guarded.Validations) != 1 || guarded.Validations[0].Valid {
		t.Fatalf("validations = %+v", guarded.Validations)
	}
	// Validator failures bypass the retry override entirely.
	if guarded.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", guarded.RetryCount)
	}
	if got := countTimeline(exec, TimelineAttemptStarted); got != 0 {
		t.Fatalf("attempts started = %d, the action must never run", got)
	}
	if delays := sleeps.recorded(); len(delays) != 0 {
		t.Fatalf("sleeps = %v, want none", delays)
	}
}

func TestContinueOnFailureRunsRemainingWaves(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e, _ := newTestEngine(t)
	pb := &playbook.Playbook{
		Name:              "best-effort",
		ContinueOnFailure: true,
		Steps: []playbook.Step{
			{
				ID:     "bad",
				Action: "http_request",
				Args:   map[string]any{"url": server.URL},
				Validations: []conditions.Condition{
					{Type: "http_status", Left: "${status_code}", Right: 200},
				},
			},
			{ID: "good", Action: "noop", Args: map[string]any{"message": "still ran"}},
		},
	}

	exec, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb, RunID: "run-best-effort"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State != StateFailed {
		t.Fatalf("state = %s, a failed step still fails the run", exec.State)
	}
	if findStep(t, exec, "bad").State != StepFailed {
		t.Fatalf("bad state = %s", findStep(t, exec, "bad").State)
	}
	if findStep(t, exec, "good").State != StepCompleted {
		t.Fatalf("good state = %s, later waves must still run", findStep(t, exec, "good").State)
	}
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Execute(context.Background(), ExecuteRequest{Playbook: &playbook.Playbook{Name: "empty"}})
	var verr *playbook.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want a validation error", err)
	}

	pb := func() *playbook.Playbook {
		return &playbook.Playbook{
			Name:  "dup",
			Steps: []playbook.Step{{ID: "only", Action: "noop", Args: map[string]any{"message": "x"}}},
		}
	}
	if _, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb(), RunID: "run-dup"}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	_, err = e.Execute(context.Background(), ExecuteRequest{Playbook: pb(), RunID: "run-dup"})
	if !errors.Is(err, ErrExecutionExists) {
		t.Fatalf("error = %v, want ErrExecutionExists", err)
	}
}

func TestAccessorsAndSnapshots(t *testing.T) {
	e, _ := newTestEngine(t)
	pb := func(name string) *playbook.Playbook {
		return &playbook.Playbook{
			Name:  name,
			Steps: []playbook.Step{{ID: "only", Action: "noop", Args: map[string]any{"message": name}}},
		}
	}

	if _, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb("one"), RunID: "run-1"}); err != nil {
		t.Fatalf("Execute one: %v", err)
	}
	if _, err := e.Execute(context.Background(), ExecuteRequest{Playbook: pb("two"), RunID: "run-2"}); err != nil {
		t.Fatalf("Execute two: %v", err)
	}

	if _, err := e.Get("missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrExecutionNotFound", err)
	}

	all := e.List()
	if len(all) != 2 {
		t.Fatalf("List = %d runs, want 2", len(all))
	}
	if len(e.ListActive()) != 0 {
		t.Fatalf("ListActive = %v, want none after both completed", e.ListActive())
	}

	timeline, err := e.Timeline("run-1")
	if err != nil || len(timeline) == 0 {
		t.Fatalf("Timeline = %v, %v", timeline, err)
	}

	// Snapshots are copies; mutating one must not touch engine state.
	snap, err := e.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap.Variables["poison"] = true
	snap.Steps[0].State = "TAMPERED"
	fresh, err := e.Get("run-1")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if _, ok := fresh.Variables["poison"]; ok {
		t.Fatal("snapshot mutation leaked into engine state")
	}
	if fresh.Steps[0].State == "TAMPERED" {
		t.Fatal("step mutation leaked into engine state")
	}
}

func TestClassifyCommandRisk(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"rm -rf /var/cache", RiskCritical},
		{"dd if=/dev/zero of=/dev/sda", RiskCritical},
		{"shutdown -h now", RiskCritical},
		{"systemctl restart nginx", RiskHigh},
		{"apt-get install -y curl", RiskHigh},
		{"chmod 600 /etc/secret", RiskHigh},
		{"journalctl -u nginx --since today", RiskMedium},
		{"find / -name core", RiskMedium},
		{"df -h", RiskLow},
		{"echo hello", RiskLow},
		{"uname -a", RiskLow},
		{"./deploy.sh --prod", RiskMedium}, // unknown commands default medium
		{"", RiskLow},
	}
	for _, tt := range tests {
		if got := classifyCommandRisk(tt.command); got != tt.want {
			t.Errorf("classifyCommandRisk(%q) = %s, want %s", tt.command, got, tt.want)
		}
	}
}

func TestClassifyRiskByAction(t *testing.T) {
	tests := []struct {
		action   string
		args     map[string]any
		want     string
		mutating bool
	}{
		{"noop", nil, RiskLow, false},
		{"wait", map[string]any{"seconds": 5}, RiskLow, false},
		{"sql_query", map[string]any{"query": "SELECT 1"}, RiskLow, false},
		{"http_request", map[string]any{"url": "http://x"}, RiskLow, false},
		{"http_request", map[string]any{"url": "http://x", "method": "post"}, RiskMedium, true},
		{"http_request", map[string]any{"url": "http://x", "method": "DELETE"}, RiskHigh, true},
		{"shell", map[string]any{"command": "cat /etc/hosts"}, RiskLow, false},
		{"shell", map[string]any{"command": "rm -rf /"}, RiskCritical, true},
	}
	for _, tt := range tests {
		got, mutating := classifyRisk(tt.action, tt.args)
		if got != tt.want || mutating != tt.mutating {
			t.Errorf("classifyRisk(%s, %v) = (%s, %v), want (%s, %v)",
				tt.action, tt.args, got, mutating, tt.want, tt.mutating)
		}
	}
}
