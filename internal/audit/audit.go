// Package audit provides an append-only audit trail for engine actions.
// Execution lifecycle transitions, approval decisions, rule changes and
// compliance evaluations are recorded here; the compliance rule lane writes
// its framework/control findings through the same trail.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventExecutionStarted      EventType = "execution.started"
	EventExecutionCompleted    EventType = "execution.completed"
	EventExecutionFailed       EventType = "execution.failed"
	EventExecutionCancelled    EventType = "execution.cancelled"
	EventExecutionPaused       EventType = "execution.paused"
	EventExecutionResumed      EventType = "execution.resumed"
	EventExecutionRolledBack   EventType = "execution.rolled_back"
	EventStepApprovalRequested EventType = "step.approval_requested"
	EventStepApproved          EventType = "step.approved"
	EventStepApprovalExpired   EventType = "step.approval_expired"
	EventRuleCreated           EventType = "rule.created"
	EventRuleUpdated           EventType = "rule.updated"
	EventRuleDeleted           EventType = "rule.deleted"
	EventRulesImported         EventType = "rules.imported"
	EventComplianceEvaluated   EventType = "compliance.evaluated"
	EventThreatLevelChanged    EventType = "security.threat_level_changed"
	EventKeyGenerated          EventType = "auth.key_generated"
	EventLoginFailed           EventType = "auth.login_failed"
)

// Event is a single audit trail entry.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	RuleID      string    `json:"rule_id,omitempty"`
	Actor       string    `json:"actor,omitempty"` // who initiated (user, system, rule lane)
	Summary     string    `json:"summary"`
	Detail      any       `json:"detail,omitempty"`
	Before      any       `json:"before,omitempty"` // state before change
	After       any       `json:"after,omitempty"`  // state after change
}

// Log is an append-only in-memory audit trail.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // ring buffer size (0 = unbounded)
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event to the log.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)

	// Ring buffer: drop oldest if over capacity
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit is a convenience for recording a new event with minimal args.
func (l *Log) Emit(typ EventType, executionID, actor, summary string) {
	l.Record(Event{
		Type:        typ,
		ExecutionID: executionID,
		Actor:       actor,
		Summary:     summary,
	})
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	ExecutionID string
	RuleID      string
	Type        EventType
	Since       time.Time
	Until       time.Time
	Cursor      string
	Limit       int
}

// Query returns filtered events, newest first. A cursor resumes strictly
// after the named event; a cursor not present in the ring matches nothing.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	skipping := f.Cursor != ""

	// Walk backwards (newest first)
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]

		if skipping {
			if evt.ID == f.Cursor {
				skipping = false
			}
			continue
		}

		if f.ExecutionID != "" && evt.ExecutionID != f.ExecutionID {
			continue
		}
		if f.RuleID != "" && evt.RuleID != f.RuleID {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}

		result = append(result, evt)

		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}

	return result
}

// Recent returns the N most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns total event count.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all events as JSON (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
