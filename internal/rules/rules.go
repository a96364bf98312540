// Package rules is the behavior governance engine: typed, scoped,
// prioritized rules with versioned history, conflict-resolved evaluation,
// scope inheritance and specialized advanced lanes. The store owns every
// rule; evaluators and resolvers work on read-only clones.
package rules

import (
	"regexp"
	"strings"
	"time"

	"github.com/marcus-qen/praetor/internal/conditions"
	"github.com/marcus-qen/praetor/internal/interpolate"
)

// Scopes, ordered from least to most specific.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
	ScopeMachine = "machine"
	ScopeAgent   = "agent"
	ScopeSession = "session"
)

var scopeRanks = map[string]int{
	ScopeGlobal:  0,
	ScopeProject: 1,
	ScopeMachine: 2,
	ScopeAgent:   3,
	ScopeSession: 4,
}

// ScopeRank orders scopes by specificity. Unknown scopes rank below global.
func ScopeRank(scope string) int {
	if rank, ok := scopeRanks[scope]; ok {
		return rank
	}
	return -1
}

// Priority buckets.
const (
	PriorityAdvisory = 100
	PriorityLow      = 250
	PriorityNormal   = 500
	PriorityHigh     = 750
	PriorityCritical = 1000
)

// Rule statuses. Only active rules ever apply.
const (
	StatusActive     = "active"
	StatusInactive   = "inactive"
	StatusDeprecated = "deprecated"
	StatusTesting    = "testing"
)

// Conflict resolution strategies. Strategies without their own selection
// logic fall through to highest_priority.
const (
	ConflictHighestPriority = "highest_priority"
	ConflictMostSpecific    = "most_specific"
	ConflictLatestCreated   = "latest_created"
	ConflictConsensus       = "consensus"
	ConflictOverride        = "override"
)

// Action types. Only set, append, merge, validate and block fold into the
// behavior configuration; transform and invoke are recorded for external
// handlers.
const (
	ActionSet       = "set"
	ActionAppend    = "append"
	ActionMerge     = "merge"
	ActionValidate  = "validate"
	ActionBlock     = "block"
	ActionTransform = "transform"
	ActionInvoke    = "invoke"
)

// Dependency types.
const (
	DependencyRequires  = "requires"
	DependencyConflicts = "conflicts"
	DependencyEnhances  = "enhances"
	DependencyReplaces  = "replaces"
)

// Change types recorded in the version history.
const (
	ChangeCreated     = "created"
	ChangeUpdated     = "updated"
	ChangeActivated   = "activated"
	ChangeDeactivated = "deactivated"
	ChangeDeprecated  = "deprecated"
	ChangeDeleted     = "deleted"
	ChangeImported    = "imported"
	ChangeExported    = "exported"
)

// Rule is one unit of behavior governance: when its conditions hold for a
// context, its actions contribute to the behavior configuration built for
// that context.
type Rule struct {
	ID                 string         `json:"id"`
	Version            int            `json:"version"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	RuleType           string         `json:"rule_type"`
	Scope              string         `json:"scope"`
	Priority           int            `json:"priority"`
	Status             string         `json:"status"`
	Conditions         []Condition    `json:"conditions,omitempty"`
	Actions            []Action       `json:"actions,omitempty"`
	ParentRuleID       string         `json:"parent_rule_id,omitempty"`
	ConflictResolution string         `json:"conflict_resolution,omitempty"`
	EffectiveFrom      *time.Time     `json:"effective_from,omitempty"`
	EffectiveUntil     *time.Time     `json:"effective_until,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Advanced           *AdvancedSpec  `json:"advanced,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Condition is one predicate over the evaluation context. String
// comparisons fold case unless CaseSensitive is set.
type Condition struct {
	Field         string `json:"field"`
	Operator      string `json:"operator"`
	Value         any    `json:"value,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

// Action is one contribution a matching rule makes against a named target.
type Action struct {
	ActionType string         `json:"action_type"`
	Target     string         `json:"target"`
	Value      any            `json:"value,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Version is one row of a rule's append-only history.
type Version struct {
	RuleID     string    `json:"rule_id"`
	Version    int       `json:"version"`
	ChangeType string    `json:"change_type"`
	Snapshot   *Rule     `json:"snapshot,omitempty"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Dependency links two rules.
type Dependency struct {
	RuleID          string    `json:"rule_id"`
	DependsOnRuleID string    `json:"depends_on_rule_id"`
	DependencyType  string    `json:"dependency_type"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// Assignment binds a rule to one concrete scope id, optionally overriding
// its priority inside a temporal window. Rules without assignments apply to
// every id of their scope.
type Assignment struct {
	RuleID           string     `json:"rule_id"`
	ScopeType        string     `json:"scope_type"`
	ScopeID          string     `json:"scope_id"`
	PriorityOverride *int       `json:"priority_override,omitempty"`
	EffectiveFrom    *time.Time `json:"effective_from,omitempty"`
	EffectiveUntil   *time.Time `json:"effective_until,omitempty"`
	CreatedAt        time.Time  `json:"created_at,omitempty"`
}

// Applies reports whether the rule governs the given context right now:
// active status, inside the temporal window, every condition true. A rule
// with no conditions applies universally.
func (r *Rule) Applies(ctx map[string]any, now time.Time) bool {
	if r == nil || r.Status != StatusActive {
		return false
	}
	if !r.InWindow(now) {
		return false
	}
	return r.ConditionsMet(ctx)
}

// InWindow reports whether now falls inside the rule's effective window.
func (r *Rule) InWindow(now time.Time) bool {
	if r.EffectiveFrom != nil && now.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && now.After(*r.EffectiveUntil) {
		return false
	}
	return true
}

// ConditionsMet reports whether every condition holds against ctx.
func (r *Rule) ConditionsMet(ctx map[string]any) bool {
	for _, c := range r.Conditions {
		if !c.Matches(ctx) {
			return false
		}
	}
	return true
}

// Matches evaluates the condition against the context. Unknown operators
// never match; a missing field only satisfies not_exists.
func (c Condition) Matches(ctx map[string]any) bool {
	actual, present := lookupField(ctx, c.Field)

	op := strings.ToLower(strings.TrimSpace(c.Operator))
	switch op {
	case "exists":
		return present
	case "not_exists":
		return !present
	}
	if !present {
		return false
	}

	switch op {
	case "eq":
		return c.fold(interpolate.Stringify(actual)) == c.fold(interpolate.Stringify(c.Value))
	case "ne":
		return c.fold(interpolate.Stringify(actual)) != c.fold(interpolate.Stringify(c.Value))
	case "in":
		want := c.fold(interpolate.Stringify(actual))
		for _, item := range toList(c.Value) {
			if want == c.fold(interpolate.Stringify(item)) {
				return true
			}
		}
		return false
	case "regex":
		pattern := interpolate.Stringify(c.Value)
		if !c.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(interpolate.Stringify(actual))
	case "contains":
		if items, ok := actual.([]any); ok {
			want := c.fold(interpolate.Stringify(c.Value))
			for _, item := range items {
				if c.fold(interpolate.Stringify(item)) == want {
					return true
				}
			}
			return false
		}
		return strings.Contains(c.fold(interpolate.Stringify(actual)), c.fold(interpolate.Stringify(c.Value)))
	case "startswith":
		return strings.HasPrefix(c.fold(interpolate.Stringify(actual)), c.fold(interpolate.Stringify(c.Value)))
	case "endswith":
		return strings.HasSuffix(c.fold(interpolate.Stringify(actual)), c.fold(interpolate.Stringify(c.Value)))
	case "gt":
		return c.compare(actual) > 0
	case "lt":
		return c.compare(actual) < 0
	case "gte":
		return c.compare(actual) >= 0
	case "lte":
		return c.compare(actual) <= 0
	default:
		return false
	}
}

func (c Condition) fold(s string) string {
	if c.CaseSensitive {
		return s
	}
	return strings.ToLower(s)
}

// compare orders the context value against the condition value:
// numerically when both sides parse as numbers, lexically otherwise.
// RFC 3339 timestamps order correctly under the lexical fallback.
func (c Condition) compare(actual any) int {
	lf, lok := conditions.ToFloat(actual)
	rf, rok := conditions.ToFloat(c.Value)
	if lok && rok {
		switch {
		case lf < rf:
			return -1
		case lf > rf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(c.fold(interpolate.Stringify(actual)), c.fold(interpolate.Stringify(c.Value)))
}

// lookupField resolves a field against the context: a flat key wins, then
// dots descend into nested maps.
func lookupField(ctx map[string]any, field string) (any, bool) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, false
	}
	if v, ok := ctx[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}

	var current any = ctx
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toList(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return []any{value}
	}
}

// Normalize trims identifiers, lowercases enumerated fields and fills the
// defaults a sparsely written rule leaves out.
func Normalize(r *Rule) {
	if r == nil {
		return
	}
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.RuleType = strings.ToLower(strings.TrimSpace(r.RuleType))
	r.Scope = strings.ToLower(strings.TrimSpace(r.Scope))
	if r.Scope == "" {
		r.Scope = ScopeGlobal
	}
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.Priority == 0 {
		r.Priority = PriorityNormal
	}
	r.ConflictResolution = strings.ToLower(strings.TrimSpace(r.ConflictResolution))
	if r.ConflictResolution == "" {
		r.ConflictResolution = ConflictHighestPriority
	}
	r.ParentRuleID = strings.TrimSpace(r.ParentRuleID)

	for i := range r.Conditions {
		r.Conditions[i].Field = strings.TrimSpace(r.Conditions[i].Field)
		r.Conditions[i].Operator = strings.ToLower(strings.TrimSpace(r.Conditions[i].Operator))
	}
	for i := range r.Actions {
		r.Actions[i].ActionType = strings.ToLower(strings.TrimSpace(r.Actions[i].ActionType))
		r.Actions[i].Target = strings.TrimSpace(r.Actions[i].Target)
	}

	tags := r.Tags[:0]
	for _, t := range r.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	r.Tags = tags
	if r.Advanced != nil {
		r.Advanced.Type = strings.ToLower(strings.TrimSpace(r.Advanced.Type))
	}
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate shared state.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	out.Conditions = make([]Condition, len(r.Conditions))
	for i, c := range r.Conditions {
		c.Value = cloneValue(c.Value)
		out.Conditions[i] = c
	}
	out.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		out.Actions[i] = a.clone()
	}
	if r.Metadata != nil {
		out.Metadata = cloneValue(r.Metadata).(map[string]any)
	}
	if r.EffectiveFrom != nil {
		t := *r.EffectiveFrom
		out.EffectiveFrom = &t
	}
	if r.EffectiveUntil != nil {
		t := *r.EffectiveUntil
		out.EffectiveUntil = &t
	}
	out.Advanced = r.Advanced.clone()
	return &out
}

func (a Action) clone() Action {
	a.Value = cloneValue(a.Value)
	if a.Parameters != nil {
		a.Parameters = cloneValue(a.Parameters).(map[string]any)
	}
	return a
}

// cloneValue deep-copies JSON-shaped values; scalars pass through.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
