package rules

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Catalog is the store surface the resolver needs: the candidate rules plus
// parent and assignment lookups.
type Catalog interface {
	Source
	Get(id string) (*Rule, error)
	Assignments(ruleID string) ([]Assignment, error)
}

// InheritanceContext names the concrete scope ids a caller evaluates under.
// Empty ids skip their layer.
type InheritanceContext struct {
	AgentID      string   `json:"agent_id,omitempty"`
	MachineID    string   `json:"machine_id,omitempty"`
	ProjectID    string   `json:"project_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Role         string   `json:"role,omitempty"`
}

func (ic InheritanceContext) scopeID(scope string) string {
	switch scope {
	case ScopeProject:
		return ic.ProjectID
	case ScopeMachine:
		return ic.MachineID
	case ScopeAgent:
		return ic.AgentID
	case ScopeSession:
		return ic.SessionID
	default:
		return ""
	}
}

// EvalContext renders the inheritance context as evaluation context fields,
// so resolved rules can also condition on agent_id, role and the rest.
func (ic InheritanceContext) EvalContext() map[string]any {
	out := map[string]any{}
	if ic.AgentID != "" {
		out["agent_id"] = ic.AgentID
	}
	if ic.MachineID != "" {
		out["machine_id"] = ic.MachineID
	}
	if ic.ProjectID != "" {
		out["project_id"] = ic.ProjectID
	}
	if ic.SessionID != "" {
		out["session_id"] = ic.SessionID
	}
	if ic.Role != "" {
		out["role"] = ic.Role
	}
	if len(ic.Capabilities) > 0 {
		caps := make([]any, len(ic.Capabilities))
		for i, c := range ic.Capabilities {
			caps[i] = c
		}
		out["capabilities"] = caps
	}
	return out
}

// Resolved is the materialized rule set for one context plus the warnings
// raised while building it.
type Resolved struct {
	Rules    []*Rule  `json:"rules"`
	Warnings []string `json:"warnings,omitempty"`
}

// Resolver layers rules by scope for a concrete context and materializes
// parent inheritance. It never mutates stored rules; every inherited rule
// is a new clone.
type Resolver struct {
	catalog Catalog
	logger  *zap.Logger
	now     func() time.Time
}

// NewResolver creates a Resolver reading from catalog.
func NewResolver(catalog Catalog, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var layerOrder = []string{ScopeGlobal, ScopeProject, ScopeMachine, ScopeAgent, ScopeSession}

// ResolveFor builds the effective rule set for one context. Layers stack
// from global to session; within the stack a more specific layer overrides
// a less specific rule sharing its (rule_type, name) key. Rules with a
// parent are materialized through mergeWithParent.
func (rv *Resolver) ResolveFor(ic InheritanceContext) (*Resolved, error) {
	now := rv.now()
	all, err := rv.catalog.ActiveRules(now)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}

	res := &Resolved{}

	// Bucket candidates per scope layer, honoring concrete assignments.
	layers := make(map[string][]*Rule, len(layerOrder))
	for _, r := range all {
		scope := r.Scope
		if ScopeRank(scope) < 0 {
			continue
		}
		id := ic.scopeID(scope)
		if scope != ScopeGlobal && id == "" {
			continue
		}

		candidate := r
		if scope != ScopeGlobal {
			asgs, err := rv.catalog.Assignments(r.ID)
			if err != nil {
				return nil, fmt.Errorf("load assignments for %s: %w", r.ID, err)
			}
			if len(asgs) > 0 {
				covered := false
				for _, a := range asgs {
					if !a.Covers(scope, id, now) {
						continue
					}
					covered = true
					if a.PriorityOverride != nil {
						candidate = r.Clone()
						candidate.Priority = *a.PriorityOverride
					}
					break
				}
				if !covered {
					continue
				}
			}
		}
		layers[scope] = append(layers[scope], candidate)
	}

	// Specific layers override general ones per (rule_type, name).
	effective := make(map[string]*Rule)
	for _, scope := range layerOrder {
		for _, r := range layers[scope] {
			effective[r.RuleType+"\x00"+r.Name] = r
		}
	}

	out := make([]*Rule, 0, len(effective))
	for _, r := range effective {
		materialized := rv.materialize(r, res)
		out = append(out, materialized)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	res.Rules = out
	return res, nil
}

// materialize folds a rule's parent chain into a single effective rule,
// nearest parent first. Cycles and up-inheritance break the chain with a
// warning instead of failing the whole resolution.
func (rv *Resolver) materialize(r *Rule, res *Resolved) *Rule {
	if r.ParentRuleID == "" {
		return r
	}

	current := r
	visited := map[string]bool{r.ID: true}
	depth := 0

	parentID := r.ParentRuleID
	for parentID != "" {
		if visited[parentID] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s: inheritance cycle through %s", r.ID, parentID))
			break
		}
		visited[parentID] = true

		parent, err := rv.catalog.Get(parentID)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s: parent %s not found", r.ID, parentID))
			break
		}
		if ScopeRank(current.Scope) < ScopeRank(parent.Scope) {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"rule %s: scope %s cannot inherit from more specific scope %s", r.ID, current.Scope, parent.Scope))
			break
		}

		current = mergeWithParent(current, parent)
		depth++
		parentID = parent.ParentRuleID
	}

	if depth > 3 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s: inheritance chain is %d levels deep", r.ID, depth))
	}
	return current
}

// mergeWithParent materializes the inherited rule: a new clone of the
// child, AND-combined with the parent's conditions (child wins a
// (field, operator) collision), the parent's actions on targets the child
// does not touch, united tags and shallow-merged metadata. The clone is
// tagged with metadata.inherited_from.
func mergeWithParent(child, parent *Rule) *Rule {
	out := child.Clone()

	seenConds := make(map[string]bool, len(child.Conditions))
	for _, c := range child.Conditions {
		seenConds[c.Field+"\x00"+c.Operator] = true
	}
	for _, c := range parent.Conditions {
		if seenConds[c.Field+"\x00"+c.Operator] {
			continue
		}
		c.Value = cloneValue(c.Value)
		out.Conditions = append(out.Conditions, c)
	}

	childTargets := make(map[string]bool, len(child.Actions))
	for _, a := range child.Actions {
		childTargets[a.Target] = true
	}
	for _, a := range parent.Actions {
		if childTargets[a.Target] {
			continue
		}
		out.Actions = append(out.Actions, a.clone())
	}

	seenTags := make(map[string]bool, len(out.Tags))
	for _, t := range out.Tags {
		seenTags[t] = true
	}
	for _, t := range parent.Tags {
		if !seenTags[t] {
			out.Tags = append(out.Tags, t)
			seenTags[t] = true
		}
	}

	merged := make(map[string]any, len(parent.Metadata)+len(child.Metadata)+1)
	for k, v := range parent.Metadata {
		merged[k] = cloneValue(v)
	}
	for k, v := range out.Metadata {
		merged[k] = v
	}
	merged["inherited_from"] = parent.ID
	out.Metadata = merged

	return out
}
