package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation result levels.
const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelInfo    = "INFO"
)

// Validation result categories.
const (
	CategorySyntax        = "syntax"
	CategoryLogic         = "logic"
	CategoryPerformance   = "performance"
	CategorySecurity      = "security"
	CategoryCompatibility = "compatibility"
	CategoryStyle         = "style"
)

// ValidationResult is one finding from a rule check. ERROR findings block
// the write; WARNING and INFO findings are returned to the caller.
type ValidationResult struct {
	Level    string `json:"level"`
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// ValidationError aggregates the blocking findings of a rule check.
type ValidationError struct {
	Issues []string `json:"issues"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "rule validation failed"
	}
	return "rule validation failed: " + strings.Join(e.Issues, "; ")
}

// HasErrors reports whether any finding is at ERROR level.
func HasErrors(results []ValidationResult) bool {
	for _, res := range results {
		if res.Level == LevelError {
			return true
		}
	}
	return false
}

// Validate runs Check and converts ERROR findings into a ValidationError.
// WARNING and INFO findings never block.
func Validate(r *Rule) error {
	var issues []string
	for _, res := range Check(r) {
		if res.Level != LevelError {
			continue
		}
		if res.Field != "" {
			issues = append(issues, fmt.Sprintf("%s: %s", res.Field, res.Message))
		} else {
			issues = append(issues, res.Message)
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

var standardPriorities = map[int]bool{
	PriorityAdvisory: true,
	PriorityLow:      true,
	PriorityNormal:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

var validStatuses = map[string]bool{
	StatusActive:     true,
	StatusInactive:   true,
	StatusDeprecated: true,
	StatusTesting:    true,
}

var validStrategies = map[string]bool{
	ConflictHighestPriority: true,
	ConflictMostSpecific:    true,
	ConflictLatestCreated:   true,
	ConflictConsensus:       true,
	ConflictOverride:        true,
}

var validOperators = map[string]bool{
	"eq": true, "ne": true, "in": true, "regex": true, "contains": true,
	"startswith": true, "endswith": true, "gt": true, "lt": true,
	"gte": true, "lte": true, "exists": true, "not_exists": true,
}

var validActionTypes = map[string]bool{
	ActionSet: true, ActionAppend: true, ActionMerge: true,
	ActionValidate: true, ActionBlock: true, ActionTransform: true,
	ActionInvoke: true,
}

// Check inspects a normalized rule and reports every finding, blocking or
// not. Callers wanting a yes/no answer use Validate.
func Check(r *Rule) []ValidationResult {
	if r == nil {
		return []ValidationResult{{Level: LevelError, Category: CategorySyntax, Message: "rule is required"}}
	}

	var out []ValidationResult
	add := func(level, category, field, format string, args ...any) {
		out = append(out, ValidationResult{Level: level, Category: category, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if r.Name == "" {
		add(LevelError, CategorySyntax, "name", "name is required")
	}
	if r.RuleType == "" {
		add(LevelError, CategorySyntax, "rule_type", "rule_type is required")
	}
	if ScopeRank(r.Scope) < 0 {
		add(LevelError, CategorySyntax, "scope", "scope %q must be one of: global, project, machine, agent, session", r.Scope)
	}
	if !validStatuses[r.Status] {
		add(LevelError, CategorySyntax, "status", "status %q must be one of: active, inactive, deprecated, testing", r.Status)
	}
	if r.Priority <= 0 {
		add(LevelError, CategorySyntax, "priority", "priority must be positive")
	} else if !standardPriorities[r.Priority] {
		add(LevelWarning, CategoryStyle, "priority", "priority %d is not a standard bucket (100, 250, 500, 750, 1000)", r.Priority)
	}
	if !validStrategies[r.ConflictResolution] {
		add(LevelError, CategorySyntax, "conflict_resolution", "conflict_resolution %q is not a known strategy", r.ConflictResolution)
	}
	if r.ParentRuleID != "" && r.ParentRuleID == r.ID {
		add(LevelError, CategoryLogic, "parent_rule_id", "rule cannot be its own parent")
	}
	if r.EffectiveFrom != nil && r.EffectiveUntil != nil && r.EffectiveFrom.After(*r.EffectiveUntil) {
		add(LevelError, CategoryLogic, "effective_from", "effective window starts after it ends")
	}
	if r.Status == StatusDeprecated {
		add(LevelInfo, CategoryCompatibility, "status", "deprecated rules are skipped by evaluation")
	}
	if r.Description == "" {
		add(LevelInfo, CategoryStyle, "description", "a description helps operators understand intent")
	}

	seen := make(map[string]bool, len(r.Conditions))
	regexCount := 0
	for i, c := range r.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if c.Field == "" {
			add(LevelError, CategorySyntax, field, "field is required")
		}
		if !validOperators[c.Operator] {
			add(LevelError, CategorySyntax, field, "operator %q is not supported", c.Operator)
			continue
		}
		switch c.Operator {
		case "regex":
			regexCount++
			pattern := fmt.Sprintf("%v", c.Value)
			if _, err := regexp.Compile(pattern); err != nil {
				add(LevelError, CategorySyntax, field, "regex does not compile: %v", err)
			}
		case "in":
			switch c.Value.(type) {
			case []any, []string:
			default:
				add(LevelWarning, CategoryLogic, field, "in expects a list value")
			}
		case "exists", "not_exists":
			if c.Value != nil {
				add(LevelInfo, CategoryStyle, field, "value is ignored for %s", c.Operator)
			}
		}
		key := c.Field + "\x00" + c.Operator
		if seen[key] {
			add(LevelWarning, CategoryLogic, field, "duplicate condition on (%s, %s)", c.Field, c.Operator)
		}
		seen[key] = true
	}
	if len(r.Conditions) > 10 {
		add(LevelWarning, CategoryPerformance, "conditions", "%d conditions; evaluation cost grows with every rule", len(r.Conditions))
	}
	if regexCount > 3 {
		add(LevelInfo, CategoryPerformance, "conditions", "%d regex conditions; prefer eq or in where exact values are known", regexCount)
	}

	if len(r.Actions) == 0 && r.Advanced == nil {
		add(LevelWarning, CategoryLogic, "actions", "rule matches but contributes no actions")
	}
	for i, a := range r.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if !validActionTypes[a.ActionType] {
			add(LevelError, CategorySyntax, field, "action_type %q is not supported", a.ActionType)
			continue
		}
		if a.Target == "" {
			add(LevelError, CategorySyntax, field, "target is required")
		}
		switch a.ActionType {
		case ActionSet, ActionAppend, ActionMerge:
			if a.Value == nil {
				add(LevelWarning, CategoryLogic, field, "%s action without a value", a.ActionType)
			}
		case ActionBlock:
			if a.Value == nil && a.Parameters["reason"] == nil {
				add(LevelInfo, CategoryStyle, field, "block action without a reason")
			}
		case ActionTransform, ActionInvoke:
			add(LevelInfo, CategoryCompatibility, field, "%s requires a handler registered by the host", a.ActionType)
			for key := range a.Parameters {
				switch strings.ToLower(key) {
				case "command", "script", "shell":
					add(LevelWarning, CategorySecurity, field, "parameter %q names a shell payload; invoke handlers run outside the action gate", key)
				}
			}
		}
	}

	out = append(out, checkAdvanced(r)...)
	return out
}
