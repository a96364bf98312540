package playbook

import (
	"fmt"
	"strings"
)

// ValidationError aggregates playbook schema issues.
type ValidationError struct {
	Issues []string `json:"issues"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "playbook validation failed"
	}
	return "playbook validation failed: " + strings.Join(e.Issues, "; ")
}

// Validate checks a normalized playbook for structural problems: missing
// fields, duplicate or dangling step ids, unsupported actions, and retry or
// approval blocks that cannot be honored. Dependency cycles surface later
// when the execution plan is built, before any side effect runs.
func Validate(pb *Playbook) error {
	if pb == nil {
		return &ValidationError{Issues: []string{"playbook is required"}}
	}

	issues := make([]string, 0)

	if pb.Name == "" {
		issues = append(issues, "name is required")
	}
	if len(pb.Steps) == 0 {
		issues = append(issues, "steps must contain at least one step")
	}

	paramNames := make(map[string]struct{}, len(pb.Parameters))
	for i, p := range pb.Parameters {
		if p.Name == "" {
			issues = append(issues, fmt.Sprintf("parameters[%d].name is required", i))
			continue
		}
		if _, dup := paramNames[p.Name]; dup {
			issues = append(issues, fmt.Sprintf("parameters[%d].name %q must be unique", i, p.Name))
		}
		paramNames[p.Name] = struct{}{}
	}

	for i, pre := range pb.Prerequisites {
		if pre.Param == "" {
			issues = append(issues, fmt.Sprintf("prerequisites[%d].param is required", i))
		}
	}

	stepIDs := make(map[string]struct{}, len(pb.Steps))
	for i := range pb.Steps {
		step := &pb.Steps[i]
		prefix := fmt.Sprintf("steps[%d]", i)

		if _, dup := stepIDs[step.ID]; dup {
			issues = append(issues, fmt.Sprintf("%s.id %q must be unique", prefix, step.ID))
		}
		stepIDs[step.ID] = struct{}{}

		if !isSupportedAction(step.Action) {
			issues = append(issues, fmt.Sprintf("%s.action %q must be one of: %s",
				prefix, step.Action, strings.Join(SupportedActions, ", ")))
		}

		if step.Retry != nil {
			if step.Retry.MaxAttempts < 0 {
				issues = append(issues, prefix+".retry.max_attempts cannot be negative")
			}
			if step.Retry.BaseDelay < 0 {
				issues = append(issues, prefix+".retry.base_delay cannot be negative")
			}
			if step.Retry.MaxDelay < 0 {
				issues = append(issues, prefix+".retry.max_delay cannot be negative")
			}
			if step.Retry.MaxDelay > 0 && step.Retry.BaseDelay > step.Retry.MaxDelay {
				issues = append(issues, prefix+".retry.base_delay cannot exceed max_delay")
			}
		}

		for j, out := range step.Outputs {
			if out.Name == "" {
				issues = append(issues, fmt.Sprintf("%s.outputs[%d].name is required", prefix, j))
			}
			if out.From == "" && out.Value == nil {
				issues = append(issues, fmt.Sprintf("%s.outputs[%d] needs either from or value", prefix, j))
			}
		}

		for j, rb := range step.Rollback {
			if rb.Action == "" {
				issues = append(issues, fmt.Sprintf("%s.rollback[%d].action is required", prefix, j))
			}
		}

		for j, v := range step.Validators {
			if v.Type() == "" {
				issues = append(issues, fmt.Sprintf("%s.validators[%d].type is required", prefix, j))
			}
		}

		if gate := step.ApprovalGate; gate != nil {
			if gate.RequiredApprovers < 0 {
				issues = append(issues, prefix+".approval_gate.required_approvers cannot be negative")
			}
			if gate.TimeoutSeconds < 0 {
				issues = append(issues, prefix+".approval_gate.timeout_seconds cannot be negative")
			}
		}
	}

	for i := range pb.Steps {
		step := &pb.Steps[i]
		prefix := fmt.Sprintf("steps[%d]", i)
		seen := make(map[string]struct{}, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				issues = append(issues, fmt.Sprintf("%s cannot depend on itself", prefix))
				continue
			}
			if _, ok := stepIDs[dep]; !ok {
				issues = append(issues, fmt.Sprintf("%s.depends_on references unknown step %q", prefix, dep))
			}
			if _, dup := seen[dep]; dup {
				issues = append(issues, fmt.Sprintf("%s.depends_on lists %q twice", prefix, dep))
			}
			seen[dep] = struct{}{}
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func isSupportedAction(action string) bool {
	for _, a := range SupportedActions {
		if a == action {
			return true
		}
	}
	return false
}
