package playbook

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a playbook document (YAML or JSON), assigns step_N ids to
// steps that declare none, and validates the result.
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook

	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &pb); err != nil {
			return nil, fmt.Errorf("parse playbook json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &pb); err != nil {
			return nil, fmt.Errorf("parse playbook yaml: %w", err)
		}
	}

	Normalize(&pb)
	if err := Validate(&pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Normalize fills derived fields: auto step ids and step names, trimmed
// identifiers.
func Normalize(pb *Playbook) {
	pb.Name = strings.TrimSpace(pb.Name)
	for i := range pb.Steps {
		step := &pb.Steps[i]
		step.ID = strings.TrimSpace(step.ID)
		if step.ID == "" {
			step.ID = fmt.Sprintf("step_%d", i+1)
		}
		if step.Name == "" {
			step.Name = step.ID
		}
		step.Action = strings.ToLower(strings.TrimSpace(step.Action))
		step.ParallelGroup = strings.TrimSpace(step.ParallelGroup)
		for j := range step.DependsOn {
			step.DependsOn[j] = strings.TrimSpace(step.DependsOn[j])
		}
	}
}

// CheckPrerequisites evaluates the playbook's prerequisites against the
// caller-supplied parameters. Unknown prerequisite types fail closed.
func CheckPrerequisites(pb *Playbook, params map[string]any) []string {
	issues := make([]string, 0)
	for i, pre := range pb.Prerequisites {
		switch strings.ToLower(strings.TrimSpace(pre.Type)) {
		case "non_empty":
			v, ok := params[pre.Param]
			if !ok || v == nil || fmt.Sprintf("%v", v) == "" {
				issues = append(issues, fmt.Sprintf("prerequisite %q: parameter %q must be non-empty", pre.Type, pre.Param))
			}
		default:
			issues = append(issues, fmt.Sprintf("prerequisites[%d]: unknown type %q", i, pre.Type))
		}
	}
	return issues
}

// ResolveParameters validates caller parameters against the playbook's
// parameter specs and applies declared defaults. The returned map is a
// fresh copy.
func ResolveParameters(pb *Playbook, params map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		resolved[k] = v
	}

	issues := make([]string, 0)
	for _, spec := range pb.Parameters {
		if _, ok := resolved[spec.Name]; ok {
			continue
		}
		if spec.Default != nil {
			resolved[spec.Name] = spec.Default
			continue
		}
		if spec.Required {
			issues = append(issues, fmt.Sprintf("parameter %q is required", spec.Name))
		}
	}
	issues = append(issues, CheckPrerequisites(pb, resolved)...)

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return resolved, nil
}
