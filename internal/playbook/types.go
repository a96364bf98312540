// Package playbook defines the declarative playbook model, its YAML/JSON
// parsing and validation, and a versioned library for stored definitions.
package playbook

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/praetor/internal/conditions"
	"github.com/marcus-qen/praetor/internal/failure"
)

// Step actions supported by the executor.
const (
	ActionNoop        = "noop"
	ActionWait        = "wait"
	ActionHTTPRequest = "http_request"
	ActionShell       = "shell"
	ActionSQLQuery    = "sql_query"
)

// SupportedActions lists every action the executor understands.
var SupportedActions = []string{ActionNoop, ActionWait, ActionHTTPRequest, ActionShell, ActionSQLQuery}

// Playbook is one declarative run description.
type Playbook struct {
	Version           int             `json:"version,omitempty" yaml:"version,omitempty"`
	Name              string          `json:"name" yaml:"name"`
	Description       string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters        []ParameterSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Prerequisites     []Prerequisite  `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	ContinueOnFailure bool            `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	Steps             []Step          `json:"steps" yaml:"steps"`
}

// ParameterSpec declares one caller-supplied parameter.
type ParameterSpec struct {
	Name        string `json:"name" yaml:"name"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Prerequisite is a pre-run parameter check.
type Prerequisite struct {
	Type  string `json:"type" yaml:"type"`
	Param string `json:"param" yaml:"param"`
}

// Step is one unit of work.
type Step struct {
	ID            string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Name          string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Action        string                 `json:"action" yaml:"action"`
	Args          map[string]any         `json:"args,omitempty" yaml:"args,omitempty"`
	DependsOn     []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	ParallelGroup string                 `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	When          []conditions.Condition `json:"when,omitempty" yaml:"when,omitempty"`
	Validators    []ValidatorSpec        `json:"validators,omitempty" yaml:"validators,omitempty"`
	Validations   []conditions.Condition `json:"validations,omitempty" yaml:"validations,omitempty"`
	Outputs       []OutputSpec           `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Retry         *failure.Override      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Rollback      RollbackSpecs          `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	ApprovalGate  *ApprovalGate          `json:"approval_gate,omitempty" yaml:"approval_gate,omitempty"`
}

// ValidatorSpec configures one external pre-execution check. The "type" key
// selects the registered validator; the rest is validator-specific.
type ValidatorSpec map[string]any

// Type returns the validator's registered name.
func (v ValidatorSpec) Type() string {
	t, _ := v["type"].(string)
	return t
}

// OutputSpec exports one value from a completed step into the run's
// variable map. From names either a literal under "value" or an executor
// output key (stdout, stderr, returncode, status_code, body, body_json).
type OutputSpec struct {
	Name  string `json:"name" yaml:"name"`
	From  string `json:"from,omitempty" yaml:"from,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// RollbackSpec is one inverse action registered when its step completes.
type RollbackSpec struct {
	Action      string         `json:"action" yaml:"action"`
	Args        map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// RollbackSpecs accepts either a single rollback object or a list in
// playbook documents.
type RollbackSpecs []RollbackSpec

// UnmarshalYAML accepts both mapping and sequence forms.
func (r *RollbackSpecs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var one RollbackSpec
		if err := node.Decode(&one); err != nil {
			return err
		}
		*r = RollbackSpecs{one}
		return nil
	case yaml.SequenceNode:
		var many []RollbackSpec
		if err := node.Decode(&many); err != nil {
			return err
		}
		*r = RollbackSpecs(many)
		return nil
	default:
		return fmt.Errorf("rollback must be a mapping or a sequence")
	}
}

// UnmarshalJSON accepts both object and array forms.
func (r *RollbackSpecs) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var many []RollbackSpec
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*r = RollbackSpecs(many)
		return nil
	}
	var one RollbackSpec
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*r = RollbackSpecs{one}
	return nil
}

// ApprovalGate holds a step until a human approves it.
type ApprovalGate struct {
	Message                 string   `json:"message,omitempty" yaml:"message,omitempty"`
	RequiredApprovers       int      `json:"required_approvers,omitempty" yaml:"required_approvers,omitempty"`
	TimeoutSeconds          float64  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	AutoApproveAfterTimeout bool     `json:"auto_approve_after_timeout,omitempty" yaml:"auto_approve_after_timeout,omitempty"`
	ApproverRoles           []string `json:"approver_roles,omitempty" yaml:"approver_roles,omitempty"`
}
