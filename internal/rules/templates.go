package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/praetor/internal/interpolate"
)

// Template is a reusable rule skeleton: declared parameters plus content
// with {{ name }} and ${name} placeholders that Instantiate fills in.
type Template struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	RuleType    string              `json:"rule_type,omitempty"`
	Parameters  []TemplateParameter `json:"parameters,omitempty"`
	Content     map[string]any      `json:"template_content"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// TemplateParameter declares one fillable slot. Type is one of string,
// number, bool, list or map; empty accepts anything.
type TemplateParameter struct {
	Name              string `json:"name"`
	Type              string `json:"type,omitempty"`
	Required          bool   `json:"required,omitempty"`
	DefaultValue      any    `json:"default_value,omitempty"`
	AllowedValues     []any  `json:"allowed_values,omitempty"`
	ValidationPattern string `json:"validation_pattern,omitempty"`
}

var validParameterTypes = map[string]bool{
	"": true, "string": true, "number": true, "bool": true, "list": true, "map": true,
}

// Instantiate renders the template into a validated rule. Unknown
// parameters are rejected, required ones enforced, defaults applied.
// A placeholder that is a parameter's exact token keeps the parameter's
// native type; inline placeholders are stringified.
func (t *Template) Instantiate(params map[string]any) (*Rule, error) {
	resolved, err := t.resolveParams(params)
	if err != nil {
		return nil, err
	}

	rendered := renderTemplateValue(t.Content, resolved)
	rendered = interpolate.Substitute(rendered, resolved)

	raw, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("render template %s: %w", t.Name, err)
	}
	var rule Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("template %s does not render a rule: %w", t.Name, err)
	}

	if rule.RuleType == "" {
		rule.RuleType = t.RuleType
	}
	if rule.Metadata == nil {
		rule.Metadata = map[string]any{}
	}
	rule.Metadata["created_from_template"] = t.ID

	Normalize(&rule)
	if err := Validate(&rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (t *Template) resolveParams(params map[string]any) (map[string]any, error) {
	declared := make(map[string]TemplateParameter, len(t.Parameters))
	for _, p := range t.Parameters {
		declared[p.Name] = p
	}

	var issues []string
	for name := range params {
		if _, ok := declared[name]; !ok {
			issues = append(issues, fmt.Sprintf("unknown parameter %q", name))
		}
	}

	resolved := make(map[string]any, len(t.Parameters))
	for _, p := range t.Parameters {
		value, given := params[p.Name]
		if !given {
			if p.Required && p.DefaultValue == nil {
				issues = append(issues, fmt.Sprintf("parameter %q is required", p.Name))
				continue
			}
			if p.DefaultValue == nil {
				continue
			}
			value = p.DefaultValue
		}

		if !parameterTypeOK(p.Type, value) {
			issues = append(issues, fmt.Sprintf("parameter %q wants a %s", p.Name, p.Type))
			continue
		}
		if len(p.AllowedValues) > 0 && !allowedValue(p.AllowedValues, value) {
			issues = append(issues, fmt.Sprintf("parameter %q value %v is not allowed", p.Name, value))
			continue
		}
		if p.ValidationPattern != "" {
			re, err := regexp.Compile(p.ValidationPattern)
			if err != nil {
				issues = append(issues, fmt.Sprintf("parameter %q has an invalid validation pattern: %v", p.Name, err))
				continue
			}
			if !re.MatchString(interpolate.Stringify(value)) {
				issues = append(issues, fmt.Sprintf("parameter %q value %v does not match %s", p.Name, value, p.ValidationPattern))
				continue
			}
		}
		resolved[p.Name] = cloneValue(value)
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return resolved, nil
}

func parameterTypeOK(typ string, value any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "list":
		_, ok := value.([]any)
		return ok
	case "map":
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}

func allowedValue(allowed []any, value any) bool {
	rendered := interpolate.Stringify(value)
	for _, a := range allowed {
		if interpolate.Stringify(a) == rendered {
			return true
		}
	}
	return false
}

var mustachePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// renderTemplateValue expands {{ name }} placeholders. ${name} placeholders
// are left for interpolate.Substitute so both styles work in one template.
func renderTemplateValue(value any, params map[string]any) any {
	switch v := value.(type) {
	case string:
		return renderTemplateString(v, params)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			out[key] = renderTemplateValue(elem, params)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = renderTemplateValue(elem, params)
		}
		return out
	default:
		return value
	}
}

func renderTemplateString(s string, params map[string]any) any {
	// An exact single-token string keeps the parameter's native type.
	if m := mustachePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if resolved, ok := params[m[1]]; ok {
			return resolved
		}
		return s
	}
	return mustachePattern.ReplaceAllStringFunc(s, func(token string) string {
		name := mustachePattern.FindStringSubmatch(token)[1]
		resolved, ok := params[name]
		if !ok {
			return token
		}
		return interpolate.Stringify(resolved)
	})
}

// CheckTemplate reports what is wrong with a template definition.
func CheckTemplate(t *Template) []string {
	var issues []string
	if t == nil {
		return []string{"template is required"}
	}
	if strings.TrimSpace(t.Name) == "" {
		issues = append(issues, "name is required")
	}
	if len(t.Content) == 0 {
		issues = append(issues, "template_content is required")
	}
	seen := map[string]bool{}
	for i, p := range t.Parameters {
		if p.Name == "" {
			issues = append(issues, fmt.Sprintf("parameters[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			issues = append(issues, fmt.Sprintf("parameters[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if !validParameterTypes[p.Type] {
			issues = append(issues, fmt.Sprintf("parameters[%d]: unknown type %q", i, p.Type))
		}
		if p.ValidationPattern != "" {
			if _, err := regexp.Compile(p.ValidationPattern); err != nil {
				issues = append(issues, fmt.Sprintf("parameters[%d]: invalid validation pattern: %v", i, err))
			}
		}
	}
	return issues
}

// SaveTemplate inserts or updates a template definition.
func (s *Store) SaveTemplate(t *Template) (*Template, error) {
	if issues := CheckTemplate(t); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	saved := *t
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}
	now := s.now()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now

	paramsJSON, err := json.Marshal(saved.Parameters)
	if err != nil {
		return nil, err
	}
	contentJSON, err := json.Marshal(saved.Content)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO rule_templates (id, name, description, rule_type, parameters, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			rule_type = excluded.rule_type,
			parameters = excluded.parameters,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		saved.ID, saved.Name, saved.Description, saved.RuleType,
		string(paramsJSON), string(contentJSON),
		saved.CreatedAt.Format(time.RFC3339Nano), saved.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("save template %s: %w", saved.ID, err)
	}
	return &saved, nil
}

// GetTemplate fetches one template by id.
func (s *Store) GetTemplate(id string) (*Template, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, rule_type, parameters, content, created_at, updated_at
		FROM rule_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, err
}

// ListTemplates returns every template, newest first.
func (s *Store) ListTemplates() ([]*Template, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, rule_type, parameters, content, created_at, updated_at
		FROM rule_templates ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template definition. Rules created from it keep
// their created_from_template marker.
func (s *Store) DeleteTemplate(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM rule_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return nil
}

func scanTemplate(row interface{ Scan(dest ...any) error }) (*Template, error) {
	var t Template
	var paramsJSON, contentJSON, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.RuleType, &paramsJSON, &contentJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &t.Parameters); err != nil {
		return nil, fmt.Errorf("template %s has corrupt parameters: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(contentJSON), &t.Content); err != nil {
		return nil, fmt.Errorf("template %s has corrupt content: %w", t.ID, err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}
