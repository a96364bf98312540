package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/marcus-qen/praetor/internal/audit"
)

// FormatVersion is the envelope revision this build reads and writes.
const FormatVersion = "1.0"

// Envelope is the portable rule set document. Exporting and re-importing
// an envelope reproduces the rules it carries, ids and versions included.
type Envelope struct {
	ExportTimestamp time.Time `json:"export_timestamp"`
	FormatVersion   string    `json:"format_version"`
	Rules           []*Rule   `json:"rules"`
}

// ImportSummary tallies one envelope import. Results holds the findings
// per rule, keyed by id (or name when the rule carries none).
type ImportSummary struct {
	Imported    int                           `json:"imported"`
	Overwritten int                           `json:"overwritten"`
	Skipped     int                           `json:"skipped"`
	Failed      int                           `json:"failed"`
	Results     map[string][]ValidationResult `json:"results,omitempty"`
}

// Export renders the rules matching f as a JSON or YAML envelope and
// appends an exported history row per rule.
func (s *Store) Export(f ListFilter, format string) ([]byte, error) {
	rules, err := s.List(f)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []*Rule{}
	}

	name := strings.ToLower(strings.TrimSpace(format))
	if name == "" {
		name = "json"
	}

	env := Envelope{ExportTimestamp: s.now(), FormatVersion: FormatVersion, Rules: rules}

	var out []byte
	switch name {
	case "json":
		out, err = json.MarshalIndent(env, "", "  ")
	case "yaml", "yml":
		out, err = yaml.Marshal(env)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}

	s.recordExport(rules)

	if s.emitter != nil {
		s.emitter.Emit(
			fmt.Sprintf("exported %d rule(s)", len(rules)),
			"rules",
			map[string]any{"count": len(rules), "format": name},
			[]string{"rule", "export"},
		)
	}
	return out, nil
}

// recordExport appends an exported history row per rule at its current
// version. Export must still succeed when the rows cannot be written.
func (s *Store) recordExport(rules []*Rule) {
	if len(rules) == 0 {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Warn("record export history", zap.Error(err))
		return
	}
	for _, r := range rules {
		if err := s.appendVersion(tx, r, ChangeExported); err != nil {
			s.logger.Warn("record export history", zap.String("rule_id", r.ID), zap.Error(err))
			_ = tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("record export history", zap.Error(err))
	}
}

// Import loads an envelope, JSON or YAML. Existing rules are skipped
// unless overwrite is set, in which case the import lands as a new
// version. Each accepted rule gets an imported history row; rules with
// blocking findings are reported in the summary and do not stop the rest.
func (s *Store) Import(data []byte, overwrite bool) (*ImportSummary, error) {
	var env Envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse rules envelope: %w", err)
	}
	if env.FormatVersion != "" && env.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported format version %q", env.FormatVersion)
	}

	summary := &ImportSummary{Results: map[string][]ValidationResult{}}
	now := s.now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for i, incoming := range env.Rules {
		if incoming == nil {
			continue
		}
		in := incoming.Clone()
		Normalize(in)

		key := in.ID
		if key == "" {
			key = in.Name
		}
		if key == "" {
			key = fmt.Sprintf("rules[%d]", i)
		}

		findings := Check(in)
		findings = append(findings, s.CheckLineage(in)...)
		if len(findings) > 0 {
			summary.Results[key] = findings
		}
		if HasErrors(findings) {
			summary.Failed++
			continue
		}

		if in.ID == "" {
			in.ID = uuid.New().String()
		}
		if err := s.importRule(in, overwrite, now, summary); err != nil {
			return nil, err
		}
	}

	if s.auditor != nil {
		s.auditor.Record(audit.Event{
			Type:  audit.EventRulesImported,
			Actor: "rule_store",
			Summary: fmt.Sprintf("imported %d rule(s): %d new, %d overwritten, %d skipped, %d failed",
				summary.Imported+summary.Overwritten, summary.Imported, summary.Overwritten, summary.Skipped, summary.Failed),
			Detail: map[string]any{
				"imported":    summary.Imported,
				"overwritten": summary.Overwritten,
				"skipped":     summary.Skipped,
				"failed":      summary.Failed,
			},
		})
	}
	// One announcement for the batch; a per-rule broadcast would echo
	// synced changes back to their source.
	if s.emitter != nil && summary.Imported+summary.Overwritten > 0 {
		s.emitter.Emit(
			fmt.Sprintf("imported %d rule(s)", summary.Imported+summary.Overwritten),
			"rules",
			map[string]any{
				"imported":    summary.Imported,
				"overwritten": summary.Overwritten,
				"skipped":     summary.Skipped,
				"failed":      summary.Failed,
			},
			[]string{"rule", "import"},
		)
	}
	return summary, nil
}

func (s *Store) importRule(in *Rule, overwrite bool, now time.Time, summary *ImportSummary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getRuleTx(tx, in.ID)
	switch {
	case errors.Is(err, ErrRuleNotFound):
		if in.Version <= 0 {
			in.Version = 1
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
		}
		in.UpdatedAt = now
		if err := insertRule(tx, in); err != nil {
			return fmt.Errorf("import rule %s: %w", in.ID, err)
		}
		if err := s.appendVersion(tx, in, ChangeImported); err != nil {
			return fmt.Errorf("import rule %s: %w", in.ID, err)
		}
		summary.Imported++
	case err != nil:
		return err
	case !overwrite:
		summary.Skipped++
		return nil
	default:
		in.Version = current.Version + 1
		in.CreatedAt = current.CreatedAt
		in.UpdatedAt = now
		if err := updateRule(tx, in); err != nil {
			return fmt.Errorf("import rule %s: %w", in.ID, err)
		}
		if err := s.appendVersion(tx, in, ChangeImported); err != nil {
			return fmt.Errorf("import rule %s: %w", in.ID, err)
		}
		summary.Overwritten++
	}
	return tx.Commit()
}
