package rules

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/marcus-qen/praetor/internal/audit"
)

func exportRule(name string) *Rule {
	r := guidanceRule(name)
	r.Description = "fixture for transfer tests"
	return r
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	first, err := src.Create(exportRule("transfer one"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second := exportRule("transfer two")
	second.Conditions = []Condition{{Field: "env", Operator: "eq", Value: "prod"}}
	second.Tags = []string{"sync"}
	if _, err := src.Create(second); err != nil {
		t.Fatalf("create: %v", err)
	}

	data, err := src.Export(ListFilter{}, "json")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if env.FormatVersion != FormatVersion || len(env.Rules) != 2 {
		t.Fatalf("envelope = version %q with %d rules", env.FormatVersion, len(env.Rules))
	}
	if env.ExportTimestamp.IsZero() {
		t.Fatal("envelope must carry its export timestamp")
	}

	// The source keeps an exported row per rule, at the current version.
	versions, err := src.Versions(first.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || versions[0].ChangeType != ChangeExported || versions[0].Version != 1 {
		t.Fatalf("source history = %+v", versions)
	}

	dst := newTestStore(t)
	summary, err := dst.Import(data, false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Imported != 2 || summary.Overwritten != 0 || summary.Skipped != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Results) != 0 {
		t.Fatalf("clean rules must import without findings: %v", summary.Results)
	}

	got, err := dst.Get(first.ID)
	if err != nil {
		t.Fatalf("get after import: %v", err)
	}
	if got.Version != 1 || got.Name != "transfer one" {
		t.Fatalf("imported rule = v%d %q", got.Version, got.Name)
	}
	history, err := dst.Versions(first.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(history) != 1 || history[0].ChangeType != ChangeImported {
		t.Fatalf("destination history = %+v", history)
	}
}

func TestImportSkipThenOverwrite(t *testing.T) {
	src := newTestStore(t)
	created, err := src.Create(exportRule("shared"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data, err := src.Export(ListFilter{}, "json")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newTestStore(t)
	if _, err := dst.Import(data, false); err != nil {
		t.Fatalf("first import: %v", err)
	}

	// Without overwrite an existing rule is left alone.
	summary, err := dst.Import(data, false)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if summary.Skipped != 1 || summary.Imported != 0 {
		t.Fatalf("summary = %+v, want a skip", summary)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	env.Rules[0].Description = "revised upstream"
	revised, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	summary, err = dst.Import(revised, true)
	if err != nil {
		t.Fatalf("overwrite import: %v", err)
	}
	if summary.Overwritten != 1 {
		t.Fatalf("summary = %+v, want an overwrite", summary)
	}

	got, err := dst.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Description != "revised upstream" {
		t.Fatalf("rule = v%d %q", got.Version, got.Description)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("overwrite must keep the original created_at")
	}
}

func TestImportValidationFailure(t *testing.T) {
	env := Envelope{
		FormatVersion: FormatVersion,
		Rules: []*Rule{
			{RuleType: "guidance", Description: "broken: no name"},
			exportRule("still lands"),
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	s := newTestStore(t)
	summary, err := s.Import(data, false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Failed != 1 || summary.Imported != 1 {
		t.Fatalf("summary = %+v, want one failure and one import", summary)
	}
	findings, ok := summary.Results["rules[0]"]
	if !ok || !HasErrors(findings) {
		t.Fatalf("results = %v, want blocking findings for the nameless rule", summary.Results)
	}

	rules, err := s.List(ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "still lands" {
		t.Fatalf("stored rules = %+v", rules)
	}
}

func TestImportRejectsUnknownFormatVersion(t *testing.T) {
	data, err := json.Marshal(Envelope{FormatVersion: "9.9"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := newTestStore(t)
	if _, err := s.Import(data, false); err == nil || !strings.Contains(err.Error(), "unsupported format version") {
		t.Fatalf("error = %v", err)
	}
}

func TestExportYAMLRoundTrip(t *testing.T) {
	src := newTestStore(t)
	if _, err := src.Create(exportRule("yaml traveler")); err != nil {
		t.Fatalf("create: %v", err)
	}

	data, err := src.Export(ListFilter{}, "yaml")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if json.Valid(data) {
		t.Fatal("yaml export must not be JSON")
	}

	dst := newTestStore(t)
	summary, err := dst.Import(data, false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Imported != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	rules, _ := dst.List(ListFilter{})
	if len(rules) != 1 || rules[0].Name != "yaml traveler" {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Export(ListFilter{}, "xml"); err == nil || !strings.Contains(err.Error(), "unsupported export format") {
		t.Fatalf("error = %v", err)
	}
}

func TestImportAnnouncesOnce(t *testing.T) {
	src := newTestStore(t)
	for _, name := range []string{"batch one", "batch two"} {
		if _, err := src.Create(exportRule(name)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	data, err := src.Export(ListFilter{}, "json")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	em := &captureEmitter{}
	trail := audit.NewLog(0)
	dst := newTestStore(t, WithEmitter(em), WithAuditor(trail))
	if _, err := dst.Import(data, false); err != nil {
		t.Fatalf("import: %v", err)
	}

	events := em.all()
	if len(events) != 1 {
		t.Fatalf("emitter events = %d, want one batch announcement", len(events))
	}
	if events[0].content != "imported 2 rule(s)" || events[0].metadata["imported"] != 2 {
		t.Fatalf("event = %+v", events[0])
	}

	audited := trail.Query(audit.Filter{Type: audit.EventRulesImported})
	if len(audited) != 1 || !strings.Contains(audited[0].Summary, "2 new") {
		t.Fatalf("audit = %+v", audited)
	}
}
