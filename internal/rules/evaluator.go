package rules

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/interpolate"
	"github.com/marcus-qen/praetor/internal/metrics"
)

// Source supplies the candidate rules for one evaluation pass.
type Source interface {
	ActiveRules(now time.Time) ([]*Rule, error)
}

// Recorder persists evaluation analytics. Both methods are best-effort
// from the evaluator's point of view.
type Recorder interface {
	RecordEvaluation(e Evaluation) error
	RecordConflict(c Conflict) error
}

// Application names one rule action that contributed to the behavior
// configuration.
type Application struct {
	RuleID           string `json:"rule_id"`
	Target           string `json:"target"`
	Action           string `json:"action"`
	ConflictResolved bool   `json:"conflict_resolved,omitempty"`
}

// Conflict records the contest at one target: which rule won, which lost,
// and the strategy that decided it.
type Conflict struct {
	Target       string    `json:"target"`
	WinnerRuleID string    `json:"winner_rule_id"`
	LoserRuleIDs []string  `json:"loser_rule_ids"`
	Strategy     string    `json:"strategy"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Evaluation is the output of one pass: the folded behavior configuration
// plus everything needed to explain and audit it.
type Evaluation struct {
	Config       map[string]any `json:"config"`
	Applications []Application  `json:"applications,omitempty"`
	Conflicts    []Conflict     `json:"conflicts,omitempty"`
	Lanes        []LaneRecord   `json:"lanes,omitempty"`
	Considered   int            `json:"considered"`
	Matched      int            `json:"matched"`
	ContextHash  string         `json:"context_hash"`
	Context      map[string]any `json:"-"`
	DurationMS   float64        `json:"duration_ms"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
}

// Evaluator builds behavior configurations from matching rules. It holds no
// mutable state, so one instance is safe for concurrent use.
type Evaluator struct {
	source   Source
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewEvaluator creates an Evaluator reading from source. When the source
// also implements Recorder (the Store does), evaluations are recorded to it.
func NewEvaluator(source Source, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ev := &Evaluator{
		source: source,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if rec, ok := source.(Recorder); ok {
		ev.recorder = rec
	}
	return ev
}

// Evaluate fetches the active rules and folds the ones matching evalCtx
// into a behavior configuration.
func (e *Evaluator) Evaluate(evalCtx map[string]any) (*Evaluation, error) {
	rules, err := e.source.ActiveRules(e.now())
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	return e.EvaluateRules(rules, evalCtx), nil
}

// EvaluateRules folds a pre-fetched rule set (for example one resolved per
// inheritance context) into a behavior configuration. Rules carrying an
// advanced spec are left to the Dispatcher.
func (e *Evaluator) EvaluateRules(rules []*Rule, evalCtx map[string]any) *Evaluation {
	started := e.now()
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}

	matched := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r == nil || r.Advanced != nil {
			continue
		}
		if r.Applies(evalCtx, started) {
			matched = append(matched, r)
		}
	}

	// Group candidate rules by contested target, first-seen order.
	targets := make([]string, 0)
	byTarget := make(map[string][]*Rule)
	for _, r := range matched {
		for _, a := range r.Actions {
			if a.Target == "" {
				continue
			}
			group := byTarget[a.Target]
			if len(group) == 0 {
				targets = append(targets, a.Target)
			}
			if !containsRule(group, r) {
				byTarget[a.Target] = append(group, r)
			}
		}
	}

	config := make(map[string]any)
	apps := make([]Application, 0)
	conflicts := make([]Conflict, 0)

	for _, target := range targets {
		group := byTarget[target]
		winner := group[0]
		resolved := false

		if len(group) > 1 {
			var strategy string
			winner, strategy = resolveConflict(group)
			resolved = true
			conflicts = append(conflicts, Conflict{
				Target:       target,
				WinnerRuleID: winner.ID,
				LoserRuleIDs: loserIDs(group, winner),
				Strategy:     strategy,
				ResolvedAt:   started,
			})
		}

		// All of the winning rule's actions for this target apply in
		// declaration order; conflicts are between rules, not within one.
		for _, a := range winner.Actions {
			if a.Target != target {
				continue
			}
			applyAction(config, a)
			apps = append(apps, Application{
				RuleID:           winner.ID,
				Target:           target,
				Action:           a.ActionType,
				ConflictResolved: resolved,
			})
		}
	}

	config["_rule_applications"] = applicationMaps(apps)

	eval := &Evaluation{
		Config:       config,
		Applications: apps,
		Conflicts:    conflicts,
		Considered:   len(rules),
		Matched:      len(matched),
		ContextHash:  ContextHash(evalCtx),
		Context:      cloneValue(evalCtx).(map[string]any),
		EvaluatedAt:  started,
	}
	duration := e.now().Sub(started)
	eval.DurationMS = float64(duration.Microseconds()) / 1000.0

	metrics.RecordRuleEvaluation(duration)
	if e.recorder != nil {
		if err := e.recorder.RecordEvaluation(*eval); err != nil {
			e.logger.Debug("evaluation record failed", zap.Error(err))
		}
		for _, c := range conflicts {
			if err := e.recorder.RecordConflict(c); err != nil {
				e.logger.Debug("conflict record failed", zap.Error(err))
			}
		}
	}
	e.logger.Debug("rules evaluated",
		zap.Int("considered", eval.Considered),
		zap.Int("matched", eval.Matched),
		zap.Int("targets", len(targets)),
		zap.String("context_hash", eval.ContextHash),
	)
	return eval
}

// resolveConflict picks the winning rule for one contested target. The
// policy comes from the highest-priority candidate; strategies without
// their own selection logic fall through to highest_priority.
func resolveConflict(group []*Rule) (*Rule, string) {
	top := pickHighestPriority(group)
	switch top.ConflictResolution {
	case ConflictMostSpecific:
		return pickMostSpecific(group), ConflictMostSpecific
	case ConflictLatestCreated:
		return pickLatestCreated(group), ConflictLatestCreated
	default:
		return top, ConflictHighestPriority
	}
}

// pickHighestPriority breaks priority ties by newest created_at, then by
// rule id, so the result is a total order.
func pickHighestPriority(group []*Rule) *Rule {
	best := group[0]
	for _, r := range group[1:] {
		switch {
		case r.Priority > best.Priority:
			best = r
		case r.Priority == best.Priority && r.CreatedAt.After(best.CreatedAt):
			best = r
		case r.Priority == best.Priority && r.CreatedAt.Equal(best.CreatedAt) && r.ID < best.ID:
			best = r
		}
	}
	return best
}

func pickMostSpecific(group []*Rule) *Rule {
	best := group[0]
	tied := []*Rule{best}
	for _, r := range group[1:] {
		switch {
		case ScopeRank(r.Scope) > ScopeRank(best.Scope):
			best = r
			tied = tied[:0]
			tied = append(tied, r)
		case ScopeRank(r.Scope) == ScopeRank(best.Scope):
			tied = append(tied, r)
		}
	}
	if len(tied) > 1 {
		return pickHighestPriority(tied)
	}
	return best
}

func pickLatestCreated(group []*Rule) *Rule {
	best := group[0]
	for _, r := range group[1:] {
		if r.CreatedAt.After(best.CreatedAt) ||
			(r.CreatedAt.Equal(best.CreatedAt) && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// applyAction folds one winning action into the behavior configuration.
// Only set, append, merge, validate and block mutate the configuration;
// transform and invoke belong to external handlers and are recorded in
// _rule_applications only.
func applyAction(config map[string]any, a Action) {
	value := cloneValue(a.Value)
	switch a.ActionType {
	case ActionSet:
		config[a.Target] = value
	case ActionAppend:
		switch current := config[a.Target].(type) {
		case nil:
			config[a.Target] = []any{value}
		case []any:
			config[a.Target] = append(current, value)
		}
	case ActionMerge:
		incoming, ok := value.(map[string]any)
		if !ok {
			return
		}
		current, ok := config[a.Target].(map[string]any)
		if !ok {
			if _, exists := config[a.Target]; !exists {
				config[a.Target] = incoming
			}
			return
		}
		for k, v := range incoming {
			current[k] = v
		}
	case ActionValidate:
		current := config[a.Target]
		config[a.Target] = map[string]any{"validation": value, "current": current}
	case ActionBlock:
		reason := interpolate.Stringify(value)
		if reason == "" {
			reason = interpolate.Stringify(a.Parameters["reason"])
		}
		config[a.Target] = map[string]any{"blocked": true, "reason": reason}
	}
}

func applicationMaps(apps []Application) []any {
	out := make([]any, 0, len(apps))
	for _, app := range apps {
		m := map[string]any{
			"rule_id": app.RuleID,
			"target":  app.Target,
			"action":  app.Action,
		}
		if app.ConflictResolved {
			m["conflict_resolved"] = true
		}
		out = append(out, m)
	}
	return out
}

func loserIDs(group []*Rule, winner *Rule) []string {
	out := make([]string, 0, len(group)-1)
	for _, r := range group {
		if r.ID != winner.ID {
			out = append(out, r.ID)
		}
	}
	return out
}

func containsRule(group []*Rule, r *Rule) bool {
	for _, member := range group {
		if member.ID == r.ID {
			return true
		}
	}
	return false
}

// ContextHash fingerprints an evaluation context as the md5 of its
// sorted-key JSON rendering, matching the stored analytics format.
func ContextHash(ctx map[string]any) string {
	raw, err := json.Marshal(ctx)
	if err != nil {
		return ""
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}
