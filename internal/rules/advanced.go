package rules

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/audit"
)

// Advanced rule lanes. Each lane carries its own config block and runs in
// the Dispatcher instead of the base evaluator.
const (
	LaneConditional      = "conditional"
	LaneCascading        = "cascading"
	LaneTimeBased        = "time_based"
	LaneContextAware     = "context_aware"
	LaneCompliance       = "compliance"
	LaneSecurityAdaptive = "security_adaptive"
)

const defaultAdaptationWindow = 20

// AdvancedSpec marks a rule for one of the specialized lanes. Type selects
// the lane; exactly the matching config block is consulted.
type AdvancedSpec struct {
	Type         string              `json:"type"`
	Conditional  *ConditionalConfig  `json:"conditional,omitempty"`
	Cascading    *CascadingConfig    `json:"cascading,omitempty"`
	TimeBased    *TimeBasedConfig    `json:"time_based,omitempty"`
	ContextAware *ContextAwareConfig `json:"context_aware,omitempty"`
	Compliance   *ComplianceConfig   `json:"compliance,omitempty"`
	Security     *SecurityConfig     `json:"security_adaptive,omitempty"`
}

// ConditionalConfig drives the conditional lane: an extra expression or a
// host-registered comparator gates the rule, with an optional cooldown
// between triggers. Comparators and the expression see a restricted,
// scalar-only view of the evaluation context.
type ConditionalConfig struct {
	Expression      []Condition `json:"expression,omitempty"`
	Comparator      string      `json:"comparator,omitempty"`
	CooldownSeconds float64     `json:"cooldown_period,omitempty"`
}

// CascadingConfig drives the cascading lane: when the rule's conditions
// hold, the named target rules are announced after a delay. Overrides
// replace a target's conditions for the cascade check only.
type CascadingConfig struct {
	TargetRuleIDs      []string               `json:"target_rule_ids"`
	DelaySeconds       float64                `json:"delay_seconds,omitempty"`
	PassContext        bool                   `json:"pass_context,omitempty"`
	ConditionOverrides map[string][]Condition `json:"condition_overrides,omitempty"`
}

// TimeBasedConfig drives the time-based lane: the rule triggers when the
// evaluation lands in a minute the cron expression names, at most
// MaxExecutions times when that is positive.
type TimeBasedConfig struct {
	CronExpression string `json:"cron_expression"`
	MaxExecutions  int    `json:"max_executions,omitempty"`
}

// ContextAwareConfig drives the context-aware lane: match outcomes feed a
// sliding window, and once the matched fraction reaches the threshold the
// adapted actions replace the rule's base actions.
type ContextAwareConfig struct {
	AdaptationThreshold float64  `json:"adaptation_threshold,omitempty"`
	WindowSize          int      `json:"window_size,omitempty"`
	AdaptedActions      []Action `json:"adapted_actions,omitempty"`
}

// ComplianceConfig drives the compliance lane: every evaluation of the rule
// writes an audit record for the named framework control.
type ComplianceConfig struct {
	Framework string `json:"framework"`
	ControlID string `json:"control_id"`
	Severity  string `json:"severity,omitempty"`
}

// SecurityConfig drives the security-adaptive lane: the current threat
// level selects a response bucket, and crossing EscalateAt raises an
// escalation audit event.
type SecurityConfig struct {
	Responses  map[string][]Action `json:"responses,omitempty"`
	EscalateAt float64             `json:"escalate_at,omitempty"`
}

func (a *AdvancedSpec) clone() *AdvancedSpec {
	if a == nil {
		return nil
	}
	out := AdvancedSpec{Type: a.Type}
	if a.Conditional != nil {
		c := *a.Conditional
		c.Expression = cloneConditions(a.Conditional.Expression)
		out.Conditional = &c
	}
	if a.Cascading != nil {
		c := *a.Cascading
		c.TargetRuleIDs = append([]string(nil), a.Cascading.TargetRuleIDs...)
		if a.Cascading.ConditionOverrides != nil {
			c.ConditionOverrides = make(map[string][]Condition, len(a.Cascading.ConditionOverrides))
			for id, conds := range a.Cascading.ConditionOverrides {
				c.ConditionOverrides[id] = cloneConditions(conds)
			}
		}
		out.Cascading = &c
	}
	if a.TimeBased != nil {
		c := *a.TimeBased
		out.TimeBased = &c
	}
	if a.ContextAware != nil {
		c := *a.ContextAware
		c.AdaptedActions = cloneActions(a.ContextAware.AdaptedActions)
		out.ContextAware = &c
	}
	if a.Compliance != nil {
		c := *a.Compliance
		out.Compliance = &c
	}
	if a.Security != nil {
		c := *a.Security
		if a.Security.Responses != nil {
			c.Responses = make(map[string][]Action, len(a.Security.Responses))
			for bucket, actions := range a.Security.Responses {
				c.Responses[bucket] = cloneActions(actions)
			}
		}
		out.Security = &c
	}
	return &out
}

func cloneConditions(in []Condition) []Condition {
	if in == nil {
		return nil
	}
	out := make([]Condition, len(in))
	for i, c := range in {
		c.Value = cloneValue(c.Value)
		out[i] = c
	}
	return out
}

func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		out[i] = a.clone()
	}
	return out
}

var threatBuckets = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

func checkAdvanced(r *Rule) []ValidationResult {
	a := r.Advanced
	if a == nil {
		return nil
	}

	var out []ValidationResult
	add := func(level, category, field, format string, args ...any) {
		out = append(out, ValidationResult{Level: level, Category: category, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch a.Type {
	case LaneConditional:
		cfg := a.Conditional
		if cfg == nil {
			add(LevelError, CategoryLogic, "advanced.conditional", "conditional rules need a conditional block")
			break
		}
		if cfg.CooldownSeconds < 0 {
			add(LevelWarning, CategoryLogic, "advanced.conditional.cooldown_period", "negative cooldown is treated as zero")
		}
		for i, c := range cfg.Expression {
			if c.Field == "" {
				add(LevelError, CategorySyntax, fmt.Sprintf("advanced.conditional.expression[%d].field", i), "field is required")
			}
			if !validOperators[strings.ToLower(strings.TrimSpace(c.Operator))] {
				add(LevelError, CategorySyntax, fmt.Sprintf("advanced.conditional.expression[%d].operator", i), "unknown operator %q", c.Operator)
			}
		}
		if cfg.Comparator == "" && len(cfg.Expression) == 0 && len(r.Conditions) == 0 {
			add(LevelWarning, CategoryLogic, "advanced.conditional", "no comparator, expression or conditions; the rule triggers on every evaluation")
		}
	case LaneCascading:
		cfg := a.Cascading
		if cfg == nil || len(cfg.TargetRuleIDs) == 0 {
			add(LevelError, CategoryLogic, "advanced.cascading.target_rule_ids", "cascading rules need at least one target rule")
			break
		}
		if cfg.DelaySeconds < 0 {
			add(LevelWarning, CategoryLogic, "advanced.cascading.delay_seconds", "negative delay is treated as zero")
		}
		for _, id := range cfg.TargetRuleIDs {
			if id != "" && id == r.ID {
				add(LevelWarning, CategoryLogic, "advanced.cascading.target_rule_ids", "rule cascades to itself")
			}
		}
		for id := range cfg.ConditionOverrides {
			listed := false
			for _, t := range cfg.TargetRuleIDs {
				if t == id {
					listed = true
					break
				}
			}
			if !listed {
				add(LevelWarning, CategoryLogic, "advanced.cascading.condition_overrides", "override for %s matches no target rule", id)
			}
		}
	case LaneTimeBased:
		cfg := a.TimeBased
		if cfg == nil || cfg.CronExpression == "" {
			add(LevelError, CategoryLogic, "advanced.time_based.cron_expression", "time-based rules need a cron expression")
			break
		}
		if _, err := cron.ParseStandard(cfg.CronExpression); err != nil {
			add(LevelError, CategorySyntax, "advanced.time_based.cron_expression", "invalid cron expression: %v", err)
		}
		if cfg.MaxExecutions < 0 {
			add(LevelWarning, CategoryLogic, "advanced.time_based.max_executions", "negative max_executions is treated as unlimited")
		}
	case LaneContextAware:
		cfg := a.ContextAware
		if cfg == nil {
			add(LevelError, CategoryLogic, "advanced.context_aware", "context-aware rules need a context_aware block")
			break
		}
		if cfg.AdaptationThreshold < 0 || cfg.AdaptationThreshold > 1 {
			add(LevelWarning, CategoryLogic, "advanced.context_aware.adaptation_threshold", "threshold %v is outside (0, 1]", cfg.AdaptationThreshold)
		}
		if cfg.WindowSize < 0 {
			add(LevelWarning, CategoryLogic, "advanced.context_aware.window_size", "negative window size falls back to the default")
		}
		if len(cfg.AdaptedActions) == 0 {
			add(LevelInfo, CategoryStyle, "advanced.context_aware.adapted_actions", "no adapted actions; the rule always applies its base actions")
		}
		checkLaneActions(add, "advanced.context_aware.adapted_actions", cfg.AdaptedActions)
	case LaneCompliance:
		cfg := a.Compliance
		if cfg == nil || cfg.Framework == "" || cfg.ControlID == "" {
			add(LevelError, CategorySyntax, "advanced.compliance", "compliance rules need a framework and a control id")
		}
	case LaneSecurityAdaptive:
		cfg := a.Security
		if cfg == nil || len(cfg.Responses) == 0 {
			add(LevelError, CategoryLogic, "advanced.security_adaptive.responses", "security-adaptive rules need at least one response bucket")
			break
		}
		for bucket, actions := range cfg.Responses {
			if !threatBuckets[bucket] {
				add(LevelWarning, CategoryLogic, "advanced.security_adaptive.responses", "unknown threat bucket %q; expected low, medium, high or critical", bucket)
			}
			checkLaneActions(add, fmt.Sprintf("advanced.security_adaptive.responses.%s", bucket), actions)
		}
		if cfg.EscalateAt < 0 || cfg.EscalateAt > 1 {
			add(LevelWarning, CategoryLogic, "advanced.security_adaptive.escalate_at", "escalation threshold %v is outside (0, 1]", cfg.EscalateAt)
		}
	case "":
		add(LevelError, CategorySyntax, "advanced.type", "advanced rules need a type")
	default:
		add(LevelError, CategorySyntax, "advanced.type", "unknown advanced rule type %q", a.Type)
	}
	return out
}

func checkLaneActions(add func(level, category, field, format string, args ...any), field string, actions []Action) {
	for i, a := range actions {
		if !validActionTypes[strings.ToLower(strings.TrimSpace(a.ActionType))] {
			add(LevelError, CategorySyntax, fmt.Sprintf("%s[%d].action_type", field, i), "unknown action type %q", a.ActionType)
		}
		if a.Target == "" {
			add(LevelError, CategorySyntax, fmt.Sprintf("%s[%d].target", field, i), "target is required")
		}
	}
}

// LaneRecord reports one advanced rule's pass through its lane: whether it
// triggered, the actions it selected and lane-specific detail.
type LaneRecord struct {
	RuleID    string         `json:"rule_id"`
	Lane      string         `json:"lane"`
	Triggered bool           `json:"triggered"`
	Reason    string         `json:"reason,omitempty"`
	Actions   []Action       `json:"actions,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// ThreatMonitor supplies the current threat level in [0, 1] for
// security-adaptive rules.
type ThreatMonitor interface {
	ThreatLevel() float64
}

// ComparatorFunc is a host-registered predicate for conditional rules. It
// receives a restricted, scalar-only copy of the evaluation context.
type ComparatorFunc func(ctx map[string]any) bool

// ScheduleFunc defers fn by d and returns a cancel func. The default wraps
// time.AfterFunc; tests substitute a synchronous version.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

func timerSchedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Dispatcher runs advanced rules through their lanes and merges the results
// with a base evaluation. It keeps the per-rule lane state: conditional
// cooldowns, time-based execution counts, context-aware match windows and
// pending cascade timers.
type Dispatcher struct {
	catalog  Catalog
	eval     *Evaluator
	logger   *zap.Logger
	now      func() time.Time
	monitor  ThreatMonitor
	auditor  Auditor
	emitter  Emitter
	schedule ScheduleFunc

	mu            sync.Mutex
	comparators   map[string]ComparatorFunc
	lastTriggered map[string]time.Time
	executions    map[string]int
	history       map[string][]bool
	cancels       map[int]func()
	nextCancel    int
	closed        bool
}

// DispatcherOption configures optional Dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithThreatMonitor supplies the threat level source for security-adaptive
// rules. Without one those rules never trigger.
func WithThreatMonitor(m ThreatMonitor) DispatcherOption {
	return func(d *Dispatcher) { d.monitor = m }
}

// WithComplianceAuditor routes compliance and escalation records to log.
func WithComplianceAuditor(a Auditor) DispatcherOption {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithLaneEmitter announces cascade firings and escalations on the
// awareness stream.
func WithLaneEmitter(e Emitter) DispatcherOption {
	return func(d *Dispatcher) { d.emitter = e }
}

// WithScheduler replaces the cascade timer, mainly for tests.
func WithScheduler(s ScheduleFunc) DispatcherOption {
	return func(d *Dispatcher) {
		if s != nil {
			d.schedule = s
		}
	}
}

// WithDispatcherClock overrides the dispatcher's time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher creates a Dispatcher over catalog. A nil eval gets a fresh
// Evaluator reading from the same catalog.
func NewDispatcher(catalog Catalog, eval *Evaluator, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		catalog:       catalog,
		eval:          eval,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		schedule:      timerSchedule,
		comparators:   map[string]ComparatorFunc{},
		lastTriggered: map[string]time.Time{},
		executions:    map[string]int{},
		history:       map[string][]bool{},
		cancels:       map[int]func(){},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.eval == nil {
		d.eval = NewEvaluator(catalog, logger)
	}
	return d
}

// RegisterComparator installs a named predicate for conditional rules.
func (d *Dispatcher) RegisterComparator(name string, fn ComparatorFunc) {
	if name == "" || fn == nil {
		return
	}
	d.mu.Lock()
	d.comparators[name] = fn
	d.mu.Unlock()
}

// Close cancels pending cascades. The dispatcher must not be used after.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = map[int]func(){}
}

// EvaluateAll loads the active rule set once and evaluates it: base rules
// through the Evaluator, advanced rules through their lanes.
func (d *Dispatcher) EvaluateAll(evalCtx map[string]any) (*Evaluation, error) {
	rules, err := d.catalog.ActiveRules(d.now())
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	return d.EvaluateRules(rules, evalCtx), nil
}

// EvaluateRules evaluates a pre-fetched rule set. Triggered lane actions
// fold into the configuration after the base pass, in rule order; lanes do
// not contest targets with base rules.
func (d *Dispatcher) EvaluateRules(rules []*Rule, evalCtx map[string]any) *Evaluation {
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}
	ev := d.eval.EvaluateRules(rules, evalCtx)

	lanes := d.dispatch(rules, evalCtx)
	if len(lanes) == 0 {
		return ev
	}

	ev.Lanes = lanes
	for _, rec := range lanes {
		if !rec.Triggered {
			continue
		}
		ev.Matched++
		for _, a := range rec.Actions {
			applyAction(ev.Config, a)
			ev.Applications = append(ev.Applications, Application{RuleID: rec.RuleID, Target: a.Target, Action: a.ActionType})
		}
	}
	ev.Config["_rule_applications"] = applicationMaps(ev.Applications)
	return ev
}

func (d *Dispatcher) dispatch(rules []*Rule, evalCtx map[string]any) []LaneRecord {
	now := d.now()
	var out []LaneRecord
	for _, r := range rules {
		if r == nil || r.Advanced == nil {
			continue
		}
		if r.Status != StatusActive || !r.InWindow(now) {
			continue
		}
		rec := d.runLane(r, evalCtx, now)
		d.logger.Debug("advanced rule evaluated",
			zap.String("rule_id", r.ID),
			zap.String("lane", rec.Lane),
			zap.Bool("triggered", rec.Triggered),
			zap.String("reason", rec.Reason))
		out = append(out, rec)
	}
	return out
}

func (d *Dispatcher) runLane(r *Rule, evalCtx map[string]any, now time.Time) LaneRecord {
	switch r.Advanced.Type {
	case LaneConditional:
		return d.runConditional(r, evalCtx, now)
	case LaneCascading:
		return d.runCascading(r, evalCtx, now)
	case LaneTimeBased:
		return d.runTimeBased(r, evalCtx, now)
	case LaneContextAware:
		return d.runContextAware(r, evalCtx)
	case LaneCompliance:
		return d.runCompliance(r, evalCtx)
	case LaneSecurityAdaptive:
		return d.runSecurity(r, evalCtx)
	default:
		return LaneRecord{RuleID: r.ID, Lane: r.Advanced.Type,
			Reason: fmt.Sprintf("unknown advanced rule type %q", r.Advanced.Type)}
	}
}

func (d *Dispatcher) runConditional(r *Rule, evalCtx map[string]any, now time.Time) LaneRecord {
	cfg := r.Advanced.Conditional
	rec := LaneRecord{RuleID: r.ID, Lane: LaneConditional}
	if cfg == nil {
		rec.Reason = "conditional config missing"
		return rec
	}

	if cfg.CooldownSeconds > 0 {
		d.mu.Lock()
		last, seen := d.lastTriggered[r.ID]
		d.mu.Unlock()
		if seen {
			cooldown := time.Duration(cfg.CooldownSeconds * float64(time.Second))
			if remaining := cooldown - now.Sub(last); remaining > 0 {
				rec.Reason = fmt.Sprintf("cooling down for another %s", remaining.Round(time.Millisecond))
				return rec
			}
		}
	}

	if !r.ConditionsMet(evalCtx) {
		rec.Reason = "conditions not met"
		return rec
	}

	scoped := restrictContext(evalCtx)
	switch {
	case cfg.Comparator != "":
		d.mu.Lock()
		fn := d.comparators[cfg.Comparator]
		d.mu.Unlock()
		if fn == nil {
			rec.Reason = fmt.Sprintf("comparator %q not registered", cfg.Comparator)
			return rec
		}
		if !fn(scoped) {
			rec.Reason = fmt.Sprintf("comparator %q did not match", cfg.Comparator)
			return rec
		}
	case len(cfg.Expression) > 0:
		for _, c := range cfg.Expression {
			if !c.Matches(scoped) {
				rec.Reason = "expression did not match"
				return rec
			}
		}
	}

	d.mu.Lock()
	d.lastTriggered[r.ID] = now
	d.mu.Unlock()

	rec.Triggered = true
	rec.Actions = cloneActions(r.Actions)
	return rec
}

func (d *Dispatcher) runCascading(r *Rule, evalCtx map[string]any, now time.Time) LaneRecord {
	cfg := r.Advanced.Cascading
	rec := LaneRecord{RuleID: r.ID, Lane: LaneCascading}
	if cfg == nil || len(cfg.TargetRuleIDs) == 0 {
		rec.Reason = "no cascade targets"
		return rec
	}
	if !r.ConditionsMet(evalCtx) {
		rec.Reason = "conditions not met"
		return rec
	}

	delay := time.Duration(cfg.DelaySeconds * float64(time.Second))
	if delay < 0 {
		delay = 0
	}

	cascadeCtx := map[string]any{"cascaded_from": r.ID}
	if cfg.PassContext {
		if cloned, ok := cloneValue(evalCtx).(map[string]any); ok {
			cloned["cascaded_from"] = r.ID
			cascadeCtx = cloned
		}
	}
	origin := r.ID
	targets := append([]string(nil), cfg.TargetRuleIDs...)
	overrides := cfg.ConditionOverrides

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		rec.Reason = "dispatcher closed"
		return rec
	}
	id := d.nextCancel
	d.nextCancel++
	d.cancels[id] = d.schedule(delay, func() {
		d.mu.Lock()
		delete(d.cancels, id)
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		d.fireCascade(origin, targets, overrides, cascadeCtx)
	})
	d.mu.Unlock()

	rec.Triggered = true
	rec.Reason = fmt.Sprintf("cascade to %d rule(s) scheduled in %s", len(targets), delay)
	rec.Detail = map[string]any{"targets": targets, "delay_seconds": cfg.DelaySeconds}
	return rec
}

// fireCascade checks each target against the cascade context and announces
// the ones that pass. A fired cascade announces the target; it does not
// rewrite configurations already handed out.
func (d *Dispatcher) fireCascade(origin string, targets []string, overrides map[string][]Condition, cascadeCtx map[string]any) {
	now := d.now()
	for _, id := range targets {
		target, err := d.catalog.Get(id)
		if err != nil {
			d.logger.Warn("cascade target missing", zap.String("rule_id", id), zap.String("cascaded_from", origin), zap.Error(err))
			continue
		}
		if target.Status != StatusActive || !target.InWindow(now) {
			d.logger.Debug("cascade target not active", zap.String("rule_id", id), zap.String("cascaded_from", origin))
			continue
		}
		check := target
		if conds, ok := overrides[id]; ok {
			check = target.Clone()
			check.Conditions = conds
		}
		if !check.ConditionsMet(cascadeCtx) {
			d.logger.Debug("cascade target conditions not met", zap.String("rule_id", id), zap.String("cascaded_from", origin))
			continue
		}
		if d.emitter != nil {
			d.emitter.Emit(
				fmt.Sprintf("rule %s triggered by cascade from %s", target.Name, origin),
				"rules",
				map[string]any{"rule_id": id, "cascaded_from": origin},
				[]string{"rule", "cascade"},
			)
		}
		d.logger.Info("cascade fired", zap.String("rule_id", id), zap.String("cascaded_from", origin))
	}
}

func (d *Dispatcher) runTimeBased(r *Rule, evalCtx map[string]any, now time.Time) LaneRecord {
	cfg := r.Advanced.TimeBased
	rec := LaneRecord{RuleID: r.ID, Lane: LaneTimeBased}
	if cfg == nil || cfg.CronExpression == "" {
		rec.Reason = "cron expression missing"
		return rec
	}
	if !r.ConditionsMet(evalCtx) {
		rec.Reason = "conditions not met"
		return rec
	}

	if cfg.MaxExecutions > 0 {
		d.mu.Lock()
		n := d.executions[r.ID]
		d.mu.Unlock()
		if n >= cfg.MaxExecutions {
			rec.Reason = fmt.Sprintf("execution limit %d reached", cfg.MaxExecutions)
			return rec
		}
	}

	due, err := cronDue(cfg.CronExpression, now)
	if err != nil {
		rec.Reason = fmt.Sprintf("bad cron expression: %v", err)
		return rec
	}
	if !due {
		rec.Reason = "not due"
		return rec
	}

	d.mu.Lock()
	d.executions[r.ID]++
	count := d.executions[r.ID]
	d.mu.Unlock()

	rec.Triggered = true
	rec.Actions = cloneActions(r.Actions)
	rec.Detail = map[string]any{"execution": count}
	if cfg.MaxExecutions > 0 {
		rec.Detail["max_executions"] = cfg.MaxExecutions
	}
	return rec
}

// cronDue reports whether now falls in a minute the expression names.
// Anchoring just before the minute boundary makes the current minute count
// as due, not only strictly future firings.
func cronDue(expr string, now time.Time) (bool, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return false, err
	}
	anchor := now.Truncate(time.Minute).Add(-time.Nanosecond)
	next := spec.Next(anchor)
	return !next.After(now), nil
}

func (d *Dispatcher) runContextAware(r *Rule, evalCtx map[string]any) LaneRecord {
	cfg := r.Advanced.ContextAware
	rec := LaneRecord{RuleID: r.ID, Lane: LaneContextAware}
	if cfg == nil {
		rec.Reason = "context_aware config missing"
		return rec
	}
	window := cfg.WindowSize
	if window <= 0 {
		window = defaultAdaptationWindow
	}

	matched := r.ConditionsMet(evalCtx)

	d.mu.Lock()
	hist := append(d.history[r.ID], matched)
	if len(hist) > window {
		hist = hist[len(hist)-window:]
	}
	d.history[r.ID] = hist
	d.mu.Unlock()

	hits := 0
	for _, h := range hist {
		if h {
			hits++
		}
	}
	score := float64(hits) / float64(len(hist))
	rec.Detail = map[string]any{"adaptation_score": score, "window": len(hist)}

	if !matched {
		rec.Reason = "conditions not met"
		return rec
	}

	rec.Triggered = true
	if cfg.AdaptationThreshold > 0 && score >= cfg.AdaptationThreshold && len(cfg.AdaptedActions) > 0 {
		rec.Actions = cloneActions(cfg.AdaptedActions)
		rec.Reason = fmt.Sprintf("adapted at score %.2f", score)
		rec.Detail["adapted"] = true
	} else {
		rec.Actions = cloneActions(r.Actions)
	}
	return rec
}

func (d *Dispatcher) runCompliance(r *Rule, evalCtx map[string]any) LaneRecord {
	cfg := r.Advanced.Compliance
	rec := LaneRecord{RuleID: r.ID, Lane: LaneCompliance}
	if cfg == nil {
		rec.Reason = "compliance config missing"
		return rec
	}

	pass := r.ConditionsMet(evalCtx)
	status := "compliant"
	if !pass {
		status = "non_compliant"
	}

	detail := map[string]any{
		"framework":         cfg.Framework,
		"control_id":        cfg.ControlID,
		"compliance_status": status,
		"context_hash":      ContextHash(evalCtx),
	}
	if cfg.Severity != "" {
		detail["severity"] = cfg.Severity
	}

	// Every pass is recorded, compliant or not.
	if d.auditor != nil {
		d.auditor.Record(audit.Event{
			Type:    audit.EventComplianceEvaluated,
			RuleID:  r.ID,
			Actor:   "rule_dispatcher",
			Summary: fmt.Sprintf("%s control %s is %s", cfg.Framework, cfg.ControlID, status),
			Detail:  detail,
		})
	}

	rec.Triggered = pass
	rec.Reason = status
	rec.Detail = detail
	return rec
}

func (d *Dispatcher) runSecurity(r *Rule, evalCtx map[string]any) LaneRecord {
	cfg := r.Advanced.Security
	rec := LaneRecord{RuleID: r.ID, Lane: LaneSecurityAdaptive}
	if cfg == nil || len(cfg.Responses) == 0 {
		rec.Reason = "security_adaptive config missing"
		return rec
	}
	if !r.ConditionsMet(evalCtx) {
		rec.Reason = "conditions not met"
		return rec
	}
	if d.monitor == nil {
		rec.Reason = "threat monitor not configured"
		return rec
	}

	level := d.monitor.ThreatLevel()
	bucket := threatBucket(level)
	rec.Detail = map[string]any{"threat_level": level, "bucket": bucket}

	if actions := cfg.Responses[bucket]; len(actions) > 0 {
		rec.Triggered = true
		rec.Actions = cloneActions(actions)
		rec.Reason = fmt.Sprintf("threat level %.2f maps to %s response", level, bucket)
	} else {
		rec.Reason = fmt.Sprintf("no response configured for %s", bucket)
	}

	if cfg.EscalateAt > 0 && level >= cfg.EscalateAt {
		rec.Detail["escalated"] = true
		if d.auditor != nil {
			d.auditor.Record(audit.Event{
				Type:    audit.EventThreatLevelChanged,
				RuleID:  r.ID,
				Actor:   "rule_dispatcher",
				Summary: fmt.Sprintf("threat level %.2f crossed escalation threshold %.2f", level, cfg.EscalateAt),
				Detail:  map[string]any{"threat_level": level, "escalate_at": cfg.EscalateAt, "bucket": bucket},
			})
		}
		if d.emitter != nil {
			d.emitter.Emit(
				fmt.Sprintf("threat level %.2f crossed escalation threshold %.2f", level, cfg.EscalateAt),
				"security",
				map[string]any{"rule_id": r.ID, "threat_level": level, "bucket": bucket},
				[]string{"security", "escalation"},
			)
		}
	}
	return rec
}

func threatBucket(level float64) string {
	switch {
	case level >= 0.9:
		return "critical"
	case level >= 0.7:
		return "high"
	case level >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// restrictContext copies only scalar fields, the view handed to comparators
// and conditional expressions.
func restrictContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			out[k] = v
		}
	}
	return out
}

// FailureRateMonitor is a ThreatMonitor fed by success/failure
// observations: the threat level is the failure fraction over a sliding
// window.
type FailureRateMonitor struct {
	mu      sync.Mutex
	window  int
	samples []bool
}

// NewFailureRateMonitor creates a monitor over the last window
// observations. Non-positive windows fall back to 50.
func NewFailureRateMonitor(window int) *FailureRateMonitor {
	if window <= 0 {
		window = 50
	}
	return &FailureRateMonitor{window: window}
}

// Observe records one outcome.
func (m *FailureRateMonitor) Observe(failure bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, failure)
	if len(m.samples) > m.window {
		m.samples = m.samples[len(m.samples)-m.window:]
	}
}

// ThreatLevel reports the failure fraction, 0 before any observation.
func (m *FailureRateMonitor) ThreatLevel() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return 0
	}
	failures := 0
	for _, f := range m.samples {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(len(m.samples))
}
