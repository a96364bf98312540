package failure

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBackoffFactor = 2.0

// Policy is a resolved retry profile: how many retries are allowed and how
// the delay between them grows.
type Policy struct {
	Strategy      Strategy
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Recovery      string

	// AllowedMatches restricts retries to the named patterns or categories
	// (a step's retry_on_errors list). Empty allows everything.
	AllowedMatches []string
}

// Override carries a step's declared retry block. MaxAttempts counts total
// attempts, so MaxAttempts=3 allows two retries.
type Override struct {
	MaxAttempts        int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay          float64  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay           float64  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	ExponentialBackoff bool     `json:"exponential_backoff,omitempty" yaml:"exponential_backoff,omitempty"`
	RetryOnErrors      []string `json:"retry_on_errors,omitempty" yaml:"retry_on_errors,omitempty"`
}

// Decision is the planner's verdict for one failed attempt.
type Decision struct {
	ShouldRetry        bool
	Delay              time.Duration
	Strategy           Strategy
	Reason             string
	Pattern            string
	Category           Category
	Recovery           string
	MaxAttemptsReached bool
	BreakerOpen        bool
}

// Planner combines classification, retry policy resolution and circuit
// breaking into one decision per failed attempt.
type Planner struct {
	classifier *Classifier
	breakers   *BreakerSet
	logger     *zap.Logger

	mu         sync.RWMutex
	recoveries map[string]RecoveryFunc

	rng func() float64
}

// RecoveryFunc is a side-effectful hook run before a retry delay, e.g.
// refreshing an auth token or reclaiming disk space.
type RecoveryFunc func(ctx context.Context) error

// NewPlanner builds a planner with the default classifier and breaker
// settings. A nil logger is replaced with a no-op logger.
func NewPlanner(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		classifier: NewClassifier(),
		breakers:   NewBreakerSet(defaultFailureThreshold, defaultResetTimeout),
		logger:     logger,
		recoveries: make(map[string]RecoveryFunc),
		rng:        rand.Float64,
	}
}

// Breakers exposes the planner's breaker set for status snapshots.
func (p *Planner) Breakers() *BreakerSet { return p.breakers }

// RegisterRecovery installs a named recovery hook. Registering nil removes
// the hook.
func (p *Planner) RegisterRecovery(name string, fn RecoveryFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn == nil {
		delete(p.recoveries, name)
		return
	}
	p.recoveries[name] = fn
}

// RunRecovery invokes the named hook if one is registered. Hook errors are
// logged and swallowed; recovery is best effort and never blocks a retry.
func (p *Planner) RunRecovery(ctx context.Context, name string) {
	if name == "" {
		return
	}
	p.mu.RLock()
	fn := p.recoveries[name]
	p.mu.RUnlock()
	if fn == nil {
		p.logger.Debug("no recovery hook registered", zap.String("hook", name))
		return
	}
	if err := fn(ctx); err != nil {
		p.logger.Warn("recovery hook failed", zap.String("hook", name), zap.Error(err))
	}
}

// Plan decides whether the attempt-th failure (zero-based) of stepID should
// be retried. The step's retry block, when present, overrides the
// classifier's profile for attempt counting and delay growth.
func (p *Planner) Plan(stepID string, attempt int, failureMessage string, override *Override) Decision {
	match := p.classifier.Classify(failureMessage)
	policy := resolvePolicy(match, override)

	decision := Decision{
		Strategy: policy.Strategy,
		Pattern:  match.Pattern,
		Category: match.Category,
		Recovery: policy.Recovery,
	}

	// Every failure counts toward the breaker exactly once, whether or not
	// a retry follows.
	if opened := p.breakers.RecordFailure(stepID, match.Category); opened {
		p.logger.Warn("circuit breaker opened",
			zap.String("step", stepID),
			zap.String("category", string(match.Category)))
	}
	if !p.breakers.Allow(stepID, match.Category) {
		decision.BreakerOpen = true
		decision.Reason = fmt.Sprintf("circuit breaker open for %s/%s", stepID, match.Category)
		return decision
	}

	if !matchAllowed(policy.AllowedMatches, match) {
		decision.Reason = fmt.Sprintf("%s not in retry_on_errors", match.Pattern)
		return decision
	}

	if policy.Strategy == StrategyNone || policy.MaxRetries <= 0 {
		decision.Reason = fmt.Sprintf("%s is not retryable", match.Pattern)
		return decision
	}

	retriesUsed := attempt + 1
	if retriesUsed > policy.MaxRetries {
		decision.MaxAttemptsReached = true
		decision.Reason = fmt.Sprintf("retry budget exhausted after %d attempts (%s)", retriesUsed, match.Pattern)
		return decision
	}

	decision.ShouldRetry = true
	decision.Delay = p.delayFor(policy, attempt)
	decision.Reason = fmt.Sprintf("retry %d/%d after %s (%s backoff)",
		retriesUsed, policy.MaxRetries, match.Pattern, policy.Strategy)
	return decision
}

// RecordSuccess closes and resets the breaker for the step's last failure
// category once an attempt finally succeeds.
func (p *Planner) RecordSuccess(stepID string, category Category) {
	p.breakers.RecordSuccess(stepID, category)
}

// delayFor computes the backoff for the attempt-th failure (zero-based) and
// applies ±10% uniform jitter. Immediate and none strategies sleep nothing.
func (p *Planner) delayFor(policy Policy, attempt int) time.Duration {
	var delay time.Duration
	switch policy.Strategy {
	case StrategyNone, StrategyImmediate:
		return 0
	case StrategyFixed:
		delay = policy.BaseDelay
	case StrategyLinear:
		delay = time.Duration(attempt+1) * policy.BaseDelay
	case StrategyExponential:
		factor := policy.BackoffFactor
		if factor <= 0 {
			factor = defaultBackoffFactor
		}
		delay = time.Duration(float64(policy.BaseDelay) * math.Pow(factor, float64(attempt)))
	default:
		delay = policy.BaseDelay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay <= 0 {
		return 0
	}

	// ±10% uniform jitter so synchronized steps do not retry in lockstep.
	jittered := float64(delay) * (0.9 + 0.2*p.rng())
	return time.Duration(jittered)
}

func resolvePolicy(match Match, override *Override) Policy {
	if override == nil {
		return match.Profile
	}

	policy := Policy{
		Strategy:       StrategyFixed,
		BackoffFactor:  defaultBackoffFactor,
		AllowedMatches: override.RetryOnErrors,
		Recovery:       match.Profile.Recovery,
	}
	if override.ExponentialBackoff {
		policy.Strategy = StrategyExponential
	}

	if override.MaxAttempts > 0 {
		policy.MaxRetries = override.MaxAttempts - 1
	} else {
		policy.MaxRetries = match.Profile.MaxRetries
	}
	if override.BaseDelay > 0 {
		policy.BaseDelay = time.Duration(override.BaseDelay * float64(time.Second))
	} else {
		policy.BaseDelay = time.Second
	}
	if override.MaxDelay > 0 {
		policy.MaxDelay = time.Duration(override.MaxDelay * float64(time.Second))
	}
	return policy
}

func matchAllowed(allowed []string, match Match) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, name := range allowed {
		if name == match.Pattern || name == string(match.Category) {
			return true
		}
	}
	return false
}
