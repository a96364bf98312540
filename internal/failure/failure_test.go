package failure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestClassifyKnownPatterns(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		message  string
		pattern  string
		category Category
		strategy Strategy
	}{
		{"dial tcp: connection timeout while reading", "connection_timeout", CategoryTimeout, StrategyExponential},
		{"connect: Connection refused", "connection_refused", CategoryNetwork, StrategyExponential},
		{"lookup api.internal: no such host", "dns_resolution", CategoryNetwork, StrategyLinear},
		{"HTTP 502 Bad Gateway", "http_5xx", CategoryDependency, StrategyExponential},
		{"http 429 too many requests", "http_429", CategoryTemporary, StrategyExponential},
		{"auth token expired, refresh required", "auth_token_expired", CategoryAuthentication, StrategyImmediate},
		{"HTTP 403 Forbidden", "http_4xx_client", CategoryAuthorization, StrategyNone},
		{"write /var/tmp: no space left on device", "disk_full", CategoryResource, StrategyLinear},
		{"fork: cannot allocate memory", "memory_exhausted", CategoryResource, StrategyLinear},
		{"upstream service unavailable", "service_unavailable", CategoryDependency, StrategyExponential},
		{"request validation failed: url is required", "validation_failed", CategoryValidation, StrategyNone},
		{"please try again later", "temporary_failure", CategoryTemporary, StrategyExponential},
	}

	for _, tc := range cases {
		got := c.Classify(tc.message)
		if got.Pattern != tc.pattern {
			t.Errorf("Classify(%q).Pattern = %s, want %s", tc.message, got.Pattern, tc.pattern)
		}
		if got.Category != tc.category {
			t.Errorf("Classify(%q).Category = %s, want %s", tc.message, got.Category, tc.category)
		}
		if got.Profile.Strategy != tc.strategy {
			t.Errorf("Classify(%q).Strategy = %s, want %s", tc.message, got.Profile.Strategy, tc.strategy)
		}
	}
}

func TestClassifyUnknownFallback(t *testing.T) {
	got := NewClassifier().Classify("some entirely novel failure mode")
	if got.Category != CategoryUnknown || got.Pattern != "unclassified" {
		t.Fatalf("unexpected fallback match: %+v", got)
	}
	if got.Profile.MaxRetries != 2 || got.Profile.BaseDelay != 5*time.Second {
		t.Fatalf("fallback must be conservative (2 retries, 5s base): %+v", got.Profile)
	}
}

func fixedRNG(v float64) func() float64 { return func() float64 { return v } }

func TestPlanExponentialDelaysWithinJitterBand(t *testing.T) {
	p := NewPlanner(zap.NewNop())

	override := &Override{MaxAttempts: 4, BaseDelay: 1, ExponentialBackoff: true, MaxDelay: 30}
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

	for _, rng := range []float64{0, 0.5, 1} {
		p.rng = fixedRNG(rng)
		for attempt, want := range expected {
			d := p.Plan("deploy", attempt, "connection timeout", override)
			if !d.ShouldRetry {
				t.Fatalf("attempt %d should retry: %+v", attempt, d)
			}
			lo := time.Duration(float64(want) * 0.9)
			hi := time.Duration(float64(want) * 1.1)
			if d.Delay < lo || d.Delay > hi {
				t.Fatalf("attempt %d delay %v outside [%v, %v]", attempt, d.Delay, lo, hi)
			}
			p.breakers.RecordSuccess("deploy", d.Category)
		}
	}
}

func TestPlanLinearAndFixedDelays(t *testing.T) {
	p := NewPlanner(nil)
	p.rng = fixedRNG(0.5) // jitter factor 1.0

	// Linear from the classifier profile: disk_full base 30s.
	d := p.Plan("cleanup", 1, "disk full on /var", nil)
	if !d.ShouldRetry || d.Strategy != StrategyLinear {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Delay != 60*time.Second {
		t.Fatalf("linear delay for second failure = %v, want 60s", d.Delay)
	}
	if d.Recovery != RecoveryCleanupDiskSpace {
		t.Fatalf("expected cleanup recovery hook, got %q", d.Recovery)
	}
	p.breakers.RecordSuccess("cleanup", d.Category)

	// Fixed from an override without exponential backoff.
	d = p.Plan("ping", 2, "connection timeout", &Override{MaxAttempts: 5, BaseDelay: 3})
	if !d.ShouldRetry || d.Strategy != StrategyFixed || d.Delay != 3*time.Second {
		t.Fatalf("unexpected fixed decision: %+v", d)
	}
}

func TestPlanRespectsAttemptBudget(t *testing.T) {
	p := NewPlanner(nil)
	p.rng = fixedRNG(0.5)
	override := &Override{MaxAttempts: 3, BaseDelay: 1, ExponentialBackoff: true}

	for attempt := 0; attempt < 2; attempt++ {
		if d := p.Plan("s1", attempt, "HTTP 500 internal server error", override); !d.ShouldRetry {
			t.Fatalf("attempt %d should retry: %+v", attempt, d)
		}
	}
	d := p.Plan("s1", 2, "HTTP 500 internal server error", override)
	if d.ShouldRetry || !d.MaxAttemptsReached {
		t.Fatalf("third failure must exhaust the budget: %+v", d)
	}
}

func TestPlanNonRetryablePattern(t *testing.T) {
	p := NewPlanner(nil)
	d := p.Plan("s1", 0, "HTTP 401 Unauthorized", nil)
	if d.ShouldRetry {
		t.Fatalf("4xx client errors must not retry: %+v", d)
	}
	if d.Category != CategoryAuthorization {
		t.Fatalf("category = %s, want authorization", d.Category)
	}
}

func TestPlanRetryOnErrorsFilter(t *testing.T) {
	p := NewPlanner(nil)
	p.rng = fixedRNG(0.5)

	override := &Override{MaxAttempts: 3, BaseDelay: 1, RetryOnErrors: []string{"connection_timeout"}}
	if d := p.Plan("s1", 0, "read timeout from upstream", override); !d.ShouldRetry {
		t.Fatalf("allowed pattern should retry: %+v", d)
	}
	if d := p.Plan("s1", 0, "HTTP 500 internal server error", override); d.ShouldRetry {
		t.Fatalf("pattern outside retry_on_errors must not retry: %+v", d)
	}

	// Category names are accepted too.
	override = &Override{MaxAttempts: 3, BaseDelay: 1, RetryOnErrors: []string{"dependency"}}
	if d := p.Plan("s2", 0, "HTTP 500 internal server error", override); !d.ShouldRetry {
		t.Fatalf("category match should retry: %+v", d)
	}
}

func TestBreakerOpensAtThresholdAndResets(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	set := NewBreakerSet(5, 300*time.Second)
	set.SetClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		if opened := set.RecordFailure("s1", CategoryTimeout); opened {
			t.Fatalf("breaker opened early at failure %d", i+1)
		}
	}
	if !set.Allow("s1", CategoryTimeout) {
		t.Fatal("breaker must stay closed below threshold")
	}
	if opened := set.RecordFailure("s1", CategoryTimeout); !opened {
		t.Fatal("fifth failure must open the breaker")
	}
	if set.Allow("s1", CategoryTimeout) {
		t.Fatal("open breaker must block")
	}

	// Other keys are unaffected.
	if !set.Allow("s1", CategoryNetwork) || !set.Allow("s2", CategoryTimeout) {
		t.Fatal("breakers must be scoped to (step, category)")
	}

	// Past the reset window the breaker closes again.
	now = now.Add(301 * time.Second)
	if !set.Allow("s1", CategoryTimeout) {
		t.Fatal("breaker must close after the reset window")
	}

	// Success resets the count.
	set.RecordFailure("s1", CategoryTimeout)
	set.RecordSuccess("s1", CategoryTimeout)
	for i := 0; i < 4; i++ {
		set.RecordFailure("s1", CategoryTimeout)
	}
	if !set.Allow("s1", CategoryTimeout) {
		t.Fatal("success must reset the failure count")
	}
}

func TestPlannerBreakerSuppressesRetries(t *testing.T) {
	p := NewPlanner(nil)
	p.rng = fixedRNG(0.5)

	var last Decision
	for i := 0; i < 5; i++ {
		last = p.Plan("flaky", i, "connection timeout", &Override{MaxAttempts: 10, BaseDelay: 1})
	}
	if last.ShouldRetry || !last.BreakerOpen {
		t.Fatalf("fifth failure must trip the breaker: %+v", last)
	}
}

func TestRecoveryHooks(t *testing.T) {
	p := NewPlanner(nil)

	var mu sync.Mutex
	calls := 0
	p.RegisterRecovery(RecoveryRefreshAuthToken, func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	p.RegisterRecovery(RecoveryFreeMemory, func(ctx context.Context) error {
		return errors.New("nothing to free")
	})

	p.RunRecovery(context.Background(), RecoveryRefreshAuthToken)
	p.RunRecovery(context.Background(), RecoveryFreeMemory) // error is swallowed
	p.RunRecovery(context.Background(), "unregistered")     // no-op
	p.RunRecovery(context.Background(), "")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("refresh hook calls = %d, want 1", calls)
	}
}

func TestPlanAttachesRecoveryFromClassifier(t *testing.T) {
	p := NewPlanner(nil)
	d := p.Plan("auth", 0, "token expired", nil)
	if !d.ShouldRetry || d.Strategy != StrategyImmediate || d.Delay != 0 {
		t.Fatalf("immediate retry expected: %+v", d)
	}
	if d.Recovery != RecoveryRefreshAuthToken {
		t.Fatalf("recovery hook = %q, want refresh_auth_token", d.Recovery)
	}
}
