// Package failure classifies step errors and plans retries. A prioritized
// regex table maps failure text to a category with a default retry profile;
// a per-(step, category) circuit breaker suppresses retries after repeated
// failures; named recovery hooks run before a retry is scheduled.
package failure

import (
	"regexp"
	"time"
)

// Category buckets a failure by its root cause.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategoryResource       Category = "resource"
	CategoryDependency     Category = "dependency"
	CategoryConfiguration  Category = "configuration"
	CategoryTemporary      Category = "temporary"
	CategoryPermanent      Category = "permanent"
	CategoryUnknown        Category = "unknown"
)

// Strategy names how retry delays grow across attempts.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyImmediate   Strategy = "immediate"
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Recovery hook names understood by the default pattern table. Hosts
// register implementations via Planner.RegisterRecovery.
const (
	RecoveryRefreshAuthToken = "refresh_auth_token"
	RecoveryCleanupDiskSpace = "cleanup_disk_space"
	RecoveryFreeMemory       = "free_memory"
)

// Pattern is one named classification rule. Expressions are matched
// case-insensitively against the failure message; first pattern with a
// matching expression wins.
type Pattern struct {
	Name       string
	Category   Category
	Strategy   Strategy
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Recovery   string

	expressions []*regexp.Regexp
}

// Match is the classification result for one failure message.
type Match struct {
	Pattern  string
	Category Category
	Profile  Policy
}

// Classifier scans an ordered pattern table.
type Classifier struct {
	patterns []Pattern
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile("(?i)"+expr))
	}
	return out
}

// defaultPatterns is scanned in order; earlier entries take precedence.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name: "connection_timeout", Category: CategoryTimeout,
			Strategy: StrategyExponential, MaxRetries: 5,
			BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second,
			expressions: compile(`connection.*timeout`, `read.*timeout`, `request.*timed.*out`, `deadline exceeded`),
		},
		{
			Name: "connection_refused", Category: CategoryNetwork,
			Strategy: StrategyExponential, MaxRetries: 3,
			BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second,
			expressions: compile(`connection.*refused`, `no route to host`, `network.*unreachable`),
		},
		{
			Name: "dns_resolution", Category: CategoryNetwork,
			Strategy: StrategyLinear, MaxRetries: 3,
			BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second,
			expressions: compile(`name.*not.*resolved`, `dns.*resolution.*failed`, `no such host`),
		},
		{
			Name: "http_5xx", Category: CategoryDependency,
			Strategy: StrategyExponential, MaxRetries: 4,
			BaseDelay: 1 * time.Second, MaxDelay: 16 * time.Second,
			expressions: compile(`http.*5\d\d`, `internal.*server.*error`, `bad gateway`, `gateway.*timeout`),
		},
		{
			Name: "http_429", Category: CategoryTemporary,
			Strategy: StrategyExponential, MaxRetries: 5,
			BaseDelay: 5 * time.Second, MaxDelay: 120 * time.Second,
			expressions: compile(`http.*429`, `too.*many.*requests`, `rate.*limit.*exceeded`),
		},
		{
			Name: "auth_token_expired", Category: CategoryAuthentication,
			Strategy: StrategyImmediate, MaxRetries: 2,
			Recovery:    RecoveryRefreshAuthToken,
			expressions: compile(`token.*expired`, `credentials?.*expired`),
		},
		{
			Name: "http_4xx_client", Category: CategoryAuthorization,
			Strategy: StrategyNone, MaxRetries: 0,
			expressions: compile(`http.*40[0-3]`, `unauthorized`, `forbidden`, `access.*denied`),
		},
		{
			Name: "disk_full", Category: CategoryResource,
			Strategy: StrategyLinear, MaxRetries: 2,
			BaseDelay: 30 * time.Second, MaxDelay: 120 * time.Second,
			Recovery:    RecoveryCleanupDiskSpace,
			expressions: compile(`no.*space.*left`, `disk.*full`, `quota.*exceeded`),
		},
		{
			Name: "memory_exhausted", Category: CategoryResource,
			Strategy: StrategyLinear, MaxRetries: 2,
			BaseDelay: 60 * time.Second, MaxDelay: 180 * time.Second,
			Recovery:    RecoveryFreeMemory,
			expressions: compile(`out.*of.*memory`, `cannot.*allocate.*memory`),
		},
		{
			Name: "service_unavailable", Category: CategoryDependency,
			Strategy: StrategyExponential, MaxRetries: 5,
			BaseDelay: 10 * time.Second, MaxDelay: 300 * time.Second,
			expressions: compile(`service.*unavailable`, `http.*503`),
		},
		{
			Name: "validation_failed", Category: CategoryValidation,
			Strategy: StrategyNone, MaxRetries: 0,
			expressions: compile(`validation.*failed`, `invalid.*(?:input|argument|parameter)`),
		},
		{
			Name: "configuration_error", Category: CategoryConfiguration,
			Strategy: StrategyNone, MaxRetries: 0,
			expressions: compile(`misconfigur`, `configuration.*(?:invalid|missing)`),
		},
		{
			Name: "temporary_failure", Category: CategoryTemporary,
			Strategy: StrategyExponential, MaxRetries: 3,
			BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second,
			expressions: compile(`try.*again.*later`, `temporar(?:y|ily).*(?:fail|unavailable)`),
		},
	}
}

// NewClassifier builds a classifier over the default pattern table.
func NewClassifier() *Classifier {
	return &Classifier{patterns: defaultPatterns()}
}

// Classify maps a failure message to the first matching pattern. Messages
// matching nothing fall back to a conservative unknown profile: at most two
// retries, exponential from five seconds.
func (c *Classifier) Classify(message string) Match {
	for _, p := range c.patterns {
		for _, expr := range p.expressions {
			if expr.MatchString(message) {
				return Match{
					Pattern:  p.Name,
					Category: p.Category,
					Profile: Policy{
						Strategy:      p.Strategy,
						MaxRetries:    p.MaxRetries,
						BaseDelay:     p.BaseDelay,
						MaxDelay:      p.MaxDelay,
						BackoffFactor: defaultBackoffFactor,
						Recovery:      p.Recovery,
					},
				}
			}
		}
	}
	return Match{
		Pattern:  "unclassified",
		Category: CategoryUnknown,
		Profile: Policy{
			Strategy:      StrategyExponential,
			MaxRetries:    2,
			BaseDelay:     5 * time.Second,
			MaxDelay:      60 * time.Second,
			BackoffFactor: defaultBackoffFactor,
		},
	}
}
