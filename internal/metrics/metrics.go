/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the praetor daemon.
//
// All metrics are registered with the package Registry, which the control
// API serves on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - praetor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every praetor metric. The daemon serves it on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// ExecutionsTotal counts playbook executions by terminal state.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praetor_executions_total",
			Help: "Total number of playbook executions by terminal state.",
		},
		[]string{"state"},
	)

	// ExecutionDurationSeconds is a histogram of run duration by playbook.
	ExecutionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "praetor_execution_duration_seconds",
			Help:    "Duration of playbook executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"playbook"},
	)

	// ActiveExecutions is the number of currently running executions.
	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "praetor_active_executions",
			Help: "Number of playbook executions currently running.",
		},
	)

	// StepsTotal counts executed steps by action and terminal state.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praetor_steps_total",
			Help: "Total number of steps by action and terminal state.",
		},
		[]string{"action", "state"},
	)

	// StepRetriesTotal counts retry attempts by failure category.
	StepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praetor_step_retries_total",
			Help: "Total step retry attempts by failure category.",
		},
		[]string{"category"},
	)

	// BreakerRejectionsTotal counts retries suppressed by an open breaker.
	BreakerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praetor_breaker_rejections_total",
			Help: "Total retry decisions rejected because the circuit breaker was open.",
		},
		[]string{"category"},
	)

	// RollbacksTotal counts rollback sweeps by outcome.
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praetor_rollbacks_total",
			Help: "Total rollback sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	// RuleEvaluationsTotal counts rule evaluation passes.
	RuleEvaluationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "praetor_rule_evaluations_total",
			Help: "Total rule evaluation passes.",
		},
	)

	// RuleEvaluationSeconds is a histogram of rule evaluation latency.
	RuleEvaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "praetor_rule_evaluation_seconds",
			Help:    "Latency of rule evaluation passes in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// AwarenessDroppedTotal counts awareness events dropped on overflow.
	AwarenessDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "praetor_awareness_dropped_total",
			Help: "Total awareness events dropped because the queue was full.",
		},
	)

	// RateLimitedTotal counts execution starts rejected by the run limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praetor_rate_limited_total",
			Help: "Total execution starts rejected by the run limiter.",
		},
		[]string{"playbook"},
	)
)

func init() {
	Registry.MustRegister(
		ExecutionsTotal,
		ExecutionDurationSeconds,
		ActiveExecutions,
		StepsTotal,
		StepRetriesTotal,
		BreakerRejectionsTotal,
		RollbacksTotal,
		RuleEvaluationsTotal,
		RuleEvaluationSeconds,
		AwarenessDroppedTotal,
		RateLimitedTotal,
	)
}

// RecordExecutionComplete records metrics for a finished execution.
func RecordExecutionComplete(playbook, state string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(state).Inc()
	ExecutionDurationSeconds.WithLabelValues(playbook).Observe(duration.Seconds())
}

// RecordStep records a step reaching a terminal state.
func RecordStep(action, state string) {
	StepsTotal.WithLabelValues(action, state).Inc()
}

// RecordRetry records one retry attempt.
func RecordRetry(category string) {
	StepRetriesTotal.WithLabelValues(category).Inc()
}

// RecordBreakerRejection records a retry suppressed by an open breaker.
func RecordBreakerRejection(category string) {
	BreakerRejectionsTotal.WithLabelValues(category).Inc()
}

// RecordRollback records a rollback sweep outcome.
func RecordRollback(outcome string) {
	RollbacksTotal.WithLabelValues(outcome).Inc()
}

// RecordRuleEvaluation records one rule evaluation pass.
func RecordRuleEvaluation(duration time.Duration) {
	RuleEvaluationsTotal.Inc()
	RuleEvaluationSeconds.Observe(duration.Seconds())
}

// RecordAwarenessDrop records one dropped awareness event.
func RecordAwarenessDrop() {
	AwarenessDroppedTotal.Inc()
}

// RecordRateLimited records one execution start rejected by the limiter.
func RecordRateLimited(playbook string) {
	RateLimitedTotal.WithLabelValues(playbook).Inc()
}
