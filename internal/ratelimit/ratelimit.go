/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit bounds playbook execution load. It enforces global and
// per-playbook concurrency limits plus hourly start rates; dry runs draw on
// a small extra allowance so previews stay available under load.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures execution limiting. Zero fields mean no limit of that
// kind.
type Config struct {
	// MaxConcurrent is the global limit on simultaneously running
	// executions. Paused and approval-gated runs still hold a slot.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// MaxConcurrentPerPlaybook limits simultaneous runs of one playbook.
	MaxConcurrentPerPlaybook int `json:"max_concurrent_per_playbook,omitempty"`

	// MaxStartsPerHour is the global limit on execution starts per hour.
	MaxStartsPerHour int `json:"max_starts_per_hour,omitempty"`

	// MaxStartsPerHourPerPlaybook limits starts of one playbook per hour.
	MaxStartsPerHourPerPlaybook int `json:"max_starts_per_hour_per_playbook,omitempty"`

	// DryRunAllowance grants this many extra slots to dry runs beyond the
	// global limits.
	DryRunAllowance int `json:"dry_run_allowance,omitempty"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:               10,
		MaxConcurrentPerPlaybook:    2,
		MaxStartsPerHour:            200,
		MaxStartsPerHourPerPlaybook: 30,
		DryRunAllowance:             5,
	}
}

// Decision reports whether a start is allowed and, when it is not, why.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks execution concurrency and start rates.
type Limiter struct {
	config Config

	mu sync.Mutex

	concurrent map[string]int // playbook name → running count
	totalConc  int

	history []startRecord
}

type startRecord struct {
	playbook string
	time     time.Time
}

// NewLimiter creates a limiter with the given bounds.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		config:     cfg,
		concurrent: make(map[string]int),
	}
}

// Allow checks whether starting playbook now stays within every bound.
func (l *Limiter) Allow(playbook string, dryRun bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneHistory(now)

	if max := l.config.MaxConcurrentPerPlaybook; max > 0 && l.concurrent[playbook] >= max {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-playbook concurrency limit reached (%d/%d)", l.concurrent[playbook], max),
		}
	}

	if max := l.config.MaxConcurrent; max > 0 {
		if dryRun {
			max += l.config.DryRunAllowance
		}
		if l.totalConc >= max {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("global concurrency limit reached (%d/%d)", l.totalConc, max),
			}
		}
	}

	if max := l.config.MaxStartsPerHourPerPlaybook; max > 0 {
		if count := l.countPlaybook(playbook, now); count >= max {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("per-playbook rate limit reached (%d starts in last hour, max %d)", count, max),
			}
		}
	}

	if max := l.config.MaxStartsPerHour; max > 0 {
		if dryRun {
			max += l.config.DryRunAllowance
		}
		if len(l.history) >= max {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("global rate limit reached (%d starts in last hour, max %d)", len(l.history), max),
			}
		}
	}

	return Decision{Allowed: true}
}

// RecordStart marks an execution as started.
func (l *Limiter) RecordStart(playbook string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrent[playbook]++
	l.totalConc++
	l.history = append(l.history, startRecord{playbook: playbook, time: time.Now()})
}

// RecordComplete marks an execution as finished, releasing its slot.
func (l *Limiter) RecordComplete(playbook string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.concurrent[playbook] > 0 {
		l.concurrent[playbook]--
	}
	if l.totalConc > 0 {
		l.totalConc--
	}
}

// Stats is a point-in-time view of limiter state.
type Stats struct {
	ConcurrentTotal      int
	ConcurrentByPlaybook map[string]int
	StartsLastHour       int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneHistory(time.Now())

	byPlaybook := make(map[string]int, len(l.concurrent))
	for k, v := range l.concurrent {
		byPlaybook[k] = v
	}

	return Stats{
		ConcurrentTotal:      l.totalConc,
		ConcurrentByPlaybook: byPlaybook,
		StartsLastHour:       len(l.history),
	}
}

// pruneHistory removes start records older than 1 hour.
func (l *Limiter) pruneHistory(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}

// countPlaybook counts starts of one playbook inside the history window.
func (l *Limiter) countPlaybook(playbook string, now time.Time) int {
	count := 0
	cutoff := now.Add(-1 * time.Hour)
	for _, r := range l.history {
		if r.playbook == playbook && !r.time.Before(cutoff) {
			count++
		}
	}
	return count
}
