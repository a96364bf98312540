/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ratelimit

import (
	"testing"
)

func TestAllow_UnderLimits(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	d := l.Allow("restart-nginx", false)
	if !d.Allowed {
		t.Fatalf("expected allowed, got: %s", d.Reason)
	}
}

func TestAllow_PerPlaybookConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerPlaybook = 1
	l := NewLimiter(cfg)

	l.RecordStart("restart-nginx")

	d := l.Allow("restart-nginx", false)
	if d.Allowed {
		t.Fatal("expected blocked by per-playbook concurrency")
	}

	// A different playbook should still be allowed
	d2 := l.Allow("rotate-logs", false)
	if !d2.Allowed {
		t.Fatalf("different playbook should be allowed: %s", d2.Reason)
	}
}

func TestAllow_GlobalConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.MaxConcurrentPerPlaybook = 5
	l := NewLimiter(cfg)

	l.RecordStart("a")
	l.RecordStart("b")

	d := l.Allow("c", false)
	if d.Allowed {
		t.Fatal("expected blocked by global concurrency")
	}

	// Dry runs get the extra allowance
	d2 := l.Allow("c", true)
	if !d2.Allowed {
		t.Fatalf("dry run should get the allowance: %s", d2.Reason)
	}
}

func TestAllow_PerPlaybookRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStartsPerHourPerPlaybook = 3
	cfg.MaxConcurrentPerPlaybook = 100
	cfg.MaxConcurrent = 100
	l := NewLimiter(cfg)

	// Start + complete to avoid the concurrency bounds
	for i := 0; i < 3; i++ {
		l.RecordStart("deploy")
		l.RecordComplete("deploy")
	}

	d := l.Allow("deploy", false)
	if d.Allowed {
		t.Fatal("expected blocked by per-playbook rate limit")
	}

	d2 := l.Allow("rotate-logs", false)
	if !d2.Allowed {
		t.Fatalf("different playbook should be allowed: %s", d2.Reason)
	}
}

func TestAllow_GlobalRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStartsPerHour = 5
	cfg.MaxStartsPerHourPerPlaybook = 100
	cfg.MaxConcurrentPerPlaybook = 100
	cfg.MaxConcurrent = 100
	l := NewLimiter(cfg)

	for i := 0; i < 5; i++ {
		l.RecordStart("pb-" + string(rune('a'+i)))
		l.RecordComplete("pb-" + string(rune('a'+i)))
	}

	d := l.Allow("pb-z", false)
	if d.Allowed {
		t.Fatal("expected blocked by global rate limit")
	}
}

func TestZeroBoundsAreUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 50; i++ {
		l.RecordStart("anything")
	}
	if d := l.Allow("anything", false); !d.Allowed {
		t.Fatalf("zero config must not limit: %s", d.Reason)
	}
}

func TestRecordStartComplete(t *testing.T) {
	l := NewLimiter(DefaultConfig())

	l.RecordStart("a")
	l.RecordStart("a")
	stats := l.GetStats()
	if stats.ConcurrentTotal != 2 {
		t.Fatalf("expected 2 concurrent, got %d", stats.ConcurrentTotal)
	}
	if stats.ConcurrentByPlaybook["a"] != 2 {
		t.Fatalf("expected 2 for playbook a, got %d", stats.ConcurrentByPlaybook["a"])
	}

	l.RecordComplete("a")
	l.RecordComplete("a")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 0 {
		t.Fatalf("expected 0 concurrent, got %d", stats.ConcurrentTotal)
	}

	// Complete on empty should not go negative
	l.RecordComplete("a")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 0 {
		t.Fatalf("should not go negative, got %d", stats.ConcurrentTotal)
	}
	if stats.StartsLastHour != 2 {
		t.Fatalf("history should keep completed starts, got %d", stats.StartsLastHour)
	}
}
