/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package awareness

import (
	"context"
	"sync"
)

// MemorySink keeps the most recent events in memory. It backs tests and
// single-node deployments that run without Redis.
type MemorySink struct {
	mu     sync.Mutex
	max    int
	events []Event
}

// NewMemorySink creates a sink retaining at most max events (0 means 1024).
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1024
	}
	return &MemorySink{max: max}
}

// StoreMemory appends the event, evicting the oldest once full.
func (s *MemorySink) StoreMemory(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByCategory returns retained events with the given category, oldest first.
func (s *MemorySink) ByCategory(category string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Category == category {
			out = append(out, ev)
		}
	}
	return out
}
