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
	"time"
)

// RuleChange is broadcast whenever a rule is created, updated or deleted so
// that other nodes can refresh their local state.
type RuleChange struct {
	RuleID        string         `json:"rule_id"`
	ChangeType    string         `json:"change_type"`
	RuleData      map[string]any `json:"rule_data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	SourceMachine string         `json:"source_machine"`
}

// Broadcaster fans rule changes out to interested peers. Best-effort, like
// the sink: callers log failures and move on.
type Broadcaster interface {
	Broadcast(ctx context.Context, change RuleChange) error
}

// LocalBroadcaster delivers changes to in-process subscribers. Slow
// subscribers miss events rather than block the sender.
type LocalBroadcaster struct {
	mu   sync.Mutex
	subs map[int]chan RuleChange
	next int
}

// NewLocalBroadcaster creates an empty broadcaster.
func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{subs: make(map[int]chan RuleChange)}
}

// Subscribe registers a listener. The returned cancel function removes it.
func (b *LocalBroadcaster) Subscribe(buffer int) (<-chan RuleChange, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan RuleChange, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast sends the change to every subscriber without blocking.
func (b *LocalBroadcaster) Broadcast(_ context.Context, change RuleChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}
