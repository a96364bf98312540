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
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestPublisherDeliversToSink(t *testing.T) {
	sink := NewMemorySink(0)
	p := NewPublisher(sink, zap.NewNop())

	p.Emit("execution exec-1 started", "playbook_execution", map[string]any{"execution_id": "exec-1"}, []string{"execution", "start"})
	p.Emit("rule rule-1 created", "rule_change", nil, []string{"rules"})
	p.Close()

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("stored %d events, want 2", len(events))
	}
	first := events[0]
	if first.Content != "execution exec-1 started" || first.Category != "playbook_execution" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if first.Metadata["execution_id"] != "exec-1" {
		t.Fatalf("metadata = %#v", first.Metadata)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
	if got := sink.ByCategory("rule_change"); len(got) != 1 || got[0].Content != "rule rule-1 created" {
		t.Fatalf("ByCategory = %+v", got)
	}
}

// gateSink blocks inside StoreMemory until released, so tests can hold the
// worker busy and force queue overflow deterministically.
type gateSink struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateSink) StoreMemory(ctx context.Context, ev Event) error {
	g.started <- struct{}{}
	<-g.release
	return nil
}

func TestPublisherDropsOnOverflow(t *testing.T) {
	g := &gateSink{started: make(chan struct{}, 8), release: make(chan struct{}, 8)}
	var hooked atomic.Uint64
	p := NewPublisher(g, zap.NewNop(),
		WithQueueSize(1),
		WithDropHandler(func() { hooked.Add(1) }),
	)

	p.Emit("one", "test", nil, nil)
	<-g.started // worker is now busy with "one"

	p.Emit("two", "test", nil, nil)   // sits in the queue
	p.Emit("three", "test", nil, nil) // overflows

	if got := p.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if hooked.Load() != 1 {
		t.Fatalf("drop handler called %d times, want 1", hooked.Load())
	}

	g.release <- struct{}{}
	g.release <- struct{}{}
	p.Close()
}

func TestPublisherEmitAfterCloseDrops(t *testing.T) {
	p := NewPublisher(NewMemorySink(0), zap.NewNop())
	p.Close()
	p.Emit("late", "test", nil, nil)
	if p.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", p.Dropped())
	}
	p.Close() // second close is a no-op
}

func TestMemorySinkEviction(t *testing.T) {
	sink := NewMemorySink(2)
	for _, content := range []string{"a", "b", "c"} {
		if err := sink.StoreMemory(context.Background(), Event{Content: content}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	events := sink.Events()
	if len(events) != 2 || events[0].Content != "b" || events[1].Content != "c" {
		t.Fatalf("retained = %+v", events)
	}
}

func TestLocalBroadcasterFanOut(t *testing.T) {
	b := NewLocalBroadcaster()
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(1)
	defer cancel2()

	change := RuleChange{RuleID: "rule-1", ChangeType: "updated", SourceMachine: "node-a"}
	if err := b.Broadcast(context.Background(), change); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	got := <-ch1
	if got.RuleID != "rule-1" || got.ChangeType != "updated" {
		t.Fatalf("subscriber 1 got %+v", got)
	}
	if got := <-ch2; got.SourceMachine != "node-a" {
		t.Fatalf("subscriber 2 got %+v", got)
	}

	// A full subscriber buffer must not block the sender.
	if err := b.Broadcast(context.Background(), RuleChange{RuleID: "rule-2"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := b.Broadcast(context.Background(), RuleChange{RuleID: "rule-3"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	cancel1()
	if _, ok := <-ch1; ok {
		// rule-2 may still be buffered; drain until closed
		for range ch1 {
		}
	}
}
