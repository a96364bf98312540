/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package awareness publishes structured events to an external memory sink.
// Execution runs and rule changes both feed the same sink so that later
// analysis can correlate them. Publishing is strictly best-effort: a slow or
// dead sink must never stall a playbook step or a rule write, so events go
// through a bounded queue and are dropped on overflow.
package awareness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is one record destined for the memory sink.
type Event struct {
	Content   string         `json:"content"`
	Category  string         `json:"category"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink stores awareness events. Implementations must be safe for concurrent
// use; errors are logged by the publisher and never surfaced to callers.
type Sink interface {
	StoreMemory(ctx context.Context, event Event) error
}

// Indexer is an optional embedding/search surface that receives a semantic
// representation of each rule on create and update. Like the sink it is
// write-only and best-effort from this side.
type Indexer interface {
	Index(ctx context.Context, id, document string, metadata map[string]any) error
}

const (
	defaultQueueSize    = 256
	defaultStoreTimeout = 5 * time.Second
)

// Publisher pushes events to a Sink through a bounded queue serviced by a
// single worker goroutine. Emit never blocks and never returns an error.
type Publisher struct {
	sink         Sink
	logger       *zap.Logger
	storeTimeout time.Duration
	onDrop       func()

	queue   chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

// WithQueueSize sets the bounded queue capacity.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Event, n)
		}
	}
}

// WithStoreTimeout bounds each sink write.
func WithStoreTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.storeTimeout = d
		}
	}
}

// WithDropHandler installs a callback invoked once per dropped event.
func WithDropHandler(fn func()) PublisherOption {
	return func(p *Publisher) { p.onDrop = fn }
}

// NewPublisher creates a Publisher writing to sink and starts its worker.
func NewPublisher(sink Sink, logger *zap.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		sink:         sink,
		logger:       logger,
		storeTimeout: defaultStoreTimeout,
		queue:        make(chan Event, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Emit queues an event for delivery. If the queue is full or the publisher is
// closed the event is dropped and counted.
func (p *Publisher) Emit(content, category string, metadata map[string]any, tags []string) {
	ev := Event{
		Content:   content,
		Category:  category,
		Metadata:  metadata,
		Tags:      tags,
		Timestamp: time.Now().UTC(),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(ev)
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.drop(ev)
	}
}

// Dropped returns the number of events discarded so far.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close stops accepting events, delivers what is already queued and waits for
// the worker to finish.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	p.wg.Wait()
}

func (p *Publisher) drop(ev Event) {
	total := p.dropped.Add(1)
	if p.onDrop != nil {
		p.onDrop()
	}
	p.logger.Debug("awareness event dropped",
		zap.String("category", ev.Category),
		zap.Uint64("total_dropped", total),
	)
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.storeTimeout)
		if err := p.sink.StoreMemory(ctx, ev); err != nil {
			p.logger.Warn("awareness sink write failed",
				zap.String("category", ev.Category),
				zap.Error(err),
			)
		}
		cancel()
	}
}
