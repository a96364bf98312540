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
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	defaultFeedKey        = "praetor:awareness:feed"
	defaultChangesChannel = "praetor:rules:changes"
	defaultFeedMaxLen     = 10000
)

// RedisSink writes events to a Redis list so that an external indexer can
// drain them. The list is trimmed to a maximum length on every push; the
// oldest entries fall off first.
type RedisSink struct {
	client  *redis.Client
	feedKey string
	maxLen  int64
}

// RedisSinkOption customizes a RedisSink.
type RedisSinkOption func(*RedisSink)

// WithFeedKey overrides the Redis list key.
func WithFeedKey(key string) RedisSinkOption {
	return func(s *RedisSink) {
		if key != "" {
			s.feedKey = key
		}
	}
}

// WithFeedMaxLen overrides the retained feed length (0 disables trimming).
func WithFeedMaxLen(n int64) RedisSinkOption {
	return func(s *RedisSink) { s.maxLen = n }
}

// NewRedisSink creates a sink on an already-connected client.
func NewRedisSink(client *redis.Client, opts ...RedisSinkOption) *RedisSink {
	s := &RedisSink{
		client:  client,
		feedKey: defaultFeedKey,
		maxLen:  defaultFeedMaxLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreMemory pushes the event onto the feed list.
func (s *RedisSink) StoreMemory(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode awareness event: %w", err)
	}
	if err := s.client.LPush(ctx, s.feedKey, data).Err(); err != nil {
		return fmt.Errorf("push awareness event: %w", err)
	}
	if s.maxLen > 0 {
		if err := s.client.LTrim(ctx, s.feedKey, 0, s.maxLen-1).Err(); err != nil {
			return fmt.Errorf("trim awareness feed: %w", err)
		}
	}
	return nil
}

// RedisBroadcaster publishes rule changes on a Redis pub/sub channel.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

// NewRedisBroadcaster creates a broadcaster on an already-connected client.
// An empty channel name selects the default.
func NewRedisBroadcaster(client *redis.Client, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = defaultChangesChannel
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

// Broadcast publishes the change as JSON.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, change RuleChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode rule change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish rule change: %w", err)
	}
	return nil
}

// SubscribeChanges subscribes to the rule-change channel and decodes incoming
// messages until the context is cancelled. Used by peers that mirror rule
// state across machines.
func SubscribeChanges(ctx context.Context, client *redis.Client, channel string, handle func(RuleChange)) error {
	if channel == "" {
		channel = defaultChangesChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change RuleChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				continue
			}
			handle(change)
		}
	}
}
