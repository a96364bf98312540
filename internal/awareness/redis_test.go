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
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisSinkPushesAndTrims(t *testing.T) {
	mr, client := newTestRedis(t)
	sink := NewRedisSink(client, WithFeedKey("test:feed"), WithFeedMaxLen(2))

	for _, content := range []string{"a", "b", "c"} {
		err := sink.StoreMemory(context.Background(), Event{
			Content:   content,
			Category:  "test",
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("store %q: %v", content, err)
		}
	}

	items, err := mr.List("test:feed")
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("feed holds %d entries, want 2", len(items))
	}
	// LPUSH puts the newest entry at the head; the trim dropped "a".
	var newest, oldest Event
	if err := json.Unmarshal([]byte(items[0]), &newest); err != nil {
		t.Fatalf("decode feed entry: %v", err)
	}
	if err := json.Unmarshal([]byte(items[1]), &oldest); err != nil {
		t.Fatalf("decode feed entry: %v", err)
	}
	if newest.Content != "c" || oldest.Content != "b" {
		t.Fatalf("feed = [%q, %q], want [c, b]", newest.Content, oldest.Content)
	}
}

func TestBroadcastSubscribeRoundTrip(t *testing.T) {
	_, client := newTestRedis(t)
	b := NewRedisBroadcaster(client, "test:changes")

	received := make(chan RuleChange, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- SubscribeChanges(ctx, client, "test:changes", func(c RuleChange) {
			received <- c
		})
	}()

	// Publishing before the SUBSCRIBE lands would drop the message, so wait
	// for the channel to report a subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.PubSubNumSub(context.Background(), "test:changes").Result()
		if err != nil {
			t.Fatalf("pubsub numsub: %v", err)
		}
		if n["test:changes"] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	change := RuleChange{
		RuleID:        "rule-9",
		ChangeType:    "created",
		SourceMachine: "node-b",
		Timestamp:     time.Now().UTC(),
	}
	if err := b.Broadcast(context.Background(), change); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case got := <-received:
		if got.RuleID != "rule-9" || got.ChangeType != "created" || got.SourceMachine != "node-b" {
			t.Fatalf("received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change never arrived")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v, want context.Canceled", err)
	}
}

func TestSubscribeChangesSkipsMalformedPayloads(t *testing.T) {
	_, client := newTestRedis(t)

	received := make(chan RuleChange, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- SubscribeChanges(ctx, client, "test:changes", func(c RuleChange) {
			received <- c
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.PubSubNumSub(context.Background(), "test:changes").Result()
		if err != nil {
			t.Fatalf("pubsub numsub: %v", err)
		}
		if n["test:changes"] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := client.Publish(context.Background(), "test:changes", "not json").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	b := NewRedisBroadcaster(client, "test:changes")
	if err := b.Broadcast(context.Background(), RuleChange{RuleID: "rule-after"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case got := <-received:
		if got.RuleID != "rule-after" {
			t.Fatalf("received %+v, want the change after the garbage", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid change never arrived")
	}
	cancel()
	<-done
}
