/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package eventbus implements the in-process topic pub/sub described in
// §4.1: publish enqueues to every matching subscriber and returns without
// waiting on network sends; ordering is preserved per-producer-per-adapter
// because publish is a synchronous call from the publishing goroutine.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Subscriber receives events matching one or more topic patterns it
// registered for. Deliver must not block on network I/O; implementations
// (channel adapters) enqueue to their own bounded queue and return.
type Subscriber interface {
	ID() string
	Deliver(event orchestratortypes.Event) error
}

const defaultFailureThreshold = 5

// Bus is the in-process event bus. Zero value is not usable; use New.
type Bus struct {
	mu               sync.RWMutex
	bySubscriber     map[string]Subscriber
	patterns         map[string]map[string]struct{} // subscriberID -> set of patterns
	seq              uint64
	logger           logr.Logger
	failures         map[string]int
	failureThreshold int
	onEvict          func(subscriberID string)
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithFailureThreshold overrides the default consecutive-failure eviction
// threshold (default 5).
func WithFailureThreshold(n int) Option {
	return func(b *Bus) { b.failureThreshold = n }
}

// WithEvictionCallback registers a hook invoked when a subscriber is evicted
// after repeated delivery failures.
func WithEvictionCallback(fn func(subscriberID string)) Option {
	return func(b *Bus) { b.onEvict = fn }
}

// New constructs a Bus that logs delivery failures through logger.
func New(logger logr.Logger, opts ...Option) *Bus {
	b := &Bus{
		bySubscriber:     make(map[string]Subscriber),
		patterns:         make(map[string]map[string]struct{}),
		logger:           logger,
		failures:         make(map[string]int),
		failureThreshold: defaultFailureThreshold,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers adapter to receive events whose topic matches pattern.
// A pattern is an exact topic name, "*" (match every topic), or a
// single-level wildcard of the form "prefix.*" matching exactly one more
// dotted segment after prefix.
func (b *Bus) Subscribe(pattern string, adapter Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySubscriber[adapter.ID()] = adapter
	if b.patterns[adapter.ID()] == nil {
		b.patterns[adapter.ID()] = make(map[string]struct{})
	}
	b.patterns[adapter.ID()][pattern] = struct{}{}
}

// RegisterEgress subscribes adapter to every topic; the adapter is expected
// to apply its own per-client filter before forwarding to the wire.
func (b *Bus) RegisterEgress(adapter Subscriber) {
	b.Subscribe("*", adapter)
}

// Unsubscribe removes adapter from every pattern it registered for.
func (b *Bus) Unsubscribe(adapter Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bySubscriber, adapter.ID())
	delete(b.patterns, adapter.ID())
	delete(b.failures, adapter.ID())
}

// Publish enqueues payload under topic to every currently matching
// subscriber and returns; it never waits on a subscriber's own network I/O.
func (b *Bus) Publish(topic string, payload interface{}) orchestratortypes.Event {
	event := orchestratortypes.Event{
		Topic:     topic,
		Payload:   payload,
		Sequence:  atomic.AddUint64(&b.seq, 1),
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	type target struct {
		id  string
		sub Subscriber
	}
	var targets []target
	for id, sub := range b.bySubscriber {
		for pattern := range b.patterns[id] {
			if matches(pattern, topic) {
				targets = append(targets, target{id: id, sub: sub})
				break
			}
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		if err := t.sub.Deliver(event); err != nil {
			b.recordFailure(t.id, err)
		} else {
			b.clearFailure(t.id)
		}
	}
	return event
}

func (b *Bus) recordFailure(subscriberID string, err error) {
	b.mu.Lock()
	b.failures[subscriberID]++
	count := b.failures[subscriberID]
	var evict Subscriber
	if count >= b.failureThreshold {
		evict = b.bySubscriber[subscriberID]
		delete(b.bySubscriber, subscriberID)
		delete(b.patterns, subscriberID)
		delete(b.failures, subscriberID)
	}
	b.mu.Unlock()

	b.logger.Error(err, "adapter delivery failed", "subscriber_id", subscriberID, "consecutive_failures", count)
	if evict != nil {
		b.logger.Info("evicting unhealthy adapter", "subscriber_id", subscriberID)
		if b.onEvict != nil {
			b.onEvict(subscriberID)
		}
	}
}

func (b *Bus) clearFailure(subscriberID string) {
	b.mu.Lock()
	delete(b.failures, subscriberID)
	b.mu.Unlock()
}

// matches reports whether topic satisfies pattern.
func matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return false
	}
	if !strings.HasPrefix(topic, prefix+".") {
		return false
	}
	rest := topic[len(prefix)+1:]
	return !strings.Contains(rest, ".")
}
