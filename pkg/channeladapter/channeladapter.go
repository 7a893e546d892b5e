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

// Package channeladapter implements the per-connection egress described in
// §4.2: one adapter per client connection, a bounded queue, and a
// backpressure policy that drops non-critical messages head-first but blocks
// (briefly) for critical ones before dropping the connection.
package channeladapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// criticalTopics is the closed set of message classes that must never be
// silently dropped: approval requests/resolutions, workflow terminal
// states, and worker offline notifications (spec §4.2).
var criticalTopics = map[string]bool{
	orchestratortypes.TopicWorkflowApprovalRequired: true,
	orchestratortypes.TopicWorkflowApprovalResolved: true,
	orchestratortypes.TopicWorkflowCompleted:        true,
	orchestratortypes.TopicWorkflowFailed:           true,
	orchestratortypes.TopicWorkflowCancelled:        true,
	orchestratortypes.TopicWorkflowTimeout:          true,
}

// IsCritical reports whether topic belongs to the critical message class.
// Worker status-changed events are only critical when they report an
// offline transition; the payload carries that detail, so callers that know
// the concrete payload shape should prefer IsCriticalEvent.
func IsCritical(topic string) bool {
	return criticalTopics[topic]
}

// WorkerStatusPayload is the minimal shape channeladapter needs to decide
// criticality of a worker.status.changed event without importing workerpool.
type WorkerStatusPayload interface {
	IsOfflineTransition() bool
}

// IsCriticalEvent reports criticality of a full event, accounting for the
// worker-offline special case within npu.worker.status.changed.
func IsCriticalEvent(event orchestratortypes.Event) bool {
	if IsCritical(event.Topic) {
		return true
	}
	if event.Topic == orchestratortypes.TopicWorkerStatusChanged {
		if p, ok := event.Payload.(WorkerStatusPayload); ok {
			return p.IsOfflineTransition()
		}
	}
	return false
}

// Sink writes a single event to the wire. Implementations (WebSocket, Slack)
// do the actual network I/O; QueueAdapter never touches the network itself.
type Sink interface {
	Send(event orchestratortypes.Event) error
	Close() error
}

// ErrDropped is returned by Deliver when a critical message could not be
// enqueued within the grace period and the adapter was torn down.
var ErrDropped = fmt.Errorf("channel adapter dropped: critical message exceeded block grace period")

// QueueAdapter is a bounded-queue eventbus.Subscriber bound to one Sink for
// its lifetime.
type QueueAdapter struct {
	id            string
	sink          Sink
	queue         chan orchestratortypes.Event
	criticalGrace time.Duration
	logger        logr.Logger

	mu       sync.Mutex
	closed   bool
	stopped  chan struct{}
	onDrop   func(id string)
}

// Config bundles the tunables every QueueAdapter needs.
type Config struct {
	Capacity      int
	CriticalGrace time.Duration
}

// New constructs a QueueAdapter bound to sink and starts its delivery pump.
func New(id string, sink Sink, cfg Config, logger logr.Logger) *QueueAdapter {
	a := &QueueAdapter{
		id:            id,
		sink:          sink,
		queue:         make(chan orchestratortypes.Event, cfg.Capacity),
		criticalGrace: cfg.CriticalGrace,
		logger:        logger,
		stopped:       make(chan struct{}),
	}
	go a.pump()
	return a
}

// OnDrop registers a callback invoked when the adapter tears itself down
// after a blocked critical enqueue exceeds its grace period.
func (a *QueueAdapter) OnDrop(fn func(id string)) {
	a.mu.Lock()
	a.onDrop = fn
	a.mu.Unlock()
}

// ID implements eventbus.Subscriber.
func (a *QueueAdapter) ID() string { return a.id }

// Deliver implements eventbus.Subscriber, applying the backpressure policy.
func (a *QueueAdapter) Deliver(event orchestratortypes.Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("adapter %s is closed", a.id)
	}
	a.mu.Unlock()

	select {
	case a.queue <- event:
		return nil
	default:
	}

	if !IsCriticalEvent(event) {
		// Drop-oldest: free one slot then enqueue, best-effort.
		select {
		case <-a.queue:
		default:
		}
		select {
		case a.queue <- event:
		default:
		}
		return nil
	}

	timer := time.NewTimer(a.criticalGrace)
	defer timer.Stop()
	select {
	case a.queue <- event:
		return nil
	case <-timer.C:
		a.drop()
		return ErrDropped
	}
}

func (a *QueueAdapter) drop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	cb := a.onDrop
	a.mu.Unlock()

	close(a.stopped)
	if err := a.sink.Close(); err != nil {
		a.logger.Error(err, "error closing adapter sink", "adapter_id", a.id)
	}
	if cb != nil {
		cb(a.id)
	}
}

// Close stops the delivery pump and closes the underlying sink.
func (a *QueueAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stopped)
	return a.sink.Close()
}

func (a *QueueAdapter) pump() {
	for {
		select {
		case <-a.stopped:
			return
		case event := <-a.queue:
			if err := a.sink.Send(event); err != nil {
				a.logger.Error(err, "sink send failed", "adapter_id", a.id, "topic", event.Topic)
			}
		}
	}
}

// Registry tracks live adapters by connection id for the ingress layer to
// look up (e.g. to close a connection when its owning workflow cancels).
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*QueueAdapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*QueueAdapter)}
}

// Add registers adapter under its own ID.
func (r *Registry) Add(adapter *QueueAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ID()] = adapter
	adapter.OnDrop(func(id string) {
		r.mu.Lock()
		delete(r.adapters, id)
		r.mu.Unlock()
	})
}

// Remove closes and forgets the adapter with id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	adapter, ok := r.adapters[id]
	delete(r.adapters, id)
	r.mu.Unlock()
	if ok {
		_ = adapter.Close()
	}
}

// Get returns the adapter with id, if present.
func (r *Registry) Get(id string) (*QueueAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Len returns the number of live adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
