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

// Package workerpool implements the NPU Worker Pool (§4.4): worker
// lifecycle (pair/unpair), heartbeat-driven health transitions, and
// strategy-selectable load balancing for step dispatch.
package workerpool

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/eventbus"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

type entry struct {
	worker     *orchestratortypes.Worker
	credential *oauth2.Token
	breaker    *gobreaker.CircuitBreaker
	failures   int // consecutive RPC failures, tracks the spec's "two consecutive failures -> offline" rule
	latencies  []float64
}

// Config bundles the tunables read from §6 Configuration.
type Config struct {
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
	Strategy               Strategy
	RetryBudget            int
}

// Pool is the NPU Worker Pool. Zero value is not usable; use New.
type Pool struct {
	mu        sync.Mutex
	workers   map[string]*entry
	urlToID   map[string]string
	strategy  Strategy
	rrCursor  int
	rng       *rand.Rand
	transport Transport
	bus       *eventbus.Bus
	logger    logr.Logger
	cfg       Config
}

// New constructs a Pool dispatching over transport and publishing lifecycle
// events on bus.
func New(transport Transport, bus *eventbus.Bus, logger logr.Logger, cfg Config) *Pool {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLeastLoaded
	}
	return &Pool{
		workers:   make(map[string]*entry),
		urlToID:   make(map[string]string),
		strategy:  cfg.Strategy,
		transport: transport,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetStrategy changes the load balancing policy at runtime (PUT
// pool.load_balancing in §6).
func (p *Pool) SetStrategy(s Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
}

// Strategy returns the current load balancing policy.
func (p *Pool) Strategy() Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// Pair contacts the worker at url and registers it. Idempotent: pairing a
// url already paired returns the existing worker id without re-contacting
// it.
func (p *Pool) Pair(ctx context.Context, url, platform string, priority, weight, maxConcurrentTasks int) (string, error) {
	p.mu.Lock()
	if id, ok := p.urlToID[url]; ok {
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	id := uuid.NewString()
	credential := &oauth2.Token{
		AccessToken: uuid.NewString(),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(24 * time.Hour),
	}

	if err := p.transport.Pair(ctx, url, id, credential); err != nil {
		return "", apperrors.NewWorkerTransportError(err, id)
	}

	worker := &orchestratortypes.Worker{
		ID:                 id,
		URL:                url,
		Platform:           platform,
		Priority:           priority,
		Weight:             weight,
		MaxConcurrentTasks: maxConcurrentTasks,
		Status:             orchestratortypes.WorkerStatusOnline,
		CurrentLoad:        0,
		LastHeartbeat:      time.Now(),
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "worker-" + id,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})

	p.mu.Lock()
	p.workers[id] = &entry{worker: worker, credential: credential, breaker: breaker}
	p.urlToID[url] = id
	p.mu.Unlock()

	p.bus.Publish(orchestratortypes.TopicWorkerAdded, map[string]interface{}{"worker_id": id, "url": url})
	return id, nil
}

// Unpair revokes the credential and removes the worker.
func (p *Pool) Unpair(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.workers[id]
	if ok {
		delete(p.workers, id)
		delete(p.urlToID, e.worker.URL)
	}
	p.mu.Unlock()

	if !ok {
		return apperrors.NewNotFoundError("worker")
	}
	if err := p.transport.Unpair(ctx, e.worker.URL, id); err != nil {
		p.logger.Error(err, "unpair transport call failed", "worker_id", id)
	}
	p.bus.Publish(orchestratortypes.TopicWorkerRemoved, map[string]interface{}{"worker_id": id})
	return nil
}

// Repair re-runs the pairing handshake for an already-registered worker.
func (p *Pool) Repair(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("worker")
	}
	if err := p.transport.Pair(ctx, e.worker.URL, id, e.credential); err != nil {
		return apperrors.NewWorkerTransportError(err, id)
	}
	p.transitionStatus(id, orchestratortypes.WorkerStatusOnline)
	return nil
}

// Heartbeat records a worker's self-reported load and counters. A heartbeat
// from an id that is not registered (not paired) is rejected and never
// mutates registry state (spec §3 invariant, §8 property 6).
func (p *Pool) Heartbeat(workerID string, currentLoad int, tasksCompleted, tasksFailed int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.workers[workerID]
	if !ok {
		return apperrors.New(apperrors.ErrorTypeValidation, "heartbeat rejected: worker not paired")
	}

	e.worker.LastHeartbeat = time.Now()
	e.worker.CurrentLoad = currentLoad
	e.worker.Metrics.TasksCompleted = tasksCompleted
	e.worker.Metrics.TasksFailed = tasksFailed
	e.failures = 0

	if e.worker.Status != orchestratortypes.WorkerStatusOnline {
		p.setStatusLocked(e, orchestratortypes.WorkerStatusOnline)
	}
	return nil
}

// transitionStatus acquires the lock and delegates to setStatusLocked.
func (p *Pool) transitionStatus(workerID string, to orchestratortypes.WorkerStatus) {
	p.mu.Lock()
	e, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.setStatusLocked(e, to)
	p.mu.Unlock()
}

// setStatusLocked must be called with p.mu held. It publishes
// npu.worker.status.changed exactly once per actual transition.
func (p *Pool) setStatusLocked(e *entry, to orchestratortypes.WorkerStatus) {
	if e.worker.Status == to {
		return
	}
	from := e.worker.Status
	e.worker.Status = to
	p.bus.Publish(orchestratortypes.TopicWorkerStatusChanged, orchestratortypes.WorkerStatusChangedPayload{
		WorkerID: e.worker.ID,
		From:     from,
		To:       to,
	})
}

// MonitorHeartbeats runs the periodic health sweep: online -> degraded after
// one missed interval, degraded -> offline after 3x interval (spec §4.4).
// Returns a stop function.
func (p *Pool) MonitorHeartbeats(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				p.sweepHeartbeats(interval)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pool) sweepHeartbeats(interval time.Duration) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.workers {
		age := now.Sub(e.worker.LastHeartbeat)
		switch {
		case age >= 3*interval:
			p.setStatusLocked(e, orchestratortypes.WorkerStatusOffline)
		case age >= interval:
			if e.worker.Status == orchestratortypes.WorkerStatusOnline {
				p.setStatusLocked(e, orchestratortypes.WorkerStatusDegraded)
			}
		}
	}
}

// snapshot copies the live worker registry for lock-free reads (Status()).
func (p *Pool) snapshot() []*orchestratortypes.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// snapshotLocked is snapshot's body for callers that already hold p.mu.
func (p *Pool) snapshotLocked() []*orchestratortypes.Worker {
	out := make([]*orchestratortypes.Worker, 0, len(p.workers))
	for _, e := range p.workers {
		w := *e.worker
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// removeByID drops the candidate with the given id, preserving order.
func removeByID(candidates []*orchestratortypes.Worker, id string) []*orchestratortypes.Worker {
	out := candidates[:0:0]
	for _, w := range candidates {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}

// Acquire selects a worker under the current strategy and increments its
// current_load before returning. Callers MUST call Release when the
// dispatch completes (success or failure).
//
// Selection, the live at_capacity re-check, and the current_load increment
// all happen under one unbroken hold of p.mu so that two concurrent callers
// can never both select the same near-capacity worker and overcommit it
// (spec §4.4, §8 invariant 3: 0 <= current_load <= max_concurrent_tasks).
func (p *Pool) Acquire() (*orchestratortypes.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.snapshotLocked()

	for {
		var selected *orchestratortypes.Worker
		switch p.strategy {
		case StrategyRoundRobin:
			selected, p.rrCursor = selectRoundRobin(candidates, p.rrCursor)
		case StrategyWeighted:
			selected = selectWeighted(candidates, p.rng)
		case StrategyPriority:
			selected = selectPriority(candidates)
		default:
			selected = selectLeastLoaded(candidates)
		}

		if selected == nil {
			return nil, apperrors.New(apperrors.ErrorTypeNoCapacity, "no_worker_available")
		}

		e, ok := p.workers[selected.ID]
		if !ok || e.worker.AtCapacity() {
			// The live entry is gone or filled since the snapshot was taken
			// (by an earlier iteration of this same loop, since no other
			// goroutine can run while p.mu is held); drop it and re-select.
			candidates = removeByID(candidates, selected.ID)
			continue
		}

		e.worker.CurrentLoad++
		live := *e.worker
		return &live, nil
	}
}

// Release decrements current_load after a dispatch completes or fails.
func (p *Pool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[workerID]
	if !ok {
		return
	}
	if e.worker.CurrentLoad > 0 {
		e.worker.CurrentLoad--
	}
}

// Dispatch acquires a worker, runs the RPC through its circuit breaker, and
// retries on the next-best worker up to RetryBudget times before failing
// with no_capacity (spec §4.4 Failure semantics).
func (p *Pool) Dispatch(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	var lastErr error
	attempts := p.cfg.RetryBudget + 1
	for attempt := 0; attempt < attempts; attempt++ {
		worker, err := p.Acquire()
		if err != nil {
			return orchestratortypes.ExecutionResult{}, err
		}

		result, rpcErr := p.dispatchToWorker(ctx, worker, step)
		p.Release(worker.ID)
		if rpcErr == nil {
			return result, nil
		}
		lastErr = rpcErr
		p.logger.Error(rpcErr, "worker dispatch failed, retrying on next-best worker",
			"worker_id", worker.ID, "step_id", step.ID, "attempt", attempt)
	}
	return orchestratortypes.ExecutionResult{}, apperrors.NewNoCapacityError(step.ID, attempts).WithDetailsf("last error: %v", lastErr)
}

func (p *Pool) dispatchToWorker(ctx context.Context, worker *orchestratortypes.Worker, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	p.mu.Lock()
	e, ok := p.workers[worker.ID]
	p.mu.Unlock()
	if !ok {
		return orchestratortypes.ExecutionResult{}, apperrors.NewNotFoundError("worker")
	}

	start := time.Now()
	raw, err := e.breaker.Execute(func() (interface{}, error) {
		return p.transport.Dispatch(ctx, worker, step)
	})
	elapsed := time.Since(start)

	p.mu.Lock()
	p.recordLatencyLocked(e, elapsed)
	if err != nil {
		e.failures++
		if e.failures >= 2 {
			p.setStatusLocked(e, orchestratortypes.WorkerStatusOffline)
		} else {
			p.setStatusLocked(e, orchestratortypes.WorkerStatusDegraded)
		}
	} else {
		e.failures = 0
	}
	p.mu.Unlock()

	if err != nil {
		return orchestratortypes.ExecutionResult{}, apperrors.NewWorkerTransportError(err, worker.ID)
	}
	return raw.(orchestratortypes.ExecutionResult), nil
}

// recordLatencyLocked must be called with p.mu held.
func (p *Pool) recordLatencyLocked(e *entry, d time.Duration) {
	ms := float64(d.Milliseconds())
	e.latencies = append(e.latencies, ms)
	if len(e.latencies) > 200 {
		e.latencies = e.latencies[len(e.latencies)-200:]
	}
	sum := 0.0
	for _, v := range e.latencies {
		sum += v
	}
	e.worker.Metrics.MeanLatencyMs = sum / float64(len(e.latencies))
	e.worker.Metrics.P50LatencyMs = percentile(e.latencies, 0.50)
	e.worker.Metrics.P95LatencyMs = percentile(e.latencies, 0.95)
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Status returns a point-in-time snapshot of every registered worker.
func (p *Pool) Status() []*orchestratortypes.Worker {
	return p.snapshot()
}

// Len reports the number of registered (paired) workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
