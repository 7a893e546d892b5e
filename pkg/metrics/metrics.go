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

// Package metrics implements the Metrics Collector (spec §4.7): per-step
// timings, success/failure counters, per-workflow summaries, and a pull
// endpoint rendering current values in Prometheus exposition format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Collector is the Metrics Collector. It owns its own prometheus.Registry
// rather than registering onto the global default, so multiple Collectors
// (e.g. in tests) never collide. Zero value is not usable; use New.
type Collector struct {
	registry *prometheus.Registry

	stepDuration     *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	workflowsTotal   *prometheus.CounterVec
	activeWorkflows  *prometheus.GaugeVec
	workerLatency    *prometheus.GaugeVec
	workerLoad       *prometheus.GaugeVec
}

// New builds a Collector and registers its instruments on a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Step execution duration in seconds, by classification and agent_type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"classification", "agent_type", "outcome"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "step",
			Name:      "total",
			Help:      "Total steps executed, by classification, agent_type, and outcome.",
		}, []string{"classification", "agent_type", "outcome"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "workflow",
			Name:      "duration_seconds",
			Help:      "Workflow end-to-end duration in seconds, by classification and terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"classification", "status"}),
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "workflow",
			Name:      "total",
			Help:      "Total workflows reaching a terminal state, by classification and status.",
		}, []string{"classification", "status"}),
		activeWorkflows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "workflow",
			Name:      "active",
			Help:      "Currently executing workflows, by classification.",
		}, []string{"classification"}),
		workerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "worker",
			Name:      "latency_ms",
			Help:      "Observed dispatch latency percentiles per worker.",
		}, []string{"worker_id", "quantile"}),
		workerLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "worker",
			Name:      "current_load",
			Help:      "Current in-flight task count per worker.",
		}, []string{"worker_id"}),
	}

	registry.MustRegister(c.stepDuration, c.stepsTotal, c.workflowDuration,
		c.workflowsTotal, c.activeWorkflows, c.workerLatency, c.workerLoad)
	return c
}

// Registry exposes the underlying prometheus.Registry for a promhttp handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordStepDuration implements engine.MetricsRecorder.
func (c *Collector) RecordStepDuration(classification orchestratortypes.WorkflowClassification, agentType string, d time.Duration, success bool) {
	outcome := outcomeLabel(success)
	c.stepDuration.WithLabelValues(string(classification), agentType, outcome).Observe(d.Seconds())
	c.stepsTotal.WithLabelValues(string(classification), agentType, outcome).Inc()
}

// RecordWorkflowTerminal implements engine.MetricsRecorder.
func (c *Collector) RecordWorkflowTerminal(classification orchestratortypes.WorkflowClassification, status orchestratortypes.WorkflowStatus, d time.Duration) {
	c.workflowDuration.WithLabelValues(string(classification), string(status)).Observe(d.Seconds())
	c.workflowsTotal.WithLabelValues(string(classification), string(status)).Inc()
	c.activeWorkflows.WithLabelValues(string(classification)).Dec()
}

// RecordWorkflowStarted increments the active-workflow gauge for classification.
func (c *Collector) RecordWorkflowStarted(classification orchestratortypes.WorkflowClassification) {
	c.activeWorkflows.WithLabelValues(string(classification)).Inc()
}

// RecordWorkerSnapshot publishes a worker's current load and latency
// percentiles (spec's supplemented per-worker p50/p95 metric).
func (c *Collector) RecordWorkerSnapshot(worker *orchestratortypes.Worker) {
	c.workerLoad.WithLabelValues(worker.ID).Set(float64(worker.CurrentLoad))
	c.workerLatency.WithLabelValues(worker.ID, "p50").Set(worker.Metrics.P50LatencyMs)
	c.workerLatency.WithLabelValues(worker.ID, "p95").Set(worker.Metrics.P95LatencyMs)
}

// ActiveWorkflowsFor exposes the active-workflow gauge for one
// classification, for tests asserting on gauge value directly.
func (c *Collector) ActiveWorkflowsFor(classification orchestratortypes.WorkflowClassification) prometheus.Gauge {
	return c.activeWorkflows.WithLabelValues(string(classification))
}

// WorkerLoadFor exposes the current-load gauge for one worker.
func (c *Collector) WorkerLoadFor(workerID string) prometheus.Gauge {
	return c.workerLoad.WithLabelValues(workerID)
}

// WorkerLatencyFor exposes the latency gauge for one worker and quantile
// ("p50" or "p95").
func (c *Collector) WorkerLatencyFor(workerID, quantile string) prometheus.Gauge {
	return c.workerLatency.WithLabelValues(workerID, quantile)
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
