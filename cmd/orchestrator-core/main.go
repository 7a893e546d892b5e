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

// Command orchestrator-core wires the core's components into a root Core
// struct (no package-level globals, per design note §9) and serves the
// Ingress HTTP API and metrics pull endpoint until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/jordigilh/orchestrator-core/internal/config"
	"github.com/jordigilh/orchestrator-core/pkg/approval"
	"github.com/jordigilh/orchestrator-core/pkg/durablestore"
	"github.com/jordigilh/orchestrator-core/pkg/engine"
	"github.com/jordigilh/orchestrator-core/pkg/eventbus"
	"github.com/jordigilh/orchestrator-core/pkg/executor"
	"github.com/jordigilh/orchestrator-core/pkg/ingress"
	ingresshttp "github.com/jordigilh/orchestrator-core/pkg/ingress/http"
	"github.com/jordigilh/orchestrator-core/pkg/metrics"
	"github.com/jordigilh/orchestrator-core/pkg/workerpool"
)

// core bundles every long-lived component the process owns. All
// cross-component coordination happens through this struct's fields rather
// than package-level state.
type core struct {
	cfg     *config.Config
	bus     *eventbus.Bus
	gate    *approval.Gate
	pool    *workerpool.Pool
	engine  *engine.Engine
	metrics *metrics.Collector
	store   durablestore.Store // nil when cfg.DurableStore.Backend == "none"

	httpServer    *http.Server
	metricsServer *metrics.Server
	stopHeartbeat func()
	stopGC        func()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the orchestrator core config file")
	flag.Parse()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := zapr.NewLogger(zapLogger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error(err, "failed to load config")
		os.Exit(1)
	}
	logger.Info("loaded config", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error(err, "failed to build core")
		os.Exit(1)
	}
	defer c.stop(context.Background())

	c.start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown signal received")
}

func build(ctx context.Context, cfg *config.Config, logger logr.Logger) (*core, error) {
	bus := eventbus.New(logger)
	gate := approval.New(bus, logger)

	pool := workerpool.New(workerpool.NewHTTPTransport(), bus, logger, workerpool.Config{
		HeartbeatInterval:      cfg.Workers.HeartbeatInterval,
		HeartbeatMissThreshold: cfg.Workers.HeartbeatMissThreshold,
		Strategy:               workerpool.Strategy(cfg.Workers.LoadBalancingStrategy),
		RetryBudget:            cfg.Workers.RetryBudget,
	})

	registry := executor.NewRegistry()
	executor.RegisterBuiltins(registry)
	registry.Register("remote", executor.NewRemoteExecutor(pool))
	runner := executor.NewRunner(registry).WithLocalTimeout(cfg.Engine.DefaultStepTimeout)

	collector := metrics.New()

	eng := engine.New(engine.NewKeywordPlanner(), runner, gate, bus, collector, logger, engine.Config{
		MaxConcurrentWorkflows: cfg.Engine.MaxConcurrentWorkflows,
		ApprovalTimeoutDefault: cfg.Approval.DefaultTimeout,
		CancelGracePeriod:      5 * time.Second,
	})

	var store durablestore.Store
	if cfg.DurableStore.Backend != "none" {
		var err error
		store, err = durablestore.Open(ctx, cfg.DurableStore.Backend, cfg.DurableStore.PostgresDSN, cfg.DurableStore.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("open durable store: %w", err)
		}
	}

	api := ingress.New(eng, pool, logger)
	router := ingresshttp.NewRouter(api, bus, ingresshttp.Config{
		AllowedOrigins: []string{"*"},
		QueueCapacity:  cfg.Adapters.QueueCapacity,
		CriticalGrace:  cfg.Adapters.CriticalBlockGrace,
	}, logger)

	return &core{
		cfg:     cfg,
		bus:     bus,
		gate:    gate,
		pool:    pool,
		engine:  eng,
		metrics: collector,
		store:   store,
		httpServer: &http.Server{
			Addr:    ":" + cfg.Server.HTTPPort,
			Handler: router,
		},
		metricsServer: metrics.NewServer(cfg.Server.MetricsPort, collector, logger),
	}, nil
}

func (c *core) start() {
	c.metricsServer.StartAsync()

	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Nothing to recover into at this point beyond logging; the
			// process is expected to be restarted by its supervisor.
			fmt.Fprintf(os.Stderr, "ingress server stopped: %v\n", err)
		}
	}()

	c.stopHeartbeat = c.pool.MonitorHeartbeats(c.cfg.Workers.HeartbeatInterval)
	c.stopGC = c.gate.RunGC(c.cfg.Approval.GCInterval)
}

func (c *core) stop(ctx context.Context) {
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
	}
	if c.stopGC != nil {
		c.stopGC()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = c.httpServer.Shutdown(shutdownCtx)
	_ = c.metricsServer.Stop(shutdownCtx)

	if c.store != nil {
		_ = c.store.Close()
	}
}
