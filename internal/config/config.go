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

// Package config loads and validates the orchestrator core's configuration
// (§6 of the design) from YAML, applies environment overrides, and can watch
// the file for live reload of the hot-reloadable options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
)

// ServerConfig holds the listener configuration for the ingress HTTP API and
// the metrics pull endpoint.
type ServerConfig struct {
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// ApprovalConfig configures the Approval Gate (§4.3).
type ApprovalConfig struct {
	DefaultTimeout time.Duration `yaml:"approval_timeout_default"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	MemoryTTL      time.Duration `yaml:"memory_ttl"`
}

// WorkerPoolConfig configures the NPU Worker Pool (§4.4).
type WorkerPoolConfig struct {
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissThreshold int           `yaml:"heartbeat_miss_threshold"`
	LoadBalancingStrategy  string        `yaml:"load_balancing_strategy"`
	RetryBudget            int           `yaml:"retry_budget"`
}

// EngineConfig configures the Workflow Engine (§4.6) and step timeouts (§4.5).
type EngineConfig struct {
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows"`
	DefaultStepTimeout     time.Duration `yaml:"default_step_timeout"`
	ApprovalStepTimeout    time.Duration `yaml:"approval_step_timeout"`
}

// AdapterConfig configures the Channel Adapter Registry's per-client
// backpressure policy (§4.2).
type AdapterConfig struct {
	QueueCapacity      int           `yaml:"adapter_queue_capacity"`
	CriticalBlockGrace time.Duration `yaml:"critical_block_grace"`
}

// DurableStoreConfig selects and configures the optional terminal-record
// store (§6 Persisted state layout).
type DurableStoreConfig struct {
	Backend     string `yaml:"backend"` // "none", "postgres", "redis"
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
}

// LoggingConfig configures the zap-backed structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the orchestrator core's root configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Approval     ApprovalConfig      `yaml:"approval"`
	Workers      WorkerPoolConfig    `yaml:"workers"`
	Engine       EngineConfig        `yaml:"engine"`
	Adapters     AdapterConfig       `yaml:"adapters"`
	DurableStore DurableStoreConfig  `yaml:"durable_store"`
	Logging      LoggingConfig       `yaml:"logging"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:    "8080",
			MetricsPort: "9090",
		},
		Approval: ApprovalConfig{
			DefaultTimeout: time.Hour,
			GCInterval:     30 * time.Second,
			MemoryTTL:      24 * time.Hour,
		},
		Workers: WorkerPoolConfig{
			HeartbeatInterval:      10 * time.Second,
			HeartbeatMissThreshold: 1,
			LoadBalancingStrategy:  "least_loaded",
			RetryBudget:            2,
		},
		Engine: EngineConfig{
			MaxConcurrentWorkflows: 100,
			DefaultStepTimeout:     5 * time.Minute,
			ApprovalStepTimeout:    time.Hour,
		},
		Adapters: AdapterConfig{
			QueueCapacity:      1024,
			CriticalBlockGrace: 5 * time.Second,
		},
		DurableStore: DurableStoreConfig{
			Backend: "none",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, parses, env-overrides, and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "failed to read config file: %s", path)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "failed to parse config file: %s", path)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("ORCHESTRATOR_HTTP_PORT"); v != "" {
		cfg.Server.HTTPPort = v
	}
	if v := os.Getenv("ORCHESTRATOR_METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOAD_BALANCING_STRATEGY"); v != "" {
		cfg.Workers.LoadBalancingStrategy = v
	}
	if v := os.Getenv("ORCHESTRATOR_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid ORCHESTRATOR_MAX_CONCURRENT_WORKFLOWS")
		}
		cfg.Engine.MaxConcurrentWorkflows = n
	}
	if v := os.Getenv("ORCHESTRATOR_DURABLE_STORE_BACKEND"); v != "" {
		cfg.DurableStore.Backend = v
	}
	if v := os.Getenv("ORCHESTRATOR_POSTGRES_DSN"); v != "" {
		cfg.DurableStore.PostgresDSN = v
	}
	if v := os.Getenv("ORCHESTRATOR_REDIS_ADDR"); v != "" {
		cfg.DurableStore.RedisAddr = v
	}
	return nil
}

var validStrategies = map[string]bool{
	"round_robin":  true,
	"least_loaded": true,
	"weighted":     true,
	"priority":     true,
}

func validate(cfg *Config) error {
	if !validStrategies[cfg.Workers.LoadBalancingStrategy] {
		return apperrors.Newf(apperrors.ErrorTypeValidation, "unsupported load balancing strategy: %s", cfg.Workers.LoadBalancingStrategy)
	}
	if cfg.Engine.MaxConcurrentWorkflows <= 0 {
		return apperrors.New(apperrors.ErrorTypeValidation, "max concurrent workflows must be greater than 0")
	}
	if cfg.Adapters.QueueCapacity <= 0 {
		return apperrors.New(apperrors.ErrorTypeValidation, "adapter queue capacity must be greater than 0")
	}
	if cfg.Approval.DefaultTimeout <= 0 {
		return apperrors.New(apperrors.ErrorTypeValidation, "approval_timeout_default must be greater than 0")
	}
	if cfg.Workers.HeartbeatInterval <= 0 {
		return apperrors.New(apperrors.ErrorTypeValidation, "heartbeat_interval must be greater than 0")
	}
	switch cfg.DurableStore.Backend {
	case "none":
	case "postgres":
		if cfg.DurableStore.PostgresDSN == "" {
			return apperrors.New(apperrors.ErrorTypeValidation, "postgres_dsn is required when durable_store.backend is postgres")
		}
	case "redis":
		if cfg.DurableStore.RedisAddr == "" {
			return apperrors.New(apperrors.ErrorTypeValidation, "redis_addr is required when durable_store.backend is redis")
		}
	default:
		return apperrors.Newf(apperrors.ErrorTypeValidation, "unsupported durable_store.backend: %s", cfg.DurableStore.Backend)
	}
	return nil
}

// ChangeFunc is invoked with the freshly reloaded config whenever the watched
// file changes on disk.
type ChangeFunc func(*Config)

// Watcher reloads Config from a file on every fsnotify write event and
// forwards the reloaded value to a callback. Only the options documented as
// hot-reloadable in §6 are expected to be read from the callback's Config;
// fields like listener ports take effect only at the next process start.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onChange ChangeFunc
	done    chan struct{}
}

// NewWatcher starts watching path for changes, invoking onChange with the
// freshly parsed Config after every write. Parse errors are swallowed (the
// previous config keeps running) because a partially written file is a
// transient, not a fatal, condition.
func NewWatcher(path string, onChange ChangeFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create config watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "failed to watch config file: %s", path)
	}

	w := &Watcher{path: path, watcher: fsw, onChange: onChange, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			w.onChange(cfg)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

// String renders a Config for debug logging without exposing DSNs verbatim.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{http=%s strategy=%s max_workflows=%d approval_timeout=%s durable=%s}",
		c.Server.HTTPPort, c.Workers.LoadBalancingStrategy, c.Engine.MaxConcurrentWorkflows,
		c.Approval.DefaultTimeout, c.DurableStore.Backend,
	)
}
