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

// Package http builds pre-tuned *http.Client instances for the core's
// outbound callers: the worker pool's RPC transport and the Slack channel
// adapter's API client.
package http

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig tunes the transport and timeouts of a constructed client.
type ClientConfig struct {
	Timeout                 time.Duration
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
}

// DefaultClientConfig is a conservative baseline suitable for most outbound
// calls the core makes.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// NewClient builds an *http.Client from config.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed NPU worker certs
	}
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client from DefaultClientConfig with timeout
// overridden.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = timeout
	return NewClient(config)
}

// NewDefaultClient builds a client from DefaultClientConfig unmodified.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}

// SlackClientConfig tunes a client for the Slack Web API: short timeout,
// few retries, since a stuck Slack call must never hold up event delivery.
func SlackClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 10 * time.Second
	config.MaxRetries = 2
	return config
}

// WorkerRPCClientConfig tunes a client for dispatching a step to a paired
// NPU worker: timeout scales with the step's own timeout so the transport
// never gives up before the step's own deadline would, and the response
// header wait is capped at a third of the overall budget so a worker that
// accepted the connection but never started responding is detected early.
func WorkerRPCClientConfig(stepTimeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = stepTimeout
	config.ResponseHeaderTimeout = stepTimeout / 3
	return config
}
