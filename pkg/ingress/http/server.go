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

// Package http binds pkg/ingress's API onto a chi router: one route per
// Ingress API operation (§6), plus a WebSocket egress endpoint streaming
// every published event to a connected client.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/channeladapter"
	"github.com/jordigilh/orchestrator-core/pkg/eventbus"
	"github.com/jordigilh/orchestrator-core/pkg/ingress"
)

var validate = validator.New()

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config configures the CORS policy and egress adapter sizing for the
// Ingress HTTP server.
type Config struct {
	AllowedOrigins []string
	QueueCapacity  int
	CriticalGrace  time.Duration
}

// NewRouter builds a chi.Router exposing every Ingress API operation plus
// the WebSocket egress stream.
func NewRouter(api *ingress.API, bus *eventbus.Bus, cfg Config, logger logr.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := &handlers{api: api, bus: bus, cfg: cfg, logger: logger}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/workflows", h.workflowExecute)
		r.Get("/workflows", h.workflowList)
		r.Get("/workflows/{workflowID}", h.workflowStatus)
		r.Post("/workflows/{workflowID}/steps/{stepID}/approve", h.workflowApprove)
		r.Delete("/workflows/{workflowID}", h.workflowCancel)

		r.Post("/workers", h.workerPair)
		r.Delete("/workers/{workerID}", h.workerUnpair)
		r.Post("/workers/{workerID}/repair", h.workerRepair)
		r.Post("/workers/{workerID}/heartbeat", h.workerHeartbeat)

		r.Get("/pool", h.poolStatus)
		r.Put("/pool/load-balancing", h.poolSetLoadBalancing)

		r.Get("/events", h.eventStream)
	})

	return r
}

type handlers struct {
	api    *ingress.API
	bus    *eventbus.Bus
	cfg    Config
	logger logr.Logger
}

func (h *handlers) workflowExecute(w http.ResponseWriter, r *http.Request) {
	var req ingress.ExecuteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.api.WorkflowExecute(r.Context(), req)
	writeResult(w, resp, err)
}

func (h *handlers) workflowList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.WorkflowList(r.Context()))
}

func (h *handlers) workflowStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.api.WorkflowStatus(r.Context(), chi.URLParam(r, "workflowID"))
	writeResult(w, resp, err)
}

func (h *handlers) workflowApprove(w http.ResponseWriter, r *http.Request) {
	var req ingress.ApproveRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	err := h.api.WorkflowApprove(r.Context(), chi.URLParam(r, "workflowID"), chi.URLParam(r, "stepID"), req)
	writeResult(w, struct{}{}, err)
}

func (h *handlers) workflowCancel(w http.ResponseWriter, r *http.Request) {
	err := h.api.WorkflowCancel(r.Context(), chi.URLParam(r, "workflowID"))
	writeResult(w, struct{}{}, err)
}

func (h *handlers) workerPair(w http.ResponseWriter, r *http.Request) {
	var req ingress.PairRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.api.WorkerPair(r.Context(), req)
	writeResult(w, resp, err)
}

func (h *handlers) workerUnpair(w http.ResponseWriter, r *http.Request) {
	err := h.api.WorkerUnpair(r.Context(), chi.URLParam(r, "workerID"))
	writeResult(w, struct{}{}, err)
}

func (h *handlers) workerRepair(w http.ResponseWriter, r *http.Request) {
	err := h.api.WorkerRepair(r.Context(), chi.URLParam(r, "workerID"))
	writeResult(w, struct{}{}, err)
}

func (h *handlers) workerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req ingress.HeartbeatRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	err := h.api.WorkerHeartbeat(r.Context(), chi.URLParam(r, "workerID"), req)
	writeResult(w, struct{}{}, err)
}

func (h *handlers) poolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.PoolStatus(r.Context()))
}

func (h *handlers) poolSetLoadBalancing(w http.ResponseWriter, r *http.Request) {
	var req ingress.LoadBalancingRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	err := h.api.PoolSetLoadBalancing(r.Context(), req)
	writeResult(w, struct{}{}, err)
}

// eventStream upgrades the connection to a WebSocket and registers a
// per-client channeladapter.QueueAdapter against every published topic
// (spec's egress stream: "an ordered stream of events under the topics
// enumerated in §3").
func (h *handlers) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(err, "failed to upgrade event stream connection")
		return
	}

	sink := channeladapter.NewWebSocketSink(conn)
	adapterID := "egress-" + uuid.NewString()
	adapter := channeladapter.New(adapterID, sink, channeladapter.Config{
		Capacity:      h.cfg.QueueCapacity,
		CriticalGrace: h.cfg.CriticalGrace,
	}, h.logger)

	h.bus.RegisterEgress(adapter)
	defer h.bus.Unsubscribe(adapter)

	// Block until the client disconnects; any inbound frame (clients aren't
	// expected to send any) or a read error ends the stream.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to decode request body"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "request validation failed"))
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, resp interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperrors.GetStatusCode(err)
	writeJSON(w, status, map[string]string{"error": apperrors.SafeErrorMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
