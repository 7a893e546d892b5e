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

package channeladapter

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// wireEvent is the JSON shape written to a WebSocket client per event.
type wireEvent struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Sequence  uint64      `json:"sequence"`
	Timestamp string      `json:"timestamp"`
}

// WebSocketSink is a Sink that serializes events as JSON text frames to one
// client connection. Writes are serialized with a mutex because
// gorilla/websocket forbids concurrent writers on the same connection.
type WebSocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink wraps an already-upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Send implements Sink.
func (s *WebSocketSink) Send(event orchestratortypes.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(wireEvent{
		Topic:     event.Topic,
		Payload:   event.Payload,
		Sequence:  event.Sequence,
		Timestamp: event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// Close implements Sink.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "adapter closed"))
	return s.conn.Close()
}
