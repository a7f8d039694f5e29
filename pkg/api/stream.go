package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/beacon/pkg/errors"
	"github.com/odvcencio/beacon/pkg/logging"
)

const streamHeartbeat = 30 * time.Second

// handleStream serves the live event feed over SSE. Slow consumers lose
// events rather than stalling the hub; reconnecting clients should
// refetch state through the read endpoints.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, errors.New(errors.ErrCodeDownstreamUnavailable, "event hub not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, errors.New(errors.ErrCodeInternal, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, cancel := s.hub.Subscribe()
	defer cancel()

	writeEvent := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(map[string]any{"type": "connected", "timestamp": time.Now().UTC()}) {
		return
	}

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !writeEvent(map[string]any{"type": "heartbeat", "timestamp": time.Now().UTC()}) {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			if !writeEvent(event) {
				return
			}
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket serves the same event feed over a WebSocket for
// dashboard clients that hold a bidirectional connection open.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, errors.New(errors.ErrCodeDownstreamUnavailable, "event hub not configured"))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			_ = s.logger.Warn(logging.CategoryAPI, "ws_upgrade_failed", err.Error(), nil)
		}
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// Read loop only to detect the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
