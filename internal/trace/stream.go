package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
)

// StreamHandler serves the live trace stream over WebSocket. Consumers may
// join mid-stream: missed events are replayed from history by last seen
// sequence number before live delivery starts.
type StreamHandler struct {
	emitter       *Emitter
	allowedOrigin string
	isDev         bool
}

// NewStreamHandler creates a WebSocket trace stream handler.
func NewStreamHandler(emitter *Emitter, allowedOrigin string, isDev bool) *StreamHandler {
	return &StreamHandler{
		emitter:       emitter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("execution_id")
	if executionID == "" {
		http.Error(w, "execution_id is required", http.StatusBadRequest)
		return
	}

	var lastEventID int64
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid last_event_id", http.StatusBadRequest)
			return
		}
		lastEventID = parsed
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept trace WebSocket", "error", err, "execution_id", executionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close trace websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()

	// Subscribe before replaying so no event falls between history and the
	// live channel; duplicates across the seam are filtered by sequence.
	live, cancel := h.emitter.Subscribe(executionID)
	defer cancel()

	replayed := lastEventID
	for _, ev := range h.emitter.History(executionID, lastEventID) {
		if err := writeEvent(ctx, ws, ev); err != nil {
			return
		}
		replayed = ev.Seq
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= replayed {
				continue
			}
			if err := writeEvent(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal trace event", "error", err)
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("trace websocket write failed", "error", err)
		return err
	}
	return nil
}

// checkOrigin mirrors the CORS posture of the HTTP API: any origin in
// development, the configured frontend in production.
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	if h.isDev || h.allowedOrigin == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.allowedOrigin
}
