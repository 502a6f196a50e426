package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/identity"
	"github.com/carelinelabs/careline/internal/orchestrator"
	"github.com/carelinelabs/careline/internal/trace"
)

// MessageRequest is the body of POST /api/messages. SessionID falls back
// to the identity middleware when absent; RecentHistory seeds a session the
// server has not seen yet (a client resuming after a server restart).
type MessageRequest struct {
	SessionID     string           `json:"session_id,omitempty"`
	Message       string           `json:"message"`
	RecentHistory []domain.Message `json:"recent_history,omitempty"`
}

// HandleMessage handles POST /api/messages. It runs one orchestration
// cycle and streams the execution trace plus the final result over SSE.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	anonID := identity.AnonIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if anonID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by device ID only (not device:session) so clients cannot
	// bypass throttling by rotating session IDs.
	if !h.rateLimiter.Allow(anonID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID != "" {
		sessionID = req.SessionID
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	// Message content is never logged.
	slog.Info("Message intake",
		"session_id", sessionID,
		"request_id", reqID,
		"message_length", len(req.Message),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The execution ID is allocated here so the trace subscription is in
	// place before the cycle emits its first event.
	executionID := uuid.NewString()
	events, cancel := h.orch.Emitter().Subscribe(executionID)
	defer cancel()

	if err := writeSSE(w, "execution", fmt.Sprintf(`{"execution_id":%q}`, executionID)); err != nil {
		return
	}
	flusher.Flush()

	type cycleOutcome struct {
		res *orchestrator.Result
		err error
	}
	done := make(chan cycleOutcome, 1)
	go func() {
		res, err := h.orch.HandleMessageWithExecution(r.Context(), executionID, sessionID, req.Message, req.RecentHistory)
		done <- cycleOutcome{res: res, err: err}
	}()

	for {
		select {
		case ev := <-events:
			if err := writeTraceEvent(w, ev); err != nil {
				slog.Warn("failed to write SSE trace event", "error", err)
				<-done
				return
			}
			flusher.Flush()
		case out := <-done:
			drainTraceEvents(w, events)
			if out.err != nil {
				if writeErr := writeSSE(w, "error", fmt.Sprintf(`{"error":%q}`, out.err.Error())); writeErr != nil {
					slog.Warn("failed to write SSE error event", "error", writeErr)
				}
				flusher.Flush()
				return
			}
			// The reply text goes out as its own event before the result
			// payload, so clients that only render the conversation never
			// have to unpack the full cycle summary.
			replyData, err := json.Marshal(map[string]string{"text": out.res.ReplyText})
			if err == nil {
				if writeErr := writeSSE(w, "message", string(replyData)); writeErr != nil {
					slog.Warn("failed to write SSE message event", "error", writeErr)
					return
				}
				flusher.Flush()
			}

			data, err := json.Marshal(out.res)
			if err != nil {
				slog.Warn("failed to marshal cycle result", "error", err)
				if writeErr := writeSSE(w, "error", `{"error":"failed to serialize result"}`); writeErr != nil {
					slog.Warn("failed to write SSE serialization error", "error", writeErr)
				}
				flusher.Flush()
				return
			}
			if err := writeSSE(w, "result", string(data)); err != nil {
				slog.Warn("failed to write SSE result event", "error", err)
			}
			flusher.Flush()
			return
		}
	}
}

// drainTraceEvents flushes any trace events still queued when the cycle
// finishes. The cycle emits its final event before returning, so a
// non-blocking drain is sufficient.
func drainTraceEvents(w io.Writer, events <-chan trace.Event) {
	for {
		select {
		case ev := <-events:
			if err := writeTraceEvent(w, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeTraceEvent(w io.Writer, ev trace.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEWithID(w, ev.Seq, "trace", string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
