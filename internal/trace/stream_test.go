package trace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func dialStream(t *testing.T, ctx context.Context, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", query, err)
	}
	return conn
}

func readStreamEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshaling event: %v", err)
	}
	return ev
}

func TestStreamReplaysMissedEventsThenGoesLive(t *testing.T) {
	emitter := NewEmitter()
	for _, state := range []string{"intake", "triaged", "synthesizing"} {
		emitter.Emit(Event{ExecutionID: "exec-ws", Type: EventStateTransition, State: state})
	}

	srv := httptest.NewServer(NewStreamHandler(emitter, "", true))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialStream(t, ctx, srv, "execution_id=exec-ws&last_event_id=1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Events 2 and 3 were missed and must arrive first, in order.
	for _, want := range []int64{2, 3} {
		ev := readStreamEvent(t, ctx, conn)
		if ev.Seq != want {
			t.Fatalf("replayed seq = %d, want %d", ev.Seq, want)
		}
	}

	// The replay reads above guarantee the subscription is registered, so
	// this emit crosses the history/live seam exactly once.
	emitter.Emit(Event{ExecutionID: "exec-ws", Type: EventStateTransition, State: "complete"})

	ev := readStreamEvent(t, ctx, conn)
	if ev.Seq != 4 {
		t.Fatalf("live seq = %d, want 4", ev.Seq)
	}
	if ev.State != "complete" {
		t.Fatalf("live state = %q, want complete", ev.State)
	}
}

func TestStreamFromStartDeliversFullHistory(t *testing.T) {
	emitter := NewEmitter()
	emitter.Emit(Event{ExecutionID: "exec-full", Type: EventStateTransition, State: "intake"})
	emitter.Emit(Event{ExecutionID: "exec-full", Type: EventStateTransition, State: "triaged"})

	srv := httptest.NewServer(NewStreamHandler(emitter, "", true))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialStream(t, ctx, srv, "execution_id=exec-full")
	defer conn.Close(websocket.StatusNormalClosure, "")

	for want := int64(1); want <= 2; want++ {
		if ev := readStreamEvent(t, ctx, conn); ev.Seq != want {
			t.Fatalf("seq = %d, want %d", ev.Seq, want)
		}
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewStreamHandler(NewEmitter(), "", true))
	defer srv.Close()

	for _, query := range []string{"", "execution_id=exec-1&last_event_id=nope"} {
		resp, err := http.Get(srv.URL + "/?" + query)
		if err != nil {
			t.Fatalf("requesting %q: %v", query, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", query, resp.StatusCode)
		}
	}
}
