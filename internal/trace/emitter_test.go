package trace

import (
	"sync"
	"testing"
	"time"
)

func TestEmitAssignsStrictlyIncreasingGapFreeSequences(t *testing.T) {
	t.Parallel()
	e := NewEmitter()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(Event{ExecutionID: "exec-1", Type: EventStateTransition})
		}()
	}
	wg.Wait()

	history := e.History("exec-1", 0)
	if len(history) != n {
		t.Fatalf("expected %d events, got %d", n, len(history))
	}
	for i, ev := range history {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, ev.Seq)
		}
	}
}

func TestSequencesAreIndependentPerExecution(t *testing.T) {
	t.Parallel()
	e := NewEmitter()

	e.Emit(Event{ExecutionID: "exec-a"})
	e.Emit(Event{ExecutionID: "exec-a"})
	ev := e.Emit(Event{ExecutionID: "exec-b"})

	if ev.Seq != 1 {
		t.Fatalf("expected exec-b to start at seq 1, got %d", ev.Seq)
	}
}

func TestSubscribeReceivesLiveEventsInOrder(t *testing.T) {
	t.Parallel()
	e := NewEmitter()

	ch, cancel := e.Subscribe("exec-1")
	defer cancel()

	for i := 0; i < 5; i++ {
		e.Emit(Event{ExecutionID: "exec-1", Type: EventInvocation})
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case ev := <-ch:
			if ev.Seq != want {
				t.Fatalf("expected seq %d, got %d", want, ev.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestHistoryReplayAfterSeq(t *testing.T) {
	t.Parallel()
	e := NewEmitter()

	for i := 0; i < 10; i++ {
		e.Emit(Event{ExecutionID: "exec-1"})
	}

	missed := e.History("exec-1", 7)
	if len(missed) != 3 {
		t.Fatalf("expected 3 missed events, got %d", len(missed))
	}
	if missed[0].Seq != 8 {
		t.Fatalf("expected replay to start at seq 8, got %d", missed[0].Seq)
	}
}

func TestEmitDoesNotBlockOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	e := NewEmitter()

	// Subscriber that never reads: its buffer fills and overflow is dropped.
	_, cancel := e.Subscribe("exec-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*4; i++ {
			e.Emit(Event{ExecutionID: "exec-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}

	// The history remains complete regardless of subscriber drops.
	if got := len(e.History("exec-1", 0)); got != subscriberBuffer*4 {
		t.Fatalf("expected complete history, got %d events", got)
	}
}

func TestPruneDropsIdleExecutions(t *testing.T) {
	t.Parallel()
	e := NewEmitter()

	e.Emit(Event{ExecutionID: "exec-old", At: time.Now().Add(-time.Hour)})
	e.Emit(Event{ExecutionID: "exec-fresh"})

	if pruned := e.Prune(30 * time.Minute); pruned != 1 {
		t.Fatalf("expected 1 pruned execution, got %d", pruned)
	}
	if e.History("exec-old", 0) != nil {
		t.Fatal("expected pruned history to be gone")
	}
	if len(e.History("exec-fresh", 0)) != 1 {
		t.Fatal("expected fresh execution to survive")
	}
}
