package trace

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subscriberBuffer = 64

var droppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "careline_trace_dropped_events_total",
	Help: "Trace events dropped on slow live subscribers. The per-execution history is never dropped.",
})

// stream holds the per-execution sequence counter, replayable history, and
// live subscribers.
type stream struct {
	seq      int64
	history  []Event
	subs     map[int64]chan Event
	lastEmit time.Time
}

// Emitter assigns strictly increasing, gap-free sequence numbers per
// execution id and distributes events to subscribers. Emit never blocks
// the orchestrator: slow live subscribers lose events (counted), while the
// history used for replay and the activity log stays complete.
type Emitter struct {
	mu        sync.Mutex
	streams   map[string]*stream
	nextSubID int64
}

// NewEmitter creates an emitter.
func NewEmitter() *Emitter {
	return &Emitter{streams: make(map[string]*stream)}
}

// Emit assigns the next sequence number for the event's execution, records
// it, and fans it out. It returns the event with its sequence number set.
func (e *Emitter) Emit(ev Event) Event {
	e.mu.Lock()
	st, ok := e.streams[ev.ExecutionID]
	if !ok {
		st = &stream{subs: make(map[int64]chan Event)}
		e.streams[ev.ExecutionID] = st
	}
	st.seq++
	ev.Seq = st.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	st.history = append(st.history, ev)
	st.lastEmit = ev.At

	subs := make([]chan Event, 0, len(st.subs))
	for _, ch := range st.subs {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			droppedEventsTotal.Inc()
		}
	}
	return ev
}

// History returns the recorded events for an execution with Seq > afterSeq,
// in emission order.
func (e *Emitter) History(executionID string, afterSeq int64) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.streams[executionID]
	if !ok {
		return nil
	}
	var out []Event
	for _, ev := range st.history {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers a live subscriber for an execution. The returned
// cancel function must be called when the consumer goes away.
func (e *Emitter) Subscribe(executionID string) (<-chan Event, func()) {
	e.mu.Lock()
	st, ok := e.streams[executionID]
	if !ok {
		st = &stream{subs: make(map[int64]chan Event)}
		e.streams[executionID] = st
	}
	e.nextSubID++
	id := e.nextSubID
	ch := make(chan Event, subscriberBuffer)
	st.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if st, ok := e.streams[executionID]; ok {
			delete(st.subs, id)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// Prune drops executions idle for longer than maxAge and closes their
// subscriber channels. Called by the retirement worker.
func (e *Emitter) Prune(maxAge time.Duration) int {
	threshold := time.Now().Add(-maxAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	pruned := 0
	for id, st := range e.streams {
		if st.lastEmit.IsZero() || st.lastEmit.After(threshold) {
			continue
		}
		for _, ch := range st.subs {
			close(ch)
		}
		delete(e.streams, id)
		pruned++
	}
	return pruned
}
