package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

// sessionEntry pairs a session with its single-writer gate. The gate is a
// one-slot semaphore: the holding orchestration cycle is the session's only
// writer, and a new message for the same session queues behind it.
// lastActive and retired are guarded by the registry mutex, never touched
// while only the gate is held.
type sessionEntry struct {
	gate       chan struct{}
	sess       *domain.Session
	lastActive time.Time
	retired    bool
}

// sessionRegistry owns all in-memory sessions.
type sessionRegistry struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{entries: make(map[string]*sessionEntry)}
}

// checkout acquires exclusive ownership of the session, creating it on
// first use. The returned release function must be called when the cycle
// finishes. checkout blocks while another cycle holds the session and fails
// only if ctx is cancelled while waiting.
//
// Acquiring the gate races against the retire sweep: the sweep may claim an
// idle entry's gate and drop the entry between our map lookup and our send.
// A retired entry is therefore re-checked after the gate is won, and the
// checkout starts over against whatever the map holds now.
func (r *sessionRegistry) checkout(ctx context.Context, sessionID string) (*domain.Session, func(), error) {
	for {
		r.mu.Lock()
		entry, ok := r.entries[sessionID]
		if !ok {
			now := time.Now()
			entry = &sessionEntry{
				gate:       make(chan struct{}, 1),
				sess:       &domain.Session{SessionID: sessionID, CreatedAt: now, LastActiveAt: now},
				lastActive: now,
			}
			r.entries[sessionID] = entry
			slog.Info("Session created", "session_id", sessionID)
		}
		r.mu.Unlock()

		select {
		case entry.gate <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		r.mu.Lock()
		if entry.retired {
			r.mu.Unlock()
			// Lost the race against the sweep. Free the slot so any other
			// queued checkout can discover the same and move on.
			<-entry.gate
			continue
		}
		r.mu.Unlock()

		release := func() {
			r.mu.Lock()
			entry.lastActive = time.Now()
			r.mu.Unlock()
			<-entry.gate
		}
		return entry.sess, release, nil
	}
}

// retire removes sessions idle for longer than ttl. A session currently
// held by a cycle is skipped. Removed entries are marked retired and their
// gate slot is freed again, so a checkout queued on the old entry wins the
// gate, observes the mark, and restarts cleanly.
func (r *sessionRegistry) retire(ttl time.Duration) int {
	threshold := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	retired := 0
	for id, entry := range r.entries {
		if entry.lastActive.After(threshold) {
			continue
		}
		select {
		case entry.gate <- struct{}{}:
			entry.retired = true
			delete(r.entries, id)
			<-entry.gate
			retired++
		default:
		}
	}
	return retired
}
