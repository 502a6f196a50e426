// Package audit records analytics requests as NDJSON for out-of-band
// review. Only the request is logged; results never reach this package.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

// Event is one audited analytics request.
type Event struct {
	Timestamp     string              `json:"timestamp"`
	RequestID     string              `json:"request_id,omitempty"`
	QueryName     domain.QueryName    `json:"query_name"`
	Filters       domain.QueryFilters `json:"filters"`
	RequesterRole string              `json:"requester_role"`
	Outcome       string              `json:"outcome"` // accepted, rejected, suppressed
}

// Config controls the audit logger.
type Config struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Logger appends events to an NDJSON file from a background goroutine so
// request handlers never block on disk.
type Logger struct {
	enabled bool
	queue   chan Event
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	logger  *slog.Logger
}

// NewLogger creates an audit logger. A disabled config returns a logger
// whose Log is a no-op.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{enabled: cfg.Enabled, logger: logger, done: make(chan struct{})}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}

	if cfg.Path == "" {
		return nil, fmt.Errorf("audit path cannot be empty when enabled")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l.queue = make(chan Event, cfg.QueueSize)
	go l.writeLoop(f)
	return l, nil
}

// Log enqueues an event. It never blocks: when the queue is full the event
// is dropped and the drop is logged.
func (l *Logger) Log(ev Event) {
	if !l.enabled {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("audit queue full, dropping event", "query_name", ev.QueryName)
	}
}

// Close flushes queued events and closes the file.
func (l *Logger) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.enabled {
		close(l.queue)
	}
	<-l.done
	return nil
}

func (l *Logger) writeLoop(f *os.File) {
	defer close(l.done)
	defer func() {
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close audit log", "error", err)
		}
	}()

	enc := json.NewEncoder(f)
	for ev := range l.queue {
		if err := enc.Encode(ev); err != nil {
			l.logger.Warn("failed to write audit event", "error", err)
		}
	}
}
