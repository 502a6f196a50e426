package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

const retireWorkerInterval = 5 * time.Minute

// invocationRetention bounds how long terminal invocation records stay in
// the store before the sweep removes them.
const invocationRetention = 7 * 24 * time.Hour

// StartRetireWorker runs a background goroutine that periodically retires
// idle sessions, prunes finished execution traces, and deletes invocation
// records past retention. It stops when ctx is cancelled.
func (o *Orchestrator) StartRetireWorker(ctx context.Context, sessionTTL time.Duration) {
	ticker := time.NewTicker(retireWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retire worker started", "interval", retireWorkerInterval, "session_ttl", sessionTTL)

		for {
			select {
			case <-ticker.C:
				o.sweep(ctx, sessionTTL)
			case <-ctx.Done():
				slog.Info("Retire worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (o *Orchestrator) sweep(ctx context.Context, sessionTTL time.Duration) {
	if retired := o.sessions.retire(sessionTTL); retired > 0 {
		slog.Info("Retired idle sessions", "count", retired)
	}
	if pruned := o.emitter.Prune(sessionTTL); pruned > 0 {
		slog.Debug("Pruned finished execution traces", "count", pruned)
	}

	deleted, err := o.repo.PruneInvocations(ctx, invocationRetention)
	if err != nil {
		slog.Error("Retire worker failed to prune invocations", "error", err)
		return
	}
	if deleted > 0 {
		slog.Debug("Pruned invocation records", "count", deleted)
	}
}
