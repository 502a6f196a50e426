// Package classifier turns a message plus bounded recent history into a
// risk assessment. A deterministic lexical fast path handles unambiguous
// high-risk signals without I/O; everything else falls back to the model
// path. The classifier never escalates on its own.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

// ModelClient is the model-backed classification route. Implemented by the
// sidecar client; nil when the platform runs without one.
type ModelClient interface {
	Classify(ctx context.Context, sessionID, message string, history []domain.Message) (*domain.RiskAssessment, error)
}

// Classifier routes messages through the fast path, then the model path.
type Classifier struct {
	model        ModelClient
	modelTimeout time.Duration
}

// New creates a classifier. model may be nil; the classifier then degrades
// conservatively for anything the fast path does not match.
func New(model ModelClient, modelTimeout time.Duration) *Classifier {
	if modelTimeout <= 0 {
		modelTimeout = 3 * time.Second
	}
	return &Classifier{
		model:        model,
		modelTimeout: modelTimeout,
	}
}

// Classify produces exactly one assessment per cycle. It never returns an
// error: when the model path fails or times out the result degrades to at
// least moderate, because under-triage is the costlier mistake here.
func (c *Classifier) Classify(ctx context.Context, sessionID, message string, history []domain.Message) *domain.RiskAssessment {
	if a := matchFastPath(sessionID, message); a != nil {
		a.CreatedAt = time.Now()
		return a
	}

	if c.model == nil {
		return c.degraded(sessionID, "model_unavailable")
	}

	modelCtx, cancel := context.WithTimeout(ctx, c.modelTimeout)
	defer cancel()

	// History arrives already bounded by the orchestrator's configured depth.
	a, err := c.model.Classify(modelCtx, sessionID, message, history)
	if err != nil {
		reason := "model_error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(modelCtx.Err(), context.DeadlineExceeded) {
			reason = "model_timeout"
		}
		slog.Warn("model classification failed, degrading conservatively",
			"session_id", sessionID, "reason", reason, "error", err)
		return c.degraded(sessionID, reason)
	}
	if a == nil || !a.Level.Valid() {
		slog.Warn("model returned invalid assessment, degrading conservatively", "session_id", sessionID)
		return c.degraded(sessionID, "model_invalid")
	}

	a.SessionID = sessionID
	a.Source = domain.SourceModelPath
	a.CreatedAt = time.Now()
	return a
}

// degraded is the fail-soft-to-safety result: at least moderate, never low.
func (c *Classifier) degraded(sessionID, reason string) *domain.RiskAssessment {
	return &domain.RiskAssessment{
		SessionID: sessionID,
		Level:     domain.RiskModerate,
		Factors:   []string{"classifier_degraded", reason},
		Score:     0.5,
		Source:    domain.SourceModelPath,
		CreatedAt: time.Now(),
	}
}
