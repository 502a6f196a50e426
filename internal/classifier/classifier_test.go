package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

type stubModel struct {
	assessment *domain.RiskAssessment
	err        error
	delay      time.Duration
	calls      int
	historyLen int
}

func (s *stubModel) Classify(ctx context.Context, sessionID, message string, history []domain.Message) (*domain.RiskAssessment, error) {
	s.calls++
	s.historyLen = len(history)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.assessment, s.err
}

func TestFastPathCriticalBypassesModel(t *testing.T) {
	t.Parallel()

	model := &stubModel{assessment: &domain.RiskAssessment{Level: domain.RiskLow}}
	c := New(model, time.Second)

	start := time.Now()
	a := c.Classify(context.Background(), "sess-1", "I want to kill myself", nil)
	elapsed := time.Since(start)

	if a.Level != domain.RiskCritical {
		t.Fatalf("expected critical, got %s", a.Level)
	}
	if a.Source != domain.SourceFastPath {
		t.Fatalf("expected fast_path source, got %s", a.Source)
	}
	if model.calls != 0 {
		t.Fatalf("expected model path to be bypassed, got %d calls", model.calls)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("fast path took %s, expected low single-digit milliseconds", elapsed)
	}
	if len(a.Factors) == 0 {
		t.Fatal("expected contributing factors")
	}
}

func TestModelPathUsedWhenFastPathSilent(t *testing.T) {
	t.Parallel()

	model := &stubModel{assessment: &domain.RiskAssessment{Level: domain.RiskLow, Score: 0.1}}
	c := New(model, time.Second)

	a := c.Classify(context.Background(), "sess-1", "how do I book an appointment", nil)
	if a.Level != domain.RiskLow {
		t.Fatalf("expected low, got %s", a.Level)
	}
	if a.Source != domain.SourceModelPath {
		t.Fatalf("expected model_path source, got %s", a.Source)
	}
	if model.calls != 1 {
		t.Fatalf("expected one model call, got %d", model.calls)
	}
}

func TestModelErrorDegradesToModerate(t *testing.T) {
	t.Parallel()

	model := &stubModel{err: errors.New("sidecar unavailable")}
	c := New(model, time.Second)

	a := c.Classify(context.Background(), "sess-1", "feeling a bit off today", nil)
	if !a.Level.AtLeast(domain.RiskModerate) {
		t.Fatalf("expected at least moderate on model failure, got %s", a.Level)
	}
	if !containsFactor(a.Factors, "classifier_degraded") {
		t.Fatalf("expected classifier_degraded factor, got %v", a.Factors)
	}
}

func TestModelTimeoutDegradesToModerate(t *testing.T) {
	t.Parallel()

	model := &stubModel{delay: 500 * time.Millisecond, assessment: &domain.RiskAssessment{Level: domain.RiskLow}}
	c := New(model, 20*time.Millisecond)

	a := c.Classify(context.Background(), "sess-1", "feeling a bit off today", nil)
	if !a.Level.AtLeast(domain.RiskModerate) {
		t.Fatalf("expected at least moderate on timeout, got %s", a.Level)
	}
	if !containsFactor(a.Factors, "model_timeout") {
		t.Fatalf("expected model_timeout factor, got %v", a.Factors)
	}
}

func TestModelReceivesHistoryAsGiven(t *testing.T) {
	t.Parallel()

	// The caller bounds history to its configured depth; the classifier
	// must not apply a second, hardcoded cut of its own.
	model := &stubModel{assessment: &domain.RiskAssessment{Level: domain.RiskLow, Score: 0.1}}
	c := New(model, time.Second)

	history := make([]domain.Message, 25)
	for i := range history {
		history[i] = domain.Message{Role: "user", Content: "earlier message"}
	}

	c.Classify(context.Background(), "sess-1", "how do I book an appointment", history)
	if model.historyLen != len(history) {
		t.Fatalf("model saw %d history messages, want %d", model.historyLen, len(history))
	}
}

func TestNilModelDegradesToModerate(t *testing.T) {
	t.Parallel()

	c := New(nil, time.Second)
	a := c.Classify(context.Background(), "sess-1", "just checking in", nil)
	if a.Level != domain.RiskModerate {
		t.Fatalf("expected moderate without a model client, got %s", a.Level)
	}
}

func containsFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
