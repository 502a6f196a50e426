// Package escalation converts qualifying risk assessments into idempotent
// case records. All case creation flows through Manager.Escalate; there is
// no other write path for opening cases.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/store"
	"github.com/google/uuid"
)

// Manager opens cases for risk assessments at moderate or above.
type Manager struct {
	repo   store.Repository
	window time.Duration
	now    func() time.Time
}

// NewManager creates an escalation manager with the given dedup window.
func NewManager(repo store.Repository, window time.Duration) *Manager {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Manager{repo: repo, window: window, now: time.Now}
}

// Escalate opens a case for the assessment, or returns the existing case
// when one is already open for this session's escalation window. The create
// is a single atomic create-if-absent in the store, so concurrent cycles
// racing for one session resolve to exactly one case. Failures are returned
// to the caller, never swallowed.
func (m *Manager) Escalate(ctx context.Context, sessionID string, a *domain.RiskAssessment) (*domain.Case, bool, error) {
	if a == nil || !a.Level.AtLeast(domain.RiskModerate) {
		return nil, false, fmt.Errorf("escalation requires level >= moderate")
	}

	now := m.now()
	c := &domain.Case{
		CaseID:    uuid.NewString(),
		SessionID: sessionID,
		Severity:  a.Level,
		Status:    domain.CaseOpen,
		DedupKey:  domain.CaseDedupKey(sessionID, now, m.window),
		CreatedAt: now,
		UpdatedAt: now,
	}

	surviving, created, err := m.repo.CreateCaseIfAbsent(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("create case: %w", err)
	}

	if created {
		slog.Info("Escalation case opened",
			"case_id", surviving.CaseID, "session_id", sessionID, "severity", a.Level)
	} else {
		slog.Info("Escalation deduplicated to existing case",
			"case_id", surviving.CaseID, "session_id", sessionID)
	}
	return surviving, created, nil
}

// Resolve transitions a case. Exposed for the case-management boundary so
// every case mutation stays inside this package's code path.
func (m *Manager) Resolve(ctx context.Context, caseID string, status domain.CaseStatus, assignee string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid case status %q", status)
	}
	if err := m.repo.UpdateCase(ctx, caseID, status, assignee); err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	return nil
}
