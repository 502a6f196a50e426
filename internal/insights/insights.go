// Package insights answers the pre-approved aggregate analytics queries.
// Every result passes through the privacy guard before leaving this
// package; there is no path that returns an unredacted aggregate.
package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carelinelabs/careline/internal/audit"
	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/privacy"
	"github.com/carelinelabs/careline/internal/store"
	"github.com/google/uuid"
)

// ErrQueryRejected marks a query that failed allow-list validation. It is
// surfaced to the caller as a client error; the query is never executed.
var ErrQueryRejected = errors.New("analytics query rejected")

// Service executes allow-listed analytics queries.
type Service struct {
	repo  store.Repository
	guard *privacy.Guard
	audit *audit.Logger
}

// NewService creates the insights service.
func NewService(repo store.Repository, guard *privacy.Guard, auditLog *audit.Logger) *Service {
	return &Service{repo: repo, guard: guard, audit: auditLog}
}

// Execute validates the query against the closed allow-list, runs it, and
// returns the privacy-guarded result. The request (never the result) is
// written to the audit log, and the execution is recorded as an insights
// invocation in the activity history.
func (s *Service) Execute(ctx context.Context, q domain.AnalyticsQuery, requestID string) (*domain.AggregateResult, error) {
	if err := validate(q); err != nil {
		s.audit.Log(audit.Event{
			RequestID:     requestID,
			QueryName:     q.Name,
			Filters:       q.Filters,
			RequesterRole: q.RequesterRole,
			Outcome:       "rejected",
		})
		return nil, err
	}

	started := time.Now()
	executionID := uuid.NewString()

	groups, err := s.run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", q.Name, err)
	}

	result := s.guard.Apply(&domain.AggregateResult{Query: q.Name, Groups: groups})

	outcome := "accepted"
	if result.Suppressed {
		outcome = "suppressed"
	}
	s.audit.Log(audit.Event{
		RequestID:     requestID,
		QueryName:     q.Name,
		Filters:       q.Filters,
		RequesterRole: q.RequesterRole,
		Outcome:       outcome,
	})

	completed := time.Now()
	inv := &domain.AgentInvocation{
		ExecutionID: executionID,
		Seq:         1,
		Responder:   domain.ResponderInsights,
		Status:      domain.InvocationSucceeded,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		Summary:     string(q.Name),
	}
	if err := s.repo.AppendInvocation(ctx, inv); err != nil {
		slog.Warn("failed to record insights invocation", "error", err, "query_name", q.Name)
	}

	return result, nil
}

// run dispatches over the closed query enumeration.
func (s *Service) run(ctx context.Context, q domain.AnalyticsQuery) ([]domain.AggregateGroup, error) {
	switch q.Name {
	case domain.QueryCasesBySeverity:
		return s.repo.CountCasesBySeverity(ctx, q.Filters)
	case domain.QueryCyclesByRiskLevel:
		return s.repo.CountCyclesByRiskLevel(ctx, q.Filters)
	case domain.QueryCasesOverTime:
		return s.repo.CountCasesByDay(ctx, q.Filters)
	default:
		// Unreachable after validate; kept so the dispatch stays total.
		return nil, fmt.Errorf("%w: unknown query %q", ErrQueryRejected, q.Name)
	}
}

func validate(q domain.AnalyticsQuery) error {
	if !q.Name.Valid() {
		return fmt.Errorf("%w: %q is not on the allow-list", ErrQueryRejected, q.Name)
	}
	if q.RequesterRole == "" {
		return fmt.Errorf("%w: requester role is required", ErrQueryRejected)
	}
	f := q.Filters
	if f.Severity != nil && !f.Severity.Valid() {
		return fmt.Errorf("%w: invalid severity filter %q", ErrQueryRejected, *f.Severity)
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return fmt.Errorf("%w: end_date precedes start_date", ErrQueryRejected)
	}
	return nil
}
