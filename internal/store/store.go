// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

// CaseFilters restricts a case listing.
type CaseFilters struct {
	SessionID string
	Status    domain.CaseStatus
	Severity  domain.RiskLevel
}

// Repository defines the interface for persisting cases, invocation
// history, and the aggregate rows backing analytics queries.
type Repository interface {
	// CreateCaseIfAbsent atomically creates the case unless a non-resolved
	// case with the same dedup key already exists. It returns the surviving
	// case and whether this call created it. This is the sole creation path
	// for cases; there is no separate check-then-create pair.
	CreateCaseIfAbsent(ctx context.Context, c *domain.Case) (*domain.Case, bool, error)

	// GetCase retrieves a case by its ID.
	GetCase(ctx context.Context, caseID string) (*domain.Case, error)

	// ListCases lists cases matching the filters, newest first.
	ListCases(ctx context.Context, f CaseFilters) ([]*domain.Case, error)

	// UpdateCase sets status and assignee for a case.
	UpdateCase(ctx context.Context, caseID string, status domain.CaseStatus, assignee string) error

	// AppendInvocation appends one invocation record. Records are
	// append-only; terminal records are never mutated.
	AppendInvocation(ctx context.Context, inv *domain.AgentInvocation) error

	// ListInvocations returns all invocation records for an execution,
	// ordered by sequence number.
	ListInvocations(ctx context.Context, executionID string) ([]*domain.AgentInvocation, error)

	// PruneInvocations deletes invocation records older than the retention
	// period and returns the number deleted.
	PruneInvocations(ctx context.Context, retention time.Duration) (int64, error)

	// RecordCycle increments the per-session per-day cycle counter for a
	// risk level. These rows feed the analytics queries and carry no
	// message content.
	RecordCycle(ctx context.Context, sessionID string, day time.Time, level domain.RiskLevel) error

	// CountCasesBySeverity groups case counts by severity.
	CountCasesBySeverity(ctx context.Context, f domain.QueryFilters) ([]domain.AggregateGroup, error)

	// CountCyclesByRiskLevel groups distinct-session cycle counts by level.
	CountCyclesByRiskLevel(ctx context.Context, f domain.QueryFilters) ([]domain.AggregateGroup, error)

	// CountCasesByDay groups case counts by creation day.
	CountCasesByDay(ctx context.Context, f domain.QueryFilters) ([]domain.AggregateGroup, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
