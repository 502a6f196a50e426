package domain

import (
	"time"
)

// QueryName enumerates the pre-approved analytics queries. The set is
// closed: free-form queries are rejected, never sanitized.
type QueryName string

const (
	QueryCasesBySeverity   QueryName = "cases_by_severity"
	QueryCyclesByRiskLevel QueryName = "cycles_by_risk_level"
	QueryCasesOverTime     QueryName = "cases_over_time"
)

// Valid reports whether the name is on the allow-list.
func (q QueryName) Valid() bool {
	switch q {
	case QueryCasesBySeverity, QueryCyclesByRiskLevel, QueryCasesOverTime:
		return true
	}
	return false
}

// QueryFilters restricts an analytics query. All fields are optional.
type QueryFilters struct {
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Severity  *RiskLevel `json:"severity,omitempty"`
}

// AnalyticsQuery is a request against the analytics boundary. Only the
// request is ever logged for audit, never raw results.
type AnalyticsQuery struct {
	Name          QueryName    `json:"query_name"`
	Filters       QueryFilters `json:"filters"`
	RequesterRole string       `json:"requester_role"`
}

// AggregateGroup is one group of an aggregate result.
type AggregateGroup struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// AggregateResult is the output of an analytics query after privacy
// processing. Every group in a released result satisfies the minimum
// group size; Suppressed is set when nothing survived the check.
type AggregateResult struct {
	Query            QueryName        `json:"query_name"`
	Groups           []AggregateGroup `json:"groups,omitempty"`
	Suppressed       bool             `json:"suppressed"`
	SuppressedGroups int              `json:"suppressed_groups"`
	GeneratedAt      time.Time        `json:"generated_at"`
}
