package domain

import (
	"time"
)

// CaseStatus tracks an escalation case through its lifecycle.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseAssigned CaseStatus = "assigned"
	CaseResolved CaseStatus = "resolved"
)

// Valid reports whether the status is one of the known values.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseOpen, CaseAssigned, CaseResolved:
		return true
	}
	return false
}

// Case is an escalation record. At most one non-resolved case exists per
// (session, escalation window); the dedup key enforces this in the store.
type Case struct {
	CaseID    string     `json:"case_id"`
	SessionID string     `json:"session_id"`
	Severity  RiskLevel  `json:"severity"`
	Status    CaseStatus `json:"status"`
	Assignee  string     `json:"assignee,omitempty"`
	DedupKey  string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CaseDedupKey derives the deduplication key for a session and point in
// time. Repeated risk events for one session within the same escalation
// window map to the same key and therefore the same case.
func CaseDedupKey(sessionID string, at time.Time, window time.Duration) string {
	windowStart := at.UTC().Truncate(window)
	return sessionID + "@" + windowStart.Format(time.RFC3339)
}
