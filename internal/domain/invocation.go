package domain

import (
	"time"
)

// ResponderKind enumerates the specialist responders. The set is closed:
// adding a responder is a compile-time change here and in the dispatch table.
type ResponderKind string

const (
	ResponderCoaching       ResponderKind = "coaching"
	ResponderCaseManagement ResponderKind = "case_management"
	ResponderInsights       ResponderKind = "insights"
)

// Valid reports whether the kind is one of the known responders.
func (k ResponderKind) Valid() bool {
	switch k {
	case ResponderCoaching, ResponderCaseManagement, ResponderInsights:
		return true
	}
	return false
}

// InvocationStatus tracks a responder invocation through its lifecycle.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// Terminal reports whether the status is a final state.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case InvocationSucceeded, InvocationFailed, InvocationTimedOut:
		return true
	}
	return false
}

// AgentInvocation is one responder execution within an orchestration cycle.
// Records are append-only and never mutated after reaching a terminal status.
type AgentInvocation struct {
	ExecutionID string           `json:"execution_id"`
	Seq         int64            `json:"seq"`
	Responder   ResponderKind    `json:"responder"`
	Status      InvocationStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	DurationMs  int64            `json:"duration_ms"`
	Summary     string           `json:"summary,omitempty"`
}
