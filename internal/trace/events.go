// Package trace provides the append-only, strictly ordered stream of
// orchestration events. The emitter assigns sequence numbers and fans
// events out to observers; it performs no filtering or redaction, because
// these events describe operational execution, not analytics content.
package trace

import (
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

// EventType categorizes trace events.
type EventType string

const (
	// EventStateTransition marks an orchestrator state change.
	EventStateTransition EventType = "state_transition"
	// EventInvocation carries a responder invocation status update.
	EventInvocation EventType = "invocation"
	// EventEscalation reports an escalation attempt outcome.
	EventEscalation EventType = "escalation"
	// EventError records a recovered error kind for the cycle.
	EventError EventType = "error"
)

// Event is one entry in an execution's trace. Seq is assigned by the
// emitter and is strictly increasing and gap-free per execution id, so
// consumers joining mid-stream can reconstruct a total order.
type Event struct {
	ExecutionID string                  `json:"execution_id"`
	Seq         int64                   `json:"seq"`
	Type        EventType               `json:"type"`
	State       string                  `json:"state,omitempty"`
	Invocation  *domain.AgentInvocation `json:"invocation,omitempty"`
	Detail      map[string]string       `json:"detail,omitempty"`
	At          time.Time               `json:"at"`
}
