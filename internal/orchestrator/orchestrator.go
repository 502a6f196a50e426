// Package orchestrator sequences one message through classification,
// routing, responder invocation, escalation, and synthesis, emitting the
// full execution record to the trace stream. Failures inside a cycle never
// surface as raw errors to the caller: every cycle produces a safe reply.
package orchestrator

import (
	"time"

	"github.com/carelinelabs/careline/internal/classifier"
	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/escalation"
	"github.com/carelinelabs/careline/internal/responder"
	"github.com/carelinelabs/careline/internal/store"
	"github.com/carelinelabs/careline/internal/trace"
)

// State names the orchestrator state machine positions.
type State string

const (
	StateIntake             State = "intake"
	StateTriaged            State = "triaged"
	StateLowRiskReply       State = "low_risk_reply"
	StateModerateRiskInvoke State = "moderate_risk_invoke"
	StateHighRiskFanOut     State = "high_risk_fan_out"
	StateSynthesizing       State = "synthesizing"
	StateComplete           State = "complete"
	StateErrored            State = "errored"
)

// Config holds orchestrator tunables.
type Config struct {
	// BranchTimeout bounds each responder branch.
	BranchTimeout time.Duration
	// BarrierSlack is added to BranchTimeout for the hard upper bound on
	// the fan-out join, covering scheduling overhead.
	BarrierSlack time.Duration
	// EscalationTimeout bounds the escalation manager call.
	EscalationTimeout time.Duration
	// HistoryDepth is the number of prior messages handed to responders.
	HistoryDepth int
}

func (c Config) withDefaults() Config {
	if c.BranchTimeout <= 0 {
		c.BranchTimeout = 8 * time.Second
	}
	if c.BarrierSlack <= 0 {
		c.BarrierSlack = 2 * time.Second
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = 10 * time.Second
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = 10
	}
	return c
}

// AgentStatus summarizes one invoked responder for the reply payload.
type AgentStatus struct {
	Responder domain.ResponderKind    `json:"responder"`
	Status    domain.InvocationStatus `json:"status"`
}

// Result is the outcome of one orchestration cycle.
type Result struct {
	ExecutionID         string                    `json:"execution_id"`
	ReplyText           string                    `json:"reply_text"`
	Assessment          *domain.RiskAssessment    `json:"risk_assessment"`
	AgentsInvoked       []AgentStatus             `json:"agents_invoked"`
	ProcessingTimeMs    int64                     `json:"processing_time_ms"`
	EscalationTriggered bool                      `json:"escalation_triggered"`
	EscalationFailed    bool                      `json:"escalation_failed,omitempty"`
	CaseID              string                    `json:"case_id,omitempty"`
	ActivityLog         []*domain.AgentInvocation `json:"activity_log"`
}

// Orchestrator coordinates the pipeline components.
type Orchestrator struct {
	classifier  *classifier.Classifier
	registry    *responder.Registry
	escalations *escalation.Manager
	repo        store.Repository
	emitter     *trace.Emitter
	sessions    *sessionRegistry
	cfg         Config
}

// New creates an orchestrator.
func New(c *classifier.Classifier, registry *responder.Registry, escalations *escalation.Manager, repo store.Repository, emitter *trace.Emitter, cfg Config) *Orchestrator {
	return &Orchestrator{
		classifier:  c,
		registry:    registry,
		escalations: escalations,
		repo:        repo,
		emitter:     emitter,
		sessions:    newSessionRegistry(),
		cfg:         cfg.withDefaults(),
	}
}

// Emitter exposes the trace emitter for stream consumers.
func (o *Orchestrator) Emitter() *trace.Emitter {
	return o.emitter
}

func (o *Orchestrator) transition(executionID string, state State, detail map[string]string) {
	o.emitter.Emit(trace.Event{
		ExecutionID: executionID,
		Type:        trace.EventStateTransition,
		State:       string(state),
		Detail:      detail,
	})
}
