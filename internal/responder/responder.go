// Package responder implements the specialist responders and the closed
// dispatch table the orchestrator routes through. The responder set is a
// compile-time enumeration; there is no runtime registration.
package responder

import (
	"context"
	"fmt"

	"github.com/carelinelabs/careline/internal/domain"
)

// Input is the session context a responder works from.
type Input struct {
	SessionID  string
	Message    string
	History    []domain.Message
	Assessment *domain.RiskAssessment
}

// Output is a responder result. Only the coaching responder produces
// user-facing text; other responders contribute metadata only, which keeps
// synthesis unambiguous about which branch owns the reply.
type Output struct {
	Text string
	Meta map[string]string
}

// Responder is a specialist capability invoked as an opaque function of
// (session context, risk assessment).
type Responder interface {
	Respond(ctx context.Context, in Input) (*Output, error)
}

// Registry is the single explicit dispatch table from responder kind to
// implementation. Adding a responder means adding a domain.ResponderKind
// constant and a field here.
type Registry struct {
	table map[domain.ResponderKind]Responder
}

// NewRegistry builds the dispatch table over the fixed responder set.
func NewRegistry(coaching, caseManagement, insights Responder) *Registry {
	return &Registry{
		table: map[domain.ResponderKind]Responder{
			domain.ResponderCoaching:       coaching,
			domain.ResponderCaseManagement: caseManagement,
			domain.ResponderInsights:       insights,
		},
	}
}

// Lookup returns the responder for a kind.
func (r *Registry) Lookup(kind domain.ResponderKind) (Responder, error) {
	resp, ok := r.table[kind]
	if !ok || resp == nil {
		return nil, fmt.Errorf("no responder registered for kind %q", kind)
	}
	return resp, nil
}
