package responder

import (
	"context"
	"strconv"

	"github.com/carelinelabs/careline/internal/domain"
)

// CaseManagementResponder prepares escalation metadata during fan-out. It
// never produces free text; the coaching branch owns the user-facing reply.
type CaseManagementResponder struct{}

// NewCaseManagementResponder creates the case management responder.
func NewCaseManagementResponder() *CaseManagementResponder {
	return &CaseManagementResponder{}
}

// Respond returns metadata describing how the incident should be handled.
func (r *CaseManagementResponder) Respond(ctx context.Context, in Input) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := map[string]string{
		"recommended_priority": recommendedPriority(in.Assessment),
		"follow_up_required":   "true",
	}
	if in.Assessment != nil {
		meta["risk_level"] = string(in.Assessment.Level)
		meta["factor_count"] = strconv.Itoa(len(in.Assessment.Factors))
	}
	return &Output{Meta: meta}, nil
}

func recommendedPriority(a *domain.RiskAssessment) string {
	if a == nil {
		return "standard"
	}
	switch a.Level {
	case domain.RiskCritical:
		return "immediate"
	case domain.RiskHigh:
		return "urgent"
	default:
		return "standard"
	}
}
