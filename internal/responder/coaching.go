package responder

import (
	"context"
	"log/slog"

	"github.com/carelinelabs/careline/internal/domain"
)

// TextGenerator produces coaching reply text. Implemented by ModelClient;
// nil when the platform runs without a sidecar.
type TextGenerator interface {
	Generate(ctx context.Context, in Input) (string, error)
}

// CoachingResponder produces the user-facing reply text. Its output is
// authoritative for the final reply during fan-out.
type CoachingResponder struct {
	model TextGenerator
}

// NewCoachingResponder creates the coaching responder. model may be nil.
func NewCoachingResponder(model TextGenerator) *CoachingResponder {
	return &CoachingResponder{model: model}
}

// Respond generates coaching text via the model when available, falling
// back to safe templated guidance. The fallback always carries crisis
// resources at high and critical levels.
func (r *CoachingResponder) Respond(ctx context.Context, in Input) (*Output, error) {
	if r.model != nil {
		text, err := r.model.Generate(ctx, in)
		if err == nil {
			return &Output{Text: text, Meta: map[string]string{"generator": "model"}}, nil
		}
		if ctx.Err() != nil {
			// Timed-out or cancelled branches are reported as such, not
			// papered over with a template.
			return nil, ctx.Err()
		}
		slog.Warn("coaching generation failed, using templated reply",
			"session_id", in.SessionID, "error", err)
	}
	return &Output{Text: templatedReply(in.Assessment), Meta: map[string]string{"generator": "template"}}, nil
}

func templatedReply(a *domain.RiskAssessment) string {
	level := domain.RiskModerate
	if a != nil {
		level = a.Level
	}

	switch level {
	case domain.RiskLow:
		return "Thanks for sharing that. I'm here whenever you want to talk " +
			"things through, and I can point you at exercises or resources if " +
			"that would help."
	case domain.RiskModerate:
		return "That sounds like a lot to carry. I'm here to listen, and a " +
			"member of our support team can follow up with you if you'd like. " +
			"Would you tell me a bit more about what's been going on?"
	default:
		return "I'm really glad you told me this, and I want you to know you " +
			"don't have to deal with it alone. A member of our care team is " +
			"being notified right now. If you are in immediate danger, please " +
			"call your local emergency number, or reach the 988 Suicide & " +
			"Crisis Lifeline by calling or texting 988."
	}
}
