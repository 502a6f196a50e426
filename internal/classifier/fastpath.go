package classifier

import (
	"regexp"
	"strings"

	"github.com/carelinelabs/careline/internal/domain"
)

// lexicalPattern is one entry in the deterministic fast-path table. The
// table only carries unambiguous signals; anything softer falls through to
// the model path.
type lexicalPattern struct {
	re     *regexp.Regexp
	level  domain.RiskLevel
	factor string
	score  float64
}

var fastPathPatterns = []lexicalPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(kill(ing)? myself|end(ing)? my life|suicid(e|al)|want(s)? to die|better off dead)\b`),
		level:  domain.RiskCritical,
		factor: "suicidal_ideation",
		score:  0.97,
	},
	{
		re:     regexp.MustCompile(`(?i)\b(hurt(ing)? myself|self[- ]harm|cut(ting)? myself|overdose)\b`),
		level:  domain.RiskCritical,
		factor: "self_harm",
		score:  0.95,
	},
	{
		re:     regexp.MustCompile(`(?i)\b(no reason to (live|go on)|can'?t go on|give up on everything)\b`),
		level:  domain.RiskHigh,
		factor: "hopelessness",
		score:  0.85,
	},
	{
		re:     regexp.MustCompile(`(?i)\b(hurt(ing)? (him|her|them|someone)|violen(t|ce) urges)\b`),
		level:  domain.RiskHigh,
		factor: "harm_to_others",
		score:  0.82,
	},
}

// matchFastPath scans the message against the lexical table. It returns nil
// when nothing matches; the caller then takes the model path. No I/O happens
// here, which is what keeps the path inside its latency bound.
func matchFastPath(sessionID, message string) *domain.RiskAssessment {
	text := strings.TrimSpace(message)
	if text == "" {
		return nil
	}

	var (
		level   domain.RiskLevel
		factors []string
		score   float64
		matched bool
	)
	for _, p := range fastPathPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		level = level.Max(p.level)
		if p.score > score {
			score = p.score
		}
		factors = append(factors, p.factor)
		matched = true
	}
	if !matched {
		return nil
	}

	return &domain.RiskAssessment{
		SessionID: sessionID,
		Level:     level,
		Factors:   factors,
		Score:     score,
		Source:    domain.SourceFastPath,
	}
}
