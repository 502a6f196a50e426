// Package domain defines the core entities of the orchestration pipeline.
package domain

import (
	"time"
)

// RiskLevel classifies the severity of a triaged message.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskModerate: 1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether the level is one of the known values.
func (l RiskLevel) Valid() bool {
	_, ok := riskRank[l]
	return ok
}

// AtLeast reports whether l is at least as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[l] >= riskRank[other]
}

// Max returns the more severe of the two levels.
func (l RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.AtLeast(l) {
		return other
	}
	return l
}

// RiskSource identifies which classification path produced an assessment.
type RiskSource string

const (
	// SourceFastPath is the deterministic lexical pattern route.
	SourceFastPath RiskSource = "fast_path"
	// SourceModelPath is the model-backed fallback route.
	SourceModelPath RiskSource = "model_path"
)

// RiskAssessment is the classifier output for one orchestration cycle.
// Immutable once produced.
type RiskAssessment struct {
	SessionID string     `json:"session_id"`
	Level     RiskLevel  `json:"level"`
	Factors   []string   `json:"factors"`
	Score     float64    `json:"score"`
	Source    RiskSource `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
}
