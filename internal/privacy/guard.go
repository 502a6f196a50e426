// Package privacy enforces minimum-group-size and noise-injection rules on
// aggregate analytics output. No aggregate result may leave the system
// without passing through Guard.Apply.
package privacy

import (
	"time"

	"github.com/carelinelabs/careline/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMinGroupSize is the conservative default k for k-anonymity,
// pending a confirmed policy parameter.
const DefaultMinGroupSize = 5

// DefaultEpsilon is the default privacy budget for the Laplace mechanism.
const DefaultEpsilon = 1.0

// otherBucket absorbs undersized groups before release.
const otherBucket = "other"

var suppressionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "careline_privacy_suppressions_total",
	Help: "Groups suppressed or merged by the privacy guard.",
}, []string{"outcome"})

// Guard applies the minimum-group-size check and calibrated noise.
type Guard struct {
	k       int
	epsilon float64
	// noise is swappable so tests can pin it to zero.
	noise func(scale float64) float64
}

// NewGuard creates a guard with the given minimum group size and epsilon.
// Non-positive values fall back to the conservative defaults.
func NewGuard(k int, epsilon float64) *Guard {
	if k <= 0 {
		k = DefaultMinGroupSize
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Guard{k: k, epsilon: epsilon, noise: laplace}
}

// MinGroupSize returns the configured k.
func (g *Guard) MinGroupSize() int {
	return g.k
}

// Apply redacts the raw aggregate result: groups below k are merged into a
// residual bucket or suppressed, surviving counts receive Laplace noise, and
// noised counts are clamped so a released value never implies a group below
// k. The input is not mutated.
func (g *Guard) Apply(raw *domain.AggregateResult) *domain.AggregateResult {
	out := &domain.AggregateResult{
		Query:       raw.Query,
		GeneratedAt: time.Now(),
	}

	var kept []domain.AggregateGroup
	var residual int64
	merged := 0
	for _, grp := range raw.Groups {
		if grp.Count >= int64(g.k) {
			kept = append(kept, grp)
			continue
		}
		residual += grp.Count
		merged++
	}

	if merged > 0 {
		if residual >= int64(g.k) {
			kept = append(kept, domain.AggregateGroup{Key: otherBucket, Count: residual})
			suppressionsTotal.WithLabelValues("merged").Add(float64(merged))
		} else {
			suppressionsTotal.WithLabelValues("suppressed").Add(float64(merged))
		}
		out.SuppressedGroups = merged
	}

	if len(kept) == 0 {
		out.Suppressed = true
		suppressionsTotal.WithLabelValues("whole_result").Inc()
		return out
	}

	scale := 1.0 / g.epsilon
	for _, grp := range kept {
		noised := grp.Count + int64(g.noise(scale))
		if noised < int64(g.k) {
			noised = int64(g.k)
		}
		out.Groups = append(out.Groups, domain.AggregateGroup{Key: grp.Key, Count: noised})
	}
	return out
}
