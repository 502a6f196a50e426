package privacy

import (
	"math"
	"testing"

	"github.com/carelinelabs/careline/internal/domain"
)

func zeroNoiseGuard(k int) *Guard {
	g := NewGuard(k, 1.0)
	g.noise = func(scale float64) float64 { return 0 }
	return g
}

func TestApplyPassesLargeGroups(t *testing.T) {
	t.Parallel()
	g := zeroNoiseGuard(5)

	out := g.Apply(&domain.AggregateResult{
		Query: domain.QueryCasesBySeverity,
		Groups: []domain.AggregateGroup{
			{Key: "high", Count: 12},
			{Key: "moderate", Count: 30},
		},
	})

	if out.Suppressed {
		t.Fatal("expected result to survive")
	}
	if len(out.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(out.Groups))
	}
	for _, grp := range out.Groups {
		if grp.Count < 5 {
			t.Fatalf("group %s released with count %d < k", grp.Key, grp.Count)
		}
	}
}

func TestApplySuppressesUndersizedCohort(t *testing.T) {
	t.Parallel()
	g := zeroNoiseGuard(5)

	// Scenario: a filter narrowing the cohort to 3 individuals must never
	// release a raw count of 3.
	out := g.Apply(&domain.AggregateResult{
		Query:  domain.QueryCasesBySeverity,
		Groups: []domain.AggregateGroup{{Key: "critical", Count: 3}},
	})

	if !out.Suppressed {
		t.Fatal("expected whole-result suppression")
	}
	if len(out.Groups) != 0 {
		t.Fatalf("expected no released groups, got %v", out.Groups)
	}
	if out.SuppressedGroups != 1 {
		t.Fatalf("expected 1 suppressed group, got %d", out.SuppressedGroups)
	}
}

func TestApplyMergesUndersizedGroupsIntoOther(t *testing.T) {
	t.Parallel()
	g := zeroNoiseGuard(5)

	out := g.Apply(&domain.AggregateResult{
		Query: domain.QueryCyclesByRiskLevel,
		Groups: []domain.AggregateGroup{
			{Key: "low", Count: 20},
			{Key: "high", Count: 3},
			{Key: "critical", Count: 4},
		},
	})

	if out.Suppressed {
		t.Fatal("expected merged result, not suppression")
	}
	var other *domain.AggregateGroup
	for i := range out.Groups {
		if out.Groups[i].Key == "other" {
			other = &out.Groups[i]
		}
		if out.Groups[i].Count < 5 {
			t.Fatalf("group %s released with count %d < k", out.Groups[i].Key, out.Groups[i].Count)
		}
	}
	if other == nil {
		t.Fatal("expected an 'other' bucket")
	}
	if other.Count != 7 {
		t.Fatalf("expected merged count 7, got %d", other.Count)
	}
}

func TestApplyDropsResidualBelowK(t *testing.T) {
	t.Parallel()
	g := zeroNoiseGuard(5)

	out := g.Apply(&domain.AggregateResult{
		Query: domain.QueryCyclesByRiskLevel,
		Groups: []domain.AggregateGroup{
			{Key: "low", Count: 9},
			{Key: "critical", Count: 2},
		},
	})

	for _, grp := range out.Groups {
		if grp.Key == "other" {
			t.Fatalf("residual of 2 must not be released, got %+v", grp)
		}
	}
	if out.SuppressedGroups != 1 {
		t.Fatalf("expected 1 suppressed group, got %d", out.SuppressedGroups)
	}
}

func TestApplyClampsNoisedCountsToK(t *testing.T) {
	t.Parallel()
	g := NewGuard(5, 1.0)
	g.noise = func(scale float64) float64 { return -4 }

	out := g.Apply(&domain.AggregateResult{
		Query:  domain.QueryCasesBySeverity,
		Groups: []domain.AggregateGroup{{Key: "high", Count: 6}},
	})

	if len(out.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(out.Groups))
	}
	if out.Groups[0].Count < 5 {
		t.Fatalf("noised count %d fell below k", out.Groups[0].Count)
	}
}

func TestApplyInjectsNoise(t *testing.T) {
	t.Parallel()
	g := NewGuard(5, 1.0)

	// With real noise, repeated applications of the same input should not
	// always agree; identical outputs forever would allow subtraction attacks.
	const trials = 64
	base := int64(100)
	varied := false
	for i := 0; i < trials && !varied; i++ {
		out := g.Apply(&domain.AggregateResult{
			Query:  domain.QueryCasesBySeverity,
			Groups: []domain.AggregateGroup{{Key: "high", Count: base}},
		})
		if out.Groups[0].Count != base {
			varied = true
		}
	}
	if !varied {
		t.Fatalf("no variation across %d noised releases", trials)
	}
}

func TestLaplaceSampleShape(t *testing.T) {
	t.Parallel()

	var sum float64
	const n = 20000
	for i := 0; i < n; i++ {
		v := laplace(1.0)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("degenerate sample %v", v)
		}
		sum += v
	}
	mean := sum / n
	if math.Abs(mean) > 0.1 {
		t.Fatalf("sample mean %v too far from 0", mean)
	}
}
