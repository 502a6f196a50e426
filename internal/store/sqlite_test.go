package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "careline.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testCase(sessionID, dedupKey string) *domain.Case {
	now := time.Now()
	return &domain.Case{
		CaseID:    "case-" + dedupKey,
		SessionID: sessionID,
		Severity:  domain.RiskHigh,
		Status:    domain.CaseOpen,
		DedupKey:  dedupKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateCaseIfAbsentIdempotent(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	first, created, err := repo.CreateCaseIfAbsent(ctx, testCase("sess-1", "sess-1@w1"))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create the case")
	}

	dup := testCase("sess-1", "sess-1@w1")
	dup.CaseID = "case-other"
	second, created, err := repo.CreateCaseIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Fatal("expected second call to return the existing case")
	}
	if second.CaseID != first.CaseID {
		t.Fatalf("expected same case id, got %s and %s", first.CaseID, second.CaseID)
	}
}

func TestCreateCaseIfAbsentConcurrent(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	createdCount := make([]bool, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := testCase("sess-race", "sess-race@w1")
			c.CaseID = "case-race-" + string(rune('a'+i))
			surviving, created, err := repo.CreateCaseIfAbsent(ctx, c)
			errs[i] = err
			if err == nil {
				ids[i] = surviving.CaseID
				createdCount[i] = created
			}
		}(i)
	}
	wg.Wait()

	creates := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("concurrent create %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got case %s, caller 0 got %s", i, ids[i], ids[0])
		}
		if createdCount[i] {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("expected exactly one creation, got %d", creates)
	}
}

func TestCreateCaseAfterResolutionOpensNewCase(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	first, _, err := repo.CreateCaseIfAbsent(ctx, testCase("sess-2", "sess-2@w1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.UpdateCase(ctx, first.CaseID, domain.CaseResolved, "operator-1"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	replacement := testCase("sess-2", "sess-2@w1")
	replacement.CaseID = "case-replacement"
	second, created, err := repo.CreateCaseIfAbsent(ctx, replacement)
	if err != nil {
		t.Fatalf("create after resolution failed: %v", err)
	}
	if !created {
		t.Fatal("expected a new case after the previous one was resolved")
	}
	if second.CaseID == first.CaseID {
		t.Fatal("expected a different case id after resolution")
	}
}

func TestAppendAndListInvocations(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	started := time.Now()
	for seq := int64(1); seq <= 3; seq++ {
		inv := &domain.AgentInvocation{
			ExecutionID: "exec-1",
			Seq:         seq,
			Responder:   domain.ResponderCoaching,
			Status:      domain.InvocationSucceeded,
			StartedAt:   started,
			CompletedAt: started.Add(100 * time.Millisecond),
			DurationMs:  100,
			Summary:     "ok",
		}
		if err := repo.AppendInvocation(ctx, inv); err != nil {
			t.Fatalf("append seq %d failed: %v", seq, err)
		}
	}

	got, err := repo.ListInvocations(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(got))
	}
	for i, inv := range got {
		if inv.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, inv.Seq)
		}
	}
}

func TestCountCasesBySeverity(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := testCase("sess-sev-"+string(rune('a'+i)), "sev-key-"+string(rune('a'+i)))
		if _, _, err := repo.CreateCaseIfAbsent(ctx, c); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	groups, err := repo.CountCasesBySeverity(ctx, domain.QueryFilters{})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Key != string(domain.RiskHigh) || groups[0].Count != 3 {
		t.Fatalf("unexpected group: %+v", groups[0])
	}
}

func TestRecordCycleAndCountByRiskLevel(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()
	day := time.Now()

	sessions := []string{"s1", "s2", "s3"}
	for _, id := range sessions {
		// Two cycles per session must still count each session once.
		for i := 0; i < 2; i++ {
			if err := repo.RecordCycle(ctx, id, day, domain.RiskLow); err != nil {
				t.Fatalf("record cycle failed: %v", err)
			}
		}
	}

	groups, err := repo.CountCyclesByRiskLevel(ctx, domain.QueryFilters{})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Count != int64(len(sessions)) {
		t.Fatalf("expected %d distinct sessions, got %d", len(sessions), groups[0].Count)
	}
}
