package insights

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/carelinelabs/careline/internal/audit"
	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/privacy"
	"github.com/carelinelabs/careline/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Repository, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := store.NewSQLite(filepath.Join(dir, "careline.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	auditPath := filepath.Join(dir, "analytics.ndjson")
	auditLog, err := audit.NewLogger(audit.Config{Enabled: true, Path: auditPath, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("audit.NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	return NewService(repo, privacy.NewGuard(5, 1.0), auditLog), repo, auditPath
}

func seedCycles(t *testing.T, repo store.Repository, level domain.RiskLevel, sessions int) {
	t.Helper()
	ctx := context.Background()
	day := time.Now()
	for i := 0; i < sessions; i++ {
		id := string(level) + "-sess-" + string(rune('a'+i))
		if err := repo.RecordCycle(ctx, id, day, level); err != nil {
			t.Fatalf("seed cycle failed: %v", err)
		}
	}
}

func TestExecuteRejectsUnknownQuery(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(context.Background(), domain.AnalyticsQuery{
		Name:          "raw_sql",
		RequesterRole: "admin",
	}, "req-1")
	if !errors.Is(err, ErrQueryRejected) {
		t.Fatalf("expected ErrQueryRejected, got %v", err)
	}
}

func TestExecuteRejectsMissingRole(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(context.Background(), domain.AnalyticsQuery{
		Name: domain.QueryCasesBySeverity,
	}, "req-1")
	if !errors.Is(err, ErrQueryRejected) {
		t.Fatalf("expected ErrQueryRejected, got %v", err)
	}
}

func TestExecuteRejectsInvertedDateRange(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	start := time.Now()
	end := start.Add(-24 * time.Hour)
	_, err := svc.Execute(context.Background(), domain.AnalyticsQuery{
		Name:          domain.QueryCasesOverTime,
		Filters:       domain.QueryFilters{StartDate: &start, EndDate: &end},
		RequesterRole: "admin",
	}, "req-1")
	if !errors.Is(err, ErrQueryRejected) {
		t.Fatalf("expected ErrQueryRejected, got %v", err)
	}
}

func TestExecuteSuppressesSmallCohort(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t)
	seedCycles(t, repo, domain.RiskCritical, 3)

	result, err := svc.Execute(context.Background(), domain.AnalyticsQuery{
		Name:          domain.QueryCyclesByRiskLevel,
		RequesterRole: "admin",
	}, "req-1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Suppressed {
		t.Fatal("expected cohort of 3 to be suppressed")
	}
	for _, g := range result.Groups {
		if g.Count < 5 {
			t.Fatalf("released group below k: %+v", g)
		}
	}
}

func TestExecuteReturnsGuardedGroups(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t)
	seedCycles(t, repo, domain.RiskLow, 8)

	result, err := svc.Execute(context.Background(), domain.AnalyticsQuery{
		Name:          domain.QueryCyclesByRiskLevel,
		RequesterRole: "admin",
	}, "req-1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Suppressed {
		t.Fatal("expected groups to survive")
	}
	for _, g := range result.Groups {
		if g.Count < 5 {
			t.Fatalf("released group below k: %+v", g)
		}
	}
}

func TestExecuteAuditsRequestNotResult(t *testing.T) {
	t.Parallel()
	svc, repo, auditPath := newTestService(t)
	seedCycles(t, repo, domain.RiskLow, 8)

	if _, err := svc.Execute(context.Background(), domain.AnalyticsQuery{
		Name:          domain.QueryCyclesByRiskLevel,
		RequesterRole: "admin",
	}, "req-audit"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	line := waitForLine(t, auditPath)
	var ev audit.Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("failed to unmarshal audit line: %v", err)
	}
	if ev.QueryName != domain.QueryCyclesByRiskLevel {
		t.Fatalf("unexpected query name in audit: %q", ev.QueryName)
	}
	if strings.Contains(line, `"groups"`) || strings.Contains(line, `"count"`) {
		t.Fatalf("audit line leaks result data: %s", line)
	}
}

func waitForLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			return lines[len(lines)-1]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for audit file %s", path)
	return ""
}
