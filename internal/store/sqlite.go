package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
	"github.com/carelinelabs/careline/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		assignee TEXT,
		dedup_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_dedup_open
		ON cases(dedup_key) WHERE status != 'resolved';
	CREATE INDEX IF NOT EXISTS idx_cases_session ON cases(session_id);

	CREATE TABLE IF NOT EXISTS agent_invocations (
		execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		responder TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		PRIMARY KEY (execution_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_started ON agent_invocations(started_at);

	CREATE TABLE IF NOT EXISTS session_stats (
		session_id TEXT NOT NULL,
		day TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		cycle_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, day, risk_level)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateCaseIfAbsent atomically creates the case unless a non-resolved case
// with the same dedup key exists. The insert and the read-back run against
// the partial unique index on dedup_key, so concurrent callers resolve to
// exactly one created row without a check-then-create race.
func (s *SQLiteStore) CreateCaseIfAbsent(ctx context.Context, c *domain.Case) (*domain.Case, bool, error) {
	insert := `
	INSERT OR IGNORE INTO cases
		(case_id, session_id, severity, status, assignee, dedup_key, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var assignee interface{}
	if c.Assignee != "" {
		assignee = c.Assignee
	}

	var res sql.Result
	var err error
	// Retry only on SQLite concurrency errors; uniqueness conflicts are
	// swallowed by INSERT OR IGNORE and resolved by the read-back below.
	for attempt := 0; attempt < 3; attempt++ {
		res, err = s.db.ExecContext(ctx, insert,
			c.CaseID, c.SessionID, string(c.Severity), string(c.Status), assignee,
			c.DedupKey, c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
		)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			break
		}
		time.Sleep(time.Duration(50<<attempt) * time.Millisecond)
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert case: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("case rows affected: %w", err)
	}
	created := rows == 1

	query := `
		SELECT case_id, session_id, severity, status, assignee, dedup_key, created_at, updated_at
		FROM cases WHERE dedup_key = ? AND status != 'resolved'`
	surviving, err := s.scanCase(s.db.QueryRowContext(ctx, query, c.DedupKey))
	if err != nil {
		return nil, false, fmt.Errorf("read back case: %w", err)
	}
	if surviving == nil {
		return nil, false, fmt.Errorf("case vanished after insert: dedup_key=%s", c.DedupKey)
	}
	return surviving, created, nil
}

// GetCase retrieves a case by its ID.
func (s *SQLiteStore) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	query := `
		SELECT case_id, session_id, severity, status, assignee, dedup_key, created_at, updated_at
		FROM cases WHERE case_id = ?`
	return s.scanCase(s.db.QueryRowContext(ctx, query, caseID))
}

func (s *SQLiteStore) scanCase(row *sql.Row) (*domain.Case, error) {
	var c domain.Case
	var assignee sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&c.CaseID, &c.SessionID, (*string)(&c.Severity), (*string)(&c.Status),
		&assignee, &c.DedupKey, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan case row: %w", err)
	}

	c.Assignee = assignee.String
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// ListCases lists cases matching the filters, newest first.
func (s *SQLiteStore) ListCases(ctx context.Context, f CaseFilters) ([]*domain.Case, error) {
	query := `
		SELECT case_id, session_id, severity, status, assignee, dedup_key, created_at, updated_at
		FROM cases WHERE 1=1`
	var args []interface{}

	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close case rows", "error", closeErr)
		}
	}()

	var cases []*domain.Case
	for rows.Next() {
		var c domain.Case
		var assignee sql.NullString
		var createdAt, updatedAt int64

		if err := rows.Scan(
			&c.CaseID, &c.SessionID, (*string)(&c.Severity), (*string)(&c.Status),
			&assignee, &c.DedupKey, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan case row: %w", err)
		}
		c.Assignee = assignee.String
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		cases = append(cases, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return cases, nil
}

// UpdateCase sets status and assignee for a case.
func (s *SQLiteStore) UpdateCase(ctx context.Context, caseID string, status domain.CaseStatus, assignee string) error {
	query := `UPDATE cases SET status = ?, assignee = ?, updated_at = ? WHERE case_id = ?`

	var assigneeArg interface{}
	if assignee != "" {
		assigneeArg = assignee
	}

	result, err := s.db.ExecContext(ctx, query, string(status), assigneeArg, time.Now().Unix(), caseID)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("case not found: %s", caseID)
	}
	return nil
}

// AppendInvocation appends one invocation record.
func (s *SQLiteStore) AppendInvocation(ctx context.Context, inv *domain.AgentInvocation) error {
	query := `
	INSERT INTO agent_invocations
		(execution_id, seq, responder, status, started_at, completed_at, duration_ms, summary)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var completedAt interface{}
	if !inv.CompletedAt.IsZero() {
		completedAt = inv.CompletedAt.Unix()
	}
	var summary interface{}
	if inv.Summary != "" {
		summary = inv.Summary
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		_, err = s.db.ExecContext(ctx, query,
			inv.ExecutionID, inv.Seq, string(inv.Responder), string(inv.Status),
			inv.StartedAt.Unix(), completedAt, inv.DurationMs, summary,
		)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			break
		}
		time.Sleep(time.Duration(50<<attempt) * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("append invocation: %w", err)
	}
	return nil
}

// ListInvocations returns invocation records for an execution in sequence order.
func (s *SQLiteStore) ListInvocations(ctx context.Context, executionID string) ([]*domain.AgentInvocation, error) {
	query := `
		SELECT execution_id, seq, responder, status, started_at, completed_at, duration_ms, summary
		FROM agent_invocations WHERE execution_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close invocation rows", "error", closeErr)
		}
	}()

	var invocations []*domain.AgentInvocation
	for rows.Next() {
		var inv domain.AgentInvocation
		var startedAt int64
		var completedAt sql.NullInt64
		var summary sql.NullString

		if err := rows.Scan(
			&inv.ExecutionID, &inv.Seq, (*string)(&inv.Responder), (*string)(&inv.Status),
			&startedAt, &completedAt, &inv.DurationMs, &summary,
		); err != nil {
			return nil, fmt.Errorf("scan invocation row: %w", err)
		}
		inv.StartedAt = time.Unix(startedAt, 0)
		if completedAt.Valid {
			inv.CompletedAt = time.Unix(completedAt.Int64, 0)
		}
		inv.Summary = summary.String
		invocations = append(invocations, &inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return invocations, nil
}

// PruneInvocations deletes invocation records older than the retention period.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_invocations WHERE started_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return result.RowsAffected()
}

// RecordCycle increments the per-session per-day cycle counter for a level.
func (s *SQLiteStore) RecordCycle(ctx context.Context, sessionID string, day time.Time, level domain.RiskLevel) error {
	query := `
	INSERT INTO session_stats (session_id, day, risk_level, cycle_count)
	VALUES (?, ?, ?, 1)
	ON CONFLICT(session_id, day, risk_level) DO UPDATE SET
		cycle_count = cycle_count + 1`

	_, err := s.db.ExecContext(ctx, query, sessionID, day.UTC().Format("2006-01-02"), string(level))
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// CountCasesBySeverity groups distinct-session case counts by severity.
func (s *SQLiteStore) CountCasesBySeverity(ctx context.Context, f domain.QueryFilters) ([]domain.AggregateGroup, error) {
	query := `SELECT severity, COUNT(DISTINCT session_id) FROM cases WHERE 1=1`
	query, args := appendCaseFilters(query, nil, f)
	query += ` GROUP BY severity ORDER BY severity`
	return s.queryGroups(ctx, query, args)
}

// CountCyclesByRiskLevel groups distinct-session cycle counts by risk level.
func (s *SQLiteStore) CountCyclesByRiskLevel(ctx context.Context, f domain.QueryFilters) ([]domain.AggregateGroup, error) {
	query := `SELECT risk_level, COUNT(DISTINCT session_id) FROM session_stats WHERE 1=1`
	var args []interface{}
	if f.StartDate != nil {
		query += ` AND day >= ?`
		args = append(args, f.StartDate.UTC().Format("2006-01-02"))
	}
	if f.EndDate != nil {
		query += ` AND day <= ?`
		args = append(args, f.EndDate.UTC().Format("2006-01-02"))
	}
	if f.Severity != nil {
		query += ` AND risk_level = ?`
		args = append(args, string(*f.Severity))
	}
	query += ` GROUP BY risk_level ORDER BY risk_level`
	return s.queryGroups(ctx, query, args)
}

// CountCasesByDay groups distinct-session case counts by creation day.
func (s *SQLiteStore) CountCasesByDay(ctx context.Context, f domain.QueryFilters) ([]domain.AggregateGroup, error) {
	query := `SELECT date(created_at, 'unixepoch'), COUNT(DISTINCT session_id) FROM cases WHERE 1=1`
	query, args := appendCaseFilters(query, nil, f)
	query += ` GROUP BY date(created_at, 'unixepoch') ORDER BY date(created_at, 'unixepoch')`
	return s.queryGroups(ctx, query, args)
}

func appendCaseFilters(query string, args []interface{}, f domain.QueryFilters) (string, []interface{}) {
	if f.StartDate != nil {
		query += ` AND created_at >= ?`
		args = append(args, f.StartDate.Unix())
	}
	if f.EndDate != nil {
		query += ` AND created_at <= ?`
		args = append(args, f.EndDate.Unix())
	}
	if f.Severity != nil {
		query += ` AND severity = ?`
		args = append(args, string(*f.Severity))
	}
	return query, args
}

func (s *SQLiteStore) queryGroups(ctx context.Context, query string, args []interface{}) ([]domain.AggregateGroup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query aggregate groups: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close aggregate rows", "error", closeErr)
		}
	}()

	var groups []domain.AggregateGroup
	for rows.Next() {
		var g domain.AggregateGroup
		if err := rows.Scan(&g.Key, &g.Count); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		groups = append(groups, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate rows: %w", err)
	}
	return groups, nil
}
