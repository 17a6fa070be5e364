package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/a11yscan/internal/metrics"
	"github.com/JakeFAU/a11yscan/internal/scan"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

var findingColumns = []string{
	"scan_id", "viewport", "rule_id", "severity", "wcag_refs", "description",
	"help_url", "selector", "html_snippet", "screenshot_ref", "fix_hint", "code_snippet",
}

const scanColumns = `id, url, status, robots_allowed, error_message, created_at,
	started_at, finished_at, summary, report_path`

// ScanStore persists scans and findings in Postgres.
type ScanStore struct {
	pool  pool
	clock scan.Clock
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock scan.Clock) (*ScanStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock scan.Clock) (*ScanStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &ScanStore{pool: p, clock: clock}, nil
}

// Migrate applies Schema.
func (s *ScanStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateScan inserts a queued scan and returns its id.
func (s *ScanStore) CreateScan(ctx context.Context, url string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO scans (url, status, robots_allowed, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		url, scan.StatusQueued, scan.RobotsUnknown, s.clock.Now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert scan: %w", err)
	}
	return id, nil
}

// ClaimNextQueued picks the lowest queued id and flips it to running with a
// conditional update. Losing the race to another claimer yields ok=false.
func (s *ScanStore) ClaimNextQueued(ctx context.Context) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM scans WHERE status = $1 ORDER BY id LIMIT 1`,
		scan.StatusQueued,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select queued scan: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $1, started_at = $2, error_message = NULL WHERE id = $3 AND status = $4`,
		scan.StatusRunning, s.clock.Now(), id, scan.StatusQueued,
	)
	if err != nil {
		return 0, false, fmt.Errorf("claim scan %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		metrics.ObserveClaimRaceLost()
		return 0, false, nil
	}
	return id, true, nil
}

// MarkDone finalizes a non-terminal scan as done.
func (s *ScanStore) MarkDone(
	ctx context.Context,
	id int64,
	robots scan.RobotsDecision,
	summary scan.Summary,
	reportPath string,
) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE scans
		SET status = $1, robots_allowed = COALESCE($2::text, robots_allowed), finished_at = $3,
			summary = $4, report_path = $5, error_message = NULL
		WHERE id = $6 AND status NOT IN ($7, $8)`,
		scan.StatusDone, knownRobots(robots), s.clock.Now(), payload, reportPath, id,
		scan.StatusDone, scan.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark scan %d done: %w", id, err)
	}
	return nil
}

// MarkFailed finalizes a non-terminal scan as failed.
func (s *ScanStore) MarkFailed(ctx context.Context, id int64, robots scan.RobotsDecision, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scans
		SET status = $1, robots_allowed = COALESCE($2::text, robots_allowed), finished_at = $3, error_message = $4
		WHERE id = $5 AND status NOT IN ($6, $7)`,
		scan.StatusFailed, knownRobots(robots), s.clock.Now(), message, id,
		scan.StatusDone, scan.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark scan %d failed: %w", id, err)
	}
	return nil
}

// ReplaceFindings deletes and re-inserts a scan's findings in one transaction.
func (s *ScanStore) ReplaceFindings(ctx context.Context, id int64, findings []scan.Finding) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace findings: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists int64
	err = tx.QueryRow(ctx, `SELECT id FROM scans WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
		return tx.Rollback(ctx)
	}
	if err != nil {
		return fmt.Errorf("lock scan %d: %w", id, err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM findings WHERE scan_id = $1`, id); err != nil {
		return fmt.Errorf("delete findings: %w", err)
	}
	if len(findings) > 0 {
		rows := make([][]any, 0, len(findings))
		for _, f := range findings {
			var refs []byte
			refs, err = json.Marshal(nonNil(f.WCAGRefs))
			if err != nil {
				return fmt.Errorf("marshal wcag refs: %w", err)
			}
			rows = append(rows, []any{
				id, f.Viewport, f.RuleID, string(f.Severity), refs, f.Description,
				f.HelpURL, f.Selector, f.HTMLSnippet, f.ScreenshotRef, f.FixHint, f.CodeSnippet,
			})
		}
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert findings: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit findings: %w", err)
	}
	return nil
}

// GetScan fetches one scan.
func (s *ScanStore) GetScan(ctx context.Context, id int64) (scan.Scan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, id)
	sc, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Scan{}, scan.ErrNotFound
	}
	if err != nil {
		return scan.Scan{}, fmt.Errorf("get scan %d: %w", id, err)
	}
	return sc, nil
}

// ListFindings returns a scan's findings in insertion order.
func (s *ScanStore) ListFindings(ctx context.Context, id int64) ([]scan.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT viewport, rule_id, severity, wcag_refs, description, help_url, selector,
			html_snippet, screenshot_ref, fix_hint, code_snippet
		FROM findings WHERE scan_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	out := []scan.Finding{}
	for rows.Next() {
		var (
			f        scan.Finding
			severity string
			refs     []byte
		)
		if err := rows.Scan(&f.Viewport, &f.RuleID, &severity, &refs, &f.Description, &f.HelpURL,
			&f.Selector, &f.HTMLSnippet, &f.ScreenshotRef, &f.FixHint, &f.CodeSnippet); err != nil {
			return nil, fmt.Errorf("scan finding row: %w", err)
		}
		f.Severity = scan.Severity(severity)
		f.WCAGRefs = []string{}
		if len(refs) > 0 {
			if err := json.Unmarshal(refs, &f.WCAGRefs); err != nil {
				return nil, fmt.Errorf("decode wcag refs: %w", err)
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return out, nil
}

// ListScans returns up to limit scans, newest first.
func (s *ScanStore) ListScans(ctx context.Context, limit int) ([]scan.Scan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scanColumns+` FROM scans ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	out := []scan.Scan{}
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}

// FailStale fails running scans started before the cutoff.
func (s *ScanStore) FailStale(ctx context.Context, startedBefore time.Time, message string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $1, finished_at = $2, error_message = $3 WHERE status = $4 AND started_at < $5`,
		scan.StatusFailed, s.clock.Now(), message, scan.StatusRunning, startedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale scans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *ScanStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *ScanStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRow(row pgx.Row) (scan.Scan, error) {
	var (
		sc      scan.Scan
		status  string
		robots  string
		summary []byte
	)
	if err := row.Scan(&sc.ID, &sc.URL, &status, &robots, &sc.ErrorMessage, &sc.CreatedAt,
		&sc.StartedAt, &sc.FinishedAt, &summary, &sc.ReportPath); err != nil {
		return scan.Scan{}, err
	}
	sc.Status = scan.Status(status)
	sc.RobotsAllowed = scan.RobotsDecision(robots)
	if len(summary) > 0 {
		var sum scan.Summary
		if err := json.Unmarshal(summary, &sum); err != nil {
			return scan.Scan{}, fmt.Errorf("decode summary: %w", err)
		}
		sc.Summary = &sum
	}
	return sc, nil
}

func knownRobots(r scan.RobotsDecision) *string {
	if r != scan.RobotsYes && r != scan.RobotsNo {
		return nil
	}
	v := string(r)
	return &v
}

func nonNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
