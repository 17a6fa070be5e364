// Package sqlite provides the embedded SQLite scan store used for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/a11yscan/internal/metrics"
	"github.com/JakeFAU/a11yscan/internal/scan"
)

// Fixed-width UTC layout so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	url            TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'queued',
	robots_allowed TEXT NOT NULL DEFAULT 'unknown',
	error_message  TEXT,
	created_at     TEXT NOT NULL,
	started_at     TEXT,
	finished_at    TEXT,
	summary        TEXT,
	report_path    TEXT
);
CREATE INDEX IF NOT EXISTS scans_status_id_idx ON scans (status, id);
CREATE TABLE IF NOT EXISTS findings (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_id        INTEGER NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
	viewport       TEXT NOT NULL,
	rule_id        TEXT NOT NULL,
	severity       TEXT NOT NULL,
	wcag_refs      TEXT NOT NULL DEFAULT '[]',
	description    TEXT,
	help_url       TEXT,
	selector       TEXT,
	html_snippet   TEXT,
	screenshot_ref TEXT,
	fix_hint       TEXT,
	code_snippet   TEXT
);
CREATE INDEX IF NOT EXISTS findings_scan_id_idx ON findings (scan_id);
`

const scanColumns = `id, url, status, robots_allowed, error_message, created_at,
	started_at, finished_at, summary, report_path`

// ScanStore persists scans in a SQLite database file.
type ScanStore struct {
	db    *sql.DB
	clock scan.Clock
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, clock scan.Clock) (*ScanStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &ScanStore{db: db, clock: clock}, nil
}

// CreateScan inserts a queued scan.
func (s *ScanStore) CreateScan(ctx context.Context, url string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (url, status, robots_allowed, created_at) VALUES (?, ?, ?, ?)`,
		url, string(scan.StatusQueued), string(scan.RobotsUnknown), s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("scan id: %w", err)
	}
	return id, nil
}

// ClaimNextQueued selects the lowest queued id, then flips it to running only
// if it is still queued.
func (s *ScanStore) ClaimNextQueued(ctx context.Context) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM scans WHERE status = ? ORDER BY id LIMIT 1`, string(scan.StatusQueued),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select queued scan: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, started_at = ?, error_message = NULL WHERE id = ? AND status = ?`,
		string(scan.StatusRunning), s.now(), id, string(scan.StatusQueued),
	)
	if err != nil {
		return 0, false, fmt.Errorf("claim scan %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("claim scan %d rows: %w", id, err)
	}
	if n == 0 {
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
	_, err = s.db.ExecContext(ctx,
		`UPDATE scans
		SET status = ?, robots_allowed = COALESCE(?, robots_allowed), finished_at = ?,
			summary = ?, report_path = ?, error_message = NULL
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(scan.StatusDone), knownRobots(robots), s.now(), string(payload), reportPath, id,
		string(scan.StatusDone), string(scan.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("mark scan %d done: %w", id, err)
	}
	return nil
}

// MarkFailed finalizes a non-terminal scan as failed.
func (s *ScanStore) MarkFailed(ctx context.Context, id int64, robots scan.RobotsDecision, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scans
		SET status = ?, robots_allowed = COALESCE(?, robots_allowed), finished_at = ?, error_message = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(scan.StatusFailed), knownRobots(robots), s.now(), message, id,
		string(scan.StatusDone), string(scan.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("mark scan %d failed: %w", id, err)
	}
	return nil
}

// ReplaceFindings swaps a scan's findings inside one transaction.
func (s *ScanStore) ReplaceFindings(ctx context.Context, id int64, findings []scan.Finding) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace findings: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM scans WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return tx.Rollback()
	}
	if err != nil {
		return fmt.Errorf("lookup scan %d: %w", id, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM findings WHERE scan_id = ?`, id); err != nil {
		return fmt.Errorf("delete findings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO findings
		(scan_id, viewport, rule_id, severity, wcag_refs, description, help_url, selector,
		 html_snippet, screenshot_ref, fix_hint, code_snippet)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare finding insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the transaction

	for _, f := range findings {
		refs := f.WCAGRefs
		if refs == nil {
			refs = []string{}
		}
		var encoded []byte
		if encoded, err = json.Marshal(refs); err != nil {
			return fmt.Errorf("marshal wcag refs: %w", err)
		}
		if _, err = stmt.ExecContext(ctx, id, f.Viewport, f.RuleID, string(f.Severity), string(encoded),
			f.Description, f.HelpURL, f.Selector, f.HTMLSnippet, f.ScreenshotRef, f.FixHint, f.CodeSnippet,
		); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit findings: %w", err)
	}
	return nil
}

// GetScan fetches one scan.
func (s *ScanStore) GetScan(ctx context.Context, id int64) (scan.Scan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	sc, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scan.Scan{}, scan.ErrNotFound
	}
	if err != nil {
		return scan.Scan{}, fmt.Errorf("get scan %d: %w", id, err)
	}
	return sc, nil
}

// ListFindings returns a scan's findings in insertion order.
func (s *ScanStore) ListFindings(ctx context.Context, id int64) ([]scan.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT viewport, rule_id, severity, wcag_refs, description, help_url, selector,
			html_snippet, screenshot_ref, fix_hint, code_snippet
		FROM findings WHERE scan_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	out := []scan.Finding{}
	for rows.Next() {
		var (
			f        scan.Finding
			severity string
			refs     string
			desc     sql.NullString
			help     sql.NullString
			selector sql.NullString
			html     sql.NullString
			shot     sql.NullString
			hint     sql.NullString
			code     sql.NullString
		)
		if err := rows.Scan(&f.Viewport, &f.RuleID, &severity, &refs, &desc, &help,
			&selector, &html, &shot, &hint, &code); err != nil {
			return nil, fmt.Errorf("scan finding row: %w", err)
		}
		f.Severity = scan.Severity(severity)
		f.WCAGRefs = []string{}
		if refs != "" {
			if err := json.Unmarshal([]byte(refs), &f.WCAGRefs); err != nil {
				return nil, fmt.Errorf("decode wcag refs: %w", err)
			}
		}
		f.Description = nullable(desc)
		f.HelpURL = nullable(help)
		f.Selector = nullable(selector)
		f.HTMLSnippet = nullable(html)
		f.ScreenshotRef = nullable(shot)
		f.FixHint = nullable(hint)
		f.CodeSnippet = nullable(code)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return out, nil
}

// ListScans returns up to limit scans, newest first.
func (s *ScanStore) ListScans(ctx context.Context, limit int) ([]scan.Scan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scanColumns+` FROM scans ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

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
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, finished_at = ?, error_message = ? WHERE status = ? AND started_at < ?`,
		string(scan.StatusFailed), s.now(), message, string(scan.StatusRunning), formatTime(startedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale scans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail stale rows: %w", err)
	}
	return int(n), nil
}

// Ping checks the database handle.
func (s *ScanStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *ScanStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *ScanStore) now() string {
	return formatTime(s.clock.Now())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (scan.Scan, error) {
	var (
		sc         scan.Scan
		status     string
		robots     string
		created    string
		errMsg     sql.NullString
		reportPath sql.NullString
		started    sql.NullString
		finished   sql.NullString
		summary    sql.NullString
	)
	if err := row.Scan(&sc.ID, &sc.URL, &status, &robots, &errMsg, &created,
		&started, &finished, &summary, &reportPath); err != nil {
		return scan.Scan{}, err
	}
	sc.Status = scan.Status(status)
	sc.RobotsAllowed = scan.RobotsDecision(robots)
	sc.ErrorMessage = nullable(errMsg)
	sc.ReportPath = nullable(reportPath)

	var err error
	if sc.CreatedAt, err = parseTime(created); err != nil {
		return scan.Scan{}, err
	}
	if sc.StartedAt, err = parseNullTime(started); err != nil {
		return scan.Scan{}, err
	}
	if sc.FinishedAt, err = parseNullTime(finished); err != nil {
		return scan.Scan{}, err
	}
	if summary.Valid && summary.String != "" {
		var sum scan.Summary
		if err := json.Unmarshal([]byte(summary.String), &sum); err != nil {
			return scan.Scan{}, fmt.Errorf("decode summary: %w", err)
		}
		sc.Summary = &sum
	}
	return sc, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func knownRobots(r scan.RobotsDecision) any {
	if r != scan.RobotsYes && r != scan.RobotsNo {
		return nil
	}
	return string(r)
}
