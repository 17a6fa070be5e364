// Package postgres provides the Postgres-backed scan store.
package postgres

// Schema creates the scan and finding tables. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS scans (
	id             BIGSERIAL PRIMARY KEY,
	url            TEXT        NOT NULL,
	status         TEXT        NOT NULL DEFAULT 'queued',
	robots_allowed TEXT        NOT NULL DEFAULT 'unknown',
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ,
	summary        JSONB,
	report_path    TEXT
);

CREATE INDEX IF NOT EXISTS scans_status_id_idx ON scans (status, id);

CREATE TABLE IF NOT EXISTS findings (
	id             BIGSERIAL PRIMARY KEY,
	scan_id        BIGINT NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
	viewport       TEXT   NOT NULL,
	rule_id        TEXT   NOT NULL,
	severity       TEXT   NOT NULL,
	wcag_refs      JSONB  NOT NULL DEFAULT '[]',
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
