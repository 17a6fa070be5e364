package scan

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Store persists scans and their findings. Mutations against a missing id are no-ops.
type Store interface {
	CreateScan(ctx context.Context, url string) (int64, error)
	// ClaimNextQueued moves the oldest queued scan to running. ok is false when
	// nothing was queued or another caller won the race for the candidate row.
	ClaimNextQueued(ctx context.Context) (id int64, ok bool, err error)
	MarkDone(ctx context.Context, id int64, robots RobotsDecision, summary Summary, reportPath string) error
	MarkFailed(ctx context.Context, id int64, robots RobotsDecision, message string) error
	ReplaceFindings(ctx context.Context, id int64, findings []Finding) error
	GetScan(ctx context.Context, id int64) (Scan, error)
	ListFindings(ctx context.Context, id int64) ([]Finding, error)
	ListScans(ctx context.Context, limit int) ([]Scan, error)
	// FailStale fails running scans started before the cutoff and returns how many changed.
	FailStale(ctx context.Context, startedBefore time.Time, message string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Renderer captures a full-page screenshot of a URL at a viewport.
type Renderer interface {
	Capture(ctx context.Context, url string, viewport Viewport) ([]byte, error)
}

// Auditor runs an accessibility audit and returns the engine's raw result.
type Auditor interface {
	Audit(ctx context.Context, url string, viewport Viewport) (json.RawMessage, error)
}

// RobotsChecker decides whether automated access to a URL is permitted.
type RobotsChecker interface {
	IsAllowed(ctx context.Context, url string) (bool, string)
}

// ReportBuilder renders a report document from computed scan data.
type ReportBuilder interface {
	Build(ctx context.Context, input ReportInput) ([]byte, error)
	ContentType() string
	Extension() string
}

// BlobStore writes and reads artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
