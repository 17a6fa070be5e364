package scan

import "time"

// Status represents the lifecycle state of a scan.
type Status string

// Scan status values persisted in the scan store.
const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// RobotsDecision records the outcome of the robots gate.
type RobotsDecision string

// Robots decision values.
const (
	RobotsUnknown RobotsDecision = "unknown"
	RobotsYes     RobotsDecision = "yes"
	RobotsNo      RobotsDecision = "no"
)

// RobotsFromBool maps a gate verdict onto the persisted decision.
func RobotsFromBool(allowed bool) RobotsDecision {
	if allowed {
		return RobotsYes
	}
	return RobotsNo
}

// Severity is the normalized impact bucket of a finding.
type Severity string

// Severity buckets, most severe first.
const (
	SeverityCritical Severity = "critical"
	SeveritySerious  Severity = "serious"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

// Scan is one accessibility check run against a single URL.
type Scan struct {
	ID            int64          `json:"id"`
	URL           string         `json:"url"`
	Status        Status         `json:"status"`
	RobotsAllowed RobotsDecision `json:"robots_allowed"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Summary       *Summary       `json:"summary,omitempty"`
	ReportPath    *string        `json:"report_path,omitempty"`
}

// Summary aggregates finding counts by severity.
type Summary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Serious  int `json:"serious"`
	Moderate int `json:"moderate"`
	Minor    int `json:"minor"`
}

// Finding is one normalized accessibility violation instance.
type Finding struct {
	Viewport      string   `json:"viewport"`
	RuleID        string   `json:"rule_id"`
	Severity      Severity `json:"severity"`
	WCAGRefs      []string `json:"wcag_refs"`
	Description   *string  `json:"description,omitempty"`
	HelpURL       *string  `json:"help_url,omitempty"`
	Selector      *string  `json:"selector,omitempty"`
	HTMLSnippet   *string  `json:"html_snippet,omitempty"`
	ScreenshotRef *string  `json:"screenshot_ref,omitempty"`
	FixHint       *string  `json:"fix_hint,omitempty"`
	CodeSnippet   *string  `json:"code_snippet,omitempty"`
}

// Viewport is a named width x height rendering profile.
type Viewport struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ReportInput is everything the report builder needs, already computed.
type ReportInput struct {
	ScanID        int64             `json:"scan_id"`
	URL           string            `json:"url"`
	RobotsAllowed bool              `json:"robots_allowed"`
	Summary       Summary           `json:"summary"`
	Findings      []Finding         `json:"findings"`
	Screenshots   map[string]string `json:"screenshots"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// Detail is returned by the API for a single scan.
type Detail struct {
	Scan
	Findings []Finding `json:"findings"`
}

// CompletedEvent is published once a scan reaches a terminal state.
type CompletedEvent struct {
	ScanID    int64    `json:"scan_id"`
	URL       string   `json:"url"`
	Status    Status   `json:"status"`
	Summary   *Summary `json:"summary,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp string   `json:"timestamp"`
}
