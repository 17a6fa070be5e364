// Package report renders scan results into a persisted report document.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

// TopFindingsLimit bounds the highlighted findings list.
const TopFindingsLimit = 20

// Document is the JSON report layout.
type Document struct {
	ScanID        int64             `json:"scan_id"`
	URL           string            `json:"url"`
	GeneratedAt   string            `json:"generated_at"`
	RobotsAllowed bool              `json:"robots_allowed"`
	Summary       scan.Summary      `json:"summary"`
	Viewports     map[string]int    `json:"findings_by_viewport"`
	Screenshots   map[string]string `json:"screenshots"`
	TopFindings   []scan.Finding    `json:"top_findings"`
	Findings      []scan.Finding    `json:"findings"`
}

// JSONBuilder renders Document as indented JSON.
type JSONBuilder struct{}

// NewJSONBuilder returns a JSONBuilder.
func NewJSONBuilder() *JSONBuilder {
	return &JSONBuilder{}
}

// ContentType implements scan.ReportBuilder.
func (*JSONBuilder) ContentType() string { return "application/json" }

// Extension implements scan.ReportBuilder.
func (*JSONBuilder) Extension() string { return "json" }

// Build renders the report. It performs no I/O.
func (*JSONBuilder) Build(ctx context.Context, in scan.ReportInput) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("build report: %w", err)
	}
	doc := NewDocument(in)
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return out, nil
}

// NewDocument assembles the report layout from computed scan data.
func NewDocument(in scan.ReportInput) Document {
	findings := in.Findings
	if findings == nil {
		findings = []scan.Finding{}
	}
	shots := in.Screenshots
	if shots == nil {
		shots = map[string]string{}
	}
	perViewport := make(map[string]int, len(shots))
	for name := range shots {
		perViewport[name] = 0
	}
	for _, f := range findings {
		perViewport[f.Viewport]++
	}
	generated := in.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}
	return Document{
		ScanID:        in.ScanID,
		URL:           in.URL,
		GeneratedAt:   generated.UTC().Format(time.RFC3339),
		RobotsAllowed: in.RobotsAllowed,
		Summary:       in.Summary,
		Viewports:     perViewport,
		Screenshots:   shots,
		TopFindings:   topFindings(findings, TopFindingsLimit),
		Findings:      findings,
	}
}

var severityRank = map[scan.Severity]int{
	scan.SeverityCritical: 0,
	scan.SeveritySerious:  1,
	scan.SeverityModerate: 2,
	scan.SeverityMinor:    3,
}

// topFindings orders by severity, keeping discovery order within a bucket.
func topFindings(findings []scan.Finding, limit int) []scan.Finding {
	ranked := make([]scan.Finding, len(findings))
	copy(ranked, findings)
	sort.SliceStable(ranked, func(i, j int) bool {
		return rank(ranked[i].Severity) < rank(ranked[j].Severity)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func rank(s scan.Severity) int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[scan.SeverityModerate]
}
