// Package findings converts raw accessibility audit output into structured
// findings and aggregates them into severity summaries.
package findings

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/a11yscan/internal/catalog"
	"github.com/JakeFAU/a11yscan/internal/scan"
)

const (
	// MaxNodesPerViolation caps emitted findings per rule and viewport.
	MaxNodesPerViolation = 30
	selectorSegments     = 2
	unknownRuleID        = "unknown"
)

// Normalize decodes a raw audit result and emits one finding per offending node.
// Payloads that are not an object with a violations list yield no findings.
func Normalize(raw json.RawMessage, viewport, screenshotRef string) []scan.Finding {
	if len(raw) == 0 {
		return []scan.Finding{}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return []scan.Finding{}
	}
	return NormalizeValue(decoded, viewport, screenshotRef)
}

// NormalizeValue is Normalize for an already-decoded payload.
func NormalizeValue(raw any, viewport, screenshotRef string) []scan.Finding {
	out := []scan.Finding{}
	root, ok := raw.(map[string]any)
	if !ok {
		return out
	}
	violations, ok := root["violations"].([]any)
	if !ok {
		return out
	}
	for _, item := range violations {
		violation, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, fromViolation(violation, viewport, screenshotRef)...)
	}
	return out
}

func fromViolation(v map[string]any, viewport, screenshotRef string) []scan.Finding {
	ruleID := stringField(v, "id")
	if ruleID == "" {
		ruleID = unknownRuleID
	}
	severity := catalog.ImpactToSeverity(stringField(v, "impact"))
	description := stringField(v, "description")
	if description == "" {
		description = stringField(v, "help")
	}
	helpURL := stringField(v, "helpUrl")
	entry := catalog.Enrich(ruleID)

	nodes, _ := v["nodes"].([]any)
	if len(nodes) > MaxNodesPerViolation {
		nodes = nodes[:MaxNodesPerViolation]
	}
	out := make([]scan.Finding, 0, len(nodes))
	for _, item := range nodes {
		node, _ := item.(map[string]any)
		refs := make([]string, len(entry.WCAG))
		copy(refs, entry.WCAG)
		out = append(out, scan.Finding{
			Viewport:      viewport,
			RuleID:        ruleID,
			Severity:      severity,
			WCAGRefs:      refs,
			Description:   optional(description),
			HelpURL:       optional(helpURL),
			Selector:      buildSelector(node),
			HTMLSnippet:   optional(stringField(node, "html")),
			ScreenshotRef: optional(screenshotRef),
			FixHint:       optional(entry.FixHint),
			CodeSnippet:   optional(entry.CodeSnippet),
		})
	}
	return out
}

// buildSelector joins the first two target segments with a single space.
func buildSelector(node map[string]any) *string {
	targets, ok := node["target"].([]any)
	if !ok || len(targets) == 0 {
		return nil
	}
	if len(targets) > selectorSegments {
		targets = targets[:selectorSegments]
	}
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		parts = append(parts, segment(t))
	}
	selector := strings.Join(parts, " ")
	return &selector
}

// segment flattens a target entry. Shadow DOM and iframe targets arrive as
// nested selector lists.
func segment(t any) string {
	switch v := t.(type) {
	case string:
		return v
	case []any:
		inner := make([]string, 0, len(v))
		for _, s := range v {
			inner = append(inner, segment(s))
		}
		return strings.Join(inner, " ")
	default:
		return fmt.Sprint(v)
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
