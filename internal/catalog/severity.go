// Package catalog maps accessibility rule identifiers to WCAG references and
// remediation hints, and normalizes audit impact levels.
package catalog

import (
	"strings"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

// ImpactToSeverity maps an audit impact string onto one of the four severity
// buckets. Absent or unrecognized impacts map to moderate.
func ImpactToSeverity(impact string) scan.Severity {
	switch scan.Severity(strings.ToLower(strings.TrimSpace(impact))) {
	case scan.SeverityCritical:
		return scan.SeverityCritical
	case scan.SeveritySerious:
		return scan.SeveritySerious
	case scan.SeverityMinor:
		return scan.SeverityMinor
	default:
		return scan.SeverityModerate
	}
}
