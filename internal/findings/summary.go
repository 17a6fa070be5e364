package findings

import (
	"strings"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

// Summarize counts findings by severity. Values outside the four buckets count
// as moderate.
func Summarize(list []scan.Finding) scan.Summary {
	var s scan.Summary
	for _, f := range list {
		switch scan.Severity(strings.ToLower(string(f.Severity))) {
		case scan.SeverityCritical:
			s.Critical++
		case scan.SeveritySerious:
			s.Serious++
		case scan.SeverityMinor:
			s.Minor++
		default:
			s.Moderate++
		}
	}
	s.Total = s.Critical + s.Serious + s.Moderate + s.Minor
	return s
}
