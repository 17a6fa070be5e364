package catalog

// Entry is the static enrichment for one rule.
type Entry struct {
	WCAG        []string
	FixHint     string
	CodeSnippet string
}

type hint struct {
	fix  string
	code string
}

// Common axe rule ids and the WCAG success criteria they test. Not exhaustive.
var ruleToWCAG = map[string][]string{
	"color-contrast":        {"1.4.3"},
	"image-alt":             {"1.1.1"},
	"label":                 {"1.3.1", "3.3.2"},
	"label-title-only":      {"1.3.1", "3.3.2"},
	"aria-required-attr":    {"4.1.2"},
	"aria-allowed-attr":     {"4.1.2"},
	"aria-valid-attr-value": {"4.1.2"},
	"button-name":           {"4.1.2"},
	"link-name":             {"4.1.2"},
	"document-title":        {"2.4.2"},
	"html-has-lang":         {"3.1.1"},
	"landmark-one-main":     {"1.3.1", "2.4.1"},
	"page-has-heading-one":  {"1.3.1", "2.4.6"},
	"heading-order":         {"1.3.1", "2.4.6"},
	"region":                {"1.3.1", "2.4.1"},
}

var hints = map[string]hint{
	"color-contrast": {
		fix:  "Increase text/background contrast. Normal text needs at least 4.5:1, large text at least 3:1.",
		code: "/* Example */\n.button { color: #111; background: #fff; }",
	},
	"image-alt": {
		fix:  "Give informative images meaningful alt text. Decorative images get an empty alt (alt=\"\").",
		code: `<img src="..." alt="Describe the image meaningfully" />`,
	},
	"label": {
		fix:  "Associate every form control with a <label> or give it an accessible name (aria-label/aria-labelledby).",
		code: "<label for=\"email\">Email</label>\n<input id=\"email\" name=\"email\" type=\"email\" />",
	},
	"button-name": {
		fix:  "Buttons need an accessible name: visible text, aria-label or aria-labelledby.",
		code: "<button aria-label=\"Open menu\">\n  <svg ...></svg>\n</button>",
	},
	"link-name": {
		fix:  "Links need a clear accessible name. Avoid empty links and icon-only links without aria-label.",
		code: "<a href=\"/help\" aria-label=\"Help\">\n  <svg ...></svg>\n</a>",
	},
	"document-title": {
		fix:  "Add a unique, descriptive <title> to the <head> so users can identify the page.",
		code: "<head>\n  <title>Checkout - Example Shop</title>\n</head>",
	},
	"html-has-lang": {
		fix:  "Set the document language on the <html> element.",
		code: "<html lang=\"de\">\n  ...\n</html>",
	},
	"landmark-one-main": {
		fix:  "Provide exactly one <main> landmark to help screen reader navigation.",
		code: "<main>\n  ...\n</main>",
	},
}

// Enrich returns the WCAG references and remediation hint for a rule id.
// Unknown rules yield an empty reference list and empty hint strings.
func Enrich(ruleID string) Entry {
	refs := ruleToWCAG[ruleID]
	entry := Entry{WCAG: make([]string, len(refs))}
	copy(entry.WCAG, refs)
	if h, ok := hints[ruleID]; ok {
		entry.FixHint = h.fix
		entry.CodeSnippet = h.code
	}
	return entry
}

// Known reports whether the catalog has any data for the rule id.
func Known(ruleID string) bool {
	_, refOK := ruleToWCAG[ruleID]
	_, hintOK := hints[ruleID]
	return refOK || hintOK
}
