package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/a11yscan/internal/metrics"
	"github.com/JakeFAU/a11yscan/internal/scan"
)

// AuditTags are the axe-core rule tags the audit runs.
var AuditTags = []string{"wcag2a", "wcag2aa", "wcag21aa", "best-practice"}

// Auditor injects axe-core into a freshly loaded page and runs it.
type Auditor struct {
	browser *Browser
	path    string

	mu     sync.Mutex
	source string
}

// NewAuditor wraps b. The axe source is read from b's AxePath on first use.
func NewAuditor(b *Browser) *Auditor {
	return &Auditor{browser: b, path: b.cfg.AxePath}
}

// Audit returns axe's {"violations": [...]} payload for rawURL at viewport.
func (a *Auditor) Audit(ctx context.Context, rawURL string, vp scan.Viewport) (json.RawMessage, error) {
	source, err := a.axeSource()
	if err != nil {
		return nil, err
	}
	script := runScript(AuditTags)

	start := time.Now()
	var raw []byte
	err = a.browser.withPage(ctx, rawURL, vp, func(taskCtx context.Context) error {
		return chromedp.Run(taskCtx,
			chromedp.Evaluate(source, nil),
			chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
				return p.WithAwaitPromise(true)
			}),
		)
	})
	metrics.ObserveViewportStage(vp.Name, "audit", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", vp.Name, err)
	}
	return json.RawMessage(raw), nil
}

func (a *Auditor) axeSource() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.source != "" {
		return a.source, nil
	}
	src, err := loadAxe(a.path)
	if err != nil {
		return "", err
	}
	a.source = src
	return src, nil
}

func loadAxe(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("axe-core path is not configured")
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured asset path.
	if err != nil {
		return "", fmt.Errorf("read axe-core: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", fmt.Errorf("axe-core file %s is empty", path)
	}
	return string(data), nil
}

func runScript(tags []string) string {
	encoded, _ := json.Marshal(tags) //nolint:errchkjson // []string always encodes
	return fmt.Sprintf(`axe.run(document, {runOnly: {type: "tag", values: %s}, resultTypes: ["violations"]})
	.then(function (r) { return {violations: r.violations}; })`, encoded)
}
