package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/a11yscan/internal/metrics"
	"github.com/JakeFAU/a11yscan/internal/scan"
)

// Renderer captures full-page PNG screenshots.
type Renderer struct {
	browser *Browser
}

// NewRenderer wraps b.
func NewRenderer(b *Browser) *Renderer {
	return &Renderer{browser: b}
}

// Capture loads rawURL at viewport and returns a full-page PNG.
func (r *Renderer) Capture(ctx context.Context, rawURL string, vp scan.Viewport) ([]byte, error) {
	start := time.Now()
	var png []byte
	err := r.browser.withPage(ctx, rawURL, vp, func(taskCtx context.Context) error {
		// Quality 100 selects PNG encoding.
		return chromedp.Run(taskCtx, chromedp.FullScreenshot(&png, 100))
	})
	metrics.ObserveViewportStage(vp.Name, "capture", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", vp.Name, err)
	}
	return png, nil
}
