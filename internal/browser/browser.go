// Package browser drives headless Chrome through chromedp to capture
// screenshots and run axe-core audits. Every capture and every audit uses its
// own tab and its own page load.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("browser closed")

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultPageTimeout       = 45 * time.Second
	maxSettleTimeout         = 15 * time.Second
	idleQuietPeriod          = 500 * time.Millisecond
)

// Config controls the headless browser.
type Config struct {
	UserAgent string
	// PageTimeout bounds one page load plus capture or audit.
	PageTimeout time.Duration
	// NavigationTimeout bounds the navigation itself.
	NavigationTimeout time.Duration
	// SettleTimeout bounds the best-effort network idle wait.
	SettleTimeout time.Duration
	// DomainQPS limits page loads per host; zero disables limiting.
	DomainQPS float64
	// MaxParallel caps concurrently open tabs; zero means unlimited.
	MaxParallel int
	// AxePath points at axe.min.js.
	AxePath string
	// ExecPath overrides the Chrome binary.
	ExecPath string
}

func (c Config) withDefaults() Config {
	if c.PageTimeout <= 0 {
		c.PageTimeout = defaultPageTimeout
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.NavigationTimeout > c.PageTimeout {
		c.NavigationTimeout = c.PageTimeout
	}
	c.SettleTimeout = settleBudget(c.SettleTimeout, c.PageTimeout)
	return c
}

// settleBudget caps the idle wait at min(page timeout, 15s).
func settleBudget(requested, page time.Duration) time.Duration {
	budget := maxSettleTimeout
	if page > 0 && page < budget {
		budget = page
	}
	if requested > 0 && requested < budget {
		budget = requested
	}
	return budget
}

// Browser owns one Chrome process and hands out tabs.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	// launch starts Chrome on a fresh browser context.
	launch func(context.Context) error

	startMu sync.Mutex
	started bool
	closed  bool

	sem      chan struct{}
	limiters sync.Map
}

// New prepares an allocator. Chrome itself starts on first use.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	var sem chan struct{}
	if cfg.MaxParallel > 0 {
		sem = make(chan struct{}, cfg.MaxParallel)
	}
	return &Browser{
		cfg:           cfg,
		logger:        logger,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		launch:        func(ctx context.Context) error { return chromedp.Run(ctx) },
		sem:           sem,
	}, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.browserCancel()
	b.allocCancel()
	return nil
}

// ensureStarted launches Chrome on the browser context so tabs share it and
// returns that context. A dead browser context (Chrome crashed or was killed)
// is replaced and Chrome is launched again.
func (b *Browser) ensureStarted() (context.Context, error) {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.started && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	if err := b.browserCtx.Err(); err != nil {
		if b.started {
			b.logger.Warn("chrome exited; relaunching", zap.Error(err))
		}
		b.browserCancel()
		b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)
		b.started = false
	}
	if err := b.launch(b.browserCtx); err != nil {
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	b.started = true
	return b.browserCtx, nil
}

// withPage opens a fresh tab sized to viewport, loads rawURL, waits for the
// network to settle (best effort) and then runs fn against the tab.
func (b *Browser) withPage(ctx context.Context, rawURL string, vp scan.Viewport, fn func(context.Context) error) error {
	browserCtx, err := b.ensureStarted()
	if err != nil {
		return err
	}
	release, err := b.acquireSlot(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := b.waitDomainBudget(ctx, rawURL); err != nil {
		return fmt.Errorf("page rate limit: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	if err := chromedp.Run(tabCtx); err != nil {
		return fmt.Errorf("open tab: %w", err)
	}

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.cfg.PageTimeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	idle := newIdleTracker(idleQuietPeriod)
	chromedp.ListenTarget(tabCtx, idle.handle)

	if err := chromedp.Run(taskCtx, b.setupActions(vp)); err != nil {
		return fmt.Errorf("prepare tab: %w", err)
	}

	navCtx, cancelNav := context.WithTimeout(taskCtx, b.cfg.NavigationTimeout)
	err = chromedp.Run(navCtx, chromedp.Navigate(rawURL))
	cancelNav()
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	if !idle.wait(taskCtx, b.cfg.SettleTimeout) {
		b.logger.Debug("network idle wait expired",
			zap.String("url", rawURL),
			zap.String("viewport", vp.Name),
			zap.Duration("settle_timeout", b.cfg.SettleTimeout),
		)
	}
	return fn(taskCtx)
}

func (b *Browser) setupActions(vp scan.Viewport) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		mobile := vp.Width > 0 && vp.Width < 768
		if err := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1, mobile).Do(ctx); err != nil {
			return fmt.Errorf("set viewport %s: %w", vp.Name, err)
		}
		return nil
	})
}

func (b *Browser) acquireSlot(ctx context.Context) (func(), error) {
	if b.sem == nil {
		return func() {}, nil
	}
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser slot: %w", ctx.Err())
	}
}

func (b *Browser) waitDomainBudget(ctx context.Context, rawURL string) error {
	if b.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse page url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := b.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(b.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

// forwardCancel cancels the task when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
