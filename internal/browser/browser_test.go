package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

func TestSettleBudget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		requested time.Duration
		page      time.Duration
		want      time.Duration
	}{
		{"defaults to fifteen seconds", 0, 45 * time.Second, 15 * time.Second},
		{"capped by page timeout", 0, 5 * time.Second, 5 * time.Second},
		{"requested below cap", 3 * time.Second, 45 * time.Second, 3 * time.Second},
		{"requested above cap", time.Minute, 45 * time.Second, 15 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, settleBudget(tc.requested, tc.page))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{NavigationTimeout: time.Minute, PageTimeout: 20 * time.Second}.withDefaults()
	require.Equal(t, 20*time.Second, cfg.NavigationTimeout)
	require.Equal(t, 15*time.Second, cfg.SettleTimeout)

	empty := Config{}.withDefaults()
	require.Equal(t, defaultPageTimeout, empty.PageTimeout)
	require.Equal(t, defaultNavigationTimeout, empty.NavigationTimeout)
}

func TestNewDoesNotLaunchChrome(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	b, err := New(Config{MaxParallel: 2, ExecPath: "/nonexistent/chrome"}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, cap(b.sem))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.ensureStarted()
	require.ErrorIs(t, err, ErrClosed)
}

func TestEnsureStartedRelaunchesDeadBrowser(t *testing.T) {
	t.Parallel()

	b, err := New(Config{}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close() //nolint:errcheck // test cleanup

	var launches int
	b.launch = func(context.Context) error {
		launches++
		return nil
	}

	first, err := b.ensureStarted()
	require.NoError(t, err)
	again, err := b.ensureStarted()
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, launches)

	// Chrome going away cancels the browser context.
	b.browserCancel()

	relaunched, err := b.ensureStarted()
	require.NoError(t, err)
	require.Error(t, first.Err())
	require.NoError(t, relaunched.Err())
	require.Equal(t, 2, launches)
}

func TestEnsureStartedRetriesFailedLaunch(t *testing.T) {
	t.Parallel()

	b, err := New(Config{}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close() //nolint:errcheck // test cleanup

	fail := true
	b.launch = func(context.Context) error {
		if fail {
			return errors.New("chrome not found")
		}
		return nil
	}

	_, err = b.ensureStarted()
	require.ErrorContains(t, err, "start chrome: chrome not found")

	fail = false
	ctx, err := b.ensureStarted()
	require.NoError(t, err)
	require.NoError(t, ctx.Err())
}

func TestCaptureFailsWhenClosed(t *testing.T) {
	t.Parallel()

	b, err := New(Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = NewRenderer(b).Capture(context.Background(), "https://example.com", scan.Viewport{Name: "desktop", Width: 1280, Height: 720})
	require.ErrorIs(t, err, ErrClosed)
}

func TestAcquireSlotHonorsContext(t *testing.T) {
	t.Parallel()

	b := &Browser{sem: make(chan struct{}, 1)}
	release, err := b.acquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.acquireSlot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := b.acquireSlot(context.Background())
	require.NoError(t, err)
	release2()
}

func TestDomainBudgetLimitsPerHost(t *testing.T) {
	t.Parallel()

	b := &Browser{cfg: Config{DomainQPS: 1}}
	ctx := context.Background()
	require.NoError(t, b.waitDomainBudget(ctx, "https://Example.com/a"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, b.waitDomainBudget(short, "https://example.com/b"))

	require.NoError(t, b.waitDomainBudget(ctx, "https://other.test/"))

	unlimited := &Browser{}
	require.NoError(t, unlimited.waitDomainBudget(ctx, "https://example.com"))
}

func TestIdleTrackerSignalsAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(10 * time.Millisecond)
	tracker.handle(&network.EventRequestWillBeSent{RequestID: "1"})
	tracker.handle(&network.EventRequestWillBeSent{RequestID: "2"})
	tracker.handle(&network.EventLoadingFinished{RequestID: "1"})
	tracker.handle(&network.EventLoadingFailed{RequestID: "2"})

	require.True(t, tracker.wait(context.Background(), time.Second))
}

func TestIdleTrackerFollowsRedirects(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(50 * time.Millisecond)
	tracker.handle(&network.EventRequestWillBeSent{RequestID: "1"})
	tracker.handle(&network.EventRequestWillBeSent{
		RequestID:        "1",
		RedirectResponse: &network.Response{Status: 301},
	})
	tracker.handle(&network.EventLoadingFinished{RequestID: "1"})

	start := time.Now()
	require.True(t, tracker.wait(context.Background(), 2*time.Second))
	require.Less(t, time.Since(start), time.Second)
}

func TestIdleTrackerIgnoresUnknownCompletions(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(10 * time.Millisecond)
	tracker.handle(&network.EventRequestWillBeSent{RequestID: "doc"})
	tracker.handle(&network.EventLoadingFinished{RequestID: "other"})

	require.False(t, tracker.wait(context.Background(), 50*time.Millisecond))
}

func TestIdleTrackerExpiresWithInflightRequests(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(10 * time.Millisecond)
	tracker.handle(&network.EventRequestWillBeSent{RequestID: "1"})

	start := time.Now()
	require.False(t, tracker.wait(context.Background(), 50*time.Millisecond))
	require.Less(t, time.Since(start), time.Second)
}

func TestIdleTrackerWithNoTraffic(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(5 * time.Millisecond)
	require.True(t, tracker.wait(context.Background(), time.Second))
}

func TestLoadAxe(t *testing.T) {
	t.Parallel()

	_, err := loadAxe("")
	require.Error(t, err)

	_, err = loadAxe(filepath.Join(t.TempDir(), "missing.js"))
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.js")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	_, err = loadAxe(empty)
	require.Error(t, err)

	good := filepath.Join(t.TempDir(), "axe.min.js")
	require.NoError(t, os.WriteFile(good, []byte("window.axe = {};"), 0o600))
	src, err := loadAxe(good)
	require.NoError(t, err)
	require.Equal(t, "window.axe = {};", src)
}

func TestAuditorMissingAxeIsAnError(t *testing.T) {
	t.Parallel()

	b, err := New(Config{AxePath: filepath.Join(t.TempDir(), "nope.js")}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close() //nolint:errcheck // test cleanup

	_, err = NewAuditor(b).Audit(context.Background(), "https://example.com", scan.Viewport{Name: "mobile"})
	require.ErrorContains(t, err, "read axe-core")
}

func TestRunScriptIncludesTags(t *testing.T) {
	t.Parallel()

	script := runScript(AuditTags)
	for _, tag := range AuditTags {
		require.True(t, strings.Contains(script, `"`+tag+`"`), tag)
	}
	require.Contains(t, script, "resultTypes")
}
