package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestScanStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store := NewScanStore(clock)
	ctx := context.Background()

	id, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	queued, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusQueued, queued.Status)
	require.Equal(t, scan.RobotsUnknown, queued.RobotsAllowed)
	require.Nil(t, queued.StartedAt)
	require.Nil(t, queued.FinishedAt)
	require.Nil(t, queued.Summary)
	require.Nil(t, queued.ReportPath)

	claimed, ok, err := store.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, claimed)

	_, ok, err = store.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Minute)
	summary := scan.Summary{Total: 1, Minor: 1}
	require.NoError(t, store.MarkDone(ctx, id, scan.RobotsYes, summary, "reports/1/report.json"))

	done, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusDone, done.Status)
	require.Equal(t, scan.RobotsYes, done.RobotsAllowed)
	require.Equal(t, summary, *done.Summary)
	require.Equal(t, "reports/1/report.json", *done.ReportPath)
	require.NotNil(t, done.FinishedAt)
	require.True(t, done.FinishedAt.After(*done.StartedAt))

	// Terminal scans never change again.
	require.NoError(t, store.MarkFailed(ctx, id, scan.RobotsNo, "late failure"))
	after, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, done, after)
}

func TestScanStoreClaimOrderIsFIFO(t *testing.T) {
	t.Parallel()

	store := NewScanStore(nil)
	ctx := context.Background()
	for _, u := range []string{"https://a.test", "https://b.test", "https://c.test"} {
		_, err := store.CreateScan(ctx, u)
		require.NoError(t, err)
	}
	for want := int64(1); want <= 3; want++ {
		id, ok, err := store.ClaimNextQueued(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, id)
	}
}

func TestScanStoreClaimExclusivity(t *testing.T) {
	t.Parallel()

	store := NewScanStore(nil)
	ctx := context.Background()
	_, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := store.ClaimNextQueued(ctx); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestScanStoreMissingIDsAreNoOps(t *testing.T) {
	t.Parallel()

	store := NewScanStore(nil)
	ctx := context.Background()
	require.NoError(t, store.MarkDone(ctx, 99, scan.RobotsYes, scan.Summary{}, "x"))
	require.NoError(t, store.MarkFailed(ctx, 99, scan.RobotsNo, "gone"))
	require.NoError(t, store.ReplaceFindings(ctx, 99, []scan.Finding{{RuleID: "x"}}))

	_, err := store.GetScan(ctx, 99)
	require.ErrorIs(t, err, scan.ErrNotFound)
	found, err := store.ListFindings(ctx, 99)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestScanStoreReplaceFindings(t *testing.T) {
	t.Parallel()

	store := NewScanStore(nil)
	ctx := context.Background()
	id, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)

	first := []scan.Finding{{RuleID: "a"}, {RuleID: "b"}}
	require.NoError(t, store.ReplaceFindings(ctx, id, first))
	first[0].RuleID = "mutated"

	second := []scan.Finding{{RuleID: "c"}}
	require.NoError(t, store.ReplaceFindings(ctx, id, second))

	found, err := store.ListFindings(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []scan.Finding{{RuleID: "c"}}, found)
}

func TestScanStoreMarkFailedKeepsKnownRobots(t *testing.T) {
	t.Parallel()

	store := NewScanStore(nil)
	ctx := context.Background()
	id, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)
	_, _, err = store.ClaimNextQueued(ctx)
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, id, scan.RobotsUnknown, "navigation failed"))
	failed, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, failed.Status)
	require.Equal(t, scan.RobotsUnknown, failed.RobotsAllowed)
	require.Equal(t, "navigation failed", *failed.ErrorMessage)
	require.NotNil(t, failed.FinishedAt)
	require.Nil(t, failed.Summary)
}

func TestScanStoreListScansNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewScanStore(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.CreateScan(ctx, "https://example.com")
		require.NoError(t, err)
	}
	scans, err := store.ListScans(ctx, 3)
	require.NoError(t, err)
	require.Len(t, scans, 3)
	require.EqualValues(t, 5, scans[0].ID)
	require.EqualValues(t, 3, scans[2].ID)
}

func TestScanStoreFailStale(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewScanStore(clock)
	ctx := context.Background()

	oldID, err := store.CreateScan(ctx, "https://old.test")
	require.NoError(t, err)
	_, _, err = store.ClaimNextQueued(ctx)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	freshID, err := store.CreateScan(ctx, "https://fresh.test")
	require.NoError(t, err)
	_, _, err = store.ClaimNextQueued(ctx)
	require.NoError(t, err)

	n, err := store.FailStale(ctx, clock.Now().Add(-30*time.Minute), "worker lost")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	old, err := store.GetScan(ctx, oldID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, old.Status)
	require.Equal(t, "worker lost", *old.ErrorMessage)

	fresh, err := store.GetScan(ctx, freshID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusRunning, fresh.Status)
}
