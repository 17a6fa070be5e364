package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/scan"
	"github.com/JakeFAU/a11yscan/internal/storage/memory"
)

type fakeRunner struct {
	mu    sync.Mutex
	store scan.Store
	ran   []int64
	fn    func(ctx context.Context, id int64) error
}

func (f *fakeRunner) Run(ctx context.Context, id int64) error {
	f.mu.Lock()
	f.ran = append(f.ran, id)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return f.store.MarkDone(ctx, id, scan.RobotsYes, scan.Summary{}, "reports/x/report.json")
}

func (f *fakeRunner) Ran() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ran...)
}

type errStore struct {
	scan.Store
	claims int
	mu     sync.Mutex
}

func (e *errStore) ClaimNextQueued(context.Context) (int64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claims++
	return 0, false, errors.New("database is locked")
}

func (e *errStore) Claims() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claims
}

func statusOf(t *testing.T, store scan.Store, id int64) scan.Status {
	t.Helper()
	sc, err := store.GetScan(context.Background(), id)
	require.NoError(t, err)
	return sc.Status
}

func TestWorker_RunProcessesQueuedScansInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewScanStore(nil)
	first, err := store.CreateScan(ctx, "https://example.com/a")
	require.NoError(t, err)
	second, err := store.CreateScan(ctx, "https://example.com/b")
	require.NoError(t, err)

	runner := &fakeRunner{store: store}
	w := New(store, runner, nil, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return statusOf(t, store, second) == scan.StatusDone
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []int64{first, second}, runner.Ran())
}

func TestWorker_RunOnceEmptyQueue(t *testing.T) {
	t.Parallel()

	store := memory.NewScanStore(nil)
	runner := &fakeRunner{store: store}
	w := New(store, runner, nil, Config{}, nil)

	claimed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, claimed)
	require.Empty(t, runner.Ran())
}

func TestWorker_RunnerErrorMarksFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewScanStore(nil)
	id, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)

	runner := &fakeRunner{fn: func(context.Context, int64) error {
		return errors.New("render desktop: navigation timeout")
	}}
	w := New(store, runner, nil, Config{}, zap.NewNop())

	claimed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	sc, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, sc.Status)
	require.Equal(t, scan.RobotsUnknown, sc.RobotsAllowed)
	require.Equal(t, "render desktop: navigation timeout", *sc.ErrorMessage)
}

func TestWorker_RunnerPanicMarksFailedAndLoopContinues(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewScanStore(nil)
	bad, err := store.CreateScan(ctx, "https://example.com/panic")
	require.NoError(t, err)
	good, err := store.CreateScan(ctx, "https://example.com/ok")
	require.NoError(t, err)

	runner := &fakeRunner{store: store}
	runner.fn = func(ctx context.Context, id int64) error {
		if id == bad {
			panic("nil map write")
		}
		return store.MarkDone(ctx, id, scan.RobotsYes, scan.Summary{}, "reports/2/report.json")
	}
	w := New(store, runner, nil, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return statusOf(t, store, good) == scan.StatusDone
	}, time.Second, 5*time.Millisecond)

	sc, err := store.GetScan(ctx, bad)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, sc.Status)
	require.Contains(t, *sc.ErrorMessage, "scan panicked: nil map write")
}

func TestWorker_OrchestratorFailureIsNotOverwritten(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewScanStore(nil)
	id, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)

	runner := &fakeRunner{fn: func(ctx context.Context, id int64) error {
		require.NoError(t, store.MarkFailed(ctx, id, scan.RobotsYes, "audit mobile: boom"))
		return errors.New("audit mobile: boom (wrapped)")
	}}
	w := New(store, runner, nil, Config{}, zap.NewNop())

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	sc, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusFailed, sc.Status)
	require.Equal(t, scan.RobotsYes, sc.RobotsAllowed)
	require.Equal(t, "audit mobile: boom", *sc.ErrorMessage)
}

func TestWorker_WakeSignalSkipsPollWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewScanStore(nil)
	runner := &fakeRunner{store: store}
	wake := make(chan struct{}, 1)
	w := New(store, runner, wake, Config{PollInterval: time.Hour}, zap.NewNop())
	go w.Run(ctx)

	id, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)
	wake <- struct{}{}

	require.Eventually(t, func() bool {
		return statusOf(t, store, id) == scan.StatusDone
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_ClaimErrorsKeepPolling(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	store := &errStore{}
	w := New(store, &fakeRunner{}, nil, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Claims() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

func TestWorker_MissingScanIsNotMarked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewScanStore(nil)
	_, err := store.CreateScan(ctx, "https://example.com")
	require.NoError(t, err)

	runner := &fakeRunner{fn: func(context.Context, int64) error {
		return scan.ErrNotFound
	}}
	w := New(store, runner, nil, Config{}, zap.NewNop())

	claimed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, scan.StatusRunning, statusOf(t, store, 1))
}
