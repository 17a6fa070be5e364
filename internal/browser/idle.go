package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// idleTracker signals once no requests have been in flight for quiet.
// Requests are keyed by id: redirect hops reuse the id of the original
// request and finish once.
type idleTracker struct {
	quiet time.Duration

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	timer    *time.Timer
	idle     chan struct{}
	once     sync.Once
}

func newIdleTracker(quiet time.Duration) *idleTracker {
	return &idleTracker{
		quiet:    quiet,
		inflight: make(map[network.RequestID]struct{}),
		idle:     make(chan struct{}),
	}
}

func (t *idleTracker) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.mu.Lock()
		t.inflight[e.RequestID] = struct{}{}
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.done(e.RequestID)
	case *network.EventLoadingFailed:
		t.done(e.RequestID)
	}
}

func (t *idleTracker) done(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	if len(t.inflight) == 0 {
		t.armLocked()
	}
}

func (t *idleTracker) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.quiet, func() {
		t.mu.Lock()
		quiet := len(t.inflight) == 0
		t.mu.Unlock()
		if quiet {
			t.once.Do(func() { close(t.idle) })
		}
	})
}

// wait blocks until idle, the budget expires or ctx ends. It reports whether
// the network went idle.
func (t *idleTracker) wait(ctx context.Context, budget time.Duration) bool {
	t.mu.Lock()
	if len(t.inflight) == 0 {
		// Navigation may have finished every request before we got here.
		t.armLocked()
	}
	t.mu.Unlock()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-t.idle:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
