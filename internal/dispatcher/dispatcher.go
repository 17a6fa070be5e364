// Package dispatcher manages worker fan-out over the scan store.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/metrics"
	"github.com/JakeFAU/a11yscan/internal/scan"
	"github.com/JakeFAU/a11yscan/internal/worker"
)

// StaleMessage is recorded on scans reclaimed by the reaper.
const StaleMessage = "scan abandoned: worker lease expired"

// Config controls the worker pool and the stale-scan reaper.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// StaleAfter is how long a scan may stay running before it is failed.
	// Zero disables the reaper.
	StaleAfter   time.Duration
	ReapInterval time.Duration
}

// Dispatcher runs a pool of workers that contend for the same store.
type Dispatcher struct {
	store   scan.Store
	clock   scan.Clock
	cfg     Config
	wake    chan struct{}
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher with cfg.Concurrency workers around runner.
func New(store scan.Store, runner worker.Runner, clock scan.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		wake:   make(chan struct{}, cfg.Concurrency),
		logger: logger,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		d.workers = append(d.workers, worker.New(
			store,
			runner,
			d.wake,
			worker.Config{PollInterval: cfg.PollInterval},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return d
}

// Run starts all workers and the reaper and blocks until the context finishes
// and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.cfg.StaleAfter > 0 && d.clock != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.reapLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Notify nudges one idle worker. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Submit queues a scan and wakes a worker.
func (d *Dispatcher) Submit(ctx context.Context, url string) (int64, error) {
	id, err := d.store.CreateScan(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("create scan: %w", err)
	}
	d.Notify()
	return id, nil
}

// Reap fails running scans older than StaleAfter and returns how many changed.
func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	cutoff := d.clock.Now().Add(-d.cfg.StaleAfter)
	n, err := d.store.FailStale(ctx, cutoff, StaleMessage)
	if err != nil {
		return 0, fmt.Errorf("fail stale scans: %w", err)
	}
	if n > 0 {
		metrics.ObserveStaleFailed(n)
		d.logger.Warn("reaped stale scans", zap.Int("count", n), zap.Time("started_before", cutoff))
	}
	return n, nil
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Reap(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("reap stale scans", zap.Error(err))
			}
		}
	}
}
