// Package worker implements the scan queue consumption loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/metrics"
	"github.com/JakeFAU/a11yscan/internal/scan"
)

// DefaultPollInterval is the idle wait between empty claims.
const DefaultPollInterval = 1500 * time.Millisecond

const failTimeout = 10 * time.Second

// Runner executes the pipeline for one claimed scan.
type Runner interface {
	Run(ctx context.Context, id int64) error
}

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
}

// Worker claims queued scans and runs them one at a time.
type Worker struct {
	store  scan.Store
	runner Runner
	wake   <-chan struct{}
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker. wake may be nil, in which case the worker relies on
// polling alone.
func New(store scan.Store, runner Runner, wake <-chan struct{}, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:  store,
		runner: runner,
		wake:   wake,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, claiming and processing scans until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("claim scan failed", zap.Error(err))
		}
		if claimed {
			continue
		}
		if !w.idle(ctx) {
			return
		}
	}
}

// RunOnce claims at most one scan and processes it. It reports whether a scan
// was claimed; the returned error covers the claim itself only.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	id, ok, err := w.store.ClaimNextQueued(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next queued: %w", err)
	}
	if !ok {
		return false, nil
	}
	w.process(ctx, id)
	return true, nil
}

// idle waits for the poll interval, a wake signal or cancellation. It returns
// false once the context is done.
func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-w.wake:
	}
	return true
}

func (w *Worker) process(ctx context.Context, id int64) {
	logger := w.logger.With(zap.Int64("scan_id", id))
	logger.Debug("claimed scan")
	metrics.IncActiveScans()
	defer metrics.DecActiveScans()

	start := time.Now()
	err := w.runSafely(ctx, id)
	switch {
	case err == nil:
		logger.Debug("scan finished", zap.Duration("elapsed", time.Since(start)))
		return
	case errors.Is(err, scan.ErrNotFound):
		logger.Warn("claimed scan disappeared", zap.Error(err))
		return
	}
	logger.Error("scan run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	if markErr := w.store.MarkFailed(failCtx, id, scan.RobotsUnknown, err.Error()); markErr != nil {
		logger.Error("mark scan failed", zap.Error(markErr))
	}
}

func (w *Worker) runSafely(ctx context.Context, id int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return w.runner.Run(ctx, id)
}
