// Package pipeline runs one claimed scan end to end: robots gate, per-viewport
// capture and audit, normalization, persistence, report and finalization.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/catalog"
	"github.com/JakeFAU/a11yscan/internal/findings"
	"github.com/JakeFAU/a11yscan/internal/metrics"
	"github.com/JakeFAU/a11yscan/internal/scan"
)

const (
	tracerName = "github.com/JakeFAU/a11yscan/internal/pipeline"

	// RobotsBlockedPrefix starts the failure message of a robots-blocked scan.
	RobotsBlockedPrefix = "Blocked by robots.txt: "

	finalizeTimeout = 10 * time.Second
)

// Config controls Orchestrator behavior.
type Config struct {
	// EnforceRobots fails scans whose URL robots.txt disallows.
	EnforceRobots bool
	Viewports     []scan.Viewport
	// Topic receives scan-completed events when a publisher is configured.
	Topic string
}

// Deps groups the collaborators the pipeline drives.
type Deps struct {
	Store     scan.Store
	Robots    scan.RobotsChecker
	Renderer  scan.Renderer
	Auditor   scan.Auditor
	Blobs     scan.BlobStore
	Reports   scan.ReportBuilder
	Publisher scan.Publisher
	Clock     scan.Clock
}

// Orchestrator executes the scan pipeline. It holds no per-scan state.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	scanDuration metric.Float64Histogram
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Robots == nil:
		return nil, errors.New("robots checker is required")
	case deps.Renderer == nil:
		return nil, errors.New("renderer is required")
	case deps.Auditor == nil:
		return nil, errors.New("auditor is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Reports == nil:
		return nil, errors.New("report builder is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if len(cfg.Viewports) == 0 {
		return nil, errors.New("at least one viewport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scanDuration, err := otel.Meter(tracerName).Float64Histogram(
		// Underscored so the Prometheus bridge exposes it next to the native collectors.
		"a11y_scan_duration_seconds",
		metric.WithDescription("Wall time of a scan pipeline run, labeled by terminal status."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scan duration histogram: %w", err)
	}
	return &Orchestrator{
		deps:         deps,
		cfg:          cfg,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		scanDuration: scanDuration,
	}, nil
}

// ScreenshotPath is the artifact key of a viewport screenshot.
func ScreenshotPath(id int64, viewport string) string {
	return fmt.Sprintf("screenshots/%d/%s.png", id, viewport)
}

// ReportPath is the artifact key of a scan report.
func ReportPath(id int64, ext string) string {
	return fmt.Sprintf("reports/%d/report.%s", id, ext)
}

// Run executes the pipeline for a claimed scan. A missing scan returns
// scan.ErrNotFound without touching the store. Any later error marks the
// scan failed and is returned.
func (o *Orchestrator) Run(ctx context.Context, id int64) (err error) {
	ctx, span := o.tracer.Start(ctx, "scan.run", trace.WithAttributes(attribute.Int64("scan.id", id)))
	defer span.End()

	sc, err := o.deps.Store.GetScan(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load scan")
		return fmt.Errorf("load scan %d: %w", id, err)
	}
	span.SetAttributes(attribute.String("scan.url", sc.URL))
	logger := o.logger.With(zap.Int64("scan_id", id), zap.String("url", sc.URL))

	start := time.Now()
	status := scan.StatusDone
	defer func() {
		o.scanDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("status", string(status))))
	}()

	robots := scan.RobotsUnknown
	defer func() {
		if err == nil {
			return
		}
		status = scan.StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		o.fail(ctx, logger, sc, robots, err.Error())
	}()

	allowed, info := o.deps.Robots.IsAllowed(ctx, sc.URL)
	robots = scan.RobotsFromBool(allowed)
	logger.Debug("robots evaluated", zap.Bool("allowed", allowed), zap.String("robots", info))
	if !allowed && o.cfg.EnforceRobots {
		status = scan.StatusFailed
		o.fail(ctx, logger, sc, robots, RobotsBlockedPrefix+info)
		return nil
	}

	var (
		all         = []scan.Finding{}
		screenshots = make(map[string]string, len(o.cfg.Viewports))
	)
	for _, vp := range o.cfg.Viewports {
		found, shot, vpErr := o.runViewport(ctx, id, sc.URL, vp)
		if vpErr != nil {
			return vpErr
		}
		screenshots[vp.Name] = shot
		all = append(all, found...)
		logger.Debug("viewport audited", zap.String("viewport", vp.Name), zap.Int("findings", len(found)))
	}

	summary := findings.Summarize(all)
	if err := o.deps.Store.ReplaceFindings(ctx, id, all); err != nil {
		return fmt.Errorf("persist findings: %w", err)
	}

	reportPath, err := o.writeReport(ctx, sc, allowed, summary, all, screenshots)
	if err != nil {
		return err
	}
	if err := o.deps.Store.MarkDone(ctx, id, robots, summary, reportPath); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}

	metrics.ObserveScan(string(scan.StatusDone))
	observeSummary(summary)
	span.SetAttributes(attribute.Int("scan.findings", summary.Total))
	logger.Info("scan completed",
		zap.Int("findings", summary.Total),
		zap.Int("critical", summary.Critical),
		zap.Int("serious", summary.Serious),
		zap.String("report_path", reportPath),
	)
	sum := summary
	o.publish(ctx, logger, scan.CompletedEvent{
		ScanID:    id,
		URL:       sc.URL,
		Status:    scan.StatusDone,
		Summary:   &sum,
		Timestamp: o.deps.Clock.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

// runViewport captures, stores, audits and normalizes one viewport. Capture
// and audit are separate page loads.
func (o *Orchestrator) runViewport(
	ctx context.Context,
	id int64,
	url string,
	vp scan.Viewport,
) ([]scan.Finding, string, error) {
	ctx, span := o.tracer.Start(ctx, "scan.viewport", trace.WithAttributes(attribute.String("viewport", vp.Name)))
	defer span.End()

	png, err := o.deps.Renderer.Capture(ctx, url, vp)
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("render %s: %w", vp.Name, err)
	}
	shotRef, err := o.deps.Blobs.PutObject(ctx, ScreenshotPath(id, vp.Name), "image/png", bytes.NewReader(png))
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("store %s screenshot: %w", vp.Name, err)
	}
	raw, err := o.deps.Auditor.Audit(ctx, url, vp)
	if err != nil {
		span.RecordError(err)
		return nil, "", fmt.Errorf("audit %s: %w", vp.Name, err)
	}
	found := findings.Normalize(raw, vp.Name, shotRef)
	for _, rule := range unmappedRules(found) {
		metrics.ObserveUnmappedRule(rule)
		o.logger.Debug("audit rule has no catalog entry",
			zap.Int64("scan_id", id),
			zap.String("viewport", vp.Name),
			zap.String("rule_id", rule),
		)
	}
	return found, shotRef, nil
}

// unmappedRules lists, once each and in first-seen order, the rule ids the
// catalog has no WCAG references or hints for.
func unmappedRules(fs []scan.Finding) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range fs {
		if seen[f.RuleID] {
			continue
		}
		seen[f.RuleID] = true
		if !catalog.Known(f.RuleID) {
			out = append(out, f.RuleID)
		}
	}
	return out
}

func (o *Orchestrator) writeReport(
	ctx context.Context,
	sc scan.Scan,
	robotsAllowed bool,
	summary scan.Summary,
	all []scan.Finding,
	screenshots map[string]string,
) (string, error) {
	doc, err := o.deps.Reports.Build(ctx, scan.ReportInput{
		ScanID:        sc.ID,
		URL:           sc.URL,
		RobotsAllowed: robotsAllowed,
		Summary:       summary,
		Findings:      all,
		Screenshots:   screenshots,
		GeneratedAt:   o.deps.Clock.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("build report: %w", err)
	}
	path := ReportPath(sc.ID, o.deps.Reports.Extension())
	if _, err := o.deps.Blobs.PutObject(ctx, path, o.deps.Reports.ContentType(), bytes.NewReader(doc)); err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return path, nil
}

// fail records a terminal failure. It survives caller cancellation so a
// shutdown mid-scan still leaves a terminal state when possible.
func (o *Orchestrator) fail(ctx context.Context, logger *zap.Logger, sc scan.Scan, robots scan.RobotsDecision, message string) {
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := o.deps.Store.MarkFailed(finalizeCtx, sc.ID, robots, message); err != nil {
		logger.Error("mark failed", zap.Error(err))
		return
	}
	metrics.ObserveScan(string(scan.StatusFailed))
	logger.Warn("scan failed", zap.String("robots_allowed", string(robots)), zap.String("error", message))
	o.publish(finalizeCtx, logger, scan.CompletedEvent{
		ScanID:    sc.ID,
		URL:       sc.URL,
		Status:    scan.StatusFailed,
		Error:     message,
		Timestamp: o.deps.Clock.Now().UTC().Format(time.RFC3339),
	})
}

func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, event scan.CompletedEvent) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	msgID, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish scan event failed", zap.Error(err))
		return
	}
	logger.Debug("scan event published", zap.String("message_id", msgID), zap.String("status", string(event.Status)))
}

func observeSummary(s scan.Summary) {
	metrics.ObserveFindings(string(scan.SeverityCritical), s.Critical)
	metrics.ObserveFindings(string(scan.SeveritySerious), s.Serious)
	metrics.ObserveFindings(string(scan.SeverityModerate), s.Moderate)
	metrics.ObserveFindings(string(scan.SeverityMinor), s.Minor)
}
