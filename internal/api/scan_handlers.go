package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

const (
	defaultScanLimit = 50
	maxScanLimit     = 200
	storeTimeout     = 5 * time.Second
	maxRequestBody   = 64 << 10
)

type createScanRequest struct {
	URL string `json:"url"`
}

type createScanResponse struct {
	ScanID int64       `json:"scan_id"`
	Status scan.Status `json:"status"`
}

// createScan handles POST /v1/scans. It returns 202 with the queued id, or
// 400 when the body is not JSON or the url is not an absolute http(s) URL.
func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := validateTarget(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	id, err := s.submitter.Submit(ctx, target)
	if err != nil {
		s.logger.Error("submit scan failed", zap.String("url", target), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue scan")
		return
	}
	s.logger.Info("scan queued", zap.Int64("scan_id", id), zap.String("url", target))
	writeJSON(w, http.StatusAccepted, createScanResponse{ScanID: id, Status: scan.StatusQueued})
}

// listScans handles GET /v1/scans?limit=. It returns {"items": [...]} newest
// first, 400 for an invalid limit, or 500 if the store fails.
func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultScanLimit, maxScanLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	items, err := s.store.ListScans(ctx, limit)
	if err != nil {
		s.logger.Error("list scans failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	if items == nil {
		items = []scan.Scan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// getScan handles GET /v1/scans/{scan_id}. It returns the scan with its
// findings, 400 for malformed ids, or 404 when the scan does not exist.
func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id, err := parseScanID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	sc, err := s.store.GetScan(ctx, id)
	if err != nil {
		s.storeError(w, err, "failed to load scan")
		return
	}
	found, err := s.store.ListFindings(ctx, id)
	if err != nil {
		s.storeError(w, err, "failed to load findings")
		return
	}
	if found == nil {
		found = []scan.Finding{}
	}
	writeJSON(w, http.StatusOK, scan.Detail{Scan: sc, Findings: found})
}

// getReport handles GET /v1/scans/{scan_id}/report. It streams the stored
// report, or returns 404 when the scan is missing, not done, or its report
// artifact is gone.
func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	id, err := parseScanID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	body, err := s.openReport(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrNotFound):
			writeError(w, http.StatusNotFound, "scan not found")
		case errors.Is(err, scan.ErrReportUnavailable), errors.Is(err, scan.ErrArtifactNotFound):
			writeError(w, http.StatusNotFound, "report not available")
		default:
			s.logger.Error("open report failed", zap.Int64("scan_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load report")
		}
		return
	}
	defer body.Close() //nolint:errcheck // read-only stream

	w.Header().Set("Content-Type", s.opts.ReportContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream report failed", zap.Int64("scan_id", id), zap.Error(err))
	}
}

func (s *Server) openReport(ctx context.Context, id int64) (io.ReadCloser, error) {
	sc, err := s.store.GetScan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load scan: %w", err)
	}
	if sc.Status != scan.StatusDone || sc.ReportPath == nil || *sc.ReportPath == "" {
		return nil, scan.ErrReportUnavailable
	}
	body, err := s.blobs.GetObject(ctx, *sc.ReportPath)
	if err != nil {
		return nil, fmt.Errorf("open report object: %w", err)
	}
	return body, nil
}

func (s *Server) storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, scan.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func validateTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("url is not valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url must use http or https")
	}
	if u.Host == "" {
		return "", errors.New("url must include a host")
	}
	return raw, nil
}

func parseScanID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "scan_id")
	if raw == "" {
		return 0, errors.New("scan_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid scan_id")
	}
	return id, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
