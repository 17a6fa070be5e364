package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

// ScanStore provides an in-memory scan store for development/testing.
type ScanStore struct {
	mu       sync.RWMutex
	clock    scan.Clock
	nextID   int64
	scans    map[int64]scan.Scan
	findings map[int64][]scan.Finding
}

// NewScanStore constructs a ScanStore. A nil clock uses UTC wall time.
func NewScanStore(clock scan.Clock) *ScanStore {
	if clock == nil {
		clock = utcClock{}
	}
	return &ScanStore{
		clock:    clock,
		scans:    make(map[int64]scan.Scan),
		findings: make(map[int64][]scan.Finding),
	}
}

// CreateScan stores a new queued scan.
func (s *ScanStore) CreateScan(_ context.Context, url string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.scans[id] = scan.Scan{
		ID:            id,
		URL:           url,
		Status:        scan.StatusQueued,
		RobotsAllowed: scan.RobotsUnknown,
		CreatedAt:     s.clock.Now(),
	}
	return id, nil
}

// ClaimNextQueued moves the lowest queued id to running.
func (s *ScanStore) ClaimNextQueued(_ context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidate int64
	for id, sc := range s.scans {
		if sc.Status == scan.StatusQueued && (candidate == 0 || id < candidate) {
			candidate = id
		}
	}
	if candidate == 0 {
		return 0, false, nil
	}
	sc := s.scans[candidate]
	sc.Status = scan.StatusRunning
	sc.StartedAt = pointerTime(s.clock.Now())
	sc.ErrorMessage = nil
	s.scans[candidate] = sc
	return candidate, true, nil
}

// MarkDone finalizes a scan as done.
func (s *ScanStore) MarkDone(
	_ context.Context,
	id int64,
	robots scan.RobotsDecision,
	summary scan.Summary,
	reportPath string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok || sc.Status.Terminal() {
		return nil
	}
	sc.Status = scan.StatusDone
	applyRobots(&sc, robots)
	sc.FinishedAt = pointerTime(s.clock.Now())
	sum := summary
	sc.Summary = &sum
	path := reportPath
	sc.ReportPath = &path
	sc.ErrorMessage = nil
	s.scans[id] = sc
	return nil
}

// MarkFailed finalizes a scan as failed.
func (s *ScanStore) MarkFailed(_ context.Context, id int64, robots scan.RobotsDecision, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok || sc.Status.Terminal() {
		return nil
	}
	sc.Status = scan.StatusFailed
	applyRobots(&sc, robots)
	sc.FinishedAt = pointerTime(s.clock.Now())
	msg := message
	sc.ErrorMessage = &msg
	s.scans[id] = sc
	return nil
}

// ReplaceFindings swaps the finding set for a scan under the write lock.
func (s *ScanStore) ReplaceFindings(_ context.Context, id int64, findings []scan.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[id]; !ok {
		return nil
	}
	s.findings[id] = append([]scan.Finding(nil), findings...)
	return nil
}

// GetScan fetches a scan by id.
func (s *ScanStore) GetScan(_ context.Context, id int64) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.Scan{}, scan.ErrNotFound
	}
	return sc, nil
}

// ListFindings returns a copy of a scan's findings.
func (s *ScanStore) ListFindings(_ context.Context, id int64) ([]scan.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.findings[id]
	out := make([]scan.Finding, len(found))
	copy(out, found)
	return out, nil
}

// ListScans returns up to limit scans, newest first.
func (s *ScanStore) ListScans(_ context.Context, limit int) ([]scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scan.Scan, 0, len(s.scans))
	for _, sc := range s.scans {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailStale fails running scans whose start precedes the cutoff.
func (s *ScanStore) FailStale(_ context.Context, startedBefore time.Time, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	count := 0
	for id, sc := range s.scans {
		if sc.Status != scan.StatusRunning || sc.StartedAt == nil || !sc.StartedAt.Before(startedBefore) {
			continue
		}
		sc.Status = scan.StatusFailed
		sc.FinishedAt = pointerTime(now)
		msg := message
		sc.ErrorMessage = &msg
		s.scans[id] = sc
		count++
	}
	return count, nil
}

// Ping always succeeds.
func (s *ScanStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *ScanStore) Close() error { return nil }

func applyRobots(sc *scan.Scan, robots scan.RobotsDecision) {
	if robots == scan.RobotsYes || robots == scan.RobotsNo {
		sc.RobotsAllowed = robots
	}
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
