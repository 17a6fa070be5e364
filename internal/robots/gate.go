// Package robots evaluates robots.txt for a scan target before any browser work.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11yscan/internal/metrics"
)

const (
	// ReasonInvalidScheme is returned for targets that are not http(s).
	ReasonInvalidScheme = "invalid URL scheme"

	defaultTimeout = 10 * time.Second
	maxRobotsBytes = 1 << 20
)

// Config controls the robots gate.
type Config struct {
	// UserAgent is sent as the User-Agent header when fetching robots.txt.
	UserAgent string
	// AgentToken is the product token evaluated against robots groups.
	AgentToken string
	Timeout    time.Duration
}

// Gate fetches and evaluates robots.txt. It never returns an error: every
// failure path resolves to a verdict plus an informational string.
type Gate struct {
	client     *http.Client
	userAgent  string
	agentToken string
	logger     *zap.Logger
}

// New builds a Gate. A nil client gets one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.AgentToken == "" {
		cfg.AgentToken = "*"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		client:     client,
		userAgent:  cfg.UserAgent,
		agentToken: cfg.AgentToken,
		logger:     logger,
	}
}

// RobotsURL returns the canonical robots.txt location for the URL's origin.
func RobotsURL(u *url.URL) string {
	return fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
}

// IsAllowed reports whether the configured agent may fetch rawURL. The second
// return value is the robots.txt URL, or a reason when the URL was rejected.
func (g *Gate) IsAllowed(ctx context.Context, rawURL string) (bool, string) {
	parsed, err := url.Parse(rawURL)
	if err != nil || !isHTTP(parsed.Scheme) || parsed.Host == "" {
		metrics.ObserveRobots("invalid_scheme")
		return false, ReasonInvalidScheme
	}
	robotsURL := RobotsURL(parsed)

	data, err := g.fetch(ctx, robotsURL)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("robots_url", robotsURL),
			zap.Error(err),
		)
		metrics.ObserveRobots("fetch_error")
		return true, robotsURL
	}
	if data == nil {
		metrics.ObserveRobots("missing")
		return true, robotsURL
	}

	allowed := data.TestAgent(requestPath(parsed), g.agentToken)
	if allowed {
		metrics.ObserveRobots("allowed")
	} else {
		metrics.ObserveRobots("denied")
	}
	return allowed, robotsURL
}

// fetch returns nil data when the robots resource answered with an error status.
func (g *Gate) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func isHTTP(scheme string) bool {
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}

func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
