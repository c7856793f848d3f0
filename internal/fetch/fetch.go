// Package fetch retrieves raw schedule documents from the upstream site.
//
// It owns no retry policy: callers decide what a failed fetch means
// (the orchestrator confines it to one group, the probe aborts the cycle).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"schedsync/pkg/logx"
)

// ErrStatus marks a fetch that reached the server but got a non-2xx response.
var ErrStatus = errors.New("unexpected status")

// Error is returned for any failed fetch: network errors, timeouts and
// non-success statuses all collapse into it so callers can treat "document
// unavailable" uniformly while still unwrapping the cause.
type Error struct {
	URL    string
	Status int // 0 when the request never completed
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures the HTTP client.
//
// All requests against the source share one rate limiter so a large group
// fan-out does not hammer the upstream site.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per-request; default 10s
	RatePerSec int           // default 5
	UserAgent  string
}

type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	agent   string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("fetch: base url is required")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		agent:   strings.TrimSpace(cfg.UserAgent),
		log:     log,
	}, nil
}

// Fetch retrieves the schedule document at base+link.
func (c *Client) Fetch(ctx context.Context, link string) ([]byte, error) {
	return c.get(ctx, c.base+strings.TrimPrefix(strings.TrimSpace(link), "/"))
}

// Probe issues the per-cycle liveness check against the base URL alone.
// The body is discarded; only reachability and status matter.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.get(ctx, c.base)
	return err
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{URL: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("fetch failed", logx.String("url", url), logx.Err(err))
		return nil, &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.log.Warn("fetch returned error status", logx.String("url", url), logx.Int("status", resp.StatusCode))
		return nil, &Error{URL: url, Status: resp.StatusCode, Err: ErrStatus}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}

	c.log.Debug("fetched document",
		logx.String("url", url),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)),
	)
	return body, nil
}
