// Package audit scores a page's on-page SEO with a fixed battery of checks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

const maxBodyBytes = 5 << 20

// Result is one audit of one site. Re-auditing produces a new Result.
type Result struct {
	URL          string        `json:"url"`
	FinalURL     string        `json:"final_url"`
	Score        int           `json:"score"`
	Issues       []Issue       `json:"issues"`
	ResponseTime time.Duration `json:"response_time_ns"`
	AuditedAt    time.Time     `json:"audited_at"`
}

// FetchError means the page could not be retrieved or parsed.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TimeoutError means the page did not respond within the audit timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetching %s: no response within %s", e.URL, e.Timeout)
}

// Waiter spaces out requests to one host.
type Waiter interface {
	Wait(ctx context.Context, host string) error
}

type Options struct {
	Timeout    time.Duration
	UserAgent  string
	Thresholds Thresholds
	HTTPClient *http.Client
	Politeness Waiter
}

// Auditor fetches pages and runs Analyze over them.
type Auditor struct {
	client     *http.Client
	timeout    time.Duration
	userAgent  string
	thresholds Thresholds
	politeness Waiter
	now        func() time.Time
	logger     *slog.Logger
}

func New(opts Options) *Auditor {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Auditor{
		client:     client,
		timeout:    opts.Timeout,
		userAgent:  opts.UserAgent,
		thresholds: opts.Thresholds,
		politeness: opts.Politeness,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// Audit fetches rawURL and scores it. It returns *FetchError when the site
// is unreachable, answers with HTTP >= 400 or cannot be parsed, and
// *TimeoutError when it does not answer within the configured timeout.
func (a *Auditor) Audit(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Result{}, &FetchError{URL: rawURL, Err: fmt.Errorf("invalid url: %q", rawURL)}
	}

	if a.politeness != nil {
		if err := a.politeness.Wait(ctx, u.Hostname()); err != nil {
			return Result{}, &FetchError{URL: rawURL, Err: err}
		}
	}

	page, err := a.fetch(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}

	score, issues, err := Analyze(page, a.thresholds)
	if err != nil {
		return Result{}, &FetchError{URL: rawURL, Err: err}
	}

	a.logger.Debug("audit complete", "url", rawURL, "score", score, "issues", len(issues))
	return Result{
		URL:          rawURL,
		FinalURL:     page.URL,
		Score:        score,
		Issues:       issues,
		ResponseTime: page.ResponseTime,
		AuditedAt:    a.now().UTC(),
	}, nil
}

func (a *Auditor) fetch(ctx context.Context, rawURL string) (Page, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, &FetchError{URL: rawURL, Err: err}
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return Page{}, a.classify(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Page{}, &FetchError{URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, a.classify(rawURL, err)
	}
	elapsed := time.Since(start)

	return Page{
		URL:          resp.Request.URL.String(),
		HTML:         body,
		ResponseTime: elapsed,
	}, nil
}

func (a *Auditor) classify(rawURL string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{URL: rawURL, Timeout: a.timeout}
	}
	return &FetchError{URL: rawURL, Err: err}
}
