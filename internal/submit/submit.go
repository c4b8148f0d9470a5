// Package submit delivers outreach messages through a site's contact form
// and classifies what happened.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

type Outcome string

const (
	Success             Outcome = "SUCCESS"
	FormNotFound        Outcome = "FORM_NOT_FOUND"
	CaptchaBlocked      Outcome = "CAPTCHA_BLOCKED"
	RateLimitedByTarget Outcome = "RATE_LIMITED_BY_TARGET"
	Error               Outcome = "ERROR"
)

// Raw tokens reported by a Browser.
const (
	RawSubmitted      = "submitted"
	RawFormNotFound   = "form_not_found"
	RawCaptchaBlocked = "captcha_blocked"
	RawRateLimited    = "rate_limited"
	RawRejected       = "rejected"
	RawTimeout        = "timeout"
)

var rawOutcomes = map[string]Outcome{
	RawSubmitted:        Success,
	"success":           Success,
	"sent":              Success,
	RawFormNotFound:     FormNotFound,
	"no_form":           FormNotFound,
	RawCaptchaBlocked:   CaptchaBlocked,
	"captcha_failed":    CaptchaBlocked,
	"captcha_unsolved":  CaptchaBlocked,
	RawRateLimited:      RateLimitedByTarget,
	"http_429":          RateLimitedByTarget,
	"too_many_requests": RateLimitedByTarget,
}

// Classify maps a browser's raw result token to an Outcome. Anything it
// does not recognize is an Error.
func Classify(raw string) Outcome {
	if o, ok := rawOutcomes[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return o
	}
	return Error
}

// Fields is what gets typed into a contact form.
type Fields struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Website string
	Subject string
	Message string
}

// Browser finds a contact form on a site, fills it and submits it,
// reporting a raw result token.
type Browser interface {
	FindAndSubmitForm(ctx context.Context, siteURL string, fields Fields) (string, error)
}

// Waiter spaces out requests to one host.
type Waiter interface {
	Wait(ctx context.Context, host string) error
}

// Result is one submission attempt.
type Result struct {
	Outcome Outcome
	Raw     string
	Err     error
}

// Sender is the requester identity put into every form.
type Sender struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Website string
}

type Options struct {
	Browser    Browser
	Politeness Waiter
	Timeout    time.Duration
	Sender     Sender
}

type Submitter struct {
	browser    Browser
	politeness Waiter
	timeout    time.Duration
	sender     Sender
	logger     *slog.Logger
}

func New(opts Options) *Submitter {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	return &Submitter{
		browser:    opts.Browser,
		politeness: opts.Politeness,
		timeout:    opts.Timeout,
		sender:     opts.Sender,
		logger:     slog.Default(),
	}
}

var errSubmitTimeout = errors.New("submission timed out")

// Submit sends message through siteURL's contact form. It always returns
// within the submission timeout; a browser that overruns it is reported as
// Error and left to finish on its own.
func (s *Submitter) Submit(ctx context.Context, siteURL, message string) Result {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return Result{Outcome: Error, Err: fmt.Errorf("invalid site url %q", siteURL)}
	}

	if s.politeness != nil {
		if err := s.politeness.Wait(ctx, u.Hostname()); err != nil {
			return Result{Outcome: Error, Err: fmt.Errorf("politeness wait: %w", err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields := Fields{
		Name:    s.sender.Name,
		Email:   s.sender.Email,
		Phone:   s.sender.Phone,
		Company: s.sender.Company,
		Website: s.sender.Website,
		Subject: "Quick SEO notes for " + strings.TrimPrefix(u.Hostname(), "www."),
		Message: message,
	}

	type reply struct {
		raw string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		raw, err := s.browser.FindAndSubmitForm(ctx, siteURL, fields)
		done <- reply{raw, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return Result{Outcome: Error, Raw: RawTimeout, Err: fmt.Errorf("%w after %s: %w", errSubmitTimeout, s.timeout, r.err)}
			}
			return Result{Outcome: Error, Raw: r.raw, Err: r.err}
		}
		out := Classify(r.raw)
		if out == Error {
			return Result{Outcome: Error, Raw: r.raw, Err: fmt.Errorf("unrecognized browser result %q", r.raw)}
		}
		return Result{Outcome: out, Raw: r.raw}
	case <-ctx.Done():
		s.logger.Warn("form submission overran timeout", "url", siteURL, "timeout", s.timeout)
		return Result{Outcome: Error, Raw: RawTimeout, Err: fmt.Errorf("%w after %s", errSubmitTimeout, s.timeout)}
	}
}
