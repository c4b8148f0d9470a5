package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTwoCaptchaURL = "https://2captcha.com"
	defaultPollInterval  = 5 * time.Second
	defaultMaxPolls      = 24
)

// TwoCaptcha solves challenges with the 2Captcha in.php/res.php API.
type TwoCaptcha struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
	logger       *slog.Logger
}

func NewTwoCaptcha(apiKey string) *TwoCaptcha {
	return &TwoCaptcha{
		apiKey:       apiKey,
		baseURL:      defaultTwoCaptchaURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
		logger:       slog.Default(),
	}
}

// NewTwoCaptchaWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewTwoCaptchaWithBaseURL(apiKey, baseURL string, pollInterval time.Duration) *TwoCaptcha {
	c := NewTwoCaptcha(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.pollInterval = pollInterval
	return c
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits ch and polls until 2Captcha answers, gives up, or ctx ends.
func (c *TwoCaptcha) Solve(ctx context.Context, ch Challenge) (string, error) {
	form := url.Values{"key": {c.apiKey}, "json": {"1"}}
	switch ch.Kind {
	case KindRecaptcha:
		if ch.SiteKey == "" {
			return "", fmt.Errorf("%w: recaptcha without site key", ErrUnsolvable)
		}
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", ch.SiteKey)
		form.Set("pageurl", ch.PageURL)
	case KindHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", ch.SiteKey)
		form.Set("pageurl", ch.PageURL)
	case KindTurnstile:
		form.Set("method", "turnstile")
		form.Set("sitekey", ch.SiteKey)
		form.Set("pageurl", ch.PageURL)
	case KindImage:
		if len(ch.Image) == 0 {
			return "", fmt.Errorf("%w: image challenge without image", ErrUnsolvable)
		}
		form.Set("method", "base64")
		form.Set("body", base64.StdEncoding.EncodeToString(ch.Image))
	default:
		return "", fmt.Errorf("%w: unsupported kind %q", ErrUnsolvable, ch.Kind)
	}

	submitted, err := c.call(ctx, http.MethodPost, "/in.php", form)
	if err != nil {
		return "", fmt.Errorf("submitting captcha: %w", err)
	}
	if submitted.Status != 1 {
		return "", fmt.Errorf("%w: submit rejected: %s", ErrUnsolvable, submitted.Request)
	}
	id := submitted.Request

	poll := url.Values{"key": {c.apiKey}, "action": {"get"}, "id": {id}, "json": {"1"}}
	for range c.maxPolls {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
		res, err := c.call(ctx, http.MethodGet, "/res.php", poll)
		if err != nil {
			return "", fmt.Errorf("polling captcha %s: %w", id, err)
		}
		if res.Status == 1 {
			c.logger.Debug("captcha solved", "kind", ch.Kind, "id", id)
			return res.Request, nil
		}
		if res.Request != "CAPCHA_NOT_READY" {
			return "", fmt.Errorf("%w: %s", ErrUnsolvable, res.Request)
		}
	}
	return "", fmt.Errorf("%w: not ready after %d polls", ErrUnsolvable, c.maxPolls)
}

func (c *TwoCaptcha) call(ctx context.Context, method, path string, params url.Values) (apiResponse, error) {
	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), nil)
	}
	if err != nil {
		return apiResponse{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}
