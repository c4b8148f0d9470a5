// Package payment creates checkout links and verifies payment webhooks
// through the Stripe API.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultStripeURL = "https://api.stripe.com"
	defaultTolerance = 5 * time.Minute

	// EventCheckoutCompleted is the only webhook event that confirms payment.
	EventCheckoutCompleted = "checkout.session.completed"
)

var (
	ErrNotConfigured = errors.New("stripe is not configured")
	ErrSignature     = errors.New("invalid webhook signature")
)

// Link is a hosted checkout page for one case.
type Link struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Product describes what the client pays for.
type Product struct {
	Name        string
	Description string
	AmountCents int64
	Currency    string
}

// Stripe talks to the Stripe REST API.
type Stripe struct {
	apiKey     string
	baseURL    string
	successURL string
	httpClient *http.Client
}

func NewStripe(apiKey, successURL string) *Stripe {
	return &Stripe{
		apiKey:     apiKey,
		baseURL:    defaultStripeURL,
		successURL: successURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewStripeWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewStripeWithBaseURL(apiKey, successURL, baseURL string) *Stripe {
	s := NewStripe(apiKey, successURL)
	s.baseURL = strings.TrimRight(baseURL, "/")
	return s
}

// CreateLink opens a checkout session for caseID. The case ID travels as the
// session's client_reference_id so the webhook can find the case again.
// Repeated calls for the same case reuse one idempotency key.
func (s *Stripe) CreateLink(ctx context.Context, caseID string, p Product) (Link, error) {
	if s.apiKey == "" {
		return Link{}, ErrNotConfigured
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", caseID)
	form.Set("success_url", s.successURL+"?case_id="+url.QueryEscape(caseID))
	form.Set("metadata[case_id]", caseID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(p.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", p.Name)
	if p.Description != "" {
		form.Set("line_items[0][price_data][product_data][description]", p.Description)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return Link{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", "checkout-"+caseID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Link{}, fmt.Errorf("stripe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return Link{}, fmt.Errorf("stripe returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return Link{}, fmt.Errorf("stripe returned %d", resp.StatusCode)
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return Link{}, fmt.Errorf("decoding checkout session: %w", err)
	}
	if session.URL == "" {
		return Link{}, errors.New("stripe returned a session without a url")
	}
	return Link{SessionID: session.ID, URL: session.URL}, nil
}

// Event is the part of a webhook event the fulfillment flow needs.
type Event struct {
	ID          string
	Type        string
	CaseID      string
	SessionID   string
	AmountTotal int64
	Currency    string
	Paid        bool
}

// ParseWebhook verifies the Stripe-Signature header against payload and
// decodes the event. Signatures older than the tolerance are rejected.
func ParseWebhook(payload []byte, sigHeader, secret string, now time.Time) (Event, error) {
	if secret == "" {
		return Event{}, ErrNotConfigured
	}
	if err := verifySignature(payload, sigHeader, secret, now, defaultTolerance); err != nil {
		return Event{}, err
	}

	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID                string            `json:"id"`
				ClientReferenceID string            `json:"client_reference_id"`
				Metadata          map[string]string `json:"metadata"`
				AmountTotal       int64             `json:"amount_total"`
				Currency          string            `json:"currency"`
				PaymentStatus     string            `json:"payment_status"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decoding webhook payload: %w", err)
	}
	obj := raw.Data.Object
	ev := Event{
		ID:          raw.ID,
		Type:        raw.Type,
		CaseID:      obj.ClientReferenceID,
		SessionID:   obj.ID,
		AmountTotal: obj.AmountTotal,
		Currency:    obj.Currency,
		Paid:        obj.PaymentStatus == "paid",
	}
	if ev.CaseID == "" {
		ev.CaseID = obj.Metadata["case_id"]
	}
	return ev, nil
}

// verifySignature checks a header of the form "t=<unix>,v1=<hex>[,v1=...]"
// where each v1 is HMAC-SHA256 of "<t>.<payload>".
func verifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if b, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignature)
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
	}

	expected := Sign(payload, secret, unix)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrSignature
}

// Sign computes the v1 signature for payload at timestamp ts.
func Sign(payload []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader renders a Stripe-Signature header value. Tests and local
// tooling use it to produce webhook deliveries.
func SignatureHeader(payload []byte, secret string, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(Sign(payload, secret, ts.Unix())))
}
