package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreateLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "checkout-case-1" {
			t.Errorf("Idempotency-Key = %q", got)
		}
		r.ParseForm()
		checks := map[string]string{
			"mode":                                   "payment",
			"client_reference_id":                    "case-1",
			"line_items[0][price_data][unit_amount]": "10000",
			"line_items[0][price_data][currency]":    "usd",
			"success_url":                            "https://rankzen.io/thanks?case_id=case-1",
		}
		for k, want := range checks {
			if got := r.PostForm.Get(k); got != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}
		w.Write([]byte(`{"id":"cs_123","url":"https://checkout.stripe.com/c/pay/cs_123"}`))
	}))
	defer srv.Close()

	s := NewStripeWithBaseURL("sk_test", "https://rankzen.io/thanks", srv.URL)
	link, err := s.CreateLink(context.Background(), "case-1", Product{Name: "SEO fixes", AmountCents: 10000, Currency: "USD"})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if link.SessionID != "cs_123" || !strings.HasPrefix(link.URL, "https://checkout.stripe.com/") {
		t.Errorf("link = %+v", link)
	}
}

func TestCreateLink_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid currency"}}`))
	}))
	defer srv.Close()

	_, err := NewStripeWithBaseURL("sk", "https://x", srv.URL).CreateLink(context.Background(), "c", Product{})
	if err == nil || !strings.Contains(err.Error(), "Invalid currency") {
		t.Errorf("err = %v", err)
	}
}

func TestCreateLink_NotConfigured(t *testing.T) {
	_, err := NewStripe("", "https://x").CreateLink(context.Background(), "c", Product{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

const completedPayload = `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_123","client_reference_id":"case-1","amount_total":10000,"currency":"usd","payment_status":"paid"}}}`

func TestParseWebhook_Valid(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	header := SignatureHeader([]byte(completedPayload), "whsec_x", now.Add(-time.Minute))

	ev, err := ParseWebhook([]byte(completedPayload), header, "whsec_x", now)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Type != EventCheckoutCompleted || ev.CaseID != "case-1" || !ev.Paid || ev.AmountTotal != 10000 {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseWebhook_MetadataFallback(t *testing.T) {
	payload := `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"metadata":{"case_id":"case-9"}}}}`
	now := time.Now()
	ev, err := ParseWebhook([]byte(payload), SignatureHeader([]byte(payload), "s", now), "s", now)
	if err != nil || ev.CaseID != "case-9" {
		t.Errorf("ParseWebhook = %+v, %v", ev, err)
	}
}

func TestParseWebhook_Rejects(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	good := SignatureHeader([]byte(completedPayload), "whsec_x", now)

	tests := []struct {
		name    string
		payload string
		header  string
		secret  string
	}{
		{"wrong secret", completedPayload, good, "whsec_other"},
		{"tampered payload", strings.Replace(completedPayload, "10000", "1", 1), good, "whsec_x"},
		{"stale", completedPayload, SignatureHeader([]byte(completedPayload), "whsec_x", now.Add(-time.Hour)), "whsec_x"},
		{"malformed", completedPayload, "garbage", "whsec_x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWebhook([]byte(tt.payload), tt.header, tt.secret, now)
			if !errors.Is(err, ErrSignature) {
				t.Errorf("err = %v, want ErrSignature", err)
			}
		})
	}

	if _, err := ParseWebhook([]byte(completedPayload), good, "", now); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("empty secret: err = %v", err)
	}
}
