package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func words(n int) string {
	return strings.Repeat("lawn ", n)
}

func goodPage() string {
	return `<!doctype html><html><head>
<title>Acme Landscaping | Lawn Care in Austin</title>
<meta name="description" content="Family-run lawn care and garden maintenance across Austin since 1998.">
<meta name="viewport" content="width=device-width, initial-scale=1">
</head><body><h1>Acme Landscaping</h1><img src="a.jpg" alt="front yard"><p>` + words(320) + `</p></body></html>`
}

func codes(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestAnalyze_CleanPage(t *testing.T) {
	score, issues, err := Analyze(Page{URL: "https://acme.com/", HTML: []byte(goodPage())}, DefaultThresholds())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if score != 100 || len(issues) != 0 {
		t.Errorf("score = %d, issues = %v; want 100 and none", score, codes(issues))
	}
}

func TestAnalyze_Checks(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		page Page
		want []string
	}{
		{
			name: "missing meta and h1",
			page: Page{URL: "https://acme.com", HTML: []byte(`<html><head><title>Acme</title>
<meta name="viewport" content="width=device-width"></head><body><p>` + words(400) + `</p></body></html>`)},
			want: []string{"missing_meta", "no_h1"},
		},
		{
			name: "plain http and slow",
			page: Page{URL: "http://acme.com", HTML: []byte(goodPage()), ResponseTime: 4 * time.Second},
			want: []string{"slow_response", "no_https"},
		},
		{
			name: "long title and description with two h1",
			page: Page{URL: "https://acme.com", HTML: []byte(`<html><head><title>` + strings.Repeat("t", 61) + `</title>
<meta name="Description" content="` + strings.Repeat("d", 161) + `"><meta name="viewport" content="x"></head>
<body><h1>a</h1><h1>b</h1>` + words(300) + `</body></html>`)},
			want: []string{"title_too_long", "meta_too_long", "multiple_h1"},
		},
		{
			name: "images without alt and thin content",
			page: Page{URL: "https://acme.com", HTML: []byte(`<html><head><title>Acme</title>
<meta name="description" content="d"><meta name="viewport" content="x"></head>
<body><h1>x</h1><img src=1><img src=2 alt=""><img src=3 alt="ok">` + words(20) + `</body></html>`)},
			want: []string{"missing_alt", "thin_content"},
		},
		{
			name: "script text is not content",
			page: Page{URL: "https://acme.com", HTML: []byte(`<html><head><title>Acme</title>
<meta name="description" content="d"><meta name="viewport" content="x"></head>
<body><h1>x</h1><script>` + words(500) + `</script>` + words(10) + `</body></html>`)},
			want: []string{"thin_content"},
		},
		{
			name: "empty document",
			page: Page{URL: "http://acme.com", HTML: nil, ResponseTime: 10 * time.Second},
			want: []string{"missing_title", "missing_meta", "no_h1", "slow_response", "no_viewport", "thin_content", "no_https"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, issues, err := Analyze(tt.page, th)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			got := codes(issues)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("issues = %v, want %v", got, tt.want)
			}
			sum := 0
			for _, is := range issues {
				sum += is.Deduction
			}
			if want := max(0, 100-sum); score != want {
				t.Errorf("score = %d, want %d", score, want)
			}
		})
	}
}

func TestAnalyze_ScoreFloorsAtZero(t *testing.T) {
	html := `<html><body><h1>a</h1><h1>b</h1><img src=x></body></html>`
	score, issues, _ := Analyze(Page{URL: "http://x.com", HTML: []byte(html), ResponseTime: time.Minute}, DefaultThresholds())
	sum := 0
	for _, is := range issues {
		sum += is.Deduction
	}
	if sum <= 100 {
		t.Skipf("deductions sum to %d, not enough to exercise the floor", sum)
	}
	if score != 0 {
		t.Errorf("score = %d, want 0", score)
	}
}

func TestPriority(t *testing.T) {
	if Priority("missing_title") >= Priority("missing_meta") {
		t.Error("missing_title should sort before missing_meta")
	}
	if Priority("unknown") != len(Codes()) {
		t.Errorf("Priority(unknown) = %d", Priority("unknown"))
	}
}

func TestAudit_FetchesAndScores(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "rankzen-test" {
			t.Errorf("User-Agent = %q", ua)
		}
		fmt.Fprint(w, goodPage())
	}))
	defer srv.Close()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := New(Options{UserAgent: "rankzen-test", HTTPClient: srv.Client()})
	a.now = func() time.Time { return fixed }

	res, err := a.Audit(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if res.Score != 100 {
		t.Errorf("Score = %d, issues %v", res.Score, codes(res.Issues))
	}
	if !res.AuditedAt.Equal(fixed) {
		t.Errorf("AuditedAt = %v", res.AuditedAt)
	}
}

func TestAudit_HTTPErrorIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := New(Options{}).Audit(context.Background(), srv.URL)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.Status != http.StatusGone {
		t.Errorf("Status = %d", fe.Status)
	}
}

func TestAudit_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Options{}).Audit(context.Background(), addr)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
}

func TestAudit_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Options{Timeout: 50 * time.Millisecond}).Audit(context.Background(), srv.URL)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
}

func TestAudit_InvalidURL(t *testing.T) {
	_, err := New(Options{}).Audit(context.Background(), "not a url")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
}

type recordingWaiter struct{ hosts []string }

func (w *recordingWaiter) Wait(_ context.Context, host string) error {
	w.hosts = append(w.hosts, host)
	return nil
}

func TestAudit_WaitsOnPoliteness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodPage())
	}))
	defer srv.Close()

	w := &recordingWaiter{}
	if _, err := New(Options{Politeness: w}).Audit(context.Background(), srv.URL); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(w.hosts) != 1 || w.hosts[0] != "127.0.0.1" {
		t.Errorf("waited on %v", w.hosts)
	}
}
