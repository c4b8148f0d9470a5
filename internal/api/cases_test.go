package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/rankzen/internal/blacklist"
	"github.com/kalambet/rankzen/internal/fulfillment"
	"github.com/kalambet/rankzen/internal/ratelimit"
	"github.com/kalambet/rankzen/internal/storage"
	"github.com/kalambet/rankzen/internal/vault"
)

const testToken = "test-token-12345"

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	machine *fulfillment.Machine
	sealer  *vault.Sealer
	now     time.Time
}

func setupAppHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:   store,
		machine: fulfillment.NewMachine(store, nil),
		sealer:  vault.NewSealer([32]byte{1, 2, 3}),
		now:     time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	env.handler = NewAppHandler(AppDeps{
		Stats:         store,
		Blacklist:     blacklist.New(store),
		Cases:         env.machine,
		Sealer:        env.sealer,
		Caps:          ratelimit.Caps{DailyAudits: 200, DailyOutreach: 20},
		Token:         testToken,
		WebhookSecret: "whsec_test",
		Now:           func() time.Time { return env.now },
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

// openCase creates a case and walks it to state through the machine.
func (e *testEnv) openCase(t *testing.T, state fulfillment.State) storage.Case {
	t.Helper()
	ctx := context.Background()
	c, err := e.machine.Open(ctx, fulfillment.OpenRequest{
		Identity: "https://acme-landscaping.com", URL: "https://acme-landscaping.com/", OutreachID: "attempt-1",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	steps := []struct {
		to fulfillment.State
		p  fulfillment.Payload
	}{
		{fulfillment.AwaitingPayment, fulfillment.Payload{PaymentRef: "cs_test_1"}},
		{fulfillment.PaymentReceived, fulfillment.Payload{PaymentRef: "cs_test_1"}},
		{fulfillment.AwaitingCredentials, fulfillment.Payload{}},
	}
	cur := fulfillment.Engaged
	for _, s := range steps {
		if cur == state {
			break
		}
		if c, err = e.machine.Advance(ctx, c.ID, cur, s.to, s.p); err != nil {
			t.Fatalf("Advance to %s: %v", s.to, err)
		}
		cur = s.to
	}
	if cur != state {
		t.Fatalf("openCase cannot reach %s", state)
	}
	return c
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealth_NoAuth(t *testing.T) {
	env := setupAppHandler(t)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	env := setupAppHandler(t)
	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/cases", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("token %q: missing WWW-Authenticate header", token)
		}
	}
}

func TestAuth_EmptyConfiguredTokenRejects(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with no token configured")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStats(t *testing.T) {
	env := setupAppHandler(t)
	env.store.CompareAndSwapCounters(
		storage.DailyCounters{Date: "2026-05-04"},
		storage.DailyCounters{Date: "2026-05-04", AuditsDone: 12, OutreachDone: 3},
	)
	env.openCase(t, fulfillment.Engaged)

	rr := env.do(t, http.MethodGet, "/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	st := decode[statsResponse](t, rr)
	if st.Today.AuditsDone != 12 || st.Today.OutreachLeft != 17 || st.Today.AuditsLeft != 188 {
		t.Errorf("today = %+v", st.Today)
	}
	if st.CasesByState["ENGAGED"] != 1 {
		t.Errorf("cases_by_state = %v", st.CasesByState)
	}
}

func TestListBlacklist(t *testing.T) {
	env := setupAppHandler(t)
	bl := blacklist.New(env.store)
	bl.Add(context.Background(), "https://a.example.com", blacklist.ReasonCaptchaBlocked)
	bl.Add(context.Background(), "https://b.example.com", blacklist.ReasonContacted)

	rr := env.do(t, http.MethodGet, "/blacklist?limit=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	entries := decode[[]blacklistEntry](t, rr)
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1 (limit)", len(entries))
	}
}

func TestGetCase_NotFound(t *testing.T) {
	env := setupAppHandler(t)
	for _, path := range []string{"/cases/nope", "/cases/nope/events"} {
		if rr := env.do(t, http.MethodGet, path, ""); rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rr.Code)
		}
	}
}

func TestListCases_FilterAndValidate(t *testing.T) {
	env := setupAppHandler(t)
	env.openCase(t, fulfillment.Engaged)

	rr := env.do(t, http.MethodGet, "/cases?state=engaged", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if cases := decode[[]CaseView](t, rr); len(cases) != 1 {
		t.Errorf("got %d ENGAGED cases, want 1", len(cases))
	}

	rr = env.do(t, http.MethodGet, "/cases?state=AWAITING_QA", "")
	if cases := decode[[]CaseView](t, rr); len(cases) != 0 {
		t.Errorf("got %d AWAITING_QA cases, want 0", len(cases))
	}

	if rr := env.do(t, http.MethodGet, "/cases?state=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus state: status = %d, want 400", rr.Code)
	}
}

func TestAccept_QueuesPaymentLinkOnce(t *testing.T) {
	env := setupAppHandler(t)
	c := env.openCase(t, fulfillment.Engaged)

	rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/accept", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	job, err := env.store.ClaimNextJob([]string{fulfillment.JobRequestPayment})
	if err != nil || job == nil {
		t.Fatalf("no request_payment job queued (err %v)", err)
	}

	env.machine.Advance(context.Background(), c.ID, fulfillment.Engaged, fulfillment.AwaitingPayment, fulfillment.Payload{PaymentRef: "cs_1"})
	rr = env.do(t, http.MethodPost, "/cases/"+c.ID+"/accept", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("second accept: status = %d, want 409", rr.Code)
	}
}

func TestPayment_ManualConfirmation(t *testing.T) {
	env := setupAppHandler(t)
	c := env.openCase(t, fulfillment.AwaitingPayment)

	if rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/payment", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing ref: status = %d, want 400", rr.Code)
	}

	rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/payment", `{"payment_ref":"bank-transfer-77"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	view := decode[CaseView](t, rr)
	if view.State != string(fulfillment.PaymentReceived) || view.PaymentRef != "bank-transfer-77" {
		t.Errorf("case = %+v", view)
	}

	rr = env.do(t, http.MethodPost, "/cases/"+c.ID+"/payment", `{"payment_ref":"bank-transfer-77"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate: status = %d, want 409", rr.Code)
	}
	var body struct {
		Error struct {
			Type     string `json:"type"`
			Expected string `json:"expected"`
			Actual   string `json:"actual"`
		} `json:"error"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Error.Type != "state_conflict" || body.Error.Actual != string(fulfillment.PaymentReceived) {
		t.Errorf("conflict body = %+v", body.Error)
	}
}

func TestCredentials_SealedBeforeStorage(t *testing.T) {
	env := setupAppHandler(t)
	c := env.openCase(t, fulfillment.AwaitingCredentials)

	body := `{"platform":"wordpress","login_url":"https://acme-landscaping.com/wp-admin","username":"owner","password":"hunter2"}`
	rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/credentials", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	view := decode[CaseView](t, rr)
	if view.State != string(fulfillment.CredentialsReceived) || !view.HasCredentials {
		t.Fatalf("case = %+v", view)
	}
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Error("response echoes the password")
	}

	stored, err := env.store.GetCase(c.ID)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	blob, err := env.store.GetCredentialBlob(stored.CredentialsRef)
	if err != nil {
		t.Fatalf("GetCredentialBlob: %v", err)
	}
	if strings.Contains(string(blob), "hunter2") {
		t.Fatal("stored blob contains the plaintext password")
	}
	creds, err := env.sealer.Open(c.ID, blob)
	if err != nil || creds.Password != "hunter2" || creds.Platform != "wordpress" {
		t.Errorf("Open = %+v, %v", creds, err)
	}

	events := decode[[]EventView](t, env.do(t, http.MethodGet, "/cases/"+c.ID+"/events", ""))
	for _, ev := range events {
		if strings.Contains(string(ev.Detail), "hunter2") {
			t.Errorf("event %s leaks the password: %s", ev.ID, ev.Detail)
		}
	}
}

func TestCredentials_WrongStateAndEmpty(t *testing.T) {
	env := setupAppHandler(t)
	c := env.openCase(t, fulfillment.Engaged)

	rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/credentials", `{"username":"owner","password":"pw"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("wrong state: status = %d, want 409", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/cases/"+c.ID+"/credentials", `{"platform":"wix"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty credentials: status = %d, want 400", rr.Code)
	}
}

func TestImplementationAndQA(t *testing.T) {
	env := setupAppHandler(t)
	ctx := context.Background()
	c := env.openCase(t, fulfillment.AwaitingCredentials)
	sealed, _ := env.sealer.Seal(c.ID, vault.Credentials{Username: "u", Password: "p"})
	env.machine.SubmitCredentials(ctx, c.ID, sealed)
	env.machine.Advance(ctx, c.ID, fulfillment.CredentialsReceived, fulfillment.Implementing, fulfillment.Payload{})

	if rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/implementation", `{"summary":"done"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing ref: status = %d, want 400", rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/implementation", `{"ref":"wo-1","summary":"meta tags and h1 fixed"}`)
	if rr.Code != http.StatusOK || decode[CaseView](t, rr).State != string(fulfillment.AwaitingQA) {
		t.Fatalf("implementation: status = %d", rr.Code)
	}

	if rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/qa", `{"approved":true}`); rr.Code != http.StatusBadRequest {
		t.Errorf("QA without reviewer: status = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/cases/"+c.ID+"/qa", `{"reviewer":"sam","approved":false,"notes":"missing alt text"}`)
	if rr.Code != http.StatusOK || decode[CaseView](t, rr).State != string(fulfillment.AwaitingQA) {
		t.Fatalf("QA reject: status = %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/cases/"+c.ID+"/qa", `{"reviewer":"sam","approved":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("QA approve: status = %d: %s", rr.Code, rr.Body)
	}
	view := decode[CaseView](t, rr)
	if view.State != string(fulfillment.QAApproved) || view.QARef == "" {
		t.Errorf("case = %+v", view)
	}
}

func TestDecline(t *testing.T) {
	env := setupAppHandler(t)
	c := env.openCase(t, fulfillment.Engaged)

	rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/decline", "")
	if rr.Code != http.StatusOK || decode[CaseView](t, rr).State != string(fulfillment.Abandoned) {
		t.Fatalf("decline: status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/cases/"+c.ID+"/decline", `{"reason":"again"}`); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("declining an abandoned case: status = %d, want 422", rr.Code)
	}
}
