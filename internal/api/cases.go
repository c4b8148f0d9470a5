package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/rankzen/internal/fulfillment"
	"github.com/kalambet/rankzen/internal/ratelimit"
	"github.com/kalambet/rankzen/internal/site"
	"github.com/kalambet/rankzen/internal/storage"
	"github.com/kalambet/rankzen/internal/vault"
)

// CaseService drives fulfillment cases. *fulfillment.Machine implements it.
type CaseService interface {
	Accept(ctx context.Context, caseID string) error
	ConfirmPayment(ctx context.Context, caseID, paymentRef string) (storage.Case, error)
	SubmitCredentials(ctx context.Context, caseID string, sealed vault.Sealed) (storage.Case, error)
	CompleteImplementation(ctx context.Context, caseID, ref, summary string) (storage.Case, error)
	ReviewQA(ctx context.Context, caseID string, d fulfillment.QADecision) (storage.Case, error)
	Abandon(ctx context.Context, caseID, reason string) (storage.Case, error)
	Get(caseID string) (storage.Case, error)
	List(state string, limit, offset int) ([]storage.Case, error)
	Events(caseID string) ([]storage.CaseEvent, error)
}

// StatsSource reports outreach and fulfillment totals.
type StatsSource interface {
	Stats(date string) (storage.Stats, error)
}

// BlacklistReader is the read side of the blacklist.
type BlacklistReader interface {
	Contains(ctx context.Context, id site.Identity) (bool, error)
	List(ctx context.Context, limit, offset int) ([]storage.BlacklistEntry, error)
}

// Sealer encrypts credentials for one case.
type Sealer interface {
	Seal(caseID string, c vault.Credentials) (vault.Sealed, error)
}

type AppDeps struct {
	Stats     StatsSource
	Blacklist BlacklistReader
	Cases     CaseService
	Sealer    Sealer
	Caps      ratelimit.Caps
	Token     string
	// WebhookSecret verifies Stripe webhook signatures. Empty disables the
	// webhook endpoint.
	WebhookSecret string
	Now           func() time.Time
}

// NewAppHandler returns the operator API. Everything except /health and the
// payment webhook requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/webhooks/stripe", handleStripeWebhook(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/stats", handleStats(deps))
		r.Get("/blacklist", handleListBlacklist(deps))
		r.Get("/cases", handleListCases(deps))
		r.Get("/cases/{id}", handleGetCase(deps))
		r.Get("/cases/{id}/events", handleCaseEvents(deps))
		r.Post("/cases/{id}/accept", handleAccept(deps))
		r.Post("/cases/{id}/payment", handlePayment(deps))
		r.Post("/cases/{id}/credentials", handleCredentials(deps))
		r.Post("/cases/{id}/implementation", handleImplementation(deps))
		r.Post("/cases/{id}/qa", handleQA(deps))
		r.Post("/cases/{id}/decline", handleDecline(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type countersResponse struct {
	Date         string `json:"date"`
	AuditsDone   int    `json:"audits_done"`
	AuditsCap    int    `json:"audits_cap"`
	OutreachDone int    `json:"outreach_done"`
	OutreachCap  int    `json:"outreach_cap"`
	AuditsLeft   int    `json:"audits_left"`
	OutreachLeft int    `json:"outreach_left"`
}

type statsResponse struct {
	Audits           int              `json:"audits"`
	AverageScore     float64          `json:"average_score"`
	Attempts         int              `json:"attempts"`
	AttemptsByResult map[string]int   `json:"attempts_by_result"`
	Blacklisted      int              `json:"blacklisted"`
	CasesByState     map[string]int   `json:"cases_by_state"`
	Today            countersResponse `json:"today"`
}

func buildStats(deps AppDeps) (statsResponse, error) {
	date := deps.Now().UTC().Format("2006-01-02")
	st, err := deps.Stats.Stats(date)
	if err != nil {
		return statsResponse{}, err
	}
	return statsResponse{
		Audits:           st.Audits,
		AverageScore:     st.AverageScore,
		Attempts:         st.Attempts,
		AttemptsByResult: st.AttemptsByResult,
		Blacklisted:      st.Blacklisted,
		CasesByState:     st.CasesByState,
		Today: countersResponse{
			Date:         date,
			AuditsDone:   st.Today.AuditsDone,
			AuditsCap:    deps.Caps.DailyAudits,
			OutreachDone: st.Today.OutreachDone,
			OutreachCap:  deps.Caps.DailyOutreach,
			AuditsLeft:   max(0, deps.Caps.DailyAudits-st.Today.AuditsDone),
			OutreachLeft: max(0, deps.Caps.DailyOutreach-st.Today.OutreachDone),
		},
	}, nil
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := buildStats(deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type blacklistEntry struct {
	Identity string    `json:"identity"`
	Reason   string    `json:"reason"`
	AddedAt  time.Time `json:"added_at"`
}

func handleListBlacklist(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r, 100, 1000)
		entries, err := deps.Blacklist.List(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list blacklist: %v", err)
			return
		}
		out := make([]blacklistEntry, len(entries))
		for i, e := range entries {
			out[i] = blacklistEntry{Identity: e.Identity, Reason: e.Reason, AddedAt: e.AddedAt}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CaseView is the API representation of a fulfillment case. The credentials
// blob itself is never exposed.
type CaseView struct {
	ID                string    `json:"id"`
	Identity          string    `json:"identity"`
	URL               string    `json:"url"`
	OutreachID        string    `json:"outreach_id"`
	State             string    `json:"state"`
	PaymentRef        string    `json:"payment_ref,omitempty"`
	HasCredentials    bool      `json:"has_credentials"`
	ImplementationRef string    `json:"implementation_ref,omitempty"`
	QARef             string    `json:"qa_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func caseView(c storage.Case) CaseView {
	return CaseView{
		ID:                c.ID,
		Identity:          c.Identity,
		URL:               c.URL,
		OutreachID:        c.OutreachID,
		State:             c.State,
		PaymentRef:        c.PaymentRef,
		HasCredentials:    c.CredentialsRef != "",
		ImplementationRef: c.ImplementationRef,
		QARef:             c.QARef,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

// EventView is the API representation of a case event.
type EventView struct {
	ID        string          `json:"id"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func eventViews(events []storage.CaseEvent) []EventView {
	out := make([]EventView, len(events))
	for i, e := range events {
		out[i] = EventView{ID: e.ID, From: e.FromState, To: e.ToState, CreatedAt: e.CreatedAt}
		if json.Valid([]byte(e.DetailJSON)) {
			out[i].Detail = json.RawMessage(e.DetailJSON)
		}
	}
	return out
}

func handleListCases(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := strings.ToUpper(r.URL.Query().Get("state"))
		if state != "" {
			if _, err := fulfillment.ParseState(state); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		limit, offset := pageParams(r, 50, 500)
		cases, err := deps.Cases.List(state, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cases: %v", err)
			return
		}
		out := make([]CaseView, len(cases))
		for i, c := range cases {
			out[i] = caseView(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Cases.Get(chi.URLParam(r, "id"))
		if err != nil {
			caseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, caseView(c))
	}
}

func handleCaseEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Cases.Get(id); err != nil {
			caseError(w, err)
			return
		}
		events, err := deps.Cases.Events(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list events: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, eventViews(events))
	}
}

func handleAccept(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Cases.Accept(r.Context(), id); err != nil {
			caseError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "payment_link_queued"})
	}
}

type paymentRequest struct {
	PaymentRef string `json:"payment_ref"`
}

func handlePayment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req paymentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.PaymentRef == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payment_ref is required")
			return
		}
		c, err := deps.Cases.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), req.PaymentRef)
		if err != nil {
			caseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, caseView(c))
	}
}

// handleCredentials seals the submitted credentials before they reach the
// state machine. Plaintext is never stored.
func handleCredentials(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sealer == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "credential vault is not configured")
			return
		}
		var creds vault.Credentials
		if !decodeBody(w, r, &creds) {
			return
		}
		id := chi.URLParam(r, "id")
		sealed, err := deps.Sealer.Seal(id, creds)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		c, err := deps.Cases.SubmitCredentials(r.Context(), id, sealed)
		if err != nil {
			caseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, caseView(c))
	}
}

type implementationRequest struct {
	Ref     string `json:"ref"`
	Summary string `json:"summary"`
}

func handleImplementation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req implementationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Ref == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ref is required")
			return
		}
		c, err := deps.Cases.CompleteImplementation(r.Context(), chi.URLParam(r, "id"), req.Ref, req.Summary)
		if err != nil {
			caseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, caseView(c))
	}
}

func handleQA(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d fulfillment.QADecision
		if !decodeBody(w, r, &d) {
			return
		}
		if d.Reviewer == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reviewer is required")
			return
		}
		c, err := deps.Cases.ReviewQA(r.Context(), chi.URLParam(r, "id"), d)
		if err != nil {
			caseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, caseView(c))
	}
}

type declineRequest struct {
	Reason string `json:"reason"`
}

func handleDecline(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := declineRequest{Reason: "declined"}
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = "declined"
		}
		c, err := deps.Cases.Abandon(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			caseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, caseView(c))
	}
}
