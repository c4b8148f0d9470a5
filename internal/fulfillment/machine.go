package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/rankzen/internal/activity"
	"github.com/kalambet/rankzen/internal/storage"
	"github.com/kalambet/rankzen/internal/vault"
)

// Job types run by the Worker.
const (
	JobRequestPayment         = "request_payment"
	JobRequestCredentials     = "request_credentials"
	JobDispatchImplementation = "dispatch_implementation"
	JobDispatchRework         = "dispatch_rework"
	JobNotifyOwner            = "notify_owner"
)

// JobTypes lists every job type the Worker handles.
var JobTypes = []string{
	JobRequestPayment, JobRequestCredentials, JobDispatchImplementation, JobDispatchRework, JobNotifyOwner,
}

// CaseStore is the persistence the state machine needs.
type CaseStore interface {
	CreateCase(c storage.Case, ev storage.CaseEvent) error
	TransitionCase(tr storage.CaseTransition) error
	AppendCaseEvent(state string, ev storage.CaseEvent, job *storage.Job) error
	GetCase(id string) (storage.Case, error)
	GetCaseByOutreach(outreachID string) (storage.Case, error)
	ListCases(state string, limit, offset int) ([]storage.Case, error)
	ListCaseEvents(caseID string) ([]storage.CaseEvent, error)
	ListCasesIdleSince(cutoff time.Time, excluded []string) ([]storage.Case, error)
	EnqueueJob(job storage.Job) error
}

// EventLog receives a line for every case event.
type EventLog interface {
	RecordEvent(e activity.Event) error
}

// QADecision is a reviewer's verdict on implemented work.
type QADecision struct {
	Reviewer string `json:"reviewer"`
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

// Payload carries what a transition records alongside the state change.
type Payload struct {
	PaymentRef        string
	ImplementationRef string
	// Credentials must already be sealed; plaintext never reaches the store.
	Credentials vault.Sealed
	QA          *QADecision
	Reason      string
	Detail      map[string]any
}

// OpenRequest identifies the successful outreach attempt a case starts from.
type OpenRequest struct {
	Identity   string
	URL        string
	OutreachID string
}

// Machine applies state transitions to persisted cases. Every transition is a
// conditional update on the expected state, so a duplicate event is rejected
// with a StateConflictError and leaves the case untouched.
type Machine struct {
	store  CaseStore
	events EventLog
	now    func() time.Time
	logger *slog.Logger
}

func NewMachine(store CaseStore, events EventLog) *Machine {
	return &Machine{store: store, events: events, now: time.Now, logger: slog.Default()}
}

// Open creates the case for a successful outreach attempt in ENGAGED. Opening
// the same attempt twice returns the existing case.
func (m *Machine) Open(ctx context.Context, req OpenRequest) (storage.Case, error) {
	if err := ctx.Err(); err != nil {
		return storage.Case{}, err
	}
	if req.OutreachID == "" {
		return storage.Case{}, errors.New("opening case: outreach id is required")
	}
	now := m.now().UTC()
	c := storage.Case{
		ID:         uuid.New().String(),
		Identity:   req.Identity,
		URL:        req.URL,
		OutreachID: req.OutreachID,
		State:      string(Engaged),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ev := storage.CaseEvent{
		ID:         uuid.New().String(),
		CaseID:     c.ID,
		ToState:    string(Engaged),
		DetailJSON: mustJSON(map[string]any{"outreach_id": req.OutreachID}),
		CreatedAt:  now,
	}

	err := m.store.CreateCase(c, ev)
	if errors.Is(err, storage.ErrConflict) {
		return m.store.GetCaseByOutreach(req.OutreachID)
	}
	if err != nil {
		return storage.Case{}, fmt.Errorf("creating case for %s: %w", req.Identity, err)
	}

	m.record(ev, nil)
	m.logger.Info("fulfillment case opened", "case_id", c.ID, "identity", c.Identity)
	return c, nil
}

// Advance moves caseID from expected to next. It fails with
// ErrInvalidTransition if the step is not allowed or the payload does not
// satisfy it, and with a *StateConflictError if the case is not in expected.
func (m *Machine) Advance(ctx context.Context, caseID string, expected, next State, p Payload) (storage.Case, error) {
	return m.advance(ctx, caseID, expected, next, p, "")
}

// advance is Advance with an optional follow-up job of jobType, enqueued in
// the same store transaction as the state change.
func (m *Machine) advance(ctx context.Context, caseID string, expected, next State, p Payload, jobType string) (storage.Case, error) {
	if err := ctx.Err(); err != nil {
		return storage.Case{}, err
	}
	if !CanAdvance(expected, next) {
		return storage.Case{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	if err := checkPayload(next, p); err != nil {
		return storage.Case{}, err
	}

	now := m.now().UTC()
	detail := eventDetail(p)
	ev := storage.CaseEvent{
		ID:         uuid.New().String(),
		CaseID:     caseID,
		FromState:  string(expected),
		ToState:    string(next),
		DetailJSON: mustJSON(detail),
		CreatedAt:  now,
	}
	tr := storage.CaseTransition{
		CaseID:            caseID,
		From:              string(expected),
		To:                string(next),
		PaymentRef:        p.PaymentRef,
		ImplementationRef: p.ImplementationRef,
		Event:             ev,
		At:                now,
	}
	if next == CredentialsReceived {
		tr.Sealed = []byte(p.Credentials)
	}
	if p.QA != nil {
		tr.QARef = ev.ID
	}
	if jobType != "" {
		tr.Job = newJob(caseID, jobType)
	}

	if err := m.store.TransitionCase(tr); err != nil {
		return storage.Case{}, m.transitionError(caseID, expected, err)
	}

	m.record(ev, detail)
	m.logger.Info("case advanced", "case_id", caseID, "from", expected, "to", next, "job", jobType)
	return m.store.GetCase(caseID)
}

// Accept records the client agreeing to the offer and schedules the payment
// link. The case moves to AWAITING_PAYMENT once the link exists.
func (m *Machine) Accept(ctx context.Context, caseID string) error {
	return m.schedule(ctx, caseID, Engaged, JobRequestPayment)
}

// ConfirmPayment handles a payment confirmation for caseID. Duplicate
// confirmations fail with a *StateConflictError.
func (m *Machine) ConfirmPayment(ctx context.Context, caseID, paymentRef string) (storage.Case, error) {
	return m.advance(ctx, caseID, AwaitingPayment, PaymentReceived, Payload{PaymentRef: paymentRef}, JobRequestCredentials)
}

// SubmitCredentials stores a sealed credentials blob and schedules the
// implementation work order.
func (m *Machine) SubmitCredentials(ctx context.Context, caseID string, sealed vault.Sealed) (storage.Case, error) {
	return m.advance(ctx, caseID, AwaitingCredentials, CredentialsReceived, Payload{Credentials: sealed}, JobDispatchImplementation)
}

// CompleteImplementation moves an implementing case to AWAITING_QA.
func (m *Machine) CompleteImplementation(ctx context.Context, caseID, ref, summary string) (storage.Case, error) {
	return m.Advance(ctx, caseID, Implementing, AwaitingQA, Payload{
		ImplementationRef: ref,
		Detail:            map[string]any{"summary": summary},
	})
}

// ReviewQA applies a reviewer decision. Approval moves the case to
// QA_APPROVED and schedules the owner notification; rejection keeps it in
// AWAITING_QA, records the rejection and schedules rework.
func (m *Machine) ReviewQA(ctx context.Context, caseID string, d QADecision) (storage.Case, error) {
	if d.Reviewer == "" {
		return storage.Case{}, fmt.Errorf("%w: QA decision needs a reviewer", ErrInvalidTransition)
	}
	if d.Approved {
		return m.advance(ctx, caseID, AwaitingQA, QAApproved, Payload{QA: &d}, JobNotifyOwner)
	}

	detail := map[string]any{"qa": d, "decision": "rejected"}
	ev := storage.CaseEvent{
		ID:         uuid.New().String(),
		CaseID:     caseID,
		FromState:  string(AwaitingQA),
		ToState:    string(AwaitingQA),
		DetailJSON: mustJSON(detail),
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.AppendCaseEvent(string(AwaitingQA), ev, newJob(caseID, JobDispatchRework)); err != nil {
		return storage.Case{}, m.transitionError(caseID, AwaitingQA, err)
	}
	m.record(ev, detail)
	m.logger.Info("QA rejected, rework requested", "case_id", caseID, "reviewer", d.Reviewer)
	return m.store.GetCase(caseID)
}

// Abandon ends a case from whatever non-terminal state it is in.
func (m *Machine) Abandon(ctx context.Context, caseID, reason string) (storage.Case, error) {
	c, err := m.store.GetCase(caseID)
	if err != nil {
		return storage.Case{}, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	return m.Advance(ctx, caseID, State(c.State), Abandoned, Payload{Reason: reason})
}

// Get returns a case by ID.
func (m *Machine) Get(caseID string) (storage.Case, error) {
	return m.store.GetCase(caseID)
}

// List returns cases newest first, optionally filtered by state.
func (m *Machine) List(state string, limit, offset int) ([]storage.Case, error) {
	return m.store.ListCases(state, limit, offset)
}

// Events returns the event history of a case, oldest first.
func (m *Machine) Events(caseID string) ([]storage.CaseEvent, error) {
	return m.store.ListCaseEvents(caseID)
}

// schedule enqueues jobType after checking the case is in state, so a
// duplicate request surfaces as a conflict rather than a second job.
func (m *Machine) schedule(ctx context.Context, caseID string, state State, jobType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := m.store.GetCase(caseID)
	if err != nil {
		return fmt.Errorf("loading case %s: %w", caseID, err)
	}
	if State(c.State) != state {
		return &StateConflictError{CaseID: caseID, Expected: state, Actual: State(c.State)}
	}
	job := newJob(caseID, jobType)
	if err := m.store.EnqueueJob(*job); err != nil {
		return fmt.Errorf("enqueueing %s for case %s: %w", jobType, caseID, err)
	}
	return nil
}

type jobPayload struct {
	CaseID string `json:"case_id"`
}

func newJob(caseID, jobType string) *storage.Job {
	return &storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: mustJSON(jobPayload{CaseID: caseID}),
		MaxAttempts: 5,
	}
}

func (m *Machine) transitionError(caseID string, expected State, err error) error {
	switch {
	case errors.Is(err, storage.ErrConflict):
		actual := State("")
		if c, gerr := m.store.GetCase(caseID); gerr == nil {
			actual = State(c.State)
		}
		conflict := &StateConflictError{CaseID: caseID, Expected: expected, Actual: actual}
		m.logger.Warn("case transition rejected", "case_id", caseID, "error", conflict)
		return conflict
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("case %s: %w", caseID, err)
	default:
		return fmt.Errorf("transitioning case %s: %w", caseID, err)
	}
}

// record mirrors a stored case event into the activity log. The store is the
// source of truth, so a log failure is only reported.
func (m *Machine) record(ev storage.CaseEvent, detail map[string]any) {
	if m.events == nil {
		return
	}
	err := m.events.RecordEvent(activity.Event{
		Timestamp: ev.CreatedAt,
		CaseID:    ev.CaseID,
		EventID:   ev.ID,
		From:      ev.FromState,
		To:        ev.ToState,
		Detail:    detail,
	})
	if err != nil {
		m.logger.Error("writing case event to activity log", "case_id", ev.CaseID, "error", err)
	}
}

func checkPayload(next State, p Payload) error {
	switch next {
	case PaymentReceived:
		if p.PaymentRef == "" {
			return fmt.Errorf("%w: payment reference required", ErrInvalidTransition)
		}
	case CredentialsReceived:
		if len(p.Credentials) == 0 {
			return fmt.Errorf("%w: sealed credentials required", ErrInvalidTransition)
		}
	case QAApproved:
		if p.QA == nil || !p.QA.Approved || p.QA.Reviewer == "" {
			return fmt.Errorf("%w: QA approval needs an explicit reviewer decision", ErrInvalidTransition)
		}
	}
	if next != CredentialsReceived && len(p.Credentials) > 0 {
		return fmt.Errorf("%w: credentials only accepted with %s", ErrInvalidTransition, CredentialsReceived)
	}
	return nil
}

// eventDetail is what an event records about its payload. Credentials are
// represented by their size only.
func eventDetail(p Payload) map[string]any {
	d := make(map[string]any, len(p.Detail)+4)
	for k, v := range p.Detail {
		d[k] = v
	}
	if p.PaymentRef != "" {
		d["payment_ref"] = p.PaymentRef
	}
	if p.ImplementationRef != "" {
		d["implementation_ref"] = p.ImplementationRef
	}
	if len(p.Credentials) > 0 {
		d["credentials_bytes"] = len(p.Credentials)
	}
	if p.QA != nil {
		d["qa"] = p.QA
	}
	if p.Reason != "" {
		d["reason"] = p.Reason
	}
	return d
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
