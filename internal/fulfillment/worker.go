package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/rankzen/internal/notify"
	"github.com/kalambet/rankzen/internal/payment"
	"github.com/kalambet/rankzen/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// PaymentLinker creates a checkout link for a case.
type PaymentLinker interface {
	CreateLink(ctx context.Context, caseID string, p payment.Product) (payment.Link, error)
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Jobs     JobStore
	Machine  *Machine
	Payments PaymentLinker
	Notifier notify.Notifier
	Product  payment.Product
	// PollInterval defaults to 1s.
	PollInterval time.Duration
	// JobTimeout bounds a single job; defaults to 60s.
	JobTimeout time.Duration
}

// Worker runs the automatic fulfillment steps from the job queue.
type Worker struct {
	jobs     JobStore
	machine  *Machine
	payments PaymentLinker
	notifier notify.Notifier
	product  payment.Product
	poll     time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 60 * time.Second
	}
	return &Worker{
		jobs:     opts.Jobs,
		machine:  opts.Machine,
		payments: opts.Payments,
		notifier: opts.Notifier,
		product:  opts.Product,
		poll:     opts.PollInterval,
		timeout:  opts.JobTimeout,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("fulfillment worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob(JobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	err = w.processJob(jctx, job)
	cancel()

	if errors.Is(err, ErrStateConflict) {
		// The case already moved past this step.
		w.logger.Info("job already applied", "job_id", job.ID, "type", job.Type, "error", err)
		err = nil
	}
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	c, err := w.machine.Get(payload.CaseID)
	if err != nil {
		return fmt.Errorf("loading case %s: %w", payload.CaseID, err)
	}

	switch job.Type {
	case JobRequestPayment:
		return w.requestPayment(ctx, c)
	case JobRequestCredentials:
		return w.requestCredentials(ctx, c)
	case JobDispatchImplementation:
		return w.dispatchImplementation(ctx, c)
	case JobDispatchRework:
		return w.dispatchRework(ctx, c)
	case JobNotifyOwner:
		return w.notifyOwner(ctx, c)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) requestPayment(ctx context.Context, c storage.Case) error {
	if State(c.State) != Engaged {
		return &StateConflictError{CaseID: c.ID, Expected: Engaged, Actual: State(c.State)}
	}
	p := w.product
	if p.Description == "" {
		p.Description = "SEO fixes for " + c.Identity
	}
	link, err := w.payments.CreateLink(ctx, c.ID, p)
	if err != nil {
		return fmt.Errorf("creating payment link: %w", err)
	}
	if err := w.notifier.Notify(ctx, notify.Message{
		Kind:   "payment_link",
		CaseID: c.ID,
		Site:   c.URL,
		Text:   "Payment link ready to send to the client.",
		Fields: map[string]string{"payment_url": link.URL},
	}); err != nil {
		return fmt.Errorf("sending payment link: %w", err)
	}
	_, err = w.machine.Advance(ctx, c.ID, Engaged, AwaitingPayment, Payload{
		PaymentRef: link.SessionID,
		Detail:     map[string]any{"payment_url": link.URL},
	})
	return err
}

func (w *Worker) requestCredentials(ctx context.Context, c storage.Case) error {
	if State(c.State) != PaymentReceived {
		return &StateConflictError{CaseID: c.ID, Expected: PaymentReceived, Actual: State(c.State)}
	}
	if err := w.notifier.Notify(ctx, notify.Message{
		Kind:   "credentials_requested",
		CaseID: c.ID,
		Site:   c.URL,
		Text:   "Payment received. Ask the client for website login credentials.",
	}); err != nil {
		return fmt.Errorf("requesting credentials: %w", err)
	}
	_, err := w.machine.Advance(ctx, c.ID, PaymentReceived, AwaitingCredentials, Payload{})
	return err
}

func (w *Worker) dispatchImplementation(ctx context.Context, c storage.Case) error {
	if State(c.State) != CredentialsReceived {
		return &StateConflictError{CaseID: c.ID, Expected: CredentialsReceived, Actual: State(c.State)}
	}
	order := uuid.New().String()
	if err := w.notifier.Notify(ctx, notify.Message{
		Kind:   "work_order",
		CaseID: c.ID,
		Site:   c.URL,
		Text:   "Credentials received. Implement the SEO fixes.",
		Fields: map[string]string{"work_order": order, "credentials_ref": c.CredentialsRef},
	}); err != nil {
		return fmt.Errorf("dispatching work order: %w", err)
	}
	_, err := w.machine.Advance(ctx, c.ID, CredentialsReceived, Implementing, Payload{ImplementationRef: order})
	return err
}

func (w *Worker) dispatchRework(ctx context.Context, c storage.Case) error {
	if State(c.State) != AwaitingQA {
		return &StateConflictError{CaseID: c.ID, Expected: AwaitingQA, Actual: State(c.State)}
	}
	return w.notifier.Notify(ctx, notify.Message{
		Kind:   "rework",
		CaseID: c.ID,
		Site:   c.URL,
		Text:   "QA rejected the implementation. Rework needed.",
		Fields: map[string]string{"implementation_ref": c.ImplementationRef},
	})
}

func (w *Worker) notifyOwner(ctx context.Context, c storage.Case) error {
	if State(c.State) != QAApproved {
		return &StateConflictError{CaseID: c.ID, Expected: QAApproved, Actual: State(c.State)}
	}
	if err := w.notifier.Notify(ctx, notify.Message{
		Kind:   "owner_notified",
		CaseID: c.ID,
		Site:   c.URL,
		Text:   "SEO improvements are live on " + c.Identity + ".",
	}); err != nil {
		return fmt.Errorf("notifying owner: %w", err)
	}
	_, err := w.machine.Advance(ctx, c.ID, QAApproved, Notified, Payload{})
	return err
}
