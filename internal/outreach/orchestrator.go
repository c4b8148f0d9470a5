// Package outreach runs outreach cycles: discovery, audit, report, form
// submission and the hand-off of successful contacts to fulfillment.
package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/rankzen/internal/activity"
	"github.com/kalambet/rankzen/internal/audit"
	"github.com/kalambet/rankzen/internal/blacklist"
	"github.com/kalambet/rankzen/internal/fulfillment"
	"github.com/kalambet/rankzen/internal/ratelimit"
	"github.com/kalambet/rankzen/internal/report"
	"github.com/kalambet/rankzen/internal/site"
	"github.com/kalambet/rankzen/internal/storage"
	"github.com/kalambet/rankzen/internal/submit"
)

// CandidateSource yields discovered sites. Each call starts a fresh,
// finite sequence.
type CandidateSource interface {
	Candidates(ctx context.Context) iter.Seq[site.Candidate]
}

type Blacklist interface {
	Contains(ctx context.Context, id site.Identity) (bool, error)
	Add(ctx context.Context, id site.Identity, reason blacklist.Reason) error
}

type Limiter interface {
	AcquireAudit(ctx context.Context) (bool, error)
	OutreachAvailable(ctx context.Context) (bool, error)
	RecordOutreach(ctx context.Context) error
	BeginCycle() *ratelimit.CycleBudget
}

type Auditor interface {
	Audit(ctx context.Context, url string) (audit.Result, error)
}

type Composer interface {
	Compose(ctx context.Context, res audit.Result, maxIssues int) report.Report
}

type Submitter interface {
	Submit(ctx context.Context, siteURL, message string) submit.Result
}

// CaseOpener starts a fulfillment case for a successful attempt.
type CaseOpener interface {
	Open(ctx context.Context, req fulfillment.OpenRequest) (storage.Case, error)
}

// Store records cycles, audits and attempts.
type Store interface {
	StartCycle(c storage.Cycle) error
	FinishCycle(c storage.Cycle) error
	SaveAudit(a storage.Audit) error
	SaveOutreachAttempt(a storage.OutreachAttempt) error
	CountOutcomeCycles(identity, outcome string) (int, error)
}

// ActivityLog receives audit and attempt records.
type ActivityLog interface {
	RecordAudit(a activity.Audit) error
	RecordAttempt(a activity.Attempt) error
}

// Deps are the components a cycle drives.
type Deps struct {
	Source    CandidateSource
	Blacklist Blacklist
	Limiter   Limiter
	Auditor   Auditor
	Composer  Composer
	Submitter Submitter
	Cases     CaseOpener
	Store     Store
	Activity  ActivityLog
}

// Policy holds the cycle thresholds.
type Policy struct {
	// AuditsPerCycle is the default maxCandidates for RunCycle.
	AuditsPerCycle     int
	SkipScoreThreshold int
	MaxIssuesPerReport int
	// FormNotFoundBudget is how many distinct cycles may report
	// FORM_NOT_FOUND for a site before it is blacklisted.
	FormNotFoundBudget int
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{AuditsPerCycle: 30, SkipScoreThreshold: 80, MaxIssuesPerReport: 3, FormNotFoundBudget: 3}
}

// Orchestrator runs outreach cycles. It keeps no state between cycles;
// everything that must survive lives in the store, the blacklist and the
// daily counters.
type Orchestrator struct {
	deps   Deps
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

func New(deps Deps, policy Policy) *Orchestrator {
	if policy.FormNotFoundBudget <= 0 {
		policy.FormNotFoundBudget = 1
	}
	if policy.MaxIssuesPerReport <= 0 {
		policy.MaxIssuesPerReport = 3
	}
	return &Orchestrator{deps: deps, policy: policy, now: time.Now, logger: slog.Default()}
}

// cycle is the state of one RunCycle invocation.
type cycle struct {
	rec    storage.Cycle
	budget *ratelimit.CycleBudget
}

// RunCycle returns the lazy sequence of per-candidate outcomes for one
// cycle that audits at most maxCandidates candidates (AuditsPerCycle when
// <= 0). Blacklisted candidates are reported but do not count.
// Nothing happens until the sequence is ranged over, and each range runs a
// new cycle.
//
// A persistence failure is yielded as (Outcome{}, *PersistenceError) and
// ends the sequence. Cancelling ctx stops the cycle before the next
// candidate; the candidate in flight always finishes.
func (o *Orchestrator) RunCycle(ctx context.Context, maxCandidates int) iter.Seq2[Outcome, error] {
	if maxCandidates <= 0 {
		maxCandidates = o.policy.AuditsPerCycle
	}
	return func(yield func(Outcome, error) bool) {
		// In-flight work is bounded by collaborator timeouts, not by ctx.
		work := context.WithoutCancel(ctx)

		cy := &cycle{
			rec:    storage.Cycle{ID: uuid.New().String(), StartedAt: o.now().UTC(), Status: "running"},
			budget: o.deps.Limiter.BeginCycle(),
		}
		if err := o.deps.Store.StartCycle(cy.rec); err != nil {
			yield(Outcome{}, &PersistenceError{Stage: "start_cycle", Err: err})
			return
		}
		logger := o.logger.With("cycle_id", cy.rec.ID)
		logger.Info("cycle started", "max_candidates", maxCandidates)

		open := true
		emit := func(out Outcome, err error) bool {
			open = open && yield(out, err)
			return open
		}
		status, fatal := o.loop(ctx, work, cy, maxCandidates, logger, emit)

		cy.rec.Status = status
		cy.rec.FinishedAt = o.now().UTC()
		if fatal != nil {
			cy.rec.LastError = fatal.Error()
		}
		if err := o.deps.Store.FinishCycle(cy.rec); err != nil {
			logger.Error("recording cycle finish", "error", err)
			if fatal == nil {
				emit(Outcome{}, &PersistenceError{Stage: "finish_cycle", Err: err})
			}
			return
		}
		logger.Info("cycle finished", "status", status, "candidates", cy.rec.Candidates,
			"audits", cy.rec.Audits, "attempts", cy.rec.Attempts, "successes", cy.rec.Successes)
	}
}

// loop processes candidates until the source is exhausted, a cap is hit,
// ctx is cancelled, the consumer stops, or a persistence failure occurs.
// It returns the cycle status and the fatal error, if any.
func (o *Orchestrator) loop(ctx, work context.Context, cy *cycle, maxCandidates int, logger *slog.Logger, yield func(Outcome, error) bool) (string, error) {
	next, stop := iter.Pull(o.deps.Source.Candidates(work))
	defer stop()

	for {
		if ctx.Err() != nil {
			logger.Info("cycle stopped by operator")
			return "stopped", nil
		}
		if cy.budget.Used() >= maxCandidates {
			return "completed", nil
		}
		c, ok := next()
		if !ok {
			return "completed", nil
		}

		out, halt, err := o.process(work, cy, c, logger)
		if err != nil {
			logger.Error("cycle aborted", "identity", out.Identity, "error", err)
			yield(Outcome{}, err)
			return "failed", err
		}
		if halt {
			logger.Info("audit budget exhausted, deferring remaining candidates",
				"used", cy.budget.Used(), "identity", out.Identity)
			return "completed", nil
		}

		cy.rec.Candidates++
		switch out.Kind {
		case SkippedWellOptimized, AuditOnly:
			cy.rec.Audits++
		case Attempted:
			cy.rec.Audits++
			cy.rec.Attempts++
			if out.Submission == submit.Success {
				cy.rec.Successes++
			}
		}
		if !yield(out, nil) {
			return "stopped", nil
		}
	}
}

// process runs one candidate through the pipeline. halt reports that the
// audit budget ran out before this candidate was audited; it is then left
// for a later cycle.
func (o *Orchestrator) process(ctx context.Context, cy *cycle, c site.Candidate, logger *slog.Logger) (out Outcome, halt bool, err error) {
	out = Outcome{CycleID: cy.rec.ID, Candidate: c}
	stage := "normalize"
	defer func() {
		if r := recover(); r != nil {
			out, halt, err = o.recovered(out, stage, r, logger), false, nil
		}
	}()

	id, nerr := site.Normalize(c.URL)
	if nerr != nil {
		logger.Warn("candidate skipped", "url", c.URL, "stage", "normalize", "error", nerr)
		out.Kind, out.Err = SkippedInvalid, nerr
		return out, false, nil
	}
	out.Identity = id
	log := logger.With("identity", id)

	stage = "blacklist_check"
	listed, err := o.deps.Blacklist.Contains(ctx, id)
	if err != nil {
		return out, false, &PersistenceError{Stage: "blacklist_check", Identity: id, Err: err}
	}
	if listed {
		log.Debug("candidate blacklisted, skipping")
		out.Kind = SkippedBlacklisted
		return out, false, nil
	}

	if cy.budget.Exhausted() {
		return out, true, nil
	}
	stage = "acquire_audit"
	ok, err := o.deps.Limiter.AcquireAudit(ctx)
	if err != nil {
		return out, false, &PersistenceError{Stage: "acquire_audit", Identity: id, Err: err}
	}
	if !ok {
		return out, true, nil
	}
	cy.budget.Spend()

	stage = "audit"
	res, aerr := o.deps.Auditor.Audit(ctx, site.StripTracking(c.URL))
	if aerr != nil {
		log.Warn("audit failed", "stage", "audit", "error", aerr)
		out.Kind, out.Err = AuditFailed, aerr
		return out, false, nil
	}
	out.Score = res.Score

	stage = "save_audit"
	auditID, err := o.recordAudit(cy, c, id, res, log)
	if err != nil {
		return out, false, &PersistenceError{Stage: "save_audit", Identity: id, Err: err}
	}
	out.AuditID = auditID

	if res.Score > o.policy.SkipScoreThreshold {
		log.Info("site already well optimized", "score", res.Score)
		out.Kind = SkippedWellOptimized
		return out, false, nil
	}

	stage = "outreach_check"
	avail, err := o.deps.Limiter.OutreachAvailable(ctx)
	if err != nil {
		return out, false, &PersistenceError{Stage: "outreach_check", Identity: id, Err: err}
	}
	if !avail {
		log.Info("daily outreach cap reached, audit only", "score", res.Score)
		out.Kind = AuditOnly
		return out, false, nil
	}

	stage = "compose"
	rep := o.deps.Composer.Compose(ctx, res, o.policy.MaxIssuesPerReport)
	target := res.FinalURL
	if target == "" {
		target = res.URL
	}
	stage = "submit"
	sr := o.deps.Submitter.Submit(ctx, target, rep.Text)
	out.Kind, out.Submission = Attempted, sr.Outcome
	if sr.Err != nil {
		out.Err = sr.Err
		log.Warn("submission failed", "stage", "submit", "outcome", sr.Outcome, "raw", sr.Raw, "error", sr.Err)
	}

	attempt := storage.OutreachAttempt{
		ID:          uuid.New().String(),
		CycleID:     cy.rec.ID,
		Identity:    string(id),
		URL:         target,
		AuditID:     auditID,
		Message:     rep.Text,
		Outcome:     string(sr.Outcome),
		RawResult:   sr.Raw,
		SubmittedAt: o.now().UTC(),
	}
	stage = "save_attempt"
	if err := o.deps.Store.SaveOutreachAttempt(attempt); err != nil {
		return out, false, &PersistenceError{Stage: "save_attempt", Identity: id, Err: err}
	}
	out.AttemptID = attempt.ID
	o.logActivity(log, o.deps.Activity.RecordAttempt(activity.Attempt{
		CycleID: cy.rec.ID, AttemptID: attempt.ID, Identity: string(id), URL: target,
		Score: res.Score, Outcome: string(sr.Outcome), Raw: sr.Raw, At: attempt.SubmittedAt,
	}))

	stage = "settle"
	if err := o.settle(ctx, &out, attempt, log); err != nil {
		return out, false, err
	}
	return out, false, nil
}

// recovered turns a panic in stage into a per-candidate failure. Nothing
// about the site is blacklisted, so it stays eligible for the next cycle.
func (o *Orchestrator) recovered(out Outcome, stage string, r any, logger *slog.Logger) Outcome {
	perr := &PanicError{Stage: stage, Value: r}
	logger.Error("candidate panicked", "url", out.Candidate.URL, "identity", out.Identity,
		"stage", stage, "panic", r)
	out.Err = perr
	switch stage {
	case "normalize":
		out.Kind = SkippedInvalid
	case "compose", "submit":
		out.Kind, out.Submission = Attempted, submit.Error
	case "save_attempt", "settle":
		// The attempt already happened; its outcome stands.
	default:
		out.Kind = AuditFailed
	}
	return out
}

// settle applies the consequences of a submission outcome: counters and a
// case on success, the blacklist on permanent failures.
func (o *Orchestrator) settle(ctx context.Context, out *Outcome, attempt storage.OutreachAttempt, log *slog.Logger) error {
	id := out.Identity
	switch out.Submission {
	case submit.Success:
		if err := o.deps.Limiter.RecordOutreach(ctx); err != nil {
			if !errors.Is(err, ratelimit.ErrCapReached) {
				return &PersistenceError{Stage: "record_outreach", Identity: id, Err: err}
			}
			log.Warn("outreach counter already at cap", "stage", "record_outreach")
		}
		c, err := o.deps.Cases.Open(ctx, fulfillment.OpenRequest{Identity: string(id), URL: attempt.URL, OutreachID: attempt.ID})
		if err != nil {
			return &PersistenceError{Stage: "open_case", Identity: id, Err: err}
		}
		out.CaseID = c.ID
		if err := o.deps.Blacklist.Add(ctx, id, blacklist.ReasonContacted); err != nil {
			return &PersistenceError{Stage: "blacklist_add", Identity: id, Err: err}
		}
		out.Blacklisted = blacklist.ReasonContacted
		log.Info("outreach succeeded", "case_id", c.ID)

	case submit.CaptchaBlocked:
		if err := o.deps.Blacklist.Add(ctx, id, blacklist.ReasonCaptchaBlocked); err != nil {
			return &PersistenceError{Stage: "blacklist_add", Identity: id, Err: err}
		}
		out.Blacklisted = blacklist.ReasonCaptchaBlocked

	case submit.FormNotFound:
		n, err := o.deps.Store.CountOutcomeCycles(string(id), string(submit.FormNotFound))
		if err != nil {
			return &PersistenceError{Stage: "count_form_not_found", Identity: id, Err: err}
		}
		if n < o.policy.FormNotFoundBudget {
			log.Info("no contact form found", "cycles", n, "budget", o.policy.FormNotFoundBudget)
			return nil
		}
		if err := o.deps.Blacklist.Add(ctx, id, blacklist.ReasonFormNotFound); err != nil {
			return &PersistenceError{Stage: "blacklist_add", Identity: id, Err: err}
		}
		out.Blacklisted = blacklist.ReasonFormNotFound

	default:
		// ERROR and RATE_LIMITED_BY_TARGET are transient; the site stays
		// eligible for the next cycle.
	}
	return nil
}

func (o *Orchestrator) recordAudit(cy *cycle, c site.Candidate, id site.Identity, res audit.Result, log *slog.Logger) (string, error) {
	issues, err := json.Marshal(res.Issues)
	if err != nil {
		return "", err
	}
	at := res.AuditedAt
	if at.IsZero() {
		at = o.now()
	}
	a := storage.Audit{
		ID:         uuid.New().String(),
		CycleID:    cy.rec.ID,
		Identity:   string(id),
		URL:        res.URL,
		Industry:   c.Industry,
		Region:     c.Region,
		Score:      res.Score,
		IssuesJSON: string(issues),
		AuditedAt:  at.UTC(),
	}
	if err := o.deps.Store.SaveAudit(a); err != nil {
		return "", err
	}

	logged := make([]activity.AuditIssue, len(res.Issues))
	for i, is := range res.Issues {
		logged[i] = activity.AuditIssue{Code: is.Code, Severity: is.Severity}
	}
	o.logActivity(log, o.deps.Activity.RecordAudit(activity.Audit{
		Timestamp: a.AuditedAt, CycleID: cy.rec.ID, AuditID: a.ID, Identity: a.Identity,
		URL: a.URL, Industry: a.Industry, Region: a.Region, Score: a.Score, Issues: logged,
	}))
	return a.ID, nil
}

// logActivity reports activity log write failures. The store already holds
// the record, so the cycle continues.
func (o *Orchestrator) logActivity(log *slog.Logger, err error) {
	if err != nil {
		log.Error("writing activity log", "error", err)
	}
}

// Run drains one cycle into a Summary. The error is the cycle's
// persistence failure, if it had one.
func (o *Orchestrator) Run(ctx context.Context, maxCandidates int) (Summary, error) {
	sum := newSummary()
	for out, err := range o.RunCycle(ctx, maxCandidates) {
		if err != nil {
			return sum, err
		}
		sum.add(out)
	}
	sum.Stopped = ctx.Err() != nil
	return sum, nil
}
