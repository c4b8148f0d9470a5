package outreach

import (
	"errors"
	"fmt"

	"github.com/kalambet/rankzen/internal/blacklist"
	"github.com/kalambet/rankzen/internal/site"
	"github.com/kalambet/rankzen/internal/submit"
)

// Kind is what the cycle did with one candidate.
type Kind string

const (
	// SkippedInvalid candidates have a URL that does not normalize.
	SkippedInvalid       Kind = "SKIPPED_INVALID"
	SkippedBlacklisted   Kind = "SKIPPED_BLACKLISTED"
	AuditFailed          Kind = "AUDIT_FAILED"
	SkippedWellOptimized Kind = "SKIPPED_WELL_OPTIMIZED"
	AuditOnly            Kind = "AUDIT_ONLY"
	Attempted            Kind = "ATTEMPTED"
)

// Outcome is the result of processing one candidate.
type Outcome struct {
	CycleID   string
	Candidate site.Candidate
	Identity  site.Identity
	Kind      Kind
	Score     int
	AuditID   string
	AttemptID string
	// Submission is set when Kind is Attempted.
	Submission submit.Outcome
	CaseID     string
	// Blacklisted is the reason the candidate was blacklisted by this
	// outcome, if it was.
	Blacklisted blacklist.Reason
	// Err is the non-fatal per-candidate error, if any.
	Err error
}

// ErrPersistence marks failures of the blacklist, the counters or the
// store. A cycle that hits one stops immediately.
var ErrPersistence = errors.New("persistence failure")

// PersistenceError is a fatal cycle error with the stage it happened in.
type PersistenceError struct {
	Stage    string
	Identity site.Identity
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("persistence failure during %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("persistence failure during %s for %s: %v", e.Stage, e.Identity, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// PanicError is the per-candidate error for a collaborator that panicked.
// The candidate is reported as failed and the cycle moves on.
type PanicError struct {
	Stage string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during %s: %v", e.Stage, e.Value)
}

// Summary totals one cycle.
type Summary struct {
	CycleID    string
	Candidates int
	Audits     int
	Attempts   int
	Successes  int
	ByKind     map[Kind]int
	ByOutcome  map[submit.Outcome]int
	// Stopped is set when the cycle ended on cancellation.
	Stopped bool
}

func newSummary() Summary {
	return Summary{ByKind: make(map[Kind]int), ByOutcome: make(map[submit.Outcome]int)}
}

func (s *Summary) add(o Outcome) {
	if s.CycleID == "" {
		s.CycleID = o.CycleID
	}
	s.Candidates++
	s.ByKind[o.Kind]++
	switch o.Kind {
	case SkippedWellOptimized, AuditOnly:
		s.Audits++
	case Attempted:
		s.Audits++
		s.Attempts++
		s.ByOutcome[o.Submission]++
		if o.Submission == submit.Success {
			s.Successes++
		}
	}
}
