package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update matched no row because
// the record changed since it was read.
var ErrConflict = errors.New("conflict")

type BlacklistEntry struct {
	Identity string
	Reason   string
	AddedAt  time.Time
}

// DailyCounters holds the audit and outreach totals for one UTC day.
// Date is formatted as 2006-01-02.
type DailyCounters struct {
	Date         string
	AuditsDone   int
	OutreachDone int
}

type Cycle struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // "running", "completed", "stopped", "failed"
	Candidates int
	Audits     int
	Attempts   int
	Successes  int
	LastError  string
}

type Audit struct {
	ID         string
	CycleID    string
	Identity   string
	URL        string
	Industry   string
	Region     string
	Score      int
	IssuesJSON string // JSON array stored as text
	AuditedAt  time.Time
}

type OutreachAttempt struct {
	ID          string
	CycleID     string
	Identity    string
	URL         string
	AuditID     string
	Message     string
	Outcome     string
	RawResult   string
	SubmittedAt time.Time
}

type Case struct {
	ID                string
	Identity          string
	URL               string
	OutreachID        string
	State             string
	PaymentRef        string
	CredentialsRef    string
	ImplementationRef string
	QARef             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CaseEvent struct {
	ID         string
	CaseID     string
	FromState  string
	ToState    string
	DetailJSON string
	CreatedAt  time.Time
}

// CaseTransition moves a case from From to To in one conditional update.
// Empty refs leave the stored value untouched. When Sealed is non-nil it is
// stored as a credential blob and CredentialsRef is set to the blob ID.
// Job, when set, is the follow-up work enqueued with the transition.
type CaseTransition struct {
	CaseID            string
	From              string
	To                string
	PaymentRef        string
	ImplementationRef string
	QARef             string
	Sealed            []byte
	Event             CaseEvent
	Job               *Job
	At                time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Stats aggregates outreach and fulfillment totals for reporting.
type Stats struct {
	Audits           int
	AverageScore     float64
	Attempts         int
	AttemptsByResult map[string]int
	Blacklisted      int
	CasesByState     map[string]int
	Today            DailyCounters
}
