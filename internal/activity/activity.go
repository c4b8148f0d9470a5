// Package activity writes the append-only activity log: one CSV row per
// outreach attempt, and JSON lines for audits and fulfillment events.
package activity

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// SchemaVersion is stamped on every record.
const SchemaVersion = 1

const (
	outreachFile = "outreach_log.csv"
	auditsFile   = "audits.jsonl"
	eventsFile   = "phase2_events.jsonl"
)

var outreachHeader = []string{
	"schema_version", "type", "timestamp", "cycle_id", "attempt_id",
	"identity", "url", "score", "outcome", "raw_result",
}

// Attempt is one outreach attempt as written to the CSV log.
type Attempt struct {
	CycleID   string
	AttemptID string
	Identity  string
	URL       string
	Score     int
	Outcome   string
	Raw       string
	At        time.Time
}

// AuditIssue is the logged form of a single audit finding.
type AuditIssue struct {
	Code     string `json:"code"`
	Severity int    `json:"severity"`
}

// Audit is one audit result line.
type Audit struct {
	SchemaVersion int          `json:"schema_version"`
	Type          string       `json:"type"`
	Timestamp     time.Time    `json:"timestamp"`
	CycleID       string       `json:"cycle_id"`
	AuditID       string       `json:"audit_id"`
	Identity      string       `json:"identity"`
	URL           string       `json:"url"`
	Industry      string       `json:"industry,omitempty"`
	Region        string       `json:"region,omitempty"`
	Score         int          `json:"score"`
	Issues        []AuditIssue `json:"issues"`
}

// Event is one fulfillment case event line.
type Event struct {
	SchemaVersion int            `json:"schema_version"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CaseID        string         `json:"case_id"`
	EventID       string         `json:"event_id"`
	From          string         `json:"from,omitempty"`
	To            string         `json:"to"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Log appends to the files under one directory. It is safe for concurrent
// use; each record is written with a single write call under a lock.
type Log struct {
	dir string
	mu  sync.Mutex
}

// Open creates dir if needed and returns a Log writing into it.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating activity log dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Dir returns the directory the log writes to.
func (l *Log) Dir() string { return l.dir }

// RecordAttempt appends a row to outreach_log.csv, writing the header first
// when the file is new.
func (l *Log) RecordAttempt(a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, outreachFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening outreach log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat outreach log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(outreachHeader); err != nil {
			return fmt.Errorf("writing outreach log header: %w", err)
		}
	}
	row := []string{
		strconv.Itoa(SchemaVersion), "outreach_attempt", a.At.UTC().Format(time.RFC3339),
		a.CycleID, a.AttemptID, a.Identity, a.URL, strconv.Itoa(a.Score), a.Outcome, a.Raw,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("writing outreach log row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// RecordAudit appends a to audits.jsonl.
func (l *Log) RecordAudit(a Audit) error {
	a.SchemaVersion = SchemaVersion
	a.Type = "audit"
	a.Timestamp = a.Timestamp.UTC()
	if a.Issues == nil {
		a.Issues = []AuditIssue{}
	}
	return l.appendJSON(auditsFile, a)
}

// RecordEvent appends e to phase2_events.jsonl.
func (l *Log) RecordEvent(e Event) error {
	e.SchemaVersion = SchemaVersion
	e.Type = "case_event"
	e.Timestamp = e.Timestamp.UTC()
	return l.appendJSON(eventsFile, e)
}

func (l *Log) appendJSON(name string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", name, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", name, err)
	}
	return nil
}
