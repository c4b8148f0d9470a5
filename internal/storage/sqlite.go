package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database that holds the blacklist, daily counters,
// audit results, outreach attempts, fulfillment cases and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) rankzen.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "rankzen.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serializes writers; the counter and case updates
	// still use conditional UPDATEs so they stay correct with more.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Blacklist ---

// AddToBlacklist inserts identity if absent. Existing entries keep their
// original reason and timestamp. Reports whether a new row was written.
func (s *Store) AddToBlacklist(e BlacklistEntry) (bool, error) {
	addedAt := e.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO blacklist (identity, reason, added_at) VALUES (?, ?, ?)`,
		e.Identity, e.Reason, formatTime(addedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) IsBlacklisted(identity string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM blacklist WHERE identity = ?`, identity).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetBlacklistEntry(identity string) (BlacklistEntry, error) {
	var e BlacklistEntry
	var addedAt string
	err := s.db.QueryRow(`SELECT identity, reason, added_at FROM blacklist WHERE identity = ?`, identity).
		Scan(&e.Identity, &e.Reason, &addedAt)
	if err == sql.ErrNoRows {
		return BlacklistEntry{}, ErrNotFound
	}
	if err != nil {
		return BlacklistEntry{}, err
	}
	if e.AddedAt, err = parseTime("added_at", addedAt); err != nil {
		return BlacklistEntry{}, err
	}
	return e, nil
}

func (s *Store) ListBlacklist(limit, offset int) ([]BlacklistEntry, error) {
	rows, err := s.db.Query(`SELECT identity, reason, added_at FROM blacklist
		ORDER BY added_at DESC, identity ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		var addedAt string
		if err := rows.Scan(&e.Identity, &e.Reason, &addedAt); err != nil {
			return nil, err
		}
		if e.AddedAt, err = parseTime("added_at", addedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Daily counters ---

// GetDailyCounters returns the counters for date, or zero counters if the
// day has no row yet.
func (s *Store) GetDailyCounters(date string) (DailyCounters, error) {
	c := DailyCounters{Date: date}
	err := s.db.QueryRow(`SELECT audits_done, outreach_done FROM daily_counters WHERE date = ?`, date).
		Scan(&c.AuditsDone, &c.OutreachDone)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return DailyCounters{}, err
	}
	return c, nil
}

// CompareAndSwapCounters writes next only if the stored row still equals
// prev. It reports false when another writer got there first.
func (s *Store) CompareAndSwapCounters(prev, next DailyCounters) (bool, error) {
	if prev.Date != next.Date {
		return false, fmt.Errorf("counter dates differ: %s vs %s", prev.Date, next.Date)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning counter transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO daily_counters (date, audits_done, outreach_done) VALUES (?, 0, 0)`, prev.Date); err != nil {
		return false, fmt.Errorf("seeding counters for %s: %w", prev.Date, err)
	}
	res, err := tx.Exec(`UPDATE daily_counters SET audits_done = ?, outreach_done = ?
		WHERE date = ? AND audits_done = ? AND outreach_done = ?`,
		next.AuditsDone, next.OutreachDone, prev.Date, prev.AuditsDone, prev.OutreachDone)
	if err != nil {
		return false, fmt.Errorf("updating counters for %s: %w", prev.Date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing counters: %w", err)
	}
	return true, nil
}

// --- Cycles ---

func (s *Store) StartCycle(c Cycle) error {
	_, err := s.db.Exec(`INSERT INTO cycles (id, started_at, status) VALUES (?, ?, 'running')`,
		c.ID, formatTime(c.StartedAt))
	return err
}

func (s *Store) FinishCycle(c Cycle) error {
	res, err := s.db.Exec(`UPDATE cycles SET finished_at = ?, status = ?, candidates = ?, audits = ?,
		attempts = ?, successes = ?, last_error = ? WHERE id = ?`,
		formatTime(c.FinishedAt), c.Status, c.Candidates, c.Audits, c.Attempts, c.Successes, c.LastError, c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetCycle(id string) (Cycle, error) {
	var c Cycle
	var startedAt string
	var finishedAt, lastError sql.NullString
	err := s.db.QueryRow(`SELECT id, started_at, finished_at, status, candidates, audits, attempts, successes, last_error
		FROM cycles WHERE id = ?`, id).
		Scan(&c.ID, &startedAt, &finishedAt, &c.Status, &c.Candidates, &c.Audits, &c.Attempts, &c.Successes, &lastError)
	if err == sql.ErrNoRows {
		return Cycle{}, ErrNotFound
	}
	if err != nil {
		return Cycle{}, err
	}
	if c.StartedAt, err = parseTime("started_at", startedAt); err != nil {
		return Cycle{}, err
	}
	if finishedAt.Valid && finishedAt.String != "" {
		if c.FinishedAt, err = parseTime("finished_at", finishedAt.String); err != nil {
			return Cycle{}, err
		}
	}
	c.LastError = lastError.String
	return c, nil
}

// --- Audits ---

func (s *Store) SaveAudit(a Audit) error {
	issues := a.IssuesJSON
	if issues == "" {
		issues = "[]"
	}
	_, err := s.db.Exec(`INSERT INTO audits (id, cycle_id, identity, url, industry, region, score, issues_json, audited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CycleID, a.Identity, a.URL, a.Industry, a.Region, a.Score, issues, formatTime(a.AuditedAt))
	return err
}

func (s *Store) ListAudits(identity string) ([]Audit, error) {
	rows, err := s.db.Query(`SELECT id, cycle_id, identity, url, industry, region, score, issues_json, audited_at
		FROM audits WHERE identity = ? ORDER BY audited_at ASC, rowid ASC`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Audit
	for rows.Next() {
		var a Audit
		var auditedAt string
		if err := rows.Scan(&a.ID, &a.CycleID, &a.Identity, &a.URL, &a.Industry, &a.Region, &a.Score, &a.IssuesJSON, &auditedAt); err != nil {
			return nil, err
		}
		if a.AuditedAt, err = parseTime("audited_at", auditedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Outreach attempts ---

func (s *Store) SaveOutreachAttempt(a OutreachAttempt) error {
	_, err := s.db.Exec(`INSERT INTO outreach_attempts (id, cycle_id, identity, url, audit_id, message, outcome, raw_result, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CycleID, a.Identity, a.URL, a.AuditID, a.Message, a.Outcome, a.RawResult, formatTime(a.SubmittedAt))
	return err
}

func (s *Store) GetOutreachAttempt(id string) (OutreachAttempt, error) {
	var a OutreachAttempt
	var submittedAt string
	err := s.db.QueryRow(`SELECT id, cycle_id, identity, url, audit_id, message, outcome, raw_result, submitted_at
		FROM outreach_attempts WHERE id = ?`, id).
		Scan(&a.ID, &a.CycleID, &a.Identity, &a.URL, &a.AuditID, &a.Message, &a.Outcome, &a.RawResult, &submittedAt)
	if err == sql.ErrNoRows {
		return OutreachAttempt{}, ErrNotFound
	}
	if err != nil {
		return OutreachAttempt{}, err
	}
	if a.SubmittedAt, err = parseTime("submitted_at", submittedAt); err != nil {
		return OutreachAttempt{}, err
	}
	return a, nil
}

func (s *Store) ListOutreachAttempts(identity string) ([]OutreachAttempt, error) {
	rows, err := s.db.Query(`SELECT id, cycle_id, identity, url, audit_id, message, outcome, raw_result, submitted_at
		FROM outreach_attempts WHERE identity = ? ORDER BY submitted_at ASC, rowid ASC`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutreachAttempt
	for rows.Next() {
		var a OutreachAttempt
		var submittedAt string
		if err := rows.Scan(&a.ID, &a.CycleID, &a.Identity, &a.URL, &a.AuditID, &a.Message, &a.Outcome, &a.RawResult, &submittedAt); err != nil {
			return nil, err
		}
		if a.SubmittedAt, err = parseTime("submitted_at", submittedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountOutcomeCycles returns how many distinct cycles produced outcome for identity.
func (s *Store) CountOutcomeCycles(identity, outcome string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT cycle_id) FROM outreach_attempts WHERE identity = ? AND outcome = ?`,
		identity, outcome).Scan(&n)
	return n, err
}

// --- Stats ---

func (s *Store) Stats(date string) (Stats, error) {
	st := Stats{
		AttemptsByResult: make(map[string]int),
		CasesByState:     make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRow(`SELECT COUNT(*), AVG(score) FROM audits`).Scan(&st.Audits, &avg); err != nil {
		return Stats{}, fmt.Errorf("counting audits: %w", err)
	}
	st.AverageScore = avg.Float64

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM blacklist`).Scan(&st.Blacklisted); err != nil {
		return Stats{}, fmt.Errorf("counting blacklist: %w", err)
	}

	if err := s.groupCount(`SELECT outcome, COUNT(*) FROM outreach_attempts GROUP BY outcome`, st.AttemptsByResult); err != nil {
		return Stats{}, fmt.Errorf("counting attempts: %w", err)
	}
	for _, n := range st.AttemptsByResult {
		st.Attempts += n
	}

	if err := s.groupCount(`SELECT state, COUNT(*) FROM fulfillment_cases GROUP BY state`, st.CasesByState); err != nil {
		return Stats{}, fmt.Errorf("counting cases: %w", err)
	}

	today, err := s.GetDailyCounters(date)
	if err != nil {
		return Stats{}, fmt.Errorf("reading counters: %w", err)
	}
	st.Today = today
	return st, nil
}

func (s *Store) groupCount(query string, into map[string]int) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
