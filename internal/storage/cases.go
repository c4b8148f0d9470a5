package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const caseColumns = `id, identity, url, outreach_id, state, payment_ref, credentials_ref, implementation_ref, qa_ref, created_at, updated_at`

// CreateCase inserts a new fulfillment case together with its opening event.
// A second case for the same outreach attempt is rejected with ErrConflict.
func (s *Store) CreateCase(c Case, ev CaseEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning case transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT OR IGNORE INTO fulfillment_cases (`+caseColumns+`)
		VALUES (?, ?, ?, ?, ?, '', '', '', '', ?, ?)`,
		c.ID, c.Identity, c.URL, c.OutreachID, c.State, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	if err := insertCaseEvent(tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// TransitionCase applies tr atomically: the state changes only if the case
// is still in tr.From, and tr.Job is enqueued only if it does. On mismatch
// it returns ErrConflict and leaves the case untouched; ErrNotFound if the
// case does not exist.
func (s *Store) TransitionCase(tr CaseTransition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(tr.At)
	credentialsRef := ""
	if tr.Sealed != nil {
		credentialsRef = uuid.New().String()
	}

	res, err := tx.Exec(`UPDATE fulfillment_cases SET
			state = ?,
			payment_ref = CASE WHEN ? = '' THEN payment_ref ELSE ? END,
			credentials_ref = CASE WHEN ? = '' THEN credentials_ref ELSE ? END,
			implementation_ref = CASE WHEN ? = '' THEN implementation_ref ELSE ? END,
			qa_ref = CASE WHEN ? = '' THEN qa_ref ELSE ? END,
			updated_at = ?
		WHERE id = ? AND state = ?`,
		tr.To,
		tr.PaymentRef, tr.PaymentRef,
		credentialsRef, credentialsRef,
		tr.ImplementationRef, tr.ImplementationRef,
		tr.QARef, tr.QARef,
		at, tr.CaseID, tr.From,
	)
	if err != nil {
		return fmt.Errorf("updating case %s: %w", tr.CaseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		var state string
		err := tx.QueryRow(`SELECT state FROM fulfillment_cases WHERE id = ?`, tr.CaseID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}

	if tr.Sealed != nil {
		if _, err := tx.Exec(`INSERT INTO credential_blobs (id, case_id, sealed, created_at) VALUES (?, ?, ?, ?)`,
			credentialsRef, tr.CaseID, tr.Sealed, at); err != nil {
			return fmt.Errorf("storing credentials for case %s: %w", tr.CaseID, err)
		}
	}

	if err := insertCaseEvent(tx, tr.Event); err != nil {
		return err
	}
	if tr.Job != nil {
		if err := insertJob(tx, *tr.Job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendCaseEvent records an event that does not change the case state,
// guarded on the case still being in state. A non-nil job is enqueued in
// the same transaction.
func (s *Store) AppendCaseEvent(state string, ev CaseEvent, job *Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT state FROM fulfillment_cases WHERE id = ?`, ev.CaseID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != state {
		return ErrConflict
	}
	if err := insertCaseEvent(tx, ev); err != nil {
		return err
	}
	if job != nil {
		if err := insertJob(tx, *job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertCaseEvent(tx *sql.Tx, ev CaseEvent) error {
	detail := ev.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	_, err := tx.Exec(`INSERT INTO case_events (id, case_id, from_state, to_state, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CaseID, ev.FromState, ev.ToState, detail, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting case event: %w", err)
	}
	return nil
}

func (s *Store) GetCase(id string) (Case, error) {
	return scanCase(s.db.QueryRow(`SELECT `+caseColumns+` FROM fulfillment_cases WHERE id = ?`, id))
}

func (s *Store) GetCaseByOutreach(outreachID string) (Case, error) {
	return scanCase(s.db.QueryRow(`SELECT `+caseColumns+` FROM fulfillment_cases WHERE outreach_id = ?`, outreachID))
}

// ListCases returns cases newest first. An empty state lists every state.
func (s *Store) ListCases(state string, limit, offset int) ([]Case, error) {
	query := `SELECT ` + caseColumns + ` FROM fulfillment_cases`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return s.queryCases(query, args...)
}

// ListCasesIdleSince returns cases last updated before cutoff whose state is
// not one of excluded.
func (s *Store) ListCasesIdleSince(cutoff time.Time, excluded []string) ([]Case, error) {
	query := `SELECT ` + caseColumns + ` FROM fulfillment_cases WHERE updated_at < ?`
	args := []any{formatTime(cutoff)}
	if len(excluded) > 0 {
		query += ` AND state NOT IN (?` + strings.Repeat(",?", len(excluded)-1) + `)`
		for _, st := range excluded {
			args = append(args, st)
		}
	}
	query += ` ORDER BY updated_at ASC`
	return s.queryCases(query, args...)
}

func (s *Store) queryCases(query string, args ...any) ([]Case, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (Case, error) {
	var c Case
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Identity, &c.URL, &c.OutreachID, &c.State, &c.PaymentRef,
		&c.CredentialsRef, &c.ImplementationRef, &c.QARef, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, err
	}
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Case{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (s *Store) ListCaseEvents(caseID string) ([]CaseEvent, error) {
	rows, err := s.db.Query(`SELECT id, case_id, from_state, to_state, detail_json, created_at
		FROM case_events WHERE case_id = ? ORDER BY created_at ASC, rowid ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaseEvent
	for rows.Next() {
		var ev CaseEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.FromState, &ev.ToState, &ev.DetailJSON, &createdAt); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetCredentialBlob returns the sealed credential bytes stored under ref.
func (s *Store) GetCredentialBlob(ref string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT sealed FROM credential_blobs WHERE id = ?`, ref).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sealed, err
}
