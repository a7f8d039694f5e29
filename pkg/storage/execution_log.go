package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ExecutionLogEntry is one immutable audit record: the decision, the inputs
// it was computed from, and what happened when it was applied.
type ExecutionLogEntry struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	LoggedAt      time.Time `json:"loggedAt"`
	InputSnapshot any       `json:"inputSnapshot"`
	Decision      any       `json:"decision"`
	Outcome       string    `json:"outcome"`
}

// AppendExecutionLog durably records a decision before its side effects run.
// Append never fails silently; callers must abort the decision when it errors.
func (s *Store) AppendExecutionLog(entry *ExecutionLogEntry) error {
	if entry == nil {
		return errors.New("entry is nil")
	}
	if entry.SessionID == "" {
		return errors.New("entry requires a session id")
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now()
	}

	inputJSON, err := marshalJSON(entry.InputSnapshot)
	if err != nil {
		return fmt.Errorf("marshal input snapshot: %w", err)
	}
	decisionJSON, err := marshalJSON(entry.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO execution_log (entry_id, session_id, logged_at, input_snapshot, decision, outcome)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.SessionID,
		entry.LoggedAt,
		inputJSON,
		decisionJSON,
		entry.Outcome,
	)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}

	s.notify(newEvent(EventDecisionLogged, entry.SessionID, entry.ID, nil))
	return nil
}

// UpdateExecutionLogOutcome records how an already-logged decision turned out.
// The decision and its inputs are never rewritten.
func (s *Store) UpdateExecutionLogOutcome(entryID, outcome string) error {
	result, err := s.db.Exec(`
		UPDATE execution_log SET outcome = ? WHERE entry_id = ?
	`, outcome, entryID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("execution log entry %s not found", entryID)
	}
	return nil
}

// ListExecutionLog returns the audit trail for a session in applied order.
func (s *Store) ListExecutionLog(sessionID string, limit int) ([]ExecutionLogEntry, error) {
	query := `
		SELECT entry_id, session_id, logged_at, input_snapshot, decision, outcome
		FROM execution_log
		WHERE session_id = ?
		ORDER BY logged_at ASC, entry_id ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ExecutionLogEntry{}
	for rows.Next() {
		var entry ExecutionLogEntry
		var inputRaw, decisionRaw string

		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.LoggedAt,
			&inputRaw,
			&decisionRaw,
			&entry.Outcome,
		); err != nil {
			return nil, err
		}

		var input any
		if err := unmarshalJSON(inputRaw, &input); err == nil {
			entry.InputSnapshot = input
		}
		var decision any
		if err := unmarshalJSON(decisionRaw, &decision); err == nil {
			entry.Decision = decision
		}

		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
