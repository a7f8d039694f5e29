package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrTriggerUnresolved indicates the session/metric pair already has an open trigger.
var ErrTriggerUnresolved = errors.New("storage: unresolved trigger exists for metric")

// EmergencyTrigger is a detected anomaly recorded out of band of the gate cadence.
type EmergencyTrigger struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	Metric      string     `json:"metric"`
	Threshold   float64    `json:"threshold"`
	ActualValue float64    `json:"actualValue"`
	Action      string     `json:"action,omitempty"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Resolved reports whether the trigger has been acknowledged or auto-resolved.
func (t *EmergencyTrigger) Resolved() bool {
	return t.ResolvedAt != nil
}

// CreateTrigger records a fired trigger. The partial unique index rejects a
// second unresolved trigger for the same session/metric.
func (s *Store) CreateTrigger(trigger *EmergencyTrigger) error {
	if trigger == nil {
		return errors.New("trigger is nil")
	}
	if trigger.ID == "" {
		trigger.ID = ulid.Make().String()
	}
	if trigger.TriggeredAt.IsZero() {
		trigger.TriggeredAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO emergency_triggers (
			trigger_id, session_id, metric, threshold, actual_value, action, triggered_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		trigger.ID,
		trigger.SessionID,
		trigger.Metric,
		trigger.Threshold,
		trigger.ActualValue,
		nullIfEmpty(trigger.Action),
		trigger.TriggeredAt,
		nullTime(trigger.ResolvedAt),
	)
	if isUniqueViolation(err, "idx_triggers_one_unresolved") {
		return ErrTriggerUnresolved
	}
	if err != nil {
		return err
	}

	clone := *trigger
	s.notify(newEvent(EventTriggerFired, trigger.SessionID, trigger.ID, clone))
	return nil
}

// ResolveTrigger sets resolvedAt on an open trigger. Resolving an already
// resolved trigger is a no-op that reports false.
func (s *Store) ResolveTrigger(triggerID string, resolvedAt time.Time) (bool, error) {
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	result, err := s.db.Exec(`
		UPDATE emergency_triggers
		SET resolved_at = ?
		WHERE trigger_id = ? AND resolved_at IS NULL
	`, resolvedAt, triggerID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	s.notify(newEvent(EventTriggerResolved, "", triggerID, nil))
	return true, nil
}

// GetTrigger retrieves a trigger by ID. Returns nil if not found.
func (s *Store) GetTrigger(triggerID string) (*EmergencyTrigger, error) {
	row := s.db.QueryRow(`
		SELECT trigger_id, session_id, metric, threshold, actual_value, action, triggered_at, resolved_at
		FROM emergency_triggers WHERE trigger_id = ?
	`, triggerID)

	trigger, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return trigger, nil
}

// ListTriggers returns triggers for a session, newest first.
func (s *Store) ListTriggers(sessionID string) ([]EmergencyTrigger, error) {
	rows, err := s.db.Query(`
		SELECT trigger_id, session_id, metric, threshold, actual_value, action, triggered_at, resolved_at
		FROM emergency_triggers
		WHERE session_id = ?
		ORDER BY triggered_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTriggers(rows)
}

// ListUnresolvedTriggers returns the open triggers for a session. Unresolved
// triggers block phase-gate transitions.
func (s *Store) ListUnresolvedTriggers(sessionID string) ([]EmergencyTrigger, error) {
	rows, err := s.db.Query(`
		SELECT trigger_id, session_id, metric, threshold, actual_value, action, triggered_at, resolved_at
		FROM emergency_triggers
		WHERE session_id = ? AND resolved_at IS NULL
		ORDER BY triggered_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTriggers(rows)
}

func scanTrigger(row rowScanner) (*EmergencyTrigger, error) {
	var trigger EmergencyTrigger
	var action sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&trigger.ID,
		&trigger.SessionID,
		&trigger.Metric,
		&trigger.Threshold,
		&trigger.ActualValue,
		&action,
		&trigger.TriggeredAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if action.Valid {
		trigger.Action = action.String
	}
	if resolvedAt.Valid {
		trigger.ResolvedAt = &resolvedAt.Time
	}
	return &trigger, nil
}

func collectTriggers(rows *sql.Rows) ([]EmergencyTrigger, error) {
	triggers := []EmergencyTrigger{}
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, *trigger)
	}
	return triggers, rows.Err()
}
