package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Playbook run status constants.
const (
	PlaybookRunRunning   = "running"
	PlaybookRunCompleted = "completed"
	PlaybookRunFailed    = "failed"
)

// PlaybookRun is the execution record of an automation playbook against a
// session/phase. Completed runs are immutable; history is append-only.
type PlaybookRun struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"sessionId"`
	PlaybookID    string             `json:"playbookId"`
	Phase         string             `json:"phase"`
	Status        string             `json:"status"`
	ActualMetrics map[string]float64 `json:"actualMetrics,omitempty"`
	Lessons       []string           `json:"lessons,omitempty"`
	StartedAt     time.Time          `json:"startedAt"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
}

// StartPlaybookRun records a playbook beginning execution.
func (s *Store) StartPlaybookRun(run *PlaybookRun) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.Status == "" {
		run.Status = PlaybookRunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO playbook_runs (run_id, session_id, playbook_id, phase, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.SessionID, run.PlaybookID, run.Phase, run.Status, run.StartedAt)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventPlaybookStarted, run.SessionID, run.ID, run.PlaybookID))
	return nil
}

// FinishPlaybookRun completes or fails a running playbook, attaching outcome
// metrics and lessons. A finished run cannot be finished again.
func (s *Store) FinishPlaybookRun(runID, status string, actualMetrics map[string]float64, lessons []string) error {
	if status != PlaybookRunCompleted && status != PlaybookRunFailed {
		return fmt.Errorf("invalid terminal playbook status: %s", status)
	}

	metricsJSON, err := marshalJSON(actualMetrics)
	if err != nil {
		return fmt.Errorf("marshal actual metrics: %w", err)
	}
	lessonsJSON, err := marshalJSON(lessons)
	if err != nil {
		return fmt.Errorf("marshal lessons: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE playbook_runs
		SET status = ?, actual_metrics = ?, lessons = ?, completed_at = ?
		WHERE run_id = ? AND status = ?
	`, status, nullIfEmpty(metricsJSON), nullIfEmpty(lessonsJSON), time.Now(), runID, PlaybookRunRunning)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("playbook run %s is not running", runID)
	}

	s.notify(newEvent(EventPlaybookFinished, "", runID, status))
	return nil
}

// ListPlaybookRuns returns the run history for a session, newest first.
func (s *Store) ListPlaybookRuns(sessionID string) ([]PlaybookRun, error) {
	rows, err := s.db.Query(`
		SELECT run_id, session_id, playbook_id, phase, status, actual_metrics, lessons, started_at, completed_at
		FROM playbook_runs
		WHERE session_id = ?
		ORDER BY started_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []PlaybookRun{}
	for rows.Next() {
		var run PlaybookRun
		var metricsRaw, lessonsRaw sql.NullString
		var completed sql.NullTime

		if err := rows.Scan(
			&run.ID,
			&run.SessionID,
			&run.PlaybookID,
			&run.Phase,
			&run.Status,
			&metricsRaw,
			&lessonsRaw,
			&run.StartedAt,
			&completed,
		); err != nil {
			return nil, err
		}

		if metricsRaw.Valid {
			if err := unmarshalJSON(metricsRaw.String, &run.ActualMetrics); err != nil {
				return nil, fmt.Errorf("unmarshal actual metrics: %w", err)
			}
		}
		if lessonsRaw.Valid {
			if err := unmarshalJSON(lessonsRaw.String, &run.Lessons); err != nil {
				return nil, fmt.Errorf("unmarshal lessons: %w", err)
			}
		}
		if completed.Valid {
			run.CompletedAt = &completed.Time
		}

		runs = append(runs, run)
	}
	return runs, rows.Err()
}
