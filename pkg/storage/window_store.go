package storage

import (
	"errors"
	"time"
)

// ErrWindowAlreadyApplied indicates the metrics window was previously ingested.
// Re-ingesting the same window must not double-count.
var ErrWindowAlreadyApplied = errors.New("storage: metrics window already applied")

// MetricsWindow is the durable record of one applied ingestion window.
type MetricsWindow struct {
	WindowID    string    `json:"windowId"`
	SessionID   string    `json:"sessionId"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Impressions int       `json:"impressions"`
	Clicks      int       `json:"clicks"`
	Conversions int       `json:"conversions"`
	Cost        float64   `json:"cost"`
	Sessions    int       `json:"sessions"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// RecordMetricsWindow marks a window as applied. The unique constraint on
// (session, start, end) makes application exactly-once.
func (s *Store) RecordMetricsWindow(w *MetricsWindow) error {
	if w == nil {
		return errors.New("window is nil")
	}
	if w.AppliedAt.IsZero() {
		w.AppliedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO metrics_windows (
			window_id, session_id, window_start, window_end,
			impressions, clicks, conversions, cost, sessions, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.WindowID,
		w.SessionID,
		w.WindowStart,
		w.WindowEnd,
		w.Impressions,
		w.Clicks,
		w.Conversions,
		w.Cost,
		w.Sessions,
		w.AppliedAt,
	)
	if isConstraintError(err) {
		return ErrWindowAlreadyApplied
	}
	return err
}

// ApplyMetricsWindow records the window and folds its metrics into the
// session in one transaction. Either the window row and the session
// totals both land, or neither does: a version conflict or duplicate
// window rolls the whole application back, so a lost race never strands
// a window marked applied whose counts were never counted.
func (s *Store) ApplyMetricsWindow(w *MetricsWindow, update MetricsUpdate, expectedVersion int64) error {
	if w == nil {
		return errors.New("window is nil")
	}
	if w.AppliedAt.IsZero() {
		w.AppliedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO metrics_windows (
			window_id, session_id, window_start, window_end,
			impressions, clicks, conversions, cost, sessions, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.WindowID,
		w.SessionID,
		w.WindowStart,
		w.WindowEnd,
		w.Impressions,
		w.Clicks,
		w.Conversions,
		w.Cost,
		w.Sessions,
		w.AppliedAt,
	)
	if isConstraintError(err) {
		return ErrWindowAlreadyApplied
	}
	if err != nil {
		return err
	}

	result, err := tx.Exec(`
		UPDATE validation_sessions
		SET current_cvr = ?, current_cpa = ?, total_sessions = ?,
		    total_conversions = ?, total_spend = ?,
		    statistical_significance = ?, ci_low = ?, ci_high = ?,
		    version = version + 1, updated_at = ?
		WHERE session_id = ? AND version = ?
	`,
		update.CurrentCVR,
		nullFloatPtr(update.CurrentCPA),
		update.TotalSessions,
		update.TotalConversions,
		update.TotalSpend,
		update.StatisticalSignificance,
		nullFloatPtr(update.CILow),
		nullFloatPtr(update.CIHigh),
		time.Now(),
		w.SessionID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(newEvent(EventMetricsApplied, w.SessionID, w.WindowID, update))
	return nil
}

// ListMetricsWindows returns applied windows for a session, oldest first.
func (s *Store) ListMetricsWindows(sessionID string) ([]MetricsWindow, error) {
	rows, err := s.db.Query(`
		SELECT window_id, session_id, window_start, window_end,
		       impressions, clicks, conversions, cost, sessions, applied_at
		FROM metrics_windows
		WHERE session_id = ?
		ORDER BY window_start ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	windows := []MetricsWindow{}
	for rows.Next() {
		var w MetricsWindow
		if err := rows.Scan(
			&w.WindowID,
			&w.SessionID,
			&w.WindowStart,
			&w.WindowEnd,
			&w.Impressions,
			&w.Clicks,
			&w.Conversions,
			&w.Cost,
			&w.Sessions,
			&w.AppliedAt,
		); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}
