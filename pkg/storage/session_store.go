package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusPaused    = "paused"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

var (
	// ErrVersionConflict indicates a write was computed against stale session state.
	ErrVersionConflict = errors.New("storage: session version conflict")

	// ErrActiveSessionExists indicates the workspace/product pair already has a live session.
	ErrActiveSessionExists = errors.New("storage: active session already exists for product")
)

// IsTerminalStatus reports whether status is a final lifecycle state.
func IsTerminalStatus(status string) bool {
	return status == SessionStatusCompleted || status == SessionStatusFailed
}

// ValidationSession is one running landing-page experiment for one product.
type ValidationSession struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	ProductID   string `json:"productId"`
	Phase       string `json:"phase"`

	// Phase-gate targets
	TargetCVR   float64 `json:"targetCvr"`
	TargetCPA   float64 `json:"targetCpa"`
	MinSessions int     `json:"minSessions"`

	// Live metrics; CurrentCPA is nil until the first conversion lands.
	CurrentCVR       float64  `json:"currentCvr"`
	CurrentCPA       *float64 `json:"currentCpa,omitempty"`
	TotalSessions    int      `json:"totalSessions"`
	TotalConversions int      `json:"totalConversions"`
	TotalSpend       float64  `json:"totalSpend"`

	// Statistical state
	StatisticalSignificance bool     `json:"statisticalSignificance"`
	CILow                   *float64 `json:"ciLow,omitempty"`
	CIHigh                  *float64 `json:"ciHigh,omitempty"`

	// Lifecycle; EndDate is set exactly when the status is terminal.
	Status    string     `json:"status"`
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	// Automation flags
	AutomationEnabled bool `json:"automationEnabled"`
	AutoOptimization  bool `json:"autoOptimization"`
	AutoDeployment    bool `json:"autoDeployment"`

	// Current playbook reference
	CurrentPlaybookID     string `json:"currentPlaybookId,omitempty"`
	CurrentPlaybookStatus string `json:"currentPlaybookStatus,omitempty"`

	// Version guards against concurrent decision application.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MetricsUpdate carries the fields MetricsAggregator owns on a session.
type MetricsUpdate struct {
	CurrentCVR              float64
	CurrentCPA              *float64
	TotalSessions           int
	TotalConversions        int
	TotalSpend              float64
	StatisticalSignificance bool
	CILow                   *float64
	CIHigh                  *float64
}

const sessionColumns = `
	session_id, workspace_id, product_id, phase,
	target_cvr, target_cpa, min_sessions,
	current_cvr, current_cpa, total_sessions, total_conversions, total_spend,
	statistical_significance, ci_low, ci_high,
	status, start_date, end_date,
	automation_enabled, auto_optimization, auto_deployment,
	current_playbook_id, current_playbook_status,
	version, created_at, updated_at
`

// CreateSession persists a new validation session. A session starts active;
// the one-active-per-product invariant is enforced by a partial unique index.
func (s *Store) CreateSession(session *ValidationSession) error {
	if session == nil {
		return errors.New("session is nil")
	}
	if strings.TrimSpace(session.WorkspaceID) == "" || strings.TrimSpace(session.ProductID) == "" {
		return errors.New("workspace and product are required")
	}
	if session.ID == "" {
		session.ID = ulid.Make().String()
	}
	if session.Status == "" {
		session.Status = SessionStatusActive
	}
	if session.Phase == "" {
		session.Phase = "mvp"
	}
	now := time.Now()
	if session.StartDate.IsZero() {
		session.StartDate = now
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Version == 0 {
		session.Version = 1
	}

	query := `
		INSERT INTO validation_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	// Retry for transient SQLITE_BUSY during concurrent cycles
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = s.db.Exec(query,
			session.ID,
			session.WorkspaceID,
			session.ProductID,
			session.Phase,
			session.TargetCVR,
			session.TargetCPA,
			session.MinSessions,
			session.CurrentCVR,
			nullFloatPtr(session.CurrentCPA),
			session.TotalSessions,
			session.TotalConversions,
			session.TotalSpend,
			session.StatisticalSignificance,
			nullFloatPtr(session.CILow),
			nullFloatPtr(session.CIHigh),
			session.Status,
			session.StartDate,
			nullTime(session.EndDate),
			session.AutomationEnabled,
			session.AutoOptimization,
			session.AutoDeployment,
			nullIfEmpty(session.CurrentPlaybookID),
			nullIfEmpty(session.CurrentPlaybookStatus),
			session.Version,
			session.CreatedAt,
			session.UpdatedAt,
		)

		if err == nil {
			clone := *session
			s.notify(newEvent(EventSessionCreated, session.ID, session.ID, clone))
			return nil
		}

		if isUniqueViolation(err, "idx_sessions_one_active") {
			return ErrActiveSessionExists
		}

		if isBusyError(err) && attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			time.Sleep(delay)
			continue
		}

		return err
	}

	return err
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (s *Store) GetSession(sessionID string) (*ValidationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM validation_sessions WHERE session_id = ?`
	row := s.db.QueryRow(query, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListActiveSessions returns active sessions, optionally scoped to a workspace.
func (s *Store) ListActiveSessions(workspaceID string) ([]ValidationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM validation_sessions WHERE status = ?`
	args := []any{SessionStatusActive}
	if workspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, workspaceID)
	}
	query += " ORDER BY start_date ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListSessions returns recent sessions regardless of status.
func (s *Store) ListSessions(limit int) ([]ValidationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM validation_sessions ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

// UpdateSessionMetrics applies a metrics snapshot to the session's live
// fields, guarded by the version check. MetricsAggregator is the only
// writer of these columns.
func (s *Store) UpdateSessionMetrics(sessionID string, update MetricsUpdate, expectedVersion int64) error {
	result, err := s.db.Exec(`
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
		sessionID,
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

	s.notify(newEvent(EventMetricsApplied, sessionID, sessionID, update))
	return nil
}

// UpdateSessionStatus transitions the session's lifecycle state, guarded by
// the version check. endDate must be non-nil exactly for terminal states;
// the lifecycle controller owns that invariant.
func (s *Store) UpdateSessionStatus(sessionID, status string, endDate *time.Time, expectedVersion int64) error {
	result, err := s.db.Exec(`
		UPDATE validation_sessions
		SET status = ?, end_date = ?, version = version + 1, updated_at = ?
		WHERE session_id = ? AND version = ?
	`, status, nullTime(endDate), time.Now(), sessionID, expectedVersion)
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

	s.notify(newEvent(EventSessionUpdated, sessionID, sessionID, status))
	return nil
}

// SetSessionPlaybook records the playbook currently running for the session.
func (s *Store) SetSessionPlaybook(sessionID, playbookID, playbookStatus string, expectedVersion int64) error {
	result, err := s.db.Exec(`
		UPDATE validation_sessions
		SET current_playbook_id = ?, current_playbook_status = ?,
		    version = version + 1, updated_at = ?
		WHERE session_id = ? AND version = ?
	`, nullIfEmpty(playbookID), nullIfEmpty(playbookStatus), time.Now(), sessionID, expectedVersion)
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
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ValidationSession, error) {
	var session ValidationSession
	var currentCPA, ciLow, ciHigh sql.NullFloat64
	var endDate sql.NullTime
	var playbookID, playbookStatus sql.NullString

	err := row.Scan(
		&session.ID,
		&session.WorkspaceID,
		&session.ProductID,
		&session.Phase,
		&session.TargetCVR,
		&session.TargetCPA,
		&session.MinSessions,
		&session.CurrentCVR,
		&currentCPA,
		&session.TotalSessions,
		&session.TotalConversions,
		&session.TotalSpend,
		&session.StatisticalSignificance,
		&ciLow,
		&ciHigh,
		&session.Status,
		&session.StartDate,
		&endDate,
		&session.AutomationEnabled,
		&session.AutoOptimization,
		&session.AutoDeployment,
		&playbookID,
		&playbookStatus,
		&session.Version,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if currentCPA.Valid {
		session.CurrentCPA = &currentCPA.Float64
	}
	if ciLow.Valid {
		session.CILow = &ciLow.Float64
	}
	if ciHigh.Valid {
		session.CIHigh = &ciHigh.Float64
	}
	if endDate.Valid {
		session.EndDate = &endDate.Time
	}
	if playbookID.Valid {
		session.CurrentPlaybookID = playbookID.String
	}
	if playbookStatus.Valid {
		session.CurrentPlaybookStatus = playbookStatus.String
	}

	return &session, nil
}

func collectSessions(rows *sql.Rows) ([]ValidationSession, error) {
	sessions := []ValidationSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}
