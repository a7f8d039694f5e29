package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Phase review status constants.
const (
	ReviewStatusInProgress = "in_progress"
	ReviewStatusGatePassed = "gate_passed"
	ReviewStatusGateFailed = "gate_failed"
)

// Gate decision constants.
const (
	GateDecisionProceed   = "proceed"
	GateDecisionRetry     = "retry"
	GateDecisionPivot     = "pivot"
	GateDecisionTerminate = "terminate"
)

// KPIResult is one metric's outcome within a phase review.
type KPIResult struct {
	Metric   string   `json:"metric"`
	Target   float64  `json:"target"`
	Actual   *float64 `json:"actual,omitempty"`
	Achieved *bool    `json:"achieved,omitempty"`
}

// GateDecision records how a closed review was decided.
type GateDecision struct {
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decidedAt"`
	DecidedBy string    `json:"decidedBy"`
}

// PhaseReview is the record of a gate evaluation for a product/phase.
// GateDecision is set exactly when the status is gate_passed or gate_failed.
type PhaseReview struct {
	ID                string        `json:"id"`
	ProductID         string        `json:"productId"`
	Phase             string        `json:"phase"`
	KPIResults        []KPIResult   `json:"kpiResults,omitempty"`
	ExecutedPlaybooks []string      `json:"executedPlaybooks,omitempty"`
	KeyLearnings      []string      `json:"keyLearnings,omitempty"`
	NextActions       []string      `json:"nextActions,omitempty"`
	Status            string        `json:"status"`
	GateDecision      *GateDecision `json:"gateDecision,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// CreateReview opens a phase review in in_progress state.
func (s *Store) CreateReview(review *PhaseReview) error {
	if review == nil {
		return errors.New("review is nil")
	}
	if review.ID == "" {
		review.ID = ulid.Make().String()
	}
	if review.Status == "" {
		review.Status = ReviewStatusInProgress
	}
	if review.Status != ReviewStatusInProgress && review.GateDecision == nil {
		return errors.New("closed review requires a gate decision")
	}
	now := time.Now()
	if review.CreatedAt.IsZero() {
		review.CreatedAt = now
	}
	review.UpdatedAt = now

	kpiResults, err := marshalJSON(review.KPIResults)
	if err != nil {
		return fmt.Errorf("marshal kpi results: %w", err)
	}
	playbooks, err := marshalJSON(review.ExecutedPlaybooks)
	if err != nil {
		return fmt.Errorf("marshal executed playbooks: %w", err)
	}
	learnings, err := marshalJSON(review.KeyLearnings)
	if err != nil {
		return fmt.Errorf("marshal key learnings: %w", err)
	}
	actions, err := marshalJSON(review.NextActions)
	if err != nil {
		return fmt.Errorf("marshal next actions: %w", err)
	}
	decision, err := marshalJSON(review.GateDecision)
	if err != nil {
		return fmt.Errorf("marshal gate decision: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO phase_reviews (
			review_id, product_id, phase, kpi_results, executed_playbooks,
			key_learnings, next_actions, status, gate_decision, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		review.ID,
		review.ProductID,
		review.Phase,
		nullIfEmpty(kpiResults),
		nullIfEmpty(playbooks),
		nullIfEmpty(learnings),
		nullIfEmpty(actions),
		review.Status,
		nullIfEmpty(decision),
		review.CreatedAt,
		review.UpdatedAt,
	)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventReviewOpened, "", review.ID, review.ProductID))
	return nil
}

// CloseReview records the gate decision and moves the review to its terminal
// status. The decision is required; gateDecision set iff review is closed.
func (s *Store) CloseReview(reviewID, status string, decision GateDecision, kpiResults []KPIResult) error {
	if status != ReviewStatusGatePassed && status != ReviewStatusGateFailed {
		return fmt.Errorf("invalid terminal review status: %s", status)
	}
	if decision.Decision == "" {
		return errors.New("gate decision is required to close a review")
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now()
	}

	decisionJSON, err := marshalJSON(&decision)
	if err != nil {
		return fmt.Errorf("marshal gate decision: %w", err)
	}
	kpiJSON, err := marshalJSON(kpiResults)
	if err != nil {
		return fmt.Errorf("marshal kpi results: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE phase_reviews
		SET status = ?, gate_decision = ?, kpi_results = COALESCE(?, kpi_results), updated_at = ?
		WHERE review_id = ? AND status = ?
	`, status, decisionJSON, nullIfEmpty(kpiJSON), time.Now(), reviewID, ReviewStatusInProgress)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("review %s is not in progress", reviewID)
	}

	s.notify(newEvent(EventReviewClosed, "", reviewID, status))
	return nil
}

// GetReview retrieves a review by ID. Returns nil if not found.
func (s *Store) GetReview(reviewID string) (*PhaseReview, error) {
	row := s.db.QueryRow(`
		SELECT review_id, product_id, phase, kpi_results, executed_playbooks,
		       key_learnings, next_actions, status, gate_decision, created_at, updated_at
		FROM phase_reviews WHERE review_id = ?
	`, reviewID)

	review, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return review, nil
}

// ListReviews returns reviews for a product, newest first.
func (s *Store) ListReviews(productID string) ([]PhaseReview, error) {
	rows, err := s.db.Query(`
		SELECT review_id, product_id, phase, kpi_results, executed_playbooks,
		       key_learnings, next_actions, status, gate_decision, created_at, updated_at
		FROM phase_reviews
		WHERE product_id = ?
		ORDER BY created_at DESC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reviews := []PhaseReview{}
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, *review)
	}
	return reviews, rows.Err()
}

// OpenReviewForPhase finds the in-progress review for a product/phase, if any.
func (s *Store) OpenReviewForPhase(productID, phase string) (*PhaseReview, error) {
	row := s.db.QueryRow(`
		SELECT review_id, product_id, phase, kpi_results, executed_playbooks,
		       key_learnings, next_actions, status, gate_decision, created_at, updated_at
		FROM phase_reviews
		WHERE product_id = ? AND phase = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, productID, phase, ReviewStatusInProgress)

	review, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return review, nil
}

func scanReview(row rowScanner) (*PhaseReview, error) {
	var review PhaseReview
	var kpiResults, playbooks, learnings, actions, decision sql.NullString

	err := row.Scan(
		&review.ID,
		&review.ProductID,
		&review.Phase,
		&kpiResults,
		&playbooks,
		&learnings,
		&actions,
		&review.Status,
		&decision,
		&review.CreatedAt,
		&review.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if kpiResults.Valid {
		if err := unmarshalJSON(kpiResults.String, &review.KPIResults); err != nil {
			return nil, fmt.Errorf("unmarshal kpi results: %w", err)
		}
	}
	if playbooks.Valid {
		if err := unmarshalJSON(playbooks.String, &review.ExecutedPlaybooks); err != nil {
			return nil, fmt.Errorf("unmarshal executed playbooks: %w", err)
		}
	}
	if learnings.Valid {
		if err := unmarshalJSON(learnings.String, &review.KeyLearnings); err != nil {
			return nil, fmt.Errorf("unmarshal key learnings: %w", err)
		}
	}
	if actions.Valid {
		if err := unmarshalJSON(actions.String, &review.NextActions); err != nil {
			return nil, fmt.Errorf("unmarshal next actions: %w", err)
		}
	}
	if decision.Valid && decision.String != "" {
		var gd GateDecision
		if err := unmarshalJSON(decision.String, &gd); err != nil {
			return nil, fmt.Errorf("unmarshal gate decision: %w", err)
		}
		review.GateDecision = &gd
	}

	return &review, nil
}
