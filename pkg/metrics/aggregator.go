// Package metrics normalizes raw campaign and analytics windows into
// per-session metric snapshots. All computation here is pure; persistence
// and exactly-once window application belong to the caller.
package metrics

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/beacon/pkg/errors"
)

// RawWindow is one time-bounded batch of campaign metrics plus
// session-derived analytics for the same interval.
type RawWindow struct {
	WindowID    string         `json:"windowId,omitempty"`
	WindowStart time.Time      `json:"windowStart"`
	WindowEnd   time.Time      `json:"windowEnd"`
	Impressions int            `json:"impressions"`
	Clicks      int            `json:"clicks"`
	Conversions int            `json:"conversions"`
	Cost        float64        `json:"cost"`
	Sessions    int            `json:"sessions"`
	BounceRate  *float64       `json:"bounceRate,omitempty"`
	AvgDuration *time.Duration `json:"avgDuration,omitempty"`
}

// Validate rejects malformed windows at the boundary. Session state is
// never touched for a window that fails validation.
func (w RawWindow) Validate() error {
	if !w.WindowEnd.After(w.WindowStart) {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("window end %s must be after start %s",
				w.WindowEnd.Format(time.RFC3339), w.WindowStart.Format(time.RFC3339)))
	}
	for name, v := range map[string]int{
		"impressions": w.Impressions,
		"clicks":      w.Clicks,
		"conversions": w.Conversions,
		"sessions":    w.Sessions,
	} {
		if v < 0 {
			return errors.New(errors.ErrCodeValidation, fmt.Sprintf("%s must be non-negative, got %d", name, v))
		}
	}
	if w.Cost < 0 {
		return errors.New(errors.ErrCodeValidation, fmt.Sprintf("cost must be non-negative, got %.2f", w.Cost))
	}
	if w.Conversions > w.Sessions && w.Sessions > 0 {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("conversions (%d) exceed sessions (%d)", w.Conversions, w.Sessions))
	}
	if w.BounceRate != nil && (*w.BounceRate < 0 || *w.BounceRate > 1) {
		return errors.New(errors.ErrCodeValidation, "bounce rate must be within [0, 1]")
	}
	return nil
}

// Snapshot is the normalized view of one window for one session.
// CPA is nil when the window produced no conversions; cost without
// acquisition has no per-acquisition price.
type Snapshot struct {
	WindowID    string    `json:"windowId"`
	SessionID   string    `json:"sessionId"`
	CVR         float64   `json:"cvr"`
	CPA         *float64  `json:"cpa,omitempty"`
	CTR         float64   `json:"ctr"`
	Sessions    int       `json:"sessions"`
	Conversions int       `json:"conversions"`
	Spend       float64   `json:"spend"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// Ingest computes a snapshot from a raw window. Pure aside from assigning
// a window identity when the caller supplied none; the identity is what
// the storage layer keys exactly-once application on.
func Ingest(sessionID string, w RawWindow) (*Snapshot, error) {
	if sessionID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "session id is required")
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	windowID := w.WindowID
	if windowID == "" {
		windowID = uuid.NewString()
	}

	snap := &Snapshot{
		WindowID:    windowID,
		SessionID:   sessionID,
		CVR:         ratio(w.Conversions, w.Sessions),
		CPA:         costPer(w.Cost, w.Conversions),
		CTR:         ratio(w.Clicks, w.Impressions),
		Sessions:    w.Sessions,
		Conversions: w.Conversions,
		Spend:       w.Cost,
		CapturedAt:  time.Now().UTC(),
	}
	return snap, nil
}

// Totals is the running accumulation across every applied window.
type Totals struct {
	Sessions    int     `json:"sessions"`
	Conversions int     `json:"conversions"`
	Spend       float64 `json:"spend"`
}

// Accumulate folds one window into the running totals.
func Accumulate(t Totals, w RawWindow) Totals {
	return Totals{
		Sessions:    t.Sessions + w.Sessions,
		Conversions: t.Conversions + w.Conversions,
		Spend:       t.Spend + w.Cost,
	}
}

// CVR is the cumulative conversion rate, zero when no sessions were seen.
func (t Totals) CVR() float64 {
	return ratio(t.Conversions, t.Sessions)
}

// CPA is the cumulative cost per acquisition, nil until the first conversion.
func (t Totals) CPA() *float64 {
	return costPer(t.Spend, t.Conversions)
}

func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

func costPer(cost float64, conversions int) *float64 {
	if conversions == 0 {
		return nil
	}
	v := cost / float64(conversions)
	return &v
}
