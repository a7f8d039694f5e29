// Package gate decides whether a validation session is ready to advance to
// its next lifecycle phase. Evaluation is a pure function over current
// session state; all four criteria must hold, with no partial credit. A
// single strong metric never advances a phase on its own.
package gate

import (
	"fmt"
	"strings"

	"github.com/odvcencio/beacon/pkg/storage"
)

// Criteria is the four-way breakdown behind a transition decision.
type Criteria struct {
	CVRAchieved             bool `json:"cvrAchieved"`
	CPAAchieved             bool `json:"cpaAchieved"`
	MinSessionsAchieved     bool `json:"minSessionsAchieved"`
	StatisticalSignificance bool `json:"statisticalSignificance"`
}

// All reports whether every criterion holds.
func (c Criteria) All() bool {
	return c.CVRAchieved && c.CPAAchieved && c.MinSessionsAchieved && c.StatisticalSignificance
}

// Evaluation is the gate's verdict for one session.
type Evaluation struct {
	Criteria           Criteria `json:"criteria"`
	ReadyForTransition bool     `json:"readyForTransition"`
	Recommendation     string   `json:"recommendation"`
}

// Evaluate computes the phase-gate verdict from the session's current
// metrics and targets. A MinSessions of zero makes the sample criterion
// vacuously true; config validation warns about that, the gate itself
// stays mechanical.
func Evaluate(session *storage.ValidationSession) Evaluation {
	criteria := Criteria{
		CVRAchieved:             session.CurrentCVR >= session.TargetCVR,
		CPAAchieved:             session.CurrentCPA != nil && *session.CurrentCPA <= session.TargetCPA,
		MinSessionsAchieved:     session.TotalSessions >= session.MinSessions,
		StatisticalSignificance: session.StatisticalSignificance,
	}

	eval := Evaluation{
		Criteria:           criteria,
		ReadyForTransition: criteria.All(),
	}
	eval.Recommendation = recommend(session, criteria)
	return eval
}

func recommend(session *storage.ValidationSession, c Criteria) string {
	if c.All() {
		return fmt.Sprintf("all phase criteria met; advance %s to the next phase", session.ProductID)
	}

	var blockers []string
	if !c.CVRAchieved {
		blockers = append(blockers, fmt.Sprintf("CVR %.2f%% below target %.2f%%",
			session.CurrentCVR*100, session.TargetCVR*100))
	}
	if !c.CPAAchieved {
		if session.CurrentCPA == nil {
			blockers = append(blockers, "no conversions yet, CPA unknown")
		} else {
			blockers = append(blockers, fmt.Sprintf("CPA %.2f above target %.2f",
				*session.CurrentCPA, session.TargetCPA))
		}
	}
	if !c.MinSessionsAchieved {
		blockers = append(blockers, fmt.Sprintf("%d of %d minimum sessions",
			session.TotalSessions, session.MinSessions))
	}
	if !c.StatisticalSignificance {
		blockers = append(blockers, "results not yet statistically significant")
	}

	return fmt.Sprintf("continue current phase: %s", strings.Join(blockers, "; "))
}
