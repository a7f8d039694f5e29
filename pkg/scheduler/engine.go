// Package scheduler drives the evaluation pipeline: the batch path walks
// active sessions on a fixed cadence through aggregate → significance →
// gate → lifecycle, while the emergency path polls on a tighter cadence
// and may interrupt a session between batch cycles.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/beacon/pkg/automation"
	"github.com/odvcencio/beacon/pkg/errors"
	"github.com/odvcencio/beacon/pkg/gate"
	"github.com/odvcencio/beacon/pkg/lifecycle"
	"github.com/odvcencio/beacon/pkg/logging"
	"github.com/odvcencio/beacon/pkg/metrics"
	"github.com/odvcencio/beacon/pkg/stats"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/telemetry"
	"github.com/odvcencio/beacon/pkg/trigger"
)

// Source supplies campaign windows and live metric readings for a
// session. The ads platform and analytics stream sit behind this
// interface; the engine never talks to them directly.
type Source interface {
	FetchWindows(ctx context.Context, session *storage.ValidationSession) ([]metrics.RawWindow, error)
	FetchReadings(ctx context.Context, session *storage.ValidationSession) ([]trigger.Reading, error)
}

// Engine runs the evaluation pipeline for individual sessions. It is
// shared by the scheduler loops and the HTTP API.
type Engine struct {
	store      *storage.Store
	evaluator  *stats.Evaluator
	monitor    *trigger.Monitor
	controller *lifecycle.Controller
	logger     *logging.Logger
	hub        *telemetry.Hub
}

// NewEngine wires the pipeline components together.
func NewEngine(store *storage.Store, evaluator *stats.Evaluator, monitor *trigger.Monitor, controller *lifecycle.Controller, logger *logging.Logger, hub *telemetry.Hub) *Engine {
	return &Engine{
		store:      store,
		evaluator:  evaluator,
		monitor:    monitor,
		controller: controller,
		logger:     logger,
		hub:        hub,
	}
}

// ApplyWindow ingests one raw window for a session: snapshot the window,
// record it exactly once, fold it into the session totals, refresh the
// significance verdict, and write the metrics back under the version
// check. The whole application is all-or-nothing; a version conflict
// leaves stored state unchanged and the window unapplied.
func (e *Engine) ApplyWindow(ctx context.Context, sessionID string, w metrics.RawWindow) (*storage.ValidationSession, *metrics.Snapshot, error) {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil {
		return nil, nil, errors.New(errors.ErrCodeNotFound, "session not found").
			WithContext("session_id", sessionID)
	}
	if storage.IsTerminalStatus(session.Status) {
		return nil, nil, errors.New(errors.ErrCodeInvariantViolation, "terminal session cannot ingest metrics").
			WithContext("session_id", sessionID).
			WithContext("status", session.Status)
	}

	snap, err := metrics.Ingest(sessionID, w)
	if err != nil {
		return nil, nil, err
	}

	record := &storage.MetricsWindow{
		WindowID:    snap.WindowID,
		SessionID:   sessionID,
		WindowStart: w.WindowStart,
		WindowEnd:   w.WindowEnd,
		Impressions: w.Impressions,
		Clicks:      w.Clicks,
		Conversions: w.Conversions,
		Cost:        w.Cost,
		Sessions:    w.Sessions,
	}

	totals := metrics.Accumulate(metrics.Totals{
		Sessions:    session.TotalSessions,
		Conversions: session.TotalConversions,
		Spend:       session.TotalSpend,
	}, w)
	verdict := e.evaluator.EvaluateProportion(totals.Conversions, totals.Sessions, session.TargetCVR, session.MinSessions)
	significant := verdict.IsSignificant

	// CPA is continuous, so its test runs on the per-window cost per
	// acquisition. With fewer than two converting windows there is no
	// spread to test and the CVR verdict stands alone.
	cpaValues, err := e.cpaObservations(sessionID, w)
	if err != nil {
		return nil, nil, err
	}
	if len(cpaValues) >= 2 {
		cpaVerdict := e.evaluator.EvaluateMean(stats.SampleOf(cpaValues), session.TargetCPA, 2)
		significant = significant && cpaVerdict.IsSignificant
	}

	update := storage.MetricsUpdate{
		CurrentCVR:              totals.CVR(),
		CurrentCPA:              totals.CPA(),
		TotalSessions:           totals.Sessions,
		TotalConversions:        totals.Conversions,
		TotalSpend:              totals.Spend,
		StatisticalSignificance: significant,
		CILow:                   verdict.CILow,
		CIHigh:                  verdict.CIHigh,
	}
	if err := e.store.ApplyMetricsWindow(record, update, session.Version); err != nil {
		switch err {
		case storage.ErrWindowAlreadyApplied:
			return nil, nil, errors.Wrap(err, errors.ErrCodeConcurrencyConflict, "window already applied").
				WithContext("session_id", sessionID).
				WithContext("window_start", w.WindowStart)
		case storage.ErrVersionConflict:
			// The transaction rolled the window record back too, so the
			// retry re-applies the window against fresh session state.
			return nil, nil, errors.New(errors.ErrCodeConcurrencyConflict, "session changed while applying window").
				WithContext("session_id", sessionID).
				WithRetryable(true)
		default:
			return nil, nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "apply window").
				WithContext("session_id", sessionID)
		}
	}

	telemetry.MetricWindowsIngested.Inc()
	if e.hub != nil {
		e.hub.Publish(telemetry.Event{
			Type:      telemetry.EventMetricsApplied,
			SessionID: sessionID,
			ProductID: session.ProductID,
			Data: map[string]any{
				"windowId": snap.WindowID,
				"cvr":      update.CurrentCVR,
				"sessions": update.TotalSessions,
			},
		})
	}
	e.log(logging.LevelDebug, logging.CategoryMetrics, "window_applied", session,
		fmt.Sprintf("window %s applied, cumulative cvr %.4f over %d sessions", snap.WindowID, update.CurrentCVR, update.TotalSessions))

	applied, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeStorageRead, "reload session").
			WithContext("session_id", sessionID)
	}
	return applied, snap, nil
}

// cpaObservations collects per-window cost per acquisition across the
// already-applied windows plus the incoming one. Windows without
// conversions contribute nothing; cost without acquisition has no
// per-acquisition price.
func (e *Engine) cpaObservations(sessionID string, incoming metrics.RawWindow) ([]float64, error) {
	windows, err := e.store.ListMetricsWindows(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "list windows").
			WithContext("session_id", sessionID)
	}

	values := make([]float64, 0, len(windows)+1)
	for _, w := range windows {
		if w.Conversions > 0 {
			values = append(values, w.Cost/float64(w.Conversions))
		}
	}
	if incoming.Conversions > 0 {
		values = append(values, incoming.Cost/float64(incoming.Conversions))
	}
	return values, nil
}

// Report is the read-only phase-evaluation view served to callers.
type Report struct {
	SessionID          string        `json:"sessionId"`
	Criteria           gate.Criteria `json:"criteria"`
	ReadyForTransition bool          `json:"readyForTransition"`
	Recommendation     string        `json:"recommendation"`
	Metrics            MetricsView   `json:"metrics"`
	OpenTriggers       int           `json:"openTriggers"`
}

// MetricsView summarizes the session's live metrics inside a report.
type MetricsView struct {
	CurrentCVR              float64  `json:"currentCvr"`
	CurrentCPA              *float64 `json:"currentCpa,omitempty"`
	TotalSessions           int      `json:"totalSessions"`
	TotalConversions        int      `json:"totalConversions"`
	TotalSpend              float64  `json:"totalSpend"`
	StatisticalSignificance bool     `json:"statisticalSignificance"`
	CILow                   *float64 `json:"ciLow,omitempty"`
	CIHigh                  *float64 `json:"ciHigh,omitempty"`
}

// Evaluate produces the phase-gate report for a session without mutating
// anything; safe to call at any time for inspection.
func (e *Engine) Evaluate(sessionID string) (*Report, error) {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "session not found").
			WithContext("session_id", sessionID)
	}

	open, err := e.store.ListUnresolvedTriggers(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "list unresolved triggers").
			WithContext("session_id", sessionID)
	}

	eval := gate.Evaluate(session)
	return &Report{
		SessionID:          session.ID,
		Criteria:           eval.Criteria,
		ReadyForTransition: eval.ReadyForTransition,
		Recommendation:     eval.Recommendation,
		Metrics: MetricsView{
			CurrentCVR:              session.CurrentCVR,
			CurrentCPA:              session.CurrentCPA,
			TotalSessions:           session.TotalSessions,
			TotalConversions:        session.TotalConversions,
			TotalSpend:              session.TotalSpend,
			StatisticalSignificance: session.StatisticalSignificance,
			CILow:                   session.CILow,
			CIHigh:                  session.CIHigh,
		},
		OpenTriggers: len(open),
	}, nil
}

// RunSessionCycle executes one batch evaluation for one session: pull
// fresh windows from the source, apply them, evaluate the gate, and
// apply a completion decision when the gate opens. Conflicts abandon the
// cycle; the next cadence retries from fresh state.
func (e *Engine) RunSessionCycle(ctx context.Context, source Source, sessionID string) error {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil || session.Status != storage.SessionStatusActive {
		return nil
	}

	windows, err := source.FetchWindows(ctx, session)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDownstreamUnavailable, "fetch campaign windows").
			WithContext("session_id", sessionID).
			WithRetryable(true)
	}

	for _, w := range windows {
		if _, _, err := e.ApplyWindow(ctx, sessionID, w); err != nil {
			// An already-applied window is the source re-sending history.
			if errors.IsCode(err, errors.ErrCodeConcurrencyConflict) {
				continue
			}
			return err
		}
	}

	session, err = e.store.GetSession(sessionID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "reload session").
			WithContext("session_id", sessionID)
	}
	if session == nil || session.Status != storage.SessionStatusActive {
		return nil
	}

	eval := gate.Evaluate(session)
	telemetry.MetricGateEvaluations.WithLabelValues(fmt.Sprintf("%t", eval.ReadyForTransition)).Inc()
	if e.hub != nil {
		e.hub.Publish(telemetry.Event{
			Type:      telemetry.EventGateEvaluated,
			SessionID: session.ID,
			ProductID: session.ProductID,
			Data: map[string]any{
				"ready":          eval.ReadyForTransition,
				"recommendation": eval.Recommendation,
			},
		})
	}

	review, err := e.ensureReview(session)
	if err != nil {
		return err
	}

	if !eval.ReadyForTransition {
		e.log(logging.LevelDebug, logging.CategoryGate, "gate_closed", session, eval.Recommendation)
		return nil
	}

	_, err = e.controller.ApplyDecision(ctx, session.ID, lifecycle.Decision{
		Type:            lifecycle.DecisionComplete,
		Reason:          eval.Recommendation,
		DecidedBy:       "gate",
		ExpectedVersion: session.Version,
		InputSnapshot:   eval,
	})
	if err != nil {
		// Unresolved triggers or a concurrent write keep the session
		// open; both resolve themselves before a later cycle.
		if errors.IsCode(err, errors.ErrCodeInvariantViolation) || errors.IsCode(err, errors.ErrCodeConcurrencyConflict) {
			e.log(logging.LevelWarn, logging.CategoryGate, "completion_deferred", session, err.Error())
			return nil
		}
		return err
	}

	if e.hub != nil {
		e.hub.Publish(telemetry.Event{
			Type:      telemetry.EventGatePassed,
			SessionID: session.ID,
			ProductID: session.ProductID,
		})
	}
	return e.closeReview(review, session, eval)
}

// ensureReview opens the product's phase review on the first gate
// evaluation of a phase.
func (e *Engine) ensureReview(session *storage.ValidationSession) (*storage.PhaseReview, error) {
	review, err := e.store.OpenReviewForPhase(session.ProductID, session.Phase)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load phase review").
			WithContext("product_id", session.ProductID)
	}
	if review == nil {
		review = &storage.PhaseReview{
			ProductID: session.ProductID,
			Phase:     session.Phase,
			KPIResults: []storage.KPIResult{
				{Metric: "cvr", Target: session.TargetCVR},
				{Metric: "cpa", Target: session.TargetCPA},
			},
		}
		if err := e.store.CreateReview(review); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "open phase review").
				WithContext("product_id", session.ProductID)
		}
	}
	return review, nil
}

// closeReview records the KPI outcomes and the proceed decision once the
// completion actually applied.
func (e *Engine) closeReview(review *storage.PhaseReview, session *storage.ValidationSession, eval gate.Evaluation) error {
	cvr := session.CurrentCVR
	cvrAchieved := eval.Criteria.CVRAchieved
	results := []storage.KPIResult{
		{Metric: "cvr", Target: session.TargetCVR, Actual: &cvr, Achieved: &cvrAchieved},
	}
	if session.CurrentCPA != nil {
		cpa := *session.CurrentCPA
		cpaAchieved := eval.Criteria.CPAAchieved
		results = append(results, storage.KPIResult{Metric: "cpa", Target: session.TargetCPA, Actual: &cpa, Achieved: &cpaAchieved})
	}

	decision := storage.GateDecision{
		Decision:  storage.GateDecisionProceed,
		Reason:    eval.Recommendation,
		DecidedAt: time.Now(),
		DecidedBy: "gate",
	}
	if err := e.store.CloseReview(review.ID, storage.ReviewStatusGatePassed, decision, results); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "close phase review").
			WithContext("review_id", review.ID)
	}
	return nil
}

// DecideReview applies an operator's gate decision to an open phase
// review: proceed closes it as passed, retry/pivot/terminate close it
// as failed. A review that already carries a decision is final.
func (e *Engine) DecideReview(reviewID, decision, reason, decidedBy string) (*storage.PhaseReview, error) {
	var status string
	switch decision {
	case storage.GateDecisionProceed:
		status = storage.ReviewStatusGatePassed
	case storage.GateDecisionRetry, storage.GateDecisionPivot, storage.GateDecisionTerminate:
		status = storage.ReviewStatusGateFailed
	default:
		return nil, errors.New(errors.ErrCodeValidation, fmt.Sprintf("unknown gate decision %q", decision))
	}

	review, err := e.store.GetReview(reviewID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load review").
			WithContext("review_id", reviewID)
	}
	if review == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "review not found").
			WithContext("review_id", reviewID)
	}
	if review.Status != storage.ReviewStatusInProgress {
		return nil, errors.New(errors.ErrCodeInvariantViolation, "review is already decided").
			WithContext("review_id", reviewID).
			WithContext("status", review.Status)
	}

	gateDecision := storage.GateDecision{
		Decision:  decision,
		Reason:    reason,
		DecidedAt: time.Now(),
		DecidedBy: decidedBy,
	}
	if err := e.store.CloseReview(reviewID, status, gateDecision, review.KPIResults); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "close review").
			WithContext("review_id", reviewID)
	}

	decided, err := e.store.GetReview(reviewID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "reload review").
			WithContext("review_id", reviewID)
	}
	return decided, nil
}

// RunEmergencyCheck pulls live readings for one session and lets the
// monitor fire or resolve triggers. A fired trigger whose configured
// action stops the campaign escalates to a failure decision.
func (e *Engine) RunEmergencyCheck(ctx context.Context, source Source, sessionID string) error {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil || storage.IsTerminalStatus(session.Status) {
		return nil
	}

	readings, err := source.FetchReadings(ctx, session)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDownstreamUnavailable, "fetch metric readings").
			WithContext("session_id", sessionID).
			WithRetryable(true)
	}

	fired, err := e.monitor.Check(ctx, session, readings)
	if err != nil {
		return err
	}

	for _, trig := range fired {
		if trig.Action != automation.ActionStopCampaign {
			continue
		}
		_, err := e.controller.ApplyDecision(ctx, session.ID, lifecycle.Decision{
			Type:            lifecycle.DecisionFail,
			Reason:          fmt.Sprintf("severe trigger on %s: %.4g crossed %.4g", trig.Metric, trig.ActualValue, trig.Threshold),
			DecidedBy:       "trigger",
			ExpectedVersion: session.Version,
			InputSnapshot:   trig,
		})
		if err != nil && !errors.IsCode(err, errors.ErrCodeConcurrencyConflict) && !errors.IsCode(err, errors.ErrCodeInvariantViolation) {
			return err
		}
	}
	return nil
}

func (e *Engine) log(level logging.Level, category logging.Category, eventType string, session *storage.ValidationSession, message string) {
	if e.logger == nil {
		return
	}
	_ = e.logger.Log(logging.Event{
		Level:     level,
		Category:  category,
		EventType: eventType,
		SessionID: session.ID,
		ProductID: session.ProductID,
		Message:   message,
	})
}
