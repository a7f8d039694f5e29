// Package lifecycle owns validation-session status transitions. Every
// decision lands in the execution log before its side effects run, and
// every write goes through the store's version check so decisions
// computed on stale state are rejected rather than applied out of order.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/beacon/pkg/automation"
	"github.com/odvcencio/beacon/pkg/errors"
	"github.com/odvcencio/beacon/pkg/logging"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/telemetry"
)

// DecisionType names a lifecycle transition request.
type DecisionType string

const (
	DecisionComplete DecisionType = "complete"
	DecisionFail     DecisionType = "fail"
	DecisionPause    DecisionType = "pause"
	DecisionResume   DecisionType = "resume"
)

// Decision is one transition request with the input that produced it.
// InputSnapshot carries whatever the decision was computed from (a gate
// evaluation, a trigger, an operator request) so the audit trail can
// replay it.
type Decision struct {
	Type      DecisionType `json:"type"`
	Reason    string       `json:"reason"`
	DecidedBy string       `json:"decidedBy"`

	// ExpectedVersion is the session version the decision was computed
	// against. Zero means "whatever is current", which only operator
	// requests should use.
	ExpectedVersion int64 `json:"expectedVersion,omitempty"`

	InputSnapshot any `json:"inputSnapshot,omitempty"`
}

var targetStatus = map[DecisionType]string{
	DecisionComplete: storage.SessionStatusCompleted,
	DecisionFail:     storage.SessionStatusFailed,
	DecisionPause:    storage.SessionStatusPaused,
	DecisionResume:   storage.SessionStatusActive,
}

// Controller applies lifecycle decisions to sessions.
type Controller struct {
	store      *storage.Store
	dispatcher automation.Dispatcher
	logger     *logging.Logger
	hub        *telemetry.Hub
}

// NewController builds a controller. The dispatcher, logger and hub may
// be nil in tests; the store may not.
func NewController(store *storage.Store, dispatcher automation.Dispatcher, logger *logging.Logger, hub *telemetry.Hub) *Controller {
	return &Controller{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		hub:        hub,
	}
}

// ApplyDecision validates and applies one transition, returning the
// refreshed session. Stale versions fail with CONCURRENCY_CONFLICT and
// leave stored state untouched; decisions against terminal sessions fail
// with INVARIANT_VIOLATION and are still visible in the audit trail.
func (c *Controller) ApplyDecision(ctx context.Context, sessionID string, decision Decision) (*storage.ValidationSession, error) {
	next, ok := targetStatus[decision.Type]
	if !ok {
		return nil, errors.New(errors.ErrCodeValidation, fmt.Sprintf("unknown decision type %q", decision.Type))
	}

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "session not found").
			WithContext("session_id", sessionID)
	}

	if err := c.checkTransition(session, decision); err != nil {
		// Rejections are part of the audit trail too; recovery may be
		// automatic but the violation must stay visible.
		c.recordRejection(session, decision, err)
		return nil, err
	}

	expected := decision.ExpectedVersion
	if expected == 0 {
		expected = session.Version
	}

	// Log before act: if the decision cannot be recorded durably, its
	// side effects must not run.
	entry := &storage.ExecutionLogEntry{
		SessionID:     session.ID,
		InputSnapshot: decision.InputSnapshot,
		Decision: map[string]any{
			"type":      string(decision.Type),
			"reason":    decision.Reason,
			"decidedBy": decision.DecidedBy,
			"from":      session.Status,
			"to":        next,
			"version":   expected,
		},
		Outcome: "pending",
	}
	if err := c.store.AppendExecutionLog(entry); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuditAppend, "append decision").
			WithContext("session_id", session.ID)
	}

	var endDate *time.Time
	if storage.IsTerminalStatus(next) {
		now := time.Now()
		endDate = &now
	}

	if err := c.store.UpdateSessionStatus(session.ID, next, endDate, expected); err != nil {
		if err == storage.ErrVersionConflict {
			_ = c.store.UpdateExecutionLogOutcome(entry.ID, "rejected: stale version")
			telemetry.MetricDecisionsApplied.WithLabelValues(string(decision.Type), "conflict").Inc()
			c.publish(telemetry.EventDecisionRejected, session, map[string]any{
				"decision": string(decision.Type),
				"reason":   "stale version",
			})
			return nil, errors.New(errors.ErrCodeConcurrencyConflict, "decision computed against stale session state").
				WithContext("session_id", session.ID).
				WithContext("expected_version", expected).
				WithRetryable(true)
		}
		_ = c.store.UpdateExecutionLogOutcome(entry.ID, "failed: "+err.Error())
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "apply status").
			WithContext("session_id", session.ID)
	}

	_ = c.store.UpdateExecutionLogOutcome(entry.ID, "applied")
	telemetry.MetricDecisionsApplied.WithLabelValues(string(decision.Type), "applied").Inc()

	if storage.IsTerminalStatus(next) {
		c.settleOpenWork(session, decision)
	}

	applied, err := c.store.GetSession(session.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "reload session").
			WithContext("session_id", session.ID)
	}

	c.publish(eventFor(decision.Type), applied, map[string]any{
		"decision":  string(decision.Type),
		"reason":    decision.Reason,
		"decidedBy": decision.DecidedBy,
	})
	c.log(logging.LevelInfo, "decision_applied", applied,
		fmt.Sprintf("%s -> %s (%s)", session.Status, next, decision.Reason),
		map[string]any{"decision": string(decision.Type), "decided_by": decision.DecidedBy})

	c.dispatchSideEffects(ctx, applied, decision)
	return applied, nil
}

// StartPlaybook records a playbook beginning execution against a session
// and points the session at the new run. Only one playbook may run per
// session at a time.
func (c *Controller) StartPlaybook(sessionID, playbookID string) (*storage.PlaybookRun, error) {
	if playbookID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "playbookId is required")
	}

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "session not found").
			WithContext("session_id", sessionID)
	}
	if storage.IsTerminalStatus(session.Status) {
		return nil, errors.New(errors.ErrCodeInvariantViolation, "terminal session cannot start a playbook").
			WithContext("session_id", session.ID).
			WithContext("status", session.Status)
	}
	if session.CurrentPlaybookStatus == storage.PlaybookRunRunning {
		return nil, errors.New(errors.ErrCodeInvariantViolation, "a playbook is already running for this session").
			WithContext("session_id", session.ID).
			WithContext("run_id", session.CurrentPlaybookID)
	}

	run := &storage.PlaybookRun{
		SessionID:  session.ID,
		PlaybookID: playbookID,
		Phase:      session.Phase,
	}
	if err := c.store.StartPlaybookRun(run); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "start playbook run").
			WithContext("session_id", session.ID).
			WithContext("playbook_id", playbookID)
	}

	// The session pointer tracks the run ID so terminal decisions can
	// settle the run later. If the pointer update loses a version race the
	// run is failed immediately rather than left dangling.
	if err := c.store.SetSessionPlaybook(session.ID, run.ID, storage.PlaybookRunRunning, session.Version); err != nil {
		_ = c.store.FinishPlaybookRun(run.ID, storage.PlaybookRunFailed, nil, nil)
		if err == storage.ErrVersionConflict {
			return nil, errors.New(errors.ErrCodeConcurrencyConflict, "session changed while starting playbook").
				WithContext("session_id", session.ID).
				WithRetryable(true)
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "point session at playbook run").
			WithContext("session_id", session.ID)
	}

	c.log(logging.LevelInfo, "playbook_started", session,
		fmt.Sprintf("playbook %s started (run %s)", playbookID, run.ID),
		map[string]any{"playbook_id": playbookID, "run_id": run.ID})
	return run, nil
}

// FinishPlaybook settles a running playbook with its outcome metrics and
// lessons, then clears the session's pointer to it.
func (c *Controller) FinishPlaybook(sessionID, runID, status string, actualMetrics map[string]float64, lessons []string) (*storage.ValidationSession, error) {
	if status != storage.PlaybookRunCompleted && status != storage.PlaybookRunFailed {
		return nil, errors.New(errors.ErrCodeValidation, fmt.Sprintf("invalid terminal playbook status %q", status))
	}

	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "session not found").
			WithContext("session_id", sessionID)
	}

	if err := c.store.FinishPlaybookRun(runID, status, actualMetrics, lessons); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvariantViolation, "finish playbook run").
			WithContext("session_id", session.ID).
			WithContext("run_id", runID)
	}

	if session.CurrentPlaybookID == runID {
		if err := c.setPlaybookPointer(session.ID, runID, status); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "update session playbook status").
				WithContext("session_id", session.ID)
		}
	}

	c.log(logging.LevelInfo, "playbook_finished", session,
		fmt.Sprintf("playbook run %s finished: %s", runID, status),
		map[string]any{"run_id": runID, "status": status})

	updated, err := c.store.GetSession(session.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "reload session").
			WithContext("session_id", session.ID)
	}
	return updated, nil
}

// setPlaybookPointer writes the session's playbook pointer, retrying once
// on a version conflict since the pointer update races with decisions.
func (c *Controller) setPlaybookPointer(sessionID, runID, status string) error {
	for attempt := 0; attempt < 2; attempt++ {
		session, err := c.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		err = c.store.SetSessionPlaybook(sessionID, runID, status, session.Version)
		if err != storage.ErrVersionConflict {
			return err
		}
	}
	return storage.ErrVersionConflict
}

// settleOpenWork finishes the running playbook after a terminal transition
// and, on failure, closes the open phase review as gate_failed. Best
// effort: the transition itself is already durable.
func (c *Controller) settleOpenWork(session *storage.ValidationSession, decision Decision) {
	if session.CurrentPlaybookStatus == storage.PlaybookRunRunning && session.CurrentPlaybookID != "" {
		status := storage.PlaybookRunFailed
		if decision.Type == DecisionComplete {
			status = storage.PlaybookRunCompleted
		}
		if err := c.store.FinishPlaybookRun(session.CurrentPlaybookID, status, nil, nil); err != nil {
			c.log(logging.LevelWarn, "playbook_settle_failed", session, err.Error(),
				map[string]any{"run_id": session.CurrentPlaybookID})
		} else if err := c.setPlaybookPointer(session.ID, session.CurrentPlaybookID, status); err != nil {
			c.log(logging.LevelWarn, "playbook_settle_failed", session, err.Error(),
				map[string]any{"run_id": session.CurrentPlaybookID})
		}
	}

	if decision.Type != DecisionFail {
		return
	}
	review, err := c.store.OpenReviewForPhase(session.ProductID, session.Phase)
	if err != nil {
		c.log(logging.LevelWarn, "review_close_failed", session, err.Error(), nil)
		return
	}
	if review == nil {
		return
	}
	gd := storage.GateDecision{
		Decision:  storage.GateDecisionTerminate,
		Reason:    decision.Reason,
		DecidedAt: time.Now(),
		DecidedBy: decision.DecidedBy,
	}
	if err := c.store.CloseReview(review.ID, storage.ReviewStatusGateFailed, gd, review.KPIResults); err != nil {
		c.log(logging.LevelWarn, "review_close_failed", session, err.Error(),
			map[string]any{"review_id": review.ID})
	}
}

// checkTransition enforces the state machine and the trigger-blocking
// rule for completion.
func (c *Controller) checkTransition(session *storage.ValidationSession, decision Decision) error {
	if storage.IsTerminalStatus(session.Status) {
		return errors.New(errors.ErrCodeInvariantViolation, "terminal session cannot receive decisions").
			WithContext("session_id", session.ID).
			WithContext("status", session.Status)
	}

	switch decision.Type {
	case DecisionResume:
		if session.Status != storage.SessionStatusPaused {
			return errors.New(errors.ErrCodeInvariantViolation, "only a paused session can resume").
				WithContext("session_id", session.ID).
				WithContext("status", session.Status)
		}
	case DecisionPause:
		if session.Status != storage.SessionStatusActive {
			return errors.New(errors.ErrCodeInvariantViolation, "only an active session can pause").
				WithContext("session_id", session.ID).
				WithContext("status", session.Status)
		}
	case DecisionComplete:
		open, err := c.store.ListUnresolvedTriggers(session.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageRead, "list unresolved triggers").
				WithContext("session_id", session.ID)
		}
		if len(open) > 0 {
			return errors.New(errors.ErrCodeInvariantViolation, "unresolved triggers block phase completion").
				WithContext("session_id", session.ID).
				WithContext("open_triggers", len(open))
		}
	}
	return nil
}

// recordRejection makes a refused decision visible in the audit trail.
// Best effort: the rejection error itself is already surfacing to the
// caller.
func (c *Controller) recordRejection(session *storage.ValidationSession, decision Decision, cause error) {
	_ = c.store.AppendExecutionLog(&storage.ExecutionLogEntry{
		SessionID:     session.ID,
		InputSnapshot: decision.InputSnapshot,
		Decision: map[string]any{
			"type":      string(decision.Type),
			"reason":    decision.Reason,
			"decidedBy": decision.DecidedBy,
		},
		Outcome: "rejected: " + cause.Error(),
	})
	telemetry.MetricDecisionsApplied.WithLabelValues(string(decision.Type), "rejected").Inc()
	c.log(logging.LevelWarn, "decision_rejected", session, cause.Error(),
		map[string]any{"decision": string(decision.Type)})
}

// dispatchSideEffects forwards pause/fail transitions to the automation
// sink. The decision is already durable; sink failures are reported only.
func (c *Controller) dispatchSideEffects(ctx context.Context, session *storage.ValidationSession, decision Decision) {
	if c.dispatcher == nil || !session.AutomationEnabled {
		return
	}

	var action string
	switch decision.Type {
	case DecisionPause:
		action = automation.ActionPauseCampaign
	case DecisionResume:
		action = automation.ActionResumeCampaign
	case DecisionFail:
		action = automation.ActionStopCampaign
	default:
		return
	}

	cmd := automation.Command{
		SessionID: session.ID,
		ProductID: session.ProductID,
		Action:    action,
		Reason:    decision.Reason,
	}
	if err := c.dispatcher.Dispatch(ctx, cmd); err != nil {
		telemetry.MetricDispatchAttempts.WithLabelValues("failure").Inc()
		c.log(logging.LevelError, "dispatch_failed", session,
			"automation sink unreachable, transition remains applied",
			map[string]any{"action": action, "error": err.Error()})
		return
	}
	telemetry.MetricDispatchAttempts.WithLabelValues("success").Inc()
}

func eventFor(decision DecisionType) telemetry.EventType {
	switch decision {
	case DecisionComplete:
		return telemetry.EventSessionCompleted
	case DecisionFail:
		return telemetry.EventSessionFailed
	case DecisionPause:
		return telemetry.EventSessionPaused
	default:
		return telemetry.EventSessionResumed
	}
}

func (c *Controller) publish(eventType telemetry.EventType, session *storage.ValidationSession, data map[string]any) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(telemetry.Event{
		Type:      eventType,
		SessionID: session.ID,
		ProductID: session.ProductID,
		Data:      data,
	})
}

func (c *Controller) log(level logging.Level, eventType string, session *storage.ValidationSession, message string, details map[string]any) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryLifecycle,
		EventType: eventType,
		SessionID: session.ID,
		ProductID: session.ProductID,
		Message:   message,
		Details:   details,
	})
}
