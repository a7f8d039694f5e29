// Package trigger watches live metric readings for sharp degradations and
// fires emergency triggers outside the scheduled phase-gate cadence. A
// degradation must not wait hours for the next batch cycle.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/beacon/pkg/automation"
	"github.com/odvcencio/beacon/pkg/config"
	"github.com/odvcencio/beacon/pkg/errors"
	"github.com/odvcencio/beacon/pkg/logging"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/telemetry"
)

// Reading is one observation of a tracked metric for a session.
type Reading struct {
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observedAt"`
}

// Monitor runs the per-metric Normal → Triggered → Resolved state machine.
// The durable trigger record always lands before any automation command
// leaves the process; dispatch failures are reported, never fatal.
type Monitor struct {
	store      *storage.Store
	dispatcher automation.Dispatcher
	thresholds map[string]config.TriggerThreshold
	logger     *logging.Logger
	hub        *telemetry.Hub
}

// NewMonitor builds a monitor over the injected threshold rules. Metrics
// without a rule are ignored.
func NewMonitor(store *storage.Store, dispatcher automation.Dispatcher, thresholds []config.TriggerThreshold, logger *logging.Logger, hub *telemetry.Hub) *Monitor {
	byMetric := make(map[string]config.TriggerThreshold, len(thresholds))
	for _, th := range thresholds {
		byMetric[th.Metric] = th
	}
	return &Monitor{
		store:      store,
		dispatcher: dispatcher,
		thresholds: byMetric,
		logger:     logger,
		hub:        hub,
	}
}

// Check evaluates readings against the threshold rules for one session and
// returns only newly fired triggers. A metric with an unresolved trigger
// never fires a second one; readings back inside tolerance auto-resolve
// the open trigger.
func (m *Monitor) Check(ctx context.Context, session *storage.ValidationSession, readings []Reading) ([]storage.EmergencyTrigger, error) {
	if session == nil {
		return nil, errors.New(errors.ErrCodeValidation, "session is required")
	}

	var fired []storage.EmergencyTrigger
	for _, reading := range readings {
		rule, ok := m.thresholds[reading.Metric]
		if !ok {
			continue
		}

		if breached(rule, reading.Value) {
			trig, err := m.fire(ctx, session, rule, reading)
			if err != nil {
				return fired, err
			}
			if trig != nil {
				fired = append(fired, *trig)
			}
			continue
		}

		if recovered(rule, reading.Value) {
			if err := m.autoResolve(session, reading); err != nil {
				return fired, err
			}
		}
	}
	return fired, nil
}

// fire records the trigger durably, writes the audit entry, then
// dispatches the automation command. Returns nil when the metric already
// has an open trigger.
func (m *Monitor) fire(ctx context.Context, session *storage.ValidationSession, rule config.TriggerThreshold, reading Reading) (*storage.EmergencyTrigger, error) {
	action := rule.Action
	if action == "" {
		action = automation.ActionAlertOperator
	}

	trig := &storage.EmergencyTrigger{
		SessionID:   session.ID,
		Metric:      reading.Metric,
		Threshold:   rule.Threshold,
		ActualValue: reading.Value,
		Action:      action,
		TriggeredAt: reading.ObservedAt,
	}
	err := m.store.CreateTrigger(trig)
	if err == storage.ErrTriggerUnresolved {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "record emergency trigger").
			WithContext("session_id", session.ID).
			WithContext("metric", reading.Metric)
	}

	// The decision enters the audit trail before any side effect runs; an
	// append failure aborts the dispatch.
	entry := &storage.ExecutionLogEntry{
		SessionID:     session.ID,
		InputSnapshot: reading,
		Decision: map[string]any{
			"type":      "emergency_trigger",
			"triggerId": trig.ID,
			"metric":    reading.Metric,
			"threshold": rule.Threshold,
			"action":    action,
		},
		Outcome: "recorded",
	}
	if err := m.store.AppendExecutionLog(entry); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuditAppend, "append trigger decision").
			WithContext("trigger_id", trig.ID)
	}

	telemetry.MetricTriggersFired.WithLabelValues(reading.Metric).Inc()
	m.publish(telemetry.EventTriggerFired, session, map[string]any{
		"triggerId": trig.ID,
		"metric":    reading.Metric,
		"threshold": rule.Threshold,
		"actual":    reading.Value,
		"action":    action,
	})
	m.log(logging.LevelWarn, "trigger_fired", session,
		fmt.Sprintf("%s crossed %.4g (actual %.4g)", reading.Metric, rule.Threshold, reading.Value),
		map[string]any{"trigger_id": trig.ID, "action": action})

	m.dispatch(ctx, session, trig, entry.ID)
	return trig, nil
}

// dispatch sends the automation command when the session allows it. The
// trigger is already durable; an unreachable sink only degrades to an
// operator-visible report.
func (m *Monitor) dispatch(ctx context.Context, session *storage.ValidationSession, trig *storage.EmergencyTrigger, logEntryID string) {
	if m.dispatcher == nil || !session.AutomationEnabled {
		return
	}

	value := trig.ActualValue
	cmd := automation.Command{
		SessionID:    session.ID,
		ProductID:    session.ProductID,
		Action:       trig.Action,
		Reason:       fmt.Sprintf("emergency trigger on %s: %.4g crossed threshold %.4g", trig.Metric, trig.ActualValue, trig.Threshold),
		Metric:       trig.Metric,
		CurrentValue: &value,
	}

	if err := m.dispatcher.Dispatch(ctx, cmd); err != nil {
		telemetry.MetricDispatchAttempts.WithLabelValues("failure").Inc()
		m.publish(telemetry.EventDispatchFailed, session, map[string]any{
			"triggerId": trig.ID,
			"action":    trig.Action,
			"error":     err.Error(),
		})
		m.log(logging.LevelError, "dispatch_failed", session,
			"automation sink unreachable, trigger remains recorded",
			map[string]any{"trigger_id": trig.ID, "error": err.Error()})
		_ = m.store.UpdateExecutionLogOutcome(logEntryID, "recorded; dispatch failed: "+err.Error())
		return
	}

	telemetry.MetricDispatchAttempts.WithLabelValues("success").Inc()
	_ = m.store.UpdateExecutionLogOutcome(logEntryID, "recorded; dispatched "+trig.Action)
}

// autoResolve closes open triggers for a metric whose reading returned
// inside tolerance.
func (m *Monitor) autoResolve(session *storage.ValidationSession, reading Reading) error {
	open, err := m.store.ListUnresolvedTriggers(session.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "list unresolved triggers").
			WithContext("session_id", session.ID)
	}

	for _, trig := range open {
		if trig.Metric != reading.Metric {
			continue
		}
		resolved, err := m.store.ResolveTrigger(trig.ID, reading.ObservedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageWrite, "resolve trigger").
				WithContext("trigger_id", trig.ID)
		}
		if !resolved {
			continue
		}
		telemetry.MetricTriggersResolved.Inc()
		m.publish(telemetry.EventTriggerResolved, session, map[string]any{
			"triggerId": trig.ID,
			"metric":    trig.Metric,
			"value":     reading.Value,
		})
		m.log(logging.LevelInfo, "trigger_resolved", session,
			fmt.Sprintf("%s back inside tolerance at %.4g", trig.Metric, reading.Value),
			map[string]any{"trigger_id": trig.ID})
	}
	return nil
}

// Resolve closes a trigger on explicit operator or automation request.
func (m *Monitor) Resolve(triggerID string) error {
	trig, err := m.store.GetTrigger(triggerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "load trigger").
			WithContext("trigger_id", triggerID)
	}
	if trig == nil {
		return errors.New(errors.ErrCodeNotFound, "trigger not found").
			WithContext("trigger_id", triggerID)
	}

	resolved, err := m.store.ResolveTrigger(triggerID, time.Now())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "resolve trigger").
			WithContext("trigger_id", triggerID)
	}
	if resolved {
		telemetry.MetricTriggersResolved.Inc()
		if m.hub != nil {
			m.hub.Publish(telemetry.Event{
				Type:      telemetry.EventTriggerResolved,
				SessionID: trig.SessionID,
				Data:      map[string]any{"triggerId": triggerID, "metric": trig.Metric},
			})
		}
	}
	return nil
}

// breached reports whether a reading crossed the threshold in the adverse
// direction.
func breached(rule config.TriggerThreshold, value float64) bool {
	if rule.Direction == "above" {
		return value > rule.Threshold
	}
	return value < rule.Threshold
}

// recovered reports whether a reading is back inside tolerance. The
// tolerance margin keeps a metric oscillating around the threshold from
// flapping between fire and resolve.
func recovered(rule config.TriggerThreshold, value float64) bool {
	if rule.Direction == "above" {
		return value <= rule.Threshold-rule.Tolerance
	}
	return value >= rule.Threshold+rule.Tolerance
}

func (m *Monitor) publish(eventType telemetry.EventType, session *storage.ValidationSession, data map[string]any) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(telemetry.Event{
		Type:      eventType,
		SessionID: session.ID,
		ProductID: session.ProductID,
		Data:      data,
	})
}

func (m *Monitor) log(level logging.Level, eventType string, session *storage.ValidationSession, message string, details map[string]any) {
	if m.logger == nil {
		return
	}
	_ = m.logger.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryTrigger,
		EventType: eventType,
		SessionID: session.ID,
		ProductID: session.ProductID,
		Message:   message,
		Details:   details,
	})
}
