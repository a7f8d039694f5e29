package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/beacon/pkg/automation"
	"github.com/odvcencio/beacon/pkg/config"
	"github.com/odvcencio/beacon/pkg/errors"
	"github.com/odvcencio/beacon/pkg/storage"
)

type fakeSink struct {
	mu       sync.Mutex
	commands []automation.Command
	fail     bool
}

func (f *fakeSink) Dispatch(ctx context.Context, cmd automation.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("sink unavailable")
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) dispatched() []automation.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]automation.Command(nil), f.commands...)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "beacon.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createSession(t *testing.T, store *storage.Store, automationEnabled bool) *storage.ValidationSession {
	t.Helper()
	sess := &storage.ValidationSession{
		WorkspaceID:       "ws-1",
		ProductID:         "prod-1",
		TargetCVR:         0.10,
		TargetCPA:         300,
		MinSessions:       1000,
		AutomationEnabled: automationEnabled,
	}
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func mrrThreshold() config.TriggerThreshold {
	return config.TriggerThreshold{
		Metric:    "mrr",
		Threshold: 10000,
		Direction: "below",
		Tolerance: 500,
		Action:    automation.ActionPauseCampaign,
	}
}

func TestMonitor_FiresAndDispatches(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, true)
	sink := &fakeSink{}
	m := NewMonitor(store, sink, []config.TriggerThreshold{mrrThreshold()}, nil, nil)

	// MRR drops 3000 in one step, well past the threshold.
	fired, err := m.Check(context.Background(), sess, []Reading{{Metric: "mrr", Value: 6800, ObservedAt: time.Now()}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected one trigger, got %d", len(fired))
	}
	if fired[0].Action != automation.ActionPauseCampaign {
		t.Errorf("action = %q", fired[0].Action)
	}

	commands := sink.dispatched()
	if len(commands) != 1 || commands[0].Action != automation.ActionPauseCampaign {
		t.Fatalf("expected one pause command, got %+v", commands)
	}
	if commands[0].Metric != "mrr" || commands[0].CurrentValue == nil || *commands[0].CurrentValue != 6800 {
		t.Errorf("command = %+v", commands[0])
	}

	// The session itself stays active; only the lifecycle controller moves status.
	after, err := store.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Status != storage.SessionStatusActive {
		t.Errorf("status = %v, want active", after.Status)
	}

	// The decision is in the audit trail before the dispatch outcome.
	entries, err := store.ListExecutionLog(sess.ID, 0)
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
}

func TestMonitor_NoDuplicateUnresolvedTrigger(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, false)
	m := NewMonitor(store, nil, []config.TriggerThreshold{mrrThreshold()}, nil, nil)

	reading := []Reading{{Metric: "mrr", Value: 6800, ObservedAt: time.Now()}}
	fired, err := m.Check(context.Background(), sess, reading)
	if err != nil || len(fired) != 1 {
		t.Fatalf("first check: fired=%d err=%v", len(fired), err)
	}

	// A worse reading while the trigger is open fires nothing new.
	fired, err = m.Check(context.Background(), sess, []Reading{{Metric: "mrr", Value: 5000, ObservedAt: time.Now()}})
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("expected no new trigger, got %d", len(fired))
	}

	open, err := store.ListUnresolvedTriggers(sess.ID)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open trigger, got %d", len(open))
	}
}

func TestMonitor_AutoResolveInsideTolerance(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, false)
	m := NewMonitor(store, nil, []config.TriggerThreshold{mrrThreshold()}, nil, nil)

	ctx := context.Background()
	if _, err := m.Check(ctx, sess, []Reading{{Metric: "mrr", Value: 6800}}); err != nil {
		t.Fatalf("fire: %v", err)
	}

	// 10200 is above the threshold but still inside the 500 tolerance band.
	if _, err := m.Check(ctx, sess, []Reading{{Metric: "mrr", Value: 10200}}); err != nil {
		t.Fatalf("check inside tolerance: %v", err)
	}
	open, _ := store.ListUnresolvedTriggers(sess.ID)
	if len(open) != 1 {
		t.Fatalf("trigger should stay open inside tolerance, got %d open", len(open))
	}

	// 10600 clears threshold + tolerance and resolves the trigger.
	if _, err := m.Check(ctx, sess, []Reading{{Metric: "mrr", Value: 10600, ObservedAt: time.Now()}}); err != nil {
		t.Fatalf("check outside tolerance: %v", err)
	}
	open, _ = store.ListUnresolvedTriggers(sess.ID)
	if len(open) != 0 {
		t.Fatalf("trigger should auto-resolve, got %d open", len(open))
	}

	// After resolution the metric may fire again.
	fired, err := m.Check(ctx, sess, []Reading{{Metric: "mrr", Value: 7000}})
	if err != nil || len(fired) != 1 {
		t.Fatalf("re-fire: fired=%d err=%v", len(fired), err)
	}
}

func TestMonitor_DispatchFailureStillRecordsTrigger(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, true)
	sink := &fakeSink{fail: true}
	m := NewMonitor(store, sink, []config.TriggerThreshold{mrrThreshold()}, nil, nil)

	fired, err := m.Check(context.Background(), sess, []Reading{{Metric: "mrr", Value: 6800}})
	if err != nil {
		t.Fatalf("check should not fail on sink errors: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("trigger must be durable before dispatch, got %d", len(fired))
	}

	entries, err := store.ListExecutionLog(sess.ID, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected audit entry, got %d err=%v", len(entries), err)
	}
	if entries[0].Outcome == "recorded" {
		t.Error("outcome should record the dispatch failure")
	}
}

func TestMonitor_AutomationDisabledSkipsDispatch(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, false)
	sink := &fakeSink{}
	m := NewMonitor(store, sink, []config.TriggerThreshold{mrrThreshold()}, nil, nil)

	fired, err := m.Check(context.Background(), sess, []Reading{{Metric: "mrr", Value: 6800}})
	if err != nil || len(fired) != 1 {
		t.Fatalf("check: fired=%d err=%v", len(fired), err)
	}
	if len(sink.dispatched()) != 0 {
		t.Error("automation disabled must not dispatch")
	}
}

func TestMonitor_AboveDirection(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, false)
	rule := config.TriggerThreshold{
		Metric:    "cpa",
		Threshold: 400,
		Direction: "above",
		Tolerance: 20,
	}
	m := NewMonitor(store, nil, []config.TriggerThreshold{rule}, nil, nil)

	ctx := context.Background()
	fired, err := m.Check(ctx, sess, []Reading{{Metric: "cpa", Value: 450}})
	if err != nil || len(fired) != 1 {
		t.Fatalf("fire above threshold: fired=%d err=%v", len(fired), err)
	}
	if fired[0].Action != automation.ActionAlertOperator {
		t.Errorf("default action = %q, want alert_operator", fired[0].Action)
	}

	if _, err := m.Check(ctx, sess, []Reading{{Metric: "cpa", Value: 370}}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, _ := store.ListUnresolvedTriggers(sess.ID)
	if len(open) != 0 {
		t.Errorf("expected auto-resolution below threshold-tolerance, %d open", len(open))
	}
}

func TestMonitor_IgnoresUntrackedMetrics(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, false)
	m := NewMonitor(store, nil, []config.TriggerThreshold{mrrThreshold()}, nil, nil)

	fired, err := m.Check(context.Background(), sess, []Reading{{Metric: "dau", Value: 1}})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(fired) != 0 {
		t.Errorf("untracked metric must not fire, got %d", len(fired))
	}
}

func TestMonitor_ResolveByID(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, false)
	m := NewMonitor(store, nil, []config.TriggerThreshold{mrrThreshold()}, nil, nil)

	fired, err := m.Check(context.Background(), sess, []Reading{{Metric: "mrr", Value: 6800}})
	if err != nil || len(fired) != 1 {
		t.Fatalf("fire: fired=%d err=%v", len(fired), err)
	}

	if err := m.Resolve(fired[0].ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, _ := store.ListUnresolvedTriggers(sess.ID)
	if len(open) != 0 {
		t.Error("trigger should be resolved")
	}

	err = m.Resolve("missing")
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
