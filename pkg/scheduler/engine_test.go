package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/beacon/pkg/automation"
	"github.com/odvcencio/beacon/pkg/config"
	"github.com/odvcencio/beacon/pkg/errors"
	"github.com/odvcencio/beacon/pkg/lifecycle"
	"github.com/odvcencio/beacon/pkg/metrics"
	"github.com/odvcencio/beacon/pkg/stats"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/trigger"
)

type fakeSource struct {
	windows  []metrics.RawWindow
	readings []trigger.Reading
}

func (f *fakeSource) FetchWindows(ctx context.Context, session *storage.ValidationSession) ([]metrics.RawWindow, error) {
	return f.windows, nil
}

func (f *fakeSource) FetchReadings(ctx context.Context, session *storage.ValidationSession) ([]trigger.Reading, error) {
	return f.readings, nil
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

func newTestEngine(t *testing.T, store *storage.Store, thresholds []config.TriggerThreshold) *Engine {
	t.Helper()
	evaluator := stats.NewEvaluator(0.95)
	monitor := trigger.NewMonitor(store, nil, thresholds, nil, nil)
	controller := lifecycle.NewController(store, nil, nil, nil)
	return NewEngine(store, evaluator, monitor, controller, nil, nil)
}

func createSession(t *testing.T, store *storage.Store, minSessions int) *storage.ValidationSession {
	t.Helper()
	sess := &storage.ValidationSession{
		WorkspaceID: "ws-1",
		ProductID:   "prod-1",
		TargetCVR:   0.10,
		TargetCPA:   300,
		MinSessions: minSessions,
	}
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func window(start, end string, sessions, conversions int, cost float64) metrics.RawWindow {
	parse := func(v string) time.Time {
		ts, _ := time.Parse(time.RFC3339, v)
		return ts
	}
	return metrics.RawWindow{
		WindowStart: parse(start),
		WindowEnd:   parse(end),
		Impressions: sessions * 10,
		Clicks:      sessions * 2,
		Sessions:    sessions,
		Conversions: conversions,
		Cost:        cost,
	}
}

func TestApplyWindow_AccumulatesTotals(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	ctx := context.Background()
	first := window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 380, 12, 950)
	applied, snap, err := engine.ApplyWindow(ctx, sess.ID, first)
	if err != nil {
		t.Fatalf("apply first window: %v", err)
	}
	if snap.WindowID == "" {
		t.Error("snapshot should carry a window identity")
	}
	if applied.TotalSessions != 380 || applied.TotalConversions != 12 {
		t.Errorf("totals = %d/%d", applied.TotalSessions, applied.TotalConversions)
	}

	second := window("2026-08-01T06:00:00Z", "2026-08-01T12:00:00Z", 420, 18, 1010)
	applied, _, err = engine.ApplyWindow(ctx, sess.ID, second)
	if err != nil {
		t.Fatalf("apply second window: %v", err)
	}
	if applied.TotalSessions != 800 || applied.TotalConversions != 30 {
		t.Errorf("totals = %d/%d", applied.TotalSessions, applied.TotalConversions)
	}
	if applied.CurrentCPA == nil {
		t.Fatal("CPA should be set after conversions")
	}
	if applied.Version != 3 {
		t.Errorf("version = %d, want 3 after two metric writes", applied.Version)
	}
	// 800 sessions is below the 1000 minimum; the verdict must stay false.
	if applied.StatisticalSignificance {
		t.Error("sample below minimum must not be significant")
	}
}

func TestApplyWindow_ExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	ctx := context.Background()
	w := window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 380, 12, 950)
	if _, _, err := engine.ApplyWindow(ctx, sess.ID, w); err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, _, err := engine.ApplyWindow(ctx, sess.ID, w)
	if !errors.IsCode(err, errors.ErrCodeConcurrencyConflict) {
		t.Fatalf("expected conflict for duplicate window, got %v", err)
	}

	after, _ := store.GetSession(sess.ID)
	if after.TotalSessions != 380 {
		t.Errorf("duplicate window must not double-count, totals = %d", after.TotalSessions)
	}
}

func TestApplyWindow_CPAVerdictFoldsIntoSignificance(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 500)
	engine := newTestEngine(t, store, nil)
	ctx := context.Background()

	// First window: 15% CVR over 600 sessions clears the proportion test
	// on its own, and with a single converting window the CPA test has no
	// spread to run on.
	first := window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 600, 90, 26000)
	applied, _, err := engine.ApplyWindow(ctx, sess.ID, first)
	if err != nil {
		t.Fatalf("apply first window: %v", err)
	}
	if !applied.StatisticalSignificance {
		t.Fatal("CVR alone should be significant after the first window")
	}

	// Second window puts per-window CPA at 288.9 and 309.5 against a 300
	// target: the mean sits on the target, so the CPA test cannot reject
	// and the combined verdict must drop to false even though the CVR
	// test still passes.
	second := window("2026-08-01T06:00:00Z", "2026-08-01T12:00:00Z", 700, 105, 32500)
	applied, _, err = engine.ApplyWindow(ctx, sess.ID, second)
	if err != nil {
		t.Fatalf("apply second window: %v", err)
	}
	if applied.StatisticalSignificance {
		t.Error("inconclusive CPA sample must hold the combined verdict at false")
	}
}

func TestApplyWindow_SignificantWhenBothTestsPass(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 500)
	engine := newTestEngine(t, store, nil)
	ctx := context.Background()

	// Per-window CPA of 200 and 202 against a 300 target: tight spread,
	// far from baseline, so both the CVR and CPA tests reject.
	windows := []metrics.RawWindow{
		window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 600, 100, 20000),
		window("2026-08-01T06:00:00Z", "2026-08-01T12:00:00Z", 700, 100, 20200),
	}

	var applied *storage.ValidationSession
	for _, w := range windows {
		var err error
		applied, _, err = engine.ApplyWindow(ctx, sess.ID, w)
		if err != nil {
			t.Fatalf("apply window: %v", err)
		}
	}
	if !applied.StatisticalSignificance {
		t.Error("both tests passing should mark the session significant")
	}
}

func TestApplyWindow_ZeroConversionsKeepsCPANil(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	w := window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 100, 0, 500)
	applied, _, err := engine.ApplyWindow(context.Background(), sess.ID, w)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.CurrentCVR != 0 {
		t.Errorf("CVR = %v, want 0", applied.CurrentCVR)
	}
	if applied.CurrentCPA != nil {
		t.Error("CPA must stay nil without conversions")
	}
}

func TestApplyWindow_TerminalSessionRejected(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	now := time.Now()
	if err := store.UpdateSessionStatus(sess.ID, storage.SessionStatusCompleted, &now, sess.Version); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	w := window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 100, 5, 500)
	_, _, err := engine.ApplyWindow(context.Background(), sess.ID, w)
	if !errors.IsCode(err, errors.ErrCodeInvariantViolation) {
		t.Fatalf("expected INVARIANT_VIOLATION, got %v", err)
	}
}

func TestEvaluate_ReadOnlyReport(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	before, _ := store.GetSession(sess.ID)
	report, err := engine.Evaluate(sess.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.ReadyForTransition {
		t.Error("fresh session cannot be ready")
	}
	if report.Metrics.TotalSessions != 0 {
		t.Errorf("metrics = %+v", report.Metrics)
	}

	after, _ := store.GetSession(sess.ID)
	if after.Version != before.Version {
		t.Error("Evaluate must not mutate the session")
	}

	if _, err := engine.Evaluate("missing"); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestRunSessionCycle_CompletesReadySession(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	// 153/1247 at a 10% target is both above target and significant.
	source := &fakeSource{windows: []metrics.RawWindow{
		window("2026-08-01T00:00:00Z", "2026-08-01T12:00:00Z", 1247, 153, 43911),
	}}

	if err := engine.RunSessionCycle(context.Background(), source, sess.ID); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	after, _ := store.GetSession(sess.ID)
	if after.Status != storage.SessionStatusCompleted {
		t.Fatalf("status = %v, want completed", after.Status)
	}
	if after.EndDate == nil {
		t.Error("completion must set end date")
	}

	// The phase review closed with a proceed decision.
	reviews, err := store.ListReviews(sess.ProductID)
	if err != nil || len(reviews) != 1 {
		t.Fatalf("reviews = %d, err = %v", len(reviews), err)
	}
	review := reviews[0]
	if review.Status != storage.ReviewStatusGatePassed {
		t.Errorf("review status = %v", review.Status)
	}
	if review.GateDecision == nil || review.GateDecision.Decision != storage.GateDecisionProceed {
		t.Errorf("gate decision = %+v", review.GateDecision)
	}
}

func TestRunSessionCycle_GateClosedKeepsSessionActive(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	// 8% CVR over 500 sessions misses every criterion.
	source := &fakeSource{windows: []metrics.RawWindow{
		window("2026-08-01T00:00:00Z", "2026-08-01T12:00:00Z", 500, 40, 12800),
	}}

	if err := engine.RunSessionCycle(context.Background(), source, sess.ID); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	after, _ := store.GetSession(sess.ID)
	if after.Status != storage.SessionStatusActive {
		t.Errorf("status = %v, want active", after.Status)
	}

	// The review opened but stays in progress.
	review, err := store.OpenReviewForPhase(sess.ProductID, after.Phase)
	if err != nil || review == nil {
		t.Fatalf("open review = %+v, err = %v", review, err)
	}
	if review.Status != storage.ReviewStatusInProgress {
		t.Errorf("review status = %v", review.Status)
	}
}

func TestRunSessionCycle_UnresolvedTriggerDefersCompletion(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	trig := &storage.EmergencyTrigger{SessionID: sess.ID, Metric: "mrr", Threshold: 10000, ActualValue: 6800}
	if err := store.CreateTrigger(trig); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	source := &fakeSource{windows: []metrics.RawWindow{
		window("2026-08-01T00:00:00Z", "2026-08-01T12:00:00Z", 1247, 153, 43911),
	}}
	if err := engine.RunSessionCycle(context.Background(), source, sess.ID); err != nil {
		t.Fatalf("cycle should defer, not fail: %v", err)
	}

	after, _ := store.GetSession(sess.ID)
	if after.Status != storage.SessionStatusActive {
		t.Errorf("unresolved trigger must block completion, status = %v", after.Status)
	}
}

func TestRunSessionCycle_ResendHistoryIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 10000)
	engine := newTestEngine(t, store, nil)

	source := &fakeSource{windows: []metrics.RawWindow{
		window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 380, 12, 950),
	}}

	ctx := context.Background()
	if err := engine.RunSessionCycle(ctx, source, sess.ID); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := engine.RunSessionCycle(ctx, source, sess.ID); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	after, _ := store.GetSession(sess.ID)
	if after.TotalSessions != 380 {
		t.Errorf("re-sent window double-counted: totals = %d", after.TotalSessions)
	}
}

func TestDecideReview_OperatorFailsGate(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	engine := newTestEngine(t, store, nil)

	// A closed gate leaves the review in progress for the operator.
	source := &fakeSource{windows: []metrics.RawWindow{
		window("2026-08-01T00:00:00Z", "2026-08-01T12:00:00Z", 500, 40, 12800),
	}}
	if err := engine.RunSessionCycle(context.Background(), source, sess.ID); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	open, err := store.OpenReviewForPhase(sess.ProductID, "mvp")
	if err != nil || open == nil {
		t.Fatalf("open review = %+v, err = %v", open, err)
	}

	decided, err := engine.DecideReview(open.ID, storage.GateDecisionPivot, "cvr miss, repositioning", "alice")
	if err != nil {
		t.Fatalf("decide review: %v", err)
	}
	if decided.Status != storage.ReviewStatusGateFailed {
		t.Errorf("status = %v, want gate_failed", decided.Status)
	}
	if decided.GateDecision == nil || decided.GateDecision.Decision != storage.GateDecisionPivot {
		t.Errorf("gate decision = %+v", decided.GateDecision)
	}
	if decided.GateDecision != nil && decided.GateDecision.DecidedBy != "alice" {
		t.Errorf("decidedBy = %v", decided.GateDecision.DecidedBy)
	}

	// A decided review is final.
	_, err = engine.DecideReview(open.ID, storage.GateDecisionProceed, "second thoughts", "bob")
	if !errors.IsCode(err, errors.ErrCodeInvariantViolation) {
		t.Fatalf("expected INVARIANT_VIOLATION, got %v", err)
	}
}

func TestDecideReview_ProceedPassesGate(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	review := &storage.PhaseReview{ProductID: "prod-9", Phase: "mvp"}
	if err := store.CreateReview(review); err != nil {
		t.Fatalf("create review: %v", err)
	}

	decided, err := engine.DecideReview(review.ID, storage.GateDecisionProceed, "targets met", "carol")
	if err != nil {
		t.Fatalf("decide review: %v", err)
	}
	if decided.Status != storage.ReviewStatusGatePassed {
		t.Errorf("status = %v, want gate_passed", decided.Status)
	}
}

func TestDecideReview_Invalid(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	if _, err := engine.DecideReview("missing", storage.GateDecisionRetry, "", "op"); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if _, err := engine.DecideReview("missing", "maybe", "", "op"); !errors.IsCode(err, errors.ErrCodeValidation) {
		t.Errorf("expected VALIDATION, got %v", err)
	}
}

func TestRunEmergencyCheck_SevereTriggerFailsSession(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	thresholds := []config.TriggerThreshold{{
		Metric:    "mrr",
		Threshold: 10000,
		Direction: "below",
		Tolerance: 500,
		Action:    automation.ActionStopCampaign,
	}}
	engine := newTestEngine(t, store, thresholds)

	source := &fakeSource{readings: []trigger.Reading{{Metric: "mrr", Value: 6800, ObservedAt: time.Now()}}}
	if err := engine.RunEmergencyCheck(context.Background(), source, sess.ID); err != nil {
		t.Fatalf("emergency check: %v", err)
	}

	after, _ := store.GetSession(sess.ID)
	if after.Status != storage.SessionStatusFailed {
		t.Errorf("status = %v, want failed", after.Status)
	}
	if after.EndDate == nil {
		t.Error("failed session must carry an end date")
	}
}

func TestRunEmergencyCheck_NonSevereTriggerLeavesSessionActive(t *testing.T) {
	store := newTestStore(t)
	sess := createSession(t, store, 1000)
	thresholds := []config.TriggerThreshold{{
		Metric:    "mrr",
		Threshold: 10000,
		Direction: "below",
		Tolerance: 500,
		Action:    automation.ActionPauseCampaign,
	}}
	engine := newTestEngine(t, store, thresholds)

	source := &fakeSource{readings: []trigger.Reading{{Metric: "mrr", Value: 6800, ObservedAt: time.Now()}}}
	if err := engine.RunEmergencyCheck(context.Background(), source, sess.ID); err != nil {
		t.Fatalf("emergency check: %v", err)
	}

	after, _ := store.GetSession(sess.ID)
	if after.Status != storage.SessionStatusActive {
		t.Errorf("status = %v, want active but flagged", after.Status)
	}
	open, _ := store.ListUnresolvedTriggers(sess.ID)
	if len(open) != 1 {
		t.Errorf("expected one open trigger, got %d", len(open))
	}
}

func TestRunBatchCycle_WalksAllActiveSessions(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, nil)

	for _, product := range []string{"prod-1", "prod-2", "prod-3"} {
		sess := &storage.ValidationSession{WorkspaceID: "ws-1", ProductID: product, TargetCVR: 0.1, TargetCPA: 300, MinSessions: 1000}
		if err := store.CreateSession(sess); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	source := &fakeSource{windows: []metrics.RawWindow{
		window("2026-08-01T00:00:00Z", "2026-08-01T06:00:00Z", 380, 12, 950),
	}}
	cfg := config.SchedulerConfig{
		BatchCadence:     4 * time.Hour,
		EmergencyCadence: 5 * time.Minute,
		SessionTimeout:   10 * time.Second,
		MaxConcurrent:    2,
	}
	sched := NewScheduler(engine, source, store, cfg, nil, nil)

	sched.RunBatchCycle(context.Background())

	sessions, err := store.ListActiveSessions("")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	for _, sess := range sessions {
		if sess.TotalSessions != 380 {
			t.Errorf("session %s totals = %d, want 380", sess.ProductID, sess.TotalSessions)
		}
	}
}
