package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/beacon/pkg/errors"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	commands []Command
	failures int
	closed   bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("sink unavailable")
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeDispatcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDispatcher) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func TestRetrying_EventualSuccess(t *testing.T) {
	sink := &fakeDispatcher{failures: 2}
	d := NewRetrying(sink, 5, time.Millisecond)

	err := d.Dispatch(context.Background(), Command{SessionID: "sess-1", Action: ActionPauseCampaign})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sink.delivered() != 1 {
		t.Errorf("delivered = %d, want 1", sink.delivered())
	}
}

func TestRetrying_ExhaustedBudgetIsRetryableError(t *testing.T) {
	sink := &fakeDispatcher{failures: 100}
	d := NewRetrying(sink, 3, time.Millisecond)

	err := d.Dispatch(context.Background(), Command{SessionID: "sess-1", Action: ActionPauseCampaign})
	if !errors.IsCode(err, errors.ErrCodeDispatchFailed) {
		t.Fatalf("expected DISPATCH_FAILED, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("exhausted dispatch should be marked retryable")
	}
}

func TestRetrying_ContextCancelStopsBackoff(t *testing.T) {
	sink := &fakeDispatcher{failures: 100}
	d := NewRetrying(sink, 10, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.Dispatch(ctx, Command{SessionID: "sess-1", Action: ActionPauseCampaign})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Error("cancel should stop the backoff wait")
	}
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	first := &fakeDispatcher{}
	second := &fakeDispatcher{failures: 1}
	fan := NewFanout(first, second)

	err := fan.Dispatch(context.Background(), Command{SessionID: "sess-1", Action: ActionAlertOperator})
	if err == nil {
		t.Fatal("failing sink should surface an error")
	}
	if first.delivered() != 1 {
		t.Error("healthy sink should still receive the command")
	}

	if err := fan.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !first.closed || !second.closed {
		t.Error("close should reach every sink")
	}
}

func TestSlackDispatcher_PostsAlert(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d, err := NewSlackDispatcher(SlackConfig{WebhookURL: server.URL})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	value := 6800.0
	cmd := Command{
		SessionID:    "sess-1",
		Action:       ActionAlertOperator,
		Reason:       "MRR dropped below threshold",
		Metric:       "mrr",
		CurrentValue: &value,
	}
	if err := d.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if payload["username"] != "Beacon" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSlackDispatcher_IgnoresNonAlertActions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("non-alert action should not reach the webhook")
	}))
	defer server.Close()

	d, err := NewSlackDispatcher(SlackConfig{WebhookURL: server.URL})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := d.Dispatch(context.Background(), Command{Action: ActionPauseCampaign}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestSlackDispatcher_RequiresWebhook(t *testing.T) {
	if _, err := NewSlackDispatcher(SlackConfig{}); err == nil {
		t.Error("missing webhook URL should fail")
	}
}

func TestSlackDispatcher_SurfacesWebhookErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	d, err := NewSlackDispatcher(SlackConfig{WebhookURL: server.URL})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := d.Dispatch(context.Background(), Command{Action: ActionAlertOperator, Reason: "x"}); err == nil {
		t.Error("webhook failure should surface")
	}
}
