package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(filepath.Join(dir, "engine.jsonl")); err != nil {
		t.Errorf("engine log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "errors.jsonl")); err != nil {
		t.Errorf("error log not created: %v", err)
	}
}

func TestLog_WritesEvent(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	err = logger.Info(CategoryGate, "gate_evaluated", "phase gate evaluated", map[string]any{
		"session_id": "sess-1",
		"ready":      true,
	})
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	logger.Close()

	events, err := ReadRecentEvents(filepath.Join(dir, "engine.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Category != CategoryGate {
		t.Errorf("Category = %v, want %v", events[0].Category, CategoryGate)
	}
	if events[0].EventType != "gate_evaluated" {
		t.Errorf("EventType = %v, want gate_evaluated", events[0].EventType)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Timestamp should be set automatically")
	}
}

func TestLog_MinLevelFilters(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	// Default min level is info; debug should be dropped.
	if err := logger.Debug(CategoryScheduler, "cycle_tick", "dropped", nil); err != nil {
		t.Fatalf("Debug failed: %v", err)
	}
	if err := logger.Warn(CategoryTrigger, "threshold_near", "kept", nil); err != nil {
		t.Fatalf("Warn failed: %v", err)
	}
	logger.Close()

	events, err := ReadRecentEvents(filepath.Join(dir, "engine.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after filtering, got %d", len(events))
	}
	if events[0].Level != LevelWarn {
		t.Errorf("Level = %v, want %v", events[0].Level, LevelWarn)
	}
}

func TestLog_ErrorsDuplicatedToErrorLog(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	if err := logger.Error(CategoryAutomation, "dispatch_failed", "sink unreachable", nil); err != nil {
		t.Fatalf("Error failed: %v", err)
	}
	if err := logger.Info(CategoryLifecycle, "decision_applied", "completed", nil); err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	logger.Close()

	errEvents, err := ReadRecentEvents(filepath.Join(dir, "errors.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(errEvents) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errEvents))
	}
	if errEvents[0].EventType != "dispatch_failed" {
		t.Errorf("EventType = %v, want dispatch_failed", errEvents[0].EventType)
	}
}

func TestReadRecentEvents_Tail(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := logger.Info(CategoryMetrics, "window_ingested", "", nil); err != nil {
			t.Fatalf("Info failed: %v", err)
		}
	}
	logger.Close()

	events, err := ReadRecentEvents(filepath.Join(dir, "engine.jsonl"), 2)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}
