package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func TestMigrations_FreshDatabase(t *testing.T) {
	store := newTestStore(t)

	version, err := store.GetSchemaVersion()
	if err != nil {
		t.Fatalf("get schema version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestMigrations_ReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.db")

	store, err := New(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	sess := &ValidationSession{WorkspaceID: "ws-1", ProductID: "prod-1", TargetCVR: 0.1, TargetCPA: 300, MinSessions: 100}
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	fetched, err := reopened.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session after reopen: %v", err)
	}
	if fetched == nil {
		t.Fatal("session should survive reopen")
	}
}

func TestObserver_ReceivesEvents(t *testing.T) {
	store := newTestStore(t)

	events := make(chan Event, 4)
	store.AddObserver(ObserverFunc(func(e Event) {
		events <- e
	}))

	sess := &ValidationSession{WorkspaceID: "ws-1", ProductID: "prod-1", TargetCVR: 0.1, TargetCPA: 300, MinSessions: 100}
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != EventSessionCreated {
			t.Errorf("event type = %v, want %v", e.Type, EventSessionCreated)
		}
		if e.SessionID != sess.ID {
			t.Errorf("event session = %v, want %v", e.SessionID, sess.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for storage event")
	}
}
