package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/odvcencio/beacon/pkg/metrics"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/trigger"
)

// windowEnvelope is the wire shape published on <subject>.windows.
type windowEnvelope struct {
	SessionID string            `json:"sessionId"`
	Window    metrics.RawWindow `json:"window"`
}

// readingEnvelope is the wire shape published on <subject>.readings.
type readingEnvelope struct {
	SessionID string          `json:"sessionId"`
	Reading   trigger.Reading `json:"reading"`
}

// NATS buffers windows and readings published by the ads platform and
// hands them to the scheduler on its next pass over the session.
// Messages for unknown sessions stay buffered until fetched; malformed
// payloads are dropped.
type NATS struct {
	conn *nats.Conn
	subs []*nats.Subscription

	mu       sync.Mutex
	windows  map[string][]metrics.RawWindow
	readings map[string][]trigger.Reading
}

// NATSConfig configures the subscription.
type NATSConfig struct {
	// URL is the NATS server URL
	URL string

	// Subject is the base subject; windows arrive on <subject>.windows
	// and readings on <subject>.readings
	Subject string

	// ConnectTimeout is the connection timeout
	ConnectTimeout time.Duration
}

// NewNATS connects and subscribes to the metrics subject tree.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "beacon.metrics"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	s := newBuffered()
	s.conn = conn

	windowsSub, err := conn.Subscribe(cfg.Subject+".windows", s.onWindow)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe windows: %w", err)
	}
	readingsSub, err := conn.Subscribe(cfg.Subject+".readings", s.onReading)
	if err != nil {
		_ = windowsSub.Unsubscribe()
		conn.Close()
		return nil, fmt.Errorf("subscribe readings: %w", err)
	}
	s.subs = []*nats.Subscription{windowsSub, readingsSub}
	return s, nil
}

// newBuffered builds the source without a connection so the buffering
// behavior is testable in isolation.
func newBuffered() *NATS {
	return &NATS{
		windows:  make(map[string][]metrics.RawWindow),
		readings: make(map[string][]trigger.Reading),
	}
}

func (s *NATS) onWindow(msg *nats.Msg) {
	var env windowEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.SessionID == "" {
		return
	}
	s.mu.Lock()
	s.windows[env.SessionID] = append(s.windows[env.SessionID], env.Window)
	s.mu.Unlock()
}

func (s *NATS) onReading(msg *nats.Msg) {
	var env readingEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.SessionID == "" {
		return
	}
	s.mu.Lock()
	s.readings[env.SessionID] = append(s.readings[env.SessionID], env.Reading)
	s.mu.Unlock()
}

// FetchWindows drains the buffered windows for the session. A second
// call returns nothing until new messages arrive.
func (s *NATS) FetchWindows(ctx context.Context, session *storage.ValidationSession) ([]metrics.RawWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	windows := s.windows[session.ID]
	delete(s.windows, session.ID)
	return windows, nil
}

// FetchReadings drains the buffered readings for the session.
func (s *NATS) FetchReadings(ctx context.Context, session *storage.ValidationSession) ([]trigger.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	readings := s.readings[session.ID]
	delete(s.readings, session.ID)
	return readings, nil
}

// Close unsubscribes and drops the connection.
func (s *NATS) Close() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
