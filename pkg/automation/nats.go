package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSDispatcher publishes automation commands to NATS, one subject per
// action under a configurable base.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL
	URL string

	// Subject is the base subject for commands
	Subject string

	// ConnectTimeout is the connection timeout
	ConnectTimeout time.Duration
}

// NewNATSDispatcher creates a NATS dispatcher.
func NewNATSDispatcher(cfg NATSConfig) (*NATSDispatcher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "beacon.automation"
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

	return &NATSDispatcher{
		conn:    conn,
		subject: cfg.Subject,
	}, nil
}

// Dispatch publishes the command to <base>.<action>.
func (d *NATSDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	subject := fmt.Sprintf("%s.%s", d.subject, cmd.Action)
	return d.conn.Publish(subject, cmd.JSON())
}

// Close closes the NATS connection.
func (d *NATSDispatcher) Close() error {
	d.conn.Close()
	return nil
}
