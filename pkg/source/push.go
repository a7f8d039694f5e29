// Package source supplies the scheduler loops with campaign windows and
// live metric readings. Deployments pick a mode: push, where windows
// arrive over the HTTP API and there is nothing to pull, or nats, where
// the ads platform publishes windows and readings onto a subject tree.
package source

import (
	"context"
	"time"

	"github.com/odvcencio/beacon/pkg/metrics"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/trigger"
)

// Push serves HTTP-push deployments. The batch path has nothing to
// pull, and emergency readings are derived from the session's
// accumulated metrics so the trigger loop still sees spend, CVR and CPA
// between window submissions.
type Push struct{}

// NewPush builds the push-mode source.
func NewPush() *Push { return &Push{} }

func (*Push) FetchWindows(ctx context.Context, session *storage.ValidationSession) ([]metrics.RawWindow, error) {
	return nil, nil
}

func (*Push) FetchReadings(ctx context.Context, session *storage.ValidationSession) ([]trigger.Reading, error) {
	now := time.Now()
	readings := []trigger.Reading{
		{Metric: "spend", Value: session.TotalSpend, ObservedAt: now},
	}
	if session.TotalSessions > 0 {
		readings = append(readings, trigger.Reading{Metric: "cvr", Value: session.CurrentCVR, ObservedAt: now})
	}
	if session.CurrentCPA != nil {
		readings = append(readings, trigger.Reading{Metric: "cpa", Value: *session.CurrentCPA, ObservedAt: now})
	}
	return readings, nil
}

// Close satisfies the closable source contract; push mode holds nothing.
func (*Push) Close() error { return nil }
