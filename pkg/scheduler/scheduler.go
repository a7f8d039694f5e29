package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/beacon/pkg/config"
	"github.com/odvcencio/beacon/pkg/logging"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/telemetry"
)

// Scheduler owns the two cadences: the batch path on a wide interval and
// the emergency path on a tight one. Both walk the active sessions; each
// session's work is bounded by the per-session timeout so one stuck
// session cannot starve a cycle.
type Scheduler struct {
	engine *Engine
	source Source
	store  *storage.Store
	cfg    config.SchedulerConfig
	logger *logging.Logger
	hub    *telemetry.Hub
}

// NewScheduler builds a scheduler around an engine and a metrics source.
func NewScheduler(engine *Engine, source Source, store *storage.Store, cfg config.SchedulerConfig, logger *logging.Logger, hub *telemetry.Hub) *Scheduler {
	return &Scheduler{
		engine: engine,
		source: source,
		store:  store,
		cfg:    cfg,
		logger: logger,
		hub:    hub,
	}
}

// Run drives both cadences until the context is cancelled. The first
// batch cycle runs immediately; the emergency loop starts on its ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(s.cfg.BatchCadence)
		defer ticker.Stop()

		s.RunBatchCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.RunBatchCycle(ctx)
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(s.cfg.EmergencyCadence)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.RunEmergencyCycle(ctx)
			}
		}
	})

	return group.Wait()
}

// RunBatchCycle evaluates every active session once, fanning out with a
// bounded worker count. Per-session failures are logged and skipped; the
// session retries on the next cadence.
func (s *Scheduler) RunBatchCycle(ctx context.Context) {
	started := time.Now()
	sessions, err := s.store.ListActiveSessions("")
	if err != nil {
		s.logError("batch_list_failed", "", err)
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrent)
	for _, sess := range sessions {
		sess := sess
		group.Go(func() error {
			cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
			defer cancel()
			if err := s.engine.RunSessionCycle(cycleCtx, s.source, sess.ID); err != nil {
				s.logError("session_cycle_failed", sess.ID, err)
			}
			return nil
		})
	}
	_ = group.Wait()

	telemetry.MetricCycleDuration.Observe(time.Since(started).Seconds())
	telemetry.MetricActiveSessions.Set(float64(len(sessions)))
	if s.hub != nil {
		s.hub.Publish(telemetry.Event{
			Type: telemetry.EventCycleCompleted,
			Data: map[string]any{
				"sessions": len(sessions),
				"elapsed":  time.Since(started).String(),
			},
		})
	}
}

// RunEmergencyCycle runs the trigger monitor over every non-terminal
// session. Emergency checks are time-boxed per session but never
// cancelled mid-decision.
func (s *Scheduler) RunEmergencyCycle(ctx context.Context) {
	sessions, err := s.store.ListActiveSessions("")
	if err != nil {
		s.logError("emergency_list_failed", "", err)
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrent)
	for _, sess := range sessions {
		sess := sess
		group.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
			defer cancel()
			if err := s.engine.RunEmergencyCheck(checkCtx, s.source, sess.ID); err != nil {
				s.logError("emergency_check_failed", sess.ID, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Scheduler) logError(eventType, sessionID string, err error) {
	if s.logger == nil {
		return
	}
	_ = s.logger.Log(logging.Event{
		Level:     logging.LevelError,
		Category:  logging.CategoryScheduler,
		EventType: eventType,
		SessionID: sessionID,
		Message:   err.Error(),
	})
}
