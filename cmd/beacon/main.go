// Command beacon runs the LP validation lifecycle engine: the HTTP
// control API, the batch evaluation scheduler, and the emergency trigger
// loop, all over one sqlite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/beacon/pkg/api"
	"github.com/odvcencio/beacon/pkg/automation"
	"github.com/odvcencio/beacon/pkg/config"
	"github.com/odvcencio/beacon/pkg/lifecycle"
	"github.com/odvcencio/beacon/pkg/logging"
	"github.com/odvcencio/beacon/pkg/scheduler"
	"github.com/odvcencio/beacon/pkg/source"
	"github.com/odvcencio/beacon/pkg/stats"
	"github.com/odvcencio/beacon/pkg/storage"
	"github.com/odvcencio/beacon/pkg/telemetry"
	"github.com/odvcencio/beacon/pkg/trigger"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to config file (default: ~/.beacon/config.yaml, ./.beacon/config.yaml)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("beacon %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "beacon: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.MinLevel))

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := telemetry.NewHub()
	defer hub.Close()

	dispatcher := buildDispatcher(cfg.Automation, logger)
	if dispatcher != nil {
		defer dispatcher.Close()
	}

	src, err := buildSource(cfg.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	monitor := trigger.NewMonitor(store, dispatcher, cfg.Triggers.Thresholds, logger, hub)
	controller := lifecycle.NewController(store, dispatcher, logger, hub)
	engine := scheduler.NewEngine(store, stats.NewEvaluator(cfg.Evaluation.ConfidenceTarget), monitor, controller, logger, hub)
	sched := scheduler.NewScheduler(engine, src, store, cfg.Scheduler, logger, hub)
	server := api.NewServer(cfg.API, store, engine, controller, monitor, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(ctx)
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start()
	}()

	_ = logger.Info(logging.CategoryAPI, "startup",
		fmt.Sprintf("beacon %s listening on %s", version, cfg.API.Bind),
		map[string]any{"db": cfg.Storage.Path})

	select {
	case <-ctx.Done():
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = logger.Warn(logging.CategoryAPI, "shutdown", "server shutdown: "+err.Error(), nil)
	}
	<-schedDone
	return nil
}

// buildDispatcher assembles the automation sink chain from config:
// concrete sinks fanned out, the fanout wrapped with retry/backoff.
// Returns nil when automation is disabled or no sink is configured;
// decisions then apply without side effects.
func buildDispatcher(cfg config.AutomationConfig, logger *logging.Logger) automation.Dispatcher {
	if !cfg.Enabled {
		return nil
	}

	var sinks []automation.Dispatcher
	if cfg.NATSUrl != "" {
		nats, err := automation.NewNATSDispatcher(automation.NATSConfig{
			URL:     cfg.NATSUrl,
			Subject: cfg.Subject,
		})
		if err != nil {
			_ = logger.Warn(logging.CategoryAutomation, "nats_unavailable", err.Error(), nil)
		} else {
			sinks = append(sinks, nats)
		}
	}
	if cfg.SlackWebhookURL != "" {
		slack, err := automation.NewSlackDispatcher(automation.SlackConfig{WebhookURL: cfg.SlackWebhookURL})
		if err != nil {
			_ = logger.Warn(logging.CategoryAutomation, "slack_unavailable", err.Error(), nil)
		} else {
			sinks = append(sinks, slack)
		}
	}
	if len(sinks) == 0 {
		_ = logger.Warn(logging.CategoryAutomation, "no_sinks",
			"automation enabled but no sink configured; commands will not be dispatched", nil)
		return nil
	}

	return automation.NewRetrying(automation.NewFanout(sinks...), cfg.DispatchRetries, cfg.DispatchBackoff)
}

// metricsSource is a scheduler source the process owns and must close.
type metricsSource interface {
	scheduler.Source
	Close() error
}

// buildSource picks the metrics source the scheduler pulls from.
func buildSource(cfg config.SourceConfig) (metricsSource, error) {
	switch cfg.Mode {
	case config.SourceModeNATS:
		return source.NewNATS(source.NATSConfig{
			URL:     cfg.NATSUrl,
			Subject: cfg.Subject,
		})
	default:
		return source.NewPush(), nil
	}
}
