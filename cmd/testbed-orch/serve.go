package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/testbed-orchestrator/internal/config"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/experiment"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/metrics"
	"github.com/hochfrequenz/testbed-orchestrator/internal/notify"
	"github.com/hochfrequenz/testbed-orchestrator/internal/objectstore"
	"github.com/hochfrequenz/testbed-orchestrator/internal/queue"
	"github.com/hochfrequenz/testbed-orchestrator/internal/remote"
	"github.com/hochfrequenz/testbed-orchestrator/internal/runstore"
	"github.com/hochfrequenz/testbed-orchestrator/internal/schedule"
	"github.com/hochfrequenz/testbed-orchestrator/internal/task"
	"github.com/hochfrequenz/testbed-orchestrator/web/api"
)

var (
	servePort    int
	serveNoWatch bool
	serveEvict   bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution queue and the API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the facility on file changes")
	serveCmd.Flags().BoolVar(&serveEvict, "adb-evict", false, "force-stop test apps on the device of a cancelled execution")
	rootCmd.AddCommand(serveCmd)
}

// queueSubmitter lets scheduled entries submit to the live queue
type queueSubmitter struct {
	queue *queue.Queue
}

func (s queueSubmitter) Submit(d *domain.ExperimentDescriptor) (domain.ExecutionID, error) {
	r, err := s.queue.Create(d)
	if err != nil {
		return 0, err
	}
	return r.ID(), nil
}

func (s queueSubmitter) Active(id domain.ExecutionID) bool {
	r, ok := s.queue.Find(id)
	return ok && r.Active()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Web.Port = servePort
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	for _, dir := range []string{cfg.General.DataDir, cfg.General.ResultsDir, cfg.General.TempDir, cfg.General.ExecutionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	registry := facility.NewRegistry(logger)
	registry.SetObserver(m)
	fac := facility.New(cfg.General.FacilityDir, registry, logger)
	if err := fac.Reload(); err != nil {
		logger.Warn("initial facility load incomplete", "error", err)
	}

	tasks := task.DefaultRegistry()
	services := &task.Services{
		Resources:      registry,
		Telemetry:      store,
		Notifier:       notify.New(cfg.Notifications),
		EastWest:       cfg.EastWest,
		VerdictOnError: cfg.Tasks.VerdictOnError,
		MilestonePoll:  cfg.Scheduler.MilestonePoll(),
		Dial: func(host string, port int) task.RemoteAPI {
			return remote.New(host, port,
				remote.WithRetries(cfg.EastWest.RemoteRetries, cfg.EastWest.RemoteBackoff()),
				remote.WithLogger(logger))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *api.Server
	deps := experiment.Dependencies{
		Tasks:             tasks,
		Services:          services,
		Logger:            logger,
		OnEvent:           func(e experiment.Event) { server.Publish(e) },
		ResultsDir:        cfg.General.ResultsDir,
		TempRoot:          cfg.General.TempDir,
		AvailabilityRetry: cfg.Scheduler.AvailabilityRetry(),
	}
	if cfg.ObjectStore.Enabled {
		uploader, err := objectstore.NewUploader(cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		deps.Uploader = uploader
	}
	if serveEvict {
		deps.Evictor = &experiment.ADBEvictor{Logger: logger}
	}

	// runs outlive the signal so Shutdown can drive them to the end
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	q := queue.New(runCtx, queue.Options{
		Catalog:       fac,
		Store:         store,
		Deps:          deps,
		ExecutionsDir: cfg.General.ExecutionsDir,
		PollInterval:  cfg.Scheduler.PollInterval(),
		Observer:      m,
	})

	server = api.NewServer(api.Options{
		Addr:       fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Queue:      q,
		Store:      store,
		Facility:   fac,
		Telemetry:  store,
		Metrics:    m.Handler(),
		ResultsDir: cfg.General.ResultsDir,
		EastWest:   cfg.EastWest.Enabled,
		Logger:     logger,
		OnEvent:    m.EventPublished,
	})

	if !serveNoWatch && cfg.Scheduler.WatchFacility {
		watcher, err := facility.NewWatcher(cfg.General.FacilityDir, func(changed []string) {
			logger.Info("facility changed, reloading", "files", len(changed))
			if err := fac.Reload(); err != nil {
				logger.Warn("facility reload incomplete", "error", err)
			}
		}, logger)
		if err != nil {
			logger.Warn("facility watcher unavailable", "error", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	entries, err := schedule.LoadFile(cfg.General.SchedulePath)
	if err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	sched, err := schedule.NewScheduler(entries.Entries, queueSubmitter{q}, nil, logger)
	if err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if serr := q.Shutdown(shutdownCtx); serr != nil {
		logger.Error("queue shutdown incomplete", "error", serr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func defaultAPIURL(cfg *config.Config) string {
	if apiURL != "" {
		return apiURL
	}
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
}
