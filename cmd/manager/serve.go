package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/sourcefleet/internal/api/mux"
	"github.com/ahrav/sourcefleet/internal/api/routes"
	"github.com/ahrav/sourcefleet/internal/app/agentpoll"
	"github.com/ahrav/sourcefleet/internal/app/dispatch"
	"github.com/ahrav/sourcefleet/internal/app/heartbeat"
	"github.com/ahrav/sourcefleet/internal/app/retention"
	"github.com/ahrav/sourcefleet/internal/app/snapshot"
	"github.com/ahrav/sourcefleet/internal/config"
	"github.com/ahrav/sourcefleet/internal/infra/storage"
	"github.com/ahrav/sourcefleet/pkg/common"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
)

func newServeCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API and the background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, log); err != nil {
				log.Error(ctx, "startup", "err", err)
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	d, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	if d.pool != nil && cfg.Database.MigrateOnBoot {
		log.Info(ctx, "startup", "status", "applying migrations")
		if err := d.migrate(storage.MigrateUp); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	// -------------------------------------------------------------------------
	// Control plane services

	policy, err := cfg.Dispatch.BindingPolicy()
	if err != nil {
		return fmt.Errorf("loading binding policy: %w", err)
	}

	coordinator := dispatch.NewCoordinator(d.sources, d.agents, dispatch.NewResolver(), d.publisher, d.metrics,
		dispatch.Config{
			Interval:      cfg.Dispatch.Interval,
			BatchSize:     cfg.Dispatch.BatchSize,
			Concurrency:   cfg.Dispatch.Concurrency,
			Policy:        policy,
			AgentLiveness: cfg.Heartbeat.Timeout(),
		}, d.tracer, log)

	monitor := heartbeat.NewMonitor(d.sources, d.publisher, d.metrics,
		heartbeat.Config{
			Interval:          cfg.Heartbeat.Interval,
			TimeoutMultiplier: cfg.Heartbeat.TimeoutMultiplier,
			FlushInterval:     cfg.Heartbeat.FlushInterval,
			SweepInterval:     cfg.Heartbeat.SweepInterval,
			BatchSize:         cfg.Heartbeat.BatchSize,
		}, d.tracer, log)

	poll := agentpoll.NewService(d.sources, d.agents, monitor, d.publisher, d.metrics,
		agentpoll.Config{
			PageSize:              cfg.Poll.PageSize,
			FinalizeWorkers:       cfg.Poll.FinalizeWorkers,
			FinalizeQueue:         cfg.Poll.FinalizeQueue,
			FinalizeGrace:         cfg.Poll.FinalizeGrace,
			FinalizeSweepInterval: cfg.Poll.FinalizeSweepInterval,
		}, d.tracer, log)

	purger := retention.NewPurger(d.sources, d.publisher, d.metrics,
		retention.Config{
			Retention: cfg.Retention.Window(),
			Interval:  cfg.Retention.Interval,
		}, d.tracer, log)

	snapshots := snapshot.NewTracker(d.sources, cfg.Snapshot.MaxBytes, d.tracer, log)

	coordinator.Start(ctx)
	defer coordinator.Stop()
	monitor.Start(ctx)
	defer monitor.Stop()
	poll.Start(ctx)
	defer poll.Stop()
	purger.Start(ctx)
	defer purger.Stop()

	// -------------------------------------------------------------------------
	// HTTP

	debugMux, err := common.DebugMux(d.registry)
	if err != nil {
		return fmt.Errorf("creating debug mux: %w", err)
	}
	debugSrv := &http.Server{
		Addr:     cfg.Web.DebugHost,
		Handler:  debugMux,
		ErrorLog: logger.NewStdLogger(log, logger.LevelError),
	}

	var opts []func(*mux.Options)
	if len(cfg.Web.CORSOrigins) > 0 {
		opts = append(opts, mux.WithCORS(cfg.Web.CORSOrigins))
	}
	webAPI := mux.WebAPI(mux.Config{
		Build:       build,
		Log:         log,
		Tracer:      d.tracer,
		Sources:     d.sources,
		Agents:      d.agents,
		Coordinator: coordinator,
		Poll:        poll,
		Heartbeats:  monitor,
		Snapshots:   snapshots,
		Ready:       d.ready,
	}, routes.Routes(), opts...)

	apiSrv := &http.Server{
		Addr:         cfg.Web.APIHost,
		Handler:      webAPI,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiSrv, debugSrv} {
		g.Go(func() error {
			log.Info(ctx, "startup", "status", "router started", "host", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// -------------------------------------------------------------------------
	// Shutdown

	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutdown", "status", "shutdown started")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		apiErr := apiSrv.Shutdown(shutdownCtx)
		debugErr := debugSrv.Shutdown(shutdownCtx)
		if err := errors.Join(apiErr, debugErr); err != nil {
			return fmt.Errorf("could not stop servers gracefully: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info(context.Background(), "shutdown", "status", "shutdown complete")
	return err
}
