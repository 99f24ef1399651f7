package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/app/metrics"
	"github.com/ahrav/sourcefleet/internal/config"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/internal/infra/eventbus/kafka"
	"github.com/ahrav/sourcefleet/internal/infra/eventbus/memory"
	"github.com/ahrav/sourcefleet/internal/infra/storage"
	agentmemory "github.com/ahrav/sourcefleet/internal/infra/storage/agent/memory"
	agentpg "github.com/ahrav/sourcefleet/internal/infra/storage/agent/postgres"
	sourcememory "github.com/ahrav/sourcefleet/internal/infra/storage/source/memory"
	sourcepg "github.com/ahrav/sourcefleet/internal/infra/storage/source/postgres"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/otel"
)

// deps are the infrastructure shared by every subcommand.
type deps struct {
	log      *logger.Logger
	tracer   trace.Tracer
	registry *prometheus.Registry
	metrics  metrics.ControlPlaneMetrics

	pool      *pgxpool.Pool
	sources   source.Repository
	agents    agent.Registry
	bus       events.EventBus
	publisher events.DomainEventPublisher

	closers []func(ctx context.Context)
}

// buildDeps connects to the configured stores and event bus. Without a
// database URL state is kept in memory; without brokers events stay in
// process.
func buildDeps(ctx context.Context, cfg *config.Config, log *logger.Logger) (*deps, error) {
	d := &deps{log: log}
	ok := false
	defer func() {
		if !ok {
			d.close(ctx)
		}
	}()

	// -------------------------------------------------------------------------
	// Telemetry

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(d.registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	hostname, _ := os.Hostname()
	excluded := make(map[string]struct{}, len(cfg.Telemetry.ExcludedRoutes))
	for _, r := range cfg.Telemetry.ExcludedRoutes {
		excluded[r] = struct{}{}
	}

	traceProvider, meterProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		Host:             hostname,
		ExcludedRoutes:   excluded,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"service.version":  build,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	}, promExporter)
	if err != nil {
		return nil, fmt.Errorf("starting telemetry: %w", err)
	}
	d.closers = append(d.closers, teardown)
	d.tracer = traceProvider.Tracer(cfg.Telemetry.ServiceName)

	m, err := metrics.New(meterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	d.metrics = m

	// -------------------------------------------------------------------------
	// Storage

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing db config: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("creating db pool: %w", err)
		}
		d.pool = pool
		d.closers = append(d.closers, func(context.Context) { pool.Close() })

		d.sources = sourcepg.NewSourceStore(pool, d.tracer)
		d.agents = agentpg.NewRegistry(pool, d.tracer)
	} else {
		log.Warn(ctx, "startup", "status", "no database configured; using in-memory stores")
		d.sources = sourcememory.NewSourceStore()
		d.agents = agentmemory.NewRegistry()
	}

	// -------------------------------------------------------------------------
	// Event bus

	if cfg.Kafka.Enabled() {
		log.Info(ctx, "startup", "status", "connecting event bus", "brokers", cfg.Kafka.Brokers)
		bus, err := kafka.ConnectEventBus(&kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			LifecycleTopic: cfg.Kafka.LifecycleTopic,
			AuditTopic:     cfg.Kafka.AuditTopic,
			GroupID:        cfg.Kafka.GroupID,
			ClientID:       cfg.Kafka.ClientID,
		}, log, m, d.tracer)
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		d.bus = bus
		d.publisher = kafka.NewDomainEventPublisher(bus)
	} else {
		broker := memory.NewBroker()
		d.bus = broker
		d.publisher = memory.NewDomainEventPublisher(broker)
	}
	bus := d.bus
	d.closers = append(d.closers, func(context.Context) { _ = bus.Close() })

	ok = true
	return d, nil
}

// migrate applies the schema when a database is configured.
func (d *deps) migrate(dir storage.MigrationDirection) error {
	if d.pool == nil {
		return errors.New("no database configured")
	}
	return storage.Migrate(d.pool, dir)
}

// ready reports whether the database is reachable.
func (d *deps) ready(ctx context.Context) error {
	if d.pool == nil {
		return nil
	}
	return d.pool.Ping(ctx)
}

// close releases resources in reverse order of acquisition.
func (d *deps) close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i](ctx)
	}
	d.closers = nil
}
