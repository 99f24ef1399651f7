// Package mux binds the manager's HTTP routes and middleware.
package mux

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/api/mid"
	"github.com/ahrav/sourcefleet/internal/app/agentpoll"
	"github.com/ahrav/sourcefleet/internal/app/dispatch"
	"github.com/ahrav/sourcefleet/internal/app/heartbeat"
	"github.com/ahrav/sourcefleet/internal/app/snapshot"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/web"
)

// Options represent optional parameters.
type Options struct {
	corsOrigin []string
}

// WithCORS provides configuration options for CORS.
func WithCORS(origins []string) func(opts *Options) {
	return func(opts *Options) {
		opts.corsOrigin = origins
	}
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build  string
	Log    *logger.Logger
	Tracer trace.Tracer

	Sources     source.Repository
	Agents      agent.Registry
	Coordinator *dispatch.Coordinator
	Poll        *agentpoll.Service
	Heartbeats  *heartbeat.Monitor
	Snapshots   *snapshot.Tracker

	// Ready reports whether dependencies such as the database are reachable.
	Ready func(ctx context.Context) error
}

// RouteAdder defines behavior that sets the routes to bind for an instance
// of the service.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// WebAPI constructs a http.Handler with all application routes bound.
func WebAPI(cfg Config, routeAdder RouteAdder, options ...func(opts *Options)) http.Handler {
	logger := func(ctx context.Context, msg string, args ...any) {
		cfg.Log.Info(ctx, msg, args...)
	}

	app := web.NewApp(
		logger,
		cfg.Tracer,
		mid.Otel(cfg.Tracer),
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Panics(),
	)

	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if len(opts.corsOrigin) > 0 {
		app.EnableCORS(opts.corsOrigin)
	}

	routeAdder.Add(app, cfg)

	return app
}
