// Package routes selects the route groups served by the manager.
package routes

import (
	"github.com/ahrav/sourcefleet/internal/api/mux"
	"github.com/ahrav/sourcefleet/internal/api/routes/agentrpc"
	"github.com/ahrav/sourcefleet/internal/api/routes/health"
	"github.com/ahrav/sourcefleet/internal/api/routes/sources"
	"github.com/ahrav/sourcefleet/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
		Ready: cfg.Ready,
	})

	agentrpc.Routes(app, agentrpc.Config{
		Log:        cfg.Log,
		Poll:       cfg.Poll,
		Heartbeats: cfg.Heartbeats,
		Snapshots:  cfg.Snapshots,
		Agents:     cfg.Agents,
	})

	sources.Routes(app, sources.Config{
		Log:         cfg.Log,
		Sources:     cfg.Sources,
		Coordinator: cfg.Coordinator,
		Snapshots:   cfg.Snapshots,
	})
}
