package common

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugMux returns a mux serving Prometheus metrics from gatherer, the
// statsviz dashboard, expvar and the pprof endpoints. A nil gatherer uses the
// default registry.
func DebugMux(gatherer prometheus.Gatherer) (*http.ServeMux, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	return mux, nil
}

// RunDebugServer serves DebugMux on addr until the listener fails.
func RunDebugServer(addr string, gatherer prometheus.Gatherer) error {
	mux, err := DebugMux(gatherer)
	if err != nil {
		return err
	}
	return http.ListenAndServe(addr, mux)
}
