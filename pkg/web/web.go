// Package web is a small HTTP framework: handlers return an Encoder and the
// App takes care of middleware, tracing and writing the response.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Encoder is implemented by every value a handler can return.
type Encoder interface {
	Encode() (data []byte, contentType string, err error)
}

// HandlerFunc handles a request and returns the value to encode.
type HandlerFunc func(ctx context.Context, r *http.Request) Encoder

// Logger is the function the App uses to report response write failures.
type Logger func(ctx context.Context, msg string, args ...any)

// App is the entrypoint into the application and implements http.Handler.
type App struct {
	log     Logger
	tracer  trace.Tracer
	mux     *http.ServeMux
	otmux   http.Handler
	mw      []MidFunc
	origins []string
}

// NewApp creates an App with the supplied middleware applied to every route.
func NewApp(log Logger, tracer trace.Tracer, mw ...MidFunc) *App {
	mux := http.NewServeMux()

	return &App{
		log:    log,
		tracer: tracer,
		mux:    mux,
		otmux:  otelhttp.NewHandler(mux, "request"),
		mw:     mw,
	}
}

// ServeHTTP implements http.Handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(a.origins) > 0 {
		a.setCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	a.otmux.ServeHTTP(w, r)
}

// EnableCORS allows the supplied origins to call the API.
func (a *App) EnableCORS(origins []string) { a.origins = origins }

func (a *App) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, o := range a.origins {
		if o == "*" || o == origin {
			w.Header().Set("Access-Control-Allow-Origin", o)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
			return
		}
	}
}

// HandlerFunc binds handlerFunc to method and path, optionally under a
// version group, wrapping it with route and application middleware.
func (a *App) HandlerFunc(method, group, path string, handlerFunc HandlerFunc, mw ...MidFunc) {
	handlerFunc = wrapMiddleware(mw, handlerFunc)
	handlerFunc = wrapMiddleware(a.mw, handlerFunc)
	a.bind(method, group, path, handlerFunc)
}

// HandlerFuncNoMid binds a route without any middleware.
func (a *App) HandlerFuncNoMid(method, group, path string, handlerFunc HandlerFunc) {
	a.bind(method, group, path, handlerFunc)
}

func (a *App) bind(method, group, path string, handlerFunc HandlerFunc) {
	h := func(w http.ResponseWriter, r *http.Request) {
		ctx := setValues(r.Context(), &values{TraceID: traceID(r.Context())})

		resp := handlerFunc(ctx, r)

		if err := Respond(ctx, w, resp); err != nil {
			a.log(ctx, "web-respond", "ERROR", err)
		}
	}

	finalPath := path
	if group != "" {
		finalPath = "/" + strings.Trim(group, "/") + path
	}
	a.mux.HandleFunc(fmt.Sprintf("%s %s", method, finalPath), h)
}

// Param returns the named path value from the request.
func Param(r *http.Request, key string) string { return r.PathValue(key) }

func traceID(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return "00000000000000000000000000000000"
}

// IsClientDisconnect reports whether err was caused by the client going away.
func IsClientDisconnect(err error) bool {
	return errors.Is(err, context.Canceled)
}
