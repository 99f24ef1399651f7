package mid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/web"
)

// Logger writes information about every request.
func Logger(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			now := time.Now()

			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path = fmt.Sprintf("%s?%s", path, r.URL.RawQuery)
			}

			log.Debug(ctx, "request started", "method", r.Method, "path", path, "remoteaddr", r.RemoteAddr)

			resp := next(ctx, r)

			log.Info(ctx, "request completed",
				"method", r.Method,
				"path", path,
				"remoteaddr", r.RemoteAddr,
				"statuscode", statusOf(resp),
				"since", time.Since(now).String(),
				"trace_id", web.GetTraceID(ctx),
			)

			return resp
		}

		return h
	}

	return m
}

func statusOf(resp web.Encoder) int {
	if resp == nil {
		return http.StatusNoContent
	}
	if s, ok := resp.(web.HTTPStatusSetter); ok {
		return s.HTTPStatus()
	}
	return http.StatusOK
}
