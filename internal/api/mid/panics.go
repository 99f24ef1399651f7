package mid

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/ahrav/sourcefleet/internal/api/errs"
	"github.com/ahrav/sourcefleet/pkg/web"
)

// Panics recovers from panics in handlers and converts them into internal errors.
func Panics() web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) (resp web.Encoder) {
			defer func() {
				if rec := recover(); rec != nil {
					trace := debug.Stack()
					resp = errs.Newf(errs.Internal, "PANIC [%v] TRACE[%s]", rec, string(trace))
				}
			}()

			return next(ctx, r)
		}

		return h
	}

	return m
}
