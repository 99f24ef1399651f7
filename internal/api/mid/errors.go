package mid

import (
	"context"
	"net/http"
	"path"

	"github.com/ahrav/sourcefleet/internal/api/errs"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/web"
)

// Errors turns errors returned by handlers into *errs.Error responses and
// logs every failure. Internal details never reach the client.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)

			err, isErr := resp.(error)
			if !isErr {
				return resp
			}

			appErr := errs.Map(err)

			log.Error(ctx, "handled error during request",
				"err", err,
				"source_err_file", path.Base(appErr.FileName),
				"source_err_func", path.Base(appErr.FuncName),
			)

			if appErr.Code == errs.Internal {
				appErr = errs.Newf(errs.Internal, "%s", http.StatusText(http.StatusInternalServerError))
			}

			return appErr
		}

		return h
	}

	return m
}
