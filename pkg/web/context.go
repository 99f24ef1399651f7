package web

import (
	"context"
	"time"
)

type ctxKey int

const key ctxKey = 1

type values struct {
	TraceID    string
	Now        time.Time
	StatusCode int
}

func setValues(ctx context.Context, v *values) context.Context {
	if v.Now.IsZero() {
		v.Now = time.Now().UTC()
	}
	return context.WithValue(ctx, key, v)
}

func getValues(ctx context.Context) *values {
	v, ok := ctx.Value(key).(*values)
	if !ok {
		return &values{TraceID: "00000000000000000000000000000000", Now: time.Now()}
	}
	return v
}

// GetTraceID returns the trace id recorded for the request.
func GetTraceID(ctx context.Context) string { return getValues(ctx).TraceID }

// GetTime returns the time the request started.
func GetTime(ctx context.Context) time.Time { return getValues(ctx).Now }

// GetStatusCode returns the status code written for the request.
func GetStatusCode(ctx context.Context) int { return getValues(ctx).StatusCode }

func setStatusCode(ctx context.Context, statusCode int) {
	if v, ok := ctx.Value(key).(*values); ok {
		v.StatusCode = statusCode
	}
}
