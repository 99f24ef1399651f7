package web

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPStatusSetter lets an Encoder choose its response status code.
type HTTPStatusSetter interface {
	HTTPStatus() int
}

// NoResponse tells Respond that the handler already wrote the response.
type NoResponse struct{}

// NewNoResponse returns a NoResponse.
func NewNoResponse() NoResponse { return NoResponse{} }

// Encode implements Encoder.
func (NoResponse) Encode() ([]byte, string, error) { return nil, "", nil }

// Respond writes dataModel to w.
func Respond(ctx context.Context, w http.ResponseWriter, dataModel Encoder) error {
	if _, ok := dataModel.(NoResponse); ok {
		return nil
	}

	if err := ctx.Err(); err != nil {
		if IsClientDisconnect(err) {
			return fmt.Errorf("client disconnected, do not send response")
		}
	}

	statusCode := http.StatusOK
	if dataModel == nil {
		statusCode = http.StatusNoContent
	} else if v, ok := dataModel.(HTTPStatusSetter); ok {
		statusCode = v.HTTPStatus()
	}
	setStatusCode(ctx, statusCode)

	if statusCode == http.StatusNoContent {
		w.WriteHeader(statusCode)
		return nil
	}

	data, contentType, err := dataModel.Encode()
	if err != nil {
		return fmt.Errorf("respond: encode: %w", err)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("respond: write: %w", err)
	}

	return nil
}
