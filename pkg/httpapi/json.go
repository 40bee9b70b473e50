package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"smallbiznis-commission/pkg/errutil"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func WriteJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// WriteError renders err as {"error": {...}}. Errors that are not an
// errutil.BaseError are reported as internal without leaking their text.
func WriteError(w http.ResponseWriter, err error) {
	var base errutil.BaseError
	switch {
	case errors.As(err, &base):
	case errors.Is(err, context.DeadlineExceeded):
		base = errutil.BaseError{Code: errutil.StatusTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		base = errutil.BaseError{Code: errutil.StatusClientClosedRequest, Message: "request cancelled"}
	default:
		zap.L().Error("unhandled error", zap.Error(err))
		base = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}
	}

	if base.Code.HTTPStatus() >= http.StatusInternalServerError {
		base.Err = nil
	}
	WriteJSON(w, base.Code.HTTPStatus(), base.JSON())
}

// DecodeJSON reads a JSON request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errutil.BadRequest("request body is required", nil)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errutil.BadRequest("request body is required", nil)
		}
		return errutil.BadRequest("malformed request body", err)
	}
	return nil
}
