package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/logging"
)

// MaxRequestBody bounds JSON request bodies.
const MaxRequestBody = 64 << 10

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   ErrorDetail `json:"error"`
	TraceID string      `json:"trace_id,omitempty"`
}

type ErrorDetail struct {
	Code    svcerrors.ErrorCode    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps err onto the service error taxonomy and writes it.
// Upstream and internal failures are reported with a generic message; the
// collaborator's payload stays in the logs.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("internal error", err)
	}

	detail := ErrorDetail{Code: se.Code, Message: se.Message, Details: se.Details}
	switch se.Code {
	case svcerrors.CodeUpstreamError, svcerrors.CodeUpstreamUnavailable:
		detail.Message = "a required service is unavailable, please retry"
		detail.Details = nil
		if svc, ok := se.Details["service"]; ok {
			detail.Details = map[string]interface{}{"service": svc}
		}
	case svcerrors.CodeInternal:
		detail.Message = "internal error, please retry"
		detail.Details = nil
	}

	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	var traceID string
	if r != nil {
		traceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, ErrorBody{Error: detail, TraceID: traceID})
}

// DecodeJSON decodes a bounded JSON request body into dst. An empty body
// leaves dst untouched. Malformed input is a validation error.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return svcerrors.Validation("body", "request body too large")
		}
		return svcerrors.Validation("body", "malformed JSON body")
	}
	return nil
}
