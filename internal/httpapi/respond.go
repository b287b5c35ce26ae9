package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ratchetd/ratchet/internal/domain"
)

// errorResponse is the standard error body.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps the error kind onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindTimeout:
		status = http.StatusRequestTimeout
	case domain.KindExecutorBusy:
		status = http.StatusServiceUnavailable
	case domain.KindCancelled:
		status = http.StatusConflict
	case domain.KindNotImplemented:
		status = http.StatusNotImplemented
	}

	detail := errorDetail{Kind: string(kind), Message: err.Error()}
	var typed *domain.Error
	if errors.As(err, &typed) {
		detail.Message = typed.Message
		detail.Details = typed.Details
	}
	writeJSON(w, status, errorResponse{Error: detail})
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Wrap(domain.KindValidation, err, "invalid request body")
	}
	return nil
}
