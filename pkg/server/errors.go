package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/solfoundry/vestd/pkg/vesting"
)

// apiError is the machine-readable error body: a stable kind clients can
// branch on plus a human message.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusForKind maps engine error kinds to HTTP status codes. Duplicate
// fee-transaction reuse is surfaced as 400 like plain validation; the
// "conflict" kind in the body is what tells clients to stop retrying.
func statusForKind(kind vesting.Kind) int {
	switch kind {
	case vesting.KindValidation, vesting.KindConflict:
		return http.StatusBadRequest
	case vesting.KindNotFound:
		return http.StatusNotFound
	case vesting.KindRateLimited:
		return http.StatusTooManyRequests
	case vesting.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	kind := vesting.KindOf(err)
	status := statusForKind(kind)

	msg := err.Error()
	var e *vesting.Error
	if errors.As(err, &e) {
		msg = e.Msg
	}
	if status == http.StatusInternalServerError {
		h.log.Error("server: request failed", "error", err)
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(apiError{Error: kind.String(), Message: msg}); encErr != nil {
		h.log.Error("server: failed to write error response", "error", encErr)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("server: failed to write response", "error", err)
	}
}
