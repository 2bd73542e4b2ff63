package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"gitlab.com/vmfleet.net/internal/static/errs"
)

type ErrorMessage struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	// Reason names the limiting dimension of a no_capacity error.
	Reason string `json:"reason,omitempty"`
}

// FromError maps a service error onto its HTTP form. Anything unknown is an
// internal error whose message is not leaked.
func FromError(err error) ErrorMessage {
	var noCap *errs.NoCapacityError
	switch {
	case errors.As(err, &noCap):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusServiceUnavailable, Code: "no_capacity", Reason: noCap.Reason}
	case errors.Is(err, errs.ErrNoCapacity):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusServiceUnavailable, Code: "no_capacity"}
	case errors.Is(err, errs.ErrInvalidTransition):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusConflict, Code: "invalid_transition"}
	case errors.Is(err, errs.ErrConflict):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusConflict, Code: "conflict"}
	case errors.Is(err, errs.ErrStaleWrite):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusConflict, Code: "conflict"}
	case errors.Is(err, errs.ErrNotFound):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusNotFound, Code: "not_found"}
	case errors.Is(err, errs.ErrWorkerRetired):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusForbidden, Code: "worker_retired"}
	case errors.Is(err, errs.ErrUnauthorized):
		return ErrorMessage{Message: "unauthorized", StatusCode: http.StatusUnauthorized, Code: "unauthorized"}
	case errors.Is(err, errs.ErrInvalidArgument):
		return ErrorMessage{Message: err.Error(), StatusCode: http.StatusBadRequest, Code: "invalid_argument"}
	}
	return ErrorMessage{Message: "internal error", StatusCode: http.StatusInternalServerError, Code: "internal"}
}

func WriteError(w http.ResponseWriter, err ErrorMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(err)
}

func WriteSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
