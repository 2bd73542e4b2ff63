package handlers

import (
	"encoding/json"
	"net/http"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/handlers/response"
)

func ResponseWithJson(w http.ResponseWriter, statusCode int, data interface{}) {
	response.WriteSuccess(w, statusCode, data)
}

func ResponseError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ResponseServiceError writes err in its mapped form. Server-side failures
// are logged since their detail is not returned.
func ResponseServiceError(w http.ResponseWriter, logger primary.Logger, err error, keysAndValues ...interface{}) {
	msg := response.FromError(err)
	if msg.StatusCode >= http.StatusInternalServerError && msg.Code != "no_capacity" {
		logger.Error("Request failed", append(keysAndValues, "error", err)...)
	}
	response.WriteError(w, msg)
}

// DecodeJSON reads a JSON body, rejecting unknown fields.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
