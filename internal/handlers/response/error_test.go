package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/static/errs"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("failed to schedule: %w", errs.NoCapacity("memory")), http.StatusServiceUnavailable, "no_capacity"},
		{&errs.InvalidTransitionError{WorkloadID: "vm-1", From: "stopped", To: "stopping"}, http.StatusConflict, "invalid_transition"},
		{fmt.Errorf("stop outstanding: %w", errs.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("workload vm-1: %w", errs.ErrNotFound), http.StatusNotFound, "not_found"},
		{errs.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{fmt.Errorf("bad spec: %w", errs.ErrInvalidArgument), http.StatusBadRequest, "invalid_argument"},
		{fmt.Errorf("connection refused"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			msg := FromError(tt.err)
			assert.Equal(t, tt.status, msg.StatusCode)
			assert.Equal(t, tt.code, msg.Code)
		})
	}
}

func TestWriteErrorCarriesReason(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, FromError(errs.NoCapacity("cores")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body ErrorMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cores", body.Reason)
	assert.Equal(t, "no_capacity", body.Code)
}
