package heartbeat

import (
	"context"

	"gitlab.com/vmfleet.net/internal/domain"
)

// IHeartbeatService processes worker check-ins.
type IHeartbeatService interface {
	// Handle routes the attached acknowledgments, records the check-in and
	// returns every command still queued for the worker.
	Handle(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error)
}
