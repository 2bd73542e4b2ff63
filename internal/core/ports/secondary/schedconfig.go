package secondary

import (
	"context"
	"encoding/json"

	"gitlab.com/vmfleet.net/internal/domain"
)

type SchedulingConfigRepository interface {
	// GetCurrent returns the version 0 placeholder when nothing is published.
	GetCurrent(ctx context.Context) (*domain.SchedulingConfig, error)
	Publish(ctx context.Context, body json.RawMessage) (*domain.SchedulingConfig, error)
}
