package secondary

import (
	"context"

	"gitlab.com/vmfleet.net/internal/domain"
)

// IngressRouter maps public ports onto workload endpoints. All calls are
// idempotent.
type IngressRouter interface {
	EnsureRoute(ctx context.Context, route domain.Route) (domain.Route, error)
	// GetRoute returns nil, nil when no route exists.
	GetRoute(ctx context.Context, workloadID string) (*domain.Route, error)
	RemoveRoute(ctx context.Context, workloadID string) error
}

type BillingSink interface {
	Emit(ctx context.Context, event domain.BillingEvent) error
}
