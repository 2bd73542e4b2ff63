package secondary

import (
	"context"
	"encoding/json"
	"time"

	"gitlab.com/vmfleet.net/internal/domain"
)

// CommandRepository is the command registry. Rows are never deleted, only
// archived once resolved.
type CommandRepository interface {
	NextCommandSeq(ctx context.Context) (int64, error)

	InsertCommand(ctx context.Context, cmd *domain.Command) error

	// GetCommand returns nil, nil when the token is unknown.
	GetCommand(ctx context.Context, token string) (*domain.Command, error)

	// ListOutbox returns the commands queued for a worker in issue order.
	ListOutbox(ctx context.Context, workerID string) ([]*domain.Command, error)

	MarkDelivered(ctx context.Context, tokens []string, at time.Time) error

	// ResolveCommand records an outcome if the command is still pending and
	// takes it out of the outbox. It reports whether it applied.
	ResolveCommand(ctx context.Context, token string, outcome domain.CommandOutcome, tier int, result json.RawMessage, at time.Time) (bool, error)

	// ListCommandsByWorkload returns every live command of a workload in issue order.
	ListCommandsByWorkload(ctx context.Context, workloadID string) ([]*domain.Command, error)

	ListPendingIssuedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Command, error)

	// ArchiveResolved moves commands resolved before cutoff out of the live registry.
	ArchiveResolved(ctx context.Context, cutoff time.Time) (int, error)
}
