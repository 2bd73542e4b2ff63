package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
)

var _ secondary.PresenceRepository = (*PresenceRepository)(nil)

// PresenceRepository keeps one expiring key per worker. A worker is present
// while its key lives; Redis expiry does the cleanup.
type PresenceRepository struct {
	redisClient *redis.Client
	logger      primary.Logger
	prefix      string
	ttl         time.Duration
}

// NewPresenceRepository creates a new Redis presence repository
func NewPresenceRepository(redisClient *redis.Client, prefix string, ttl time.Duration, logger primary.Logger) *PresenceRepository {
	return &PresenceRepository{
		redisClient: redisClient,
		logger:      logger,
		prefix:      prefix,
		ttl:         ttl,
	}
}

func (r *PresenceRepository) key(workerID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, workerID)
}

// Touch records a check-in and restarts the expiry.
func (r *PresenceRepository) Touch(ctx context.Context, workerID string, at time.Time) error {
	if err := r.redisClient.Set(ctx, r.key(workerID), at.Unix(), r.ttl).Err(); err != nil {
		r.logger.Error("Failed to touch worker presence", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to touch worker presence: %w", err)
	}
	return nil
}

func (r *PresenceRepository) IsPresent(ctx context.Context, workerID string) (bool, error) {
	n, err := r.redisClient.Exists(ctx, r.key(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check worker presence: %w", err)
	}
	return n == 1, nil
}
