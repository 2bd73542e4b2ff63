package schedconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
)

var _ secondary.SchedulingConfigRepository = (*Repository)(nil)

// publishScript bumps the version and stores the body in one step, so a
// reader never sees a body with another publish's version.
var publishScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'body', ARGV[1], 'publishedAt', ARGV[2])
return v
`)

// Repository keeps the current scheduling config in one Redis hash.
type Repository struct {
	redisClient *redis.Client
	logger      primary.Logger
	key         string
}

func NewRepository(redisClient *redis.Client, prefix string, logger primary.Logger) *Repository {
	return &Repository{
		redisClient: redisClient,
		logger:      logger,
		key:         prefix + ":schedconfig",
	}
}

func (r *Repository) GetCurrent(ctx context.Context) (*domain.SchedulingConfig, error) {
	fields, err := r.redisClient.HGetAll(ctx, r.key).Result()
	if err != nil {
		r.logger.Error("Failed to read scheduling config", "error", err)
		return nil, fmt.Errorf("failed to read scheduling config: %w", err)
	}
	cfg := &domain.SchedulingConfig{}
	if len(fields) == 0 {
		return cfg, nil
	}
	if cfg.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt scheduling config version: %w", err)
	}
	if body := fields["body"]; body != "" {
		cfg.Body = json.RawMessage(body)
	}
	if ts, err := strconv.ParseInt(fields["publishedAt"], 10, 64); err == nil {
		cfg.PublishedAt = time.Unix(0, ts).UTC()
	}
	return cfg, nil
}

func (r *Repository) Publish(ctx context.Context, body json.RawMessage) (*domain.SchedulingConfig, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("scheduling config is not valid JSON")
	}
	now := time.Now().UTC()
	version, err := publishScript.Run(ctx, r.redisClient, []string{r.key}, string(body), now.UnixNano()).Int64()
	if err != nil {
		r.logger.Error("Failed to publish scheduling config", "error", err)
		return nil, fmt.Errorf("failed to publish scheduling config: %w", err)
	}
	r.logger.Info("Scheduling config published", "version", version)
	return &domain.SchedulingConfig{Version: version, Body: body, PublishedAt: now}, nil
}
