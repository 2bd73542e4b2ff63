package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
)

var _ secondary.BillingSink = (*StreamSink)(nil)

// emitScript appends the event to the stream only if its id was not seen
// within the dedupe window.
var emitScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) then
	redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[2], '*', 'id', ARGV[3], 'event', ARGV[4])
	return 1
end
return 0
`)

// StreamSink publishes billing events to a Redis stream for the billing
// service to consume.
type StreamSink struct {
	redisClient *redis.Client
	logger      primary.Logger
	prefix      string
	dedupe      time.Duration
	maxLen      int64
}

func NewStreamSink(redisClient *redis.Client, prefix string, dedupe time.Duration, logger primary.Logger) *StreamSink {
	return &StreamSink{
		redisClient: redisClient,
		logger:      logger,
		prefix:      prefix,
		dedupe:      dedupe,
		maxLen:      100000,
	}
}

func (s *StreamSink) StreamKey() string {
	return s.prefix + ":billing"
}

func (s *StreamSink) seenKey(id string) string {
	return fmt.Sprintf("%s:billing:seen:%s", s.prefix, id)
}

func (s *StreamSink) Emit(ctx context.Context, event domain.BillingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal billing event: %w", err)
	}
	added, err := emitScript.Run(ctx, s.redisClient,
		[]string{s.seenKey(event.ID), s.StreamKey()},
		int64(s.dedupe/time.Second), s.maxLen, event.ID, body,
	).Int()
	if err != nil {
		s.logger.Error("Failed to emit billing event", "eventId", event.ID, "error", err)
		return fmt.Errorf("failed to emit billing event: %w", err)
	}
	if added == 0 {
		s.logger.Debug("Dropped replayed billing event", "eventId", event.ID)
		return nil
	}
	s.logger.Info("Billing event emitted", "eventId", event.ID, "workloadId", event.WorkloadID, "kind", event.Kind)
	return nil
}
