package schedconfig

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/vmfleet.net/internal/adapter/logging"
)

func TestPublishIncrementsVersion(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "test-" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), prefix+":schedconfig")
		client.Close()
	})
	repo := NewRepository(client, prefix, logging.NewNopLogger())
	ctx := context.Background()

	cur, err := repo.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur.Version)

	_, err = repo.Publish(ctx, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	second, err := repo.Publish(ctx, json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	cur, err = repo.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.Version)
	assert.JSONEq(t, `{"a":2}`, string(cur.Body))

	_, err = repo.Publish(ctx, json.RawMessage(`{`))
	assert.Error(t, err)
}
