package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestRememberAndLookupOrder(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	key := "test-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { c.GetClient().Del(ctx, idempotencyPrefix+key) })

	_, found, err := c.LookupOrder(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.RememberOrder(ctx, key, 42, time.Minute))
	require.NoError(t, c.RememberOrder(ctx, key, 43, time.Minute))

	orderID, found, err := c.LookupOrder(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), orderID)
}

func TestLookupOrder_CorruptEntry(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	key := "corrupt-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { c.GetClient().Del(ctx, idempotencyPrefix+key) })

	require.NoError(t, c.GetClient().Set(ctx, idempotencyPrefix+key, "not-a-number", time.Minute).Err())

	_, _, err := c.LookupOrder(ctx, key)
	assert.Error(t, err)
}
