package metrics

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCountersIncrAndGet(t *testing.T) {
	c, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Incr(ctx, QueueFull)
	c.Incr(ctx, QueueFull)
	c.Incr(ctx, Published)

	v, err := c.Get(ctx, QueueFull)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = c.Get(ctx, Published)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryCountersUnknownNameErrors(t *testing.T) {
	c, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(context.Background(), "not_a_real_counter")
	assert.Error(t, err)
}

func TestRedisCountersAgainstMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, err := New(context.Background(), Config{RedisURL: "redis://" + mr.Addr(), KeyPrefix: "tf:metrics:", NodeID: "n1"})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Incr(ctx, GuardRejected)
	c.Incr(ctx, GuardRejected)
	c.Incr(ctx, GuardRejected)

	v, err := c.Get(ctx, GuardRejected)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestRedisCountersGetMissingKeyIsZero(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, err := New(context.Background(), Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Get(context.Background(), PublishFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1,204", Format(1204))
}
