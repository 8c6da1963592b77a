//go:build integration

package persistence

import (
	"testing"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestStore_AgainstRealRedis exercises the Store against a throwaway Redis
// container rather than miniredis, to catch protocol drift the in-memory
// fake wouldn't. Run with `go test -tags=integration ./...`.
func TestStore_AgainstRealRedis(t *testing.T) {
	ctx := t.Context()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redisdriver.ParseURL(connStr)
	require.NoError(t, err)
	rdb := redisdriver.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	store := New(rdb)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	v, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)

	ok, err := store.SetNXExpire(ctx, "lock", "holder-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.SetNXExpire(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	rtt, err := store.Ping(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
}
