package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/facility-bookings/internal/adapters/redis"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/idempotency"
	"github.com/robertarktes/facility-bookings/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	addr, err := redisContainer.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisAdapters(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	t.Run("availability cache", func(t *testing.T) {
		cache := redisadapter.NewCache(client)
		key := domain.KeyFor(uuid.New(), domain.NewWindow(time.Unix(3600, 0), time.Unix(7200, 0)))

		_, ok, err := cache.GetAvailability(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, cache.SetAvailability(ctx, domain.InventoryUnit{Key: key, Total: 10, Held: 2, Confirmed: 3}, time.Minute))
		u, ok, err := cache.GetAvailability(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 5, u.Available())
		assert.Equal(t, key, u.Key)

		require.NoError(t, cache.InvalidateAvailability(ctx, key))
		_, ok, err = cache.GetAvailability(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rate limiter window", func(t *testing.T) {
		rl := ratelimit.NewRateLimiter(redisadapter.NewCache(client))
		for i := 0; i < 2; i++ {
			ok, err := rl.Allow(ctx, "ip:10.0.0.1", 2, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := rl.Allow(ctx, "ip:10.0.0.1", 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("idempotency records", func(t *testing.T) {
		idem := idempotency.NewIdempotency(redisadapter.NewIdempotency(client), time.Hour)
		key := uuid.NewString()

		resp, claim, err := idem.Begin(ctx, key, "fp")
		require.NoError(t, err)
		assert.Nil(t, resp)
		_, _, err = idem.Begin(ctx, key, "fp")
		assert.ErrorIs(t, err, idempotency.ErrInFlight)

		require.NoError(t, idem.Finish(ctx, claim, idempotency.Response{Status: 201, ContentType: "application/json", Result: []byte(`{}`), Fingerprint: "fp"}))
		resp, _, err = idem.Begin(ctx, key, "fp")
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, 201, resp.Status)
	})

	t.Run("idempotency unlock checks owner", func(t *testing.T) {
		store := redisadapter.NewIdempotency(client)
		key := uuid.NewString()

		ok, err := store.Lock(ctx, key, "first", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.Unlock(ctx, key, "second"))
		ok, err = store.Lock(ctx, key, "third", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "lock held by another token stays")

		require.NoError(t, store.Unlock(ctx, key, "first"))
		ok, err = store.Lock(ctx, key, "third", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
