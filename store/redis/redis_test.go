package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/creditgate"
	credisstore "github.com/veyra/creditgate/store/redis"
)

// Integration tests run only when CREDITGATE_REDIS_ADDR is set, e.g.
// localhost:6379.
func newTestStore(t *testing.T) *credisstore.Store {
	t.Helper()
	addr := os.Getenv("CREDITGATE_REDIS_ADDR")
	if addr == "" {
		t.Skip("CREDITGATE_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })

	prefix := fmt.Sprintf("creditgate-test:%d:", time.Now().UnixNano())
	s := credisstore.New(client, credisstore.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
	})
	return s
}

func TestRedisDeductRefundRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Grant(ctx, "acct", 5, now.Add(48*time.Hour), 10, now))

	out, err := s.Deduct(ctx, "acct", 7, now)
	require.NoError(t, err)
	assert.Equal(t, creditgate.Split{Bonus: 5, Purchased: 2}, out.Split)

	require.NoError(t, s.Refund(ctx, "acct", out.Split))
	bonus, purchased, err := s.Balance(ctx, "acct", now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bonus)
	assert.Equal(t, int64(10), purchased)
}

func TestRedisDeductInsufficient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Grant(ctx, "acct", 0, time.Time{}, 1, now))
	_, err := s.Deduct(ctx, "acct", 2, now)
	assert.ErrorIs(t, err, creditgate.ErrInsufficientCredit)
}

func TestRedisLazyExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Grant(ctx, "acct", 25, now.Add(48*time.Hour), 4, now))

	later := now.Add(49 * time.Hour)
	out, err := s.Deduct(ctx, "acct", 3, later)
	require.NoError(t, err)
	assert.Equal(t, creditgate.Split{Bonus: 0, Purchased: 3}, out.Split)
}

func TestRedisLockLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	g1, err := s.AcquireLock(ctx, "acct", now, time.Minute)
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, "acct", now.Add(30*time.Second), time.Minute)
	assert.ErrorIs(t, err, creditgate.ErrLockHeld)

	g2, err := s.AcquireLock(ctx, "acct", now.Add(61*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, g2.Reclaimed)
	assert.Greater(t, g2.Epoch, g1.Epoch)

	released, err := s.ReleaseLock(ctx, "acct", g1.Epoch)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseLock(ctx, "acct", g2.Epoch)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRedisSweepLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.AcquireLock(ctx, "old", now, time.Minute)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "fresh", now.Add(50*time.Second), time.Minute)
	require.NoError(t, err)

	n, err := s.SweepLocks(ctx, now.Add(70*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
