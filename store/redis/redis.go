// Package redis provides a Redis-backed AccountStore.
//
// Each account is a Redis hash; Deduct, Grant, and the lock operations
// run as Lua scripts so the check and the mutation are one atomic unit
// across multiple worker processes.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veyra/creditgate"
)

// Store is a Redis-backed AccountStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ creditgate.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditgate:acct:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed AccountStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditgate:acct:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(accountID string) string { return s.keyPrefix + accountID }

// deductScript atomically clears an expired bonus bucket, then draws
// bonus-first.
// KEYS[1] = account hash key
// ARGV[1] = amount
// ARGV[2] = now (unix seconds)
//
// Returns {ok, from_bonus, from_purchased, bonus_left, purchased_left}
// with ok=0 on insufficient credit.
var deductScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local bonus = tonumber(redis.call("HGET", key, "bonus") or "0")
local expiry = tonumber(redis.call("HGET", key, "bonus_expiry") or "0")
local purchased = tonumber(redis.call("HGET", key, "purchased") or "0")

-- Lazy expiry: a bonus bucket past its expiry is logically zero.
if bonus > 0 and expiry > 0 and now > expiry then
    bonus = 0
    redis.call("HSET", key, "bonus", "0", "bonus_expiry", "0")
end

if bonus + purchased < amount then
    return {0, 0, 0, bonus, purchased}
end

local from_bonus = math.min(amount, bonus)
local from_purchased = amount - from_bonus

redis.call("HSET", key,
    "bonus", tostring(bonus - from_bonus),
    "purchased", tostring(purchased - from_purchased),
    "last_action_at", tostring(now),
    "last_action_cost", tostring(amount))

return {1, from_bonus, from_purchased, bonus - from_bonus, purchased - from_purchased}
`)

// grantScript clears an expired bonus balance, then adds the grants.
// KEYS[1] = account hash key
// ARGV[1] = bonus amount
// ARGV[2] = bonus expiry (unix seconds, 0 when no bonus)
// ARGV[3] = purchased amount
// ARGV[4] = now (unix seconds)
var grantScript = goredis.NewScript(`
local key = KEYS[1]
local bonus = tonumber(ARGV[1])
local expiry = tonumber(ARGV[2])
local purchased = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local cur = tonumber(redis.call("HGET", key, "bonus") or "0")
local cur_expiry = tonumber(redis.call("HGET", key, "bonus_expiry") or "0")
if cur > 0 and cur_expiry > 0 and now > cur_expiry then
    redis.call("HSET", key, "bonus", "0", "bonus_expiry", "0")
end

if bonus > 0 then
    redis.call("HINCRBY", key, "bonus", bonus)
    redis.call("HSET", key, "bonus_expiry", tostring(expiry))
end
if purchased > 0 then
    redis.call("HINCRBY", key, "purchased", purchased)
end
return 1
`)

// acquireScript takes the lock, displacing a stale one.
// KEYS[1] = account hash key
// ARGV[1] = now (unix seconds)
// ARGV[2] = timeout (seconds)
//
// Returns {status, epoch, stale_age}; status 1 = acquired,
// 0 = held, 2 = acquired by reclaiming a stale lock.
var acquireScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])

local since = tonumber(redis.call("HGET", key, "lock_since") or "0")
local status = 1
local stale_age = 0

if since > 0 then
    local age = now - since
    if age < timeout then
        return {0, 0, age}
    end
    status = 2
    stale_age = age
end

local epoch = redis.call("HINCRBY", key, "lock_epoch", 1)
redis.call("HSET", key, "lock_since", tostring(now))
return {status, epoch, stale_age}
`)

// releaseScript clears the lock only when the epoch matches.
// KEYS[1] = account hash key
// ARGV[1] = epoch
var releaseScript = goredis.NewScript(`
local key = KEYS[1]
local epoch = tonumber(ARGV[1])

local since = tonumber(redis.call("HGET", key, "lock_since") or "0")
local cur = tonumber(redis.call("HGET", key, "lock_epoch") or "0")
if since == 0 or cur ~= epoch then
    return 0
end
redis.call("HSET", key, "lock_since", "0")
return 1
`)

// sweepScript reclaims the key's lock when it is stale.
// KEYS[1] = account hash key
// ARGV[1] = cutoff (unix seconds)
var sweepScript = goredis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])

local since = tonumber(redis.call("HGET", key, "lock_since") or "0")
if since > 0 and since <= cutoff then
    redis.call("HSET", key, "lock_since", "0")
    return 1
end
return 0
`)

// Deduct draws amount bonus-first after the lazy expiry check.
func (s *Store) Deduct(ctx context.Context, accountID string, amount int64, now time.Time) (creditgate.DeductOutcome, error) {
	res, err := deductScript.Run(ctx, s.client,
		[]string{s.key(accountID)},
		amount, now.Unix(),
	).Int64Slice()
	if err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/redis: deduct: %w", err)
	}
	if len(res) != 5 {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/redis: unexpected deduct result: %v", res)
	}
	if res[0] == 0 {
		return creditgate.DeductOutcome{}, creditgate.ErrInsufficientCredit
	}
	return creditgate.DeductOutcome{
		Split:              creditgate.Split{Bonus: res[1], Purchased: res[2]},
		BonusRemaining:     res[3],
		PurchasedRemaining: res[4],
	}, nil
}

// Refund restores the split.
func (s *Store) Refund(ctx context.Context, accountID string, split creditgate.Split) error {
	key := s.key(accountID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("creditgate/redis: refund: %w", err)
	}
	if exists == 0 {
		return creditgate.ErrAccountNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "bonus", split.Bonus)
	pipe.HIncrBy(ctx, key, "purchased", split.Purchased)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creditgate/redis: refund: %w", err)
	}
	return nil
}

// Grant tops up the buckets.
func (s *Store) Grant(ctx context.Context, accountID string, bonus int64, bonusExpiry time.Time, purchased int64, now time.Time) error {
	expiry := int64(0)
	if bonus > 0 {
		expiry = bonusExpiry.Unix()
	}
	_, err := grantScript.Run(ctx, s.client,
		[]string{s.key(accountID)},
		bonus, expiry, purchased, now.Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("creditgate/redis: grant: %w", err)
	}
	return nil
}

// Balance reads both buckets with a read-only lazy expiry check.
func (s *Store) Balance(ctx context.Context, accountID string, now time.Time) (int64, int64, error) {
	vals, err := s.client.HMGet(ctx, s.key(accountID), "bonus", "bonus_expiry", "purchased").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("creditgate/redis: balance: %w", err)
	}
	if vals[0] == nil && vals[2] == nil {
		return 0, 0, nil
	}

	bonus := parseField(vals[0])
	expiry := parseField(vals[1])
	purchased := parseField(vals[2])

	if bonus > 0 && expiry > 0 && now.Unix() > expiry {
		bonus = 0
	}
	return bonus, purchased, nil
}

// AcquireLock takes the durable lock atomically.
func (s *Store) AcquireLock(ctx context.Context, accountID string, now time.Time, timeout time.Duration) (creditgate.LockGrant, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.key(accountID)},
		now.Unix(), int64(timeout.Seconds()),
	).Int64Slice()
	if err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/redis: acquire: %w", err)
	}
	if len(res) != 3 {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/redis: unexpected acquire result: %v", res)
	}
	switch res[0] {
	case 0:
		return creditgate.LockGrant{}, creditgate.ErrLockHeld
	case 2:
		return creditgate.LockGrant{
			Epoch:     res[1],
			Reclaimed: true,
			StaleAge:  time.Duration(res[2]) * time.Second,
		}, nil
	default:
		return creditgate.LockGrant{Epoch: res[1]}, nil
	}
}

// ReleaseLock clears the lock when the epoch matches.
func (s *Store) ReleaseLock(ctx context.Context, accountID string, epoch int64) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{s.key(accountID)}, epoch).Int64()
	if err != nil {
		return false, fmt.Errorf("creditgate/redis: release: %w", err)
	}
	return res == 1, nil
}

// SweepLocks scans the key space and reclaims stale locks one key at a
// time; each reclamation is individually atomic.
func (s *Store) SweepLocks(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	cutoff := now.Add(-timeout).Unix()
	reclaimed := 0

	iter := s.scanIter(ctx)
	for iter.Next(ctx) {
		res, err := sweepScript.Run(ctx, s.client, []string{iter.Val()}, cutoff).Int64()
		if err != nil {
			return reclaimed, fmt.Errorf("creditgate/redis: sweep: %w", err)
		}
		reclaimed += int(res)
	}
	if err := iter.Err(); err != nil {
		return reclaimed, fmt.Errorf("creditgate/redis: sweep scan: %w", err)
	}
	return reclaimed, nil
}

// LockStats scans the key space and reports held locks.
func (s *Store) LockStats(ctx context.Context, now time.Time, timeout time.Duration) (creditgate.LockStats, error) {
	stats := creditgate.LockStats{Ages: make(map[string]time.Duration)}

	iter := s.scanIter(ctx)
	for iter.Next(ctx) {
		key := iter.Val()
		since, err := s.client.HGet(ctx, key, "lock_since").Int64()
		if err == goredis.Nil || since == 0 {
			continue
		}
		if err != nil {
			return creditgate.LockStats{}, fmt.Errorf("creditgate/redis: lock stats: %w", err)
		}
		age := time.Duration(now.Unix()-since) * time.Second
		stats.Ages[key[len(s.keyPrefix):]] = age
		if age >= timeout {
			stats.Stale++
		} else {
			stats.Active++
		}
		if age > stats.Oldest {
			stats.Oldest = age
		}
	}
	if err := iter.Err(); err != nil {
		return creditgate.LockStats{}, fmt.Errorf("creditgate/redis: lock stats scan: %w", err)
	}
	return stats, nil
}

func (s *Store) scanIter(ctx context.Context) *goredis.ScanIterator {
	return s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
}

func parseField(v any) int64 {
	if v == nil {
		return 0
	}
	n, _ := strconv.ParseInt(v.(string), 10, 64)
	return n
}
