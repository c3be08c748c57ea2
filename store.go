package creditgate

import (
	"context"
	"time"
)

// AccountStore is the durable tier: the single source of truth for an
// account's balances and its processing lock. Implementations must make
// each method atomic with respect to concurrent operations on the same
// account (row lock, Lua script, or mutex), and must not suspend on
// anything slower than the backing store itself.
//
// Accounts are created on first contact; no registration step exists.
type AccountStore interface {
	// Deduct atomically clears an expired bonus bucket, then draws the
	// amount bonus-first. Returns ErrInsufficientCredit with no
	// mutation (beyond the lazy clear) when the total is short. Stamps
	// last_action_at / last_action_cost on success.
	Deduct(ctx context.Context, accountID string, amount int64, now time.Time) (DeductOutcome, error)

	// Refund restores exactly the given split to its two buckets.
	Refund(ctx context.Context, accountID string, split Split) error

	// Grant tops up the buckets. A bonus grant replaces an expired
	// bonus balance and extends the expiry; a purchased grant simply
	// adds.
	Grant(ctx context.Context, accountID string, bonus int64, bonusExpiry time.Time, purchased int64, now time.Time) error

	// Balance reads both buckets, treating an expired bonus as zero.
	Balance(ctx context.Context, accountID string, now time.Time) (bonus, purchased int64, err error)

	// AcquireLock takes the durable processing lock. A live lock
	// younger than timeout yields ErrLockHeld; an older one is
	// reclaimed and acquisition proceeds. Each acquisition increments
	// the lock epoch.
	AcquireLock(ctx context.Context, accountID string, now time.Time, timeout time.Duration) (LockGrant, error)

	// ReleaseLock releases the lock if the epoch still matches.
	// A stale epoch (the lock was reclaimed and re-acquired since) is
	// a no-op returning false. Releasing an unheld lock is a no-op.
	ReleaseLock(ctx context.Context, accountID string, epoch int64) (bool, error)

	// SweepLocks reclaims every durable lock older than timeout and
	// returns how many it found.
	SweepLocks(ctx context.Context, now time.Time, timeout time.Duration) (int, error)

	// LockStats reports the current lock population for monitoring.
	LockStats(ctx context.Context, now time.Time, timeout time.Duration) (LockStats, error)
}

// DeductOutcome is what a successful Deduct returns: the split taken
// and the balances left behind.
type DeductOutcome struct {
	Split              Split
	BonusRemaining     int64
	PurchasedRemaining int64
}

// Remaining returns the total balance after the deduction.
func (o DeductOutcome) Remaining() int64 {
	return o.BonusRemaining + o.PurchasedRemaining
}

// LockGrant is a successful durable-lock acquisition.
type LockGrant struct {
	Epoch     int64
	Reclaimed bool          // a stale lock was displaced
	StaleAge  time.Duration // age of the displaced lock, if any
}

// LockStats is the operator-facing lock read model.
type LockStats struct {
	Active int
	Stale  int
	Oldest time.Duration
	// Ages maps account → lock age for every held lock.
	Ages map[string]time.Duration
}
