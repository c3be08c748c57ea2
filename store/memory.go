// Package store provides the in-memory AccountStore. It is the
// reference implementation for the durable-tier semantics and the
// store of choice for tests and single-process deployments.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/veyra/creditgate"
)

// MemoryStore is an in-memory AccountStore. All per-account atomicity
// is provided by one mutex; every operation is O(1) map work, so the
// critical section is never held across anything that can suspend.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*accountRow
}

type accountRow struct {
	bonus          int64
	bonusExpiry    time.Time // zero = no expiry set
	purchased      int64
	lockSince      time.Time // zero = unlocked
	lockEpoch      int64
	lastActionAt   time.Time
	lastActionCost int64
}

var _ creditgate.AccountStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*accountRow)}
}

func (s *MemoryStore) getOrCreate(accountID string) *accountRow {
	row, ok := s.accounts[accountID]
	if !ok {
		row = &accountRow{}
		s.accounts[accountID] = row
	}
	return row
}

// expireBonus lazily zeroes an expired bonus bucket.
func (row *accountRow) expireBonus(now time.Time) {
	if row.bonus > 0 && !row.bonusExpiry.IsZero() && now.After(row.bonusExpiry) {
		row.bonus = 0
		row.bonusExpiry = time.Time{}
	}
}

// Deduct draws amount bonus-first after the lazy expiry check. The
// check and the mutation are a single critical section; a racing
// Deduct observes the post-deduction balance.
func (s *MemoryStore) Deduct(_ context.Context, accountID string, amount int64, now time.Time) (creditgate.DeductOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.getOrCreate(accountID)
	row.expireBonus(now)

	if row.bonus+row.purchased < amount {
		return creditgate.DeductOutcome{}, creditgate.ErrInsufficientCredit
	}

	fromBonus := min(amount, row.bonus)
	fromPurchased := amount - fromBonus
	row.bonus -= fromBonus
	row.purchased -= fromPurchased
	row.lastActionAt = now
	row.lastActionCost = amount

	return creditgate.DeductOutcome{
		Split:              creditgate.Split{Bonus: fromBonus, Purchased: fromPurchased},
		BonusRemaining:     row.bonus,
		PurchasedRemaining: row.purchased,
	}, nil
}

// Refund restores the split to its two buckets.
func (s *MemoryStore) Refund(_ context.Context, accountID string, split creditgate.Split) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.accounts[accountID]
	if !ok {
		return creditgate.ErrAccountNotFound
	}
	row.bonus += split.Bonus
	row.purchased += split.Purchased
	return nil
}

// Grant tops up the buckets. An expired bonus balance is cleared
// before the new grant lands, so stale credit never rides along.
func (s *MemoryStore) Grant(_ context.Context, accountID string, bonus int64, bonusExpiry time.Time, purchased int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.getOrCreate(accountID)
	row.expireBonus(now)
	if bonus > 0 {
		row.bonus += bonus
		row.bonusExpiry = bonusExpiry
	}
	row.purchased += purchased
	return nil
}

// Balance reads both buckets with an expired bonus reported (and
// cleared) as zero.
func (s *MemoryStore) Balance(_ context.Context, accountID string, now time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.accounts[accountID]
	if !ok {
		return 0, 0, nil
	}
	row.expireBonus(now)
	return row.bonus, row.purchased, nil
}

// AcquireLock takes the durable lock, displacing a stale one.
func (s *MemoryStore) AcquireLock(_ context.Context, accountID string, now time.Time, timeout time.Duration) (creditgate.LockGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.getOrCreate(accountID)
	grant := creditgate.LockGrant{}

	if !row.lockSince.IsZero() {
		age := now.Sub(row.lockSince)
		if age < timeout {
			return creditgate.LockGrant{}, creditgate.ErrLockHeld
		}
		grant.Reclaimed = true
		grant.StaleAge = age
	}

	row.lockSince = now
	row.lockEpoch++
	grant.Epoch = row.lockEpoch
	return grant, nil
}

// ReleaseLock clears the lock when the epoch still matches.
func (s *MemoryStore) ReleaseLock(_ context.Context, accountID string, epoch int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.accounts[accountID]
	if !ok || row.lockSince.IsZero() || row.lockEpoch != epoch {
		return false, nil
	}
	row.lockSince = time.Time{}
	return true, nil
}

// SweepLocks reclaims every lock older than timeout.
func (s *MemoryStore) SweepLocks(_ context.Context, now time.Time, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, row := range s.accounts {
		if !row.lockSince.IsZero() && now.Sub(row.lockSince) >= timeout {
			row.lockSince = time.Time{}
			n++
		}
	}
	return n, nil
}

// LockStats reports the current lock population.
func (s *MemoryStore) LockStats(_ context.Context, now time.Time, timeout time.Duration) (creditgate.LockStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := creditgate.LockStats{Ages: make(map[string]time.Duration)}
	for id, row := range s.accounts {
		if row.lockSince.IsZero() {
			continue
		}
		age := now.Sub(row.lockSince)
		stats.Ages[id] = age
		if age >= timeout {
			stats.Stale++
		} else {
			stats.Active++
		}
		if age > stats.Oldest {
			stats.Oldest = age
		}
	}
	return stats, nil
}
