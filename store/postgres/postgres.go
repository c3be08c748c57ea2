// Package postgres provides a PostgreSQL-backed AccountStore.
//
// Balances and the processing lock live on one account row; every
// mutation runs in a transaction with a row lock (SELECT ... FOR
// UPDATE), which is the per-account critical section the rest of the
// system relies on. Safe for multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veyra/creditgate"
)

// Store is a PostgreSQL-backed AccountStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ creditgate.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed AccountStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "accounts" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			account_id TEXT PRIMARY KEY,
			bonus BIGINT NOT NULL DEFAULT 0,
			bonus_expiry TIMESTAMPTZ,
			purchased BIGINT NOT NULL DEFAULT 0,
			lock_since TIMESTAMPTZ,
			lock_epoch BIGINT NOT NULL DEFAULT 0,
			last_action_at TIMESTAMPTZ,
			last_action_cost BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS %s_lock_since_idx ON %s (lock_since) WHERE lock_since IS NOT NULL;
	`, s.table(), s.table(), s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("creditgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// ensureRow upserts an empty account row so the FOR UPDATE path always
// has something to lock. Accounts are created on first contact.
func (s *Store) ensureRow(ctx context.Context, tx pgx.Tx, accountID string) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id) VALUES ($1) ON CONFLICT DO NOTHING`, s.table()),
		accountID,
	)
	return err
}

type row struct {
	bonus       int64
	bonusExpiry *time.Time
	purchased   int64
	lockSince   *time.Time
	lockEpoch   int64
}

func (s *Store) lockRow(ctx context.Context, tx pgx.Tx, accountID string) (row, error) {
	var r row
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT bonus, bonus_expiry, purchased, lock_since, lock_epoch
			FROM %s WHERE account_id = $1 FOR UPDATE`, s.table()),
		accountID,
	).Scan(&r.bonus, &r.bonusExpiry, &r.purchased, &r.lockSince, &r.lockEpoch)
	return r, err
}

// Deduct lazily clears an expired bonus bucket, then draws bonus-first,
// all under one row lock.
func (s *Store) Deduct(ctx context.Context, accountID string, amount int64, now time.Time) (creditgate.DeductOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureRow(ctx, tx, accountID); err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/postgres: ensure row: %w", err)
	}
	r, err := s.lockRow(ctx, tx, accountID)
	if err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/postgres: lock row: %w", err)
	}

	bonus := r.bonus
	expiry := r.bonusExpiry
	if bonus > 0 && expiry != nil && now.After(*expiry) {
		bonus = 0
		expiry = nil
	}

	if bonus+r.purchased < amount {
		// Persist the lazy clear even when the deduction fails.
		if bonus != r.bonus {
			_, err = tx.Exec(ctx,
				fmt.Sprintf(`UPDATE %s SET bonus = 0, bonus_expiry = NULL WHERE account_id = $1`, s.table()),
				accountID,
			)
			if err != nil {
				return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/postgres: clear expired bonus: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
			}
		}
		return creditgate.DeductOutcome{}, creditgate.ErrInsufficientCredit
	}

	fromBonus := amount
	if bonus < fromBonus {
		fromBonus = bonus
	}
	fromPurchased := amount - fromBonus

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET bonus = $2, bonus_expiry = $3, purchased = $4,
			last_action_at = $5, last_action_cost = $6 WHERE account_id = $1`, s.table()),
		accountID, bonus-fromBonus, expiry, r.purchased-fromPurchased, now, amount,
	)
	if err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/postgres: deduct: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}

	return creditgate.DeductOutcome{
		Split:              creditgate.Split{Bonus: fromBonus, Purchased: fromPurchased},
		BonusRemaining:     bonus - fromBonus,
		PurchasedRemaining: r.purchased - fromPurchased,
	}, nil
}

// Refund restores the split with a single atomic UPDATE.
func (s *Store) Refund(ctx context.Context, accountID string, split creditgate.Split) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET bonus = bonus + $2, purchased = purchased + $3 WHERE account_id = $1`, s.table()),
		accountID, split.Bonus, split.Purchased,
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return creditgate.ErrAccountNotFound
	}
	return nil
}

// Grant tops up the buckets, clearing an expired bonus balance first.
func (s *Store) Grant(ctx context.Context, accountID string, bonus int64, bonusExpiry time.Time, purchased int64, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureRow(ctx, tx, accountID); err != nil {
		return fmt.Errorf("creditgate/postgres: ensure row: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET bonus = 0, bonus_expiry = NULL
			WHERE account_id = $1 AND bonus_expiry IS NOT NULL AND bonus_expiry <= $2`, s.table()),
		accountID, now,
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: clear expired bonus: %w", err)
	}

	if bonus > 0 {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET bonus = bonus + $2, bonus_expiry = $3 WHERE account_id = $1`, s.table()),
			accountID, bonus, bonusExpiry,
		)
		if err != nil {
			return fmt.Errorf("creditgate/postgres: grant bonus: %w", err)
		}
	}
	if purchased > 0 {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET purchased = purchased + $2 WHERE account_id = $1`, s.table()),
			accountID, purchased,
		)
		if err != nil {
			return fmt.Errorf("creditgate/postgres: grant purchased: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return nil
}

// Balance reads both buckets, treating an expired bonus as zero
// (read-only lazy check; the next Deduct persists the clear).
func (s *Store) Balance(ctx context.Context, accountID string, now time.Time) (int64, int64, error) {
	var bonus, purchased int64
	var expiry *time.Time
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT bonus, bonus_expiry, purchased FROM %s WHERE account_id = $1`, s.table()),
		accountID,
	).Scan(&bonus, &expiry, &purchased)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("creditgate/postgres: balance: %w", err)
	}
	if expiry != nil && now.After(*expiry) {
		bonus = 0
	}
	return bonus, purchased, nil
}

// AcquireLock takes the durable lock under a row lock, displacing a
// stale one and bumping the epoch.
func (s *Store) AcquireLock(ctx context.Context, accountID string, now time.Time, timeout time.Duration) (creditgate.LockGrant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureRow(ctx, tx, accountID); err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/postgres: ensure row: %w", err)
	}
	r, err := s.lockRow(ctx, tx, accountID)
	if err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/postgres: lock row: %w", err)
	}

	grant := creditgate.LockGrant{}
	if r.lockSince != nil {
		age := now.Sub(*r.lockSince)
		if age < timeout {
			return creditgate.LockGrant{}, creditgate.ErrLockHeld
		}
		grant.Reclaimed = true
		grant.StaleAge = age
	}

	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET lock_since = $2, lock_epoch = lock_epoch + 1
			WHERE account_id = $1 RETURNING lock_epoch`, s.table()),
		accountID, now,
	).Scan(&grant.Epoch)
	if err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/postgres: acquire: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return grant, nil
}

// ReleaseLock clears the lock only when the epoch still matches, so a
// slow request's late release cannot break a newer holder.
func (s *Store) ReleaseLock(ctx context.Context, accountID string, epoch int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET lock_since = NULL
			WHERE account_id = $1 AND lock_epoch = $2 AND lock_since IS NOT NULL`, s.table()),
		accountID, epoch,
	)
	if err != nil {
		return false, fmt.Errorf("creditgate/postgres: release: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SweepLocks reclaims every lock older than timeout in one statement.
func (s *Store) SweepLocks(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	cutoff := now.Add(-timeout)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET lock_since = NULL
			WHERE lock_since IS NOT NULL AND lock_since <= $1`, s.table()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LockStats reports every held lock with its age.
func (s *Store) LockStats(ctx context.Context, now time.Time, timeout time.Duration) (creditgate.LockStats, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT account_id, lock_since FROM %s WHERE lock_since IS NOT NULL`, s.table()),
	)
	if err != nil {
		return creditgate.LockStats{}, fmt.Errorf("creditgate/postgres: lock stats: %w", err)
	}
	defer rows.Close()

	stats := creditgate.LockStats{Ages: make(map[string]time.Duration)}
	for rows.Next() {
		var id string
		var since time.Time
		if err := rows.Scan(&id, &since); err != nil {
			return creditgate.LockStats{}, fmt.Errorf("creditgate/postgres: lock stats scan: %w", err)
		}
		age := now.Sub(since)
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
	return stats, rows.Err()
}
