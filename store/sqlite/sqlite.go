// Package sqlite provides a SQLite-backed AccountStore for single-node
// deployments that want durability without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veyra/creditgate"
)

// Store is a SQLite-backed AccountStore.
type Store struct {
	db *sql.DB
}

var _ creditgate.AccountStore = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema.
// WAL mode keeps readers from blocking the single writer.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: open: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn under concurrent use.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			account_id       TEXT PRIMARY KEY,
			bonus            INTEGER NOT NULL DEFAULT 0,
			bonus_expiry     INTEGER NOT NULL DEFAULT 0,
			purchased        INTEGER NOT NULL DEFAULT 0,
			lock_since       INTEGER NOT NULL DEFAULT 0,
			lock_epoch       INTEGER NOT NULL DEFAULT 0,
			last_action_at   INTEGER NOT NULL DEFAULT 0,
			last_action_cost INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: ensure schema: %w", err)
	}
	return nil
}

type row struct {
	bonus       int64
	bonusExpiry int64
	purchased   int64
	lockSince   int64
	lockEpoch   int64
}

func (s *Store) loadRow(ctx context.Context, tx *sql.Tx, accountID string) (row, bool, error) {
	var r row
	err := tx.QueryRowContext(ctx,
		`SELECT bonus, bonus_expiry, purchased, lock_since, lock_epoch
		 FROM accounts WHERE account_id = ?`, accountID,
	).Scan(&r.bonus, &r.bonusExpiry, &r.purchased, &r.lockSince, &r.lockEpoch)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, err
	}
	return r, true, nil
}

func (s *Store) ensureRow(ctx context.Context, tx *sql.Tx, accountID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (account_id) VALUES (?) ON CONFLICT (account_id) DO NOTHING`,
		accountID)
	return err
}

// Deduct draws amount bonus-first inside a transaction, clearing an
// expired bonus bucket along the way.
func (s *Store) Deduct(ctx context.Context, accountID string, amount int64, now time.Time) (creditgate.DeductOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/sqlite: deduct: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRow(ctx, tx, accountID); err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/sqlite: deduct: %w", err)
	}
	r, _, err := s.loadRow(ctx, tx, accountID)
	if err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/sqlite: deduct: %w", err)
	}

	bonus, expiry := r.bonus, r.bonusExpiry
	if bonus > 0 && expiry > 0 && now.Unix() > expiry {
		bonus, expiry = 0, 0
	}

	if bonus+r.purchased < amount {
		// Persist the lazy expiry even when the deduction fails.
		if bonus != r.bonus {
			if _, err := tx.ExecContext(ctx,
				`UPDATE accounts SET bonus = 0, bonus_expiry = 0 WHERE account_id = ?`,
				accountID); err != nil {
				return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/sqlite: deduct: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/sqlite: deduct: %w", err)
			}
		}
		return creditgate.DeductOutcome{}, creditgate.ErrInsufficientCredit
	}

	fromBonus := min(amount, bonus)
	fromPurchased := amount - fromBonus

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts
		 SET bonus = ?, bonus_expiry = ?, purchased = ?, last_action_at = ?, last_action_cost = ?
		 WHERE account_id = ?`,
		bonus-fromBonus, expiry, r.purchased-fromPurchased, now.Unix(), amount, accountID)
	if err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/sqlite: deduct: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return creditgate.DeductOutcome{}, fmt.Errorf("creditgate/sqlite: deduct: %w", err)
	}

	return creditgate.DeductOutcome{
		Split:              creditgate.Split{Bonus: fromBonus, Purchased: fromPurchased},
		BonusRemaining:     bonus - fromBonus,
		PurchasedRemaining: r.purchased - fromPurchased,
	}, nil
}

// Refund restores the split.
func (s *Store) Refund(ctx context.Context, accountID string, split creditgate.Split) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET bonus = bonus + ?, purchased = purchased + ? WHERE account_id = ?`,
		split.Bonus, split.Purchased, accountID)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: refund: %w", err)
	}
	if n == 0 {
		return creditgate.ErrAccountNotFound
	}
	return nil
}

// Grant tops up the buckets after clearing an expired bonus balance.
func (s *Store) Grant(ctx context.Context, accountID string, bonus int64, bonusExpiry time.Time, purchased int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: grant: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRow(ctx, tx, accountID); err != nil {
		return fmt.Errorf("creditgate/sqlite: grant: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET bonus = 0, bonus_expiry = 0
		 WHERE account_id = ? AND bonus > 0 AND bonus_expiry > 0 AND bonus_expiry < ?`,
		accountID, now.Unix())
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: grant: %w", err)
	}

	if bonus > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET bonus = bonus + ?, bonus_expiry = ? WHERE account_id = ?`,
			bonus, bonusExpiry.Unix(), accountID)
		if err != nil {
			return fmt.Errorf("creditgate/sqlite: grant: %w", err)
		}
	}
	if purchased > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET purchased = purchased + ? WHERE account_id = ?`,
			purchased, accountID)
		if err != nil {
			return fmt.Errorf("creditgate/sqlite: grant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("creditgate/sqlite: grant: %w", err)
	}
	return nil
}

// Balance reads both buckets with a read-only lazy expiry check.
func (s *Store) Balance(ctx context.Context, accountID string, now time.Time) (int64, int64, error) {
	var bonus, expiry, purchased int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bonus, bonus_expiry, purchased FROM accounts WHERE account_id = ?`,
		accountID,
	).Scan(&bonus, &expiry, &purchased)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("creditgate/sqlite: balance: %w", err)
	}
	if bonus > 0 && expiry > 0 && now.Unix() > expiry {
		bonus = 0
	}
	return bonus, purchased, nil
}

// AcquireLock takes the durable lock, displacing a stale one.
func (s *Store) AcquireLock(ctx context.Context, accountID string, now time.Time, timeout time.Duration) (creditgate.LockGrant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/sqlite: acquire: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRow(ctx, tx, accountID); err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/sqlite: acquire: %w", err)
	}
	r, _, err := s.loadRow(ctx, tx, accountID)
	if err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/sqlite: acquire: %w", err)
	}

	grant := creditgate.LockGrant{}
	if r.lockSince > 0 {
		age := time.Duration(now.Unix()-r.lockSince) * time.Second
		if age < timeout {
			return creditgate.LockGrant{}, creditgate.ErrLockHeld
		}
		grant.Reclaimed = true
		grant.StaleAge = age
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE accounts SET lock_since = ?, lock_epoch = lock_epoch + 1
		 WHERE account_id = ? RETURNING lock_epoch`,
		now.Unix(), accountID,
	).Scan(&grant.Epoch)
	if err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/sqlite: acquire: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return creditgate.LockGrant{}, fmt.Errorf("creditgate/sqlite: acquire: %w", err)
	}
	return grant, nil
}

// ReleaseLock clears the lock when the epoch matches.
func (s *Store) ReleaseLock(ctx context.Context, accountID string, epoch int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET lock_since = 0
		 WHERE account_id = ? AND lock_epoch = ? AND lock_since > 0`,
		accountID, epoch)
	if err != nil {
		return false, fmt.Errorf("creditgate/sqlite: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creditgate/sqlite: release: %w", err)
	}
	return n > 0, nil
}

// SweepLocks reclaims every stale lock in a single statement.
func (s *Store) SweepLocks(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	cutoff := now.Add(-timeout).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET lock_since = 0 WHERE lock_since > 0 AND lock_since <= ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("creditgate/sqlite: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("creditgate/sqlite: sweep: %w", err)
	}
	return int(n), nil
}

// LockStats reports currently held locks.
func (s *Store) LockStats(ctx context.Context, now time.Time, timeout time.Duration) (creditgate.LockStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, lock_since FROM accounts WHERE lock_since > 0`)
	if err != nil {
		return creditgate.LockStats{}, fmt.Errorf("creditgate/sqlite: lock stats: %w", err)
	}
	defer rows.Close()

	stats := creditgate.LockStats{Ages: make(map[string]time.Duration)}
	for rows.Next() {
		var id string
		var since int64
		if err := rows.Scan(&id, &since); err != nil {
			return creditgate.LockStats{}, fmt.Errorf("creditgate/sqlite: lock stats: %w", err)
		}
		age := time.Duration(now.Unix()-since) * time.Second
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
	if err := rows.Err(); err != nil {
		return creditgate.LockStats{}, fmt.Errorf("creditgate/sqlite: lock stats: %w", err)
	}
	return stats, nil
}
