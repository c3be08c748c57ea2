package creditgate

import (
	"context"
	"sync"
	"time"
)

// LockManager enforces at most one in-flight generation per account
// with two cooperating tiers: a process-local map for the fast path
// and the durable AccountStore lock as the source of truth. The local
// tier is a cache; it disappears on restart, which is why acquisition
// always goes through the durable tier too.
type LockManager struct {
	store   AccountStore
	timeout time.Duration
	sweep   time.Duration
	now     func() time.Time
	meter   Meter

	// bypass grants a reflection-tagged acquire immediately while the
	// same account's own reflection is in flight. Wired by the Gate.
	bypass func(accountID string) bool

	mu    sync.Mutex
	local map[string]localLock
}

type localLock struct {
	since time.Time
	epoch int64
}

// Grant is a successful acquisition. Bypassed grants do not own the
// lock and their Release is a no-op.
type Grant struct {
	Epoch    int64
	Bypassed bool
}

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockTimeout sets the staleness timeout (default 60s).
func WithLockTimeout(d time.Duration) LockOption {
	return func(m *LockManager) { m.timeout = d }
}

// WithSweepInterval sets the background sweep cadence (default 30s).
func WithSweepInterval(d time.Duration) LockOption {
	return func(m *LockManager) { m.sweep = d }
}

// WithLockClock overrides the time source.
func WithLockClock(now func() time.Time) LockOption {
	return func(m *LockManager) { m.now = now }
}

// WithLockMeter sets the meter for lock events.
func WithLockMeter(meter Meter) LockOption {
	return func(m *LockManager) { m.meter = meter }
}

// WithBypass sets the reflection-bypass predicate.
func WithBypass(fn func(accountID string) bool) LockOption {
	return func(m *LockManager) { m.bypass = fn }
}

// NewLockManager creates a LockManager over the given store.
func NewLockManager(store AccountStore, opts ...LockOption) *LockManager {
	m := &LockManager{
		store:   store,
		timeout: 60 * time.Second,
		sweep:   30 * time.Second,
		now:     time.Now,
		meter:   NopMeter{},
		local:   make(map[string]localLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire takes the per-account lock on both tiers. reflection marks
// the request as reflection-tagged; if the account's own reflection is
// in flight the acquire is granted as a bypass without touching either
// tier. A live lock yields ErrLockHeld; a stale one is reclaimed and
// acquisition proceeds.
func (m *LockManager) TryAcquire(ctx context.Context, accountID string, reflection bool) (Grant, error) {
	now := m.now()

	if reflection && m.bypass != nil && m.bypass(accountID) {
		m.meter.OnLock(LockEvent{Account: accountID, Kind: LockBypassed})
		return Grant{Bypassed: true}, nil
	}

	// Fast path: a live local lock rejects without a store round-trip.
	// A stale local entry is dropped; the durable tier decides.
	m.mu.Lock()
	if ll, ok := m.local[accountID]; ok {
		age := now.Sub(ll.since)
		if age < m.timeout {
			m.mu.Unlock()
			m.meter.OnLock(LockEvent{Account: accountID, Kind: LockContended, Age: age})
			return Grant{}, ErrLockHeld
		}
		delete(m.local, accountID)
	}
	m.mu.Unlock()

	// Durable tier wins on disagreement, and covers restart amnesia:
	// it is consulted even when the local map holds no record.
	lg, err := m.store.AcquireLock(ctx, accountID, now, m.timeout)
	if err != nil {
		return Grant{}, err
	}
	if lg.Reclaimed {
		m.meter.OnLock(LockEvent{Account: accountID, Kind: LockReclaimed, Age: lg.StaleAge})
	}

	m.mu.Lock()
	m.local[accountID] = localLock{since: now, epoch: lg.Epoch}
	m.mu.Unlock()

	m.meter.OnLock(LockEvent{Account: accountID, Kind: LockAcquired})
	return Grant{Epoch: lg.Epoch}, nil
}

// Release drops the lock on both tiers. It is idempotent, and a grant
// whose epoch was displaced by a sweep-and-reacquire releases nothing:
// the late release of a slow request must not break the new holder.
func (m *LockManager) Release(ctx context.Context, accountID string, g Grant) error {
	if g.Bypassed {
		return nil
	}

	m.mu.Lock()
	if ll, ok := m.local[accountID]; ok && ll.epoch == g.Epoch {
		delete(m.local, accountID)
	}
	m.mu.Unlock()

	released, err := m.store.ReleaseLock(ctx, accountID, g.Epoch)
	if err != nil {
		return err
	}
	if released {
		m.meter.OnLock(LockEvent{Account: accountID, Kind: LockReleased})
	}
	return nil
}

// IsStale reports whether a lock acquired at since has outlived the
// timeout as of now.
func (m *LockManager) IsStale(since, now time.Time) bool {
	return now.Sub(since) >= m.timeout
}

// ForceSweep runs one reclamation pass over both tiers immediately and
// returns how many durable locks were reclaimed. This is the same logic
// the background sweeper runs.
func (m *LockManager) ForceSweep(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	for id, ll := range m.local {
		if now.Sub(ll.since) >= m.timeout {
			delete(m.local, id)
		}
	}
	m.mu.Unlock()

	n, err := m.store.SweepLocks(ctx, now, m.timeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.meter.OnSweep(SweepEvent{Reclaimed: n})
	}
	return n, nil
}

// RunSweeper reclaims stale locks on a fixed cadence until ctx is
// cancelled. It bounds worst-case staleness even for accounts that
// never see another request.
func (m *LockManager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.ForceSweep(ctx)
		}
	}
}

// Stats returns the durable-tier lock read model.
func (m *LockManager) Stats(ctx context.Context) (LockStats, error) {
	return m.store.LockStats(ctx, m.now(), m.timeout)
}
