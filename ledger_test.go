package creditgate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/creditgate"
	"github.com/veyra/creditgate/store"
)

func newLedger(t *testing.T) (*creditgate.CreditLedger, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return creditgate.NewCreditLedger(store.NewMemoryStore(), creditgate.WithLedgerClock(clock.Now)), clock
}

func TestLedgerBonusDrawnFirst(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantBonus(ctx, "acct", 5, 48*time.Hour))
	require.NoError(t, ledger.GrantPurchased(ctx, "acct", 10))

	res, err := ledger.Deduct(ctx, "acct", 3)
	require.NoError(t, err)
	assert.Equal(t, creditgate.Split{Bonus: 3, Purchased: 0}, res.Split)
	assert.Equal(t, int64(12), res.Remaining)
}

func TestLedgerSplitSpansBuckets(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantBonus(ctx, "acct", 2, 48*time.Hour))
	require.NoError(t, ledger.GrantPurchased(ctx, "acct", 10))

	res, err := ledger.Deduct(ctx, "acct", 5)
	require.NoError(t, err)
	assert.Equal(t, creditgate.Split{Bonus: 2, Purchased: 3}, res.Split)
	assert.Equal(t, int64(7), res.Remaining)
}

func TestLedgerInsufficientLeavesBalanceUntouched(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantBonus(ctx, "acct", 2, 48*time.Hour))

	_, err := ledger.Deduct(ctx, "acct", 3)
	require.ErrorIs(t, err, creditgate.ErrInsufficientCredit)

	bonus, purchased, err := ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bonus)
	assert.Equal(t, int64(0), purchased)
}

func TestLedgerExpiredBonusIsInvisible(t *testing.T) {
	ledger, clock := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantBonus(ctx, "acct", 25, 48*time.Hour))
	require.NoError(t, ledger.GrantPurchased(ctx, "acct", 4))

	clock.Advance(49 * time.Hour)

	bonus, purchased, err := ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bonus)
	assert.Equal(t, int64(4), purchased)

	// Deduction draws entirely from purchased once the bonus expired.
	res, err := ledger.Deduct(ctx, "acct", 3)
	require.NoError(t, err)
	assert.Equal(t, creditgate.Split{Bonus: 0, Purchased: 3}, res.Split)
	assert.Equal(t, int64(1), res.Remaining)
}

func TestLedgerExpiredBonusFailsLargeDeduct(t *testing.T) {
	ledger, clock := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantBonus(ctx, "acct", 25, 48*time.Hour))
	require.NoError(t, ledger.GrantPurchased(ctx, "acct", 2))

	clock.Advance(72 * time.Hour)

	_, err := ledger.Deduct(ctx, "acct", 3)
	assert.ErrorIs(t, err, creditgate.ErrInsufficientCredit)
}

func TestLedgerGrantClearsExpiredBonusFirst(t *testing.T) {
	ledger, clock := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantBonus(ctx, "acct", 10, 48*time.Hour))
	clock.Advance(49 * time.Hour)
	require.NoError(t, ledger.GrantBonus(ctx, "acct", 25, 48*time.Hour))

	// The stale 10 must not stack onto the fresh 25.
	bonus, _, err := ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(25), bonus)
}

func TestLedgerRefundRestoresSplit(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantBonus(ctx, "acct", 2, 48*time.Hour))
	require.NoError(t, ledger.GrantPurchased(ctx, "acct", 5))

	res, err := ledger.Deduct(ctx, "acct", 4)
	require.NoError(t, err)

	require.NoError(t, ledger.Refund(ctx, "acct", res.Split))

	bonus, purchased, err := ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bonus)
	assert.Equal(t, int64(5), purchased)
}

func TestLedgerRefundZeroSplitIsNoop(t *testing.T) {
	ledger, _ := newLedger(t)
	assert.NoError(t, ledger.Refund(context.Background(), "missing", creditgate.Split{}))
}

func TestLedgerRefundUnknownAccount(t *testing.T) {
	ledger, _ := newLedger(t)
	err := ledger.Refund(context.Background(), "missing", creditgate.Split{Bonus: 1})
	assert.ErrorIs(t, err, creditgate.ErrAccountNotFound)
}

func TestLedgerWarningThresholds(t *testing.T) {
	cases := []struct {
		name   string
		start  int64
		deduct int64
		want   creditgate.Warning
	}{
		{"plenty", 100, 1, creditgate.WarnNone},
		{"at twenty", 21, 1, creditgate.WarnLow20},
		{"at ten", 11, 1, creditgate.WarnLow10},
		{"at five", 6, 1, creditgate.WarnLow5},
		{"drained", 1, 1, creditgate.WarnEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger, _ := newLedger(t)
			ctx := context.Background()
			require.NoError(t, ledger.GrantPurchased(ctx, "acct", tc.start))

			res, err := ledger.Deduct(ctx, "acct", tc.deduct)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Warning)
		})
	}
}

func TestLedgerConcurrentDeductsNeverOversell(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.GrantPurchased(ctx, "acct", 10))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Deduct(ctx, "acct", 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	bonus, purchased, err := ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, bonus+purchased)
}
