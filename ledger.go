package creditgate

import (
	"context"
	"time"
)

// CreditLedger gates requests on a two-bucket balance: an expiring
// bonus bucket consumed first, and a non-expiring purchased bucket.
// All atomicity lives in the AccountStore; the ledger adds the
// advisory warning derivation and the grant policy.
type CreditLedger struct {
	store AccountStore
	now   func() time.Time
}

// DeductResult is the caller-facing outcome of a deduction.
type DeductResult struct {
	Split     Split
	Remaining int64
	Warning   Warning
}

// NewCreditLedger creates a ledger over the given store.
func NewCreditLedger(store AccountStore, opts ...LedgerOption) *CreditLedger {
	l := &CreditLedger{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LedgerOption configures a CreditLedger.
type LedgerOption func(*CreditLedger)

// WithLedgerClock overrides the ledger's time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *CreditLedger) { l.now = now }
}

// Deduct atomically checks and draws amount from the account,
// bonus bucket first. The returned split is what Refund needs to
// restore the exact pre-deduction bucket values.
func (l *CreditLedger) Deduct(ctx context.Context, accountID string, amount int64) (DeductResult, error) {
	out, err := l.store.Deduct(ctx, accountID, amount, l.now())
	if err != nil {
		return DeductResult{}, err
	}
	return DeductResult{
		Split:     out.Split,
		Remaining: out.Remaining(),
		Warning:   warningFor(out.Remaining()),
	}, nil
}

// Refund restores a previous deduction's split.
func (l *CreditLedger) Refund(ctx context.Context, accountID string, split Split) error {
	if split.Total() == 0 {
		return nil
	}
	return l.store.Refund(ctx, accountID, split)
}

// GrantBonus adds an expiring bonus allotment (the daily grant).
func (l *CreditLedger) GrantBonus(ctx context.Context, accountID string, amount int64, ttl time.Duration) error {
	now := l.now()
	return l.store.Grant(ctx, accountID, amount, now.Add(ttl), 0, now)
}

// GrantPurchased adds non-expiring purchased credits.
func (l *CreditLedger) GrantPurchased(ctx context.Context, accountID string, amount int64) error {
	return l.store.Grant(ctx, accountID, 0, time.Time{}, amount, l.now())
}

// Balance reads both buckets, with an expired bonus reported as zero.
func (l *CreditLedger) Balance(ctx context.Context, accountID string) (bonus, purchased int64, err error) {
	return l.store.Balance(ctx, accountID, l.now())
}
