package creditgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Gate mediates access to the generation backend: every request is
// gated behind the per-account lock and an atomic credit check, output
// is streamed through a coalescer, refusals drive the bounded
// reflection protocol, and every debit has a matching refund path.
type Gate struct {
	cfg        Config
	store      AccountStore
	backend    Generator
	transport  Transport
	ledger     *CreditLedger
	locks      *LockManager
	classifier *Classifier
	reflector  *Reflector
	meter      Meter
	now        func() time.Time

	startupSweep bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithMeter sets the meter.
func WithMeter(m Meter) GateOption {
	return func(g *Gate) { g.meter = m }
}

// WithClassifier replaces the default classifier.
func WithClassifier(c *Classifier) GateOption {
	return func(g *Gate) { g.classifier = c }
}

// WithClock overrides the time source for the gate and every component
// it constructs.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithStartupSweep makes NewGate run one lock reclamation pass before
// returning, clearing locks left behind by a previous process.
func WithStartupSweep() GateOption {
	return func(g *Gate) { g.startupSweep = true }
}

// NewGate creates a Gate over the given store, backend, and transport.
// Default components (classifier, reflector, lock manager, NopMeter)
// are built from cfg unless overridden via options.
func NewGate(cfg Config, store AccountStore, backend Generator, transport Transport, opts ...GateOption) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("creditgate: an account store is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("creditgate: a generation backend is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("creditgate: a delivery transport is required")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gate{
		cfg:       cfg,
		store:     store,
		backend:   backend,
		transport: transport,
		meter:     NopMeter{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if g.classifier == nil {
		g.classifier = NewClassifier(WithMinLongForm(cfg.MinLongForm))
	}
	g.ledger = NewCreditLedger(store, WithLedgerClock(g.now))
	g.reflector = NewReflector(
		WithMaxAttempts(cfg.MaxReflections),
		WithCooldown(cfg.ReflectionCooldown),
		WithReflectorClock(g.now),
	)
	g.locks = NewLockManager(store,
		WithLockTimeout(cfg.LockTimeout),
		WithSweepInterval(cfg.SweepInterval),
		WithLockClock(g.now),
		WithLockMeter(g.meter),
		WithBypass(g.reflector.InProgress),
	)

	if g.startupSweep {
		if _, err := g.locks.ForceSweep(context.Background()); err != nil {
			return nil, fmt.Errorf("creditgate: startup sweep: %w", err)
		}
	}

	return g, nil
}

// Ledger exposes the credit ledger for grant/balance operations.
func (g *Gate) Ledger() *CreditLedger { return g.ledger }

// Locks exposes the lock manager, chiefly for RunSweeper and
// ForceSweep.
func (g *Gate) Locks() *LockManager { return g.locks }

// Process runs one request end to end: acquire lock, deduct, generate
// with streamed delivery, classify, reflect within budget, finalize,
// release. The lock is released in every outcome; the deduction is
// refunded whenever no output reaches the caller.
func (g *Gate) Process(ctx context.Context, req Request) (Result, error) {
	variant, spec := g.cfg.variant(req.Variant)
	start := g.now()

	grant, err := g.locks.TryAcquire(ctx, req.Account, req.Reflection)
	if err != nil {
		return Result{}, &RequestError{Err: err, Account: req.Account, Variant: variant, Outcome: OutcomeNotCharged}
	}
	// Release and refund must still reach the store after the caller
	// gives up; a cancelled request is not a crashed process, so its
	// cleanup cannot be left to the sweeper.
	cleanup := context.WithoutCancel(ctx)
	defer func() { _ = g.locks.Release(cleanup, req.Account, grant) }()

	ded, err := g.ledger.Deduct(ctx, req.Account, spec.Cost)
	if err != nil {
		return Result{}, &RequestError{Err: err, Account: req.Account, Variant: variant, Outcome: OutcomeNotCharged}
	}

	g.meter.OnRequest(RequestEvent{
		Account:    req.Account,
		Variant:    variant,
		Cost:       spec.Cost,
		Reflection: req.Reflection,
	})

	co := NewCoalescer(g.transport, req.Channel,
		WithChunkSize(g.cfg.ChunkSize),
		WithEditInterval(g.cfg.EditInterval),
		WithCoalescerClock(g.now),
	)

	history := req.History
	if len(spec.Primer) > 0 {
		history = append(append([]Message{}, spec.Primer...), req.History...)
	}

	// reflecting tracks whether this request marked a reflection as in
	// progress. A bypassed reflection-tagged request never did; the flag
	// it rode in on belongs to the original request, which clears it.
	var (
		out        string
		verdict    Verdict
		attempts   int
		exhausted  bool
		reflecting bool
	)
	prompt := req.Text

	for {
		attempts++

		gctx, cancel := context.WithTimeout(ctx, spec.Timeout)
		out, err = g.backend.Generate(gctx, GenerationRequest{
			Variant:    variant,
			Prompt:     prompt,
			History:    history,
			Attachment: req.Attachment,
		}, func(cumulative string) {
			// Transport hiccups mid-stream are retried by the
			// coalescer itself; the final state is what Finalize
			// guarantees.
			_ = co.Feed(ctx, cumulative)
		})
		cancel()

		if err != nil {
			return g.fail(cleanup, req.Account, variant, ded.Split, start, attempts, co, reflecting, err)
		}

		verdict = g.classifier.Classify(out, spec.Mode, spec.RefusalThreshold)
		if !verdict.Refused {
			break
		}

		if !g.reflector.ShouldReflect(req.Account) {
			exhausted = true
			break
		}

		// Re-invoke generation with the evaluation directive while the
		// lock stays held open for this account.
		g.reflector.MarkStart(req.Account)
		reflecting = true
		prompt = BuildReflectionPrompt(req.Text)
	}

	if !verdict.Refused {
		g.reflector.ClearAttempts(req.Account)
	}
	if reflecting {
		g.reflector.MarkEnd(req.Account)
	}

	if err := co.Finalize(ctx, out); err != nil {
		outcome := OutcomeCharged
		if co.Units() == 0 {
			// Nothing reached the caller; restore the split.
			if rerr := g.ledger.Refund(cleanup, req.Account, ded.Split); rerr == nil {
				outcome = OutcomeRefunded
			}
		}
		g.meter.OnResult(ResultEvent{
			Account: req.Account, Variant: variant, Outcome: outcome,
			Attempts: attempts, Duration: g.now().Sub(start), Err: err,
		})
		return Result{}, &RequestError{Err: err, Account: req.Account, Variant: variant, Outcome: outcome}
	}

	var resultErr error
	if exhausted {
		resultErr = ErrRefusalExhausted
	}
	g.meter.OnResult(ResultEvent{
		Account:    req.Account,
		Variant:    variant,
		Outcome:    OutcomeCharged,
		Refused:    verdict.Refused,
		Exhausted:  exhausted,
		Confidence: verdict.Confidence,
		Attempts:   attempts,
		Units:      co.Units(),
		Duration:   g.now().Sub(start),
		Err:        resultErr,
	})

	return Result{
		Text:       out,
		Refused:    verdict.Refused,
		Exhausted:  exhausted,
		Attempts:   attempts,
		Confidence: verdict.Confidence,
		Outcome:    OutcomeCharged,
		Warning:    ded.Warning,
		Transaction: Transaction{
			ID:      uuid.New().String(),
			Account: req.Account,
			Variant: variant,
			Cost:    spec.Cost,
			Split:   ded.Split,
			Outcome: OutcomeCharged,
			At:      start,
		},
	}, nil
}

// fail handles a generation error: refund the split, clear reflection
// state, meter, and wrap. Timeouts map to ErrGenerationTimeout, all
// else to ErrGenerationFailed.
func (g *Gate) fail(ctx context.Context, account, variant string, split Split, start time.Time, attempts int, co *Coalescer, reflecting bool, cause error) (Result, error) {
	if reflecting {
		g.reflector.MarkEnd(account)
	}

	wrapped := fmt.Errorf("%w: %v", ErrGenerationFailed, cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		wrapped = ErrGenerationTimeout
	}

	outcome := OutcomeCharged
	if rerr := g.ledger.Refund(ctx, account, split); rerr == nil {
		outcome = OutcomeRefunded
	}

	g.meter.OnResult(ResultEvent{
		Account:  account,
		Variant:  variant,
		Outcome:  outcome,
		Attempts: attempts,
		Units:    co.Units(),
		Duration: g.now().Sub(start),
		Err:      wrapped,
	})

	return Result{}, &RequestError{Err: wrapped, Account: account, Variant: variant, Outcome: outcome}
}

// GateStats aggregates the operator-facing read models.
type GateStats struct {
	Locks       LockStats
	Reflections ReflectionStats
}

// Stats reports current lock and reflection state for monitoring.
func (g *Gate) Stats(ctx context.Context) (GateStats, error) {
	ls, err := g.locks.Stats(ctx)
	if err != nil {
		return GateStats{}, err
	}
	return GateStats{Locks: ls, Reflections: g.reflector.Stats()}, nil
}
