package creditgate

import "time"

// Meter observes gate events for monitoring/logging. Components never
// log directly; they emit typed events here.
type Meter interface {
	// OnRequest is called once a request has passed the lock and the
	// ledger, immediately before generation starts.
	OnRequest(event RequestEvent)

	// OnResult is called when a request finishes, in every outcome.
	OnResult(event ResultEvent)

	// OnLock is called for lock lifecycle events.
	OnLock(event LockEvent)

	// OnSweep is called when a sweep reclaims stale locks.
	OnSweep(event SweepEvent)
}

// RequestEvent describes an admitted request.
type RequestEvent struct {
	Account    string
	Variant    string
	Cost       int64
	Reflection bool
}

// ResultEvent describes the outcome of a processed request.
type ResultEvent struct {
	Account    string
	Variant    string
	Outcome    CreditOutcome
	Refused    bool
	Exhausted  bool
	Confidence float64
	Attempts   int
	Units      int
	Duration   time.Duration
	Err        error
}

// LockEventKind classifies a lock lifecycle event.
type LockEventKind string

const (
	LockAcquired  LockEventKind = "acquired"
	LockContended LockEventKind = "contended"
	LockReleased  LockEventKind = "released"
	LockReclaimed LockEventKind = "reclaimed"
	LockBypassed  LockEventKind = "bypassed"
)

// LockEvent describes one lock lifecycle event.
type LockEvent struct {
	Account string
	Kind    LockEventKind
	Age     time.Duration // age of the existing lock, for held/reclaimed
}

// SweepEvent describes one reclamation pass.
type SweepEvent struct {
	Reclaimed int
}

// NopMeter discards every event.
type NopMeter struct{}

func (NopMeter) OnRequest(RequestEvent) {}
func (NopMeter) OnResult(ResultEvent)   {}
func (NopMeter) OnLock(LockEvent)       {}
func (NopMeter) OnSweep(SweepEvent)     {}
