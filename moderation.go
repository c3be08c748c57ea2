package creditgate

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Classifier scores generated output against weighted refusal
// indicators. The weights and the exclude list are data, not code:
// callers tune them through options, and the per-variant threshold
// decides the boolean outcome.
type Classifier struct {
	indicators  map[string]float64
	excludes    []string
	minLongForm int
}

// Verdict is the outcome of one classification.
type Verdict struct {
	Refused    bool
	Confidence float64
	Indicator  string // strongest matched indicator, empty when none
}

// DefaultIndicators returns the stock refusal-indicator weights.
func DefaultIndicators() map[string]float64 {
	return map[string]float64{
		// High confidence.
		"i cannot":                 0.95,
		"i can't":                  0.95,
		"i'm unable to":            0.95,
		"i won't":                  0.90,
		"against my guidelines":    0.98,
		"not appropriate":          0.85,
		"i must decline":           0.95,
		"i don't feel comfortable": 0.90,

		// Medium confidence.
		"i should not":       0.75,
		"not able to":        0.70,
		"cannot assist with": 0.80,
		"unable to provide":  0.75,

		// Low confidence, below every default threshold on their own.
		"i understand": 0.45,
		"however":      0.40,
	}
}

// DefaultExcludes returns phrases that mark legitimate meta-discussion
// and force the confidence to zero.
func DefaultExcludes() []string {
	return []string{
		"discussing formatting",
		"about the protocol",
		"explaining the system",
		"meta-discussion",
		"in the context of",
		"hypothetically",
		"in fiction",
		"the character cannot",
	}
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithIndicators replaces the indicator weight table.
func WithIndicators(indicators map[string]float64) ClassifierOption {
	return func(c *Classifier) { c.indicators = indicators }
}

// WithExcludes replaces the exclude-pattern list.
func WithExcludes(excludes []string) ClassifierOption {
	return func(c *Classifier) { c.excludes = excludes }
}

// WithMinLongForm sets the minimum acceptable long-form length.
func WithMinLongForm(n int) ClassifierOption {
	return func(c *Classifier) { c.minLongForm = n }
}

// NewClassifier creates a Classifier with the default tables unless
// overridden.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		indicators:  DefaultIndicators(),
		excludes:    DefaultExcludes(),
		minLongForm: 500,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify scores output and applies the given threshold. In long-form
// mode an output shorter than the minimum is refused outright, pattern
// matches or not: terse output in that mode is itself evidence of
// evasion. Exclude patterns win over everything and force confidence 0.
func (c *Classifier) Classify(output string, mode DeliveryMode, threshold float64) Verdict {
	lower := strings.ToLower(output)

	for _, ex := range c.excludes {
		if strings.Contains(lower, ex) {
			return Verdict{}
		}
	}

	if mode == ModeLongForm && len(output) < c.minLongForm {
		return Verdict{Refused: true, Confidence: 1.0, Indicator: "short_longform"}
	}

	var top float64
	var topIndicator string
	for pattern, weight := range c.indicators {
		if strings.Contains(lower, pattern) && weight > top {
			top = weight
			topIndicator = pattern
		}
	}

	return Verdict{
		Refused:    top >= threshold,
		Confidence: top,
		Indicator:  topIndicator,
	}
}

// Reflector drives the bounded retry protocol for refused outputs. It
// keeps a sliding window of attempt timestamps per account plus an
// explicit in-progress flag used for the lock-bypass decision. All of
// it is process-local optimization state, never persisted.
type Reflector struct {
	mu         sync.Mutex
	attempts   map[string][]time.Time
	inProgress map[string]bool
	max        int
	cooldown   time.Duration
	now        func() time.Time
}

// ReflectorOption configures a Reflector.
type ReflectorOption func(*Reflector)

// WithMaxAttempts sets the per-window attempt cap (default 2).
func WithMaxAttempts(n int) ReflectorOption {
	return func(r *Reflector) { r.max = n }
}

// WithCooldown sets the sliding attempt window (default 5m).
func WithCooldown(d time.Duration) ReflectorOption {
	return func(r *Reflector) { r.cooldown = d }
}

// WithReflectorClock overrides the time source.
func WithReflectorClock(now func() time.Time) ReflectorOption {
	return func(r *Reflector) { r.now = now }
}

// NewReflector creates a Reflector.
func NewReflector(opts ...ReflectorOption) *Reflector {
	r := &Reflector{
		attempts:   make(map[string][]time.Time),
		inProgress: make(map[string]bool),
		max:        2,
		cooldown:   5 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ShouldReflect prunes attempts outside the cooldown window, denies
// once the pruned count reaches the cap, and records the new attempt
// when it grants. This is the loop-prevention invariant: no account
// receives more than max reflections within one window.
func (r *Reflector) ShouldReflect(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.cooldown)

	kept := r.attempts[accountID][:0]
	for _, t := range r.attempts[accountID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.attempts[accountID] = kept

	if len(kept) >= r.max {
		return false
	}

	r.attempts[accountID] = append(kept, now)
	return true
}

// MarkStart sets the in-progress flag for the account.
func (r *Reflector) MarkStart(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress[accountID] = true
}

// MarkEnd clears the in-progress flag.
func (r *Reflector) MarkEnd(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inProgress, accountID)
}

// InProgress reports whether the account's own reflection is in flight.
// The lock-bypass decision is scoped to exactly this.
func (r *Reflector) InProgress(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress[accountID]
}

// ClearAttempts wipes the account's attempt history. Called after any
// accepted (non-refused) response.
func (r *Reflector) ClearAttempts(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, accountID)
}

// ReflectionStats is the operator-facing reflection read model.
type ReflectionStats struct {
	AccountsInWindow int
	TotalAttempts    int
	Attempts         map[string]int
	InProgress       int
}

// Stats counts live attempts per account within the current window.
func (r *Reflector) Stats() ReflectionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.cooldown)
	stats := ReflectionStats{
		Attempts:   make(map[string]int),
		InProgress: len(r.inProgress),
	}
	for id, ts := range r.attempts {
		n := 0
		for _, t := range ts {
			if t.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			stats.Attempts[id] = n
			stats.AccountsInWindow++
			stats.TotalAttempts += n
		}
	}
	return stats
}

// BuildReflectionPrompt wraps the original request in a re-evaluation
// directive: the previous output looked like a refusal, so ask the
// backend to take another look and either answer properly or keep the
// refusal short.
func BuildReflectionPrompt(originalRequest string) string {
	return fmt.Sprintf(
		"Your previous reply declined the request below. Read it once more and reconsider. "+
			"If it is something you are able to help with, answer it fully and directly this time. "+
			"If it genuinely is not, reply with a single short sentence explaining why.\n\n"+
			"Original request:\n%s", originalRequest)
}
