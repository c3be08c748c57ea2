package creditgate

import "time"

// Request is a decoded inbound platform event. The wire format is the
// caller's problem; creditgate only needs the identity, the text, and
// an optional attachment reference.
type Request struct {
	Account    string
	Channel    string // delivery channel for the response
	Text       string
	Attachment string // opaque reference, empty when absent
	History    []Message
	Variant    string // empty → Config.DefaultVariant
	Reflection bool   // reflection-tagged event, see Reflector
}

// Message is one turn of conversation history.
type Message struct {
	Role    string `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// Result is the outcome of one processed request.
type Result struct {
	Text        string
	Refused     bool // final output was still classified as a refusal
	Exhausted   bool // reflection budget spent, last output surfaced as-is
	Attempts    int  // generation attempts, 1 when no reflection happened
	Confidence  float64
	Outcome     CreditOutcome
	Warning     Warning
	Transaction Transaction
}

// CreditOutcome tells the caller what happened to their balance.
// User-visible failures must always carry one so balance surprises are
// never silent.
type CreditOutcome string

const (
	OutcomeCharged    CreditOutcome = "charged"
	OutcomeRefunded   CreditOutcome = "refunded"
	OutcomeNotCharged CreditOutcome = "not_charged"
)

// Transaction records one ledger movement for a request.
type Transaction struct {
	ID      string
	Account string
	Variant string
	Cost    int64
	Split   Split
	Outcome CreditOutcome
	At      time.Time
}

// Split says how much of a deduction came from each bucket. Refunds
// restore exactly this split; refunding to the wrong bucket would let
// bonus credits outlive their expiry.
type Split struct {
	Bonus     int64
	Purchased int64
}

// Total returns the combined amount of the split.
func (s Split) Total() int64 { return s.Bonus + s.Purchased }

// Warning is an advisory low-balance signal derived from the balance
// remaining after a deduction. It is output, not state.
type Warning int

const (
	WarnNone Warning = iota
	WarnLow20
	WarnLow10
	WarnLow5
	WarnEmpty
)

func (w Warning) String() string {
	switch w {
	case WarnLow20:
		return "low_20"
	case WarnLow10:
		return "low_10"
	case WarnLow5:
		return "low_5"
	case WarnEmpty:
		return "empty"
	default:
		return "none"
	}
}

// warningFor maps a post-deduction total to its advisory level.
func warningFor(remaining int64) Warning {
	switch {
	case remaining <= 0:
		return WarnEmpty
	case remaining <= 5:
		return WarnLow5
	case remaining <= 10:
		return WarnLow10
	case remaining <= 20:
		return WarnLow20
	default:
		return WarnNone
	}
}

// DeliveryMode selects how strictly output is judged. Long-form output
// that comes back terse is itself treated as evidence of evasion.
type DeliveryMode string

const (
	ModeChat     DeliveryMode = "chat"
	ModeLongForm DeliveryMode = "longform"
)

// VariantSpec describes one generation variant: what it costs, how
// suspicious the classifier should be of its output, and how long the
// backend call may run. Variants replace ad-hoc model-name substring
// checks with an explicit lookup table.
type VariantSpec struct {
	Cost             int64         `yaml:"cost"`
	RefusalThreshold float64       `yaml:"refusal_threshold"`
	Mode             DeliveryMode  `yaml:"mode"`
	Timeout          time.Duration `yaml:"timeout"`
	Primer           []Message     `yaml:"primer"`
}
