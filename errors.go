package creditgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientCredit = errors.New("creditgate: insufficient credit")
	ErrLockHeld           = errors.New("creditgate: account is already processing")
	ErrAccountNotFound    = errors.New("creditgate: account not found")
	ErrGenerationTimeout  = errors.New("creditgate: generation timed out")
	ErrGenerationFailed   = errors.New("creditgate: generation failed")
	ErrRefusalExhausted   = errors.New("creditgate: reflection attempts exhausted")
	ErrDeliveryFailed     = errors.New("creditgate: delivery failed")
)

// RequestError wraps an error with request context, including what
// happened to the account's credits.
type RequestError struct {
	Err     error
	Account string
	Variant string
	Outcome CreditOutcome
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("creditgate: account=%s variant=%s credits=%s: %v",
		e.Account, e.Variant, e.Outcome, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsFlowControl reports whether the error is a pacing signal rather
// than a failure: the caller should wait or queue, not alert.
func IsFlowControl(err error) bool {
	return errors.Is(err, ErrLockHeld)
}

// IsRefunded reports whether the failed request's credits were
// restored.
func IsRefunded(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Outcome == OutcomeRefunded
	}
	return false
}
