package verifier

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("invalid verifier configuration")
	ErrVerification  = errors.New("dispatch verification failed")
	ErrIncomplete    = errors.New("incomplete dispatch")
	ErrPhase         = errors.New("operation not allowed in current state")
	ErrClosed        = errors.New("verifier closed")
)

// ConfigurationError reports an invalid setup. It is fatal and surfaced
// before any connection is opened.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// Kind classifies a verification failure.
type Kind int

const (
	DuplicateItem Kind = iota + 1
	MissingItem
	// UnexpectedItem is a current-run item whose sequence number was never sent.
	UnexpectedItem
)

func (k Kind) String() string {
	switch k {
	case DuplicateItem:
		return "duplicate item"
	case MissingItem:
		return "missing item"
	case UnexpectedItem:
		return "unexpected item"
	default:
		return "unknown"
	}
}

// VerificationError reports the lowest offending sequence number of the
// first failing check. Violations counts every offender of that kind.
type VerificationError struct {
	Kind       Kind
	Seq        int64
	Endpoints  []int
	Violations int
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("%s: seq %d", e.Kind, e.Seq)
	if len(e.Endpoints) > 0 {
		msg += fmt.Sprintf(" (endpoints %v)", e.Endpoints)
	}
	if e.Violations > 1 {
		msg += fmt.Sprintf(", %d in total", e.Violations)
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return ErrVerification }

// IncompleteDispatchError means the round budget ran out before every sent
// item was received. It is reported, never retried.
type IncompleteDispatchError struct {
	Expected int
	Received int
	Rounds   int
}

func (e *IncompleteDispatchError) Error() string {
	return fmt.Sprintf("%v: received %d of %d items after %d rounds", ErrIncomplete, e.Received, e.Expected, e.Rounds)
}

func (e *IncompleteDispatchError) Unwrap() error { return ErrIncomplete }

// EndpointError wraps a broker failure on one endpoint.
type EndpointError struct {
	Endpoint int
	Addr     string
	Op       string
	Err      error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %d (%s) %s: %v", e.Endpoint, e.Addr, e.Op, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// AsVerification returns the VerificationError in err's chain, if any.
func AsVerification(err error) (*VerificationError, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
