package bb84

import (
	"errors"
	"fmt"
)

// ErrEmptyKey is returned when privacy amplification is asked to compress an
// empty key. Sessions never do this; seeing it means a caller skipped the
// discard path.
var ErrEmptyKey = errors.New("bb84: no key material to amplify")

// A ProtocolStateError reports a transition attempted from the wrong state.
// It is fatal: the session refuses every later transition as well.
type ProtocolStateError struct {
	Op    string
	State State
	// Want is the state Op must be invoked from.
	Want State
	// Poisoned is set when the session had already failed before Op.
	Poisoned bool
}

func (e *ProtocolStateError) Error() string {
	if e.Poisoned {
		return fmt.Sprintf("bb84: %s on a failed session (last state %v)", e.Op, e.State)
	}
	return fmt.Sprintf("bb84: %s needs state %v, session is %v", e.Op, e.Want, e.State)
}

// A ConfigurationError reports a nonsensical session parameter. It is
// returned by NewSession before any qubit is sent.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("bb84: invalid %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
