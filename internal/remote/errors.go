package remote

import (
	"errors"
	"fmt"
	"strings"
)

// Structured kinds for the two transient environment-teardown conditions.
// Transports map their protocol errors onto these; Classify covers transports
// that only surface message text.
var (
	ErrContextDestroyed = errors.New("execution context was destroyed")
	ErrContextNotFound  = errors.New("execution context id not found")
)

// IsContextGone reports whether err is one of the transient teardown kinds:
// the context was destroyed mid-evaluation, or its id is no longer known to
// the environment. Callers treat these as a signal to wait for the next
// context, never as a failure.
func IsContextGone(err error) bool {
	return errors.Is(err, ErrContextDestroyed) || errors.Is(err, ErrContextNotFound)
}

// Classify maps a raw evaluation error message onto a structured kind when it
// matches one of the recognized transient conditions. Anything else comes
// back as an opaque error with the original text.
func Classify(msg string) error {
	switch {
	case strings.Contains(msg, "Execution context was destroyed"):
		return fmt.Errorf("%w: %s", ErrContextDestroyed, msg)
	case strings.Contains(msg, "Cannot find context with specified id"):
		return fmt.Errorf("%w: %s", ErrContextNotFound, msg)
	default:
		return errors.New(msg)
	}
}
