package download

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateIdentifier  = errors.New("download: duplicate identifier")
	ErrNotFound             = errors.New("download: not found")
	ErrInvalidTransition    = errors.New("download: invalid transition")
	ErrInvalidConfiguration = errors.New("download: invalid configuration")
	ErrEmptyURL             = errors.New("download: empty or malformed url")
	ErrResumeUnsupported    = errors.New("download: transport cannot produce a resume token")
	ErrClosed               = errors.New("download: manager closed")
)

// TransportError represents an asynchronous failure reported by the transport.
// It is always delivered through the dispatcher and resolves the item to Failed.
type TransportError struct {
	Op  string // The transport operation that failed (e.g., "begin", "continue", "transfer")
	Err error  // Underlying error reported by the transport
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InterruptedError is returned by a transport through its completion callback when
// a transfer stopped unexpectedly but the transport could still capture enough state
// to continue later.
type InterruptedError struct {
	Token ResumeToken // Opaque state usable with Transport.ContinueFrom
	Err   error       // Cause of the interruption
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("transfer interrupted: %v", e.Err)
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

func invalidTransition(op string, from State) error {
	return fmt.Errorf("%w: cannot %s a %s download", ErrInvalidTransition, op, from)
}
