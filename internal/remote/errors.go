package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure.
type Kind int

const (
	// KindTransient failures may succeed when retried: network errors,
	// timeouts, 5xx responses, lost push races.
	KindTransient Kind = iota + 1
	// KindAuth failures persist until the credentials change.
	KindAuth
	// KindProtocol failures are malformed requests or responses. Retrying
	// will not help.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

var (
	ErrTransient = errors.New("transient remote failure")
	ErrAuth      = errors.New("remote authentication failed")
	ErrProtocol  = errors.New("remote protocol error")
)

// Error is returned by Remote implementations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("remote %s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrProtocol:
		return e.Kind == KindProtocol
	}
	return false
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Auth wraps err as an authentication failure of op.
func Auth(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Protocol wraps err as a non-retryable protocol failure of op.
func Protocol(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
