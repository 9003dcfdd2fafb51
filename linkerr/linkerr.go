// Package linkerr defines the error kinds propagated by the link layer, per
// J1939-21 §7: malformed/out-of-sequence frames (ProtocolError), a session
// abort or internal inconsistency forcing one (SessionError), socket I/O
// failure (TransportError), and send-queue overflow (ResourceExhausted).
package linkerr

import "fmt"

// Kind discriminates the error categories named in J1939-21 §7.
type Kind int

const (
	Protocol Kind = iota
	Session
	Transport
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Session:
		return "session"
	case Transport:
		return "transport"
	case ResourceExhausted:
		return "resource-exhausted"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind the link layer uses to
// decide how to react: requeue, abort-and-reset, drop-and-log, or bubble up.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("j1939link: %s: %s: %s", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("j1939link: %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// match on kind with checks such as
// errors.Is(err, &linkerr.Error{Kind: linkerr.Session}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Protocolf builds a *Error of kind Protocol.
func Protocolf(format string, args ...interface{}) *Error {
	return &Error{Kind: Protocol, Reason: fmt.Sprintf(format, args...)}
}

// Sessionf builds a *Error of kind Session.
func Sessionf(format string, args ...interface{}) *Error {
	return &Error{Kind: Session, Reason: fmt.Sprintf(format, args...)}
}

// Transportf wraps err as a *Error of kind Transport.
func Transportf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: Transport, Reason: fmt.Sprintf(format, args...), Err: err}
}

// ResourceExhaustedf builds a *Error of kind ResourceExhausted.
func ResourceExhaustedf(format string, args ...interface{}) *Error {
	return &Error{Kind: ResourceExhausted, Reason: fmt.Sprintf(format, args...)}
}
