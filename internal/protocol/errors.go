package protocol

import "github.com/pkg/errors"

// Kind classifies an Error the way a caller needs to branch on it: is this
// the coordination tree refusing a write, a malformed wire frame, a
// register request the far end rejected, or the socket itself.
type Kind int

const (
	KindCoordination Kind = iota
	KindProtocol
	KindRegisterRejected
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindCoordination:
		return "coordination"
	case KindProtocol:
		return "protocol"
	case KindRegisterRejected:
		return "register_rejected"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can distinguish
// "the coordination service rejected this" from "the socket died" without
// string-matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Err: errors.Errorf(format, args...)}
}

func wrapError(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: errors.Wrap(err, msg)}
}

func CoordinationErrorf(format string, args ...interface{}) error {
	return newError(KindCoordination, format, args...)
}

func WrapCoordination(err error, msg string) error { return wrapError(KindCoordination, err, msg) }

func ProtocolErrorf(format string, args ...interface{}) error {
	return newError(KindProtocol, format, args...)
}

func WrapProtocol(err error, msg string) error { return wrapError(KindProtocol, err, msg) }

func RegisterRejectedf(format string, args ...interface{}) error {
	return newError(KindRegisterRejected, format, args...)
}

func NetworkErrorf(format string, args ...interface{}) error {
	return newError(KindNetwork, format, args...)
}

func WrapNetwork(err error, msg string) error { return wrapError(KindNetwork, err, msg) }

// IsKind reports whether err (or something it wraps) is a protocol.Error
// of the given Kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
