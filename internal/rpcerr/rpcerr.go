// Package rpcerr defines the discriminated error taxonomy shared by every
// component of the split-buffer engine.
package rpcerr

import "fmt"

// Kind discriminates the class of failure a public operation surfaced.
type Kind int

const (
	KindConfig Kind = iota
	KindTransport
	KindRemoteOOM
	KindProtocolMismatch
	KindRemoteCompute
	KindShapeMismatch
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindTransport:
		return "TransportError"
	case KindRemoteOOM:
		return "RemoteOOM"
	case KindProtocolMismatch:
		return "ProtocolMismatch"
	case KindRemoteCompute:
		return "RemoteCompute"
	case KindShapeMismatch:
		return "ShapeMismatch"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type every public operation returns on
// failure. Endpoint is empty when the failure isn't attributable to one
// remote endpoint (e.g. a ConfigError while parsing).
type Error struct {
	Kind     Kind
	Endpoint string
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (endpoint %s): %v", e.Kind, e.Msg, e.Endpoint, e.Cause)
		}
		return fmt.Sprintf("%s: %s (endpoint %s)", e.Kind, e.Msg, e.Endpoint)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target has the same Kind, so callers can write
// errors.Is(err, rpcerr.New(rpcerr.KindTransport, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error with no attributed endpoint.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// NewAt constructs an *Error attributed to a specific endpoint address.
func NewAt(kind Kind, endpoint, msg string, cause error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Msg: msg, Cause: cause}
}

// Configf builds a ConfigError with a formatted message.
func Configf(format string, args ...interface{}) *Error {
	return New(KindConfig, fmt.Sprintf(format, args...), nil)
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Kind, true
}
