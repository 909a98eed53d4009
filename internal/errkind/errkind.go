// Package errkind gives every failure surfaced to a loader one of a closed set
// of kinds, so callers can branch on what went wrong without matching strings.
package errkind

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// Kind is the closed classification of a failure.
type Kind int

const (
	// KindUnknown is anything that is not recognised as one of the other kinds.
	KindUnknown Kind = iota
	// KindNetwork covers transport failures, timeouts, and unavailable upstreams.
	KindNetwork
	// KindValidation covers rejected requests and malformed payloads.
	KindValidation
	// KindCanceled means the caller cancelled the operation.
	KindCanceled
)

var kindNames = [...]string{ //nolint:gochecknoglobals // Lookup table.
	KindUnknown:    "unknown",
	KindNetwork:    "network",
	KindValidation: "validation",
	KindCanceled:   "canceled",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ErrUnknownKind is returned by ParseKind for names outside the enumeration.
var ErrUnknownKind = errors.New("unknown error kind")

// ParseKind maps a kind name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return KindUnknown, ErrUnknownKind
}

// Error is a failure carrying an explicit Kind.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "GET https://example.test/status".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	if msg == "" {
		return e.Op + ": " + e.Kind.String() + " error"
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Network wraps err as a network failure of op.
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Validation builds a validation failure with a message.
func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// Wrap attaches kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Explicit kinds win; otherwise the standard library's
// cancellation, deadline, and network errors are recognised.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}

	return KindUnknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message coerces err into the string shown to a user. nil yields "".
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
