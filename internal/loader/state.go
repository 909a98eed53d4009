package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rshade/loadstate/internal/errkind"
)

// Status is the lifecycle phase of a load.
type Status int

const (
	// StatusIdle means the loader has not been started.
	StatusIdle Status = iota
	// StatusLoading means an attempt is in flight.
	StatusLoading
	// StatusSuccess means the producer returned a value.
	StatusSuccess
	// StatusError means the last attempt failed.
	StatusError
)

var statusNames = [...]string{ //nolint:gochecknoglobals // Lookup table.
	StatusIdle:    "idle",
	StatusLoading: "loading",
	StatusSuccess: "success",
	StatusError:   "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidState is wrapped by State.Validate for every invariant violation.
var ErrInvalidState = errors.New("invalid load state")

// State is a snapshot of a load.
//
// Data is meaningful only when Status is StatusSuccess; in every other status
// it holds the zero value. Err is set only when Status is StatusError. RetryIn
// is non-zero only while an automatic retry is pending, so an error state with
// RetryIn == 0 is terminal until Retry is called.
type State[T any] struct {
	Status  Status
	Data    T
	Err     error
	Attempt int
	RetryIn time.Duration
}

// Settled reports whether the load reached success or a terminal error.
func (s State[T]) Settled() bool {
	return s.Status == StatusSuccess || (s.Status == StatusError && s.RetryIn == 0)
}

// Retrying reports whether an automatic retry is scheduled.
func (s State[T]) Retrying() bool {
	return s.Status == StatusError && s.RetryIn > 0
}

// Kind classifies Err. It is KindUnknown when there is no error.
func (s State[T]) Kind() errkind.Kind {
	return errkind.KindOf(s.Err)
}

// Validate checks the state invariants.
func (s State[T]) Validate() error {
	hasData := !isZero(s.Data)
	switch s.Status {
	case StatusSuccess:
		if s.Err != nil {
			return fmt.Errorf("%w: success carries error %q", ErrInvalidState, s.Err)
		}
		if s.RetryIn != 0 {
			return fmt.Errorf("%w: success has a pending retry", ErrInvalidState)
		}
	case StatusError:
		if s.Err == nil {
			return fmt.Errorf("%w: error without error value", ErrInvalidState)
		}
		if hasData {
			return fmt.Errorf("%w: error carries stale data", ErrInvalidState)
		}
	case StatusIdle, StatusLoading:
		if s.Err != nil || hasData || s.RetryIn != 0 {
			return fmt.Errorf("%w: %s must not carry data, error, or retry", ErrInvalidState, s.Status)
		}
	default:
		return fmt.Errorf("%w: unknown status %d", ErrInvalidState, int(s.Status))
	}
	if s.Attempt < 0 {
		return fmt.Errorf("%w: negative attempt %d", ErrInvalidState, s.Attempt)
	}
	return nil
}

type stateJSON struct {
	Status  string `json:"status"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Attempt int    `json:"attempt"`
	RetryIn string `json:"retry_in,omitempty"`
}

// MarshalJSON renders the state with the error flattened to its message and kind.
func (s State[T]) MarshalJSON() ([]byte, error) {
	out := stateJSON{Status: s.Status.String(), Attempt: s.Attempt}
	if s.Status == StatusSuccess {
		out.Data = s.Data
	}
	if s.Err != nil {
		out.Error = errkind.Message(s.Err)
		out.Kind = s.Kind().String()
	}
	if s.RetryIn > 0 {
		out.RetryIn = s.RetryIn.String()
	}
	return json.Marshal(out)
}

func isZero[T any](v T) bool {
	return reflect.ValueOf(&v).Elem().IsZero()
}
