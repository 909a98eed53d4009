package loader

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default policy values.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 3
)

// ErrInvalidPolicy is returned for policies that cannot drive a loader.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy configures automatic retries.
type Policy struct {
	// BaseDelay is the wait before the first retry; each further retry doubles it.
	BaseDelay time.Duration
	// MaxAttempts is the number of automatic retries after the initial attempt.
	// Zero disables automatic retry.
	MaxAttempts int
	// MaxDelay caps a single delay. Zero leaves the doubling uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy returns a one second base delay with three retries.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxAttempts: DefaultMaxAttempts}
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts must be >= 0, got %d", ErrInvalidPolicy, p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("%w: base delay must be >= 0, got %s", ErrInvalidPolicy, p.BaseDelay)
	case p.BaseDelay == 0 && p.MaxAttempts > 0:
		return fmt.Errorf("%w: base delay must be > 0 when retries are enabled", ErrInvalidPolicy)
	case p.MaxDelay < 0:
		return fmt.Errorf("%w: max delay must be >= 0, got %s", ErrInvalidPolicy, p.MaxDelay)
	}
	return nil
}

// Delay returns the wait between attempt and attempt+1: BaseDelay * 2^attempt,
// saturating instead of overflowing and capped by MaxDelay when set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for range attempt {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Schedule returns every automatic retry delay the policy would use, in order.
func (p Policy) Schedule() []time.Duration {
	delays := make([]time.Duration, 0, p.MaxAttempts)
	for i := range p.MaxAttempts {
		delays = append(delays, p.Delay(i))
	}
	return delays
}
