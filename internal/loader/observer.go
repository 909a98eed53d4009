package loader

import "time"

// Observer receives lifecycle events from a loader. Methods are called while
// the loader holds its lock: they must return quickly and must not call back
// into the Loader.
type Observer interface {
	AttemptStarted(loader string, attempt int)
	// AttemptFailed is called for every failed attempt. retryIn is zero when no
	// automatic retry follows.
	AttemptFailed(loader string, attempt int, err error, retryIn time.Duration)
	Settled(loader string, status Status, attempt int)
	Stopped(loader string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) AttemptStarted(string, int)                       {}
func (NopObserver) AttemptFailed(string, int, error, time.Duration) {}
func (NopObserver) Settled(string, Status, int)                      {}
func (NopObserver) Stopped(string)                                   {}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

func (m MultiObserver) AttemptStarted(name string, attempt int) {
	for _, o := range m {
		o.AttemptStarted(name, attempt)
	}
}

func (m MultiObserver) AttemptFailed(name string, attempt int, err error, retryIn time.Duration) {
	for _, o := range m {
		o.AttemptFailed(name, attempt, err, retryIn)
	}
}

func (m MultiObserver) Settled(name string, status Status, attempt int) {
	for _, o := range m {
		o.Settled(name, status, attempt)
	}
}

func (m MultiObserver) Stopped(name string) {
	for _, o := range m {
		o.Stopped(name)
	}
}
