// Package loader implements a retry-backoff content loader.
//
// A Loader invokes a caller-supplied Producer and exposes the outcome as a
// tri-state State (loading, success, error). Failures are retried
// automatically with exponential backoff (BaseDelay * 2^attempt) until
// MaxAttempts retries have been spent; after that the loader settles in a
// terminal error state until the caller asks for a manual Retry.
//
// Cancellation is explicit: every attempt receives a context that is
// cancelled on Stop, on manual Retry, or when the context passed to Start is
// done. Results of cancelled attempts are discarded, and once Stop returns no
// further state transition is published.
//
// State changes are delivered to subscribers in the order they happen, one
// instance at a time. Instances never interact with each other.
package loader
