package upstream

import "errors"

// Error taxonomy for upstream calls. Handlers check these with errors.Is;
// see the worker runtime's retry policy in internal/jobqueue.
var (
	// ErrNotFound corresponds to an upstream 404: the entity or killmail
	// does not exist. Callers log and return nil; the job succeeds.
	ErrNotFound = errors.New("upstream: not found")

	// ErrTransientUpstream corresponds to a 5xx, timeout, or connection
	// reset. The rate limiter pauses for 60s and the caller's retry
	// policy applies (the worker reschedules with backoff).
	ErrTransientUpstream = errors.New("upstream: transient error")

	// ErrFatal corresponds to any other non-2xx response: a shape the
	// client has no recovery strategy for.
	ErrFatal = errors.New("upstream: fatal error")

	// ErrUpstreamContract means the response body did not match the
	// shape the caller expected. Jobs fail permanently on this error to
	// avoid poisoning the retry budget.
	ErrUpstreamContract = errors.New("upstream: unexpected response contract")
)
