package ratewarden

import (
	"math"
	"time"
)

// Reason explains why a request was denied.
type Reason string

// Denial reasons, in the order the engine checks them.
const (
	ReasonBlocked     Reason = "temporarily blocked"
	ReasonBurst       Reason = "burst limit exceeded"
	ReasonPenalty     Reason = "progressive penalty"
	ReasonDDoS        Reason = "abuse protection activated"
	ReasonRateLimited Reason = "rate limit exceeded"
)

// Result is the outcome of a single decision. It is computed per call and never stored.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the effective per-window limit after any penalty.
	Limit int64

	// Remaining is the number of requests left in the current window.
	Remaining int64

	// ResetTime is when the governing window (or block) ends.
	ResetTime time.Time

	// RetryAfter is how long a denied client should wait. Zero when allowed.
	RetryAfter time.Duration

	// Reason is set when the request was denied.
	Reason Reason

	// PenaltyApplied reports whether this call raised the key's penalty multiplier.
	PenaltyApplied bool

	// Unrestricted reports that the request was skipped or allowlisted and no
	// counters were touched.
	Unrestricted bool
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, as sent in a
// Retry-After header. It is at least 1 for denied results.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	return max(1, int(math.Ceil(r.RetryAfter.Seconds())))
}
