package sync

import (
	"math/rand"
	"time"
)

// Backoff policy constants.
const (
	backoffBase   = time.Second
	backoffCap    = 60 * time.Second
	jitterPercent = 10
)

// Action is the retry decision for a failed remote call.
type Action int

const (
	// DoNotRetry means the error is permanent for this run.
	DoNotRetry Action = iota
	// Retry means wait for Decision.Delay and try again.
	Retry
	// RetryAfterReauth means refresh credentials once, then try again.
	RetryAfterReauth
)

// Decision is the outcome of the backoff policy for one attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Decide computes the retry decision for an error of the given kind on the
// given zero-based attempt. retryAfter is a server-provided delay (rate-limit
// responses), 0 when absent.
//
//   - authorization: one reauth retry on the first attempt, then permanent
//   - rate-limited: server delay if present, computed backoff otherwise
//   - network/server: computed backoff
//   - everything else: permanent
func Decide(kind ErrorKind, retryAfter time.Duration, attempt, maxAttempts int) Decision {
	if attempt >= maxAttempts {
		return Decision{Action: DoNotRetry}
	}

	switch kind {
	case KindAuthorization:
		if attempt == 0 {
			return Decision{Action: RetryAfterReauth}
		}
		return Decision{Action: DoNotRetry}
	case KindRateLimited:
		if retryAfter > 0 {
			return Decision{Action: Retry, Delay: retryAfter}
		}
		return Decision{Action: Retry, Delay: computedBackoff(attempt)}
	case KindNetwork, KindServer:
		return Decision{Action: Retry, Delay: computedBackoff(attempt)}
	default:
		return Decision{Action: DoNotRetry}
	}
}

// computedBackoff returns min(base*2^attempt, cap) jittered by ±10%.
func computedBackoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}

	jitter := int64(d) * jitterPercent / 100
	if jitter > 0 {
		d += time.Duration(rand.Int63n(2*jitter) - jitter)
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
