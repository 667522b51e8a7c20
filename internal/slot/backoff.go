package slot

import (
	"math/rand/v2"
	"time"
)

const (
	// localRetryBackoff paces local I/O retries and pending completions.
	localRetryBackoff = 200 * time.Millisecond
	// rateLimitBackoff follows an HTTP 429.
	rateLimitBackoff = 500 * time.Millisecond
	// unavailableBackoff follows an HTTP 503 on a single-stream download.
	unavailableBackoff = 5 * time.Second

	failureBackoffMin = time.Second
	failureBackoffMax = time.Minute
)

// retryTimer holds back the next tick of a slot. Explicit delays are used
// as given; failure episodes back off exponentially with jitter.
type retryTimer struct {
	next     time.Time
	episodes int
	jitter   func() float64
}

func newRetryTimer() *retryTimer {
	return &retryTimer{jitter: rand.Float64}
}

// backoff arms the timer for d from now.
func (r *retryTimer) backoff(now time.Time, d time.Duration) {
	r.next = now.Add(d)
}

// backoffFailure arms the timer for the next failure episode and returns
// the delay chosen.
func (r *retryTimer) backoffFailure(now time.Time) time.Duration {
	d := failureBackoffMin << r.episodes
	if d > failureBackoffMax || d <= 0 {
		d = failureBackoffMax
	} else {
		r.episodes++
	}
	// spread retries over [d/2, d)
	d = d/2 + time.Duration(r.jitter()*float64(d/2))
	r.next = now.Add(d)
	return d
}

// armed reports whether the delay has elapsed.
func (r *retryTimer) armed(now time.Time) bool {
	return !now.Before(r.next)
}

// reset clears the pending delay.
func (r *retryTimer) reset() {
	r.next = time.Time{}
}

// resetEpisodes restarts the exponential sequence after data moved.
func (r *retryTimer) resetEpisodes() {
	r.episodes = 0
}

func (r *retryTimer) nextAt() time.Time {
	return r.next
}
