package slot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryTimer_FailureEpisodesGrow(t *testing.T) {
	r := newRetryTimer()
	r.jitter = func() float64 { return 0 }
	now := time.Unix(1000, 0)

	var got []time.Duration
	for i := 0; i < 9; i++ {
		got = append(got, r.backoffFailure(now))
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, got)
	assert.Equal(t, now.Add(30*time.Second), r.nextAt())

	r.resetEpisodes()
	assert.Equal(t, 500*time.Millisecond, r.backoffFailure(now))
}

func TestRetryTimer_Armed(t *testing.T) {
	r := newRetryTimer()
	now := time.Unix(1000, 0)
	assert.True(t, r.armed(now))

	r.backoff(now, localRetryBackoff)
	assert.False(t, r.armed(now))
	assert.True(t, r.armed(now.Add(localRetryBackoff)))

	r.reset()
	assert.True(t, r.armed(now))
}

func TestRetryTimer_JitterStaysInRange(t *testing.T) {
	r := newRetryTimer()
	now := time.Unix(1000, 0)
	for i := 0; i < 20; i++ {
		r.resetEpisodes()
		d := r.backoffFailure(now)
		assert.GreaterOrEqual(t, d, failureBackoffMin/2)
		assert.Less(t, d, failureBackoffMin)
	}
}
