package limiter

import (
	"testing"
	"time"

	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWindowRejectsOverLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWindowWithClock(3, time.Minute, clock.now)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Increment())
		clock.advance(time.Second)
	}

	err := w.Increment()
	require.Error(t, err)
	assert.True(t, relayErrors.HasCode(err, relayErrors.CodeThrottleExceeded))
	assert.Contains(t, err.Error(), "Too Many Requests")

	// a failure does not restart the window
	clock.advance(30 * time.Second)
	assert.Error(t, w.Increment())
	assert.Equal(t, 3, w.Count())
}

func TestWindowRestartsAfterInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWindowWithClock(3, time.Minute, clock.now)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Increment())
	}
	require.Error(t, w.Increment())

	clock.advance(time.Minute)
	assert.NoError(t, w.Increment())
	assert.Equal(t, 1, w.Count())
}

func TestWindowIdleDoesNotCountAgainstStaleWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWindowWithClock(2, time.Minute, clock.now)

	require.NoError(t, w.Increment())
	require.NoError(t, w.Increment())

	clock.advance(10 * time.Minute)
	require.NoError(t, w.Increment())
	require.NoError(t, w.Increment())
	assert.Error(t, w.Increment())
}

func TestUpgradeLimiter(t *testing.T) {
	u := NewUpgradeLimiter(1, 2, time.Minute)

	assert.True(t, u.Allow("10.0.0.1"))
	assert.True(t, u.Allow("10.0.0.1"))
	assert.False(t, u.Allow("10.0.0.1"))

	// buckets are per IP
	assert.True(t, u.Allow("10.0.0.2"))
	assert.True(t, u.Allow(""))
	assert.Equal(t, 2, u.Size())
}

func TestUpgradeLimiterCleanup(t *testing.T) {
	u := NewUpgradeLimiter(1, 1, -time.Second)
	u.Allow("10.0.0.1")
	u.Allow("10.0.0.2")

	assert.Equal(t, 2, u.Cleanup())
	assert.Equal(t, 0, u.Size())
}
