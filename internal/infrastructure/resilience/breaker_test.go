package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPeerDown = errors.New("peer down")

func fail() error    { return errPeerDown }
func succeed() error { return nil }

func TestBreakerTrips(t *testing.T) {
	b := NewBreaker("webhook", 3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(fail), errPeerDown)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.ErrorIs(t, b.Execute(fail), errPeerDown)
	assert.Equal(t, StateOpen, b.State())

	// Open rejects without invoking the call.
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker("webhook", 3, time.Minute)

	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))
	require.NoError(t, b.Execute(succeed))

	// The streak restarted, so two more failures stay closed.
	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	t.Run("probe success closes", func(t *testing.T) {
		b := NewBreaker("webhook", 1, 20*time.Millisecond)

		require.Error(t, b.Execute(fail))
		require.Equal(t, StateOpen, b.State())

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, StateHalfOpen, b.State())

		require.NoError(t, b.Execute(succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		b := NewBreaker("webhook", 1, 20*time.Millisecond)

		require.Error(t, b.Execute(fail))
		time.Sleep(30 * time.Millisecond)

		require.ErrorIs(t, b.Execute(fail), errPeerDown)
		assert.Equal(t, StateOpen, b.State())

		// The cooldown restarted at the failed probe.
		err := b.Execute(succeed)
		assert.ErrorIs(t, err, ErrOpen)
	})
}

func TestBreakerSingleProbe(t *testing.T) {
	b := NewBreaker("webhook", 1, 10*time.Millisecond)
	require.Error(t, b.Execute(fail))
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_ = b.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	// A second caller while the probe is in flight is rejected.
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)
	close(release)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := NewBreaker("webhook", 1, 10*time.Millisecond)

	var transitions []string
	b.OnStateChange(func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	require.Error(t, b.Execute(fail))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Execute(succeed))

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}
