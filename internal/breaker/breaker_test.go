package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 3, Cooldown: time.Minute, ProbeSuccessesRequired: 1})

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
		assert.Equal(t, Closed, b.State())
	}
	require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, Open, b.State())
}

func TestBreakerShortCircuitsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 1, Cooldown: time.Minute, ProbeSuccessesRequired: 1})
	require.Error(t, b.Execute(func() error { return errBoom }))

	calls := 0
	err := b.Execute(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls, "open breaker must not call the dependency")
}

func TestBreakerSuccessDecrementsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 3, Cooldown: time.Minute, ProbeSuccessesRequired: 1})

	require.Error(t, b.Execute(func() error { return errBoom }))
	require.Error(t, b.Execute(func() error { return errBoom }))
	require.NoError(t, b.Execute(func() error { return nil }))
	// failures back to 1; one more failure should not open it
	require.Error(t, b.Execute(func() error { return errBoom }))
	assert.Equal(t, Closed, b.State())
	require.Error(t, b.Execute(func() error { return errBoom }))
	assert.Equal(t, Open, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(Config{Threshold: 1, Cooldown: 30 * time.Second, ProbeSuccessesRequired: 2})
	require.Error(t, b.Execute(func() error { return errBoom }))
	require.Equal(t, Open, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, HalfOpen, b.State(), "needs two probe successes")
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{Threshold: 1, Cooldown: 30 * time.Second, ProbeSuccessesRequired: 1})
	require.Error(t, b.Execute(func() error { return errBoom }))

	*now = now.Add(31 * time.Second)
	require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, Open, b.State())

	// openedAt was reset: still open just before a full new cooldown
	*now = now.Add(29 * time.Second)
	assert.Equal(t, Open, b.State())
	*now = now.Add(2 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreakerObserverSeesTransitions(t *testing.T) {
	var transitions []State
	obs := func(name string, from, to State) {
		assert.Equal(t, "dep", name)
		transitions = append(transitions, to)
	}
	b := New("dep", Config{Threshold: 1, Cooldown: time.Nanosecond, ProbeSuccessesRequired: 1}, obs)
	now := time.Now()
	b.now = func() time.Time { return now }

	require.Error(t, b.Execute(func() error { return errBoom }))
	now = now.Add(time.Millisecond)
	require.NoError(t, b.Execute(func() error { return nil }))

	assert.Equal(t, []State{Open, HalfOpen, Closed}, transitions)
}

func TestRegistryReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	assert.Same(t, r.Get("store"), r.Get("store"))
	assert.NotSame(t, r.Get("store"), r.Get("bus"))
}
