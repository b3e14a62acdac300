package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

func newTestManager(threshold int) (*Manager, *time.Time) {
	m := NewManager(Config{
		FailureThreshold: threshold,
		Cooldown:         time.Second,
		MaxCooldown:      4 * time.Second,
	}, zerolog.Nop(), nil)

	base := time.Now()
	m.now = func() time.Time { return base }
	return m, &base
}

func failing(ctx context.Context) error { return errors.New("boom") }
func succeeding(ctx context.Context) error { return nil }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	m, _ := newTestManager(3)

	for i := 0; i < 3; i++ {
		err := m.Do(context.Background(), "dep", 0, failing)
		require.Error(t, err)
	}
	assert.Equal(t, Open, m.State("dep"))
}

func TestFailsFastWhileOpen(t *testing.T) {
	m, _ := newTestManager(1)
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	require.Equal(t, Open, m.State("dep"))

	called := false
	err := m.Do(context.Background(), "dep", 0, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "the real call must not run while open")

	ge := protocol.AsGatewayError(err)
	assert.Equal(t, protocol.CodeDepUnavail, ge.Code)
}

func TestSuccessfulProbeCloses(t *testing.T) {
	m, base := newTestManager(1)
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	require.Equal(t, Open, m.State("dep"))

	*base = base.Add(2 * time.Second)
	require.NoError(t, m.Do(context.Background(), "dep", 0, succeeding))
	assert.Equal(t, Closed, m.State("dep"))
}

func TestFailedProbeDoublesCooldown(t *testing.T) {
	m, base := newTestManager(1)
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))

	// First probe fails: cooldown 1s → 2s.
	*base = base.Add(1100 * time.Millisecond)
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	require.Equal(t, Open, m.State("dep"))

	// 1s later is still inside the doubled cooldown.
	*base = base.Add(1100 * time.Millisecond)
	called := false
	m.Do(context.Background(), "dep", 0, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)

	// Past the doubled cooldown a probe runs again.
	*base = base.Add(time.Second)
	require.NoError(t, m.Do(context.Background(), "dep", 0, succeeding))
	assert.Equal(t, Closed, m.State("dep"))
}

func TestCooldownCapped(t *testing.T) {
	m, base := newTestManager(1)
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))

	// Fail probes repeatedly; cooldown would grow 1→2→4→8 uncapped.
	for i := 0; i < 4; i++ {
		*base = base.Add(10 * time.Second)
		require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	}

	// MaxCooldown is 4s, so a probe must be admitted 5s later.
	*base = base.Add(5 * time.Second)
	require.NoError(t, m.Do(context.Background(), "dep", 0, succeeding))
	assert.Equal(t, Closed, m.State("dep"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m, _ := newTestManager(3)
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	require.NoError(t, m.Do(context.Background(), "dep", 0, succeeding))
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	assert.Equal(t, Closed, m.State("dep"), "failures must be consecutive to trip")
}

func TestTimeoutSurfacesAsTypedError(t *testing.T) {
	m, _ := newTestManager(5)
	err := m.Do(context.Background(), "dep", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	ge := protocol.AsGatewayError(err)
	assert.Equal(t, protocol.CodeTimeout, ge.Code)
}

func TestLateFailureDoesNotUsurpProbe(t *testing.T) {
	m, base := newTestManager(1)

	staleEntered := make(chan struct{})
	staleRelease := make(chan struct{})
	staleDone := make(chan error, 1)
	go func() {
		staleDone <- m.Do(context.Background(), "dep", 0, func(ctx context.Context) error {
			close(staleEntered)
			<-staleRelease
			return errors.New("late boom")
		})
	}()
	<-staleEntered

	// Trip while the first call is still in flight.
	require.Error(t, m.Do(context.Background(), "dep", 0, failing))
	require.Equal(t, Open, m.State("dep"))

	// Past the cooldown the next call is admitted as the probe.
	*base = base.Add(2 * time.Second)
	probeEntered := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- m.Do(context.Background(), "dep", 0, func(ctx context.Context) error {
			close(probeEntered)
			<-probeRelease
			return nil
		})
	}()
	<-probeEntered
	require.Equal(t, HalfOpen, m.State("dep"))

	// The stale call's failure lands mid-probe. It is not the probe, so
	// it must not re-trip the breaker or touch the cooldown.
	close(staleRelease)
	require.Error(t, <-staleDone)
	assert.Equal(t, HalfOpen, m.State("dep"))

	close(probeRelease)
	require.NoError(t, <-probeDone)
	assert.Equal(t, Closed, m.State("dep"))
}

func TestBreakersAreIndependent(t *testing.T) {
	m, _ := newTestManager(1)
	require.Error(t, m.Do(context.Background(), "store", 0, failing))
	require.Equal(t, Open, m.State("store"))

	assert.Equal(t, Closed, m.State("auth"))
	require.NoError(t, m.Do(context.Background(), "auth", 0, succeeding))
}

func TestStates(t *testing.T) {
	m, _ := newTestManager(1)
	m.Do(context.Background(), "store", 0, failing)
	m.Do(context.Background(), "auth", 0, succeeding)

	states := m.States()
	assert.Equal(t, "open", states["store"])
	assert.Equal(t, "closed", states["auth"])
}
