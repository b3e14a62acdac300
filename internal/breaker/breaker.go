// Package breaker protects calls to external dependencies from
// cascading failure. One breaker per dependency per instance; each
// instance forms its own view of downstream health.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/metrics"
	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// State of one breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config tunes every breaker managed by a Manager.
type Config struct {
	// FailureThreshold consecutive failures flip CLOSED → OPEN.
	FailureThreshold int
	// Cooldown before the first probe; doubles on each failed probe.
	Cooldown time.Duration
	// MaxCooldown caps the exponential backoff.
	MaxCooldown time.Duration
}

// Manager holds one breaker per named dependency.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*circuit
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	// now is swappable for tests.
	now func() time.Time
}

type circuit struct {
	name                string
	state               State
	consecutiveFailures int
	openedAt            time.Time
	nextProbeAt         time.Time
	cooldown            time.Duration
	probing             bool
}

// NewManager creates a breaker manager. metrics may be nil in tests.
func NewManager(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		breakers: make(map[string]*circuit),
		cfg:      cfg,
		logger:   logger.With().Str("component", "breaker").Logger(),
		metrics:  m,
		now:      time.Now,
	}
}

// Do runs call against the named dependency under its breaker, bounded
// by timeout. While the breaker is open it fails fast with a typed
// dependency-unavailable error without attempting the real call.
// context.DeadlineExceeded counts as a breaker failure and surfaces as a
// typed timeout error; callers must not retry synchronously.
func (m *Manager) Do(ctx context.Context, dep string, timeout time.Duration, call func(context.Context) error) error {
	c, admitted, probe := m.admit(dep)
	if !admitted {
		if m.metrics != nil {
			m.metrics.BreakerRejected.WithLabelValues(dep).Inc()
		}
		return protocol.NewDependencyUnavailable(dep)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := call(callCtx)
	if err != nil {
		m.recordFailure(c, probe)
		if errors.Is(err, context.DeadlineExceeded) {
			return protocol.NewTimeout(dep)
		}
		return err
	}

	m.recordSuccess(c, probe)
	return nil
}

// State reports the current state of a dependency's breaker. A
// dependency that has never been called reports Closed.
func (m *Manager) State(dep string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.breakers[dep]
	if !ok {
		return Closed
	}
	return c.state
}

// States snapshots every breaker, for the health endpoint.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.breakers))
	for name, c := range m.breakers {
		out[name] = c.state.String()
	}
	return out
}

// admit decides whether a call may proceed, handling the OPEN → HALF_OPEN
// transition. In HALF_OPEN exactly one probe is in flight at a time;
// concurrent calls fail fast until the probe resolves. probe marks the
// admitted call as that probe: only its outcome moves the state, so a
// late result from a call admitted before the trip cannot be mistaken
// for it.
func (m *Manager) admit(dep string) (c *circuit, admitted, probe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.breakers[dep]
	if !ok {
		c = &circuit{name: dep, state: Closed, cooldown: m.cfg.Cooldown}
		m.breakers[dep] = c
		m.exportState(c)
	}

	switch c.state {
	case Closed:
		return c, true, false
	case Open:
		if m.now().Before(c.nextProbeAt) {
			return c, false, false
		}
		c.state = HalfOpen
		c.probing = true
		m.exportState(c)
		m.logger.Info().Str("dependency", dep).Msg("Breaker half-open, probing")
		return c, true, true
	case HalfOpen:
		if c.probing {
			return c, false, false
		}
		c.probing = true
		return c, true, true
	}
	return c, false, false
}

func (m *Manager) recordFailure(c *circuit, probe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BreakerFailures.WithLabelValues(c.name).Inc()
	}

	switch c.state {
	case Closed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= m.cfg.FailureThreshold {
			m.trip(c)
		}
	case HalfOpen:
		if !probe {
			// Late failure from a call admitted before the trip; the
			// in-flight probe's outcome decides.
			return
		}
		// Failed probe: back to OPEN with doubled cooldown, capped.
		c.probing = false
		c.cooldown *= 2
		if c.cooldown > m.cfg.MaxCooldown {
			c.cooldown = m.cfg.MaxCooldown
		}
		m.trip(c)
	case Open:
		// Late failure from a call admitted before the trip; nothing to do.
	}
}

func (m *Manager) recordSuccess(c *circuit, probe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch c.state {
	case HalfOpen:
		if !probe {
			return
		}
		c.state = Closed
		c.consecutiveFailures = 0
		c.probing = false
		c.cooldown = m.cfg.Cooldown
		m.exportState(c)
		m.logger.Info().Str("dependency", c.name).Msg("Breaker closed after successful probe")
	case Closed:
		c.consecutiveFailures = 0
	}
}

// trip moves a circuit to OPEN. Caller holds the lock.
func (m *Manager) trip(c *circuit) {
	c.state = Open
	c.openedAt = m.now()
	c.nextProbeAt = c.openedAt.Add(c.cooldown)
	m.exportState(c)
	m.logger.Warn().
		Str("dependency", c.name).
		Int("consecutive_failures", c.consecutiveFailures).
		Dur("cooldown", c.cooldown).
		Msg("Breaker opened")
}

func (m *Manager) exportState(c *circuit) {
	if m.metrics == nil {
		return
	}
	m.metrics.BreakerState.WithLabelValues(c.name).Set(float64(c.state))
}

// Dependency names used across the gateway. Shared here so breaker
// state, logs and metrics line up.
const (
	DepAuth   = "auth"
	DepStore  = "store"
	DepBroker = "broker"
	DepVoice  = "voice_provider"
)
