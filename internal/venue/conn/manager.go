// Package conn owns the venue session lifecycle: a three-state machine with
// bounded retry on connect, event forwarding while connected, and request
// pacing for all venue dispatch.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue"
)

// State is the session state. Transitions are Disconnected -> Connecting ->
// Connected, and any state -> Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures the session lifecycle.
type Options struct {
	Session        venue.SessionConfig
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	MarketDataType venue.MarketDataType
	// DispatchPerSecond caps venue-bound requests across all callers.
	DispatchPerSecond float64
}

const eventBuffer = 256

// Manager supervises one venue session. A venue-initiated drop moves the
// state to Disconnected and stays there; reconnection is an explicit Connect
// call, never automatic.
type Manager struct {
	client venue.Client
	opts   Options

	mu    sync.Mutex
	state State

	limiter *rate.Limiter
	events  chan schema.Event

	forwardWG     conc.WaitGroup
	forwardCancel context.CancelFunc

	// sleep is swapped in tests to observe retry pacing.
	sleep func(context.Context, time.Duration) error
}

// NewManager creates a session manager over the given venue client.
func NewManager(client venue.Client, opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	dps := opts.DispatchPerSecond
	if dps <= 0 {
		dps = 40
	}
	burst := int(dps)
	if burst < 1 {
		burst = 1
	}
	return &Manager{
		client:  client,
		opts:    opts,
		state:   StateDisconnected,
		limiter: rate.NewLimiter(rate.Limit(dps), burst),
		events:  make(chan schema.Event, eventBuffer),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect establishes the venue session, retrying up to MaxRetries attempts.
// The delay before attempt n+1 is RetryDelay scaled by n, so waits lengthen
// linearly. Connecting while already connected is a no-op success.
func (m *Manager) Connect(ctx context.Context) error {
	const op = "conn/connect"

	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return errs.Connection(op, "connect already in progress")
	}
	m.state = StateConnecting
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		observability.Log().Info("connecting to venue",
			observability.F("host", m.opts.Session.Host),
			observability.F("port", m.opts.Session.Port),
			observability.F("attempt", attempt))
		observability.Telemetry().IncCounter(observability.MetricReconnectAttempts, 1)

		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err := m.client.Connect(attemptCtx, m.opts.Session)
		cancel()
		if err == nil {
			m.onConnected(ctx)
			return nil
		}
		lastErr = err
		observability.Log().Warn("venue connect attempt failed",
			observability.F("attempt", attempt),
			observability.F("error", err.Error()))

		if attempt < m.opts.MaxRetries {
			if err := m.sleep(ctx, m.opts.RetryDelay*time.Duration(attempt)); err != nil {
				m.setState(StateDisconnected)
				return errs.Connection(op, "connect aborted", errs.WithCause(err))
			}
		}
	}

	m.setState(StateDisconnected)
	return errs.Connection(op, "all connection attempts exhausted", errs.WithCause(lastErr))
}

func (m *Manager) onConnected(ctx context.Context) {
	m.setState(StateConnected)
	observability.Telemetry().SetGauge(observability.MetricConnectionStatus, 1)

	if m.opts.MarketDataType != 0 {
		if err := m.client.SetMarketDataType(ctx, m.opts.MarketDataType); err != nil {
			observability.Log().Warn("set market data type failed", observability.F("error", err.Error()))
		}
	}

	forwardCtx, cancel := context.WithCancel(context.Background())
	m.forwardCancel = cancel
	m.forwardWG.Go(func() { m.forward(forwardCtx) })
	observability.Log().Info("venue session established")
}

// forward relays venue events to subscribers. A disconnect event marks the
// session down before it is relayed so IsConnected is accurate by the time a
// consumer sees the event.
func (m *Manager) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.client.Events():
			if !ok {
				return
			}
			if ev.Type == schema.EventDisconnected {
				m.setState(StateDisconnected)
				observability.Telemetry().SetGauge(observability.MetricConnectionStatus, 0)
				observability.Log().Warn("venue session lost", observability.F("reason", ev.Reason))
			}
			select {
			case m.events <- ev:
			default:
				observability.Telemetry().IncCounter(observability.MetricEventsDropped, 1)
				observability.Log().Warn("venue event dropped, consumer lagging",
					observability.F("type", string(ev.Type)))
			}
		}
	}
}

// Disconnect tears down the session and the forwarding goroutine.
func (m *Manager) Disconnect(ctx context.Context) error {
	if m.forwardCancel != nil {
		m.forwardCancel()
		m.forwardWG.Wait()
		m.forwardCancel = nil
	}
	err := m.client.Disconnect(ctx)
	m.setState(StateDisconnected)
	observability.Telemetry().SetGauge(observability.MetricConnectionStatus, 0)
	if err != nil {
		return errs.Connection("conn/disconnect", "disconnect failed", errs.WithCause(err))
	}
	return nil
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether both the state machine and the underlying
// client consider the session live.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected && m.client.IsConnected()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Pace blocks until the dispatch limiter grants a slot. Every venue-bound
// request goes through here.
func (m *Manager) Pace(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return errs.Connection("conn/pace", "dispatch pacing aborted", errs.WithCause(err))
	}
	return nil
}

// Client returns the underlying venue session for paced callers.
func (m *Manager) Client() venue.Client {
	return m.client
}

// Events exposes the forwarded venue event feed.
func (m *Manager) Events() <-chan schema.Event {
	return m.events
}
