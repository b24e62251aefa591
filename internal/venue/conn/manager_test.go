package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/venue"
	"github.com/tradeforge/venuegate/internal/venue/sim"
)

// flakyClient fails the first failures Connect calls, then delegates to the
// simulated venue.
type flakyClient struct {
	*sim.Client
	attempts int
	failures int
}

func (f *flakyClient) Connect(ctx context.Context, cfg venue.SessionConfig) error {
	f.attempts++
	if f.attempts <= f.failures {
		return errs.Connection("test/connect", "connection refused")
	}
	return f.Client.Connect(ctx, cfg)
}

func newManager(t *testing.T, client venue.Client, maxRetries int) (*Manager, *[]time.Duration) {
	t.Helper()
	m := NewManager(client, Options{
		Session:    venue.SessionConfig{Host: "localhost", Port: 4003, ClientID: 1},
		MaxRetries: maxRetries,
		RetryDelay: 2 * time.Second,
	})
	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return m, &delays
}

func TestConnectExhaustsAllAttempts(t *testing.T) {
	client := &flakyClient{Client: sim.New(), failures: 10}
	m, delays := newManager(t, client, 3)

	err := m.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeConnection, errs.CodeOf(err))
	require.Equal(t, 3, client.attempts)
	require.Equal(t, StateDisconnected, m.State())

	// Delay scales linearly with the attempt number; no sleep after the last.
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)
}

func TestConnectSucceedsAfterRetry(t *testing.T) {
	client := &flakyClient{Client: sim.New(), failures: 1}
	m, delays := newManager(t, client, 3)

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, 2, client.attempts)
	require.Equal(t, StateConnected, m.State())
	require.Len(t, *delays, 1)

	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })
}

func TestConnectIsIdempotentWhenConnected(t *testing.T) {
	client := &flakyClient{Client: sim.New()}
	m, _ := newManager(t, client, 3)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, 1, client.attempts)

	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })
}

func TestVenueDropMarksDisconnectedWithoutAutoReconnect(t *testing.T) {
	simClient := sim.New()
	client := &flakyClient{Client: simClient}
	m, _ := newManager(t, client, 3)

	require.NoError(t, m.Connect(context.Background()))

	simClient.EmitDisconnect("peer reset")

	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)

	// No reconnect was initiated on our side.
	require.Equal(t, 1, client.attempts)

	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })
}

func TestDisconnectStopsForwarding(t *testing.T) {
	simClient := sim.New()
	client := &flakyClient{Client: simClient}
	m, _ := newManager(t, client, 3)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))
	require.Equal(t, StateDisconnected, m.State())
	require.False(t, m.IsConnected())
}

func TestPaceHonorsContextCancellation(t *testing.T) {
	m := NewManager(sim.New(), Options{
		Session:           venue.SessionConfig{Host: "localhost", Port: 4003},
		MaxRetries:        1,
		DispatchPerSecond: 0.001,
	})

	require.NoError(t, m.Pace(context.Background())) // burst slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Pace(ctx)
	require.Error(t, err)
	require.Equal(t, errs.CodeConnection, errs.CodeOf(err))
}
