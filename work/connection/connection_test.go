package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iptv-gateway/work/config"
)

func testManager(capacities ...int) *Manager {
	accounts := make([]config.AccountConfig, len(capacities))
	for i, c := range capacities {
		accounts[i] = config.AccountConfig{
			URL:                   "http://upstream.example/playlist.m3u",
			MaxConcurrentRequests: c,
		}
	}
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "tv", Accounts: accounts},
		},
	}
	return NewManager(cfg)
}

func TestTryAcquireBound(t *testing.T) {
	m := testManager(2)

	c1, ok := m.TryAcquire("tv")
	require.True(t, ok)
	c2, ok := m.TryAcquire("tv")
	require.True(t, ok)

	// Both permits of the single account are held.
	_, ok = m.TryAcquire("tv")
	require.False(t, ok)

	m.Release(c1)
	c3, ok := m.TryAcquire("tv")
	require.True(t, ok)

	m.Release(c2)
	m.Release(c3)
	require.Equal(t, 0, c1.InFlight())
}

func TestTryAcquireSpreadsAcrossAccounts(t *testing.T) {
	m := testManager(1, 1)

	c1, ok := m.TryAcquire("tv")
	require.True(t, ok)
	c2, ok := m.TryAcquire("tv")
	require.True(t, ok)
	require.NotSame(t, c1, c2)

	_, ok = m.TryAcquire("tv")
	require.False(t, ok)
}

func TestTryAcquireUnknownProvider(t *testing.T) {
	m := testManager(1)

	_, ok := m.TryAcquire("nope")
	require.False(t, ok)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := testManager(1)

	held, ok := m.TryAcquire("tv")
	require.True(t, ok)

	go func() {
		time.Sleep(150 * time.Millisecond)
		m.Release(held)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := m.Acquire(ctx, "tv")
	require.NoError(t, err)
	require.Same(t, held, conn)
	m.Release(conn)
}

func TestAcquireContextCancel(t *testing.T) {
	m := testManager(1)

	_, ok := m.TryAcquire("tv")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx, "tv")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseWithoutAcquire(t *testing.T) {
	m := testManager(1)

	conn, ok := m.TryAcquire("tv")
	require.True(t, ok)
	m.Release(conn)

	// Double release is dropped, not banked as extra capacity.
	m.Release(conn)
	require.Equal(t, 0, conn.InFlight())

	m.Release(nil)
}

func TestNewRequestUserHeader(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{
				Name:     "chained",
				SendUser: true,
				Accounts: []config.AccountConfig{
					{URL: "http://upstream.example/playlist.m3u", MaxConcurrentRequests: 1},
				},
			},
		},
	}
	m := NewManager(cfg)

	conn, ok := m.TryAcquire("chained")
	require.True(t, ok)

	req, err := conn.NewRequest(context.Background(), "GET", "http://upstream.example/live/1.ts", "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", req.Header.Get(ProxyUserHeader))

	// No user id forwarded for anonymous requests.
	req, err = conn.NewRequest(context.Background(), "GET", "http://upstream.example/live/1.ts", "")
	require.NoError(t, err)
	require.Empty(t, req.Header.Get(ProxyUserHeader))
}

func TestNewRequestPacedByLimiter(t *testing.T) {
	m := testManager(10)
	conn, ok := m.TryAcquire("tv")
	require.True(t, ok)
	defer m.Release(conn)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := conn.NewRequest(context.Background(), "GET", "http://upstream.example/live/1.ts", "")
		require.NoError(t, err)
	}

	// ten starts per second spaces three requests at least ~200ms apart
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
