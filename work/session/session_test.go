package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iptv-gateway/work/config"
	"iptv-gateway/work/connection"
)

func testConnections(t *testing.T, capacity int) *connection.Manager {
	t.Helper()
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{
			Name: "prov",
			Accounts: []config.AccountConfig{{
				URL:                   "http://up/playlist.m3u",
				MaxConcurrentRequests: capacity,
			}},
		}},
	}
	return connection.NewManager(cfg)
}

func TestGetReusesSession(t *testing.T) {
	m := NewManager(time.Minute, testConnections(t, 1))
	defer m.Shutdown()

	a := m.Get("alice", 1)
	b := m.Get("alice", 1)
	require.Same(t, a, b)
	require.Equal(t, 1, m.Count())

	m.Get("bob", 1)
	require.Equal(t, 2, m.Count())
}

func TestChannelSwitchReleasesPreviousOnce(t *testing.T) {
	conns := testConnections(t, 2)
	m := NewManager(time.Minute, conns)
	defer m.Shutdown()

	s := m.Get("alice", 1)

	first, ok := conns.TryAcquire("prov")
	require.True(t, ok)
	s.SetChannel("channel-a", first)
	require.Equal(t, 1, first.InFlight())

	second, ok := conns.TryAcquire("prov")
	require.True(t, ok)
	require.Equal(t, 2, second.InFlight())
	s.SetChannel("channel-b", second)

	// the switch returned channel-a's permit, channel-b still holds one
	require.Equal(t, 1, second.InFlight())

	ref, held := s.Channel()
	require.Equal(t, "channel-b", ref)
	require.Same(t, second, held)
}

func TestReleaseChannelIdempotent(t *testing.T) {
	conns := testConnections(t, 1)
	m := NewManager(time.Minute, conns)
	defer m.Shutdown()

	s := m.Get("alice", 1)
	conn, ok := conns.TryAcquire("prov")
	require.True(t, ok)
	s.SetChannel("channel-a", conn)

	s.ReleaseChannel()
	s.ReleaseChannel()
	require.Equal(t, 0, conn.InFlight())

	// the permit is usable again
	again, ok := conns.TryAcquire("prov")
	require.True(t, ok)
	conns.Release(again)
}

func TestSegmentMapResetsOnChannelSwitch(t *testing.T) {
	conns := testConnections(t, 2)
	m := NewManager(time.Minute, conns)
	defer m.Shutdown()

	s := m.Get("alice", 1)
	conn, _ := conns.TryAcquire("prov")
	s.SetChannel("channel-a", conn)
	s.SetSegments(nil)
	s.segments["abc.ts"] = nil

	other, _ := conns.TryAcquire("prov")
	s.SetChannel("channel-b", other)

	_, found := s.Segment("abc.ts")
	require.False(t, found)
}

func TestStreamPermitBound(t *testing.T) {
	m := NewManager(time.Minute, testConnections(t, 1))
	defer m.Shutdown()

	s := m.Get("alice", 2)
	require.True(t, s.TryStream())
	require.True(t, s.TryStream())
	require.False(t, s.TryStream())

	s.EndStream()
	require.True(t, s.TryStream())
}

func TestRemoveReleasesHeldConnection(t *testing.T) {
	conns := testConnections(t, 1)
	m := NewManager(time.Minute, conns)

	s := m.Get("alice", 1)
	conn, ok := conns.TryAcquire("prov")
	require.True(t, ok)
	s.SetChannel("channel-a", conn)

	m.Remove("alice")
	require.Equal(t, 0, m.Count())
	require.Equal(t, 0, conn.InFlight())
}

func TestCatchupFlagResetsOnChannelSwitch(t *testing.T) {
	conns := testConnections(t, 2)
	m := NewManager(time.Minute, conns)
	defer m.Shutdown()

	s := m.Get("alice", 1)
	require.False(t, s.Catchup())

	first, ok := conns.TryAcquire("prov")
	require.True(t, ok)
	s.SetChannel("channel-a", first)
	s.SetCatchup(true)
	require.True(t, s.Catchup())

	// time-shifted playback does not outlive the channel it was started on
	second, ok := conns.TryAcquire("prov")
	require.True(t, ok)
	s.SetChannel("channel-b", second)
	require.False(t, s.Catchup())
}
