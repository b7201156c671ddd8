// Package session tracks per-user viewing state: the single upstream
// connection a user holds, the segment map their rewritten playlist refers
// to, and the inactivity expiry that reclaims both.
package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"iptv-gateway/work/connection"
	"iptv-gateway/work/logger"
	"iptv-gateway/work/metrics"
	"iptv-gateway/work/parser"
)

// expiry timers are only rescheduled when the deadline moved forward by more
// than the jitter, otherwise every served segment would churn a timer reset
const expiryJitter = 5 * time.Second

// Session is one user's ephemeral state. Every field is guarded by mu; all
// access goes through methods so callers never touch the fields directly.
type Session struct {
	username string
	manager  *Manager

	mu         sync.Mutex
	conn       *connection.Connection
	channelRef string
	segments   map[string]*parser.Segment
	catchup    bool
	expiry     time.Time
	timer      *time.Timer
	closed     bool

	permits chan struct{}
}

// Manager owns the live sessions, keyed by username.
type Manager struct {
	sessions    *xsync.MapOf[string, *Session]
	connections *connection.Manager
	timeout     time.Duration
}

// NewManager creates a session manager. Sessions expire after timeout of
// inactivity; their held connection permits are returned through connections.
func NewManager(timeout time.Duration, connections *connection.Manager) *Manager {
	return &Manager{
		sessions:    xsync.NewMapOf[string, *Session](),
		connections: connections,
		timeout:     timeout,
	}
}

// Get returns the user's session, creating it on first use.
// maxConnections bounds the user's concurrent streams; zero means one.
func (m *Manager) Get(username string, maxConnections int) *Session {
	if maxConnections <= 0 {
		maxConnections = 1
	}

	s, loaded := m.sessions.LoadOrCompute(username, func() *Session {
		return &Session{
			username: username,
			manager:  m,
			segments: make(map[string]*parser.Segment),
			permits:  make(chan struct{}, maxConnections),
		}
	})
	if !loaded {
		metrics.SessionsActive.Inc()
		logger.Debug("session started for %s", username)
		s.mu.Lock()
		s.scheduleLocked(time.Now().Add(m.timeout))
		s.mu.Unlock()
	}

	s.Touch()
	return s
}

// Peek returns the session if one exists, without creating or touching it.
func (m *Manager) Peek(username string) (*Session, bool) {
	return m.sessions.Load(username)
}

// Remove drops a session outright, releasing everything it holds.
func (m *Manager) Remove(username string) {
	if s, ok := m.sessions.LoadAndDelete(username); ok {
		s.close()
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.sessions.Range(func(username string, s *Session) bool {
		m.sessions.Delete(username)
		s.close()
		return true
	})
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return m.sessions.Size()
}

// Username returns the owning user.
func (s *Session) Username() string {
	return s.username
}

// Touch pushes the inactivity deadline forward. Called on every request the
// session serves, including each relayed chunk's read deadline extension, so
// an actively watching client is never evicted mid-stream.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	deadline := time.Now().Add(s.manager.timeout)
	if deadline.Sub(s.expiry) <= expiryJitter {
		return
	}
	s.scheduleLocked(deadline)
}

// scheduleLocked reschedules the expiry timer for a new deadline, with a
// small random jitter. Caller holds mu.
func (s *Session) scheduleLocked(deadline time.Time) {
	s.expiry = deadline
	if s.timer != nil {
		s.timer.Stop()
	}
	jitter := time.Duration(rand.Int63n(int64(expiryJitter)))
	s.timer = time.AfterFunc(time.Until(deadline)+jitter, s.expire)
}

// expire fires from the timer: evict only when the deadline really passed,
// otherwise a Touch moved it and the timer is rescheduled.
func (s *Session) expire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if remaining := time.Until(s.expiry); remaining > 0 {
		s.scheduleLocked(s.expiry)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	logger.Debug("session for %s expired", s.username)
	s.manager.Remove(s.username)
}

// close releases the session's connection and stops its timer. Called only
// via Manager removal so the map entry and the session state go together.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.timer != nil {
		s.timer.Stop()
	}
	if s.conn != nil {
		s.manager.connections.Release(s.conn)
		s.conn = nil
	}
	metrics.SessionsActive.Dec()
}

// SetChannel records a freshly acquired connection permit for a channel. A
// user holds at most one permit: storing a new one releases the previous
// acquisition exactly once. The caller must pass a connection it just
// acquired, never one the session already holds. The segment map resets on a
// channel switch because its entries belong to the previous playlist.
func (s *Session) SetChannel(reference string, conn *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.manager.connections.Release(s.conn)
	}
	if s.channelRef != reference {
		s.segments = make(map[string]*parser.Segment)
		s.catchup = false
	}
	s.conn = conn
	s.channelRef = reference
}

// Channel returns the channel reference and connection the session holds.
func (s *Session) Channel() (string, *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelRef, s.conn
}

// ReleaseChannel returns the held connection, if any, exactly once.
func (s *Session) ReleaseChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.manager.connections.Release(s.conn)
		s.conn = nil
	}
	s.channelRef = ""
	s.segments = make(map[string]*parser.Segment)
}

// SetSegments replaces the session's segment map with the segments of a
// freshly resolved playlist.
func (s *Session) SetSegments(segments []*parser.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = make(map[string]*parser.Segment, len(segments))
	for _, seg := range segments {
		s.segments[seg.Path] = seg
	}
}

// Segment looks up a rewritten segment path. A miss means the session is
// stale or the client asked for another channel's segment.
func (s *Session) Segment(path string) (*parser.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[path]
	return seg, ok
}

// SetCatchup flags the session as time-shifted playback, which uses its own
// timeout budgets.
func (s *Session) SetCatchup(catchup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchup = catchup
}

// Catchup reports whether the session is in time-shifted playback.
func (s *Session) Catchup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catchup
}

// TryStream claims one of the user's concurrent stream permits. Callers that
// get false answer with a busy status instead of queueing.
func (s *Session) TryStream() bool {
	select {
	case s.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

// EndStream returns a stream permit.
func (s *Session) EndStream() {
	select {
	case <-s.permits:
	default:
	}
}
