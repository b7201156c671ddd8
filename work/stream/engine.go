// Package stream is the proxy engine: it resolves a channel's live playlist
// through an acquired upstream connection, rewrites segment references, and
// relays media bytes with timeout, retry and circuit-breaker policy.
package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"iptv-gateway/work/buffer"
	"iptv-gateway/work/catalog"
	"iptv-gateway/work/config"
	"iptv-gateway/work/connection"
	"iptv-gateway/work/logger"
	"iptv-gateway/work/metrics"
	"iptv-gateway/work/parser"
	"iptv-gateway/work/session"
)

// how many levels of playlist-pointing-at-playlist indirection to follow
// before giving up on an upstream
const maxNestedPlaylists = 5

// assumed segment duration when the playlist does not carry one
const defaultSegmentDuration = 10 * time.Second

// Engine drives upstream playlist resolution and media relay.
type Engine struct {
	cfg         *config.Config
	connections *connection.Manager
	sessions    *session.Manager
	buffers     *buffer.Pool

	// channel reference -> unix nano until which the channel is cooling down
	failedUntil *xsync.MapOf[string, int64]
}

// NewEngine creates the proxy engine.
func NewEngine(cfg *config.Config, connections *connection.Manager, sessions *session.Manager, buffers *buffer.Pool) *Engine {
	return &Engine{
		cfg:         cfg,
		connections: connections,
		sessions:    sessions,
		buffers:     buffers,
		failedUntil: xsync.NewMapOf[string, int64](),
	}
}

// CircuitOpen reports whether the channel is in its failure cool-down.
func (e *Engine) CircuitOpen(reference string) bool {
	until, ok := e.failedUntil.Load(reference)
	if !ok {
		return false
	}
	if time.Now().UnixNano() >= until {
		e.failedUntil.Delete(reference)
		return false
	}
	return true
}

// markFailed opens the circuit for a channel when the provider configures a
// cool-down, so follow-up requests short-circuit without upstream attempts.
func (e *Engine) markFailed(p *config.ProviderConfig, reference string) {
	if p.ChannelFailed <= 0 {
		return
	}
	e.failedUntil.Store(reference, time.Now().Add(p.ChannelFailed).UnixNano())
	logger.Warn("channel %s marked failed for %s", reference, p.ChannelFailed)
}

// IsCatchupRequest reports whether the query carries a time-shift marker.
func IsCatchupRequest(query url.Values) bool {
	return query.Has("utc") || query.Has("lutc")
}

// UpstreamURL rebuilds the channel URL for an upstream request, forwarding
// the client's query parameters except the auth token. Encode sorts keys, so
// the same logical request always produces the same URL.
func UpstreamURL(ch *catalog.Channel, clientQuery url.Values) (string, error) {
	u, err := url.Parse(ch.URL)
	if err != nil {
		return "", fmt.Errorf("error parsing channel url: %w", err)
	}

	merged := u.Query()
	for key, values := range clientQuery {
		if key == "t" {
			continue
		}
		merged[key] = values
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}

// ServePlaylist handles a channel playlist request: resolve the upstream
// live playlist through an acquired connection, record the segment map on
// the session and emit the rewritten playlist. Channels that are not HLS, or
// whose provider disables relaying, are answered with a redirect instead.
func (e *Engine) ServePlaylist(w http.ResponseWriter, r *http.Request, ch *catalog.Channel, sess *session.Session, channelBase, token string) {
	p := e.cfg.GetProvider(ch.Provider)
	if p == nil {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	if e.CircuitOpen(ch.Reference) {
		metrics.StreamErrors.WithLabelValues(ch.Provider, "circuit_open").Inc()
		http.Error(w, "channel temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	catchup := IsCatchupRequest(r.URL.Query())
	sess.SetCatchup(catchup)

	upstream, err := UpstreamURL(ch, r.URL.Query())
	if err != nil {
		logger.Error("channel %s has an unusable url: %v", ch.Reference, err)
		http.Error(w, "bad channel url", http.StatusBadGateway)
		return
	}

	chURL, err := url.Parse(upstream)
	if err != nil {
		http.Error(w, "bad channel url", http.StatusBadGateway)
		return
	}

	if !p.ProxyStream || !parser.IsPlaylistPath(chURL) {
		if p.ProxyStream {
			// direct (non-HLS) stream, relay it whole
			e.relayDirect(w, r, p, ch, sess, upstream)
			return
		}
		http.Redirect(w, r, upstream, http.StatusFound)
		return
	}

	conn, fresh, err := e.connectionFor(r.Context(), ch, sess, p, catchup)
	if err != nil {
		metrics.StreamErrors.WithLabelValues(ch.Provider, "no_permit").Inc()
		http.Error(w, "no upstream capacity", http.StatusServiceUnavailable)
		return
	}
	if fresh {
		sess.SetChannel(ch.Reference, conn)
	}

	playlist, err := e.resolvePlaylist(r.Context(), conn, p, upstream, sess.Username(), catchup)
	if err != nil {
		logger.Warn("channel %s playlist resolution failed: %v", ch.Reference, err)
		metrics.StreamErrors.WithLabelValues(ch.Provider, "resolve").Inc()
		e.markFailed(p, ch.Reference)
		http.Error(w, "upstream playlist unavailable", http.StatusBadGateway)
		return
	}

	e.failedUntil.Delete(ch.Reference)
	sess.SetSegments(playlist.Segments)
	sess.Touch()

	body := playlist.Render(channelBase, token)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	io.WriteString(w, body)
}

// connectionFor returns the connection to use for a channel request. The
// session's held connection is reused while the user stays on the same
// channel; otherwise a new permit is acquired within the info budget.
func (e *Engine) connectionFor(ctx context.Context, ch *catalog.Channel, sess *session.Session, p *config.ProviderConfig, catchup bool) (*connection.Connection, bool, error) {
	heldRef, held := sess.Channel()
	if held != nil && heldRef == ch.Reference {
		return held, false, nil
	}

	// on a channel switch the old permit goes back first, otherwise a
	// single-permit account starves the acquire against itself
	if held != nil {
		sess.ReleaseChannel()
	}

	budget := p.InfoTotalTimeout
	if catchup {
		budget = p.CatchupTotalTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	conn, err := e.connections.Acquire(acquireCtx, p.Name)
	if err != nil {
		return nil, false, err
	}
	return conn, true, nil
}

// resolvePlaylist fetches and parses the channel's live playlist, following
// nested playlist indirection, retrying on the provider's fixed delay until
// the per-request budget runs out. Catch-up requests use their own shorter
// budgets because a seek should fail fast rather than stall the player.
func (e *Engine) resolvePlaylist(ctx context.Context, conn *connection.Connection, p *config.ProviderConfig, upstream, username string, catchup bool) (*parser.MediaPlaylist, error) {
	timeout, total, delay := p.InfoTimeout, p.InfoTotalTimeout, p.InfoRetryDelay
	if catchup {
		timeout, total, delay = p.CatchupTimeout, p.CatchupTotalTimeout, p.CatchupRetryDelay
	}

	deadline := time.Now().Add(total)
	var lastErr error

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("info budget exhausted after %d attempts: %w", attempt, lastErr)
		}

		playlist, err := e.fetchPlaylist(ctx, conn, upstream, username, timeout)
		if err == nil {
			return playlist, nil
		}
		lastErr = err
		logger.Debug("playlist attempt %d for %s failed: %v", attempt+1, upstream, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fetchPlaylist performs one bounded attempt, following master variants and
// nested playlists within the attempt.
func (e *Engine) fetchPlaylist(ctx context.Context, conn *connection.Connection, upstream, username string, timeout time.Duration) (*parser.MediaPlaylist, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := upstream
	for depth := 0; depth < maxNestedPlaylists; depth++ {
		body, finalURL, err := e.fetchBody(attemptCtx, conn, target, username)
		if err != nil {
			return nil, err
		}

		if variant, ok := parser.ResolveMaster(body, finalURL); ok {
			target = variant
			continue
		}

		playlist, err := parser.ParseMediaPlaylist(body, finalURL)
		if err != nil {
			return nil, err
		}
		if playlist.Nested != "" {
			target = playlist.Nested
			continue
		}
		if len(playlist.Segments) == 0 {
			return nil, fmt.Errorf("playlist %s has no segments", target)
		}
		return playlist, nil
	}

	return nil, fmt.Errorf("too many nested playlists starting from %s", upstream)
}

func (e *Engine) fetchBody(ctx context.Context, conn *connection.Connection, target, username string) (string, *url.URL, error) {
	req, err := conn.NewRequest(ctx, http.MethodGet, target, username)
	if err != nil {
		return "", nil, fmt.Errorf("error building request: %w", err)
	}

	resp, err := conn.Client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("error fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", nil, fmt.Errorf("error reading %s: %w", target, err)
	}

	finalURL := resp.Request.URL
	return string(body), finalURL, nil
}

// ServeSegment relays one media segment. The hashed path must be present in
// the session's segment map; a miss means the session expired or the client
// is replaying another channel's playlist.
func (e *Engine) ServeSegment(w http.ResponseWriter, r *http.Request, ch *catalog.Channel, sess *session.Session, segmentPath string) {
	p := e.cfg.GetProvider(ch.Provider)
	if p == nil {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	seg, ok := sess.Segment(segmentPath)
	if !ok {
		http.Error(w, "unknown segment", http.StatusNotFound)
		return
	}

	heldRef, conn := sess.Channel()
	if conn == nil || heldRef != ch.Reference {
		http.Error(w, "no active stream for this channel", http.StatusNotFound)
		return
	}

	timeout := calculateTimeout(seg.Duration)
	e.relay(w, r, p, ch, sess, conn, seg.URL, timeout)
}

// relayDirect streams a non-HLS channel straight through, acquiring a permit
// for the duration of the relay.
func (e *Engine) relayDirect(w http.ResponseWriter, r *http.Request, p *config.ProviderConfig, ch *catalog.Channel, sess *session.Session, upstream string) {
	conn, fresh, err := e.connectionFor(r.Context(), ch, sess, p, sess.Catchup())
	if err != nil {
		metrics.StreamErrors.WithLabelValues(ch.Provider, "no_permit").Inc()
		http.Error(w, "no upstream capacity", http.StatusServiceUnavailable)
		return
	}
	if fresh {
		sess.SetChannel(ch.Reference, conn)
	}

	e.relay(w, r, p, ch, sess, conn, upstream, p.StreamReadTimeout)
}

// calculateTimeout derives the read budget for a segment from its duration.
// Three times the duration leaves room for jitter without letting a stalled
// upstream hold the client forever.
func calculateTimeout(duration time.Duration) time.Duration {
	if duration <= 0 {
		return defaultSegmentDuration
	}
	return 3*duration + time.Second
}
