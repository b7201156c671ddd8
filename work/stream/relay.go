package stream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"iptv-gateway/work/buffer"
	"iptv-gateway/work/catalog"
	"iptv-gateway/work/client"
	"iptv-gateway/work/config"
	"iptv-gateway/work/connection"
	"iptv-gateway/work/logger"
	"iptv-gateway/work/metrics"
	"iptv-gateway/work/session"
)

const relayChunkSize = 32 * 1024

// upstream headers passed through to the client verbatim
var proxiedHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
	"Connection":     true,
	"Date":           true,
}

// copyUpstreamHeaders forwards the whitelisted subset of upstream headers
// and adds CORS allow-all so browser players work out of the box.
func copyUpstreamHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if !proxiedHeaders[canonical] &&
			!strings.HasPrefix(canonical, "Access-Control-") &&
			!strings.HasPrefix(canonical, "X-") {
			continue
		}
		for _, value := range values {
			dst.Add(canonical, value)
		}
	}

	dst.Set("Access-Control-Allow-Origin", "*")
	dst.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	dst.Set("Access-Control-Allow-Headers", "*")
}

// speedMeter tracks rolling relay throughput and reports it at debug level.
type speedMeter struct {
	label       string
	total       int64
	windowBytes int64
	windowStart time.Time
}

func newSpeedMeter(label string) *speedMeter {
	return &speedMeter{label: label, windowStart: time.Now()}
}

func (m *speedMeter) add(n int) {
	m.total += int64(n)
	m.windowBytes += int64(n)

	elapsed := time.Since(m.windowStart)
	if elapsed >= 5*time.Second {
		rate := float64(m.windowBytes) / elapsed.Seconds() / 1024
		logger.Debug("relay %s: %.0f KiB/s, %d bytes total", m.label, rate, m.total)
		m.windowBytes = 0
		m.windowStart = time.Now()
	}
}

// relay streams upstream bytes straight through to the client. The first
// byte must arrive within startTimeout; after that the idle timer resets on
// every chunk, and each chunk also extends the owning session so an actively
// watching user is never expired mid-stream. On any mid-stream error the
// client connection is closed without emitting partial trailing garbage.
func (e *Engine) relay(w http.ResponseWriter, r *http.Request, p *config.ProviderConfig, ch *catalog.Channel, sess *session.Session, conn *connection.Connection, upstream string, readTimeout time.Duration) {
	if readTimeout <= 0 {
		readTimeout = defaultSegmentDuration
	}

	metrics.ActiveStreams.WithLabelValues(ch.Provider).Inc()
	defer metrics.ActiveStreams.WithLabelValues(ch.Provider).Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := conn.NewRequest(ctx, http.MethodGet, upstream, sess.Username())
	if err != nil {
		http.Error(w, "bad upstream url", http.StatusBadGateway)
		return
	}

	startTimeout := p.StreamStartTimeout
	if startTimeout <= 0 {
		startTimeout = readTimeout
	}
	startTimer := time.AfterFunc(startTimeout, cancel)

	resp, err := conn.Client.Do(req)
	startTimer.Stop()
	if err != nil {
		metrics.StreamErrors.WithLabelValues(ch.Provider, "connect").Inc()
		logger.Warn("upstream connect for %s failed: %v", ch.Reference, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		metrics.StreamErrors.WithLabelValues(ch.Provider, "status").Inc()
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}

	cw := client.NewCustomResponseWriter(w)
	copyUpstreamHeaders(cw.Header(), resp.Header)
	cw.WriteHeader(resp.StatusCode)

	meter := newSpeedMeter(ch.Name)

	buf := e.buffers.Get()
	defer e.buffers.Put(buf)
	chunk := buffer.Bytes(buf, relayChunkSize)

	// the idle timer aborts the upstream read when no data arrives inside
	// the window; every received chunk pushes it out again
	idle := time.AfterFunc(readTimeout, cancel)
	defer idle.Stop()

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			idle.Reset(readTimeout)
			sess.Touch()

			if _, writeErr := cw.Write(chunk[:n]); writeErr != nil {
				logger.Debug("client for %s went away: %v", ch.Reference, writeErr)
				return
			}
			cw.Flush()
			meter.add(n)
			metrics.BytesTransferred.WithLabelValues(ch.Provider, "downstream").Add(float64(n))
			metrics.BytesTransferred.WithLabelValues(ch.Provider, "upstream").Add(float64(n))
		}

		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			if ctx.Err() != nil {
				metrics.StreamErrors.WithLabelValues(ch.Provider, "read_timeout").Inc()
				logger.Warn("relay for %s idle for %s, aborting", ch.Reference, readTimeout)
			} else {
				metrics.StreamErrors.WithLabelValues(ch.Provider, "read").Inc()
				logger.Warn("relay for %s failed: %v", ch.Reference, readErr)
			}
			return
		}
	}
}
