package parser

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"iptv-gateway/work/auth"
	"iptv-gateway/work/logger"
)

// Segment is one media segment of a live playlist. Path is the opaque name
// the segment is served under; Header carries the tag lines that preceded
// the segment URI in the upstream playlist, verbatim.
type Segment struct {
	Path     string
	URL      string
	Header   []string
	Duration time.Duration
}

// MediaPlaylist is a parsed and rewritten live playlist. When Nested is
// non-empty the document was itself a pointer at another playlist and must
// be resolved by fetching Nested instead. Trailer holds the tag lines after
// the last segment URI, #EXT-X-ENDLIST most importantly.
type MediaPlaylist struct {
	Segments    []*Segment
	MaxDuration time.Duration
	Trailer     []string
	Nested      string
}

// IsPlaylistPath reports whether the URL path looks like an HLS playlist
// rather than a media segment.
func IsPlaylistPath(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".m3u8") || strings.HasSuffix(p, ".m3u")
}

// ResolveMaster checks whether the body is a master playlist and if so
// returns the URL of its first variant, resolved against base. Master
// playlists carry no segments themselves, so the caller has to fetch the
// variant and parse that instead.
func ResolveMaster(body string, base *url.URL) (string, bool) {
	playlist, kind, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil || kind != m3u8.MASTER {
		return "", false
	}

	master := playlist.(*m3u8.MasterPlaylist)
	for _, variant := range master.Variants {
		if variant == nil || variant.URI == "" {
			continue
		}
		resolved, err := base.Parse(variant.URI)
		if err != nil {
			logger.Warn("unresolvable variant uri %s: %v", variant.URI, err)
			continue
		}
		return resolved.String(), true
	}

	return "", false
}

// ParseMediaPlaylist scans a live playlist line by line, keeping every tag
// verbatim while replacing segment URIs with opaque names derived from the
// absolute upstream URL. base must be the final URL the body was fetched
// from so relative URIs resolve correctly after redirects.
func ParseMediaPlaylist(body string, base *url.URL) (*MediaPlaylist, error) {
	pl := &MediaPlaylist{}

	var (
		header    []string
		duration  time.Duration
		targetDur time.Duration
	)

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			switch {
			case strings.HasPrefix(line, "#EXTINF:"):
				value := strings.TrimPrefix(line, "#EXTINF:")
				if idx := strings.IndexAny(value, ",; "); idx >= 0 {
					value = value[:idx]
				}
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
					duration = time.Duration(secs * float64(time.Second))
				}
			case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
				value := strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
					targetDur = time.Duration(secs * float64(time.Second))
				}
			}
			header = append(header, line)
			continue
		}

		resolved, err := base.Parse(line)
		if err != nil {
			logger.Warn("unresolvable segment uri %s: %v", line, err)
			header = nil
			duration = 0
			continue
		}

		// a playlist whose first resource is another playlist is an
		// indirection, not a segment list
		if IsPlaylistPath(resolved) {
			if len(pl.Segments) > 0 {
				logger.Warn("playlist mixes segments and playlists, ignoring %s", resolved)
				header = nil
				duration = 0
				continue
			}
			pl.Nested = resolved.String()
			return pl, nil
		}

		segDur := duration
		if segDur == 0 {
			segDur = targetDur
		}

		pl.Segments = append(pl.Segments, &Segment{
			Path:     auth.Sha256Hex(resolved.String()) + ".ts",
			URL:      resolved.String(),
			Header:   header,
			Duration: segDur,
		})
		if segDur > pl.MaxDuration {
			pl.MaxDuration = segDur
		}
		header = nil
		duration = 0
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading playlist: %w", err)
	}

	// tags after the last segment still belong to the document
	pl.Trailer = header

	return pl, nil
}

// Render writes the rewritten playlist the way clients see it: original tags
// untouched, each segment URI replaced by its opaque path under channelBase
// with the session token appended.
func (pl *MediaPlaylist) Render(channelBase, token string) string {
	var sb strings.Builder
	for _, seg := range pl.Segments {
		for _, tag := range seg.Header {
			sb.WriteString(tag)
			sb.WriteByte('\n')
		}
		sb.WriteString(channelBase)
		sb.WriteByte('/')
		sb.WriteString(seg.Path)
		sb.WriteString("?t=")
		sb.WriteString(url.QueryEscape(token))
		sb.WriteByte('\n')
	}
	for _, tag := range pl.Trailer {
		sb.WriteString(tag)
		sb.WriteByte('\n')
	}
	return sb.String()
}
