package parser

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"iptv-gateway/work/logger"
)

// M3uChannel is one catalog entry parsed from a provider playlist.
type M3uChannel struct {
	URL     string            // Resource URL of the channel
	Name    string            // Display name from the EXTINF line
	Groups  []string          // Groups from EXTGRP lines and the group-title attribute
	Props   map[string]string // key="value" attributes from the EXTINF line
	VlcOpts map[string]string // EXTVLCOPT options preceding the resource line
}

// M3uDoc is a fully parsed provider playlist.
type M3uDoc struct {
	Channels []M3uChannel
	Props    map[string]string // attributes of the #EXTM3U header line
}

var (
	tagPattern  = regexp.MustCompile(`^#(\w+)(?:[ :](.*))?$`)
	infoPattern = regexp.MustCompile(`^([-+0-9]+) ?(.*)$`)
	propPattern = regexp.MustCompile(`(\S+?)="([^"]*)"`)
)

// ParseM3U reads a provider playlist line by line. Malformed fragments are
// logged and skipped at the smallest granularity; only a structurally broken
// document (no #EXTM3U header) aborts the parse, because in that case the
// body is almost certainly an HTML error page rather than a playlist.
func ParseM3U(r io.Reader) (*M3uDoc, error) {
	doc := &M3uDoc{Props: map[string]string{}}

	var (
		name       string
		props      map[string]string
		vlcOpts    map[string]string
		groups     []string
		hasInfo    bool
		sawHeader  bool
		firstLine  = true
	)

	reset := func() {
		name = ""
		props = nil
		vlcOpts = nil
		groups = nil
		hasInfo = false
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := sanitizeLine(scanner.Text())
		if line == "" {
			continue
		}

		if firstLine {
			firstLine = false
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, fmt.Errorf("not an m3u document: first line %q", truncate(line, 40))
			}
		}

		if m := tagPattern.FindStringSubmatch(line); m != nil {
			tag, rest := m[1], m[2]

			switch tag {
			case "EXTM3U":
				sawHeader = true
				if rest != "" {
					if leftover := parseProps(rest, doc.Props); strings.TrimSpace(leftover) != "" {
						logger.Warn("malformed playlist property: %s", leftover)
					}
				}

			case "EXTINF":
				im := infoPattern.FindStringSubmatch(rest)
				if im == nil {
					logger.Warn("malformed channel info: %s", rest)
					continue
				}
				props = map[string]string{}
				name = strings.TrimSpace(parseProps(im[2], props))
				name = strings.TrimSpace(strings.TrimPrefix(name, ","))
				hasInfo = true

			case "EXTVLCOPT":
				if vlcOpts == nil {
					vlcOpts = map[string]string{}
				}
				key, value, _ := strings.Cut(rest, "=")
				vlcOpts[key] = value

			case "EXTGRP":
				for _, g := range strings.Split(rest, ";") {
					if g = strings.TrimSpace(g); g != "" {
						groups = append(groups, g)
					}
				}

			default:
				logger.Debug("unknown m3u tag: %s", tag)
			}

			continue
		}

		// resource line, spaces inside it are always stray
		line = strings.ReplaceAll(line, " ", "")
		if !hasInfo {
			logger.Warn("resource line without channel info dropped: %s", truncate(line, 60))
			reset()
			continue
		}

		if group, ok := props["group-title"]; ok {
			delete(props, "group-title")
			for _, g := range strings.Split(group, ";") {
				if g = strings.TrimSpace(g); g != "" {
					groups = append(groups, g)
				}
			}
		}

		if _, err := url.Parse(line); err != nil {
			logger.Warn("malformed channel uri: %s", truncate(line, 60))
			reset()
			continue
		}

		doc.Channels = append(doc.Channels, M3uChannel{
			URL:     line,
			Name:    name,
			Groups:  groups,
			Props:   props,
			VlcOpts: vlcOpts,
		})
		reset()
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading m3u document: %w", err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("not an m3u document: missing #EXTM3U header")
	}

	return doc, nil
}

// parseProps extracts key="value" attributes from an EXTINF attribute string
// and returns the trailing display name (everything after the last comma
// outside the attributes).
func parseProps(line string, props map[string]string) string {
	attrs := line
	display := ""
	if idx := strings.LastIndex(line, ","); idx >= 0 {
		attrs = line[:idx]
		display = line[idx+1:]
	}

	for _, m := range propPattern.FindAllStringSubmatch(attrs, -1) {
		props[m[1]] = m[2]
	}

	return display
}

// sanitizeLine strips control characters and surrounding whitespace. Provider
// playlists regularly contain stray carriage returns and unicode line
// separators.
func sanitizeLine(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '\u2028' || r == '\u2029' {
			return -1
		}
		return r
	}, raw)
	return strings.TrimSpace(cleaned)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
