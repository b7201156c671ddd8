package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseM3U(t *testing.T) {
	doc := `#EXTM3U url-tvg="http://example.com/epg.xml"
#EXTINF:0 tvg-id="bbc1.uk" tvg-logo="http://logo/bbc1.png" group-title="UK;News" catchup-days="7",BBC One
#EXTGRP:Favorites
http://host/live/bbc1.m3u8
#EXTINF:-1,Plain Channel
http://host/live/plain.ts
`

	parsed, err := ParseM3U(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "http://example.com/epg.xml", parsed.Props["url-tvg"])
	require.Len(t, parsed.Channels, 2)

	ch := parsed.Channels[0]
	require.Equal(t, "BBC One", ch.Name)
	require.Equal(t, "http://host/live/bbc1.m3u8", ch.URL)
	require.Equal(t, "bbc1.uk", ch.Props["tvg-id"])
	require.Equal(t, "http://logo/bbc1.png", ch.Props["tvg-logo"])
	require.Equal(t, "7", ch.Props["catchup-days"])
	require.Equal(t, []string{"Favorites", "UK", "News"}, ch.Groups)

	plain := parsed.Channels[1]
	require.Equal(t, "Plain Channel", plain.Name)
	require.Empty(t, plain.Groups)
}

func TestParseM3UOrphanResourceDropped(t *testing.T) {
	doc := `#EXTM3U
http://host/orphan.ts
#EXTINF:0,Kept
http://host/kept.ts
`

	parsed, err := ParseM3U(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, parsed.Channels, 1)
	require.Equal(t, "Kept", parsed.Channels[0].Name)
}

func TestParseM3UVlcOptions(t *testing.T) {
	doc := `#EXTM3U
#EXTINF:0,With Options
#EXTVLCOPT:http-user-agent=VLC/3.0
http://host/vlc.ts
`

	parsed, err := ParseM3U(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, parsed.Channels, 1)
	require.Equal(t, "VLC/3.0", parsed.Channels[0].VlcOpts["http-user-agent"])
}

func TestParseM3UStripsStrayWhitespace(t *testing.T) {
	doc := "#EXTM3U\r\n#EXTINF:0,Spacey\r\nhttp://host/a b.ts\r\n"

	parsed, err := ParseM3U(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, parsed.Channels, 1)
	require.Equal(t, "http://host/ab.ts", parsed.Channels[0].URL)
}

func TestParseM3UNotAPlaylist(t *testing.T) {
	_, err := ParseM3U(strings.NewReader("<html><body>login required</body></html>"))
	require.Error(t, err)
}

func TestParseM3UMalformedInfoSkipped(t *testing.T) {
	doc := `#EXTM3U
#EXTINF:garbage,Broken
http://host/broken.ts
#EXTINF:0,Fine
http://host/fine.ts
`

	parsed, err := ParseM3U(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, parsed.Channels, 1)
	require.Equal(t, "Fine", parsed.Channels[0].Name)
}
