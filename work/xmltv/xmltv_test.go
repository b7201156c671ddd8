package xmltv

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const sampleGuide = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1.uk">
    <display-name>BBC One</display-name>
    <display-name>BBC1</display-name>
    <icon src="http://logo/bbc1.png"/>
  </channel>
  <programme start="20260829180000 +0000" stop="20260829190000 +0000" channel="bbc1.uk">
    <title lang="en">News at Six</title>
    <desc>Evening news.</desc>
  </programme>
</tv>`

func TestParse(t *testing.T) {
	var channels []*Channel
	var programmes []*Programme

	err := Parse(strings.NewReader(sampleGuide),
		func(ch *Channel) error {
			channels = append(channels, ch)
			return nil
		},
		func(prog *Programme) error {
			programmes = append(programmes, prog)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, channels, 1)
	require.Equal(t, "bbc1.uk", channels[0].ID)
	require.Equal(t, []string{"BBC One", "BBC1"}, channels[0].DisplayNames)
	require.Equal(t, "http://logo/bbc1.png", channels[0].Icon())

	require.Len(t, programmes, 1)
	require.Equal(t, "bbc1.uk", programmes[0].Channel)
	require.Equal(t, "20260829180000 +0000", programmes[0].Start)
	require.Contains(t, programmes[0].Inner, "News at Six")
}

func TestParseTime(t *testing.T) {
	parsed, ok := ParseTime("20260829180000 +0200")
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 8, 29, 16, 0, 0, 0, time.UTC), parsed.UTC())

	parsed, ok = ParseTime("20260829180000")
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 8, 29, 18, 0, 0, 0, time.UTC), parsed)

	_, ok = ParseTime("yesterday")
	require.False(t, ok)
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteChannel(&Channel{
		ID:           "one",
		DisplayNames: []string{"Channel \"One\""},
		Icons:        []Icon{{Src: "http://logo/one.png"}},
	})
	w.WriteProgramme(&Programme{
		Start:   "20260829180000 +0000",
		Stop:    "20260829190000 +0000",
		Channel: "one",
		Inner:   "<title>Show &amp; Tell</title>",
	})
	require.NoError(t, w.Close())

	var channels []*Channel
	var programmes []*Programme
	err := Parse(&buf,
		func(ch *Channel) error { channels = append(channels, ch); return nil },
		func(prog *Programme) error { programmes = append(programmes, prog); return nil })
	require.NoError(t, err)

	require.Len(t, channels, 1)
	require.Equal(t, "Channel \"One\"", channels[0].DisplayNames[0])
	require.Len(t, programmes, 1)
	require.Equal(t, "one", programmes[0].Channel)
	require.Equal(t, "<title>Show &amp; Tell</title>", programmes[0].Inner)
}

func TestMaybeGunzip(t *testing.T) {
	plain, err := MaybeGunzip(strings.NewReader(sampleGuide))
	require.NoError(t, err)
	err = Parse(plain, nil, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write([]byte(sampleGuide))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	unpacked, err := MaybeGunzip(&buf)
	require.NoError(t, err)
	var count int
	err = Parse(unpacked, func(*Channel) error { count++; return nil }, nil)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
