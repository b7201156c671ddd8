package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iptv-gateway/work/auth"
	"iptv-gateway/work/config"
)

func testAuth(t *testing.T) *auth.Auth {
	t.Helper()
	a, err := auth.New("test-app-secret", "test-salt")
	require.NoError(t, err)
	return a
}

func TestReferenceStable(t *testing.T) {
	require.Equal(t, Reference("one", "BBC One"), Reference("one", "BBC One"))
	require.NotEqual(t, Reference("one", "BBC One"), Reference("two", "BBC One"))
	require.NotEqual(t, Reference("one", "BBC One"), Reference("one", "BBC Two"))
	require.Len(t, Reference("one", "BBC One"), 64)
}

func TestRemapGuideIDScopedPerProvider(t *testing.T) {
	require.NotEqual(t, RemapGuideID("one", "bbc1.uk"), RemapGuideID("two", "bbc1.uk"))
	require.Equal(t, RemapGuideID("one", "bbc1.uk"), RemapGuideID("one", "bbc1.uk"))
}

func TestSortedDeterministic(t *testing.T) {
	channels := []*Channel{
		{Reference: "c", Name: "Zeta"},
		{Reference: "a", Name: "Alpha"},
		{Reference: "b", Name: "Alpha"},
	}
	cat := &Catalog{Channels: map[string]*Channel{}, Ordered: channels}
	for _, ch := range channels {
		cat.Channels[ch.Reference] = ch
	}

	sorted := cat.Sorted()
	require.Equal(t, []string{"Alpha", "Alpha", "Zeta"}, []string{sorted[0].Name, sorted[1].Name, sorted[2].Name})
	require.Equal(t, "a", sorted[0].Reference)
}

func writeTestProvider(t *testing.T, dir string, stamp time.Time) (string, string) {
	t.Helper()

	playlist := `#EXTM3U
#EXTINF:0 tvg-id="bbc1.uk" tvg-logo="http://logo/bbc1.png" catchup-days="7",BBC One
#EXTGRP:UK
http://up/bbc1.m3u8
#EXTINF:0 tvg-name="ITV 1",ITV
http://up/itv.m3u8
#EXTINF:0 catchup-days="soon",No Guide
http://up/noguide.m3u8
`
	guide := `<tv>
<channel id="bbc1.uk"><display-name>BBC One</display-name><icon src="http://logo/epg-bbc1.png"/></channel>
<channel id="itv.uk"><display-name>ITV_1</display-name></channel>
<programme start="` + stamp.Format("20060102150405 -0700") + `" stop="` + stamp.Add(time.Hour).Format("20060102150405 -0700") + `" channel="bbc1.uk"><title>Now</title></programme>
<programme start="20000101000000 +0000" stop="20000101010000 +0000" channel="bbc1.uk"><title>Ancient</title></programme>
</tv>`

	m3uPath := filepath.Join(dir, "playlist.m3u")
	epgPath := filepath.Join(dir, "guide.xml")
	require.NoError(t, os.WriteFile(m3uPath, []byte(playlist), 0o644))
	require.NoError(t, os.WriteFile(epgPath, []byte(guide), 0o644))
	return m3uPath, epgPath
}

func testConfig(m3uPath, epgPath string) *config.Config {
	return &config.Config{
		BaseURL: "http://gw",
		Providers: []config.ProviderConfig{{
			Name:      "prov",
			EpgURL:    epgPath,
			EpgBefore: 24 * time.Hour,
			EpgAfter:  24 * time.Hour,
			Accounts: []config.AccountConfig{{
				URL:                   m3uPath,
				MaxConcurrentRequests: 2,
			}},
			PlaylistTimeout:    time.Second,
			PlaylistTotal:      2 * time.Second,
			PlaylistRetryDelay: 10 * time.Millisecond,
		}},
	}
}

func TestRefreshFromLocalFiles(t *testing.T) {
	dir := t.TempDir()
	m3uPath, epgPath := writeTestProvider(t, dir, time.Now())

	b := NewBuilder(testConfig(m3uPath, epgPath), testAuth(t), nil, nil)
	require.NoError(t, b.Refresh(context.Background()))

	cat := b.Current()
	require.NotNil(t, cat)
	require.Len(t, cat.Channels, 3)

	bbc := cat.Get(Reference("prov", "BBC One"))
	require.NotNil(t, bbc)
	require.Equal(t, "BBC One", bbc.Name)
	require.Equal(t, []string{"UK"}, bbc.Groups)
	require.Equal(t, 7, bbc.CatchupDays)
	require.Equal(t, RemapGuideID("prov", "bbc1.uk"), bbc.EpgID)
	require.Equal(t, "http://logo/bbc1.png", bbc.LogoOrigin)
	require.True(t, strings.HasPrefix(bbc.Logo, "icon/"))

	// tvg-name with spaces matches the underscored display name
	itv := cat.Get(Reference("prov", "ITV"))
	require.NotNil(t, itv)
	require.Equal(t, RemapGuideID("prov", "itv.uk"), itv.EpgID)

	// non-numeric catch-up degrades to zero, unmatched channel has no guide id
	noGuide := cat.Get(Reference("prov", "No Guide"))
	require.NotNil(t, noGuide)
	require.Zero(t, noGuide.CatchupDays)
	require.Empty(t, noGuide.EpgID)

	// programme outside the window is dropped, the current one survives
	require.Len(t, cat.Guide.Programmes, 1)
	require.Equal(t, bbc.EpgID, cat.Guide.Programmes[0].Channel)
	require.Len(t, cat.Guide.Channels, 2)
}

func TestRefreshKeepsPreviousContributionOnFailure(t *testing.T) {
	dir := t.TempDir()
	m3uPath, epgPath := writeTestProvider(t, dir, time.Now())

	b := NewBuilder(testConfig(m3uPath, epgPath), testAuth(t), nil, nil)
	require.NoError(t, b.Refresh(context.Background()))
	before := b.Current()

	// breaking the playlist mid-cycle must not lose the provider's channels
	require.NoError(t, os.WriteFile(m3uPath, []byte("<html>error</html>"), 0o644))
	err := b.Refresh(context.Background())
	require.Error(t, err)

	after := b.Current()
	require.NotSame(t, before, after)
	require.Len(t, after.Channels, len(before.Channels))
	require.NotNil(t, after.Get(Reference("prov", "BBC One")))
}

func TestIconPathRoundTrip(t *testing.T) {
	a := testAuth(t)
	b := NewBuilder(&config.Config{}, a, nil, nil)

	p := b.iconPath("http://logo/bbc1.png")
	parts := strings.Split(p, "/")
	require.Len(t, parts, 4)
	require.Equal(t, "icon", parts[0])
	require.Equal(t, "bbc1.png", parts[3])

	decoded, ok := DecodeIconPath(a, parts[1], parts[2])
	require.True(t, ok)
	require.Equal(t, "http://logo/bbc1.png", decoded)

	_, ok = DecodeIconPath(a, parts[1], "dGFtcGVyZWQ")
	require.False(t, ok)
}

func TestCatalogSwapAtomic(t *testing.T) {
	dir := t.TempDir()
	m3uPath, epgPath := writeTestProvider(t, dir, time.Now())
	b := NewBuilder(testConfig(m3uPath, epgPath), testAuth(t), nil, nil)

	require.Nil(t, b.Current())
	require.NoError(t, b.Refresh(context.Background()))

	first := b.Current()
	require.NoError(t, b.Refresh(context.Background()))
	second := b.Current()

	// the old snapshot is untouched by the new cycle
	require.NotSame(t, first, second)
	require.Len(t, first.Channels, 3)
}

func TestCurrentStableDuringRefresh(t *testing.T) {
	dir := t.TempDir()
	m3uPath, epgPath := writeTestProvider(t, dir, time.Now())
	b := NewBuilder(testConfig(m3uPath, epgPath), testAuth(t), nil, nil)
	require.NoError(t, b.Refresh(context.Background()))

	done := make(chan struct{})
	var partial atomic.Bool
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			cat := b.Current()
			if cat == nil || len(cat.Channels) != 3 || len(cat.Ordered) != 3 {
				partial.Store(true)
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Refresh(context.Background()))
	}
	<-done
	require.False(t, partial.Load(), "reader observed a half-built catalog")
}
