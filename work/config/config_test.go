package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"baseURL": "http://gw.example:9000",
		"appSecret": "secret",
		"refreshInterval": "2h",
		"sessionTimeout": "45s",
		"providers": [
			{
				"name": "tv",
				"epgUrl": "http://tv.example/epg.xml.gz",
				"epgBefore": "1h",
				"infoTimeout": "3s",
				"proxyStream": false,
				"accounts": [
					{"url": "http://tv.example/list.m3u", "username": "u", "password": "p", "maxConcurrentRequests": 3}
				]
			}
		],
		"users": [
			{"username": "alice", "password": "pw", "maxConnections": 2}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "http://gw.example:9000", cfg.BaseURL)
	require.Equal(t, 2*time.Hour, cfg.RefreshInterval)
	require.Equal(t, 45*time.Second, cfg.SessionTimeout)

	// Unset operational values pick up defaults.
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "secret", cfg.TokenSalt)
	require.Equal(t, time.Minute, cfg.RefreshRetryDelay)
	require.Equal(t, 30*time.Minute, cfg.CacheDuration)
	require.Equal(t, 4, cfg.WorkerThreads)
	require.Equal(t, "INFO", cfg.LogLevel)
	require.Equal(t, 100, cfg.MaxConnectionsToApp)

	p := cfg.GetProvider("tv")
	require.NotNil(t, p)
	require.Equal(t, time.Hour, p.EpgBefore)
	require.Equal(t, 24*time.Hour, p.EpgAfter)
	require.Equal(t, 3*time.Second, p.InfoTimeout)
	require.Equal(t, 10*time.Second, p.InfoTotalTimeout)
	require.False(t, p.ProxyStream)
	require.NotEmpty(t, p.UserAgent)
	require.Len(t, p.Accounts, 1)
	require.Equal(t, 3, p.Accounts[0].MaxConcurrentRequests)

	require.Nil(t, cfg.GetProvider("missing"))

	u := cfg.GetUser("alice")
	require.NotNil(t, u)
	require.Equal(t, 2, u.MaxConnections)
	require.Nil(t, cfg.GetUser("bob"))
}

func TestLoadProxyStreamDefaultsTrue(t *testing.T) {
	path := writeConfig(t, `{
		"appSecret": "secret",
		"providers": [
			{"name": "tv", "accounts": [{"url": "http://tv.example/list.m3u"}]}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Providers[0].ProxyStream)
	require.Equal(t, 1, cfg.Providers[0].Accounts[0].MaxConcurrentRequests)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing file", ""},
		{"bad json", `{`},
		{"missing appSecret", `{
			"providers": [{"name": "tv", "accounts": [{"url": "http://x/l.m3u"}]}]
		}`},
		{"no providers", `{"appSecret": "s"}`},
		{"provider without name", `{
			"appSecret": "s",
			"providers": [{"accounts": [{"url": "http://x/l.m3u"}]}]
		}`},
		{"duplicate provider", `{
			"appSecret": "s",
			"providers": [
				{"name": "tv", "accounts": [{"url": "http://x/l.m3u"}]},
				{"name": "tv", "accounts": [{"url": "http://y/l.m3u"}]}
			]
		}`},
		{"provider without accounts", `{
			"appSecret": "s",
			"providers": [{"name": "tv"}]
		}`},
		{"account without url", `{
			"appSecret": "s",
			"providers": [{"name": "tv", "accounts": [{"username": "u"}]}]
		}`},
		{"bad duration", `{
			"appSecret": "s",
			"refreshInterval": "soon",
			"providers": [{"name": "tv", "accounts": [{"url": "http://x/l.m3u"}]}]
		}`},
		{"bad provider duration", `{
			"appSecret": "s",
			"providers": [{"name": "tv", "infoTimeout": "fast", "accounts": [{"url": "http://x/l.m3u"}]}]
		}`},
		{"user without username", `{
			"appSecret": "s",
			"providers": [{"name": "tv", "accounts": [{"url": "http://x/l.m3u"}]}],
			"users": [{"password": "pw"}]
		}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if tc.body != "" {
				require.NoError(t, os.WriteFile(path, []byte(tc.body), 0644))
			}
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestCreateExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, CreateExampleConfig(path))

	// The example must load cleanly as-is.
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "example", cfg.Providers[0].Name)
	require.True(t, cfg.Providers[0].ProxyStream)
	require.Equal(t, "demo", cfg.Users[0].Username)
}
