package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration values for the IPTV gateway.
// It includes the listener/base URL settings, shared secrets, scheduling
// intervals, and the full provider and user definitions. The structure is
// immutable after load; a config reload builds a fresh instance.
type Config struct {
	BaseURL             string           `json:"baseURL"`             // Base URL clients use to reach the gateway (used when rewriting URLs)
	ListenAddr          string           `json:"listenAddr"`          // host:port the HTTP server binds to
	AppSecret           string           `json:"appSecret"`           // Secret for path signatures and account encryption
	TokenSalt           string           `json:"tokenSalt"`           // Salt for session token digests
	ForwardedPass       string           `json:"forwardedPass"`       // Shared secret allowing Forwarded-header base URL override
	AllowAnonymous      bool             `json:"allowAnonymous"`      // Allow playlist access without a configured user
	SortChannels        bool             `json:"sortChannels"`        // Sort channels by name in generated playlists
	WorkerThreads       int              `json:"workerThreads"`       // Number of worker threads for background tasks
	LogLevel            string           `json:"logLevel"`            // DEBUG, INFO, WARN or ERROR
	CacheDuration       time.Duration    `json:"cacheDuration"`       // Duration before cache entries expire
	RefreshInterval     time.Duration    `json:"refreshInterval"`     // Interval between catalog refresh cycles
	RefreshRetryDelay   time.Duration    `json:"refreshRetryDelay"`   // Delay before retrying a failed refresh cycle
	SessionTimeout      time.Duration    `json:"sessionTimeout"`      // Idle time before a user session is expired
	DatabasePath        string           `json:"databasePath"`        // Path to the SQLite catalog snapshot database
	MaxConnectionsToApp int              `json:"maxConnectionsToApp"` // Maximum concurrent client connections to the gateway
	Providers           []ProviderConfig `json:"providers"`           // Upstream provider definitions
	Users               []UserConfig     `json:"users"`               // End user definitions
}

// ProviderConfig represents one upstream IPTV provider: its accounts, EPG
// source, group filters, id remapping and timeout policy. Durations arrive
// as strings in the JSON file and are parsed during conversion.
type ProviderConfig struct {
	Name                string            `json:"name"`                // Unique provider name, part of every channel reference
	EpgURL              string            `json:"epgUrl"`              // XMLTV guide URL (optional, may be a local file path)
	EpgBefore           time.Duration     `json:"epgBefore"`           // Programme look-back window
	EpgAfter            time.Duration     `json:"epgAfter"`            // Programme look-ahead window
	EpgRemapping        map[string]string `json:"epgRemapping"`        // tvg-id overrides applied before EPG matching
	GroupFilters        []string          `json:"groupFilters"`        // Regex allow-list over channel groups
	ProxyStream         bool              `json:"proxyStream"`         // true: relay bytes through the gateway, false: redirect
	SendUser            bool              `json:"sendUser"`            // Forward the user id header to chained gateways
	UserAgent           string            `json:"userAgent"`           // HTTP User-Agent for upstream requests
	ChannelFailed       time.Duration     `json:"channelFailed"`       // Circuit breaker cool-down after sustained failure (0 disables)
	InfoTimeout         time.Duration     `json:"infoTimeout"`         // Per-attempt timeout for playlist info fetches
	InfoTotalTimeout    time.Duration     `json:"infoTotalTimeout"`    // Total budget for playlist info fetches
	InfoRetryDelay      time.Duration     `json:"infoRetryDelay"`      // Delay between info fetch retries
	CatchupTimeout      time.Duration     `json:"catchupTimeout"`      // Per-attempt timeout for catch-up requests
	CatchupTotalTimeout time.Duration     `json:"catchupTotalTimeout"` // Total budget for catch-up requests
	CatchupRetryDelay   time.Duration     `json:"catchupRetryDelay"`   // Delay between catch-up retries
	StreamStartTimeout  time.Duration     `json:"streamStartTimeout"`  // Timeout for the first upstream byte of a relay
	StreamReadTimeout   time.Duration     `json:"streamReadTimeout"`   // Idle-read timeout while relaying
	PlaylistTimeout     time.Duration     `json:"playlistTimeout"`     // Per-attempt timeout for M3U/XMLTV catalog fetches
	PlaylistTotal       time.Duration     `json:"playlistTotal"`       // Total budget for catalog fetches
	PlaylistRetryDelay  time.Duration     `json:"playlistRetryDelay"`  // Delay between catalog fetch retries
	Accounts            []AccountConfig   `json:"accounts"`            // Upstream accounts, tried in randomized order
}

// AccountConfig is one set of credentials under a provider. Each account owns
// its own concurrency cap; that cap is the hard bound on in-flight upstream
// requests through the account.
type AccountConfig struct {
	URL                   string `json:"url"`                   // M3U playlist URL (or local file path)
	Username              string `json:"username"`              // Basic auth username (optional)
	Password              string `json:"password"`              // Basic auth password (optional)
	MaxConcurrentRequests int    `json:"maxConcurrentRequests"` // Permit capacity for this account
}

// UserConfig defines one end user of the gateway.
type UserConfig struct {
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	MaxConnections    int      `json:"maxConnections"`    // Concurrent stream cap for this user
	ChannelWhitelist  []string `json:"channelWhitelist"`  // literal, glob: or regexp: forms
	ChannelBlacklist  []string `json:"channelBlacklist"`  // literal, glob: or regexp: forms
	CategoryWhitelist []string `json:"categoryWhitelist"` // matched against channel groups
	CategoryBlacklist []string `json:"categoryBlacklist"` // matched against channel groups
}

// ConfigFile represents the JSON file structure for unmarshaling. Duration
// fields are strings (e.g. "30m") and are parsed into time.Duration values
// during conversion.
type ConfigFile struct {
	BaseURL             string               `json:"baseURL"`
	ListenAddr          string               `json:"listenAddr"`
	AppSecret           string               `json:"appSecret"`
	TokenSalt           string               `json:"tokenSalt"`
	ForwardedPass       string               `json:"forwardedPass"`
	AllowAnonymous      bool                 `json:"allowAnonymous"`
	SortChannels        bool                 `json:"sortChannels"`
	WorkerThreads       int                  `json:"workerThreads"`
	LogLevel            string               `json:"logLevel"`
	CacheDuration       string               `json:"cacheDuration"`
	RefreshInterval     string               `json:"refreshInterval"`
	RefreshRetryDelay   string               `json:"refreshRetryDelay"`
	SessionTimeout      string               `json:"sessionTimeout"`
	DatabasePath        string               `json:"databasePath"`
	MaxConnectionsToApp int                  `json:"maxConnectionsToApp"`
	Providers           []ProviderConfigFile `json:"providers"`
	Users               []UserConfig         `json:"users"`
}

// ProviderConfigFile is the JSON form of ProviderConfig with string durations.
type ProviderConfigFile struct {
	Name                string            `json:"name"`
	EpgURL              string            `json:"epgUrl"`
	EpgBefore           string            `json:"epgBefore"`
	EpgAfter            string            `json:"epgAfter"`
	EpgRemapping        map[string]string `json:"epgRemapping"`
	GroupFilters        []string          `json:"groupFilters"`
	ProxyStream         *bool             `json:"proxyStream"`
	SendUser            bool              `json:"sendUser"`
	UserAgent           string            `json:"userAgent"`
	ChannelFailed       string            `json:"channelFailed"`
	InfoTimeout         string            `json:"infoTimeout"`
	InfoTotalTimeout    string            `json:"infoTotalTimeout"`
	InfoRetryDelay      string            `json:"infoRetryDelay"`
	CatchupTimeout      string            `json:"catchupTimeout"`
	CatchupTotalTimeout string            `json:"catchupTotalTimeout"`
	CatchupRetryDelay   string            `json:"catchupRetryDelay"`
	StreamStartTimeout  string            `json:"streamStartTimeout"`
	StreamReadTimeout   string            `json:"streamReadTimeout"`
	PlaylistTimeout     string            `json:"playlistTimeout"`
	PlaylistTotal       string            `json:"playlistTotal"`
	PlaylistRetryDelay  string            `json:"playlistRetryDelay"`
	Accounts            []AccountConfig   `json:"accounts"`
}

// Load reads and validates the configuration from a JSON file.
//
// Process:
//   - Reads and unmarshals the file.
//   - Converts duration strings to time.Duration values.
//   - Validates provider/account/user definitions; bad definitions are fatal.
//   - Fills in safe defaults for missing operational values.
//
// Returns:
//   - *Config: fully validated configuration object
//   - error: if reading, parsing or validation failed
func Load(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}

	// Ensure safe defaults and reject broken definitions
	if err := validateAndSetDefaults(config); err != nil {
		return nil, err
	}

	return config, nil
}

// parseOptionalDuration parses a duration string, returning the fallback for
// an empty value and an error for a malformed one.
func parseOptionalDuration(value string, fallback time.Duration, field string) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:             cf.BaseURL,
		ListenAddr:          cf.ListenAddr,
		AppSecret:           cf.AppSecret,
		TokenSalt:           cf.TokenSalt,
		ForwardedPass:       cf.ForwardedPass,
		AllowAnonymous:      cf.AllowAnonymous,
		SortChannels:        cf.SortChannels,
		WorkerThreads:       cf.WorkerThreads,
		LogLevel:            cf.LogLevel,
		DatabasePath:        cf.DatabasePath,
		MaxConnectionsToApp: cf.MaxConnectionsToApp,
		Users:               cf.Users,
	}

	// Parse top-level duration fields
	var err error
	if config.CacheDuration, err = parseOptionalDuration(cf.CacheDuration, 0, "cacheDuration"); err != nil {
		return nil, err
	}
	if config.RefreshInterval, err = parseOptionalDuration(cf.RefreshInterval, 0, "refreshInterval"); err != nil {
		return nil, err
	}
	if config.RefreshRetryDelay, err = parseOptionalDuration(cf.RefreshRetryDelay, 0, "refreshRetryDelay"); err != nil {
		return nil, err
	}
	if config.SessionTimeout, err = parseOptionalDuration(cf.SessionTimeout, 0, "sessionTimeout"); err != nil {
		return nil, err
	}

	// Convert providers
	config.Providers = make([]ProviderConfig, len(cf.Providers))
	for i := range cf.Providers {
		pf := &cf.Providers[i]
		p := &config.Providers[i]
		p.Name = pf.Name
		p.EpgURL = pf.EpgURL
		p.EpgRemapping = pf.EpgRemapping
		p.GroupFilters = pf.GroupFilters
		p.SendUser = pf.SendUser
		p.UserAgent = pf.UserAgent
		p.Accounts = pf.Accounts

		// proxyStream defaults to true when omitted
		p.ProxyStream = true
		if pf.ProxyStream != nil {
			p.ProxyStream = *pf.ProxyStream
		}

		durations := []struct {
			dst      *time.Duration
			src      string
			fallback time.Duration
			field    string
		}{
			{&p.EpgBefore, pf.EpgBefore, 3 * time.Hour, "epgBefore"},
			{&p.EpgAfter, pf.EpgAfter, 24 * time.Hour, "epgAfter"},
			{&p.ChannelFailed, pf.ChannelFailed, 0, "channelFailed"},
			{&p.InfoTimeout, pf.InfoTimeout, 2 * time.Second, "infoTimeout"},
			{&p.InfoTotalTimeout, pf.InfoTotalTimeout, 10 * time.Second, "infoTotalTimeout"},
			{&p.InfoRetryDelay, pf.InfoRetryDelay, 500 * time.Millisecond, "infoRetryDelay"},
			{&p.CatchupTimeout, pf.CatchupTimeout, time.Second, "catchupTimeout"},
			{&p.CatchupTotalTimeout, pf.CatchupTotalTimeout, 5 * time.Second, "catchupTotalTimeout"},
			{&p.CatchupRetryDelay, pf.CatchupRetryDelay, 500 * time.Millisecond, "catchupRetryDelay"},
			{&p.StreamStartTimeout, pf.StreamStartTimeout, 5 * time.Second, "streamStartTimeout"},
			{&p.StreamReadTimeout, pf.StreamReadTimeout, 15 * time.Second, "streamReadTimeout"},
			{&p.PlaylistTimeout, pf.PlaylistTimeout, 30 * time.Second, "playlistTimeout"},
			{&p.PlaylistTotal, pf.PlaylistTotal, 2 * time.Minute, "playlistTotal"},
			{&p.PlaylistRetryDelay, pf.PlaylistRetryDelay, 5 * time.Second, "playlistRetryDelay"},
		}
		for _, d := range durations {
			if *d.dst, err = parseOptionalDuration(d.src, d.fallback, fmt.Sprintf("%s for provider %s", d.field, p.Name)); err != nil {
				return nil, err
			}
		}
	}

	return config, nil
}

// validateAndSetDefaults ensures all config values are usable, filling in
// defaults for missing operational values. Structural problems (a provider
// without accounts, a user without a name) are configuration errors and abort
// startup.
func validateAndSetDefaults(config *Config) error {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.AppSecret == "" {
		return fmt.Errorf("appSecret must be configured")
	}
	if config.TokenSalt == "" {
		config.TokenSalt = config.AppSecret
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 30 * time.Minute
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if config.RefreshRetryDelay <= 0 {
		config.RefreshRetryDelay = time.Minute
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 30 * time.Second
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = 100
	}

	if len(config.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	seen := make(map[string]bool, len(config.Providers))
	for i := range config.Providers {
		p := &config.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d has no name", i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true

		if len(p.Accounts) == 0 {
			return fmt.Errorf("provider %s has no accounts", p.Name)
		}
		for j := range p.Accounts {
			a := &p.Accounts[j]
			if a.URL == "" {
				return fmt.Errorf("provider %s account %d has no url", p.Name, j+1)
			}
			if a.MaxConcurrentRequests <= 0 {
				a.MaxConcurrentRequests = 1
			}
		}
		if p.UserAgent == "" {
			p.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
		}
	}

	for i := range config.Users {
		u := &config.Users[i]
		if u.Username == "" {
			return fmt.Errorf("user %d has no username", i+1)
		}
		if u.MaxConnections <= 0 {
			u.MaxConnections = 1
		}
	}

	return nil
}

// GetProvider returns the provider config with the given name, or nil.
func (c *Config) GetProvider(name string) *ProviderConfig {

	// loop the providers to find a matching name
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// GetUser returns the user config with the given username, or nil.
func (c *Config) GetUser(username string) *UserConfig {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

// CreateExampleConfig writes an example config file to disk.
func CreateExampleConfig(path string) error {
	proxied := true
	example := ConfigFile{
		BaseURL:             "http://localhost:8080",
		ListenAddr:          ":8080",
		AppSecret:           "change-me",
		AllowAnonymous:      false,
		SortChannels:        true,
		WorkerThreads:       4,
		LogLevel:            "INFO",
		CacheDuration:       "30m",
		RefreshInterval:     "1h",
		RefreshRetryDelay:   "1m",
		SessionTimeout:      "30s",
		DatabasePath:        "/data/catalog.db",
		MaxConnectionsToApp: 100,
		Providers: []ProviderConfigFile{
			{
				Name:         "example",
				EpgURL:       "http://example.com/epg.xml.gz",
				EpgBefore:    "3h",
				EpgAfter:     "24h",
				GroupFilters: []string{"(?i)news", "(?i)sports"},
				ProxyStream:  &proxied,
				Accounts: []AccountConfig{
					{URL: "http://example.com/playlist.m3u", MaxConcurrentRequests: 2},
				},
			},
		},
		Users: []UserConfig{
			{Username: "demo", Password: "demo", MaxConnections: 2},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
