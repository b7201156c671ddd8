package connection

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/ratelimit"

	"iptv-gateway/work/client"
	"iptv-gateway/work/config"
	"iptv-gateway/work/logger"
	"iptv-gateway/work/metrics"
)

// ProxyUserHeader carries the end-user id to a chained downstream gateway.
const ProxyUserHeader = "iptv-proxy-user"

// acquireRetryDelay is the spin interval of the blocking Acquire.
const acquireRetryDelay = 100 * time.Millisecond

// Connection is one upstream account's usable capacity: a counting permit
// pool sized to the account's request cap, an HTTP client carrying the
// account's credentials, and a rate limiter pacing request starts. The permit
// pool is the hard bound keeping a provider from seeing more concurrent
// requests than the account allows.
type Connection struct {
	Provider *config.ProviderConfig
	Account  *config.AccountConfig
	Client   *client.HeaderSettingClient
	Limiter  ratelimit.Limiter
	label    string // account label for metrics
	permits  chan struct{}
}

// tryAcquire grabs one permit without blocking.
func (c *Connection) tryAcquire() bool {
	select {
	case c.permits <- struct{}{}:
		metrics.AccountSlotsInUse.WithLabelValues(c.Provider.Name, c.label).Set(float64(len(c.permits)))
		return true
	default:
		return false
	}
}

// release returns one permit. Releasing more than was acquired indicates a
// caller bug and is dropped rather than corrupting the pool.
func (c *Connection) release() {
	select {
	case <-c.permits:
		metrics.AccountSlotsInUse.WithLabelValues(c.Provider.Name, c.label).Set(float64(len(c.permits)))
	default:
		logger.Error("connection release without acquire: %s", c.Provider.Name)
	}
}

// InFlight returns the number of currently held permits.
func (c *Connection) InFlight() int {
	return len(c.permits)
}

// NewRequest builds an upstream request on this connection's account,
// forwarding the user id header when the provider chains to another gateway.
// Request starts are paced through the account's limiter so a burst of
// playlist resolutions cannot hammer the provider.
func (c *Connection) NewRequest(ctx context.Context, method, url, username string) (*http.Request, error) {
	c.Limiter.Take()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	if c.Provider.SendUser && username != "" {
		req.Header.Set(ProxyUserHeader, username)
	}
	return req, nil
}

// Manager owns every provider's account pools and implements the
// Acquire/TryAcquire/Release contract used by the catalog builder and the
// stream engine.
type Manager struct {
	pools map[string][]*Connection
}

// NewManager builds one Connection per configured account. Rate limiters
// default to the account's permit capacity per second, so a saturated
// account also paces its request starts.
func NewManager(cfg *config.Config) *Manager {
	pools := make(map[string][]*Connection, len(cfg.Providers))

	for i := range cfg.Providers {
		provider := &cfg.Providers[i]
		conns := make([]*Connection, 0, len(provider.Accounts))

		for j := range provider.Accounts {
			account := &provider.Accounts[j]
			label := account.Username
			if label == "" {
				label = fmt.Sprintf("account-%d", j+1)
			}
			conns = append(conns, &Connection{
				Provider: provider,
				Account:  account,
				Client:   client.New(provider.UserAgent, account.Username, account.Password),
				Limiter:  ratelimit.New(account.MaxConcurrentRequests),
				label:    label,
				permits:  make(chan struct{}, account.MaxConcurrentRequests),
			})

			logger.Debug("connection pool for %s account %d: %d permits",
				provider.Name, j+1, account.MaxConcurrentRequests)
		}

		pools[provider.Name] = conns
	}

	return &Manager{pools: pools}
}

// TryAcquire attempts a non-blocking permit grab across the provider's
// accounts in randomized order and returns the first success. Randomization
// spreads load with no inherent account preference. Returns not-ok
// immediately when every account is saturated; callers use that to fail over
// instead of queueing.
func (m *Manager) TryAcquire(provider string) (*Connection, bool) {
	conns := m.pools[provider]
	if len(conns) == 0 {
		return nil, false
	}

	for _, idx := range rand.Perm(len(conns)) {
		if conns[idx].tryAcquire() {
			return conns[idx], true
		}
	}
	return nil, false
}

// Acquire blocks until a permit is free on any of the provider's accounts,
// spinning TryAcquire with a short delay. The context bounds the wait.
func (m *Manager) Acquire(ctx context.Context, provider string) (*Connection, error) {
	for {
		if conn, ok := m.TryAcquire(provider); ok {
			return conn, nil
		}

		logger.Debug("waiting for %s connection permit", provider)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no connection available for %s: %w", provider, ctx.Err())
		case <-time.After(acquireRetryDelay):
		}
	}
}

// Release returns the permit held by a previous acquire.
func (m *Manager) Release(conn *Connection) {
	if conn != nil {
		conn.release()
	}
}

// Providers returns the names of every provider with a pool.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	return names
}
