// Package handlers wires the HTTP routes to the gateway's components. The
// handlers stay thin: authentication, parameter plumbing and response
// shaping live here, everything else is delegated.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"iptv-gateway/work/auth"
	"iptv-gateway/work/cache"
	"iptv-gateway/work/catalog"
	"iptv-gateway/work/config"
	"iptv-gateway/work/filter"
	"iptv-gateway/work/logger"
	"iptv-gateway/work/middleware"
	"iptv-gateway/work/session"
	"iptv-gateway/work/stream"
)

// Gateway bundles everything the handlers need.
type Gateway struct {
	cfg      *config.Config
	auth     *auth.Auth
	catalog  *catalog.Builder
	engine   *stream.Engine
	sessions *session.Manager
	cache    *cache.Cache

	// per configured user, compiled once at startup
	userFilters map[string]*filter.UserFilters
}

// New creates the handler set.
func New(cfg *config.Config, a *auth.Auth, builder *catalog.Builder, engine *stream.Engine, sessions *session.Manager, c *cache.Cache) *Gateway {
	filters := make(map[string]*filter.UserFilters, len(cfg.Users))
	for i := range cfg.Users {
		u := &cfg.Users[i]
		filters[u.Username] = filter.CompileUserFilters(
			u.ChannelWhitelist, u.ChannelBlacklist,
			u.CategoryWhitelist, u.CategoryBlacklist)
	}

	return &Gateway{
		cfg:         cfg,
		auth:        a,
		catalog:     builder,
		engine:      engine,
		sessions:    sessions,
		cache:       c,
		userFilters: filters,
	}
}

// Register attaches all routes. Fixed prefixes go first so the channel
// wildcard cannot shadow them.
func (g *Gateway) Register(r *mux.Router) {
	r.HandleFunc("/m3u", middleware.Gzip(g.HandlePlaylist)).Methods(http.MethodGet)
	r.HandleFunc("/m3u/{user}", middleware.Gzip(g.HandlePlaylist)).Methods(http.MethodGet)
	r.HandleFunc("/epg.xml.gz", g.HandleGuide).Methods(http.MethodGet)
	r.HandleFunc("/epg.xml", g.HandleGuide).Methods(http.MethodGet)
	r.HandleFunc("/icon/{sig}/{enc}/{filename}", g.HandleIcon).Methods(http.MethodGet)
	r.HandleFunc("/{channel}/channel.m3u8", g.HandleChannel).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/{channel}/{segment}", g.HandleSegment).Methods(http.MethodGet, http.MethodOptions)
}

// authenticate resolves the requesting user from, in order: the session
// token, the reversible account token, basic auth, or anonymous access when
// the gateway allows it. Returns the username and whether auth succeeded.
func (g *Gateway) authenticate(r *http.Request) (string, bool) {
	query := r.URL.Query()

	if token := query.Get("t"); token != "" {
		username, ok := g.auth.VerifyToken(token)
		if !ok {
			return "", false
		}
		if g.cfg.GetUser(username) == nil && !g.cfg.AllowAnonymous {
			return "", false
		}
		return username, true
	}

	if token := query.Get("a"); token != "" {
		username, password, err := g.auth.DecryptAccount(token)
		if err != nil {
			return "", false
		}
		if u := g.cfg.GetUser(username); u != nil {
			if u.Password != password {
				return "", false
			}
			return username, true
		}
		if g.cfg.AllowAnonymous {
			return username, true
		}
		return "", false
	}

	if username, password, ok := r.BasicAuth(); ok {
		if u := g.cfg.GetUser(username); u != nil && u.Password == password {
			return username, true
		}
		return "", false
	}

	if g.cfg.AllowAnonymous {
		username := g.auth.GenerateAnonymousUser()
		logger.Debug("anonymous access as %s", username)
		return username, true
	}

	return "", false
}

// filtersFor returns the compiled allow/deny lists for a user, nil for
// users without restrictions (including anonymous ones).
func (g *Gateway) filtersFor(username string) *filter.UserFilters {
	return g.userFilters[username]
}

// maxConnectionsFor returns the user's concurrent stream cap.
func (g *Gateway) maxConnectionsFor(username string) int {
	if u := g.cfg.GetUser(username); u != nil {
		return u.MaxConnections
	}
	return 1
}

// baseURL resolves the externally visible base URL for this request. A
// reverse proxy in front of the gateway can override it with forwarding
// headers, but only when it proves itself with the shared forwarding secret.
func (g *Gateway) baseURL(r *http.Request) string {
	base := strings.TrimSuffix(g.cfg.BaseURL, "/")

	if g.cfg.ForwardedPass == "" || r.Header.Get("X-Forwarded-Pass") != g.cfg.ForwardedPass {
		return base
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		return base
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	return proto + "://" + host
}
