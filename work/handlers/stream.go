package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// preflight answers CORS preflight requests so browser players can probe
// the stream endpoints.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// HandleChannel serves a channel's rewritten live playlist.
func (g *Gateway) HandleChannel(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	username, ok := g.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ch := g.catalog.Current().Get(mux.Vars(r)["channel"])
	if ch == nil {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if filters := g.filtersFor(username); filters != nil && !filters.Allows(ch.Name, ch.Groups) {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	sess := g.sessions.Get(username, g.maxConnectionsFor(username))
	channelBase := g.baseURL(r) + "/" + ch.Reference
	token := g.auth.GenerateToken(username)

	g.engine.ServePlaylist(w, r, ch, sess, channelBase, token)
}

// HandleSegment relays one media segment from the session's resolved map.
func (g *Gateway) HandleSegment(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	username, ok := g.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	ch := g.catalog.Current().Get(vars["channel"])
	if ch == nil {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	// segments only make sense inside an existing session; a miss here means
	// the session expired and the client should re-request the playlist
	sess, exists := g.sessions.Peek(username)
	if !exists {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	sess.Touch()

	if !sess.TryStream() {
		http.Error(w, "too many concurrent streams", http.StatusServiceUnavailable)
		return
	}
	defer sess.EndStream()

	g.engine.ServeSegment(w, r, ch, sess, vars["segment"])
}
