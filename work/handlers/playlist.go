package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"iptv-gateway/work/catalog"
	"iptv-gateway/work/logger"
)

// HandlePlaylist serves the user's M3U playlist: every catalog channel the
// user may see, with proxied stream and logo URLs carrying the user's token.
func (g *Gateway) HandlePlaylist(w http.ResponseWriter, r *http.Request) {
	username, ok := g.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if pathUser := mux.Vars(r)["user"]; pathUser != "" && pathUser != username {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cat := g.catalog.Current()
	if cat == nil || len(cat.Ordered) == 0 {
		http.Error(w, "catalog not ready", http.StatusServiceUnavailable)
		return
	}

	base := g.baseURL(r)
	configured := g.cfg.GetUser(username) != nil
	cacheKey := username + "|" + base

	w.Header().Set("Content-Type", "application/x-mpegurl")

	if configured {
		if cached, found := g.cache.GetPlaylist(cacheKey); found {
			w.Write(cached)
			return
		}
	}

	body := g.renderPlaylist(cat, base, username)
	if configured {
		g.cache.SetPlaylist(cacheKey, body)
	}
	w.Write(body)
}

func (g *Gateway) renderPlaylist(cat *catalog.Catalog, base, username string) []byte {
	token := g.auth.GenerateToken(username)
	filters := g.filtersFor(username)

	channels := cat.Ordered
	if g.cfg.SortChannels {
		channels = cat.Sorted()
	}

	password := ""
	if u := g.cfg.GetUser(username); u != nil {
		password = u.Password
	}

	var sb strings.Builder
	sb.WriteString("#EXTM3U")
	if accountToken, err := g.auth.EncryptAccount(username, password); err == nil {
		fmt.Fprintf(&sb, " url-tvg=%q", base+"/epg.xml.gz?a="+accountToken)
	} else {
		logger.Warn("could not build guide link for %s: %v", username, err)
	}
	sb.WriteByte('\n')

	var written int
	for _, ch := range channels {
		if filters != nil && !filters.Allows(ch.Name, ch.Groups) {
			continue
		}
		writeChannelEntry(&sb, ch, base, token)
		written++
	}

	logger.Debug("playlist for %s: %d of %d channels", username, written, len(channels))
	return []byte(sb.String())
}

// writeChannelEntry emits one playlist entry. Absent attributes are omitted
// entirely rather than written empty; clients treat an empty tvg-id as a
// real id.
func writeChannelEntry(sb *strings.Builder, ch *catalog.Channel, base, token string) {
	sb.WriteString("#EXTINF:-1")
	if ch.EpgID != "" {
		fmt.Fprintf(sb, " tvg-id=%q", ch.EpgID)
	}
	if ch.Logo != "" {
		fmt.Fprintf(sb, " tvg-logo=%q", base+"/"+ch.Logo)
	}
	if ch.CatchupDays > 0 {
		fmt.Fprintf(sb, ` catchup="shift" catchup-days="%d"`, ch.CatchupDays)
	}
	sb.WriteByte(',')
	sb.WriteString(ch.Name)
	sb.WriteByte('\n')

	if len(ch.Groups) > 0 {
		sb.WriteString("#EXTGRP:")
		sb.WriteString(strings.Join(ch.Groups, ";"))
		sb.WriteByte('\n')
	}

	sb.WriteString(base)
	sb.WriteByte('/')
	sb.WriteString(ch.Reference)
	sb.WriteString("/channel.m3u8?t=")
	sb.WriteString(token)
	sb.WriteByte('\n')
}
