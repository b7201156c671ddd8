package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"iptv-gateway/work/catalog"
	"iptv-gateway/work/client"
	"iptv-gateway/work/logger"
)

const (
	iconFetchTimeout = 10 * time.Second
	iconMaxBytes     = 2 << 20
)

// HandleIcon relays a channel logo. The URL is carried in the path and
// protected by a signature, so the gateway only ever fetches logo URLs it
// generated itself.
func (g *Gateway) HandleIcon(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	logoURL, ok := catalog.DecodeIconPath(g.auth, vars["sig"], vars["enc"])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if entry, found := g.cache.GetIcon(logoURL); found {
		serveIcon(w, entry.ContentType, entry.Data)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), iconFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logoURL, nil)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	resp, err := client.New("", "", "").Do(req)
	if err != nil {
		logger.Debug("logo fetch for %s failed: %v", logoURL, err)
		http.Error(w, "logo unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		http.Error(w, "logo unavailable", http.StatusBadGateway)
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, iconMaxBytes))
	if err != nil {
		http.Error(w, "logo unavailable", http.StatusBadGateway)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}

	g.cache.SetIcon(logoURL, data, contentType)
	serveIcon(w, contentType, data)
}

func serveIcon(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(data)
}
