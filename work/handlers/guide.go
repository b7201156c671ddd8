package handlers

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"iptv-gateway/work/logger"
	"iptv-gateway/work/xmltv"
)

// HandleGuide serves the merged XMLTV guide, gzipped on the .gz route and
// plain otherwise. The gzipped document is built once per catalog and cached.
func (g *Gateway) HandleGuide(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cat := g.catalog.Current()
	if cat == nil || cat.Guide == nil {
		http.Error(w, "guide not ready", http.StatusServiceUnavailable)
		return
	}

	data, found := g.cache.GetGuide()
	if !found {
		data = g.renderGuide()
		g.cache.SetGuide(data)
	}

	if strings.HasSuffix(r.URL.Path, ".gz") {
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(data)
		return
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		logger.Error("cached guide is not valid gzip: %v", err)
		http.Error(w, "guide unavailable", http.StatusInternalServerError)
		return
	}
	defer gz.Close()

	w.Header().Set("Content-Type", "application/xml")
	io.Copy(w, gz)
}

// renderGuide writes the merged guide document, gzip-compressed.
func (g *Gateway) renderGuide() []byte {
	cat := g.catalog.Current()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	xw := xmltv.NewWriter(gz)

	for _, ch := range cat.Guide.Channels {
		xw.WriteChannel(ch)
	}
	for _, prog := range cat.Guide.Programmes {
		xw.WriteProgramme(prog)
	}

	if err := xw.Close(); err != nil {
		logger.Error("error writing guide: %v", err)
	}
	if err := gz.Close(); err != nil {
		logger.Error("error compressing guide: %v", err)
	}
	return buf.Bytes()
}
