// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveStreams tracks the number of streams currently being relayed, per provider.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_gateway_active_streams",
	Help: "Number of streams currently being relayed",
}, []string{"provider"})

// BytesTransferred counts bytes moved per provider. The "direction" label
// separates upstream reads from downstream writes.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_gateway_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"provider", "direction"})

// StreamErrors counts relay failures per provider, labelled by error type.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_gateway_stream_errors",
	Help: "Number of stream errors",
}, []string{"provider", "error_type"})

// AccountSlotsInUse tracks claimed upstream permits per provider account.
var AccountSlotsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_gateway_account_slots_in_use",
	Help: "Upstream connection permits currently claimed",
}, []string{"provider", "account"})

// CatalogChannels reports the number of channels the current catalog holds, per provider.
var CatalogChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_gateway_catalog_channels",
	Help: "Channels in the active catalog",
}, []string{"provider"})

// CatalogRefreshes counts catalog rebuild attempts, labelled by outcome.
var CatalogRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_gateway_catalog_refreshes_total",
	Help: "Catalog refresh attempts",
}, []string{"result"})

// SessionsActive tracks live viewing sessions.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_gateway_sessions_active",
	Help: "Live viewing sessions",
})
