// Package catalog builds and publishes the merged channel catalog. A refresh
// assembles a complete new snapshot off to the side and swaps it in with one
// atomic pointer update, so readers always see either the old catalog or the
// new one, never a mix.
package catalog

import (
	"sort"
	"time"

	"iptv-gateway/work/auth"
	"iptv-gateway/work/xmltv"
)

// Channel is one merged catalog entry. Channels are immutable after the
// refresh that created them.
type Channel struct {
	Reference   string   // Stable id, content hash of provider and upstream name
	Name        string   // Display name from the provider playlist
	Logo        string   // Signed relative proxy path for the logo, empty if none
	LogoOrigin  string   // Upstream logo URL the proxy path resolves to
	EpgID       string   // Remapped guide channel id, empty when unmatched
	CatchupDays int      // Catch-up window in days, 0 when unavailable
	Groups      []string // Group tags
	URL         string   // Canonical upstream stream URL
	Provider    string   // Owning provider name
}

// Guide is the merged programme guide, remapped ids only.
type Guide struct {
	Channels   []*xmltv.Channel
	Programmes []*xmltv.Programme
}

// Catalog is one immutable snapshot of the merged catalog. Ordered keeps the
// channels in provider/playlist order for playlist output; Channels indexes
// the same entries by reference.
type Catalog struct {
	Channels map[string]*Channel
	Ordered  []*Channel
	Guide    *Guide
	BuiltAt  time.Time
}

// Reference computes the stable channel reference for a provider and
// upstream channel name. The same pair always hashes to the same reference,
// which keeps channel ids stable across refreshes regardless of upstream
// ordering.
func Reference(provider, name string) string {
	return auth.Sha256Hex(provider + "||" + name)
}

// RemapGuideID scopes a guide channel id to its provider so identical ids
// from different providers never collide in the merged guide.
func RemapGuideID(provider, id string) string {
	return auth.Md5Hex(provider + "-" + id)
}

// Get returns the channel for a reference, or nil.
func (c *Catalog) Get(reference string) *Channel {
	if c == nil {
		return nil
	}
	return c.Channels[reference]
}

// Sorted returns the channels ordered by display name, reference as tie
// breaker so the order is deterministic.
func (c *Catalog) Sorted() []*Channel {
	channels := make([]*Channel, len(c.Ordered))
	copy(channels, c.Ordered)
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Name != channels[j].Name {
			return channels[i].Name < channels[j].Name
		}
		return channels[i].Reference < channels[j].Reference
	})
	return channels
}
