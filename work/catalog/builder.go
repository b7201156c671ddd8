package catalog

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"iptv-gateway/work/auth"
	"iptv-gateway/work/client"
	"iptv-gateway/work/config"
	"iptv-gateway/work/filter"
	"iptv-gateway/work/logger"
	"iptv-gateway/work/metrics"
	"iptv-gateway/work/parser"
	"iptv-gateway/work/xmltv"
)

// Store persists catalog snapshots so a restart can serve the previous
// catalog before the first network refresh completes.
type Store interface {
	SaveCatalog(cat *Catalog) error
	LoadCatalog() (*Catalog, error)
}

// contribution is one provider's share of a merged catalog, kept around so a
// failing provider keeps serving its previous channels for the cycle.
type contribution struct {
	channels      []*Channel
	guideChannels []*xmltv.Channel
	programmes    []*xmltv.Programme
}

// providerGuide is one provider's parsed and time-windowed guide, indexed
// for channel matching.
type providerGuide struct {
	byID       map[string]*xmltv.Channel
	byName     map[string]string
	programmes map[string][]*xmltv.Programme
}

// Builder runs catalog refreshes and publishes snapshots.
type Builder struct {
	cfg    *config.Config
	auth   *auth.Auth
	store  Store
	onSwap func(*Catalog)

	current       atomic.Pointer[Catalog]
	contributions *xsync.MapOf[string, *contribution]
	guides        *xsync.MapOf[string, *providerGuide]
}

// NewBuilder creates a catalog builder. store may be nil to disable the
// persistence shadow; onSwap, when non-nil, runs after every snapshot swap.
func NewBuilder(cfg *config.Config, a *auth.Auth, store Store, onSwap func(*Catalog)) *Builder {
	return &Builder{
		cfg:           cfg,
		auth:          a,
		store:         store,
		onSwap:        onSwap,
		contributions: xsync.NewMapOf[string, *contribution](),
		guides:        xsync.NewMapOf[string, *providerGuide](),
	}
}

// Current returns the active catalog snapshot, nil before the first swap.
func (b *Builder) Current() *Catalog {
	return b.current.Load()
}

// Restore loads the persisted snapshot so requests arriving before the first
// refresh see the previous catalog instead of an empty one.
func (b *Builder) Restore() {
	if b.store == nil {
		return
	}
	cat, err := b.store.LoadCatalog()
	if err != nil {
		logger.Warn("could not restore catalog snapshot: %v", err)
		return
	}
	if cat == nil || len(cat.Channels) == 0 {
		return
	}
	b.swap(cat, false)
	logger.Info("restored %d channels from the previous snapshot", len(cat.Channels))
}

// Run drives the refresh schedule on the shared worker pool: one refresh at
// startup, then one per refresh interval, falling back to the retry delay
// after a failed cycle. Blocks until ctx is done.
func (b *Builder) Run(ctx context.Context, pool *ants.Pool) {
	for {
		done := make(chan error, 1)
		if err := pool.Submit(func() {
			done <- b.Refresh(ctx)
		}); err != nil {
			done <- err
		}

		var refreshErr error
		select {
		case refreshErr = <-done:
		case <-ctx.Done():
			return
		}

		wait := b.cfg.RefreshInterval
		if refreshErr != nil {
			wait = b.cfg.RefreshRetryDelay
			logger.Warn("catalog refresh failed, retrying in %s: %v", wait, refreshErr)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// providerFetch carries one provider's fetched and parsed inputs from the
// concurrent fetch stage into the sequential merge stage.
type providerFetch struct {
	provider *config.ProviderConfig
	docs     []*parser.M3uDoc
	guide    *providerGuide
	err      error
}

// Refresh builds a complete new catalog and swaps it in. Provider failures
// are absorbed by reusing that provider's previous contribution; an error is
// still returned so the scheduler retries on the short delay.
func (b *Builder) Refresh(ctx context.Context) error {
	started := time.Now()
	fetches := make([]*providerFetch, len(b.cfg.Providers))

	var wg sync.WaitGroup
	for i := range b.cfg.Providers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fetches[i] = b.fetchProvider(ctx, &b.cfg.Providers[i])
		}(i)
	}
	wg.Wait()

	next := &Catalog{
		Channels: make(map[string]*Channel),
		Guide:    &Guide{},
		BuiltAt:  started,
	}

	var failed []string
	for _, fetch := range fetches {
		name := fetch.provider.Name

		contrib := b.mergeProvider(next, fetch)
		if contrib == nil {
			failed = append(failed, name)
			previous, ok := b.contributions.Load(name)
			if !ok {
				logger.Warn("provider %s failed with no previous contribution to fall back on", name)
				continue
			}
			logger.Warn("provider %s failed, keeping its %d previous channels", name, len(previous.channels))
			contrib = previous
			for _, ch := range previous.channels {
				if _, exists := next.Channels[ch.Reference]; !exists {
					next.Channels[ch.Reference] = ch
					next.Ordered = append(next.Ordered, ch)
				}
			}
			next.Guide.Channels = append(next.Guide.Channels, previous.guideChannels...)
			next.Guide.Programmes = append(next.Guide.Programmes, previous.programmes...)
		}

		b.contributions.Store(name, contrib)
		metrics.CatalogChannels.WithLabelValues(name).Set(float64(len(contrib.channels)))
	}

	if len(next.Channels) == 0 && b.Current() == nil {
		metrics.CatalogRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("catalog refresh produced no channels")
	}

	b.swap(next, true)
	logger.Info("catalog refreshed: %d channels, %d guide channels, %d programmes in %s",
		len(next.Channels), len(next.Guide.Channels), len(next.Guide.Programmes), time.Since(started).Round(time.Millisecond))

	if len(failed) > 0 {
		metrics.CatalogRefreshes.WithLabelValues("partial").Inc()
		return fmt.Errorf("providers failed this cycle: %s", strings.Join(failed, ", "))
	}
	metrics.CatalogRefreshes.WithLabelValues("success").Inc()
	return nil
}

func (b *Builder) swap(cat *Catalog, persist bool) {
	b.current.Store(cat)
	if b.onSwap != nil {
		b.onSwap(cat)
	}
	if persist && b.store != nil {
		if err := b.store.SaveCatalog(cat); err != nil {
			logger.Warn("could not persist catalog snapshot: %v", err)
		}
	}
}

// fetchProvider pulls and parses one provider's playlists and guide. Account
// playlists that fail are skipped with a warning; the provider as a whole
// fails only when no account produced a parsable playlist.
func (b *Builder) fetchProvider(ctx context.Context, p *config.ProviderConfig) *providerFetch {
	fetch := &providerFetch{provider: p}

	for i := range p.Accounts {
		account := &p.Accounts[i]
		hc := client.New(p.UserAgent, account.Username, account.Password)

		var doc *parser.M3uDoc
		err := b.fetchWithRetry(ctx, hc, account.URL, p, func(r io.Reader) error {
			parsed, err := parser.ParseM3U(r)
			if err != nil {
				return err
			}
			doc = parsed
			return nil
		})
		if err != nil {
			logger.Warn("provider %s account %d playlist failed: %v", p.Name, i, err)
			continue
		}
		fetch.docs = append(fetch.docs, doc)
	}

	if len(fetch.docs) == 0 {
		fetch.err = fmt.Errorf("no account playlist could be fetched for %s", p.Name)
		return fetch
	}

	if p.EpgURL != "" {
		fetch.guide = b.fetchGuide(ctx, p)
	}

	return fetch
}

// fetchGuide pulls and indexes one provider's XMLTV guide, falling back to
// the last successfully parsed guide when the fetch fails.
func (b *Builder) fetchGuide(ctx context.Context, p *config.ProviderConfig) *providerGuide {
	var creds *config.AccountConfig
	if len(p.Accounts) > 0 {
		creds = &p.Accounts[0]
	} else {
		creds = &config.AccountConfig{}
	}
	hc := client.New(p.UserAgent, creds.Username, creds.Password)

	var guide *providerGuide
	err := b.fetchWithRetry(ctx, hc, p.EpgURL, p, func(r io.Reader) error {
		parsed, err := parseGuide(r, p, time.Now())
		if err != nil {
			return err
		}
		guide = parsed
		return nil
	})
	if err != nil {
		if previous, ok := b.guides.Load(p.Name); ok {
			logger.Warn("provider %s guide failed, using the previous guide: %v", p.Name, err)
			return previous
		}
		logger.Warn("provider %s guide failed with nothing cached: %v", p.Name, err)
		return nil
	}

	b.guides.Store(p.Name, guide)
	return guide
}

// fetchWithRetry fetches a provider document and hands the body to fn,
// retrying on the provider's fixed delay until the total budget runs out.
// URLs without a scheme are read from the local filesystem.
func (b *Builder) fetchWithRetry(ctx context.Context, hc *client.HeaderSettingClient, rawURL string, p *config.ProviderConfig, fn func(io.Reader) error) error {
	if isLocalPath(rawURL) {
		f, err := os.Open(strings.TrimPrefix(rawURL, "file://"))
		if err != nil {
			return fmt.Errorf("error opening local playlist: %w", err)
		}
		defer f.Close()
		body, err := xmltv.MaybeGunzip(f)
		if err != nil {
			return fmt.Errorf("error unpacking local playlist: %w", err)
		}
		return fn(body)
	}

	deadline := time.Now().Add(p.PlaylistTotal)
	var lastErr error

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 && time.Now().After(deadline) {
			return fmt.Errorf("fetch budget exhausted after %d attempts: %w", attempt, lastErr)
		}

		lastErr = b.fetchOnce(ctx, hc, rawURL, p.PlaylistTimeout, fn)
		if lastErr == nil {
			return nil
		}
		logger.Debug("fetch attempt %d for %s failed: %v", attempt+1, rawURL, lastErr)

		select {
		case <-time.After(p.PlaylistRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Builder) fetchOnce(ctx context.Context, hc *client.HeaderSettingClient, rawURL string, timeout time.Duration, fn func(io.Reader) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("error building request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	body, err := xmltv.MaybeGunzip(resp.Body)
	if err != nil {
		return fmt.Errorf("error unpacking %s: %w", rawURL, err)
	}
	return fn(body)
}

// parseGuide streams one XMLTV document into the match indices, keeping only
// programmes inside the provider's look-back/look-ahead window.
func parseGuide(r io.Reader, p *config.ProviderConfig, now time.Time) (*providerGuide, error) {
	guide := &providerGuide{
		byID:       make(map[string]*xmltv.Channel),
		byName:     make(map[string]string),
		programmes: make(map[string][]*xmltv.Programme),
	}

	earliest := now.Add(-p.EpgBefore)
	latest := now.Add(p.EpgAfter)

	err := xmltv.Parse(r,
		func(ch *xmltv.Channel) error {
			if ch.ID == "" {
				return nil
			}
			if _, exists := guide.byID[ch.ID]; !exists {
				guide.byID[ch.ID] = ch
			}
			for _, name := range ch.DisplayNames {
				if _, exists := guide.byName[name]; !exists {
					guide.byName[name] = ch.ID
				}
			}
			return nil
		},
		func(prog *xmltv.Programme) error {
			start, ok := xmltv.ParseTime(prog.Start)
			if !ok {
				return nil
			}
			stop, ok := xmltv.ParseTime(prog.Stop)
			if !ok {
				stop = start
			}
			if stop.Before(earliest) || start.After(latest) {
				return nil
			}
			guide.programmes[prog.Channel] = append(guide.programmes[prog.Channel], prog)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return guide, nil
}

// mergeProvider folds one provider's fetch into the catalog being built and
// returns the provider's contribution, or nil when the provider failed.
func (b *Builder) mergeProvider(next *Catalog, fetch *providerFetch) *contribution {
	if fetch.err != nil {
		return nil
	}

	p := fetch.provider
	groupFilters := filter.CompileGroupFilters(p.GroupFilters)
	contrib := &contribution{}
	emitted := make(map[string]bool)

	for _, doc := range fetch.docs {
		for i := range doc.Channels {
			entry := &doc.Channels[i]
			if entry.Name == "" {
				logger.Warn("provider %s channel with empty name dropped", p.Name)
				continue
			}

			reference := Reference(p.Name, entry.Name)
			if _, exists := next.Channels[reference]; exists {
				continue
			}
			if !filter.GroupsMatch(groupFilters, entry.Groups) {
				continue
			}

			match := matchGuideChannel(fetch.guide, p, entry)

			logo := entry.Props["tvg-logo"]
			if logo == "" && match != nil {
				logo = match.Icon()
			}

			channel := &Channel{
				Reference:   reference,
				Name:        entry.Name,
				Logo:        b.iconPath(logo),
				LogoOrigin:  logo,
				CatchupDays: parseCatchupDays(p.Name, entry),
				Groups:      entry.Groups,
				URL:         entry.URL,
				Provider:    p.Name,
			}

			if match != nil {
				remapped := RemapGuideID(p.Name, match.ID)
				channel.EpgID = remapped
				if !emitted[remapped] {
					emitted[remapped] = true
					b.emitGuideChannel(next, contrib, fetch.guide, match, remapped)
				}
			}

			next.Channels[reference] = channel
			next.Ordered = append(next.Ordered, channel)
			contrib.channels = append(contrib.channels, channel)
		}
	}

	return contrib
}

// emitGuideChannel copies a matched guide channel and its windowed
// programmes into the merged guide under the remapped id.
func (b *Builder) emitGuideChannel(next *Catalog, contrib *contribution, guide *providerGuide, match *xmltv.Channel, remapped string) {
	remappedChannel := &xmltv.Channel{
		ID:           remapped,
		DisplayNames: match.DisplayNames,
		Icons:        match.Icons,
	}
	next.Guide.Channels = append(next.Guide.Channels, remappedChannel)
	contrib.guideChannels = append(contrib.guideChannels, remappedChannel)

	for _, prog := range guide.programmes[match.ID] {
		remappedProg := &xmltv.Programme{
			Start:   prog.Start,
			Stop:    prog.Stop,
			Channel: remapped,
			Inner:   prog.Inner,
		}
		next.Guide.Programmes = append(next.Guide.Programmes, remappedProg)
		contrib.programmes = append(contrib.programmes, remappedProg)
	}
}

// matchGuideChannel resolves a playlist entry to a guide channel: tvg-id
// first, then tvg-name, then tvg-name with spaces as underscores, then the
// raw channel name. First match wins.
func matchGuideChannel(guide *providerGuide, p *config.ProviderConfig, entry *parser.M3uChannel) *xmltv.Channel {
	if guide == nil {
		return nil
	}

	tvgID := entry.Props["tvg-id"]
	if mapped, ok := p.EpgRemapping[tvgID]; ok {
		tvgID = mapped
	}
	if tvgID != "" {
		if ch, ok := guide.byID[tvgID]; ok {
			return ch
		}
	}

	candidates := make([]string, 0, 3)
	if tvgName := entry.Props["tvg-name"]; tvgName != "" {
		candidates = append(candidates, tvgName, strings.ReplaceAll(tvgName, " ", "_"))
	}
	candidates = append(candidates, entry.Name)

	for _, name := range candidates {
		if id, ok := guide.byName[name]; ok {
			return guide.byID[id]
		}
	}
	return nil
}

// parseCatchupDays reads the catch-up window from tvg-rec, falling back to
// catchup-days. Non-numeric values degrade to zero with a warning.
func parseCatchupDays(provider string, entry *parser.M3uChannel) int {
	value := entry.Props["tvg-rec"]
	if value == "" {
		value = entry.Props["catchup-days"]
	}
	if value == "" {
		return 0
	}

	days, err := strconv.Atoi(value)
	if err != nil || days < 0 {
		logger.Warn("provider %s channel %s has unusable catch-up value %q", provider, entry.Name, value)
		return 0
	}
	return days
}

// iconPath builds the signed relative proxy path for a logo URL. Clients
// fetch logos from the gateway, which verifies the signature before relaying
// so it cannot be used as an open proxy.
func (b *Builder) iconPath(logo string) string {
	if logo == "" {
		return ""
	}

	encoded := base64.RawURLEncoding.EncodeToString([]byte(logo))
	sig := b.auth.SignPath(encoded)

	filename := "logo.png"
	if u, err := url.Parse(logo); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			filename = base
		}
	}

	return "icon/" + sig + "/" + encoded + "/" + filename
}

// DecodeIconPath reverses iconPath: it verifies the signature and returns
// the upstream logo URL.
func DecodeIconPath(a *auth.Auth, sig, encoded string) (string, bool) {
	if !a.VerifyPath(encoded, sig) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func isLocalPath(rawURL string) bool {
	if strings.HasPrefix(rawURL, "file://") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return u.Scheme == ""
}
