// Package intel maintains the process-global threat indicator cache.
// The cache is read-mostly and swapped atomically on refresh; lookups
// never block on a refresh and misses never wait.
package intel

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/models"
)

// Indicator is one cached threat-intel entry.
type Indicator struct {
	Value    string
	Type     string // sha256, md5, domain, ip
	Source   string
	Severity int
}

// Cache holds the indicator set behind an atomic pointer.
type Cache struct {
	current atomic.Pointer[map[string]Indicator]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	empty := make(map[string]Indicator)
	c.current.Store(&empty)
	return c
}

// Swap atomically replaces the indicator set.
func (c *Cache) Swap(indicators []Indicator) {
	next := make(map[string]Indicator, len(indicators))
	for _, ind := range indicators {
		next[strings.ToLower(ind.Value)] = ind
	}
	c.current.Store(&next)
}

// Len returns the current indicator count.
func (c *Cache) Len() int {
	return len(*c.current.Load())
}

// Lookup returns hits for any of the given values.
func (c *Cache) Lookup(values ...string) []models.IntelHit {
	set := *c.current.Load()
	var hits []models.IntelHit
	for _, v := range values {
		if v == "" {
			continue
		}
		if ind, ok := set[strings.ToLower(v)]; ok {
			hits = append(hits, models.IntelHit{
				Indicator: ind.Value,
				Type:      ind.Type,
				Source:    ind.Source,
				Severity:  ind.Severity,
			})
		}
	}
	return hits
}

// Fetcher retrieves and parses one feed.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Indicator, error)
	Name() string
}

// Refresher periodically rebuilds the cache from the configured feeds.
type Refresher struct {
	cache    *Cache
	feeds    []Fetcher
	log      *logging.Logger
	interval time.Duration
}

// NewRefresher creates a refresher. The default interval is 15 minutes.
func NewRefresher(cache *Cache, feeds []Fetcher, log *logging.Logger, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Refresher{cache: cache, feeds: feeds, log: log, interval: interval}
}

// Run refreshes immediately, then on every tick until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh pulls every feed; a failing feed keeps its previous entries out
// of this cycle but never fails the swap for the others.
func (r *Refresher) refresh(ctx context.Context) {
	var all []Indicator
	for _, f := range r.feeds {
		indicators, err := f.Fetch(ctx)
		if err != nil {
			r.log.WarnContext(ctx, "intel feed fetch failed",
				"feed", f.Name(), logging.Error(err))
			continue
		}
		all = append(all, indicators...)
	}
	r.cache.Swap(all)
	r.log.InfoContext(ctx, "intel cache refreshed", "indicators", len(all))
}
