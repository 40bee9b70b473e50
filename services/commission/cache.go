package commission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "commission_ruleset_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "commission_ruleset_cache_miss_total"})
)

// VenueRuleSet is every active config of a venue with its tiers loaded.
// Version is the venue stamp the set was loaded under.
type VenueRuleSet struct {
	VenueID  string
	Configs  []*Config
	Version  string
	LoadedAt time.Time
}

// TrackedPeriods lists the tier periods the venue's tier based configs
// measure, i.e. the aggregates every sale must be credited to.
func (r *VenueRuleSet) TrackedPeriods() []Period {
	var periods []Period
	for _, c := range r.Configs {
		if !c.Active || !c.CalcType.UsesTiers() {
			continue
		}
		if p, ok := c.TierPeriod(); ok {
			periods = append(periods, p)
		}
	}
	return sortedPeriods(periods)
}

type RuleSetLoader func(ctx context.Context, venueID string) (*VenueRuleSet, error)

// RuleSetCache holds venue rule sets for a TTL. An entry is only served while
// its version matches the one the caller read from the store, so writes made
// by other processes are picked up on the next lookup. Concurrent misses for
// one venue and version share a single load.
type RuleSetCache struct {
	mu    sync.RWMutex
	items map[string]*VenueRuleSet
	gens  map[string]uint64
	ttl   time.Duration
	group singleflight.Group
}

func NewRuleSetCache(ttl time.Duration) *RuleSetCache {
	return &RuleSetCache{
		items: make(map[string]*VenueRuleSet),
		gens:  make(map[string]uint64),
		ttl:   ttl,
	}
}

func (c *RuleSetCache) get(venueID, version string) (*VenueRuleSet, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gen := c.gens[venueID]
	v, ok := c.items[venueID]
	if !ok || v.Version != version || (c.ttl > 0 && time.Since(v.LoadedAt) > c.ttl) {
		return nil, gen, false
	}
	return v, gen, true
}

func (c *RuleSetCache) Load(ctx context.Context, venueID, version string, load RuleSetLoader) (*VenueRuleSet, error) {
	cached, gen, ok := c.get(venueID, version)
	if ok {
		cacheHits.Inc()
		return cached, nil
	}
	cacheMiss.Inc()

	key := fmt.Sprintf("%s|%s|%d", venueID, version, gen)
	v, err, _ := c.group.Do(key, func() (any, error) {
		rs, err := load(ctx, venueID)
		if err != nil {
			return nil, err
		}
		rs.Version = version

		c.mu.Lock()
		// an invalidation during the load means rs may predate the write
		if c.gens[venueID] == gen {
			c.items[venueID] = rs
		}
		c.mu.Unlock()
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*VenueRuleSet), nil
}

func (c *RuleSetCache) Invalidate(venueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, venueID)
	c.gens[venueID]++
}
