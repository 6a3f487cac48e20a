// Package catalog loads and caches the set of model variants and family
// configs. The full snapshot is cached with a TTL and replaced wholesale
// on reload or invalidation; request handling only ever borrows from it.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/storage"
)

// DefaultTTL is how long a snapshot is served before re-reading the store.
const DefaultTTL = 5 * time.Minute

// snapshot is one immutable view of the registry.
type snapshot struct {
	variants   []*gateway.ModelVariant
	byModelID  map[string][]*gateway.ModelVariant
	byProvider map[string][]*gateway.ModelVariant
	byKey      map[gateway.VariantKey]*gateway.ModelVariant
	families   map[string]*gateway.FamilyConfig
	loadedAt   time.Time
}

// Catalog caches model variants and family configs from the store.
// It is safe for concurrent use.
type Catalog struct {
	store storage.ModelStore
	ttl   time.Duration

	mu   sync.RWMutex
	snap *snapshot

	sf singleflight.Group
}

// New returns a Catalog backed by store. A non-positive ttl uses DefaultTTL.
func New(store storage.ModelStore, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{store: store, ttl: ttl}
}

// Invalidate drops the current snapshot; the next read reloads.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// current returns a fresh snapshot, reloading from the store when the TTL
// has lapsed. Concurrent reloads are deduplicated.
func (c *Catalog) current(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil && time.Since(snap.loadedAt) < c.ttl {
		return snap, nil
	}

	v, err, _ := c.sf.Do("load", func() (any, error) {
		fresh, err := c.load(ctx)
		if err != nil {
			// Serve the stale snapshot rather than failing reads outright.
			if snap != nil {
				slog.Warn("catalog reload failed, serving stale snapshot", "error", err)
				return snap, nil
			}
			return nil, err
		}
		c.mu.Lock()
		c.snap = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (c *Catalog) load(ctx context.Context) (*snapshot, error) {
	variants, err := c.store.ListVariants(ctx)
	if err != nil {
		return nil, err
	}
	families, err := c.store.ListFamilies(ctx)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		variants:   variants,
		byModelID:  make(map[string][]*gateway.ModelVariant),
		byProvider: make(map[string][]*gateway.ModelVariant),
		byKey:      make(map[gateway.VariantKey]*gateway.ModelVariant, len(variants)),
		families:   make(map[string]*gateway.FamilyConfig, len(families)),
		loadedAt:   time.Now(),
	}
	for _, v := range variants {
		snap.byModelID[v.ModelID] = append(snap.byModelID[v.ModelID], v)
		if v.ProviderModelID != v.ModelID {
			snap.byModelID[v.ProviderModelID] = append(snap.byModelID[v.ProviderModelID], v)
		}
		snap.byProvider[v.Provider] = append(snap.byProvider[v.Provider], v)
		snap.byKey[v.Key()] = v
	}
	for _, f := range families {
		if err := validateRanges(f); err != nil {
			slog.Error("family config rejected", "family", f.FamilyID, "error", err)
			continue
		}
		snap.families[f.FamilyID] = f
	}
	return snap, nil
}

// validateRanges checks a family's score ranges: overlapping bands reject
// the family; gaps are tolerated (the fallback model covers them) but
// logged once on load.
func validateRanges(f *gateway.FamilyConfig) error {
	ranges := slices.Clone(f.ScoreRanges)
	slices.SortFunc(ranges, func(a, b gateway.ScoreRange) int {
		return a.MinScore - b.MinScore
	})
	prev := 0
	for _, r := range ranges {
		if r.MinScore > r.MaxScore {
			return &rangeError{f.FamilyID, r}
		}
		if prev > 0 && r.MinScore <= prev {
			return &rangeError{f.FamilyID, r}
		}
		if r.MinScore > prev+1 {
			slog.Warn("family score ranges have a gap, fallback model covers it",
				"family", f.FamilyID, "gap_start", prev+1, "gap_end", r.MinScore-1)
		}
		prev = r.MaxScore
	}
	if prev < 100 && len(ranges) > 0 {
		slog.Warn("family score ranges end before 100, fallback model covers the tail",
			"family", f.FamilyID, "covered_to", prev)
	}
	return nil
}

type rangeError struct {
	familyID string
	r        gateway.ScoreRange
}

func (e *rangeError) Error() string {
	return "invalid score range for family " + e.familyID
}

// AllVariants returns every variant in the current snapshot.
func (c *Catalog) AllVariants(ctx context.Context) ([]*gateway.ModelVariant, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.variants, nil
}

// VariantsForModelID returns the variants matching id, looked up by either
// the caller-facing model_id or the upstream's provider_model_id.
func (c *Catalog) VariantsForModelID(ctx context.Context, id string) ([]*gateway.ModelVariant, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byModelID[id], nil
}

// VariantsByProvider returns the variants served by one provider.
func (c *Catalog) VariantsByProvider(ctx context.Context, provider string) ([]*gateway.ModelVariant, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byProvider[provider], nil
}

// Variant returns the unique variant for a (provider, model_id) pair.
func (c *Catalog) Variant(ctx context.Context, provider, modelID string) (*gateway.ModelVariant, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := snap.byKey[gateway.VariantKey{Provider: provider, ModelID: modelID}]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return v, nil
}

// Family returns the family config for a synthetic model id, or
// gateway.ErrNotFound when the id is not a family.
func (c *Catalog) Family(ctx context.Context, familyID string) (*gateway.FamilyConfig, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	f, ok := snap.families[familyID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return f, nil
}

// IsFamily reports whether the id names a configured family.
func (c *Catalog) IsFamily(ctx context.Context, id string) bool {
	_, err := c.Family(ctx, id)
	return err == nil
}
