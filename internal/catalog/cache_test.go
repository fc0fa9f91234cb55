package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
)

type countingLoader struct {
	brands      []Item
	models      map[string][]Item
	brandCalls  int
	modelCalls  int
	brandsError error
}

func (l *countingLoader) Brands(context.Context) ([]Item, error) {
	l.brandCalls++
	if l.brandsError != nil {
		return nil, l.brandsError
	}
	return append([]Item(nil), l.brands...), nil
}

func (l *countingLoader) Models(_ context.Context, brand Item) ([]Item, error) {
	l.modelCalls++
	key := brand.ID
	if key == "" {
		key = brand.Slug
	}
	return append([]Item(nil), l.models[key]...), nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func newFixtureCache() (*Cache, *countingLoader, *countingLoader, *manualClock) {
	av := &countingLoader{
		brands: []Item{{ID: "8", Name: "BMW"}, {ID: "1", Name: "Audi"}, {ID: "99", Name: "Lada"}},
		models: map[string][]Item{"8": {{ID: "80", Name: "X5"}, {ID: "81", Name: "3 серия"}}},
	}
	kufar := &countingLoader{
		brands: []Item{{Slug: "bmw", Name: "BMW"}, {Slug: "audi", Name: "audi"}, {Slug: "zaz", Name: "ЗАЗ"}},
		models: map[string][]Item{"8": {{Slug: "x5", Name: "X5"}}},
	}
	clock := &manualClock{now: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewCache(Config{Av: av, Kufar: kufar, TTL: time.Hour, Clock: clock.Now})
	return cache, av, kufar, clock
}

func TestBrandsAreCachedUntilTTL(t *testing.T) {
	cache, av, _, clock := newFixtureCache()
	ctx := context.Background()

	first, err := cache.Brands(ctx, market.SourceAv)
	if err != nil {
		t.Fatalf("brands failed: %v", err)
	}
	if first[0].Name != "Audi" {
		t.Fatalf("expected brands sorted by name, got %+v", first)
	}
	if _, err := cache.Brands(ctx, market.SourceAv); err != nil {
		t.Fatalf("brands failed: %v", err)
	}
	if av.brandCalls != 1 {
		t.Fatalf("expected one loader call, got %d", av.brandCalls)
	}

	clock.now = clock.now.Add(2 * time.Hour)
	if _, err := cache.Brands(ctx, market.SourceAv); err != nil {
		t.Fatalf("brands failed: %v", err)
	}
	if av.brandCalls != 2 {
		t.Fatalf("expected refresh after ttl, got %d calls", av.brandCalls)
	}
}

func TestEmptyResultsAreNotCached(t *testing.T) {
	av := &countingLoader{}
	cache := NewCache(Config{Av: av})
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := cache.Brands(context.Background(), market.SourceAv); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	}
	if av.brandCalls != 2 {
		t.Fatalf("expected every call to reach the loader, got %d", av.brandCalls)
	}
}

func TestStaleEntriesServedWhenRefreshFails(t *testing.T) {
	cache, av, _, clock := newFixtureCache()
	ctx := context.Background()
	if _, err := cache.Brands(ctx, market.SourceAv); err != nil {
		t.Fatalf("brands failed: %v", err)
	}
	av.brandsError = errors.New("upstream down")
	clock.now = clock.now.Add(2 * time.Hour)
	brands, err := cache.Brands(ctx, market.SourceAv)
	if err != nil {
		t.Fatalf("expected stale entries, got %v", err)
	}
	if len(brands) != 3 {
		t.Fatalf("unexpected stale brands %+v", brands)
	}
}

func TestKufarBrandsCarryAvIdentifiers(t *testing.T) {
	cache, _, _, _ := newFixtureCache()
	brands, err := cache.Brands(context.Background(), market.SourceKufar)
	if err != nil {
		t.Fatalf("brands failed: %v", err)
	}
	for _, brand := range brands {
		if brand.Slug == "bmw" && brand.ID != "8" {
			t.Fatalf("expected bmw to carry av id, got %+v", brand)
		}
		if brand.Slug == "zaz" && brand.ID != "" {
			t.Fatalf("expected unmatched brand to have no av id, got %+v", brand)
		}
	}
}

func TestBothIntersectsByName(t *testing.T) {
	cache, _, _, _ := newFixtureCache()
	ctx := context.Background()

	brands, err := cache.Brands(ctx, market.SourceBoth)
	if err != nil {
		t.Fatalf("brands failed: %v", err)
	}
	if len(brands) != 2 {
		t.Fatalf("expected audi and bmw, got %+v", brands)
	}
	bmw, found, err := cache.FindBrand(ctx, market.SourceBoth, "bmw")
	if err != nil || !found {
		t.Fatalf("expected bmw to resolve, found=%v err=%v", found, err)
	}
	if bmw.ID != "8" || bmw.Slug != "bmw" {
		t.Fatalf("expected both keys, got %+v", bmw)
	}

	models, err := cache.Models(ctx, market.SourceBoth, bmw)
	if err != nil {
		t.Fatalf("models failed: %v", err)
	}
	if len(models) != 1 || models[0].ID != "80" || models[0].Slug != "x5" {
		t.Fatalf("unexpected shared models %+v", models)
	}
}

func TestUnsupportedSource(t *testing.T) {
	cache := NewCache(Config{})
	if _, err := cache.Brands(context.Background(), market.SourceAv); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected unsupported source, got %v", err)
	}
}
