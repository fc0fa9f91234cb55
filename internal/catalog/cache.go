package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultTTL = 6 * time.Hour

var (
	// ErrUnsupportedSource indicates a source without a configured loader.
	ErrUnsupportedSource = errors.New("catalog: unsupported source")
	// ErrUnavailable indicates the marketplace returned no catalog entries.
	ErrUnavailable = errors.New("catalog: catalog unavailable")
)

// Item is one brand or model. ID is the av.by identifier, Slug the kufar.by one.
type Item struct {
	ID   string `json:"id,omitempty"`
	Slug string `json:"slug,omitempty"`
	Name string `json:"name"`
}

// Ref converts the item into a query reference.
func (i Item) Ref() market.Ref {
	return market.Ref{ID: i.ID, Slug: i.Slug, Name: i.Name}
}

// Matches reports whether key names the item by identifier or slug.
func (i Item) Matches(key string) bool {
	return key != "" && (key == i.ID || strings.EqualFold(key, i.Slug))
}

// Loader reads a marketplace's brand and model catalog.
type Loader interface {
	Brands(ctx context.Context) ([]Item, error)
	Models(ctx context.Context, brand Item) ([]Item, error)
}

// Config configures a Cache.
type Config struct {
	Av     Loader
	Kufar  Loader
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

type entry struct {
	items    []Item
	loadedAt time.Time
}

// Cache keeps marketplace catalogs in memory and refreshes them after TTL.
// Empty results are never cached.
type Cache struct {
	loaders map[market.Source]Loader
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
	flight  singleflight.Group
}

// NewCache constructs a Cache.
func NewCache(cfg Config) *Cache {
	loaders := make(map[market.Source]Loader, 2)
	if cfg.Av != nil {
		loaders[market.SourceAv] = cfg.Av
	}
	if cfg.Kufar != nil {
		loaders[market.SourceKufar] = cfg.Kufar
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		loaders: loaders,
		ttl:     ttl,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Brands returns the brands available on the source. For SourceBoth it returns
// the brands present on every marketplace, carrying each marketplace's key.
func (c *Cache) Brands(ctx context.Context, source market.Source) ([]Item, error) {
	switch source {
	case market.SourceAv:
		return c.load(ctx, "av|brands", func(ctx context.Context) ([]Item, error) {
			return c.loadBrands(ctx, market.SourceAv)
		})
	case market.SourceKufar:
		return c.load(ctx, "kufar|brands", func(ctx context.Context) ([]Item, error) {
			kufarBrands, err := c.loadBrands(ctx, market.SourceKufar)
			if err != nil {
				return nil, err
			}
			avBrands, avErr := c.Brands(ctx, market.SourceAv)
			if avErr != nil {
				c.logger.Debug("av catalog unavailable for id enrichment", zap.Error(avErr))
			}
			return enrichIDs(kufarBrands, avBrands), nil
		})
	case market.SourceBoth:
		avBrands, err := c.Brands(ctx, market.SourceAv)
		if err != nil {
			return nil, err
		}
		kufarBrands, err := c.Brands(ctx, market.SourceKufar)
		if err != nil {
			return nil, err
		}
		return intersect(avBrands, kufarBrands), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}
}

// Models returns the models of a brand on the source.
func (c *Cache) Models(ctx context.Context, source market.Source, brand Item) ([]Item, error) {
	switch source {
	case market.SourceAv:
		return c.load(ctx, "av|models|"+brand.ID, func(ctx context.Context) ([]Item, error) {
			return c.loadModels(ctx, market.SourceAv, brand)
		})
	case market.SourceKufar:
		return c.load(ctx, "kufar|models|"+strings.ToLower(brand.Slug), func(ctx context.Context) ([]Item, error) {
			kufarModels, err := c.loadModels(ctx, market.SourceKufar, brand)
			if err != nil {
				return nil, err
			}
			if brand.ID == "" {
				return kufarModels, nil
			}
			avModels, avErr := c.Models(ctx, market.SourceAv, brand)
			if avErr != nil {
				c.logger.Debug("av models unavailable for id enrichment", zap.Error(avErr))
			}
			return enrichIDs(kufarModels, avModels), nil
		})
	case market.SourceBoth:
		avModels, err := c.Models(ctx, market.SourceAv, brand)
		if err != nil {
			return nil, err
		}
		kufarModels, err := c.Models(ctx, market.SourceKufar, brand)
		if err != nil {
			return nil, err
		}
		return intersect(avModels, kufarModels), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}
}

// FindBrand resolves a brand by identifier or slug.
func (c *Cache) FindBrand(ctx context.Context, source market.Source, key string) (Item, bool, error) {
	brands, err := c.Brands(ctx, source)
	if err != nil {
		return Item{}, false, err
	}
	return find(brands, key)
}

// FindModel resolves a brand's model by identifier or slug.
func (c *Cache) FindModel(ctx context.Context, source market.Source, brand Item, key string) (Item, bool, error) {
	models, err := c.Models(ctx, source, brand)
	if err != nil {
		return Item{}, false, err
	}
	return find(models, key)
}

func (c *Cache) load(ctx context.Context, key string, populate func(context.Context) ([]Item, error)) ([]Item, error) {
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock().Sub(cached.loadedAt) < c.ttl {
		return append([]Item(nil), cached.items...), nil
	}

	loaded, err, _ := c.flight.Do(key, func() (interface{}, error) {
		items, err := populate(ctx)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, ErrUnavailable
		}
		sortByName(items)
		c.mu.Lock()
		c.entries[key] = entry{items: items, loadedAt: c.clock()}
		c.mu.Unlock()
		return items, nil
	})
	if err != nil {
		if ok {
			c.logger.Warn("catalog refresh failed, serving stale entries", zap.String("catalog_key", key), zap.Error(err))
			return append([]Item(nil), cached.items...), nil
		}
		return nil, err
	}
	return append([]Item(nil), loaded.([]Item)...), nil
}

func (c *Cache) loadBrands(ctx context.Context, source market.Source) ([]Item, error) {
	loader, ok := c.loaders[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}
	return loader.Brands(ctx)
}

func (c *Cache) loadModels(ctx context.Context, source market.Source, brand Item) ([]Item, error) {
	loader, ok := c.loaders[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}
	return loader.Models(ctx, brand)
}

func enrichIDs(items, reference []Item) []Item {
	byName := make(map[string]Item, len(reference))
	for _, item := range reference {
		byName[strings.ToLower(item.Name)] = item
	}
	enriched := make([]Item, 0, len(items))
	for _, item := range items {
		if match, ok := byName[strings.ToLower(item.Name)]; ok && item.ID == "" {
			item.ID = match.ID
		}
		enriched = append(enriched, item)
	}
	return enriched
}

func intersect(avItems, kufarItems []Item) []Item {
	kufarByName := make(map[string]Item, len(kufarItems))
	for _, item := range kufarItems {
		kufarByName[strings.ToLower(item.Name)] = item
	}
	shared := make([]Item, 0, len(avItems))
	for _, item := range avItems {
		match, ok := kufarByName[strings.ToLower(item.Name)]
		if !ok {
			continue
		}
		shared = append(shared, Item{ID: item.ID, Slug: match.Slug, Name: item.Name})
	}
	return shared
}

func find(items []Item, key string) (Item, bool, error) {
	key = strings.TrimSpace(key)
	for _, item := range items {
		if item.Matches(key) {
			return item, true, nil
		}
	}
	return Item{}, false, nil
}

func sortByName(items []Item) {
	sort.SliceStable(items, func(left, right int) bool {
		return strings.ToLower(items[left].Name) < strings.ToLower(items[right].Name)
	})
}
