package sources

import (
	"context"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/carwatch/internal/catalog"
	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
)

// Adapter fetches listings from one marketplace. Both methods fail soft: errors
// are logged and surface as an empty result.
type Adapter interface {
	Source() market.Source
	FetchListings(ctx context.Context, query market.CanonicalQuery) []market.Listing
	FetchListingDetail(ctx context.Context, ref string) (market.Listing, bool)
}

// Hydrator completes summary listings whose search results lack details. It is
// applied to newly discovered listings only.
type Hydrator interface {
	Hydrate(ctx context.Context, listing market.Listing) (market.Listing, bool)
}

// CatalogAdapter is an adapter that also serves its marketplace catalog.
type CatalogAdapter interface {
	Adapter
	catalog.Loader
}

// Router dispatches by marketplace.
type Router struct {
	adapters map[market.Source]Adapter
}

// NewRouter indexes the adapters by source.
func NewRouter(adapters ...Adapter) *Router {
	router := &Router{adapters: make(map[market.Source]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter != nil {
			router.adapters[adapter.Source()] = adapter
		}
	}
	return router
}

// Adapter returns the adapter serving the source.
func (r *Router) Adapter(source market.Source) (Adapter, bool) {
	adapter, ok := r.adapters[source]
	return adapter, ok
}

// FetchListingDetail loads one listing from the given marketplace.
func (r *Router) FetchListingDetail(ctx context.Context, source market.Source, ref string) (market.Listing, bool) {
	adapter, ok := r.adapters[source]
	if !ok {
		return market.Listing{}, false
	}
	return adapter.FetchListingDetail(ctx, ref)
}

// DetectSource infers the marketplace from a listing URL.
func DetectSource(rawURL string) (market.Source, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	switch {
	case host == "av.by" || strings.HasSuffix(host, ".av.by"):
		return market.SourceAv, true
	case host == "kufar.by" || strings.HasSuffix(host, ".kufar.by"):
		return market.SourceKufar, true
	default:
		return "", false
	}
}
