package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/carwatch/internal/catalog"
	"github.com/MarcoPoloResearchLab/carwatch/internal/filters"
	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"go.uber.org/zap"
)

const (
	defaultAvSiteURL = "https://cars.av.by"
	defaultAvAPIURL  = "https://api.av.by"
	avSearchPath     = "/filter"
	avCatalogPath    = "/offer-types/cars/catalog/brand-items"
)

var errAvAdvertIncomplete = errors.New("sources: av advert misses url or timestamp")

// AvConfig configures the av.by adapter.
type AvConfig struct {
	SiteURL  string
	APIURL   string
	Request  RequestConfig
	Registry *filters.Registry
	Logger   *zap.Logger
}

// AvAdapter reads av.by search pages, advert pages and the catalog API.
type AvAdapter struct {
	siteURL  string
	apiURL   string
	http     *requester
	registry *filters.Registry
	logger   *zap.Logger
}

// NewAvAdapter applies defaults and constructs the adapter.
func NewAvAdapter(cfg AvConfig) *AvAdapter {
	adapter := &AvAdapter{
		siteURL:  strings.TrimRight(cfg.SiteURL, "/"),
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		http:     newRequester(cfg.Request),
		registry: cfg.Registry,
		logger:   cfg.Logger,
	}
	if adapter.siteURL == "" {
		adapter.siteURL = defaultAvSiteURL
	}
	if adapter.apiURL == "" {
		adapter.apiURL = defaultAvAPIURL
	}
	if adapter.registry == nil {
		adapter.registry = filters.DefaultRegistry()
	}
	if adapter.logger == nil {
		adapter.logger = zap.NewNop()
	}
	adapter.logger = adapter.logger.With(zap.String("source", market.SourceAv.String()))
	return adapter
}

// Source identifies the marketplace.
func (a *AvAdapter) Source() market.Source {
	return market.SourceAv
}

// SearchParams renders the query string of the av.by filter page.
func (a *AvAdapter) SearchParams(query market.CanonicalQuery) url.Values {
	params := url.Values{}
	params.Set("sort", "created_at.desc")
	if brandID := query.Brand().ID; brandID != "" {
		params.Set("brands[0][brand]", brandID)
		if modelID := query.Model().ID; modelID != "" {
			params.Set("brands[0][model]", modelID)
		}
	}
	if query.MaxPriceUSD() > 0 {
		params.Set("price_usd[max]", strconv.Itoa(query.MaxPriceUSD()))
	}
	for _, param := range a.registry.Translate(market.SourceAv, query.Filters()) {
		if param.Single {
			params.Set(param.Key, param.Values[0])
			continue
		}
		for index, value := range param.Values {
			params.Set(fmt.Sprintf("%s[%d]", param.Key, index), value)
		}
	}
	return params
}

// FetchListings returns the newest adverts matching the query.
func (a *AvAdapter) FetchListings(ctx context.Context, query market.CanonicalQuery) []market.Listing {
	page, err := a.http.get(ctx, a.siteURL+avSearchPath, a.SearchParams(query), pageHeaders())
	if err != nil {
		a.logger.Warn("search request failed", zap.Error(err))
		return nil
	}
	payload, err := extractNextData(page)
	if err != nil {
		a.logger.Warn("search page not parsable", zap.Error(err))
		return nil
	}

	var document struct {
		Props struct {
			InitialState struct {
				Filter struct {
					Main struct {
						Adverts []json.RawMessage `json:"adverts"`
					} `json:"main"`
				} `json:"filter"`
			} `json:"initialState"`
		} `json:"props"`
	}
	if err := json.Unmarshal(payload, &document); err != nil {
		a.logger.Warn("search payload not decodable", zap.Error(err))
		return nil
	}

	adverts := document.Props.InitialState.Filter.Main.Adverts
	results := make([]market.Listing, 0, len(adverts))
	for _, raw := range adverts {
		listing, err := parseAvAdvert(raw)
		if err != nil {
			a.logger.Warn("skipping unparsable advert", zap.Error(err))
			continue
		}
		results = append(results, listing)
	}
	return results
}

// FetchListingDetail loads one advert page by URL.
func (a *AvAdapter) FetchListingDetail(ctx context.Context, ref string) (market.Listing, bool) {
	if source, ok := DetectSource(ref); !ok || source != market.SourceAv {
		if !strings.HasPrefix(ref, a.siteURL) {
			a.logger.Debug("detail reference is not an av.by url", zap.String("listing_url", ref))
			return market.Listing{}, false
		}
	}
	page, err := a.http.get(ctx, ref, nil, pageHeaders())
	if err != nil {
		a.logger.Warn("detail request failed", zap.String("listing_url", ref), zap.Error(err))
		return market.Listing{}, false
	}
	payload, err := extractNextData(page)
	if err != nil {
		a.logger.Warn("detail page not parsable", zap.String("listing_url", ref), zap.Error(err))
		return market.Listing{}, false
	}

	var document struct {
		Props struct {
			InitialState struct {
				Advert struct {
					Advert json.RawMessage `json:"advert"`
				} `json:"advert"`
			} `json:"initialState"`
		} `json:"props"`
	}
	if err := json.Unmarshal(payload, &document); err != nil || len(document.Props.InitialState.Advert.Advert) == 0 {
		a.logger.Warn("detail payload has no advert", zap.String("listing_url", ref), zap.Error(err))
		return market.Listing{}, false
	}
	listing, err := parseAvAdvert(document.Props.InitialState.Advert.Advert)
	if err != nil {
		a.logger.Warn("detail advert not parsable", zap.String("listing_url", ref), zap.Error(err))
		return market.Listing{}, false
	}
	return listing, true
}

// Brands lists the av.by brand catalog.
func (a *AvAdapter) Brands(ctx context.Context) ([]catalog.Item, error) {
	return a.catalogItems(ctx, a.apiURL+avCatalogPath)
}

// Models lists the models of an av.by brand.
func (a *AvAdapter) Models(ctx context.Context, brand catalog.Item) ([]catalog.Item, error) {
	if brand.ID == "" {
		return nil, fmt.Errorf("sources: av brand %q has no identifier", brand.Name)
	}
	return a.catalogItems(ctx, a.apiURL+avCatalogPath+"/"+url.PathEscape(brand.ID)+"/models")
}

func (a *AvAdapter) catalogItems(ctx context.Context, endpoint string) ([]catalog.Item, error) {
	headers := http.Header{}
	headers.Set("Accept", "application/json, text/plain, */*")
	headers.Set("X-Device-Type", "web.desktop")
	body, err := a.http.get(ctx, endpoint, nil, headers)
	if err != nil {
		a.logger.Warn("catalog request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	var entries []struct {
		ID   flexString `json:"id"`
		Name string     `json:"name"`
		Slug string     `json:"slug"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("sources: av catalog: %w", err)
	}
	items := make([]catalog.Item, 0, len(entries))
	for _, entry := range entries {
		if entry.ID == "" || strings.TrimSpace(entry.Name) == "" {
			continue
		}
		items = append(items, catalog.Item{ID: entry.ID.String(), Name: strings.TrimSpace(entry.Name)})
	}
	return items, nil
}

type avAmount struct {
	Amount float64 `json:"amount"`
}

type avAdvert struct {
	ID          flexString `json:"id"`
	PublicURL   string     `json:"publicUrl"`
	RefreshedAt string     `json:"refreshedAt"`
	Year        flexString `json:"year"`
	Description string     `json:"description"`
	Price       struct {
		USD avAmount `json:"usd"`
		BYN avAmount `json:"byn"`
	} `json:"price"`
	Properties []struct {
		Name  string     `json:"name"`
		Value flexString `json:"value"`
	} `json:"properties"`
	Photos []struct {
		Big *struct {
			URL string `json:"url"`
		} `json:"big"`
	} `json:"photos"`
	Metadata struct {
		Options []struct {
			Name string `json:"name"`
		} `json:"options"`
	} `json:"metadata"`
}

func (a avAdvert) property(name string) string {
	for _, property := range a.Properties {
		if property.Name == name {
			return strings.TrimSpace(property.Value.String())
		}
	}
	return ""
}

func parseAvAdvert(raw json.RawMessage) (market.Listing, error) {
	var advert avAdvert
	if err := json.Unmarshal(raw, &advert); err != nil {
		return market.Listing{}, err
	}
	if strings.TrimSpace(advert.PublicURL) == "" || strings.TrimSpace(advert.RefreshedAt) == "" {
		return market.Listing{}, errAvAdvertIncomplete
	}
	publishedAt, err := parseTimestamp(advert.RefreshedAt)
	if err != nil {
		return market.Listing{}, fmt.Errorf("sources: av advert %s timestamp: %w", advert.ID, err)
	}

	specParts := []string{}
	if advert.Year != "" {
		specParts = append(specParts, advert.Year.String()+" г.")
	}
	specParts = append(specParts, advert.property("transmission_type"))
	if capacity := advert.property("engine_capacity"); capacity != "" {
		specParts = append(specParts, capacity+" л.")
	}
	specParts = append(specParts, advert.property("engine_type"), advert.property("body_type"))
	if mileage := advert.property("mileage_km"); mileage != "" {
		specParts = append(specParts, groupThousands(mileage)+" км")
	}

	images := make([]string, 0, len(advert.Photos))
	for _, photo := range advert.Photos {
		if photo.Big != nil && photo.Big.URL != "" {
			images = append(images, photo.Big.URL)
		}
	}
	options := make([]string, 0, len(advert.Metadata.Options))
	for _, option := range advert.Metadata.Options {
		if option.Name != "" {
			options = append(options, option.Name)
		}
	}

	return market.Listing{
		URL:             strings.TrimSpace(advert.PublicURL),
		SourceListingID: advert.ID.String(),
		Source:          market.SourceAv,
		Title:           joinNonEmpty([]string{advert.property("brand"), advert.property("model"), advert.property("generation")}, " "),
		PriceUSD:        int(math.Round(advert.Price.USD.Amount)),
		PriceLocal:      int(math.Round(advert.Price.BYN.Amount)),
		Images:          images,
		SpecText:        joinNonEmpty(specParts, ", "),
		Description:     advert.Description,
		Options:         options,
		PublishedAt:     publishedAt,
	}, nil
}

func pageHeaders() http.Header {
	headers := http.Header{}
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	headers.Set("Accept-Language", "ru-RU,ru")
	return headers
}
