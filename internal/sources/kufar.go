package sources

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/carwatch/internal/catalog"
	"github.com/MarcoPoloResearchLab/carwatch/internal/filters"
	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultKufarAPIURL     = "https://api.kufar.by"
	defaultKufarSiteURL    = "https://auto.kufar.by"
	defaultKufarGalleryURL = "https://rms.kufar.by/v1/gallery/"
	kufarCategory          = "2010"
	kufarPaginatedPath     = "/search-api/v2/search/rendered-paginated"
	kufarPolePositionPath  = "/search-api/v2/search/poleposition"
	kufarNodesPath         = "/catalog/v1/nodes"
	kufarPaginatedSize     = 40
	kufarPolePositionSize  = 5
	kufarDetailImageLimit  = 10
)

var (
	kufarAdIDPattern = regexp.MustCompile(`/(?:item|vi)/(\d+)`)

	// kufarDetailLabels lists the advert parameters rendered into SpecText, in
	// display order.
	kufarDetailLabels = []string{"Год", "Тип кузова", "Объем, л", "Тип двигателя", "Пробег, км"}

	errKufarAdIncomplete = errors.New("sources: kufar ad misses id, link or timestamp")
)

// KufarConfig configures the kufar.by adapter.
type KufarConfig struct {
	APIURL       string
	SiteURL      string
	GalleryURL   string
	BearerTokens []string
	Request      RequestConfig
	Registry     *filters.Registry
	Logger       *zap.Logger
}

// KufarAdapter reads the kufar.by search API, advert pages and the taxonomy.
type KufarAdapter struct {
	apiURL     string
	siteURL    string
	galleryURL string
	tokens     []string
	http       *requester
	registry   *filters.Registry
	logger     *zap.Logger
}

// NewKufarAdapter applies defaults and constructs the adapter.
func NewKufarAdapter(cfg KufarConfig) *KufarAdapter {
	adapter := &KufarAdapter{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		siteURL:    strings.TrimRight(cfg.SiteURL, "/"),
		galleryURL: cfg.GalleryURL,
		http:       newRequester(cfg.Request),
		registry:   cfg.Registry,
		logger:     cfg.Logger,
	}
	for _, token := range cfg.BearerTokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			adapter.tokens = append(adapter.tokens, trimmed)
		}
	}
	if adapter.apiURL == "" {
		adapter.apiURL = defaultKufarAPIURL
	}
	if adapter.siteURL == "" {
		adapter.siteURL = defaultKufarSiteURL
	}
	if adapter.galleryURL == "" {
		adapter.galleryURL = defaultKufarGalleryURL
	}
	if adapter.registry == nil {
		adapter.registry = filters.DefaultRegistry()
	}
	if adapter.logger == nil {
		adapter.logger = zap.NewNop()
	}
	adapter.logger = adapter.logger.With(zap.String("source", market.SourceKufar.String()))
	return adapter
}

// Source identifies the marketplace.
func (k *KufarAdapter) Source() market.Source {
	return market.SourceKufar
}

// SearchParams renders the search API query string without the page size.
func (k *KufarAdapter) SearchParams(query market.CanonicalQuery) url.Values {
	params := url.Values{}
	params.Set("cat", kufarCategory)
	params.Set("cur", "USD")
	params.Set("lang", "ru")
	params.Set("sort", "lst.d")
	if slug := query.Brand().Slug; slug != "" {
		params.Set("cbnd2", slug)
		if modelSlug := query.Model().Slug; modelSlug != "" {
			params.Set("cmdl2", modelSlug)
		}
	}
	if query.MaxPriceUSD() > 0 {
		params.Set("prc", "r:0,"+strconv.Itoa(query.MaxPriceUSD()))
	}
	for _, param := range k.registry.Translate(market.SourceKufar, query.Filters()) {
		if param.Single {
			params.Set(param.Key, param.Values[0])
			continue
		}
		params.Set(param.Key, "v.or:"+strings.Join(param.Values, ","))
	}
	return params
}

// FetchListings queries the paginated and the promoted result endpoints
// concurrently and merges them by ad identifier.
func (k *KufarAdapter) FetchListings(ctx context.Context, query market.CanonicalQuery) []market.Listing {
	base := k.SearchParams(query)
	headers := k.apiHeaders()
	headers.Set("X-Searchid", newSearchID())

	endpoints := []struct {
		path string
		size int
	}{
		{path: kufarPaginatedPath, size: kufarPaginatedSize},
		{path: kufarPolePositionPath, size: kufarPolePositionSize},
	}
	batches := make([][]json.RawMessage, len(endpoints))

	var group errgroup.Group
	for index, endpoint := range endpoints {
		params := cloneValues(base)
		params.Set("size", strconv.Itoa(endpoint.size))
		group.Go(func() error {
			ads, err := k.searchEndpoint(ctx, k.apiURL+endpoint.path, params, headers)
			if err != nil {
				k.logger.Warn("search endpoint failed", zap.String("endpoint", endpoint.path), zap.Error(err))
				return nil
			}
			batches[index] = ads
			return nil
		})
	}
	_ = group.Wait()

	seen := make(map[string]struct{})
	results := make([]market.Listing, 0, kufarPaginatedSize+kufarPolePositionSize)
	for _, batch := range batches {
		for _, raw := range batch {
			listing, err := k.parseSearchAd(raw)
			if err != nil {
				k.logger.Warn("skipping unparsable ad", zap.Error(err))
				continue
			}
			if _, duplicate := seen[listing.SourceListingID]; duplicate {
				continue
			}
			seen[listing.SourceListingID] = struct{}{}
			results = append(results, listing)
		}
	}
	return results
}

func (k *KufarAdapter) searchEndpoint(ctx context.Context, endpoint string, params url.Values, headers http.Header) ([]json.RawMessage, error) {
	body, err := k.http.get(ctx, endpoint, params, headers)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Adverts []json.RawMessage `json:"adverts"`
		Ads     []json.RawMessage `json:"ads"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Adverts) > 0 {
		return envelope.Adverts, nil
	}
	return envelope.Ads, nil
}

type kufarParameter struct {
	Label string     `json:"pl"`
	Value flexString `json:"vl"`
}

type kufarSearchAd struct {
	AdID       flexString       `json:"ad_id"`
	AdLink     string           `json:"ad_link"`
	ListTime   string           `json:"list_time"`
	Subject    string           `json:"subject"`
	PriceUSD   flexString       `json:"price_usd"`
	PriceBYN   flexString       `json:"price_byn"`
	Images     []kufarImage     `json:"images"`
	Parameters []kufarParameter `json:"ad_parameters"`
}

// kufarImage accepts either a gallery path object or a bare URL string.
type kufarImage struct {
	Path string
	URL  string
}

func (i *kufarImage) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
			i.URL = text
		} else {
			i.Path = text
		}
		return nil
	}
	var object struct {
		Path string `json:"path"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	i.Path = object.Path
	i.URL = object.URL
	return nil
}

func (k *KufarAdapter) imageURLs(images []kufarImage, limit int) []string {
	urls := make([]string, 0, len(images))
	for _, image := range images {
		if limit > 0 && len(urls) >= limit {
			break
		}
		switch {
		case image.URL != "":
			urls = append(urls, image.URL)
		case image.Path != "":
			urls = append(urls, k.galleryURL+strings.TrimLeft(image.Path, "/"))
		}
	}
	return urls
}

func (k *KufarAdapter) parseSearchAd(raw json.RawMessage) (market.Listing, error) {
	var ad kufarSearchAd
	if err := json.Unmarshal(raw, &ad); err != nil {
		return market.Listing{}, err
	}
	if ad.AdID == "" || strings.TrimSpace(ad.AdLink) == "" || strings.TrimSpace(ad.ListTime) == "" {
		return market.Listing{}, errKufarAdIncomplete
	}
	publishedAt, err := parseTimestamp(ad.ListTime)
	if err != nil {
		return market.Listing{}, fmt.Errorf("sources: kufar ad %s timestamp: %w", ad.AdID, err)
	}
	labels := make(map[string]string, len(ad.Parameters))
	for _, parameter := range ad.Parameters {
		labels[parameter.Label] = parameter.Value.String()
	}
	return market.Listing{
		URL:             strings.TrimSpace(ad.AdLink),
		SourceListingID: ad.AdID.String(),
		Source:          market.SourceKufar,
		Title:           strings.TrimSpace(ad.Subject),
		PriceUSD:        centsToUnits(ad.PriceUSD),
		PriceLocal:      centsToUnits(ad.PriceBYN),
		Images:          k.imageURLs(ad.Images, 0),
		SpecText:        kufarSpecText(labels),
		PublishedAt:     publishedAt,
	}, nil
}

// FetchListingDetail loads one advert by URL. The public ads API supplies the
// canonical link and prices, the advert page supplies the description and
// parameters, and the phone endpoint is consulted when tokens are configured.
func (k *KufarAdapter) FetchListingDetail(ctx context.Context, ref string) (market.Listing, bool) {
	match := kufarAdIDPattern.FindStringSubmatch(ref)
	if match == nil {
		k.logger.Debug("detail reference has no ad id", zap.String("listing_url", ref))
		return market.Listing{}, false
	}
	adID := match[1]
	detail := market.Listing{URL: strings.TrimSpace(ref), SourceListingID: adID, Source: market.SourceKufar}

	if public, err := k.publicAd(ctx, adID); err != nil {
		k.logger.Debug("public ad lookup failed, continuing with page", zap.String("ad_id", adID), zap.Error(err))
	} else {
		if public.AdLink != "" {
			detail.URL = public.AdLink
		}
		detail.PriceUSD = centsToUnits(public.PriceUSD)
		detail.PriceLocal = centsToUnits(public.PriceBYN)
	}

	page, err := k.http.get(ctx, detail.URL, nil, pageHeaders())
	if err != nil {
		k.logger.Warn("detail request failed", zap.String("listing_url", detail.URL), zap.Error(err))
		return market.Listing{}, false
	}
	payload, err := extractNextData(page)
	if err != nil {
		k.logger.Warn("detail page not parsable", zap.String("listing_url", detail.URL), zap.Error(err))
		return market.Listing{}, false
	}
	var document struct {
		Props struct {
			InitialState struct {
				AdView struct {
					Data kufarAdView `json:"data"`
				} `json:"adView"`
			} `json:"initialState"`
		} `json:"props"`
	}
	if err := json.Unmarshal(payload, &document); err != nil {
		k.logger.Warn("detail payload not decodable", zap.String("listing_url", detail.URL), zap.Error(err))
		return market.Listing{}, false
	}
	view := document.Props.InitialState.AdView.Data

	labels := make(map[string]string, len(view.Params))
	for _, parameter := range view.Params {
		labels[parameter.Label] = parameter.Value.String()
	}
	detail.Title = strings.TrimSpace(view.Subject)
	detail.Description = strings.TrimSpace(view.Body)
	detail.SpecText = kufarSpecText(labels)
	detail.Images = k.imageURLs(view.Images.Gallery, kufarDetailImageLimit)
	if detail.PriceUSD == 0 {
		detail.PriceUSD = digitsOnly(view.PriceUSD.String())
	}
	if detail.PriceLocal == 0 {
		detail.PriceLocal = digitsOnly(view.Price.String())
	}
	if view.Date != "" {
		if publishedAt, err := parseTimestamp(view.Date); err == nil {
			detail.PublishedAt = publishedAt
		}
	}
	detail.Phone = k.phone(ctx, adID, detail.URL)
	return detail, true
}

// Hydrate completes a search summary with the advert details.
func (k *KufarAdapter) Hydrate(ctx context.Context, listing market.Listing) (market.Listing, bool) {
	detail, ok := k.FetchListingDetail(ctx, listing.URL)
	if !ok {
		return listing, false
	}
	return listing.Merge(detail), true
}

type kufarAdView struct {
	Subject string                    `json:"subject"`
	Body    string                    `json:"body"`
	Params  map[string]kufarParameter `json:"adParams"`
	Images  struct {
		Gallery []kufarImage `json:"gallery"`
	} `json:"images"`
	PriceUSD flexString `json:"priceUsd"`
	Price    flexString `json:"price"`
	Date     string     `json:"date"`
}

type kufarPublicAd struct {
	AdLink   string     `json:"ad_link"`
	PriceUSD flexString `json:"price_usd"`
	PriceBYN flexString `json:"price_byn"`
}

func (k *KufarAdapter) publicAd(ctx context.Context, adID string) (kufarPublicAd, error) {
	body, err := k.http.get(ctx, k.apiURL+"/ads-pub/ads/"+url.PathEscape(adID), nil, k.apiHeaders())
	if err != nil {
		return kufarPublicAd{}, err
	}
	var public kufarPublicAd
	if err := json.Unmarshal(body, &public); err != nil {
		return kufarPublicAd{}, err
	}
	return public, nil
}

func (k *KufarAdapter) phone(ctx context.Context, adID string, referer string) string {
	if len(k.tokens) == 0 {
		return ""
	}
	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("Authorization", "Bearer "+k.tokens[mathrand.IntN(len(k.tokens))])
	headers.Set("Origin", k.siteURL)
	headers.Set("Referer", referer)
	body, err := k.http.get(ctx, k.apiURL+"/search-api/v2/item/"+url.PathEscape(adID)+"/phone", nil, headers)
	if err != nil {
		k.logger.Debug("phone lookup failed", zap.String("ad_id", adID), zap.Error(err))
		return ""
	}
	var payload struct {
		Phone flexString `json:"phone"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Phone.String())
}

// Brands lists the kufar.by car brand taxonomy.
func (k *KufarAdapter) Brands(ctx context.Context) ([]catalog.Item, error) {
	return k.nodes(ctx, "category_"+kufarCategory)
}

// Models lists the models of a kufar.by brand.
func (k *KufarAdapter) Models(ctx context.Context, brand catalog.Item) ([]catalog.Item, error) {
	if brand.Slug == "" {
		return nil, fmt.Errorf("sources: kufar brand %q has no slug", brand.Name)
	}
	return k.nodes(ctx, brand.Slug)
}

func (k *KufarAdapter) nodes(ctx context.Context, tag string) ([]catalog.Item, error) {
	params := url.Values{}
	params.Set("tag", tag)
	params.Set("view", "taxonomy")
	params.Set("with-content", "true")
	body, err := k.http.get(ctx, k.apiURL+kufarNodesPath, params, k.apiHeaders())
	if err != nil {
		k.logger.Warn("catalog request failed", zap.String("tag", tag), zap.Error(err))
		return nil, err
	}
	var nodes []struct {
		Value  string `json:"value"`
		Labels struct {
			RU string `json:"ru"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, fmt.Errorf("sources: kufar catalog: %w", err)
	}
	items := make([]catalog.Item, 0, len(nodes))
	for _, node := range nodes {
		name := strings.TrimSpace(node.Labels.RU)
		if node.Value == "" || name == "" {
			continue
		}
		items = append(items, catalog.Item{Slug: node.Value, Name: name})
	}
	return items, nil
}

func (k *KufarAdapter) apiHeaders() http.Header {
	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("Accept-Language", "ru-RU,ru")
	headers.Set("Origin", k.siteURL)
	headers.Set("Referer", k.siteURL+"/")
	return headers
}

func kufarSpecText(labels map[string]string) string {
	parts := make([]string, 0, len(kufarDetailLabels))
	for _, label := range kufarDetailLabels {
		parts = append(parts, labels[label])
	}
	return joinNonEmpty(parts, ", ")
}

func centsToUnits(value flexString) int {
	cents, err := strconv.ParseFloat(strings.TrimSpace(value.String()), 64)
	if err != nil {
		return 0
	}
	return int(cents) / 100
}

func cloneValues(values url.Values) url.Values {
	cloned := make(url.Values, len(values))
	for key, items := range values {
		cloned[key] = append([]string(nil), items...)
	}
	return cloned
}

func newSearchID() string {
	buffer := make([]byte, 18)
	if _, err := rand.Read(buffer); err != nil {
		return strconv.FormatUint(mathrand.Uint64(), 16)
	}
	return hex.EncodeToString(buffer)
}
