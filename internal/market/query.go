package market

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidQuery indicates a canonical query that cannot be stored or fetched.
var ErrInvalidQuery = errors.New("market: invalid query")

// Ref points at a catalog entry (brand or model). ID is the av.by numeric
// identifier, Slug the kufar.by taxonomy value, Name the display label.
type Ref struct {
	ID   string
	Slug string
	Name string
}

// Empty reports whether the reference selects nothing.
func (r Ref) Empty() bool {
	return strings.TrimSpace(r.ID) == "" && strings.TrimSpace(r.Slug) == ""
}

// CanonicalQuery is the source-agnostic search criteria of a subscription.
// Build it with NewCanonicalQuery; treat it as immutable afterwards.
type CanonicalQuery struct {
	source      Source
	brand       Ref
	model       Ref
	maxPriceUSD int
	filters     map[string][]string
}

// QueryConfig describes the inputs for NewCanonicalQuery.
type QueryConfig struct {
	Source      Source
	Brand       Ref
	Model       Ref
	MaxPriceUSD int
	Filters     map[string][]string
}

// NewCanonicalQuery validates and normalizes the configuration. Filter option
// sets are trimmed, de-duplicated and sorted; empty selections are dropped.
func NewCanonicalQuery(cfg QueryConfig) (CanonicalQuery, error) {
	if cfg.Source != SourceBoth && !cfg.Source.Concrete() {
		return CanonicalQuery{}, fmt.Errorf("%w: %q", ErrInvalidSource, cfg.Source)
	}
	if cfg.MaxPriceUSD < 0 {
		return CanonicalQuery{}, fmt.Errorf("%w: negative max price %d", ErrInvalidQuery, cfg.MaxPriceUSD)
	}
	if cfg.Brand.Empty() && !cfg.Model.Empty() {
		return CanonicalQuery{}, fmt.Errorf("%w: model requires a brand", ErrInvalidQuery)
	}
	return CanonicalQuery{
		source:      cfg.Source,
		brand:       normalizeRef(cfg.Brand),
		model:       normalizeRef(cfg.Model),
		maxPriceUSD: cfg.MaxPriceUSD,
		filters:     normalizeFilters(cfg.Filters),
	}, nil
}

// Source returns the marketplace selector.
func (q CanonicalQuery) Source() Source {
	return q.source
}

// Brand returns the selected brand reference.
func (q CanonicalQuery) Brand() Ref {
	return q.brand
}

// Model returns the selected model reference.
func (q CanonicalQuery) Model() Ref {
	return q.model
}

// MaxPriceUSD returns the price ceiling, zero when unset.
func (q CanonicalQuery) MaxPriceUSD() int {
	return q.maxPriceUSD
}

// Filters returns a copy of the selected canonical filter options.
func (q CanonicalQuery) Filters() map[string][]string {
	copied := make(map[string][]string, len(q.filters))
	for key, values := range q.filters {
		copied[key] = append([]string(nil), values...)
	}
	return copied
}

// ForSource narrows a query to one concrete marketplace.
func (q CanonicalQuery) ForSource(source Source) CanonicalQuery {
	narrowed := q
	narrowed.source = source
	narrowed.filters = q.Filters()
	return narrowed
}

// FetchQuery strips the display-only fields before handing the query to a
// marketplace adapter.
func (q CanonicalQuery) FetchQuery() CanonicalQuery {
	stripped := q.ForSource(q.source)
	stripped.brand.Name = ""
	stripped.model.Name = ""
	return stripped
}

// queryParams is the persisted form. Fields are declared in lexical order of
// their JSON names so the encoding has sorted keys.
type queryParams struct {
	BrandID     string              `json:"brand_id,omitempty"`
	BrandName   string              `json:"brand_name,omitempty"`
	BrandSlug   string              `json:"brand_slug,omitempty"`
	Filters     map[string][]string `json:"filters,omitempty"`
	MaxPriceUSD int                 `json:"max_price_usd,omitempty"`
	ModelID     string              `json:"model_id,omitempty"`
	ModelName   string              `json:"model_name,omitempty"`
	ModelSlug   string              `json:"model_slug,omitempty"`
}

// EncodeParams renders the canonical JSON form with sorted keys. Display names
// are included; use Hash for the identity of the search.
func (q CanonicalQuery) EncodeParams() (string, error) {
	params := queryParams{
		BrandID:     q.brand.ID,
		BrandName:   q.brand.Name,
		BrandSlug:   q.brand.Slug,
		Filters:     q.filters,
		MaxPriceUSD: q.maxPriceUSD,
		ModelID:     q.model.ID,
		ModelName:   q.model.Name,
		ModelSlug:   q.model.Slug,
	}
	if len(params.Filters) == 0 {
		params.Filters = nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return string(encoded), nil
}

// DecodeQuery rebuilds a CanonicalQuery from its persisted form.
func DecodeQuery(source Source, encoded string) (CanonicalQuery, error) {
	var params queryParams
	if err := json.Unmarshal([]byte(encoded), &params); err != nil {
		return CanonicalQuery{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return NewCanonicalQuery(QueryConfig{
		Source:      source,
		Brand:       Ref{ID: params.BrandID, Slug: params.BrandSlug, Name: params.BrandName},
		Model:       Ref{ID: params.ModelID, Slug: params.ModelSlug, Name: params.ModelName},
		MaxPriceUSD: params.MaxPriceUSD,
		Filters:     params.Filters,
	})
}

// Hash returns the search hash of the query. Display names do not take part,
// so queries that differ only in their labels share one search.
func (q CanonicalQuery) Hash() (string, error) {
	encoded, err := q.FetchQuery().EncodeParams()
	if err != nil {
		return "", err
	}
	return SearchHash(q.source, encoded), nil
}

// SearchHash digests a source and its canonical params JSON into the stable,
// hex-encoded identity of a unique search.
func SearchHash(source Source, canonicalParams string) string {
	sum := sha256.Sum256([]byte(source.String() + ":" + canonicalParams))
	return hex.EncodeToString(sum[:])
}

func normalizeRef(ref Ref) Ref {
	return Ref{
		ID:   strings.TrimSpace(ref.ID),
		Slug: strings.TrimSpace(ref.Slug),
		Name: strings.TrimSpace(ref.Name),
	}
}

func normalizeFilters(raw map[string][]string) map[string][]string {
	normalized := make(map[string][]string, len(raw))
	for rawKey, rawValues := range raw {
		key := strings.TrimSpace(rawKey)
		if key == "" {
			continue
		}
		seen := make(map[string]struct{}, len(rawValues))
		values := make([]string, 0, len(rawValues))
		for _, rawValue := range rawValues {
			value := strings.TrimSpace(rawValue)
			if value == "" {
				continue
			}
			if _, ok := seen[value]; ok {
				continue
			}
			seen[value] = struct{}{}
			values = append(values, value)
		}
		if len(values) == 0 {
			continue
		}
		values = append(normalized[key], values...)
		sort.Strings(values)
		normalized[key] = dedupeSorted(values)
	}
	return normalized
}

func dedupeSorted(values []string) []string {
	if len(values) < 2 {
		return values
	}
	out := values[:1]
	for _, value := range values[1:] {
		if value != out[len(out)-1] {
			out = append(out, value)
		}
	}
	return out
}
