package market

import (
	"strings"
	"time"
)

// Listing is a single advertisement observed on a marketplace.
type Listing struct {
	URL             string
	SourceListingID string
	Source          Source
	Title           string
	PriceUSD        int
	PriceLocal      int
	Images          []string
	SpecText        string
	Description     string
	Phone           string
	Options         []string
	PublishedAt     time.Time
	FoundAt         time.Time
}

// Valid reports whether the listing carries the fields every consumer relies on.
func (l Listing) Valid() bool {
	return strings.TrimSpace(l.URL) != "" && l.Source.Concrete()
}

// Merge fills the empty fields of l with the values from detail. The URL,
// source and timestamps of l are kept.
func (l Listing) Merge(detail Listing) Listing {
	merged := l
	if merged.SourceListingID == "" {
		merged.SourceListingID = detail.SourceListingID
	}
	if detail.Title != "" {
		merged.Title = detail.Title
	}
	if merged.PriceUSD == 0 {
		merged.PriceUSD = detail.PriceUSD
	}
	if merged.PriceLocal == 0 {
		merged.PriceLocal = detail.PriceLocal
	}
	if len(detail.Images) > len(merged.Images) {
		merged.Images = append([]string(nil), detail.Images...)
	}
	if detail.SpecText != "" {
		merged.SpecText = detail.SpecText
	}
	if detail.Description != "" {
		merged.Description = detail.Description
	}
	if detail.Phone != "" {
		merged.Phone = detail.Phone
	}
	if len(detail.Options) > 0 {
		merged.Options = append([]string(nil), detail.Options...)
	}
	if merged.PublishedAt.IsZero() {
		merged.PublishedAt = detail.PublishedAt
	}
	return merged
}
