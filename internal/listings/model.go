package listings

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
)

// Record is a persisted listing. URL is the global identity.
type Record struct {
	URL             string `gorm:"column:url;primaryKey;size:512"`
	SourceListingID string `gorm:"column:source_listing_id;size:64;index"`
	Source          string `gorm:"column:source;size:16;not null"`
	Title           string `gorm:"column:title;size:512"`
	PriceUSD        int    `gorm:"column:price_usd"`
	PriceLocal      int    `gorm:"column:price_local"`
	ImagesJSON      string `gorm:"column:images_json;type:text"`
	SpecText        string `gorm:"column:spec_text;type:text"`
	Description     string `gorm:"column:description;type:text"`
	Phone           string `gorm:"column:phone;size:64"`
	PublishedAtMs   int64  `gorm:"column:published_at_ms;not null"`
	FoundAtMs       int64  `gorm:"column:found_at_ms;not null"`
}

// TableName exposes the table backing listings.
func (Record) TableName() string {
	return "listings"
}

// SentRecord marks a listing as delivered to one subscription.
type SentRecord struct {
	SubscriptionID string `gorm:"column:subscription_id;primaryKey;size:36"`
	ListingURL     string `gorm:"column:listing_url;primaryKey;size:512"`
	SentAtSeconds  int64  `gorm:"column:sent_at_s;not null"`
}

// TableName exposes the table backing delivery records.
func (SentRecord) TableName() string {
	return "sent_records"
}

func newRecord(listing market.Listing) (Record, error) {
	images := listing.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return Record{}, err
	}
	return Record{
		URL:             listing.URL,
		SourceListingID: listing.SourceListingID,
		Source:          listing.Source.String(),
		Title:           listing.Title,
		PriceUSD:        listing.PriceUSD,
		PriceLocal:      listing.PriceLocal,
		ImagesJSON:      string(imagesJSON),
		SpecText:        listing.SpecText,
		Description:     listing.Description,
		Phone:           listing.Phone,
		PublishedAtMs:   listing.PublishedAt.UTC().UnixMilli(),
		FoundAtMs:       listing.FoundAt.UTC().UnixMilli(),
	}, nil
}

// Listing converts the record back into its domain form.
func (r Record) Listing() (market.Listing, error) {
	var images []string
	if r.ImagesJSON != "" {
		if err := json.Unmarshal([]byte(r.ImagesJSON), &images); err != nil {
			return market.Listing{}, err
		}
	}
	return market.Listing{
		URL:             r.URL,
		SourceListingID: r.SourceListingID,
		Source:          market.Source(r.Source),
		Title:           r.Title,
		PriceUSD:        r.PriceUSD,
		PriceLocal:      r.PriceLocal,
		Images:          images,
		SpecText:        r.SpecText,
		Description:     r.Description,
		Phone:           r.Phone,
		PublishedAt:     time.UnixMilli(r.PublishedAtMs).UTC(),
		FoundAt:         time.UnixMilli(r.FoundAtMs).UTC(),
	}, nil
}
