package listings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("listings: database handle is required")
	// ErrInvalidListing indicates a listing without a URL or concrete source.
	ErrInvalidListing = errors.New("listings: invalid listing")
)

// StoreConfig describes the dependencies of the dedup store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the dedup store: it remembers every listing URL ever observed and
// every (subscription, listing) delivery.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AddNew persists the candidates whose URL has never been seen and returns
// exactly those, in input order. A URL that another writer inserted first is
// reported as not new. Invalid candidates are skipped.
func (s *Store) AddNew(ctx context.Context, candidates []market.Listing) ([]market.Listing, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	unique := make([]market.Listing, 0, len(candidates))
	records := make([]Record, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		candidate.URL = strings.TrimSpace(candidate.URL)
		if !candidate.Valid() {
			s.logger.Warn("skipping invalid listing",
				zap.String("listing_url", candidate.URL),
				zap.String("source", candidate.Source.String()))
			continue
		}
		if _, duplicate := seen[candidate.URL]; duplicate {
			continue
		}
		seen[candidate.URL] = struct{}{}
		record, err := newRecord(candidate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
		}
		unique = append(unique, candidate)
		records = append(records, record)
	}

	// Rows are written in URL order so concurrent writers with overlapping
	// batches lock the same keys in the same order.
	order := make([]int, len(records))
	for index := range order {
		order[index] = index
	}
	sort.Slice(order, func(left, right int) bool {
		return records[order[left]].URL < records[order[right]].URL
	})

	inserted := make([]bool, len(records))
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, index := range order {
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "url"}},
				DoNothing: true,
			}).Create(&records[index])
			if result.Error != nil {
				return result.Error
			}
			inserted[index] = result.RowsAffected == 1
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("listing insert failed", zap.Error(txErr), zap.Int("candidates", len(records)))
		return nil, fmt.Errorf("listings: add new: %w", txErr)
	}

	fresh := make([]market.Listing, 0, len(unique))
	for index, listing := range unique {
		if inserted[index] {
			fresh = append(fresh, listing)
		}
	}
	return fresh, nil
}

// MarkSent records the delivery of a listing to a subscription and reports
// whether the record was newly created.
func (s *Store) MarkSent(ctx context.Context, subscriptionID, listingURL string) (bool, error) {
	record := SentRecord{
		SubscriptionID: subscriptionID,
		ListingURL:     listingURL,
		SentAtSeconds:  s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "listing_url"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		s.logger.Error("sent record insert failed",
			zap.Error(result.Error),
			zap.String("subscription_id", subscriptionID),
			zap.String("listing_url", listingURL))
		return false, fmt.Errorf("listings: mark sent: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// WasSent reports whether the listing was already delivered to the subscription.
func (s *Store) WasSent(ctx context.Context, subscriptionID, listingURL string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&SentRecord{}).
		Where("subscription_id = ? AND listing_url = ?", subscriptionID, listingURL).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("listings: was sent: %w", err)
	}
	return count > 0, nil
}

// SentURLs returns the subset of urls already delivered to the subscription.
func (s *Store) SentURLs(ctx context.Context, subscriptionID string, urls []string) (map[string]struct{}, error) {
	sent := make(map[string]struct{})
	if len(urls) == 0 {
		return sent, nil
	}
	var delivered []string
	if err := s.db.WithContext(ctx).
		Model(&SentRecord{}).
		Where("subscription_id = ? AND listing_url IN ?", subscriptionID, urls).
		Pluck("listing_url", &delivered).Error; err != nil {
		return nil, fmt.Errorf("listings: sent urls: %w", err)
	}
	for _, url := range delivered {
		sent[url] = struct{}{}
	}
	return sent, nil
}

// Get loads a persisted listing by URL.
func (s *Store) Get(ctx context.Context, listingURL string) (market.Listing, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("url = ?", listingURL).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Listing{}, false, nil
	}
	if err != nil {
		return market.Listing{}, false, fmt.Errorf("listings: get: %w", err)
	}
	listing, err := record.Listing()
	if err != nil {
		return market.Listing{}, false, fmt.Errorf("listings: decode: %w", err)
	}
	return listing, true, nil
}
