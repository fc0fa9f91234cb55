package searches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingHash       = errors.New("search hash is required")
	errNotConcrete       = errors.New("query source must be a single marketplace")
	noOpLogger           = zap.NewNop()

	// ErrSearchNotFound indicates an unknown search hash.
	ErrSearchNotFound = errors.New("searches: search not found")
	// ErrSubscriptionNotFound indicates an unknown subscription or one owned by another user.
	ErrSubscriptionNotFound = errors.New("searches: subscription not found")
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew           = "searches.service.new"
	opGetOrCreate          = "searches.get_or_create"
	opSubscribe            = "searches.subscribe"
	opUnsubscribe          = "searches.unsubscribe"
	opListActiveSearches   = "searches.list_active"
	opAdvanceCheckpoint    = "searches.advance_checkpoint"
	opActiveSubscribers    = "searches.active_subscribers"
	opEnsureUser           = "searches.ensure_user"
	opToggleEnrichment     = "searches.toggle_enrichment"
	opListSubscriptions    = "searches.list_subscriptions"
	opGetSubscription      = "searches.get_subscription"
	opCreateSubscriptions  = "searches.create_subscriptions"
	subscriberProfileJoin  = "LEFT JOIN user_profiles ON user_profiles.user_id = subscriptions.user_id"
	activeSubscriptionExpr = "EXISTS (SELECT 1 FROM subscriptions WHERE subscriptions.search_hash = unique_searches.search_hash AND subscriptions.is_active = ?)"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the search registry.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns unique searches, subscriptions and subscriber preferences.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// GetOrCreate registers the query as a unique search if it is new and returns
// its hash. Concurrent callers with the same query converge on one row.
func (s *Service) GetOrCreate(ctx context.Context, query market.CanonicalQuery) (string, error) {
	if !query.Source().Concrete() {
		s.logError(opGetOrCreate, "invalid_source", errNotConcrete, zap.String("source", query.Source().String()))
		return "", newServiceError(opGetOrCreate, "invalid_source", errNotConcrete)
	}
	paramsJSON, err := query.EncodeParams()
	if err != nil {
		s.logError(opGetOrCreate, "encode_failed", err)
		return "", newServiceError(opGetOrCreate, "encode_failed", err)
	}
	searchHash, err := query.Hash()
	if err != nil {
		s.logError(opGetOrCreate, "encode_failed", err)
		return "", newServiceError(opGetOrCreate, "encode_failed", err)
	}

	search := UniqueSearch{
		SearchHash:       searchHash,
		Source:           query.Source().String(),
		ParamsJSON:       paramsJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "search_hash"}}, DoNothing: true}).
		Create(&search).Error; err != nil {
		s.logError(opGetOrCreate, "insert_failed", err, zap.String("search_hash", searchHash))
		return "", newServiceError(opGetOrCreate, "insert_failed", err)
	}
	return searchHash, nil
}

// Subscribe links the user to the search. Resubscribing returns the existing row.
func (s *Service) Subscribe(ctx context.Context, userID int64, searchHash string) (Subscription, error) {
	if userID == 0 {
		s.logError(opSubscribe, "missing_user_id", errMissingUserID)
		return Subscription{}, newServiceError(opSubscribe, "missing_user_id", errMissingUserID)
	}
	if searchHash == "" {
		s.logError(opSubscribe, "missing_search_hash", errMissingHash)
		return Subscription{}, newServiceError(opSubscribe, "missing_search_hash", errMissingHash)
	}

	var subscription Subscription
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var searchCount int64
		if err := tx.Model(&UniqueSearch{}).Where("search_hash = ?", searchHash).Count(&searchCount).Error; err != nil {
			s.logError(opSubscribe, "search_lookup_failed", err, zap.String("search_hash", searchHash))
			return newServiceError(opSubscribe, "search_lookup_failed", err)
		}
		if searchCount == 0 {
			return newServiceError(opSubscribe, "unknown_search", ErrSearchNotFound)
		}

		subscriptionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSubscribe, "id_generation_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opSubscribe, "id_generation_failed", err)
		}
		candidate := Subscription{
			ID:               subscriptionID,
			UserID:           userID,
			SearchHash:       searchHash,
			Active:           true,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "search_hash"}},
			DoNothing: true,
		}).Create(&candidate)
		if result.Error != nil {
			s.logError(opSubscribe, "insert_failed", result.Error,
				zap.Int64("user_id", userID),
				zap.String("search_hash", searchHash))
			return newServiceError(opSubscribe, "insert_failed", result.Error)
		}
		if result.RowsAffected == 1 {
			subscription = candidate
			return nil
		}
		if err := tx.Where("user_id = ? AND search_hash = ?", userID, searchHash).Take(&subscription).Error; err != nil {
			s.logError(opSubscribe, "reload_failed", err,
				zap.Int64("user_id", userID),
				zap.String("search_hash", searchHash))
			return newServiceError(opSubscribe, "reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Subscription{}, txErr
	}
	return subscription, nil
}

// Unsubscribe hard-deletes the subscription when it belongs to the user and
// reports whether a row was removed.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID string, userID int64) (bool, error) {
	if userID == 0 {
		s.logError(opUnsubscribe, "missing_user_id", errMissingUserID)
		return false, newServiceError(opUnsubscribe, "missing_user_id", errMissingUserID)
	}
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", subscriptionID, userID).
		Delete(&Subscription{})
	if result.Error != nil {
		s.logError(opUnsubscribe, "delete_failed", result.Error,
			zap.String("subscription_id", subscriptionID),
			zap.Int64("user_id", userID))
		return false, newServiceError(opUnsubscribe, "delete_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListActiveSearches returns the searches with at least one active subscription.
func (s *Service) ListActiveSearches(ctx context.Context) ([]UniqueSearch, error) {
	var searches []UniqueSearch
	if err := s.db.WithContext(ctx).
		Where(activeSubscriptionExpr, true).
		Order("search_hash").
		Find(&searches).Error; err != nil {
		s.logError(opListActiveSearches, "query_failed", err)
		return nil, newServiceError(opListActiveSearches, "query_failed", err)
	}
	return searches, nil
}

// AdvanceCheckpoint moves the search's lastCheckedAt forward to checkedAt. An
// older checkedAt leaves the stored value untouched; the return value reports
// whether the checkpoint moved.
func (s *Service) AdvanceCheckpoint(ctx context.Context, searchHash string, checkedAt time.Time) (bool, error) {
	checkedAtMs := checkedAt.UTC().UnixMilli()
	result := s.db.WithContext(ctx).
		Model(&UniqueSearch{}).
		Where("search_hash = ? AND (last_checked_at_ms IS NULL OR last_checked_at_ms < ?)", searchHash, checkedAtMs).
		Update("last_checked_at_ms", checkedAtMs)
	if result.Error != nil {
		s.logError(opAdvanceCheckpoint, "update_failed", result.Error, zap.String("search_hash", searchHash))
		return false, newServiceError(opAdvanceCheckpoint, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ActiveSubscribers lists the active subscriptions of a search together with the
// owner's enrichment preference, oldest subscription first.
func (s *Service) ActiveSubscribers(ctx context.Context, searchHash string) ([]Subscriber, error) {
	var subscribers []Subscriber
	if err := s.db.WithContext(ctx).
		Table("subscriptions").
		Select("subscriptions.id AS subscription_id, subscriptions.user_id AS user_id, COALESCE(user_profiles.enrichment_enabled, ?) AS enrichment_enabled", false).
		Joins(subscriberProfileJoin).
		Where("subscriptions.search_hash = ? AND subscriptions.is_active = ?", searchHash, true).
		Order("subscriptions.created_at_s, subscriptions.id").
		Scan(&subscribers).Error; err != nil {
		s.logError(opActiveSubscribers, "query_failed", err, zap.String("search_hash", searchHash))
		return nil, newServiceError(opActiveSubscribers, "query_failed", err)
	}
	return subscribers, nil
}

// EnsureUser creates the user's profile on first contact and keeps the username current.
func (s *Service) EnsureUser(ctx context.Context, userID int64, username string) error {
	if userID == 0 {
		s.logError(opEnsureUser, "missing_user_id", errMissingUserID)
		return newServiceError(opEnsureUser, "missing_user_id", errMissingUserID)
	}
	profile := UserProfile{
		UserID:           userID,
		Username:         username,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username"}),
		}).
		Create(&profile).Error; err != nil {
		s.logError(opEnsureUser, "upsert_failed", err, zap.Int64("user_id", userID))
		return newServiceError(opEnsureUser, "upsert_failed", err)
	}
	return nil
}

// ToggleEnrichment flips the user's enrichment preference and returns the new value.
func (s *Service) ToggleEnrichment(ctx context.Context, userID int64) (bool, error) {
	if userID == 0 {
		s.logError(opToggleEnrichment, "missing_user_id", errMissingUserID)
		return false, newServiceError(opToggleEnrichment, "missing_user_id", errMissingUserID)
	}
	var profile UserProfile
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureProfile(tx, userID); err != nil {
			s.logError(opToggleEnrichment, "profile_insert_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opToggleEnrichment, "profile_insert_failed", err)
		}
		if err := tx.Model(&UserProfile{}).
			Where("user_id = ?", userID).
			Update("enrichment_enabled", gorm.Expr("NOT enrichment_enabled")).Error; err != nil {
			s.logError(opToggleEnrichment, "update_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opToggleEnrichment, "update_failed", err)
		}
		if err := tx.Where("user_id = ?", userID).Take(&profile).Error; err != nil {
			s.logError(opToggleEnrichment, "reload_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opToggleEnrichment, "reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return profile.EnrichmentEnabled, nil
}

type subscriptionRow struct {
	ID               string
	SearchHash       string
	Source           string
	ParamsJSON       string
	Active           bool
	CreatedAtSeconds int64
}

func (s *Service) subscriptionViews(tx *gorm.DB) *gorm.DB {
	return tx.Table("subscriptions").
		Select("subscriptions.id AS id, subscriptions.search_hash AS search_hash, unique_searches.source AS source, unique_searches.params_json AS params_json, subscriptions.is_active AS active, subscriptions.created_at_s AS created_at_seconds").
		Joins("JOIN unique_searches ON unique_searches.search_hash = subscriptions.search_hash")
}

// ListSubscriptions returns the user's subscriptions, oldest first.
func (s *Service) ListSubscriptions(ctx context.Context, userID int64) ([]SubscriptionView, error) {
	var rows []subscriptionRow
	if err := s.subscriptionViews(s.db.WithContext(ctx)).
		Where("subscriptions.user_id = ?", userID).
		Order("subscriptions.created_at_s, subscriptions.id").
		Scan(&rows).Error; err != nil {
		s.logError(opListSubscriptions, "query_failed", err, zap.Int64("user_id", userID))
		return nil, newServiceError(opListSubscriptions, "query_failed", err)
	}

	views := make([]SubscriptionView, 0, len(rows))
	for _, row := range rows {
		view, err := row.view()
		if err != nil {
			s.logError(opListSubscriptions, "decode_failed", err,
				zap.String("subscription_id", row.ID),
				zap.String("search_hash", row.SearchHash))
			continue
		}
		views = append(views, view)
	}
	return views, nil
}

// GetSubscription returns one of the user's subscriptions.
func (s *Service) GetSubscription(ctx context.Context, subscriptionID string, userID int64) (SubscriptionView, error) {
	var rows []subscriptionRow
	if err := s.subscriptionViews(s.db.WithContext(ctx)).
		Where("subscriptions.id = ? AND subscriptions.user_id = ?", subscriptionID, userID).
		Limit(1).
		Scan(&rows).Error; err != nil {
		s.logError(opGetSubscription, "query_failed", err, zap.String("subscription_id", subscriptionID))
		return SubscriptionView{}, newServiceError(opGetSubscription, "query_failed", err)
	}
	if len(rows) == 0 {
		return SubscriptionView{}, newServiceError(opGetSubscription, "not_found", ErrSubscriptionNotFound)
	}
	view, err := rows[0].view()
	if err != nil {
		s.logError(opGetSubscription, "decode_failed", err, zap.String("subscription_id", subscriptionID))
		return SubscriptionView{}, newServiceError(opGetSubscription, "decode_failed", err)
	}
	return view, nil
}

// CreateSubscriptions registers the query for the user. A query over both
// marketplaces becomes one unique search and one subscription per marketplace.
func (s *Service) CreateSubscriptions(ctx context.Context, userID int64, query market.CanonicalQuery) ([]Subscription, error) {
	sources := query.Source().Expand()
	if len(sources) == 0 {
		s.logError(opCreateSubscriptions, "invalid_source", market.ErrInvalidSource)
		return nil, newServiceError(opCreateSubscriptions, "invalid_source", market.ErrInvalidSource)
	}
	if err := s.ensureProfile(s.db.WithContext(ctx), userID); err != nil {
		s.logError(opCreateSubscriptions, "profile_insert_failed", err, zap.Int64("user_id", userID))
		return nil, newServiceError(opCreateSubscriptions, "profile_insert_failed", err)
	}

	subscriptions := make([]Subscription, 0, len(sources))
	for _, source := range sources {
		searchHash, err := s.GetOrCreate(ctx, query.ForSource(source))
		if err != nil {
			return nil, err
		}
		subscription, err := s.Subscribe(ctx, userID, searchHash)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}

func (s *Service) ensureProfile(tx *gorm.DB, userID int64) error {
	profile := UserProfile{UserID: userID, CreatedAtSeconds: s.clock().UTC().Unix()}
	return tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&profile).Error
}

func (r subscriptionRow) view() (SubscriptionView, error) {
	source, err := market.ParseSource(r.Source)
	if err != nil {
		return SubscriptionView{}, err
	}
	query, err := market.DecodeQuery(source, r.ParamsJSON)
	if err != nil {
		return SubscriptionView{}, err
	}
	return SubscriptionView{
		ID:         r.ID,
		SearchHash: r.SearchHash,
		Source:     source,
		Query:      query,
		Active:     r.Active,
		CreatedAt:  time.Unix(r.CreatedAtSeconds, 0).UTC(),
	}, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("searches service error", attrs...)
}
