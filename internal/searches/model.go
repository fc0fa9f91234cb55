package searches

import (
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
)

// UniqueSearch is one distinct (source, canonical params) pair, shared by every
// subscription that requested it.
type UniqueSearch struct {
	SearchHash       string `gorm:"column:search_hash;primaryKey;size:64"`
	Source           string `gorm:"column:source;size:16;not null"`
	ParamsJSON       string `gorm:"column:params_json;type:text;not null"`
	LastCheckedAtMs  *int64 `gorm:"column:last_checked_at_ms"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing unique searches.
func (UniqueSearch) TableName() string {
	return "unique_searches"
}

// LastCheckedAt returns the checkpoint and whether one was ever recorded.
func (u UniqueSearch) LastCheckedAt() (time.Time, bool) {
	if u.LastCheckedAtMs == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*u.LastCheckedAtMs).UTC(), true
}

// Query decodes the stored canonical query.
func (u UniqueSearch) Query() (market.CanonicalQuery, error) {
	source, err := market.ParseSource(u.Source)
	if err != nil {
		return market.CanonicalQuery{}, err
	}
	return market.DecodeQuery(source, u.ParamsJSON)
}

// Subscription links a messenger user to a unique search.
type Subscription struct {
	ID               string `gorm:"column:id;primaryKey;size:36"`
	UserID           int64  `gorm:"column:user_id;not null;uniqueIndex:idx_subscriptions_user_search,priority:1"`
	SearchHash       string `gorm:"column:search_hash;size:64;not null;uniqueIndex:idx_subscriptions_user_search,priority:2;index"`
	Active           bool   `gorm:"column:is_active;not null;default:true"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing subscriptions.
func (Subscription) TableName() string {
	return "subscriptions"
}

// UserProfile stores per-user delivery preferences.
type UserProfile struct {
	UserID            int64  `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Username          string `gorm:"column:username;size:190"`
	EnrichmentEnabled bool   `gorm:"column:enrichment_enabled;not null;default:false"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing user profiles.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// Subscriber is an active subscription joined with its owner's preferences.
type Subscriber struct {
	SubscriptionID    string
	UserID            int64
	EnrichmentEnabled bool
}

// SubscriptionView is a subscription together with the search it points at.
type SubscriptionView struct {
	ID         string
	SearchHash string
	Source     market.Source
	Query      market.CanonicalQuery
	Active     bool
	CreatedAt  time.Time
}
