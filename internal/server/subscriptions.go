package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/carwatch/internal/catalog"
	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/MarcoPoloResearchLab/carwatch/internal/searches"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type subscriptionRequestPayload struct {
	Source      string              `json:"source"`
	Brand       string              `json:"brand"`
	Model       string              `json:"model"`
	BrandName   string              `json:"brand_name"`
	ModelName   string              `json:"model_name"`
	MaxPriceUSD int                 `json:"max_price_usd"`
	Filters     map[string][]string `json:"filters"`
}

type refPayload struct {
	ID   string `json:"id,omitempty"`
	Slug string `json:"slug,omitempty"`
	Name string `json:"name,omitempty"`
}

type queryPayload struct {
	Brand       *refPayload         `json:"brand,omitempty"`
	Model       *refPayload         `json:"model,omitempty"`
	MaxPriceUSD int                 `json:"max_price_usd,omitempty"`
	Filters     map[string][]string `json:"filters,omitempty"`
}

type subscriptionPayload struct {
	ID               string        `json:"id"`
	SearchHash       string        `json:"search_hash"`
	Source           market.Source `json:"source"`
	Active           bool          `json:"active"`
	CreatedAtSeconds int64         `json:"created_at_s,omitempty"`
	Query            *queryPayload `json:"query,omitempty"`
}

func (h *httpHandler) handleListSubscriptions(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	views, err := h.subscriptions.ListSubscriptions(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list subscriptions", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscriptions_unavailable"})
		return
	}
	payload := make([]subscriptionPayload, 0, len(views))
	for _, view := range views {
		query := newQueryPayload(view.Query)
		item := subscriptionPayload{
			ID:         view.ID,
			SearchHash: view.SearchHash,
			Source:     view.Source,
			Active:     view.Active,
			Query:      &query,
		}
		if !view.CreatedAt.IsZero() {
			item.CreatedAtSeconds = view.CreatedAt.Unix()
		}
		payload = append(payload, item)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": payload})
}

func (h *httpHandler) handleCreateSubscriptions(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var request subscriptionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	source, err := market.ParseSource(request.Source)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source"})
		return
	}
	if err := h.filters.Validate(request.Filters); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filters"})
		return
	}
	brandKey := strings.TrimSpace(request.Brand)
	modelKey := strings.TrimSpace(request.Model)
	if brandKey == "" && modelKey != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}

	var brand, model market.Ref
	if brandKey != "" {
		item, found, ok := h.resolveBrand(c, source, brandKey)
		if !ok {
			return
		}
		if !found {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_brand"})
			return
		}
		brand = withDisplayName(item.Ref(), request.BrandName)
		if modelKey != "" {
			modelItem, found, err := h.catalog.FindModel(c.Request.Context(), source, item, modelKey)
			if err != nil {
				h.logger.Warn("model lookup failed", zap.String("source", source.String()), zap.Error(err))
				c.JSON(http.StatusBadGateway, gin.H{"error": "catalog_unavailable"})
				return
			}
			if !found {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_model"})
				return
			}
			model = withDisplayName(modelItem.Ref(), request.ModelName)
		}
	}

	query, err := market.NewCanonicalQuery(market.QueryConfig{
		Source:      source,
		Brand:       brand,
		Model:       model,
		MaxPriceUSD: request.MaxPriceUSD,
		Filters:     request.Filters,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}

	created, err := h.subscriptions.CreateSubscriptions(c.Request.Context(), userID, query)
	if err != nil {
		h.logger.Error("failed to create subscriptions", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription_failed"})
		return
	}
	payload := make([]subscriptionPayload, 0, len(created))
	for _, subscription := range created {
		payload = append(payload, subscriptionPayload{
			ID:         subscription.ID,
			SearchHash: subscription.SearchHash,
			Active:     subscription.Active,
		})
	}
	c.JSON(http.StatusCreated, gin.H{"subscriptions": payload})
}

func (h *httpHandler) handleDeleteSubscription(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	subscriptionID := strings.TrimSpace(c.Param("id"))
	removed, err := h.subscriptions.Unsubscribe(c.Request.Context(), subscriptionID, userID)
	if err != nil {
		h.logger.Error("failed to delete subscription", zap.String("subscription_id", subscriptionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsubscribe_failed"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleToggleEnrichment(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	enabled, err := h.subscriptions.ToggleEnrichment(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to toggle enrichment", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "toggle_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrichment_enabled": enabled})
}

func (h *httpHandler) resolveBrand(c *gin.Context, source market.Source, key string) (catalog.Item, bool, bool) {
	item, found, err := h.catalog.FindBrand(c.Request.Context(), source, key)
	if err != nil {
		h.logger.Warn("brand lookup failed", zap.String("source", source.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "catalog_unavailable"})
		return catalog.Item{}, false, false
	}
	return item, found, true
}

func withDisplayName(ref market.Ref, name string) market.Ref {
	if name = strings.TrimSpace(name); name != "" {
		ref.Name = name
	}
	return ref
}

func newQueryPayload(query market.CanonicalQuery) queryPayload {
	return queryPayload{
		Brand:       newRefPayload(query.Brand()),
		Model:       newRefPayload(query.Model()),
		MaxPriceUSD: query.MaxPriceUSD(),
		Filters:     query.Filters(),
	}
}

func newRefPayload(ref market.Ref) *refPayload {
	if ref.Empty() {
		return nil
	}
	return &refPayload{ID: ref.ID, Slug: ref.Slug, Name: ref.Name}
}

var _ SubscriptionService = (*searches.Service)(nil)
