package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/auth"
	"github.com/MarcoPoloResearchLab/carwatch/internal/catalog"
	"github.com/MarcoPoloResearchLab/carwatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/carwatch/internal/filters"
	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/MarcoPoloResearchLab/carwatch/internal/searches"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "carwatch_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSubscriptions  = errors.New("subscription service dependency required")
	errMissingFilters        = errors.New("filter registry dependency required")
	errMissingCatalog        = errors.New("catalog dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to a messenger user id.
type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

// SubscriptionService manages a user's subscriptions and preferences.
type SubscriptionService interface {
	ListSubscriptions(ctx context.Context, userID int64) ([]searches.SubscriptionView, error)
	CreateSubscriptions(ctx context.Context, userID int64, query market.CanonicalQuery) ([]searches.Subscription, error)
	Unsubscribe(ctx context.Context, subscriptionID string, userID int64) (bool, error)
	ToggleEnrichment(ctx context.Context, userID int64) (bool, error)
}

// CatalogService serves the brand and model catalogs.
type CatalogService interface {
	Brands(ctx context.Context, source market.Source) ([]catalog.Item, error)
	Models(ctx context.Context, source market.Source, brand catalog.Item) ([]catalog.Item, error)
	FindBrand(ctx context.Context, source market.Source, key string) (catalog.Item, bool, error)
	FindModel(ctx context.Context, source market.Source, brand catalog.Item, key string) (catalog.Item, bool, error)
}

// DetailSource loads a single listing from its marketplace.
type DetailSource interface {
	FetchListingDetail(ctx context.Context, source market.Source, ref string) (market.Listing, bool)
}

// Dependencies wires the HTTP API. Details and Analyzer are optional; without
// them the analyze endpoint reports itself unavailable.
type Dependencies struct {
	Tokens        TokenValidator
	Subscriptions SubscriptionService
	Filters       *filters.Registry
	Catalog       CatalogService
	Details       DetailSource
	Analyzer      enrichment.Analyzer
	Metrics       http.Handler
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Subscriptions == nil {
		return nil, errMissingSubscriptions
	}
	if deps.Filters == nil {
		return nil, errMissingFilters
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:        deps.Tokens,
		subscriptions: deps.Subscriptions,
		filters:       deps.Filters,
		catalog:       deps.Catalog,
		details:       deps.Details,
		analyzer:      deps.Analyzer,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/subscriptions", handler.handleListSubscriptions)
	protected.POST("/subscriptions", handler.handleCreateSubscriptions)
	protected.DELETE("/subscriptions/:id", handler.handleDeleteSubscription)
	protected.POST("/settings/enrichment/toggle", handler.handleToggleEnrichment)
	protected.GET("/filters", handler.handleFilters)
	protected.GET("/catalog/:source/brands", handler.handleBrands)
	protected.GET("/catalog/:source/brands/:brand/models", handler.handleModels)
	protected.POST("/analyze", handler.handleAnalyze)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens        TokenValidator
	subscriptions SubscriptionService
	filters       *filters.Registry
	catalog       CatalogService
	details       DetailSource
	analyzer      enrichment.Analyzer
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) userID(c *gin.Context) (int64, bool) {
	userID := c.GetInt64(userIDContextKey)
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID, true
}

func parseSourceParam(c *gin.Context) (market.Source, bool) {
	source, err := market.ParseSource(c.Param("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source"})
		return "", false
	}
	return source, true
}
