package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/carwatch/internal/catalog"
	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/MarcoPoloResearchLab/carwatch/internal/sources"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type filterOptionPayload struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type filterPayload struct {
	Key     string                `json:"key"`
	Label   string                `json:"label"`
	Options []filterOptionPayload `json:"options"`
}

type analyzeRequestPayload struct {
	URL string `json:"url"`
}

type listingPayload struct {
	URL         string        `json:"url"`
	Source      market.Source `json:"source"`
	Title       string        `json:"title"`
	PriceUSD    int           `json:"price_usd"`
	PriceLocal  int           `json:"price_byn"`
	SpecText    string        `json:"spec_text,omitempty"`
	Description string        `json:"description,omitempty"`
	Images      []string      `json:"images,omitempty"`
}

func (h *httpHandler) handleFilters(c *gin.Context) {
	definitions := h.filters.Filters()
	payload := make([]filterPayload, 0, len(definitions))
	for _, definition := range definitions {
		options := make([]filterOptionPayload, 0, len(definition.Options))
		for _, option := range definition.Options {
			options = append(options, filterOptionPayload{ID: option.ID, Label: option.Label})
		}
		payload = append(payload, filterPayload{Key: definition.Key, Label: definition.Label, Options: options})
	}
	c.JSON(http.StatusOK, gin.H{"filters": payload})
}

func (h *httpHandler) handleBrands(c *gin.Context) {
	source, ok := parseSourceParam(c)
	if !ok {
		return
	}
	brands, err := h.catalog.Brands(c.Request.Context(), source)
	if err != nil {
		h.respondCatalogError(c, source, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNilItems(brands)})
}

func (h *httpHandler) handleModels(c *gin.Context) {
	source, ok := parseSourceParam(c)
	if !ok {
		return
	}
	brand, found, ok := h.resolveBrand(c, source, c.Param("brand"))
	if !ok {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_brand"})
		return
	}
	models, err := h.catalog.Models(c.Request.Context(), source, brand)
	if err != nil {
		h.respondCatalogError(c, source, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNilItems(models)})
}

func (h *httpHandler) respondCatalogError(c *gin.Context, source market.Source, err error) {
	if errors.Is(err, catalog.ErrUnsupportedSource) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source"})
		return
	}
	h.logger.Warn("catalog unavailable", zap.String("source", source.String()), zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "catalog_unavailable"})
}

// handleAnalyze reviews a single listing on demand, independent of any
// subscription.
func (h *httpHandler) handleAnalyze(c *gin.Context) {
	var request analyzeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	source, ok := sources.DetectSource(request.URL)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_url"})
		return
	}
	if h.details == nil || h.analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analysis_unavailable"})
		return
	}

	listing, ok := h.details.FetchListingDetail(c.Request.Context(), source, strings.TrimSpace(request.URL))
	if !ok {
		c.JSON(http.StatusBadGateway, gin.H{"error": "listing_unavailable"})
		return
	}
	analysis, ok := h.analyzer.Analyze(c.Request.Context(), listing)
	if !ok {
		h.logger.Warn("listing analysis produced no result", zap.String("listing_url", listing.URL))
		c.JSON(http.StatusBadGateway, gin.H{"error": "analysis_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listing": listingPayload{
			URL:         listing.URL,
			Source:      listing.Source,
			Title:       listing.Title,
			PriceUSD:    listing.PriceUSD,
			PriceLocal:  listing.PriceLocal,
			SpecText:    listing.SpecText,
			Description: listing.Description,
			Images:      listing.Images,
		},
		"analysis": analysis,
	})
}

func nonNilItems(items []catalog.Item) []catalog.Item {
	if items == nil {
		return []catalog.Item{}
	}
	return items
}
