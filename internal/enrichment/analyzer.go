package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	// DefaultModel is the Gemini model used when none is configured.
	DefaultModel = "gemini-2.5-flash"
	// DefaultTimeout bounds one analysis when the config leaves it unset.
	DefaultTimeout    = 30 * time.Second
	maxPromptImages   = 4
	promptImageMIME   = "image/jpeg"
	promptTemperature = float32(0.1)
)

var errMissingAPIKey = errors.New("enrichment: gemini api key is required")

// Analyzer produces a free-text assessment of a listing. The boolean is false
// when no assessment could be produced.
type Analyzer interface {
	Analyze(ctx context.Context, listing market.Listing) (string, bool)
}

// ImageSource downloads listing photos; failed downloads are nil entries.
type ImageSource interface {
	FetchAll(ctx context.Context, urls []string) [][]byte
}

// ContentGenerator is the Gemini model endpoint.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiAnalyzer.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	Images  ImageSource
	Logger  *zap.Logger
}

// GeminiAnalyzer asks a Gemini model for a buyer-oriented review of a listing.
type GeminiAnalyzer struct {
	generator ContentGenerator
	model     string
	timeout   time.Duration
	images    ImageSource
	logger    *zap.Logger
}

// NewGeminiAnalyzer creates a Gemini API client and wraps it.
func NewGeminiAnalyzer(ctx context.Context, cfg GeminiConfig) (*GeminiAnalyzer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("enrichment: gemini client: %w", err)
	}
	return NewGeminiAnalyzerWithGenerator(client.Models, cfg), nil
}

// NewGeminiAnalyzerWithGenerator wraps an existing model endpoint.
func NewGeminiAnalyzerWithGenerator(generator ContentGenerator, cfg GeminiConfig) *GeminiAnalyzer {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiAnalyzer{
		generator: generator,
		model:     model,
		timeout:   timeout,
		images:    cfg.Images,
		logger:    logger,
	}
}

// Analyze returns the model's assessment of the listing.
func (a *GeminiAnalyzer) Analyze(ctx context.Context, listing market.Listing) (string, bool) {
	requestCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	parts := []*genai.Part{genai.NewPartFromText(buildPrompt(listing))}
	for _, image := range a.promptImages(requestCtx, listing) {
		parts = append(parts, genai.NewPartFromBytes(image, promptImageMIME))
	}

	response, err := a.generator.GenerateContent(
		requestCtx,
		a.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:    genai.Ptr(promptTemperature),
			SafetySettings: permissiveSafety(),
		},
	)
	if err != nil {
		a.logger.Warn("listing analysis failed", zap.String("listing_url", listing.URL), zap.Error(err))
		return "", false
	}
	if response == nil {
		return "", false
	}
	text := strings.TrimSpace(response.Text())
	if text == "" {
		a.logger.Warn("listing analysis returned no text", zap.String("listing_url", listing.URL))
		return "", false
	}
	return text, true
}

func (a *GeminiAnalyzer) promptImages(ctx context.Context, listing market.Listing) [][]byte {
	if a.images == nil || len(listing.Images) == 0 {
		return nil
	}
	urls := listing.Images
	if len(urls) > maxPromptImages {
		urls = urls[:maxPromptImages]
	}
	downloaded := a.images.FetchAll(ctx, urls)
	images := make([][]byte, 0, len(downloaded))
	for _, data := range downloaded {
		if len(data) > 0 {
			images = append(images, data)
		}
	}
	return images
}

func permissiveSafety() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, category := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  category,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	return settings
}
