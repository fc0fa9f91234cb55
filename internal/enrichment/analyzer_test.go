package enrichment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"google.golang.org/genai"
)

type stubGenerator struct {
	response *genai.GenerateContentResponse
	err      error
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	model    string
}

func (g *stubGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	g.model = model
	g.contents = contents
	g.config = config
	return g.response, g.err
}

type stubImages struct {
	requested []string
}

func (s *stubImages) FetchAll(_ context.Context, urls []string) [][]byte {
	s.requested = append(s.requested, urls...)
	results := make([][]byte, len(urls))
	for index := range urls {
		if index == 1 {
			continue
		}
		results[index] = []byte{0xff, 0xd8, byte(index)}
	}
	return results
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
	}
}

func testListing() market.Listing {
	return market.Listing{
		URL:         "https://cars.av.by/bmw/3-series/1",
		Source:      market.SourceAv,
		Title:       "BMW 320d F30",
		PriceUSD:    14200,
		SpecText:    "2014 г., дизель, 2.0 л, 190 000 км",
		Description: "Цепь ГРМ заменена",
		Options:     []string{"Климат-контроль", "Парктроники"},
		Images:      []string{"a", "b", "c", "d", "e", "f"},
	}
}

func TestAnalyzeBuildsPromptWithImages(t *testing.T) {
	generator := &stubGenerator{response: textResponse("  Вердикт: стоит смотреть.  ")}
	images := &stubImages{}
	analyzer := NewGeminiAnalyzerWithGenerator(generator, GeminiConfig{Images: images})

	text, ok := analyzer.Analyze(context.Background(), testListing())
	if !ok {
		t.Fatalf("expected analysis to be present")
	}
	if text != "Вердикт: стоит смотреть." {
		t.Fatalf("unexpected text %q", text)
	}
	if generator.model != DefaultModel {
		t.Fatalf("expected default model, got %s", generator.model)
	}
	if len(images.requested) != maxPromptImages {
		t.Fatalf("expected %d images requested, got %d", maxPromptImages, len(images.requested))
	}
	parts := generator.contents[0].Parts
	if len(parts) != 1+maxPromptImages-1 {
		t.Fatalf("expected prompt plus three downloaded images, got %d parts", len(parts))
	}
	if !strings.Contains(parts[0].Text, "BMW 320d F30") || !strings.Contains(parts[0].Text, "Цепь ГРМ заменена") {
		t.Fatalf("expected prompt to carry listing details, got %q", parts[0].Text)
	}
	if generator.config.Temperature == nil || *generator.config.Temperature != promptTemperature {
		t.Fatalf("expected low temperature")
	}
}

func TestAnalyzeYieldsAbsentOnFailure(t *testing.T) {
	failing := NewGeminiAnalyzerWithGenerator(&stubGenerator{err: errors.New("quota exceeded")}, GeminiConfig{})
	if _, ok := failing.Analyze(context.Background(), testListing()); ok {
		t.Fatalf("expected failure to yield absent")
	}

	empty := NewGeminiAnalyzerWithGenerator(&stubGenerator{response: &genai.GenerateContentResponse{}}, GeminiConfig{})
	if _, ok := empty.Analyze(context.Background(), testListing()); ok {
		t.Fatalf("expected empty response to yield absent")
	}
}

type stalledGenerator struct{}

func (stalledGenerator) GenerateContent(ctx context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAnalyzeGivesUpAfterConfiguredTimeout(t *testing.T) {
	analyzer := NewGeminiAnalyzerWithGenerator(stalledGenerator{}, GeminiConfig{Timeout: 100 * time.Millisecond})

	started := time.Now()
	if _, ok := analyzer.Analyze(context.Background(), testListing()); ok {
		t.Fatalf("expected a stalled model call to yield absent")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("expected the configured timeout to bound the call, took %v", elapsed)
	}

	defaulted := NewGeminiAnalyzerWithGenerator(stalledGenerator{}, GeminiConfig{})
	if defaulted.timeout != DefaultTimeout {
		t.Fatalf("expected default timeout %v, got %v", DefaultTimeout, defaulted.timeout)
	}
}

func TestNewGeminiAnalyzerRequiresKey(t *testing.T) {
	if _, err := NewGeminiAnalyzer(context.Background(), GeminiConfig{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
