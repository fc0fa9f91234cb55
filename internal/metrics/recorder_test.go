package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected scrape status %d", recorder.Code)
	}
	body, err := io.ReadAll(recorder.Body)
	if err != nil {
		t.Fatalf("failed to read scrape body: %v", err)
	}
	return string(body)
}

func TestRecorderExportsCounters(t *testing.T) {
	recorder, err := NewRecorder()
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	defer recorder.Shutdown(context.Background())

	ctx := context.Background()
	recorder.CycleCompleted(ctx)
	recorder.SearchProcessed(ctx, OutcomeProcessed)
	recorder.ListingsDiscovered(ctx, market.SourceKufar, 3)
	recorder.Delivery(ctx, OutcomeSent)
	recorder.Enrichment(ctx, OutcomeAbsent)

	body := scrape(t, recorder.Handler())
	for _, expected := range []string{
		"carwatch_ingest_cycles_total",
		"carwatch_ingest_searches_total",
		"carwatch_ingest_listings_total",
		"carwatch_notify_deliveries_total",
		"carwatch_notify_enrichments_total",
		`source="kufar"`,
		`outcome="sent"`,
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected %q in scrape output:\n%s", expected, body)
		}
	}
}

func TestNilRecorderIsInert(t *testing.T) {
	var recorder *Recorder
	ctx := context.Background()
	recorder.CycleCompleted(ctx)
	recorder.SearchProcessed(ctx, OutcomeFailed)
	recorder.ListingsDiscovered(ctx, market.SourceAv, 1)
	recorder.Delivery(ctx, OutcomePermanent)
	recorder.Enrichment(ctx, OutcomeSent)
	if err := recorder.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected not found from nil recorder, got %d", response.Code)
	}
}
