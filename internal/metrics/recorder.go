package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/MarcoPoloResearchLab/carwatch"

// Outcome labels.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeSent      = "sent"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeSkipped   = "skipped"
	OutcomeAbsent    = "absent"
)

// Recorder counts ingestion and delivery events. A nil Recorder discards
// everything, so components may hold one unconditionally.
type Recorder struct {
	provider    *sdkmetric.MeterProvider
	registry    *prometheus.Registry
	cycles      metric.Int64Counter
	searches    metric.Int64Counter
	discovered  metric.Int64Counter
	deliveries  metric.Int64Counter
	enrichments metric.Int64Counter
}

// NewRecorder wires an OpenTelemetry meter to a private Prometheus registry.
func NewRecorder() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("metrics: create exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	recorder := &Recorder{provider: provider, registry: registry}
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&recorder.cycles, "carwatch.ingest.cycles", "Completed ingestion cycles."},
		{&recorder.searches, "carwatch.ingest.searches", "Searches processed per outcome."},
		{&recorder.discovered, "carwatch.ingest.listings", "Newly discovered listings per source."},
		{&recorder.deliveries, "carwatch.notify.deliveries", "Listing deliveries per outcome."},
		{&recorder.enrichments, "carwatch.notify.enrichments", "Enrichment attempts per outcome."},
	}
	for _, counter := range counters {
		instrument, err := meter.Int64Counter(counter.name, metric.WithDescription(counter.description))
		if err != nil {
			return nil, fmt.Errorf("metrics: create %s: %w", counter.name, err)
		}
		*counter.target = instrument
	}
	return recorder, nil
}

// CycleCompleted counts one finished ingestion cycle.
func (r *Recorder) CycleCompleted(ctx context.Context) {
	if r == nil {
		return
	}
	r.cycles.Add(ctx, 1)
}

// SearchProcessed counts one search unit by outcome.
func (r *Recorder) SearchProcessed(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.searches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ListingsDiscovered counts listings accepted as new for a source.
func (r *Recorder) ListingsDiscovered(ctx context.Context, source market.Source, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.discovered.Add(ctx, int64(count), metric.WithAttributes(attribute.String("source", source.String())))
}

// Delivery counts one delivery attempt by outcome.
func (r *Recorder) Delivery(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Enrichment counts one enrichment attempt by outcome.
func (r *Recorder) Enrichment(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.enrichments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Handler serves the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and releases the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
