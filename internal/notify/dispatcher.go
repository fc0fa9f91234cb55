package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/MarcoPoloResearchLab/carwatch/internal/messaging"
	"github.com/MarcoPoloResearchLab/carwatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/carwatch/internal/searches"
	"go.uber.org/zap"
)

const (
	defaultMessagePause = time.Second
	defaultLocationName = "Europe/Minsk"
	photoFileName       = "photo.jpg"
)

var (
	errMissingSubscribers = errors.New("notify: subscriber source is required")
	errMissingLedger      = errors.New("notify: sent ledger is required")
	errMissingChannel     = errors.New("notify: channel is required")
)

// SubscriberSource resolves the active subscribers of a search.
type SubscriberSource interface {
	ActiveSubscribers(ctx context.Context, searchHash string) ([]searches.Subscriber, error)
}

// SentLedger records which listings reached which subscription.
type SentLedger interface {
	SentURLs(ctx context.Context, subscriptionID string, urls []string) (map[string]struct{}, error)
	MarkSent(ctx context.Context, subscriptionID, listingURL string) (bool, error)
}

// DetailSource loads the full advert behind a listing.
type DetailSource interface {
	FetchListingDetail(ctx context.Context, source market.Source, ref string) (market.Listing, bool)
}

// Config wires a Dispatcher. Images, Analyzer, Details and Metrics are optional.
type Config struct {
	Subscribers  SubscriberSource
	Ledger       SentLedger
	Channel      messaging.Channel
	Images       enrichment.ImageSource
	Analyzer     enrichment.Analyzer
	Details      DetailSource
	Metrics      *metrics.Recorder
	MessagePause time.Duration
	Location     *time.Location
	Logger       *zap.Logger
}

// Report summarizes one Deliver call.
type Report struct {
	Subscribers int
	Sent        int
	Skipped     int
	Transient   int
	Permanent   int
}

// Dispatcher fans newly discovered listings out to the subscribers of a search.
type Dispatcher struct {
	subscribers SubscriberSource
	ledger      SentLedger
	channel     messaging.Channel
	images      enrichment.ImageSource
	analyzer    enrichment.Analyzer
	details     DetailSource
	metrics     *metrics.Recorder
	pause       time.Duration
	captions    *CaptionBuilder
	logger      *zap.Logger
}

// NewDispatcher validates the configuration and constructs a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Subscribers == nil {
		return nil, errMissingSubscribers
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	pause := cfg.MessagePause
	if pause == 0 {
		pause = defaultMessagePause
	}
	location := cfg.Location
	if location == nil {
		loaded, err := time.LoadLocation(defaultLocationName)
		if err != nil {
			loaded = time.UTC
		}
		location = loaded
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: cfg.Subscribers,
		ledger:      cfg.Ledger,
		channel:     cfg.Channel,
		images:      cfg.Images,
		analyzer:    cfg.Analyzer,
		details:     cfg.Details,
		metrics:     cfg.Metrics,
		pause:       pause,
		captions:    NewCaptionBuilder(location),
		logger:      logger,
	}, nil
}

// Deliver sends every listing to every active subscriber of the search that has
// not received it yet. A transient failure skips the listing for this cycle; a
// permanent failure stops delivery to that subscriber for this cycle. Neither
// affects other subscribers.
func (d *Dispatcher) Deliver(ctx context.Context, searchHash string, listings []market.Listing) (Report, error) {
	var report Report
	if len(listings) == 0 {
		return report, nil
	}
	subscribers, err := d.subscribers.ActiveSubscribers(ctx, searchHash)
	if err != nil {
		return report, fmt.Errorf("notify: resolve subscribers of %s: %w", searchHash, err)
	}
	report.Subscribers = len(subscribers)

	photos := newPhotoCache(d.images)
	for _, subscriber := range subscribers {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		d.deliverTo(ctx, subscriber, listings, photos, &report)
	}
	return report, nil
}

func (d *Dispatcher) deliverTo(ctx context.Context, subscriber searches.Subscriber, listings []market.Listing, photos *photoCache, report *Report) {
	logger := d.logger.With(
		zap.String("subscription_id", subscriber.SubscriptionID),
		zap.Int64("user_id", subscriber.UserID),
	)

	urls := make([]string, 0, len(listings))
	for _, listing := range listings {
		urls = append(urls, listing.URL)
	}
	alreadySent, err := d.ledger.SentURLs(ctx, subscriber.SubscriptionID, urls)
	if err != nil {
		logger.Error("sent ledger lookup failed, skipping subscriber", zap.Error(err))
		return
	}

	for _, listing := range listings {
		if ctx.Err() != nil {
			return
		}
		if _, sent := alreadySent[listing.URL]; sent {
			report.Skipped++
			d.metrics.Delivery(ctx, metrics.OutcomeSkipped)
			continue
		}

		message, err := d.send(ctx, subscriber.UserID, listing, photos.get(ctx, listing))
		if err != nil {
			if messaging.IsPermanent(err) {
				report.Permanent++
				d.metrics.Delivery(ctx, metrics.OutcomePermanent)
				logger.Warn("recipient unreachable, stopping delivery for this cycle", zap.String("listing_url", listing.URL), zap.Error(err))
				return
			}
			report.Transient++
			d.metrics.Delivery(ctx, metrics.OutcomeTransient)
			logger.Warn("delivery failed, skipping listing", zap.String("listing_url", listing.URL), zap.Error(err))
			continue
		}

		if _, err := d.ledger.MarkSent(ctx, subscriber.SubscriptionID, listing.URL); err != nil {
			logger.Error("failed to record delivery", zap.String("listing_url", listing.URL), zap.Error(err))
		}
		report.Sent++
		d.metrics.Delivery(ctx, metrics.OutcomeSent)

		if subscriber.EnrichmentEnabled && d.analyzer != nil {
			d.enrich(ctx, subscriber, listing, message, logger)
		}
		if !d.wait(ctx) {
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, recipient int64, listing market.Listing, photos []messaging.Photo) (messaging.SentMessage, error) {
	switch len(photos) {
	case 0:
		caption := d.captions.Build(listing, d.channel.MaxMessageSize())
		return d.channel.SendText(ctx, recipient, messaging.Text{Body: caption, HTML: true})
	case 1:
		return d.channel.SendPhoto(ctx, recipient, photos[0], d.captions.Build(listing, messaging.DefaultMaxCaptionSize))
	default:
		return d.channel.SendMediaGroup(ctx, recipient, photos, d.captions.Build(listing, messaging.DefaultMaxCaptionSize))
	}
}

// enrich posts the analyzer's review as a reply to the delivered message.
// Every failure is logged and swallowed.
func (d *Dispatcher) enrich(ctx context.Context, subscriber searches.Subscriber, listing market.Listing, message messaging.SentMessage, logger *zap.Logger) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.metrics.Enrichment(ctx, metrics.OutcomeFailed)
			logger.Error("enrichment panicked", zap.String("listing_url", listing.URL), zap.Any("panic", recovered))
		}
	}()

	if d.details != nil {
		if detail, ok := d.details.FetchListingDetail(ctx, listing.Source, listing.URL); ok {
			listing = listing.Merge(detail)
		}
	}
	review, ok := d.analyzer.Analyze(ctx, listing)
	if !ok {
		d.metrics.Enrichment(ctx, metrics.OutcomeAbsent)
		return
	}
	if err := messaging.SendLongText(ctx, d.channel, subscriber.UserID, review, message.ID, d.pause); err != nil {
		d.metrics.Enrichment(ctx, metrics.OutcomeFailed)
		logger.Warn("failed to send enrichment", zap.String("listing_url", listing.URL), zap.Error(err))
		return
	}
	d.metrics.Enrichment(ctx, metrics.OutcomeSent)
}

func (d *Dispatcher) wait(ctx context.Context) bool {
	if d.pause <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d.pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// photoCache downloads each listing's photos at most once per Deliver call.
type photoCache struct {
	images  enrichment.ImageSource
	entries map[string][]messaging.Photo
}

func newPhotoCache(images enrichment.ImageSource) *photoCache {
	return &photoCache{images: images, entries: make(map[string][]messaging.Photo)}
}

// get returns the usable photos of the listing, capped at the media group size.
// A failed first photo yields none so that the listing falls back to text.
func (c *photoCache) get(ctx context.Context, listing market.Listing) []messaging.Photo {
	if cached, ok := c.entries[listing.URL]; ok {
		return cached
	}
	var photos []messaging.Photo
	if c.images != nil && len(listing.Images) > 0 {
		urls := listing.Images
		if len(urls) > messaging.MaxMediaGroupSize {
			urls = urls[:messaging.MaxMediaGroupSize]
		}
		downloaded := c.images.FetchAll(ctx, urls)
		if len(downloaded) > 0 && downloaded[0] != nil {
			for _, data := range downloaded {
				if data != nil {
					photos = append(photos, messaging.Photo{Name: photoFileName, Data: data})
				}
			}
		}
	}
	c.entries[listing.URL] = photos
	return photos
}
