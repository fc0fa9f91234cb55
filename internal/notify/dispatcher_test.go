package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/MarcoPoloResearchLab/carwatch/internal/messaging"
	"github.com/MarcoPoloResearchLab/carwatch/internal/searches"
)

type staticSubscribers struct {
	subscribers []searches.Subscriber
	err         error
}

func (s staticSubscribers) ActiveSubscribers(context.Context, string) ([]searches.Subscriber, error) {
	return s.subscribers, s.err
}

type memoryLedger struct {
	mu   sync.Mutex
	sent map[string]map[string]struct{}
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{sent: make(map[string]map[string]struct{})}
}

func (l *memoryLedger) SentURLs(_ context.Context, subscriptionID string, urls []string) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	found := make(map[string]struct{})
	for _, url := range urls {
		if _, ok := l.sent[subscriptionID][url]; ok {
			found[url] = struct{}{}
		}
	}
	return found, nil
}

func (l *memoryLedger) MarkSent(_ context.Context, subscriptionID, listingURL string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sent[subscriptionID] == nil {
		l.sent[subscriptionID] = make(map[string]struct{})
	}
	if _, ok := l.sent[subscriptionID][listingURL]; ok {
		return false, nil
	}
	l.sent[subscriptionID][listingURL] = struct{}{}
	return true, nil
}

func (l *memoryLedger) has(subscriptionID, listingURL string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sent[subscriptionID][listingURL]
	return ok
}

type sentCall struct {
	kind      string
	recipient int64
	body      string
	replyTo   int
	photos    int
}

type recordingChannel struct {
	calls    []sentCall
	failures map[int64]map[string]error
	nextID   int
}

func (c *recordingChannel) record(call sentCall) (messaging.SentMessage, error) {
	for marker, err := range c.failures[call.recipient] {
		if strings.Contains(call.body, marker) {
			return messaging.SentMessage{}, err
		}
	}
	c.calls = append(c.calls, call)
	c.nextID++
	return messaging.SentMessage{ID: c.nextID}, nil
}

func (c *recordingChannel) SendText(_ context.Context, recipient int64, text messaging.Text) (messaging.SentMessage, error) {
	return c.record(sentCall{kind: "text", recipient: recipient, body: text.Body, replyTo: text.ReplyTo})
}

func (c *recordingChannel) SendPhoto(_ context.Context, recipient int64, _ messaging.Photo, caption string) (messaging.SentMessage, error) {
	return c.record(sentCall{kind: "photo", recipient: recipient, body: caption, photos: 1})
}

func (c *recordingChannel) SendMediaGroup(_ context.Context, recipient int64, photos []messaging.Photo, caption string) (messaging.SentMessage, error) {
	return c.record(sentCall{kind: "group", recipient: recipient, body: caption, photos: len(photos)})
}

func (c *recordingChannel) MaxMessageSize() int {
	return messaging.DefaultMaxMessageSize
}

func (c *recordingChannel) callsFor(recipient int64) []sentCall {
	var matched []sentCall
	for _, call := range c.calls {
		if call.recipient == recipient {
			matched = append(matched, call)
		}
	}
	return matched
}

type stubImages struct {
	failed map[string]bool
	calls  int
}

func (s *stubImages) FetchAll(_ context.Context, urls []string) [][]byte {
	s.calls++
	results := make([][]byte, len(urls))
	for index, url := range urls {
		if !s.failed[url] {
			results[index] = []byte(url)
		}
	}
	return results
}

type stubAnalyzer struct {
	review string
	panics bool
}

func (s stubAnalyzer) Analyze(context.Context, market.Listing) (string, bool) {
	if s.panics {
		panic("analyzer exploded")
	}
	return s.review, s.review != ""
}

func fixtureListings(count int) []market.Listing {
	listings := make([]market.Listing, 0, count)
	for index := 1; index <= count; index++ {
		listings = append(listings, market.Listing{
			URL:         fmt.Sprintf("https://cars.av.by/listing-%d", index),
			Source:      market.SourceAv,
			Title:       fmt.Sprintf("Camry %d", index),
			PriceUSD:    20000 + index,
			PublishedAt: time.Date(2026, 10, 1, 10, index, 0, 0, time.UTC),
		})
	}
	return listings
}

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	cfg.MessagePause = -1
	cfg.Location = time.UTC
	dispatcher, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	return dispatcher
}

func TestPermanentFailureStopsOnlyThatSubscriber(t *testing.T) {
	ledger := newMemoryLedger()
	channel := &recordingChannel{failures: map[int64]map[string]error{
		1: {"listing-2": fmt.Errorf("%w: bot was blocked by the user", messaging.ErrPermanentDelivery)},
	}}
	subscribers := staticSubscribers{subscribers: []searches.Subscriber{
		{SubscriptionID: "sub-a", UserID: 1},
		{SubscriptionID: "sub-b", UserID: 2},
	}}
	dispatcher := newTestDispatcher(t, Config{Subscribers: subscribers, Ledger: ledger, Channel: channel})

	listings := fixtureListings(3)
	report, err := dispatcher.Deliver(context.Background(), "hash", listings)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	if got := len(channel.callsFor(1)); got != 1 {
		t.Fatalf("expected subscriber A to receive one listing, got %d", got)
	}
	if got := len(channel.callsFor(2)); got != 3 {
		t.Fatalf("expected subscriber B to receive three listings, got %d", got)
	}
	if !ledger.has("sub-a", listings[0].URL) || ledger.has("sub-a", listings[1].URL) || ledger.has("sub-a", listings[2].URL) {
		t.Fatalf("unexpected sent records for subscriber A: %+v", ledger.sent["sub-a"])
	}
	for _, listing := range listings {
		if !ledger.has("sub-b", listing.URL) {
			t.Fatalf("expected %s recorded for subscriber B", listing.URL)
		}
	}
	if report.Sent != 4 || report.Permanent != 1 || report.Subscribers != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestTransientFailureSkipsListingOnly(t *testing.T) {
	ledger := newMemoryLedger()
	channel := &recordingChannel{failures: map[int64]map[string]error{
		1: {"listing-2": fmt.Errorf("%w: too many requests", messaging.ErrTransientDelivery)},
	}}
	subscribers := staticSubscribers{subscribers: []searches.Subscriber{{SubscriptionID: "sub-a", UserID: 1}}}
	dispatcher := newTestDispatcher(t, Config{Subscribers: subscribers, Ledger: ledger, Channel: channel})

	listings := fixtureListings(3)
	report, err := dispatcher.Deliver(context.Background(), "hash", listings)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if report.Sent != 2 || report.Transient != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if ledger.has("sub-a", listings[1].URL) {
		t.Fatalf("transiently failed listing must not be recorded")
	}
	if !ledger.has("sub-a", listings[2].URL) {
		t.Fatalf("expected delivery to continue after a transient failure")
	}
}

func TestAlreadySentListingsAreSkipped(t *testing.T) {
	ledger := newMemoryLedger()
	listings := fixtureListings(2)
	if _, err := ledger.MarkSent(context.Background(), "sub-a", listings[0].URL); err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}
	channel := &recordingChannel{}
	subscribers := staticSubscribers{subscribers: []searches.Subscriber{{SubscriptionID: "sub-a", UserID: 1}}}
	dispatcher := newTestDispatcher(t, Config{Subscribers: subscribers, Ledger: ledger, Channel: channel})

	report, err := dispatcher.Deliver(context.Background(), "hash", listings)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if report.Skipped != 1 || report.Sent != 1 || len(channel.calls) != 1 {
		t.Fatalf("unexpected report %+v with %d calls", report, len(channel.calls))
	}
	if !strings.Contains(channel.calls[0].body, "listing-2") {
		t.Fatalf("expected only the second listing to be sent, got %q", channel.calls[0].body)
	}
}

func TestTransportFollowsUsablePhotos(t *testing.T) {
	listings := fixtureListings(3)
	listings[0].Images = []string{"img-a1", "img-a2"}
	listings[1].Images = []string{"img-b1", "img-b2"}
	listings[2].Images = make([]string, 0, 12)
	for index := 0; index < 12; index++ {
		listings[2].Images = append(listings[2].Images, fmt.Sprintf("img-c%d", index))
	}
	images := &stubImages{failed: map[string]bool{"img-a1": true, "img-b2": true}}

	channel := &recordingChannel{}
	subscribers := staticSubscribers{subscribers: []searches.Subscriber{
		{SubscriptionID: "sub-a", UserID: 1},
		{SubscriptionID: "sub-b", UserID: 2},
	}}
	dispatcher := newTestDispatcher(t, Config{Subscribers: subscribers, Ledger: newMemoryLedger(), Channel: channel, Images: images})

	if _, err := dispatcher.Deliver(context.Background(), "hash", listings); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	calls := channel.callsFor(1)
	if calls[0].kind != "text" {
		t.Fatalf("expected text fallback when the first photo fails, got %s", calls[0].kind)
	}
	if calls[1].kind != "photo" {
		t.Fatalf("expected a single photo, got %s", calls[1].kind)
	}
	if calls[2].kind != "group" || calls[2].photos != messaging.MaxMediaGroupSize {
		t.Fatalf("expected a capped media group, got %+v", calls[2])
	}
	if images.calls != 3 {
		t.Fatalf("expected photos fetched once per listing, got %d fetches", images.calls)
	}
}

func TestEnrichmentRepliesToDeliveredMessage(t *testing.T) {
	channel := &recordingChannel{}
	subscribers := staticSubscribers{subscribers: []searches.Subscriber{
		{SubscriptionID: "sub-a", UserID: 1, EnrichmentEnabled: true},
		{SubscriptionID: "sub-b", UserID: 2},
	}}
	dispatcher := newTestDispatcher(t, Config{
		Subscribers: subscribers,
		Ledger:      newMemoryLedger(),
		Channel:     channel,
		Analyzer:    stubAnalyzer{review: "Хороший вариант"},
	})

	if _, err := dispatcher.Deliver(context.Background(), "hash", fixtureListings(1)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	calls := channel.callsFor(1)
	if len(calls) != 2 {
		t.Fatalf("expected listing and review for the opted-in subscriber, got %+v", calls)
	}
	if calls[1].body != "Хороший вариант" || calls[1].replyTo == 0 {
		t.Fatalf("expected the review as a reply, got %+v", calls[1])
	}
	if len(channel.callsFor(2)) != 1 {
		t.Fatalf("expected no review for the subscriber who opted out")
	}
}

func TestEnrichmentFailuresAreSwallowed(t *testing.T) {
	testCases := []struct {
		name     string
		analyzer stubAnalyzer
	}{
		{name: "absent review", analyzer: stubAnalyzer{}},
		{name: "panicking analyzer", analyzer: stubAnalyzer{panics: true}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ledger := newMemoryLedger()
			channel := &recordingChannel{}
			subscribers := staticSubscribers{subscribers: []searches.Subscriber{{SubscriptionID: "sub-a", UserID: 1, EnrichmentEnabled: true}}}
			dispatcher := newTestDispatcher(t, Config{Subscribers: subscribers, Ledger: ledger, Channel: channel, Analyzer: testCase.analyzer})

			listings := fixtureListings(2)
			report, err := dispatcher.Deliver(context.Background(), "hash", listings)
			if err != nil {
				t.Fatalf("deliver failed: %v", err)
			}
			if report.Sent != 2 || len(channel.calls) != 2 {
				t.Fatalf("expected both listings delivered, got %+v", report)
			}
			if !ledger.has("sub-a", listings[1].URL) {
				t.Fatalf("expected delivery recorded despite enrichment failure")
			}
		})
	}
}

func TestDeliverSurfacesSubscriberLookupFailure(t *testing.T) {
	dispatcher := newTestDispatcher(t, Config{
		Subscribers: staticSubscribers{err: errors.New("database locked")},
		Ledger:      newMemoryLedger(),
		Channel:     &recordingChannel{},
	})
	if _, err := dispatcher.Deliver(context.Background(), "hash", fixtureListings(1)); err == nil {
		t.Fatalf("expected subscriber lookup error")
	}
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	if _, err := NewDispatcher(Config{}); !errors.Is(err, errMissingSubscribers) {
		t.Fatalf("expected missing subscribers error, got %v", err)
	}
	if _, err := NewDispatcher(Config{Subscribers: staticSubscribers{}}); !errors.Is(err, errMissingLedger) {
		t.Fatalf("expected missing ledger error, got %v", err)
	}
	if _, err := NewDispatcher(Config{Subscribers: staticSubscribers{}, Ledger: newMemoryLedger()}); !errors.Is(err, errMissingChannel) {
		t.Fatalf("expected missing channel error, got %v", err)
	}
}
