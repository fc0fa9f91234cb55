// Package ingest runs the polling cycle that turns marketplace search results
// into deliveries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/MarcoPoloResearchLab/carwatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/carwatch/internal/notify"
	"github.com/MarcoPoloResearchLab/carwatch/internal/searches"
	"github.com/MarcoPoloResearchLab/carwatch/internal/sources"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultInterval = 60 * time.Second

var (
	errMissingSearches   = errors.New("ingest: search registry is required")
	errMissingListings   = errors.New("ingest: listing store is required")
	errMissingAdapters   = errors.New("ingest: adapters are required")
	errMissingDispatcher = errors.New("ingest: dispatcher is required")
	errAlreadyStarted    = errors.New("ingest: scheduler already started")
)

// SearchRegistry lists the searches to poll and records their checkpoints.
type SearchRegistry interface {
	ListActiveSearches(ctx context.Context) ([]searches.UniqueSearch, error)
	AdvanceCheckpoint(ctx context.Context, searchHash string, checkedAt time.Time) (bool, error)
}

// ListingStore keeps the set of known listing URLs.
type ListingStore interface {
	AddNew(ctx context.Context, candidates []market.Listing) ([]market.Listing, error)
}

// AdapterSource resolves the adapter of a marketplace.
type AdapterSource interface {
	Adapter(source market.Source) (sources.Adapter, bool)
}

// Dispatcher delivers newly discovered listings to a search's subscribers.
type Dispatcher interface {
	Deliver(ctx context.Context, searchHash string, listings []market.Listing) (notify.Report, error)
}

// Config wires a Scheduler.
type Config struct {
	Searches     SearchRegistry
	Listings     ListingStore
	Adapters     AdapterSource
	Dispatcher   Dispatcher
	Interval     time.Duration
	ProcessStart time.Time
	Clock        func() time.Time
	Metrics      *metrics.Recorder
	Logger       *zap.Logger
}

// Scheduler polls every active search on a fixed interval. Cycles never
// overlap: a tick that fires while a cycle is running is skipped.
type Scheduler struct {
	searches     SearchRegistry
	listings     ListingStore
	adapters     AdapterSource
	dispatcher   Dispatcher
	interval     time.Duration
	processStart time.Time
	clock        func() time.Time
	metrics      *metrics.Recorder
	logger       *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewScheduler validates the configuration and constructs a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Searches == nil {
		return nil, errMissingSearches
	}
	if cfg.Listings == nil {
		return nil, errMissingListings
	}
	if cfg.Adapters == nil {
		return nil, errMissingAdapters
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	processStart := cfg.ProcessStart
	if processStart.IsZero() {
		processStart = clock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		searches:     cfg.Searches,
		listings:     cfg.Listings,
		adapters:     cfg.Adapters,
		dispatcher:   cfg.Dispatcher,
		interval:     interval,
		processStart: processStart.UTC(),
		clock:        clock,
		metrics:      cfg.Metrics,
		logger:       logger,
	}, nil
}

// Start registers the cycle with cron and runs one cycle immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	logAdapter := newCronLogger(s.logger)
	scheduler := cron.New(
		cron.WithLogger(logAdapter),
		cron.WithChain(cron.Recover(logAdapter), cron.SkipIfStillRunning(logAdapter)),
	)
	entryID := scheduler.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		s.RunCycle(runCtx)
	}))
	immediate := scheduler.Entry(entryID).WrappedJob
	scheduler.Start()

	s.cron = scheduler
	s.cancel = cancel
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		immediate.Run()
	}()
	return nil
}

// Stop prevents further cycles and waits for the search unit in flight to
// finish, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	scheduler, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if scheduler == nil {
		return nil
	}

	cancel()
	cronDone := scheduler.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest: stop: %w", ctx.Err())
	}
}

// RunCycle processes every active search once, sequentially. Cancelling ctx
// stops the cycle between searches; the unit in flight always completes.
func (s *Scheduler) RunCycle(ctx context.Context) {
	cycleStart := s.clock()
	active, err := s.searches.ListActiveSearches(ctx)
	if err != nil {
		s.logger.Error("failed to list active searches", zap.Error(err))
		return
	}
	s.logger.Debug("cycle started", zap.Int("searches", len(active)))

	for _, search := range active {
		if ctx.Err() != nil {
			s.logger.Info("cycle interrupted", zap.Error(ctx.Err()))
			return
		}
		if err := s.ProcessSearch(context.WithoutCancel(ctx), search); err != nil {
			s.logger.Error("search failed", zap.String("search_hash", search.SearchHash), zap.String("source", search.Source), zap.Error(err))
		}
	}
	s.metrics.CycleCompleted(ctx)
	s.logger.Info("cycle finished", zap.Int("searches", len(active)), zap.Duration("elapsed", s.clock().Sub(cycleStart)))
}

// ProcessSearch polls one search, stores the genuinely new listings and hands
// them to the dispatcher. The checkpoint always advances to the time the unit
// started, whether it succeeded, failed or panicked.
func (s *Scheduler) ProcessSearch(ctx context.Context, search searches.UniqueSearch) (err error) {
	startedAt := s.clock().UTC()
	logger := s.logger.With(zap.String("search_hash", search.SearchHash), zap.String("source", search.Source))
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("ingest: search unit panicked: %v", recovered)
		}
		if _, checkpointErr := s.searches.AdvanceCheckpoint(ctx, search.SearchHash, startedAt); checkpointErr != nil {
			logger.Error("failed to advance checkpoint", zap.Error(checkpointErr))
		}
		if err != nil {
			s.metrics.SearchProcessed(ctx, metrics.OutcomeFailed)
			return
		}
		s.metrics.SearchProcessed(ctx, metrics.OutcomeProcessed)
	}()

	query, err := search.Query()
	if err != nil {
		return fmt.Errorf("ingest: decode query: %w", err)
	}
	adapter, ok := s.adapters.Adapter(query.Source())
	if !ok {
		return fmt.Errorf("ingest: no adapter for source %q", query.Source())
	}

	lastChecked, checked := search.LastCheckedAt()
	cutoff := Cutoff(lastChecked, checked, s.processStart)

	fetched := adapter.FetchListings(ctx, query.FetchQuery())
	foundAt := s.clock().UTC()
	fresh := make([]market.Listing, 0, len(fetched))
	for _, listing := range fetched {
		if !listing.Valid() || !listing.PublishedAt.After(cutoff) {
			continue
		}
		listing.FoundAt = foundAt
		fresh = append(fresh, listing)
	}
	logger.Debug("search polled", zap.Int("fetched", len(fetched)), zap.Int("fresh", len(fresh)), zap.Time("cutoff", cutoff))
	if len(fresh) == 0 {
		return nil
	}

	added, err := s.listings.AddNew(ctx, fresh)
	if err != nil {
		return fmt.Errorf("ingest: store listings: %w", err)
	}
	if len(added) == 0 {
		return nil
	}
	s.metrics.ListingsDiscovered(ctx, query.Source(), len(added))

	if hydrator, ok := adapter.(sources.Hydrator); ok {
		for index := range added {
			if hydrated, ok := hydrator.Hydrate(ctx, added[index]); ok {
				added[index] = hydrated
			}
		}
	}

	report, err := s.dispatcher.Deliver(ctx, search.SearchHash, added)
	if err != nil {
		return fmt.Errorf("ingest: deliver: %w", err)
	}
	logger.Info("listings delivered",
		zap.Int("new_listings", len(added)),
		zap.Int("subscribers", report.Subscribers),
		zap.Int("sent", report.Sent),
		zap.Int("transient_failures", report.Transient),
		zap.Int("permanent_failures", report.Permanent),
	)
	return nil
}

// Cutoff returns the publication time a listing must be strictly newer than.
// Listings published before the process started are never delivered.
func Cutoff(lastChecked time.Time, checked bool, processStart time.Time) time.Time {
	if checked && lastChecked.After(processStart) {
		return lastChecked
	}
	return processStart
}
