package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBytes    = 10 << 20
	defaultConcurrency = 10
	defaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

var errEmptyBody = errors.New("media: empty image body")

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	HTTPClient  *http.Client
	Referer     string
	UserAgent   string
	Timeout     time.Duration
	MaxBytes    int64
	Concurrency int
	Logger      *zap.Logger
}

// Fetcher downloads listing photos.
type Fetcher struct {
	client      *http.Client
	referer     string
	userAgent   string
	timeout     time.Duration
	maxBytes    int64
	concurrency int
	logger      *zap.Logger
}

// NewFetcher applies defaults and returns a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	fetcher := &Fetcher{
		client:      cfg.HTTPClient,
		referer:     cfg.Referer,
		userAgent:   cfg.UserAgent,
		timeout:     cfg.Timeout,
		maxBytes:    cfg.MaxBytes,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
	if fetcher.client == nil {
		fetcher.client = &http.Client{}
	}
	if fetcher.userAgent == "" {
		fetcher.userAgent = defaultUserAgent
	}
	if fetcher.timeout <= 0 {
		fetcher.timeout = defaultTimeout
	}
	if fetcher.maxBytes <= 0 {
		fetcher.maxBytes = defaultMaxBytes
	}
	if fetcher.concurrency <= 0 {
		fetcher.concurrency = defaultConcurrency
	}
	if fetcher.logger == nil {
		fetcher.logger = zap.NewNop()
	}
	return fetcher
}

// Fetch downloads one image.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", f.userAgent)
	if f.referer != "" {
		request.Header.Set("Referer", f.referer)
	}

	response, err := f.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: unexpected status %d", response.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, f.maxBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

// FetchAll downloads the images concurrently. The result is index-aligned with
// urls; failed downloads leave a nil entry.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) [][]byte {
	results := make([][]byte, len(urls))
	var group errgroup.Group
	group.SetLimit(f.concurrency)
	for index, url := range urls {
		group.Go(func() error {
			data, err := f.Fetch(ctx, url)
			if err != nil {
				f.logger.Debug("image download failed", zap.String("image_url", url), zap.Error(err))
				return nil
			}
			results[index] = data
			return nil
		})
	}
	_ = group.Wait()
	return results
}
