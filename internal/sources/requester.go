package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout    = 15 * time.Second
	defaultRequestsPerSecond = 0.5
	maxResponseBytes         = 16 << 20
	browserUserAgent         = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0 Safari/537.36"
)

// RequestConfig tunes the outbound HTTP behavior shared by the adapters.
type RequestConfig struct {
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// StatusError is returned for non-2xx marketplace responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sources: %s returned status %d", e.URL, e.Status)
}

// requester paces every call through one token bucket per adapter and bounds
// each call with a timeout.
type requester struct {
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

func newRequester(cfg RequestConfig) *requester {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &requester{
		client:  client,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *requester) get(ctx context.Context, rawURL string, query url.Values, headers http.Header) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	requestCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	target := rawURL
	if len(query) > 0 {
		target = rawURL + "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", browserUserAgent)
	for key, values := range headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	response, err := r.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		return nil, &StatusError{URL: rawURL, Status: response.StatusCode}
	}
	return io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
}
