package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultFetchTimeout = 10 * time.Second

// HTTPSource fetches the flag mapping from a remote configuration endpoint
// returning a flat JSON object. A minimum fetch interval throttles repeated
// fetches: inside the interval the last successful result is served without
// hitting the network. An interval of zero (development) disables throttling.
type HTTPSource struct {
	url         string
	minInterval time.Duration
	httpClient  *http.Client
	now         func() time.Time

	mu         sync.Mutex
	lastFetch  time.Time
	lastResult map[string]any
	hasResult  bool
}

// HTTPSourceOption configures optional HTTPSource parameters.
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(client *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) { s.httpClient = client }
}

// WithSourceClock overrides the time source, for tests.
func WithSourceClock(now func() time.Time) HTTPSourceOption {
	return func(s *HTTPSource) { s.now = now }
}

// NewHTTPSource creates an HTTPSource for the given endpoint URL.
func NewHTTPSource(url string, minInterval time.Duration, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		url:         url,
		minInterval: minInterval,
		httpClient: &http.Client{
			Timeout:   defaultFetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchFlags returns the remote flag mapping, serving the cached result when
// the minimum fetch interval has not elapsed. Outside the interval a failed
// fetch returns the error so callers can observe staleness; the caller owns
// any fallback to previously fetched values.
func (s *HTTPSource) FetchFlags(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	if s.hasResult && s.minInterval > 0 && s.now().Sub(s.lastFetch) < s.minInterval {
		cached := s.lastResult
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	fetched, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastFetch = s.now()
	s.lastResult = fetched
	s.hasResult = true
	s.mu.Unlock()

	return fetched, nil
}

func (s *HTTPSource) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build flag request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch flags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch flags: status %d", resp.StatusCode)
	}

	var values map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&values); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}

	return values, nil
}
