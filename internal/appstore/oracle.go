// Package appstore resolves the publicly published version of an app bundle
// and decides whether a locally installed build is ahead of the store. The
// verdict is the tie-break between live and testing variants of remote flags.
package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Tangent-Apps/tangent-relay/internal/core"
)

// ErrUnavailable reports that the published version could not be determined:
// network failure, malformed response, or no result for the bundle id.
// Callers must treat it as "assume not a testing build".
var ErrUnavailable = errors.New("published version unavailable")

const (
	defaultLookupTimeout = 10 * time.Second
	defaultVerdictTTL    = 15 * time.Minute
)

// Client fetches published version strings from an HTTP+JSON lookup service
// keyed by bundle identifier.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type lookupResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []lookupResult `json:"results"`
}

type lookupResult struct {
	Version string `json:"version"`
}

// NewClient creates a lookup client for the given base URL (e.g.
// "https://itunes.apple.com/lookup"). The underlying transport is
// instrumented with OpenTelemetry.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultLookupTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// LookupPublishedVersion returns the published version for bundleID. The
// response is a list of results; the first result's version field wins.
// All failure modes collapse to ErrUnavailable.
func (c *Client) LookupPublishedVersion(ctx context.Context, bundleID string) (core.Version, error) {
	if strings.TrimSpace(bundleID) == "" {
		return core.Version{}, fmt.Errorf("%w: empty bundle id", ErrUnavailable)
	}

	lookupURL := c.baseURL + "?bundleId=" + url.QueryEscape(bundleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return core.Version{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.Version{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Version{}, fmt.Errorf("%w: lookup returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return core.Version{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(body.Results) == 0 {
		return core.Version{}, fmt.Errorf("%w: no result for bundle id %q", ErrUnavailable, bundleID)
	}

	version, err := core.ParseVersion(body.Results[0].Version)
	if err != nil {
		return core.Version{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return version, nil
}

// Lookup is the collaborator interface the oracle depends on.
type Lookup interface {
	LookupPublishedVersion(ctx context.Context, bundleID string) (core.Version, error)
}

// Oracle answers whether the installed build is ahead of the published store
// build. Verdicts are cached per bundle for a short TTL so repeated flag
// resolutions within a session do not re-hit the lookup service; the cache
// never survives a process restart.
type Oracle struct {
	lookup Lookup
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	verdicts map[string]verdict
}

type verdict struct {
	ahead     bool
	expiresAt time.Time
}

// OracleOption configures optional Oracle parameters.
type OracleOption func(*Oracle)

// WithVerdictTTL overrides the verdict cache TTL. Zero or negative disables
// caching entirely.
func WithVerdictTTL(ttl time.Duration) OracleOption {
	return func(o *Oracle) { o.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) OracleOption {
	return func(o *Oracle) { o.now = now }
}

// NewOracle creates an Oracle backed by the given lookup collaborator.
func NewOracle(lookup Lookup, opts ...OracleOption) *Oracle {
	o := &Oracle{
		lookup:   lookup,
		ttl:      defaultVerdictTTL,
		now:      time.Now,
		verdicts: make(map[string]verdict),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IsAheadOfStore reports whether installed is strictly newer than the
// published version for bundleID. Lookup failures and malformed installed
// versions return ErrUnavailable; callers fall back to the live variant.
func (o *Oracle) IsAheadOfStore(ctx context.Context, bundleID, installed string) (bool, error) {
	installedVersion, err := core.ParseVersion(installed)
	if err != nil {
		return false, fmt.Errorf("%w: installed version: %v", ErrUnavailable, err)
	}

	cacheKey := bundleID + "@" + installedVersion.String()
	if o.ttl > 0 {
		o.mu.Lock()
		cached, ok := o.verdicts[cacheKey]
		o.mu.Unlock()
		if ok && o.now().Before(cached.expiresAt) {
			return cached.ahead, nil
		}
	}

	published, err := o.lookup.LookupPublishedVersion(ctx, bundleID)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ahead := installedVersion.NewerThan(published)
	if o.ttl > 0 {
		o.mu.Lock()
		o.verdicts[cacheKey] = verdict{ahead: ahead, expiresAt: o.now().Add(o.ttl)}
		o.mu.Unlock()
	}

	return ahead, nil
}
