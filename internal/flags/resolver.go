// Package flags caches remote configuration snapshots and resolves effective
// flag values. A flag exists in a live and a testing variant; which one is
// authoritative depends on whether the running build is ahead of the store.
package flags

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source fetches the raw flag mapping from the remote configuration service.
type Source interface {
	FetchFlags(ctx context.Context) (map[string]any, error)
}

// Oracle reports whether the installed build is ahead of the published store
// build. Failures default the resolver toward the live variant.
type Oracle interface {
	IsAheadOfStore(ctx context.Context, bundleID, installed string) (bool, error)
}

// Snapshot is an immutable view of the flag mapping. Fresh is false when the
// values came from defaults or a previous fetch rather than a successful
// remote fetch.
type Snapshot struct {
	Values    map[string]any
	Fresh     bool
	FetchedAt time.Time
}

// Bool returns the boolean value for key, or fallback when the key is absent
// or not a boolean.
func (s Snapshot) Bool(key string, fallback bool) bool {
	if value, ok := s.Values[key].(bool); ok {
		return value
	}
	return fallback
}

// String returns the string value for key, or fallback.
func (s Snapshot) String(key string, fallback string) string {
	if value, ok := s.Values[key].(string); ok {
		return value
	}
	return fallback
}

// Resolver owns the cached snapshot and computes effective flag values.
// The snapshot is replaced atomically on successful fetch and retained
// untouched on failure.
type Resolver struct {
	source     Source
	oracle     Oracle
	bundleID   string
	appVersion string
	defaults   map[string]any
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	snapshot Snapshot
}

// Option configures optional Resolver parameters.
type Option func(*Resolver)

// WithDefaults sets the fallback flag values used before the first
// successful fetch.
func WithDefaults(defaults map[string]any) Option {
	return func(r *Resolver) { r.defaults = defaults }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver. The initial snapshot holds the defaults and is
// marked stale until the first successful Refresh.
func New(source Source, oracle Oracle, bundleID, appVersion string, opts ...Option) *Resolver {
	r := &Resolver{
		source:     source,
		oracle:     oracle,
		bundleID:   bundleID,
		appVersion: appVersion,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	values := make(map[string]any, len(r.defaults))
	for key, value := range r.defaults {
		values[key] = value
	}
	r.snapshot = Snapshot{Values: values, Fresh: false}

	return r
}

// Refresh fetches the flag mapping and replaces the cached snapshot
// atomically. On failure the previous snapshot is retained and returned with
// Fresh set to false; Refresh never returns an error to the caller.
func (r *Resolver) Refresh(ctx context.Context) Snapshot {
	fetched, err := r.source.FetchFlags(ctx)
	if err != nil {
		r.logger.Warn("flag fetch failed, keeping previous snapshot", "error", err)

		r.mu.Lock()
		r.snapshot.Fresh = false
		stale := r.snapshot
		r.mu.Unlock()
		return stale
	}

	values := make(map[string]any, len(fetched))
	for key, value := range fetched {
		values[key] = value
	}

	next := Snapshot{Values: values, Fresh: true, FetchedAt: r.now()}
	r.mu.Lock()
	r.snapshot = next
	r.mu.Unlock()

	return next
}

// Current returns the cached snapshot.
func (r *Resolver) Current() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// ResolveEffective picks between the live and testing variants of a boolean
// flag. The testing variant is honored only when the oracle reports the
// installed build ahead of the store; oracle failure fails safe toward the
// live variant. The derivation is recomputed from the current snapshot on
// every call.
func (r *Resolver) ResolveEffective(ctx context.Context, liveKey, testingKey string) bool {
	snapshot := r.Current()

	testing, err := r.oracle.IsAheadOfStore(ctx, r.bundleID, r.appVersion)
	if err != nil {
		r.logger.Debug("store version check unavailable, using live variant", "error", err)
		testing = false
	}

	if testing {
		return snapshot.Bool(testingKey, false)
	}
	return snapshot.Bool(liveKey, false)
}
