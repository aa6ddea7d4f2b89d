package flags

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	values map[string]any
	err    error
	calls  int
}

func (f *fakeSource) FetchFlags(_ context.Context) (map[string]any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.values, nil
}

type fakeOracle struct {
	ahead bool
	err   error
}

func (f *fakeOracle) IsAheadOfStore(_ context.Context, _, _ string) (bool, error) {
	return f.ahead, f.err
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	source := &fakeSource{values: map[string]any{"paywall_enabled": true}}
	r := New(source, &fakeOracle{}, "com.tangent.app", "2.3.0")

	if initial := r.Current(); initial.Fresh {
		t.Fatalf("initial snapshot must be stale")
	}

	got := r.Refresh(context.Background())
	if !got.Fresh {
		t.Fatalf("Refresh() snapshot not fresh after successful fetch")
	}
	if !got.Bool("paywall_enabled", false) {
		t.Fatalf("Refresh() lost fetched value")
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	source := &fakeSource{values: map[string]any{"paywall_enabled": true}}
	r := New(source, &fakeOracle{}, "com.tangent.app", "2.3.0")

	r.Refresh(context.Background())
	source.err = errors.New("remote config down")

	got := r.Refresh(context.Background())
	if got.Fresh {
		t.Fatalf("Refresh() snapshot marked fresh after failed fetch")
	}
	if !got.Bool("paywall_enabled", false) {
		t.Fatalf("Refresh() dropped previous values on failure")
	}
}

func TestRefreshFailureWithoutPriorFetchUsesDefaults(t *testing.T) {
	source := &fakeSource{err: errors.New("remote config down")}
	r := New(source, &fakeOracle{}, "com.tangent.app", "2.3.0",
		WithDefaults(map[string]any{"paywall_enabled": true}))

	got := r.Refresh(context.Background())
	if got.Fresh {
		t.Fatalf("defaults snapshot must be stale")
	}
	if !got.Bool("paywall_enabled", false) {
		t.Fatalf("defaults lost on failed refresh")
	}
}

func TestResolveEffectiveVariantSelection(t *testing.T) {
	// Every combination of live/testing variant values, with the oracle
	// reporting testing and live builds.
	for _, oracleAhead := range []bool{true, false} {
		for _, live := range []bool{true, false} {
			for _, testingVariant := range []bool{true, false} {
				source := &fakeSource{values: map[string]any{
					"paywall_live":    live,
					"paywall_testing": testingVariant,
				}}
				r := New(source, &fakeOracle{ahead: oracleAhead}, "com.tangent.app", "2.3.0")
				r.Refresh(context.Background())

				want := live
				if oracleAhead {
					want = testingVariant
				}

				got := r.ResolveEffective(context.Background(), "paywall_live", "paywall_testing")
				if got != want {
					t.Fatalf("ResolveEffective(ahead=%t, live=%t, testing=%t) = %t, want %t",
						oracleAhead, live, testingVariant, got, want)
				}
			}
		}
	}
}

func TestResolveEffectiveOracleFailureUsesLive(t *testing.T) {
	source := &fakeSource{values: map[string]any{
		"paywall_live":    false,
		"paywall_testing": true,
	}}
	r := New(source, &fakeOracle{ahead: true, err: errors.New("lookup down")}, "com.tangent.app", "2.3.0")
	r.Refresh(context.Background())

	if got := r.ResolveEffective(context.Background(), "paywall_live", "paywall_testing"); got {
		t.Fatalf("ResolveEffective() = true on oracle failure, want live variant false")
	}
}

func TestSnapshotTypedAccess(t *testing.T) {
	s := Snapshot{Values: map[string]any{
		"enabled": true,
		"label":   "hello",
		"count":   float64(3),
	}}

	if !s.Bool("enabled", false) {
		t.Fatalf("Bool(enabled) = false, want true")
	}
	if s.Bool("label", false) {
		t.Fatalf("Bool on non-bool value must return fallback")
	}
	if s.Bool("missing", true) != true {
		t.Fatalf("Bool(missing) must return fallback")
	}
	if s.String("label", "") != "hello" {
		t.Fatalf("String(label) lost value")
	}
	if s.String("count", "fallback") != "fallback" {
		t.Fatalf("String on non-string value must return fallback")
	}
}

func TestHTTPSourceMinInterval(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"paywall_enabled":true}`))
	}))
	defer server.Close()

	clock := time.Now()
	source := NewHTTPSource(server.URL, time.Hour,
		WithSourceClock(func() time.Time { return clock }))

	for i := 0; i < 3; i++ {
		values, err := source.FetchFlags(context.Background())
		if err != nil {
			t.Fatalf("FetchFlags() error = %v", err)
		}
		if values["paywall_enabled"] != true {
			t.Fatalf("FetchFlags() = %#v, want paywall_enabled true", values)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("remote hits = %d, want 1 within min interval", got)
	}

	clock = clock.Add(2 * time.Hour)
	if _, err := source.FetchFlags(context.Background()); err != nil {
		t.Fatalf("FetchFlags() error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("remote hits = %d, want 2 after interval elapsed", got)
	}
}

func TestHTTPSourceSurfacesFailureOutsideInterval(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"paywall_enabled":true}`))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, 0)
	if _, err := source.FetchFlags(context.Background()); err != nil {
		t.Fatalf("FetchFlags() error = %v", err)
	}

	fail.Store(true)
	if _, err := source.FetchFlags(context.Background()); err == nil {
		t.Fatalf("FetchFlags() error = nil after remote failure, want error")
	}
}

func TestRefreshOverHTTPSourceGoesStaleOnFailure(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"paywall_enabled":true}`))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, 0)
	resolver := New(source, &fakeOracle{}, "com.tangent.sample", "1.4.0")

	first := resolver.Refresh(context.Background())
	if !first.Fresh || first.Values["paywall_enabled"] != true {
		t.Fatalf("Refresh() = %+v, want fresh snapshot with paywall_enabled", first)
	}

	fail.Store(true)
	second := resolver.Refresh(context.Background())
	if second.Fresh {
		t.Fatalf("Refresh() after remote failure marked Fresh")
	}
	if second.Values["paywall_enabled"] != true {
		t.Fatalf("previous values lost: %#v", second.Values)
	}
	if !second.FetchedAt.Equal(first.FetchedAt) {
		t.Fatalf("FetchedAt advanced on failed refresh: %v -> %v", first.FetchedAt, second.FetchedAt)
	}
}

func TestHTTPSourceFailureWithoutCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, 0)
	if _, err := source.FetchFlags(context.Background()); err == nil {
		t.Fatalf("FetchFlags() error = nil, want error with no cache to fall back on")
	}
}
