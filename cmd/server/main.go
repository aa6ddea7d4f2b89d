// Package main is the entry point for the tangent-relay server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Build the domain graph: store oracle, flag resolver, consent registry,
//     event dispatcher with its sinks, and the orchestration service.
//  4. Start the HTTP server (:8080).
//  5. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Tangent-Apps/tangent-relay/internal/appstore"
	"github.com/Tangent-Apps/tangent-relay/internal/billing"
	"github.com/Tangent-Apps/tangent-relay/internal/config"
	"github.com/Tangent-Apps/tangent-relay/internal/consent"
	"github.com/Tangent-Apps/tangent-relay/internal/core"
	"github.com/Tangent-Apps/tangent-relay/internal/events"
	"github.com/Tangent-Apps/tangent-relay/internal/flags"
	"github.com/Tangent-Apps/tangent-relay/internal/logging"
	"github.com/Tangent-Apps/tangent-relay/internal/metrics"
	"github.com/Tangent-Apps/tangent-relay/internal/middleware"
	"github.com/Tangent-Apps/tangent-relay/internal/repository"
	"github.com/Tangent-Apps/tangent-relay/internal/server"
	"github.com/Tangent-Apps/tangent-relay/internal/service"
	"github.com/Tangent-Apps/tangent-relay/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute

	primaryEntitlement = "Pro"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	oracle := &meteredOracle{
		inner: appstore.NewOracle(
			appstore.NewClient(cfg.LookupURL),
			appstore.WithVerdictTTL(cfg.LookupTTL),
		),
		onLookup:  m.RecordStoreLookup,
		onResolve: m.RecordFlagResolution,
	}

	var flagSource flags.Source = emptySource{}
	if cfg.FlagsURL != "" {
		flagSource = flags.NewHTTPSource(cfg.FlagsURL, cfg.FlagsRefreshInterval)
	}
	resolver := flags.New(flagSource, oracle, cfg.BundleID, cfg.AppVersion, flags.WithLogger(log))
	resolver.Refresh(ctx)

	consents := consent.NewRegistry(repo, log)
	consents.OnConsentChanged(consentTransitionRecorder(m.RecordConsentTransition))

	dispatcher := events.NewDispatcher(
		func(ctx context.Context, installID string) bool {
			gate, err := consents.Gate(ctx, installID)
			if err != nil {
				log.Error("load consent gate", "install_id", installID, "error", err)
				return false
			}
			return gate.IsTrackingAllowed()
		},
		events.WithLogger(log),
		events.WithSinkMetrics(m.RecordSinkDelivery, m.RecordSinkFailure),
	)
	dispatcher.Register(events.NewJournalSink(repo), events.ConsentExempt())
	dispatcher.Register(events.NewLogSink(log), events.ConsentExempt())
	for i, tracker := range cfg.Trackers {
		dispatcher.Register(events.NewHTTPTrackerSink(trackerName(tracker.URL, i), tracker.URL, tracker.Token))
	}

	normalizer := core.Normalizer{Platform: "ios", AppVersion: cfg.AppVersion}
	svc := service.New(
		consents,
		&meteredPublisher{inner: dispatcher, onPublish: m.RecordEventPublished},
		normalizer,
		repo,
		resolver,
		repo,
		primaryEntitlement,
		service.WithLogger(log),
		service.WithPromptNoopMetric(m.PromptsCoalescedTotal.Inc),
		service.WithPipelineOptions(
			billing.WithLogger(log),
			billing.WithTransitionMetric(m.RecordBillingTransition),
		),
	)

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	tokenValidator := &middleware.APIKeyValidator{Source: repo}
	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
		server.WithStreamGauge(
			func() { m.ActiveStreams.WithLabelValues("sse").Inc() },
			func() { m.ActiveStreams.WithLabelValues("sse").Dec() },
		),
	)
	httpHandler := newHTTPHandler(apiHandler, tokenValidator,
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithRateLimiter(rateLimiter),
	)
	httpHandler = middleware.RequestMetrics(func(method, path string, status int, seconds float64) {
		code := fmt.Sprintf("%d", status)
		m.HTTPRequestsTotal.WithLabelValues(method, path, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path, code).Observe(seconds)
	})(httpHandler)
	httpHandler = middleware.RequestLogging(log)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "tangent-relay-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "bundle_id", cfg.BundleID, "app_version", cfg.AppVersion)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHTTPHandler protects the /v1/ API with bearer auth while leaving
// healthz and metrics open.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.BearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

func trackerName(rawURL string, index int) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return fmt.Sprintf("tracker-%d", index)
}

// consentTransitionRecorder counts each consent decision under its decided
// status, so restricted and denied stay distinguishable in the metric.
func consentTransitionRecorder(record func(status string)) func(installID string) consent.Listener {
	return func(string) consent.Listener {
		return func(decided consent.Status) {
			record(string(decided))
		}
	}
}

var errNoFlagSource = errors.New("no remote flag source configured")

// emptySource stands in when no remote flag URL is configured. Every fetch
// fails so the resolver keeps serving its defaults marked stale rather than
// presenting an empty mapping as a fresh remote document.
type emptySource struct{}

func (emptySource) FetchFlags(context.Context) (map[string]any, error) {
	return nil, errNoFlagSource
}

// meteredPublisher counts published events by taxonomy name before handing
// them to the dispatcher.
type meteredPublisher struct {
	inner     service.Publisher
	onPublish func(name string)
}

func (p *meteredPublisher) Publish(ctx context.Context, installID string, evs ...core.Event) {
	for _, event := range evs {
		p.onPublish(string(event.Name))
	}
	p.inner.Publish(ctx, installID, evs...)
}

// meteredOracle records lookup outcomes and the flag variant each verdict
// implies.
type meteredOracle struct {
	inner     flags.Oracle
	onLookup  func(result string)
	onResolve func(variant string)
}

func (o *meteredOracle) IsAheadOfStore(ctx context.Context, bundleID, installed string) (bool, error) {
	ahead, err := o.inner.IsAheadOfStore(ctx, bundleID, installed)
	switch {
	case err != nil:
		o.onLookup("error")
		o.onResolve("live")
	case ahead:
		o.onLookup("ahead")
		o.onResolve("testing")
	default:
		o.onLookup("not_ahead")
		o.onResolve("live")
	}
	return ahead, err
}
