// Package service is the orchestration layer between the HTTP transport and
// the relay's domain packages. It owns no domain rules of its own: it loads
// the right consent gate, builds a billing pipeline around each reported
// vendor outcome, and hands normalized events to the dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tangent-Apps/tangent-relay/internal/billing"
	"github.com/Tangent-Apps/tangent-relay/internal/consent"
	"github.com/Tangent-Apps/tangent-relay/internal/core"
	"github.com/Tangent-Apps/tangent-relay/internal/flags"
	"github.com/Tangent-Apps/tangent-relay/internal/repository"
)

// ErrInvalidStatus reports a consent status outside the known taxonomy.
var ErrInvalidStatus = errors.New("invalid consent status")

// Publisher fans events out to the registered sinks.
type Publisher interface {
	Publish(ctx context.Context, installID string, events ...core.Event)
}

// EventLog reads back journaled events for streaming.
type EventLog interface {
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.JournalEntry, error)
}

// Service wires the relay's domain packages together for the transport
// layer.
type Service struct {
	consents      *consent.Registry
	publisher     Publisher
	normalizer    core.Normalizer
	snapshots     billing.SnapshotStore
	resolver      *flags.Resolver
	eventLog      EventLog
	entitlementID string
	logger        *slog.Logger
	pipelineOpts  []billing.PipelineOption
	onPromptNoop  func()
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithPipelineOptions passes options through to every billing pipeline the
// service builds.
func WithPipelineOptions(opts ...billing.PipelineOption) Option {
	return func(s *Service) { s.pipelineOpts = opts }
}

// WithPromptNoopMetric registers a callback invoked when a prompt request
// arrives for an install whose decision has already landed.
func WithPromptNoopMetric(fn func()) Option {
	return func(s *Service) { s.onPromptNoop = fn }
}

// New creates a Service. entitlementID names the primary entitlement used
// for subscription classification.
func New(
	consents *consent.Registry,
	publisher Publisher,
	normalizer core.Normalizer,
	snapshots billing.SnapshotStore,
	resolver *flags.Resolver,
	eventLog EventLog,
	entitlementID string,
	opts ...Option,
) *Service {
	s := &Service{
		consents:      consents,
		publisher:     publisher,
		normalizer:    normalizer,
		snapshots:     snapshots,
		resolver:      resolver,
		eventLog:      eventLog,
		entitlementID: entitlementID,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) pipeline(vendor billing.Vendor) *billing.Pipeline {
	return billing.NewPipeline(vendor, s.snapshots, s.publisher, s.normalizer, s.entitlementID, s.pipelineOpts...)
}

// IngestEvent normalizes a raw client event and publishes it. Normalization
// never fails; unknown kinds fold into feature_used.
func (s *Service) IngestEvent(ctx context.Context, installID, source, rawKind string, payload map[string]any) core.Event {
	event := s.normalizer.Normalize(source, rawKind, payload)
	s.publisher.Publish(ctx, installID, event)
	return event
}

// staticPrompter hands the gate the authorization status the device reported
// for its OS prompt.
type staticPrompter consent.Status

func (p staticPrompter) RequestAuthorization(context.Context) (consent.Status, error) {
	return consent.Status(p), nil
}

// RequestConsent runs the one-shot consent prompt flow for an install. The
// reported status is the device's answer to its OS-level prompt; once a
// decision has landed the stored status wins and the report is ignored.
func (s *Service) RequestConsent(ctx context.Context, installID string, reported consent.Status) (consent.Status, error) {
	if !reported.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, reported)
	}

	gate, err := s.consents.Gate(ctx, installID)
	if err != nil {
		return "", err
	}
	if !gate.CanRequest() && s.onPromptNoop != nil {
		s.onPromptNoop()
	}
	return gate.RequestPermission(ctx, staticPrompter(reported))
}

// ConsentStatus returns the current consent state and whether the install
// has been prompted.
func (s *Service) ConsentStatus(ctx context.Context, installID string) (consent.Status, bool, error) {
	gate, err := s.consents.Gate(ctx, installID)
	if err != nil {
		return "", false, err
	}
	return gate.Status(), gate.Prompted(), nil
}

// Purchase processes a device-reported purchase outcome through the billing
// pipeline.
func (s *Service) Purchase(ctx context.Context, installID, productRef string, report billing.PurchaseResult) (billing.PurchaseResult, error) {
	return s.pipeline(billing.ReportedVendor{PurchaseReport: report}).Purchase(ctx, installID, productRef)
}

// Restore processes a device-reported restore outcome through the billing
// pipeline.
func (s *Service) Restore(ctx context.Context, installID string, report billing.RestoreResult) (billing.RestoreResult, error) {
	return s.pipeline(billing.ReportedVendor{RestoreReport: report}).Restore(ctx, installID)
}

// ApplyEntitlements classifies a pushed entitlement snapshot against the
// stored previous one and publishes the implied subscription events.
func (s *Service) ApplyEntitlements(ctx context.Context, installID string, snapshot core.EntitlementSnapshot) (core.Classification, error) {
	return s.pipeline(billing.ReportedVendor{}).ApplySnapshot(ctx, installID, core.TriggerStatusChange, snapshot)
}

// SubscriptionState returns the stored entitlement snapshot for an install
// together with the classification it implies. Returns billing.ErrNoSnapshot
// (wrapped) when nothing has been recorded yet.
func (s *Service) SubscriptionState(ctx context.Context, installID string) (core.EntitlementSnapshot, core.Classification, error) {
	snapshot, err := s.snapshots.LoadSnapshot(ctx, installID)
	if err != nil {
		return core.EntitlementSnapshot{}, core.Classification{}, err
	}

	// Diffing a snapshot against itself yields no transition but still
	// derives the subscription type and flags.
	classification := core.Classify(s.entitlementID, &snapshot, snapshot)
	return snapshot, classification, nil
}

// EffectiveFlag resolves the live/testing flag pair to the variant in effect
// for the configured build.
func (s *Service) EffectiveFlag(ctx context.Context, liveKey, testingKey string) bool {
	return s.resolver.ResolveEffective(ctx, liveKey, testingKey)
}

// FlagsSnapshot returns the current flag snapshot without fetching.
func (s *Service) FlagsSnapshot() flags.Snapshot {
	return s.resolver.Current()
}

// RefreshFlags fetches the remote flag document and returns the resulting
// snapshot. A failed fetch keeps the previous values marked stale.
func (s *Service) RefreshFlags(ctx context.Context) flags.Snapshot {
	return s.resolver.Refresh(ctx)
}

// ListEventsSince returns journaled events with IDs greater than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.JournalEntry, error) {
	return s.eventLog.ListEventsSince(ctx, eventID)
}
