package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tangent-Apps/tangent-relay/internal/core"
)

// SourceTag identifies events produced by the billing flow.
const SourceTag = "billing"

// ErrNoSnapshot is returned by snapshot stores when no previous snapshot
// exists for an install.
var ErrNoSnapshot = errors.New("no entitlement snapshot")

// SnapshotStore persists the last observed entitlement snapshot per install.
// The pipeline always diffs against the stored snapshot before replacing it.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, installID string) (core.EntitlementSnapshot, error)
	SaveSnapshot(ctx context.Context, installID string, snapshot core.EntitlementSnapshot) error
}

// Publisher fans normalized events out to the registered trackers.
type Publisher interface {
	Publish(ctx context.Context, installID string, events ...core.Event)
}

// Pipeline connects the billing vendor to the event dispatch path: vendor
// callbacks come in, normalized purchase/restore/subscription events go out.
type Pipeline struct {
	vendor        Vendor
	snapshots     SnapshotStore
	publisher     Publisher
	normalizer    core.Normalizer
	entitlementID string
	logger        *slog.Logger
	onTransition  func(transition string)
}

// PipelineOption configures optional Pipeline parameters.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTransitionMetric registers a callback invoked per classified
// subscription transition.
func WithTransitionMetric(fn func(transition string)) PipelineOption {
	return func(p *Pipeline) { p.onTransition = fn }
}

// NewPipeline creates a Pipeline. entitlementID names the primary
// entitlement (e.g. "Pro") used for subscription classification.
func NewPipeline(vendor Vendor, snapshots SnapshotStore, publisher Publisher, normalizer core.Normalizer, entitlementID string, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		vendor:        vendor,
		snapshots:     snapshots,
		publisher:     publisher,
		normalizer:    normalizer,
		entitlementID: entitlementID,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ApplySnapshot classifies a new entitlement snapshot against the stored
// previous one and publishes the implied subscription events. The previous
// snapshot is fixed for the whole classification before the new one replaces
// it. Callers serialize snapshot updates per install; the relay's mutation
// point is the entitlements handler.
func (p *Pipeline) ApplySnapshot(ctx context.Context, installID, trigger string, snapshot core.EntitlementSnapshot) (core.Classification, error) {
	var previous *core.EntitlementSnapshot
	stored, err := p.snapshots.LoadSnapshot(ctx, installID)
	switch {
	case errors.Is(err, ErrNoSnapshot):
	case err != nil:
		return core.Classification{}, fmt.Errorf("load previous snapshot: %w", err)
	default:
		previous = &stored
	}

	classification := core.Classify(p.entitlementID, previous, snapshot)

	if err := p.snapshots.SaveSnapshot(ctx, installID, snapshot); err != nil {
		// The diff already happened; a failed save means the next update
		// re-diffs against the older snapshot, which can only repeat events,
		// not lose them.
		p.logger.Error("persist entitlement snapshot", "install_id", installID, "error", err)
	}

	if p.onTransition != nil {
		p.onTransition(string(classification.Transition))
	}

	events := p.normalizer.SubscriptionEvents(SourceTag, trigger, classification)
	p.publisher.Publish(ctx, installID, events...)

	return classification, nil
}

// Purchase runs a purchase through the vendor, bracketing it with
// purchase_started and the outcome event. Cancellation and failure stay
// distinct taxonomy entries. Vendor errors are returned verbatim to the
// caller after being recorded as purchase_failed; the pipeline never
// retries.
func (p *Pipeline) Purchase(ctx context.Context, installID, productRef string) (PurchaseResult, error) {
	p.publisher.Publish(ctx, installID,
		p.normalizer.PurchaseEvent(core.EventPurchaseStarted, SourceTag, productRef, 0, ""))

	result, err := p.vendor.Purchase(ctx, installID, productRef)
	if err != nil {
		p.publisher.Publish(ctx, installID,
			p.failureEvent(core.EventPurchaseFailed, productRef, err.Error()))
		return PurchaseResult{}, fmt.Errorf("vendor purchase: %w", err)
	}

	switch result.Outcome {
	case PurchasePurchased:
		p.publisher.Publish(ctx, installID,
			p.normalizer.PurchaseEvent(core.EventPurchaseCompleted, SourceTag, result.ProductID, result.Amount, result.Currency))
		if result.Snapshot != nil {
			if _, err := p.ApplySnapshot(ctx, installID, core.TriggerPurchase, *result.Snapshot); err != nil {
				p.logger.Error("apply post-purchase snapshot", "install_id", installID, "error", err)
			}
		}
	case PurchaseCancelled:
		p.publisher.Publish(ctx, installID,
			p.normalizer.PurchaseEvent(core.EventPurchaseCancelled, SourceTag, result.ProductID, 0, ""))
	case PurchaseFailed:
		p.publisher.Publish(ctx, installID,
			p.failureEvent(core.EventPurchaseFailed, result.ProductID, result.Reason))
	case PurchasePending:
		// Nothing further: the vendor will deliver a snapshot update when
		// the deferred purchase settles.
	}

	return result, nil
}

// Restore runs a restore through the vendor with the same event bracketing
// as Purchase.
func (p *Pipeline) Restore(ctx context.Context, installID string) (RestoreResult, error) {
	p.publisher.Publish(ctx, installID,
		p.normalizer.Normalize(SourceTag, "restore_started", nil))

	result, err := p.vendor.Restore(ctx, installID)
	if err != nil {
		p.publisher.Publish(ctx, installID,
			p.normalizer.Normalize(SourceTag, "restore_failed", map[string]any{core.PropReason: err.Error()}))
		return RestoreResult{}, fmt.Errorf("vendor restore: %w", err)
	}

	switch result.Outcome {
	case RestoreRestored:
		props := map[string]any{}
		if len(result.Products) > 0 {
			props[core.PropProductID] = result.Products[0]
		}
		p.publisher.Publish(ctx, installID,
			p.normalizer.Normalize(SourceTag, "restore_completed", props))
		if result.Snapshot != nil {
			if _, err := p.ApplySnapshot(ctx, installID, core.TriggerRestore, *result.Snapshot); err != nil {
				p.logger.Error("apply post-restore snapshot", "install_id", installID, "error", err)
			}
		}
	case RestoreFailed:
		p.publisher.Publish(ctx, installID,
			p.normalizer.Normalize(SourceTag, "restore_failed", map[string]any{core.PropReason: result.Reason}))
	}

	return result, nil
}

func (p *Pipeline) failureEvent(name core.EventName, productRef, reason string) core.Event {
	event := p.normalizer.PurchaseEvent(name, SourceTag, productRef, 0, "")
	if reason != "" {
		event.Properties[core.PropReason] = reason
	}
	return event
}
