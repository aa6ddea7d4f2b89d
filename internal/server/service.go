package server

import (
	"context"

	"github.com/Tangent-Apps/tangent-relay/internal/billing"
	"github.com/Tangent-Apps/tangent-relay/internal/consent"
	"github.com/Tangent-Apps/tangent-relay/internal/core"
	"github.com/Tangent-Apps/tangent-relay/internal/flags"
	"github.com/Tangent-Apps/tangent-relay/internal/repository"
	"github.com/Tangent-Apps/tangent-relay/internal/service"
)

// Service is the orchestration surface the HTTP transport depends on.
type Service interface {
	IngestEvent(ctx context.Context, installID, source, rawKind string, payload map[string]any) core.Event
	RequestConsent(ctx context.Context, installID string, reported consent.Status) (consent.Status, error)
	ConsentStatus(ctx context.Context, installID string) (consent.Status, bool, error)
	Purchase(ctx context.Context, installID, productRef string, report billing.PurchaseResult) (billing.PurchaseResult, error)
	Restore(ctx context.Context, installID string, report billing.RestoreResult) (billing.RestoreResult, error)
	ApplyEntitlements(ctx context.Context, installID string, snapshot core.EntitlementSnapshot) (core.Classification, error)
	SubscriptionState(ctx context.Context, installID string) (core.EntitlementSnapshot, core.Classification, error)
	EffectiveFlag(ctx context.Context, liveKey, testingKey string) bool
	FlagsSnapshot() flags.Snapshot
	RefreshFlags(ctx context.Context) flags.Snapshot
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.JournalEntry, error)
}

var _ Service = (*service.Service)(nil)
