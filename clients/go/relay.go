// Package relay provides client interfaces and domain types for the
// tangent-relay event relay service.
//
// Use the http sub-package to create a transport client:
//
//	import relayhttp "github.com/Tangent-Apps/tangent-relay/clients/go/http"
package relay

import (
	"context"
	"encoding/json"
	"time"
)

// Reporter covers the device-to-relay reporting surface: raw events,
// purchase and restore outcomes, and entitlement snapshots.
type Reporter interface {
	ReportEvent(ctx context.Context, event Event) (NormalizedEvent, error)
	ReportPurchase(ctx context.Context, report PurchaseReport) (PurchaseResult, error)
	ReportRestore(ctx context.Context, report RestoreReport) (RestoreResult, error)
	ReportEntitlements(ctx context.Context, installID string, snapshot EntitlementSnapshot) (Classification, error)
}

// ConsentManager records tracking consent decisions and reads them back.
type ConsentManager interface {
	RequestConsent(ctx context.Context, installID, status string) (ConsentState, error)
	ConsentStatus(ctx context.Context, installID string) (ConsentState, error)
}

// SubscriptionReader reads the classified subscription state of an install.
type SubscriptionReader interface {
	SubscriptionState(ctx context.Context, installID string) (SubscriptionState, error)
}

// FlagReader reads the server's feature flag snapshot and resolves
// live/testing flag pairs.
type FlagReader interface {
	Flags(ctx context.Context) (FlagSnapshot, error)
	EffectiveFlag(ctx context.Context, liveKey, testingKey string) (bool, error)
	RefreshFlags(ctx context.Context) (FlagSnapshot, error)
}

// Streamer delivers journal entries in real time.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan JournalEvent, error)
}

// Event is a raw device event prior to normalization.
type Event struct {
	InstallID  string
	Kind       string
	Source     string         // defaults to "client" server-side
	Properties map[string]any // may be nil
}

// NormalizedEvent is the taxonomy event the relay derived from a raw report.
type NormalizedEvent struct {
	Name       string
	Source     string
	Properties map[string]any
}

// PurchaseReport is a device-observed purchase outcome.
type PurchaseReport struct {
	InstallID string
	ProductID string
	Outcome   string // "purchased" | "cancelled" | "pending" | "failed"
	Amount    float64
	Currency  string
	Reason    string
	Snapshot  *EntitlementSnapshot // post-purchase snapshot, if known
}

// PurchaseResult is the relay's record of a processed purchase.
type PurchaseResult struct {
	Outcome   string
	ProductID string
	Amount    float64
	Currency  string
	Reason    string
}

// RestoreReport is a device-observed restore outcome.
type RestoreReport struct {
	InstallID string
	Outcome   string // "restored" | "failed"
	Reason    string
	Products  []string
	Snapshot  *EntitlementSnapshot
}

// RestoreResult is the relay's record of a processed restore.
type RestoreResult struct {
	Outcome  string
	Products []string
	Reason   string
}

// EntitlementSnapshot is the vendor-reported entitlement state of an install.
type EntitlementSnapshot struct {
	Entitlements  []string
	Subscriptions []string
	PeriodType    string // "trial" | "introductory" | "normal" | "none"
}

// Classification is the subscription state the relay derived from a snapshot.
type Classification struct {
	IsSubscribed     bool
	IsTrial          bool
	IsPaid           bool
	SubscriptionType string
	Transition       string
}

// ConsentState is an install's tracking consent decision.
type ConsentState struct {
	Status   string // "not_determined" | "restricted" | "denied" | "authorized"
	Prompted bool
}

// SubscriptionState pairs the stored snapshot with its classification.
type SubscriptionState struct {
	Snapshot       EntitlementSnapshot
	Classification Classification
}

// FlagSnapshot is a point-in-time view of the server's flag mapping. Fresh is
// false when the server is falling back to defaults.
type FlagSnapshot struct {
	Values    map[string]any
	Fresh     bool
	FetchedAt time.Time
}

// JournalEvent is one journal entry delivered over the stream.
type JournalEvent struct {
	EventID   int64
	InstallID string
	Name      string
	Source    string
	Payload   json.RawMessage
	CreatedAt time.Time
}
