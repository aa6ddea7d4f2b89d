// Package billing drives purchase and restore flows through the billing
// vendor and turns entitlement snapshot updates into normalized
// subscription events.
package billing

import (
	"context"

	"github.com/Tangent-Apps/tangent-relay/internal/core"
)

// PurchaseOutcome is the typed result of a vendor purchase call.
type PurchaseOutcome string

const (
	PurchasePurchased PurchaseOutcome = "purchased"
	PurchaseCancelled PurchaseOutcome = "cancelled"
	PurchasePending   PurchaseOutcome = "pending"
	PurchaseFailed    PurchaseOutcome = "failed"
)

// RestoreOutcome is the typed result of a vendor restore call.
type RestoreOutcome string

const (
	RestoreRestored RestoreOutcome = "restored"
	RestoreFailed   RestoreOutcome = "failed"
)

// PurchaseResult is the vendor's answer to a purchase call. Snapshot is the
// post-purchase entitlement state when the vendor returns one.
type PurchaseResult struct {
	Outcome   PurchaseOutcome
	ProductID string
	Amount    float64
	Currency  string
	Reason    string
	Snapshot  *core.EntitlementSnapshot
}

// RestoreResult is the vendor's answer to a restore call.
type RestoreResult struct {
	Outcome  RestoreOutcome
	Reason   string
	Products []string
	Snapshot *core.EntitlementSnapshot
}

// Vendor is the billing collaborator. Its internals (StoreKit, receipts,
// webhooks) are out of scope; the relay only sees typed results and
// entitlement snapshots.
type Vendor interface {
	Purchase(ctx context.Context, installID, productRef string) (PurchaseResult, error)
	Restore(ctx context.Context, installID string) (RestoreResult, error)
}

// ReportedVendor replays results the device already obtained from its own
// store transaction. The relay's purchase and restore endpoints wrap each
// reported outcome in one of these so the pipeline sees the same Vendor
// surface an embedded billing client would present.
type ReportedVendor struct {
	PurchaseReport PurchaseResult
	RestoreReport  RestoreResult
}

func (v ReportedVendor) Purchase(context.Context, string, string) (PurchaseResult, error) {
	return v.PurchaseReport, nil
}

func (v ReportedVendor) Restore(context.Context, string) (RestoreResult, error) {
	return v.RestoreReport, nil
}
