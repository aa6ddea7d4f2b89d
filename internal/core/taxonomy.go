// Package core contains the pure domain logic for the tangent relay: version
// comparison, the canonical event taxonomy with normalization rules, and
// entitlement snapshot classification. Nothing in this package performs I/O.
package core

// EventName is a canonical event identifier. The set of names the relay ever
// emits is closed: vendor callbacks that do not map onto a known name degrade
// to EventFeatureUsed rather than being dropped.
type EventName string

const (
	EventAppLaunched           EventName = "app_launched"
	EventSessionStart          EventName = "session_start"
	EventSessionEnd            EventName = "session_end"
	EventOnboardingStarted     EventName = "onboarding_started"
	EventOnboardingCompleted   EventName = "onboarding_completed"
	EventPaywallViewed         EventName = "paywall_viewed"
	EventPaywallDismissed      EventName = "paywall_dismissed"
	EventPurchaseStarted       EventName = "purchase_started"
	EventPurchaseCompleted     EventName = "purchase_completed"
	EventPurchaseCancelled     EventName = "purchase_cancelled"
	EventPurchaseFailed        EventName = "purchase_failed"
	EventRestoreStarted        EventName = "restore_started"
	EventRestoreCompleted      EventName = "restore_completed"
	EventRestoreFailed         EventName = "restore_failed"
	EventSubscriptionActivated EventName = "subscription_activated"
	EventSubscriptionCancelled EventName = "subscription_cancelled"
	EventSubscriptionStatus    EventName = "subscription_status"
	EventFeatureUsed           EventName = "feature_used"
)

// Trigger values carried by subscription_activated events.
const (
	TriggerPurchase       = "purchase"
	TriggerRestore        = "restore_purchase"
	TriggerStatusChange   = "status_change"
	TriggerTrialConverted = "trial_converted"
)

// Well-known property keys.
const (
	PropSource     = "source"
	PropPlatform   = "platform"
	PropAppVersion = "app_version"
	PropProductID  = "product_id"
	PropAmount     = "amount"
	PropCurrency   = "currency"
	PropTrigger    = "trigger"
	PropRawKind    = "raw_kind"
	PropReason     = "reason"
	PropIsTrial    = "is_trial"
	PropStatus     = "status"
)

var knownNames = map[EventName]struct{}{
	EventAppLaunched:           {},
	EventSessionStart:          {},
	EventSessionEnd:            {},
	EventOnboardingStarted:     {},
	EventOnboardingCompleted:   {},
	EventPaywallViewed:         {},
	EventPaywallDismissed:      {},
	EventPurchaseStarted:       {},
	EventPurchaseCompleted:     {},
	EventPurchaseCancelled:     {},
	EventPurchaseFailed:        {},
	EventRestoreStarted:        {},
	EventRestoreCompleted:      {},
	EventRestoreFailed:         {},
	EventSubscriptionActivated: {},
	EventSubscriptionCancelled: {},
	EventSubscriptionStatus:    {},
	EventFeatureUsed:           {},
}

// KnownEventName reports whether name belongs to the canonical taxonomy.
func KnownEventName(name EventName) bool {
	_, ok := knownNames[name]
	return ok
}
