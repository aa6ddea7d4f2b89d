package core

import (
	"fmt"
	"strings"
)

// Event is a normalized event ready to be forwarded to any tracker. The name
// is always drawn from the closed taxonomy and the properties contain only
// primitive values (string, bool, int64, float64), never vendor types.
type Event struct {
	Name       EventName      `json:"name"`
	Source     string         `json:"source"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Normalizer maps raw vendor callback payloads onto the canonical taxonomy,
// stamping each event with a consistent property schema. A Normalizer is
// stateless apart from the fixed platform and app version stamps.
type Normalizer struct {
	Platform   string
	AppVersion string
}

// rawKindNames maps the raw kind strings delivered by vendor callbacks onto
// taxonomy names. Kinds absent from this table degrade to feature_used.
var rawKindNames = map[string]EventName{
	"app_launched":         EventAppLaunched,
	"app_open":             EventAppLaunched,
	"session_start":        EventSessionStart,
	"session_end":          EventSessionEnd,
	"onboarding_started":   EventOnboardingStarted,
	"onboarding_completed": EventOnboardingCompleted,
	"paywall_viewed":       EventPaywallViewed,
	"paywall_shown":        EventPaywallViewed,
	"paywall_dismissed":    EventPaywallDismissed,
	"paywall_closed":       EventPaywallDismissed,
	"purchase_started":     EventPurchaseStarted,
	"purchase_completed":   EventPurchaseCompleted,
	"purchase_cancelled":   EventPurchaseCancelled,
	"purchase_failed":      EventPurchaseFailed,
	"restore_started":      EventRestoreStarted,
	"restore_completed":    EventRestoreCompleted,
	"restore_failed":       EventRestoreFailed,
	"subscription_active":  EventSubscriptionActivated,
	"subscription_expired": EventSubscriptionCancelled,
	"subscription_status":  EventSubscriptionStatus,
}

// Normalize maps a raw vendor callback onto a canonical Event. It never
// fails: an unrecognized raw kind produces a feature_used event carrying the
// original kind string under the raw_kind property. Non-primitive payload
// values are stringified so downstream trackers only ever see primitives.
func (n Normalizer) Normalize(source, rawKind string, payload map[string]any) Event {
	kind := strings.ToLower(strings.TrimSpace(rawKind))

	name, ok := rawKindNames[kind]
	props := make(map[string]any, len(payload)+3)
	if !ok {
		name = EventFeatureUsed
		props[PropRawKind] = rawKind
	}

	for key, value := range payload {
		if key == "" {
			continue
		}
		props[key] = primitive(value)
	}

	return n.stamped(name, source, props)
}

// PurchaseEvent builds a purchase or restore lifecycle event with the
// required product_id property and optional amount/currency.
func (n Normalizer) PurchaseEvent(name EventName, source, productID string, amount float64, currency string) Event {
	props := map[string]any{
		PropProductID: productID,
	}
	if currency != "" {
		props[PropAmount] = amount
		props[PropCurrency] = currency
	}

	return n.stamped(name, source, props)
}

// SubscriptionEvents converts an entitlement classification into the events
// it implies: a subscription_status event is always produced, and
// subscription_activated or subscription_cancelled is added when the
// transition warrants one. The trigger property reflects the flow that
// caused the snapshot: purchases and restores pass their own trigger, while
// push-style status updates pass TriggerStatusChange. A trial-to-paid
// conversion overrides the trigger with trial_converted.
func (n Normalizer) SubscriptionEvents(source, trigger string, c Classification) []Event {
	status := n.stamped(EventSubscriptionStatus, source, map[string]any{
		PropStatus:  string(c.SubscriptionType),
		PropIsTrial: c.IsTrial,
	})

	switch c.Transition {
	case TransitionBecameSubscribed:
		return []Event{status, n.stamped(EventSubscriptionActivated, source, map[string]any{
			PropTrigger: trigger,
			PropIsTrial: c.IsTrial,
		})}
	case TransitionLostSubscription:
		return []Event{status, n.stamped(EventSubscriptionCancelled, source, map[string]any{
			PropTrigger: trigger,
		})}
	case TransitionTrialConverted:
		return []Event{status, n.stamped(EventSubscriptionActivated, source, map[string]any{
			PropTrigger: TriggerTrialConverted,
			PropIsTrial: false,
		})}
	default:
		return []Event{status}
	}
}

func (n Normalizer) stamped(name EventName, source string, props map[string]any) Event {
	if props == nil {
		props = make(map[string]any, 3)
	}
	props[PropSource] = source
	if n.Platform != "" {
		props[PropPlatform] = n.Platform
	}
	if n.AppVersion != "" {
		props[PropAppVersion] = n.AppVersion
	}

	return Event{
		Name:       name,
		Source:     source,
		Properties: props,
	}
}

// primitive coerces a payload value to a forwardable primitive. Numeric JSON
// values arrive as float64 and pass through; anything structured collapses
// to its string form.
func primitive(value any) any {
	switch v := value.(type) {
	case nil:
		return ""
	case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
