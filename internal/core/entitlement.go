package core

// PeriodType describes how the primary entitlement is currently billed.
type PeriodType string

const (
	PeriodTrial        PeriodType = "trial"
	PeriodIntroductory PeriodType = "introductory"
	PeriodNormal       PeriodType = "normal"
	PeriodNone         PeriodType = "none"
)

// SubscriptionType is the descriptive label derived from the primary
// entitlement's period type.
type SubscriptionType string

const (
	SubscriptionNone     SubscriptionType = "none"
	SubscriptionTrial    SubscriptionType = "trial"
	SubscriptionIntro    SubscriptionType = "intro_offer"
	SubscriptionFullPaid SubscriptionType = "full_paid"
	SubscriptionUnknown  SubscriptionType = "unknown"
)

// Transition classifies the change between two entitlement snapshots.
type Transition string

const (
	TransitionInitial          Transition = "initial"
	TransitionBecameSubscribed Transition = "became_subscribed"
	TransitionLostSubscription Transition = "lost_subscription"
	TransitionTrialConverted   Transition = "trial_converted"
	TransitionNoChange         Transition = "no_change"
)

// EntitlementSnapshot captures entitlement state at a point in time, as
// delivered by the billing vendor. Snapshots are immutable once built; state
// changes are always expressed as (previous, current) pairs.
type EntitlementSnapshot struct {
	Entitlements  []string   `json:"entitlements"`
	Subscriptions []string   `json:"subscriptions"`
	PeriodType    PeriodType `json:"period_type"`
}

// HasEntitlement reports whether the named entitlement is active.
func (s EntitlementSnapshot) HasEntitlement(id string) bool {
	for _, e := range s.Entitlements {
		if e == id {
			return true
		}
	}
	return false
}

// Classification is the derived subscription state for a snapshot, including
// the transition relative to the previous snapshot.
type Classification struct {
	IsSubscribed     bool             `json:"is_subscribed"`
	IsTrial          bool             `json:"is_trial"`
	IsPaid           bool             `json:"is_paid"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	Transition       Transition       `json:"transition"`
}

// Classify derives the subscription state of current and the transition from
// previous. A nil previous means first observation and always classifies as
// initial. The transition rules are evaluated in strict priority order:
// subscribed-flag flips win over trial conversion, so a simultaneous
// trial-end-and-cancel reports lost_subscription, never trial_converted.
func Classify(entitlementID string, previous *EntitlementSnapshot, current EntitlementSnapshot) Classification {
	c := snapshotState(entitlementID, current)

	switch {
	case previous == nil:
		c.Transition = TransitionInitial
	case !snapshotSubscribed(entitlementID, *previous) && c.IsSubscribed:
		c.Transition = TransitionBecameSubscribed
	case snapshotSubscribed(entitlementID, *previous) && !c.IsSubscribed:
		c.Transition = TransitionLostSubscription
	case snapshotTrial(entitlementID, *previous) && !c.IsTrial && c.IsSubscribed:
		c.Transition = TransitionTrialConverted
	default:
		c.Transition = TransitionNoChange
	}

	return c
}

func snapshotState(entitlementID string, s EntitlementSnapshot) Classification {
	active := s.HasEntitlement(entitlementID)

	c := Classification{
		IsSubscribed: active || len(s.Subscriptions) > 0,
		IsTrial:      active && s.PeriodType == PeriodTrial,
		IsPaid:       active && s.PeriodType == PeriodNormal,
	}

	if !active {
		if c.IsSubscribed {
			c.SubscriptionType = SubscriptionUnknown
		} else {
			c.SubscriptionType = SubscriptionNone
		}
		return c
	}

	switch s.PeriodType {
	case PeriodTrial:
		c.SubscriptionType = SubscriptionTrial
	case PeriodIntroductory:
		c.SubscriptionType = SubscriptionIntro
	case PeriodNormal:
		c.SubscriptionType = SubscriptionFullPaid
	default:
		c.SubscriptionType = SubscriptionUnknown
	}

	return c
}

func snapshotSubscribed(entitlementID string, s EntitlementSnapshot) bool {
	return s.HasEntitlement(entitlementID) || len(s.Subscriptions) > 0
}

func snapshotTrial(entitlementID string, s EntitlementSnapshot) bool {
	return s.HasEntitlement(entitlementID) && s.PeriodType == PeriodTrial
}
