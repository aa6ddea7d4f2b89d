package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Tangent-Apps/tangent-relay/internal/billing"
	"github.com/Tangent-Apps/tangent-relay/internal/consent"
	"github.com/Tangent-Apps/tangent-relay/internal/core"
	"github.com/Tangent-Apps/tangent-relay/internal/flags"
	"github.com/Tangent-Apps/tangent-relay/internal/repository"
)

type memConsentStore struct {
	states   map[string]consent.Status
	prompted map[string]bool
}

func newMemConsentStore() *memConsentStore {
	return &memConsentStore{
		states:   make(map[string]consent.Status),
		prompted: make(map[string]bool),
	}
}

func (m *memConsentStore) LoadConsent(_ context.Context, installID string) (consent.Status, bool, error) {
	status, ok := m.states[installID]
	if !ok {
		return "", false, consent.ErrNotFound
	}
	return status, m.prompted[installID], nil
}

func (m *memConsentStore) SaveConsent(_ context.Context, installID string, status consent.Status, prompted bool) error {
	m.states[installID] = status
	m.prompted[installID] = prompted
	return nil
}

type capturedEvent struct {
	installID string
	event     core.Event
}

type capturePublisher struct {
	events []capturedEvent
}

func (p *capturePublisher) Publish(_ context.Context, installID string, events ...core.Event) {
	for _, e := range events {
		p.events = append(p.events, capturedEvent{installID: installID, event: e})
	}
}

func (p *capturePublisher) names() []core.EventName {
	names := make([]core.EventName, 0, len(p.events))
	for _, e := range p.events {
		names = append(names, e.event.Name)
	}
	return names
}

type memSnapshotStore struct {
	snapshots map[string]core.EntitlementSnapshot
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{snapshots: make(map[string]core.EntitlementSnapshot)}
}

func (m *memSnapshotStore) LoadSnapshot(_ context.Context, installID string) (core.EntitlementSnapshot, error) {
	snapshot, ok := m.snapshots[installID]
	if !ok {
		return core.EntitlementSnapshot{}, billing.ErrNoSnapshot
	}
	return snapshot, nil
}

func (m *memSnapshotStore) SaveSnapshot(_ context.Context, installID string, snapshot core.EntitlementSnapshot) error {
	m.snapshots[installID] = snapshot
	return nil
}

type staticSource map[string]any

func (s staticSource) FetchFlags(context.Context) (map[string]any, error) {
	return map[string]any(s), nil
}

type staticOracle struct {
	ahead bool
	err   error
}

func (o staticOracle) IsAheadOfStore(context.Context, string, string) (bool, error) {
	return o.ahead, o.err
}

type memEventLog struct {
	entries []repository.JournalEntry
}

func (m *memEventLog) ListEventsSince(_ context.Context, eventID int64) ([]repository.JournalEntry, error) {
	var out []repository.JournalEntry
	for _, e := range m.entries {
		if e.EventID > eventID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *capturePublisher, *memSnapshotStore) {
	t.Helper()
	publisher := &capturePublisher{}
	snapshots := newMemSnapshotStore()
	resolver := flags.New(
		staticSource{"checkout_live": true, "checkout_testing": false},
		staticOracle{ahead: true},
		"com.tangent.sample", "1.4.0",
	)
	svc := New(
		consent.NewRegistry(newMemConsentStore(), nil),
		publisher,
		core.Normalizer{Platform: "ios", AppVersion: "1.4.0"},
		snapshots,
		resolver,
		&memEventLog{},
		"Pro",
	)
	return svc, publisher, snapshots
}

func TestIngestEvent_PublishesNormalized(t *testing.T) {
	svc, publisher, _ := newTestService(t)

	event := svc.IngestEvent(context.Background(), "install-1", "client", "app_launched", nil)

	if event.Name != core.EventAppLaunched {
		t.Fatalf("event name = %q, want app_launched", event.Name)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("published %d events, want 1", len(publisher.events))
	}
	if publisher.events[0].installID != "install-1" {
		t.Fatalf("install ID = %q, want install-1", publisher.events[0].installID)
	}
}

func TestIngestEvent_UnknownKindNeverFails(t *testing.T) {
	svc, publisher, _ := newTestService(t)

	event := svc.IngestEvent(context.Background(), "install-1", "client", "totally_new_thing", nil)

	if event.Name != core.EventFeatureUsed {
		t.Fatalf("event name = %q, want feature_used", event.Name)
	}
	if got := event.Properties[core.PropRawKind]; got != "totally_new_thing" {
		t.Fatalf("raw_kind = %v, want totally_new_thing", got)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("published %d events, want 1", len(publisher.events))
	}
}

func TestRequestConsent_FirstDecisionSticks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	status, err := svc.RequestConsent(ctx, "install-1", consent.StatusAuthorized)
	if err != nil {
		t.Fatalf("RequestConsent() error = %v", err)
	}
	if status != consent.StatusAuthorized {
		t.Fatalf("status = %q, want authorized", status)
	}

	// A later contradictory report must not flip the stored decision.
	status, err = svc.RequestConsent(ctx, "install-1", consent.StatusDenied)
	if err != nil {
		t.Fatalf("second RequestConsent() error = %v", err)
	}
	if status != consent.StatusAuthorized {
		t.Fatalf("status after second report = %q, want authorized", status)
	}
}

func TestRequestConsent_InvalidStatus(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RequestConsent(context.Background(), "install-1", consent.Status("maybe"))
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("error = %v, want ErrInvalidStatus", err)
	}
}

func TestConsentStatus_DefaultsToNotDetermined(t *testing.T) {
	svc, _, _ := newTestService(t)

	status, prompted, err := svc.ConsentStatus(context.Background(), "install-fresh")
	if err != nil {
		t.Fatalf("ConsentStatus() error = %v", err)
	}
	if status != consent.StatusNotDetermined {
		t.Fatalf("status = %q, want not_determined", status)
	}
	if prompted {
		t.Fatal("fresh install should not be marked prompted")
	}
}

func TestPurchase_CompletedPublishesBracket(t *testing.T) {
	svc, publisher, snapshots := newTestService(t)

	report := billing.PurchaseResult{
		Outcome:   billing.PurchasePurchased,
		ProductID: "pro.monthly",
		Amount:    9.99,
		Currency:  "USD",
		Snapshot: &core.EntitlementSnapshot{
			Entitlements:  []string{"Pro"},
			Subscriptions: []string{"pro.monthly"},
			PeriodType:    core.PeriodNormal,
		},
	}
	result, err := svc.Purchase(context.Background(), "install-1", "pro.monthly", report)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if result.Outcome != billing.PurchasePurchased {
		t.Fatalf("outcome = %q, want purchased", result.Outcome)
	}

	names := publisher.names()
	if len(names) < 3 {
		t.Fatalf("published events %v, want started, completed and subscription events", names)
	}
	if names[0] != core.EventPurchaseStarted {
		t.Fatalf("first event = %q, want purchase_started", names[0])
	}
	if names[1] != core.EventPurchaseCompleted {
		t.Fatalf("second event = %q, want purchase_completed", names[1])
	}

	stored, err := snapshots.LoadSnapshot(context.Background(), "install-1")
	if err != nil {
		t.Fatalf("snapshot not stored: %v", err)
	}
	if !stored.HasEntitlement("Pro") {
		t.Fatal("stored snapshot should carry the Pro entitlement")
	}
}

func TestPurchase_CancelledStaysDistinct(t *testing.T) {
	svc, publisher, _ := newTestService(t)

	report := billing.PurchaseResult{Outcome: billing.PurchaseCancelled, ProductID: "pro.monthly"}
	if _, err := svc.Purchase(context.Background(), "install-1", "pro.monthly", report); err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}

	names := publisher.names()
	want := []core.EventName{core.EventPurchaseStarted, core.EventPurchaseCancelled}
	if len(names) != len(want) {
		t.Fatalf("published %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRestore_Completed(t *testing.T) {
	svc, publisher, _ := newTestService(t)

	report := billing.RestoreResult{
		Outcome:  billing.RestoreRestored,
		Products: []string{"pro.monthly"},
		Snapshot: &core.EntitlementSnapshot{
			Entitlements:  []string{"Pro"},
			Subscriptions: []string{"pro.monthly"},
			PeriodType:    core.PeriodNormal,
		},
	}
	if _, err := svc.Restore(context.Background(), "install-1", report); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	names := publisher.names()
	if len(names) < 2 || names[0] != core.EventRestoreStarted || names[1] != core.EventRestoreCompleted {
		t.Fatalf("published %v, want restore_started then restore_completed", names)
	}
}

func TestApplyEntitlements_ClassifiesTransition(t *testing.T) {
	svc, publisher, _ := newTestService(t)
	ctx := context.Background()

	classification, err := svc.ApplyEntitlements(ctx, "install-1", core.EntitlementSnapshot{
		Entitlements:  []string{"Pro"},
		Subscriptions: []string{"pro.monthly"},
		PeriodType:    core.PeriodNormal,
	})
	if err != nil {
		t.Fatalf("ApplyEntitlements() error = %v", err)
	}
	if classification.Transition != core.TransitionInitial {
		t.Fatalf("transition = %q, want initial", classification.Transition)
	}
	if !classification.IsSubscribed {
		t.Fatal("expected subscribed classification")
	}
	if len(publisher.events) == 0 {
		t.Fatal("expected subscription events to be published")
	}
}

func TestSubscriptionState_NoSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.SubscriptionState(context.Background(), "install-unknown")
	if !errors.Is(err, billing.ErrNoSnapshot) {
		t.Fatalf("error = %v, want ErrNoSnapshot", err)
	}
}

func TestSubscriptionState_DerivesClassification(t *testing.T) {
	svc, _, snapshots := newTestService(t)
	ctx := context.Background()

	snapshot := core.EntitlementSnapshot{
		Entitlements:  []string{"Pro"},
		Subscriptions: []string{"pro.monthly"},
		PeriodType:    core.PeriodTrial,
	}
	if err := snapshots.SaveSnapshot(ctx, "install-1", snapshot); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, classification, err := svc.SubscriptionState(ctx, "install-1")
	if err != nil {
		t.Fatalf("SubscriptionState() error = %v", err)
	}
	if !got.HasEntitlement("Pro") {
		t.Fatal("returned snapshot should carry the Pro entitlement")
	}
	if !classification.IsTrial {
		t.Fatal("expected trial classification")
	}
	if classification.SubscriptionType != core.SubscriptionTrial {
		t.Fatalf("subscription type = %q, want trial", classification.SubscriptionType)
	}
}

func TestEffectiveFlag_UsesTestingVariantWhenAhead(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.RefreshFlags(ctx)

	// Oracle says the build is ahead of the store, so the testing key wins.
	if svc.EffectiveFlag(ctx, "checkout_live", "checkout_testing") {
		t.Fatal("expected testing variant (false) to be effective")
	}
}

func TestRefreshFlags_ReturnsFreshSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)

	snapshot := svc.RefreshFlags(context.Background())
	if !snapshot.Fresh {
		t.Fatal("expected a fresh snapshot after refresh")
	}
	if !snapshot.Bool("checkout_live", false) {
		t.Fatal("expected checkout_live to be true")
	}
}
