// Package consent owns the tracking-consent decision for each install. A
// gate holds the single source of truth for one install's consent state and
// fans a decision out to every registered dependent exactly once per
// transition out of the undetermined state.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Status is a tracking-consent state, mirroring the OS-level authorization
// states reported by the device.
type Status string

const (
	StatusNotDetermined Status = "not_determined"
	StatusRestricted    Status = "restricted"
	StatusDenied        Status = "denied"
	StatusAuthorized    Status = "authorized"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusNotDetermined, StatusRestricted, StatusDenied, StatusAuthorized:
		return true
	}
	return false
}

// Authorized reports whether s grants tracking.
func (s Status) Authorized() bool {
	return s == StatusAuthorized
}

// ErrPromptFailed reports that the permission prompt could not be completed.
// The gate's state is unchanged and the prompt may be retried by the caller.
var ErrPromptFailed = errors.New("permission prompt failed")

// Prompter performs the one OS-level permission prompt. It is an external
// collaborator: in the relay the device answers the prompt and reports the
// outcome.
type Prompter interface {
	RequestAuthorization(ctx context.Context) (Status, error)
}

// Store persists the consent state and the prompted marker per install.
type Store interface {
	LoadConsent(ctx context.Context, installID string) (Status, bool, error)
	SaveConsent(ctx context.Context, installID string, status Status, prompted bool) error
}

// Listener is notified once with the decided state when the consent decision
// lands. Dependents that only care about whether tracking is granted can call
// Status.Authorized on the value.
type Listener func(decided Status)

// Gate is the consent state machine for a single install. State mutates only
// through RequestPermission; everything else is read-only.
type Gate struct {
	installID string
	store     Store
	logger    *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	status    Status
	prompted  bool
	listeners []Listener
}

// NewGate creates a gate with the given initial state. The initial status is
// ground truth from persisted state (or the device report at startup);
// invalid values degrade to not_determined.
func NewGate(installID string, initial Status, prompted bool, store Store, logger *slog.Logger) *Gate {
	if !initial.Valid() {
		initial = StatusNotDetermined
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		installID: installID,
		store:     store,
		logger:    logger,
		status:    initial,
		prompted:  prompted,
	}
}

// Status returns the current consent state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// IsTrackingAllowed reports whether tracking is currently authorized.
func (g *Gate) IsTrackingAllowed() bool {
	return g.Status().Authorized()
}

// CanRequest reports whether a permission prompt would actually be shown.
func (g *Gate) CanRequest() bool {
	return g.Status() == StatusNotDetermined
}

// OnConsentChanged registers a dependent to be notified when the decision
// lands. Registration is append-only; dependents are invoked in registration
// order. A dependent registered after the decision never fires.
func (g *Gate) OnConsentChanged(listener Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, listener)
}

// RequestPermission resolves the consent decision. When the state is already
// determined it returns immediately without prompting. Otherwise it performs
// exactly one prompt via the given prompter, persists the outcome, and
// notifies every registered dependent exactly once in registration order.
// Concurrent callers are collapsed onto a single in-flight prompt and all
// observe the same result.
func (g *Gate) RequestPermission(ctx context.Context, prompter Prompter) (Status, error) {
	if current := g.Status(); current != StatusNotDetermined {
		return current, nil
	}

	result, err, _ := g.group.Do("prompt", func() (any, error) {
		// A racing caller may have completed the transition already.
		if current := g.Status(); current != StatusNotDetermined {
			return current, nil
		}

		decided, err := prompter.RequestAuthorization(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPromptFailed, err)
		}
		if !decided.Valid() || decided == StatusNotDetermined {
			return nil, fmt.Errorf("%w: prompt returned %q", ErrPromptFailed, decided)
		}

		g.mu.Lock()
		g.status = decided
		g.prompted = true
		listeners := append([]Listener(nil), g.listeners...)
		g.mu.Unlock()

		if g.store != nil {
			if err := g.store.SaveConsent(ctx, g.installID, decided, true); err != nil {
				g.logger.Error("persist consent state", "install_id", g.installID, "error", err)
			}
		}

		for _, listener := range listeners {
			listener(decided)
		}

		g.logger.Info("consent decided",
			"install_id", g.installID,
			"status", string(decided),
			"dependents", len(listeners),
		)

		return decided, nil
	})
	if err != nil {
		return StatusNotDetermined, err
	}

	return result.(Status), nil
}

// Prompted reports whether a prompt has completed before for this install.
// Defense in depth: the persisted state is authoritative for initialization,
// the device's report stays ground truth.
func (g *Gate) Prompted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompted
}
