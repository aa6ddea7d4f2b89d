package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by stores when no consent state exists yet for an
// install.
var ErrNotFound = errors.New("consent state not found")

// Registry hands out one gate per install, loading persisted state on first
// use. Dependents registered on the registry are attached to every gate it
// creates, in registration order.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	gates     map[string]*Gate
	listeners []func(installID string) Listener
}

// NewRegistry creates a Registry backed by the given store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		gates:  make(map[string]*Gate),
	}
}

// OnConsentChanged registers a dependent factory applied to every gate the
// registry creates. The factory receives the install id and returns the
// listener to attach, so dependents can scope their reaction per install.
func (r *Registry) OnConsentChanged(factory func(installID string) Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, factory)
	for installID, gate := range r.gates {
		gate.OnConsentChanged(factory(installID))
	}
}

// Gate returns the gate for installID, creating it from persisted state on
// first use. A missing persisted record initializes as not_determined.
func (r *Registry) Gate(ctx context.Context, installID string) (*Gate, error) {
	r.mu.Lock()
	if gate, ok := r.gates[installID]; ok {
		r.mu.Unlock()
		return gate, nil
	}
	r.mu.Unlock()

	status, prompted := StatusNotDetermined, false
	if r.store != nil {
		loaded, loadedPrompted, err := r.store.LoadConsent(ctx, installID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load consent state for %q: %w", installID, err)
		default:
			status, prompted = loaded, loadedPrompted
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gate, ok := r.gates[installID]; ok {
		// Lost the construction race; the winner's gate is authoritative.
		return gate, nil
	}

	gate := NewGate(installID, status, prompted, r.store, r.logger)
	for _, factory := range r.listeners {
		gate.OnConsentChanged(factory(installID))
	}
	r.gates[installID] = gate

	return gate, nil
}
