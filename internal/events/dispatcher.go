// Package events fans normalized events out to registered tracker sinks.
// Fan-out is ordered and fire-and-forget: a failing sink is logged and
// counted, never retried, and never blocks delivery to the sinks after it.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Tangent-Apps/tangent-relay/internal/core"
)

// Sink receives normalized events. Implementations must only inspect the
// event's primitive properties; the relay guarantees no vendor types leak
// through.
type Sink interface {
	Name() string
	Record(ctx context.Context, installID string, event core.Event) error
}

// ConsentCheck reports whether tracking is allowed for an install. Sinks
// registered without the exempt option are skipped when the check fails.
type ConsentCheck func(ctx context.Context, installID string) bool

type registration struct {
	sink   Sink
	exempt bool
}

// Dispatcher is an ordered list of sinks invoked synchronously in sequence.
type Dispatcher struct {
	consent  ConsentCheck
	logger   *slog.Logger
	onRecord func(sink string)
	onError  func(sink string)

	mu    sync.RWMutex
	sinks []registration
}

// DispatcherOption configures optional Dispatcher parameters.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithSinkMetrics registers callbacks invoked per successful record and per
// sink failure (e.g. Prometheus counters).
func WithSinkMetrics(onRecord, onError func(sink string)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onRecord = onRecord
		d.onError = onError
	}
}

// NewDispatcher creates a Dispatcher. A nil consent check allows everything.
func NewDispatcher(consent ConsentCheck, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		consent: consent,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterOption configures a single sink registration.
type RegisterOption func(*registration)

// ConsentExempt marks a sink as receiving events regardless of the install's
// consent state. Used for the internal journal, which powers streaming and
// carries no third-party identifiers.
func ConsentExempt() RegisterOption {
	return func(r *registration) { r.exempt = true }
}

// Register appends a sink. Registration order is delivery order.
func (d *Dispatcher) Register(sink Sink, opts ...RegisterOption) {
	reg := registration{sink: sink}
	for _, opt := range opts {
		opt(&reg)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, reg)
}

// Publish delivers each event to every registered sink in order. Tracking
// sinks are skipped for installs without consent. Sink failures degrade to a
// log line and a counter; Publish itself never fails.
func (d *Dispatcher) Publish(ctx context.Context, installID string, events ...core.Event) {
	d.mu.RLock()
	sinks := append([]registration(nil), d.sinks...)
	d.mu.RUnlock()

	allowed := true
	if d.consent != nil {
		allowed = d.consent(ctx, installID)
	}

	for _, event := range events {
		for _, reg := range sinks {
			if !allowed && !reg.exempt {
				continue
			}

			if err := reg.sink.Record(ctx, installID, event); err != nil {
				if d.onError != nil {
					d.onError(reg.sink.Name())
				}
				d.logger.Warn("sink record failed",
					"sink", reg.sink.Name(),
					"event", string(event.Name),
					"install_id", installID,
					"error", err,
				)
				continue
			}

			if d.onRecord != nil {
				d.onRecord(reg.sink.Name())
			}
		}
	}
}
