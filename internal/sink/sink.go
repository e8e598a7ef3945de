// Package sink delivers alert transitions and readings to external systems.
//
// Sinks sit behind a retry dispatcher so that a slow or failing downstream
// never blocks the scoring path: the pipeline hands transitions to the
// dispatcher and moves on. Delivery is at-least-once per transition while
// the dispatcher queue has capacity; when it fills, transitions are dropped,
// counted, and the sink is reported degraded.
package sink

import (
	"context"
	"errors"

	"github.com/halcyon-ai/kestrel/internal/model"
)

// Sink receives alert lifecycle updates. Persist stores the alert's current
// state; Notify announces a specific transition. Implementations must be
// safe for concurrent use.
type Sink interface {
	Name() string
	Persist(ctx context.Context, alert model.Alert) error
	Notify(ctx context.Context, alert model.Alert, kind model.TransitionKind) error
}

// Multi fans a delivery out to several sinks, attempting every sink even
// when an earlier one fails.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks into one. A single sink is returned unwrapped.
func NewMulti(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Persist(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Persist(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Notify(ctx context.Context, alert model.Alert, kind model.TransitionKind) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, alert, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
