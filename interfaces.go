package kestrel

import "context"

// Scorer replaces the built-in statistical scorer with an external model.
// Implementations must be deterministic for identical inputs and return a
// score in [0,1]; the per-type range checks still run in front of it.
type Scorer interface {
	// Name identifies the scorer in logs and alert metadata.
	Name() string
	// Score maps a reading and its post-update window snapshot to an
	// anomaly score and the features that contributed to it.
	Score(r Reading, snap WindowSnapshot) (float64, map[string]float64)
}

// Sink receives alert lifecycle updates from the retry dispatcher, in
// addition to (not instead of) the built-in sinks. Implementations must be
// safe for concurrent use; slow sinks delay retries but never block scoring.
type Sink interface {
	// Name identifies the sink in logs and delivery metrics.
	Name() string
	// Persist stores the alert's current state.
	Persist(ctx context.Context, alert Alert) error
	// Notify announces one lifecycle transition (see the Transition
	// constants).
	Notify(ctx context.Context, alert Alert, transition string) error
}
