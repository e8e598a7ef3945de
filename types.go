package kestrel

import (
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/pipeline"
	"github.com/halcyon-ai/kestrel/internal/window"
)

// Sentinel errors surfaced by Ingest. Test with errors.Is.
var (
	// ErrInvalidReading marks a reading rejected by validation before any
	// state changed.
	ErrInvalidReading = model.ErrInvalidReading

	// ErrOutOfOrderReading marks a reading older than its sensor's last
	// accepted reading. The window and alert state are untouched.
	ErrOutOfOrderReading = window.ErrOutOfOrderReading

	// ErrOverloaded marks backpressure: the sensor's pending queue is full
	// and the reading was not buffered. Callers may retry.
	ErrOverloaded = pipeline.ErrOverloaded

	// ErrClosed marks an Ingest after Shutdown.
	ErrClosed = pipeline.ErrClosed
)

// Reading is one sensor measurement submitted for scoring.
type Reading struct {
	SensorID   string            `json:"sensor_id"`
	SensorType string            `json:"sensor_type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Location   string            `json:"location,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// WindowSnapshot is an immutable view of a sensor's rolling statistics.
type WindowSnapshot struct {
	SensorID   string
	Mean       float64
	StdDev     float64
	Count      int64
	LastValues []float64 // oldest to newest, bounded by the window capacity
	LastSeen   time.Time
}

// Severity buckets, ordered low to critical.
const (
	SeverityLow      = string(model.SeverityLow)
	SeverityMedium   = string(model.SeverityMedium)
	SeverityHigh     = string(model.SeverityHigh)
	SeverityCritical = string(model.SeverityCritical)
)

// Alert lifecycle states.
const (
	StateOpen      = string(model.StateOpen)
	StateEscalated = string(model.StateEscalated)
	StateResolving = string(model.StateResolving)
	StateResolved  = string(model.StateResolved)
)

// Transition kinds reported on Outcome and delivered to sinks.
const (
	TransitionOpened    = string(model.TransitionOpened)
	TransitionEscalated = string(model.TransitionEscalated)
	TransitionResolving = string(model.TransitionResolving)
	TransitionReopened  = string(model.TransitionReopened)
	TransitionResolved  = string(model.TransitionResolved)
)

// Alert is the public view of a sensor's alert lifecycle record.
type Alert struct {
	ID           uuid.UUID  `json:"id"`
	SensorID     string     `json:"sensor_id"`
	SensorType   string     `json:"sensor_type"`
	State        string     `json:"state"`
	Severity     string     `json:"severity"`
	OpenedAt     time.Time  `json:"opened_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	LastValue    float64    `json:"last_value"`
	LastScore    float64    `json:"last_score"`
	ScoreHistory []float64  `json:"score_history"`
	Message      string     `json:"message"`
}

// AlertFilter narrows OpenAlerts results. Zero values match everything.
type AlertFilter struct {
	SensorID        string
	Severity        string
	IncludeResolved bool
}

// Outcome is the result of scoring one reading.
type Outcome struct {
	Score      float64
	Features   map[string]float64
	Transition string // empty when the reading caused no state change
	Alert      *Alert // nil while the sensor is quiet
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Accepted        int64
	Rejected        int64
	Overloaded      int64
	Processed       int64
	QueueDepth      int
	Sensors         int
	OpenAlerts      int
	SinkDelivered   int64
	SinkDropped     int64
	SinkDeadLetters int64
	SinkDegraded    bool
}

// ── Type converters ────────────────────────────────────────────────────────────

// toInternalReading converts a public Reading to the internal model. Lives
// here because this package is the only one that sees both sides of the
// boundary.
func toInternalReading(r Reading) model.Reading {
	return model.Reading{
		SensorID:   r.SensorID,
		SensorType: model.SensorType(r.SensorType),
		Value:      r.Value,
		Unit:       r.Unit,
		Location:   r.Location,
		Timestamp:  r.Timestamp,
		Metadata:   r.Metadata,
	}
}

func toPublicAlert(a *model.Alert) *Alert {
	if a == nil {
		return nil
	}
	return &Alert{
		ID:           a.ID,
		SensorID:     a.SensorID,
		SensorType:   string(a.SensorType),
		State:        string(a.State),
		Severity:     string(a.Severity),
		OpenedAt:     a.OpenedAt,
		LastSeenAt:   a.LastSeenAt,
		ResolvedAt:   a.ResolvedAt,
		LastValue:    a.LastValue,
		LastScore:    a.LastScore,
		ScoreHistory: append([]float64(nil), a.ScoreHistory...),
		Message:      a.Message,
	}
}

func toPublicSnapshot(s window.Snapshot) WindowSnapshot {
	return WindowSnapshot{
		SensorID:   s.SensorID,
		Mean:       s.Mean,
		StdDev:     s.StdDev,
		Count:      s.Count,
		LastValues: s.LastValues,
		LastSeen:   s.LastSeen,
	}
}
