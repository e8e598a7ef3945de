package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity ranks an alert by how far the anomaly score sits above the open
// threshold.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForScore maps an anomaly score to a severity bucket:
//
//	[0.70, 0.80) low
//	[0.80, 0.90) medium
//	[0.90, 0.97) high
//	[0.97, 1.00] critical
//
// Scores below 0.70 carry no severity; callers only invoke this for scores
// at or above the open threshold, but a defined floor keeps the mapping total.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 0.97:
		return SeverityCritical
	case score >= 0.90:
		return SeverityHigh
	case score >= 0.80:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// rank orders severities for monotonic comparison. Severity is recomputed
// on every update but never implicitly downgraded while an alert is open.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// AlertState is the lifecycle state of a sensor's alert.
type AlertState string

const (
	StateQuiet     AlertState = "quiet"
	StateOpen      AlertState = "open"
	StateEscalated AlertState = "escalated"
	StateResolving AlertState = "resolving"
	StateResolved  AlertState = "resolved"
)

// TransitionKind names a state-machine edge delivered to sinks.
type TransitionKind string

const (
	TransitionOpened    TransitionKind = "opened"
	TransitionEscalated TransitionKind = "escalated"
	TransitionResolving TransitionKind = "resolving"
	TransitionReopened  TransitionKind = "reopened"
	TransitionResolved  TransitionKind = "resolved"
)

// MaxScoreHistory bounds the per-alert score history so long-lived alerts
// do not grow without limit.
const MaxScoreHistory = 64

// Alert is the lifecycle record for a sensor's anomalous condition. At most
// one non-resolved alert exists per sensor at any time; repeated anomalous
// readings update the existing record. Alerts hold only reading-derived
// fields, never the reading itself.
type Alert struct {
	ID           uuid.UUID  `json:"id"`
	SensorID     string     `json:"sensor_id"`
	SensorType   SensorType `json:"sensor_type"`
	State        AlertState `json:"state"`
	Severity     Severity   `json:"severity"`
	OpenedAt     time.Time  `json:"opened_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	LastValue    float64    `json:"last_value"`
	LastScore    float64    `json:"last_score"`
	ScoreHistory []float64  `json:"score_history"`
	Message      string     `json:"message"`
}

// Resolved reports whether the alert has completed its lifecycle.
func (a *Alert) Resolved() bool {
	return a.State == StateResolved
}

// RecordScore appends score to the bounded history and updates the derived
// last-seen fields from the reading that produced it.
func (a *Alert) RecordScore(r Reading, score float64) {
	a.LastSeenAt = r.Timestamp
	a.LastValue = r.Value
	a.LastScore = score
	a.ScoreHistory = append(a.ScoreHistory, score)
	if len(a.ScoreHistory) > MaxScoreHistory {
		a.ScoreHistory = a.ScoreHistory[len(a.ScoreHistory)-MaxScoreHistory:]
	}
}

// AlertMessage builds the human-readable alert summary stored on the alert
// and forwarded to sinks.
func AlertMessage(r Reading, score float64) string {
	return fmt.Sprintf("%s reading %.4g%s scored %.3f", r.SensorType, r.Value, r.Unit, score)
}

// AlertFilter narrows alert queries. Zero values match everything.
type AlertFilter struct {
	SensorID        string
	Severity        Severity
	IncludeResolved bool
}

// Matches reports whether a satisfies the filter.
func (f AlertFilter) Matches(a *Alert) bool {
	if f.SensorID != "" && a.SensorID != f.SensorID {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if !f.IncludeResolved && a.Resolved() {
		return false
	}
	return true
}
