package model

import "time"

// Feature keys reported by the built-in scorers.
const (
	FeatureZScore         = "z_score"
	FeatureMean           = "mean"
	FeatureStdDev         = "stddev"
	FeatureDelta          = "delta"
	FeatureRangeViolation = "range_violation"
)

// ScoreResult is the outcome of scoring a single reading against its
// window. Transient: evaluated by the alert manager and then discarded.
type ScoreResult struct {
	SensorID  string
	Timestamp time.Time
	Score     float64 // normalized to [0,1]
	Features  map[string]float64
}
