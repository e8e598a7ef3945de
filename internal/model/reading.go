// Package model defines the core domain types shared across the ingestion
// pipeline: readings, anomaly scores, and alerts. Types here are plain
// structs with no behavior beyond validation and derivation helpers so the
// pipeline, window store, and alert manager stay independently testable.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidReading is returned when a reading fails validation. It is
// wrapped with detail by Validate; match with errors.Is.
var ErrInvalidReading = errors.New("model: invalid reading")

// SensorType classifies the physical quantity a sensor measures.
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
	SensorPressure    SensorType = "pressure"
	SensorVibration   SensorType = "vibration"
	SensorPower       SensorType = "power"
)

// KnownSensorType reports whether t is one of the built-in sensor types.
// Unknown types are still ingested; they just have no profile defaults.
func KnownSensorType(t SensorType) bool {
	switch t {
	case SensorTemperature, SensorHumidity, SensorPressure, SensorVibration, SensorPower:
		return true
	}
	return false
}

// Reading is one timestamped sensor observation. Immutable once created:
// the pipeline copies derived fields into alerts and never retains the
// reading itself.
type Reading struct {
	SensorID   string            `json:"sensor_id"`
	SensorType SensorType        `json:"sensor_type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Location   string            `json:"location,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the structural invariants the pipeline relies on:
// non-empty sensor ID, a finite value, and a non-zero timestamp.
// Ordering relative to previously ingested readings is checked later by
// the window store, not here.
func (r Reading) Validate() error {
	if r.SensorID == "" {
		return fmt.Errorf("%w: empty sensor_id", ErrInvalidReading)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: non-finite value for sensor %q", ErrInvalidReading, r.SensorID)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp for sensor %q", ErrInvalidReading, r.SensorID)
	}
	return nil
}
