// Package profile defines per-sensor-type operating profiles: the hard
// physical range a reading of that type can plausibly take, and the unit it
// is normally reported in. Profiles let the scorer flag readings that are
// impossible for the sensor class (a thermometer reporting 400 °C) even
// before enough window history exists for statistical scoring.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/halcyon-ai/kestrel/internal/model"
)

// Profile is the expected envelope for one sensor type.
type Profile struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Unit string  `yaml:"unit"`
}

// Contains reports whether v lies inside the profile's hard range.
func (p Profile) Contains(v float64) bool {
	return v >= p.Min && v <= p.Max
}

// Set maps sensor types to their profiles.
type Set struct {
	profiles map[model.SensorType]Profile
}

// Defaults returns the built-in profiles for the known sensor types.
func Defaults() *Set {
	return &Set{profiles: map[model.SensorType]Profile{
		model.SensorTemperature: {Min: -40, Max: 85, Unit: "C"},
		model.SensorHumidity:    {Min: 0, Max: 100, Unit: "%"},
		model.SensorPressure:    {Min: 870, Max: 1085, Unit: "hPa"},
		model.SensorVibration:   {Min: 0, Max: 50, Unit: "mm/s"},
		model.SensorPower:       {Min: 0, Max: 100000, Unit: "W"},
	}}
}

// LoadFile reads profiles from a YAML file keyed by sensor type:
//
//	temperature:
//	  min: -40
//	  max: 85
//	  unit: C
//
// File entries are merged over the defaults, so a partial file only
// overrides the types it names.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}

	var raw map[model.SensorType]Profile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}

	set := Defaults()
	for t, p := range raw {
		if p.Max < p.Min {
			return nil, fmt.Errorf("profile: %s: max %v below min %v", t, p.Max, p.Min)
		}
		set.profiles[t] = p
	}
	return set, nil
}

// Lookup returns the profile for a sensor type, if one is configured.
func (s *Set) Lookup(t model.SensorType) (Profile, bool) {
	if s == nil {
		return Profile{}, false
	}
	p, ok := s.profiles[t]
	return p, ok
}

// Len returns the number of configured profiles.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.profiles)
}
