// Package scoring converts a reading plus its window snapshot into an
// anomaly score in [0,1].
//
// Scorers are deterministic pure functions of their inputs: no hidden state,
// no clock access. Replaying the same reading sequence through a fresh
// window store therefore yields identical scores, which keeps the whole
// pipeline reproducible in tests.
package scoring

import (
	"math"

	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/window"
)

// Scorer converts a reading and its window snapshot into an anomaly score
// and the features that contributed to it.
type Scorer interface {
	// Name identifies the scorer in logs and alert metadata.
	Name() string
	// Score returns a score in [0,1]. Implementations must be
	// deterministic given identical inputs.
	Score(r model.Reading, snap window.Snapshot) (float64, map[string]float64)
}

// Func adapts a plain function to the Scorer interface, for externally
// supplied model-backed scorers.
type Func struct {
	ScorerName string
	Fn         func(r model.Reading, snap window.Snapshot) (float64, map[string]float64)
}

func (f Func) Name() string { return f.ScorerName }

func (f Func) Score(r model.Reading, snap window.Snapshot) (float64, map[string]float64) {
	return f.Fn(r, snap)
}

// Default statistical scorer parameters.
const (
	// DefaultSaturationZ is the |z| at which the baseline score saturates
	// to 1.0. The rolling mean absorbs anomalous values as they arrive, so
	// a sustained excursion settles near |z| ≈ 1.2 even when it is far
	// outside the pre-excursion envelope; saturating at 1.25 keeps such
	// excursions scoring high for the alert manager.
	DefaultSaturationZ = 1.25

	// DefaultSharpness is the exponent applied to the normalized deviation.
	// It suppresses routine sub-σ fluctuation toward 0 while leaving the
	// score strictly positive for any value that differs from the mean.
	DefaultSharpness = 4.0
)

// ZScore is the statistical baseline scorer: normalized deviation of the
// reading from the window's rolling mean, sharpened and clipped to [0,1].
//
//	score = min(1, (|value-mean| / (stddev * SaturationZ))^Sharpness)
//
// With fewer than MinSamples readings, or a zero standard deviation, the
// score is 0: there is no history to deviate from. A zero stddev can only
// occur when the reading equals every value in the window, so a score of 0
// with eligible history implies the value equals the rolling mean.
type ZScore struct {
	MinSamples  int
	SaturationZ float64
	Sharpness   float64
}

// NewZScore creates the baseline scorer with default normalization.
func NewZScore(minSamples int) *ZScore {
	return &ZScore{
		MinSamples:  minSamples,
		SaturationZ: DefaultSaturationZ,
		Sharpness:   DefaultSharpness,
	}
}

func (z *ZScore) Name() string { return "zscore" }

func (z *ZScore) Score(r model.Reading, snap window.Snapshot) (float64, map[string]float64) {
	features := map[string]float64{
		model.FeatureMean:   snap.Mean,
		model.FeatureStdDev: snap.StdDev,
		model.FeatureDelta:  r.Value - snap.Mean,
	}

	if snap.Count < int64(z.MinSamples) || snap.StdDev == 0 {
		features[model.FeatureZScore] = 0
		return 0, features
	}

	zs := math.Abs(r.Value-snap.Mean) / snap.StdDev
	features[model.FeatureZScore] = zs

	satZ := z.SaturationZ
	if satZ <= 0 {
		satZ = DefaultSaturationZ
	}
	sharp := z.Sharpness
	if sharp <= 0 {
		sharp = DefaultSharpness
	}

	score := math.Pow(zs/satZ, sharp)
	if score > 1 {
		score = 1
	}
	return score, features
}
