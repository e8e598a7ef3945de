package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/profile"
	"github.com/halcyon-ai/kestrel/internal/window"
)

func feed(t *testing.T, store *window.Store, sensorID string, values []float64) window.Snapshot {
	t.Helper()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var snap window.Snapshot
	for i, v := range values {
		var err error
		snap, err = store.Update(model.Reading{
			SensorID:   sensorID,
			SensorType: model.SensorTemperature,
			Value:      v,
			Unit:       "C",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	return snap
}

func TestZScoreInsufficientHistory(t *testing.T) {
	store := window.NewStore(16, time.Hour)
	scorer := NewZScore(5)

	snap := feed(t, store, "s1", []float64{10, 10, 99})
	score, features := scorer.Score(model.Reading{SensorID: "s1", Value: 99}, snap)
	assert.Zero(t, score, "count below min samples must score 0")
	assert.Zero(t, features[model.FeatureZScore])
}

func TestZScoreZeroStdDev(t *testing.T) {
	store := window.NewStore(16, time.Hour)
	scorer := NewZScore(5)

	snap := feed(t, store, "s1", []float64{10, 10, 10, 10, 10, 10})
	score, _ := scorer.Score(model.Reading{SensorID: "s1", Value: 10}, snap)
	assert.Zero(t, score, "zero stddev must score 0, not divide by zero")
}

func TestZScoreZeroOnlyAtMean(t *testing.T) {
	store := window.NewStore(16, time.Hour)
	scorer := NewZScore(5)

	snap := feed(t, store, "s1", []float64{10, 12, 10, 12, 10, 12})
	atMean, _ := scorer.Score(model.Reading{SensorID: "s1", Value: snap.Mean}, snap)
	assert.Zero(t, atMean)

	offMean, _ := scorer.Score(model.Reading{SensorID: "s1", Value: snap.Mean + 0.01}, snap)
	assert.Greater(t, offMean, 0.0, "any deviation from the mean must score above 0")
}

func TestZScoreSpikesAboveOpenThreshold(t *testing.T) {
	// Six steady readings then a large excursion: the post-update snapshot
	// includes the excursion, and the score must still clear 0.7.
	store := window.NewStore(16, time.Hour)
	scorer := NewZScore(5)

	snap := feed(t, store, "s1", []float64{10, 10, 10, 10, 10, 10, 50})
	score, features := scorer.Score(model.Reading{SensorID: "s1", Value: 50}, snap)
	assert.Greater(t, score, 0.7)
	assert.Greater(t, features[model.FeatureZScore], 2.0)
}

func TestZScoreSustainedExcursionStaysHigh(t *testing.T) {
	// Repeated anomalous values drag the rolling mean toward themselves;
	// the sharpened normalization must keep them scoring >= 0.9 while the
	// excursion is sustained.
	store := window.NewStore(64, time.Hour)
	values := []float64{10, 10, 10, 10, 10, 10}
	scorer := NewZScore(5)

	for range 4 {
		values = append(values, 50)
		store.Reset()
		snap := feed(t, store, "s1", values)
		score, _ := scorer.Score(model.Reading{SensorID: "s1", Value: 50}, snap)
		assert.GreaterOrEqual(t, score, 0.9, "excursion reading %d", len(values)-6)
	}
}

func TestZScoreRecoveryScoresLow(t *testing.T) {
	store := window.NewStore(64, time.Hour)
	values := []float64{10, 10, 10, 10, 10, 10, 50, 50, 50, 50}
	scorer := NewZScore(5)

	for range 5 {
		values = append(values, 10)
		store.Reset()
		snap := feed(t, store, "s1", values)
		score, _ := scorer.Score(model.Reading{SensorID: "s1", Value: 10}, snap)
		assert.Less(t, score, 0.5, "recovery reading %d", len(values)-10)
	}
}

func TestZScoreDeterministic(t *testing.T) {
	store := window.NewStore(16, time.Hour)
	scorer := NewZScore(5)
	snap := feed(t, store, "s1", []float64{10, 11, 9, 13, 8, 40})
	r := model.Reading{SensorID: "s1", Value: 40}

	s1, f1 := scorer.Score(r, snap)
	s2, f2 := scorer.Score(r, snap)
	assert.Equal(t, s1, s2)
	assert.Equal(t, f1, f2)
}

func TestProfileScorerRangeViolation(t *testing.T) {
	store := window.NewStore(16, time.Hour)
	scorer := NewProfileScorer(profile.Defaults(), NewZScore(5))

	// No history at all: a physically impossible temperature still scores 1.
	snap := feed(t, store, "s1", []float64{400})
	score, features := scorer.Score(model.Reading{
		SensorID:   "s1",
		SensorType: model.SensorTemperature,
		Value:      400,
	}, snap)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, 1.0, features[model.FeatureRangeViolation])
}

func TestProfileScorerInRangeDelegates(t *testing.T) {
	store := window.NewStore(16, time.Hour)
	base := NewZScore(5)
	scorer := NewProfileScorer(profile.Defaults(), base)

	snap := feed(t, store, "s1", []float64{20, 20, 20, 20, 20, 20})
	r := model.Reading{SensorID: "s1", SensorType: model.SensorTemperature, Value: 20}

	got, _ := scorer.Score(r, snap)
	want, _ := base.Score(r, snap)
	assert.Equal(t, want, got)
}

func TestProfileScorerUnknownTypeDelegates(t *testing.T) {
	store := window.NewStore(16, time.Hour)
	scorer := NewProfileScorer(profile.Defaults(), NewZScore(5))

	snap := feed(t, store, "s1", []float64{1e9})
	score, features := scorer.Score(model.Reading{
		SensorID:   "s1",
		SensorType: "flux", // no profile for this type
		Value:      1e9,
	}, snap)
	assert.Zero(t, score, "unprofiled type with short history falls through to the base scorer")
	assert.NotContains(t, features, model.FeatureRangeViolation)
}

func TestFuncAdapter(t *testing.T) {
	s := Func{
		ScorerName: "external",
		Fn: func(model.Reading, window.Snapshot) (float64, map[string]float64) {
			return 0.42, map[string]float64{"model_logit": 1.7}
		},
	}
	assert.Equal(t, "external", s.Name())
	score, features := s.Score(model.Reading{}, window.Snapshot{})
	assert.Equal(t, 0.42, score)
	assert.Equal(t, 1.7, features["model_logit"])
}
