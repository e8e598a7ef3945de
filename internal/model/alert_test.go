package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeverityForScoreBuckets(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{0.70, SeverityLow},
		{0.75, SeverityLow},
		{0.7999, SeverityLow},
		{0.80, SeverityMedium},
		{0.85, SeverityMedium},
		{0.8999, SeverityMedium},
		{0.90, SeverityHigh},
		{0.95, SeverityHigh},
		{0.9699, SeverityHigh},
		{0.97, SeverityCritical},
		{0.99, SeverityCritical},
		{1.00, SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SeverityForScore(tc.score), "score %v", tc.score)
	}
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
}

func TestRecordScoreBoundsHistory(t *testing.T) {
	a := Alert{}
	r := Reading{SensorID: "s1", Value: 42, Timestamp: time.Now().UTC()}
	for i := range MaxScoreHistory + 10 {
		a.RecordScore(r, float64(i))
	}
	assert.Len(t, a.ScoreHistory, MaxScoreHistory)
	assert.Equal(t, float64(MaxScoreHistory+9), a.ScoreHistory[len(a.ScoreHistory)-1])
	assert.Equal(t, 42.0, a.LastValue)
}
