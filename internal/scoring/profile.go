package scoring

import (
	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/profile"
	"github.com/halcyon-ai/kestrel/internal/window"
)

// ProfileScorer wraps a base scorer with per-sensor-type hard-range checks.
// A reading outside its type's configured physical range scores 1.0
// immediately, regardless of window history, so impossible values are
// flagged even for a brand-new sensor. In-range readings fall through to
// the base scorer.
type ProfileScorer struct {
	profiles *profile.Set
	base     Scorer
}

// NewProfileScorer wraps base with range checks from the given profile set.
func NewProfileScorer(profiles *profile.Set, base Scorer) *ProfileScorer {
	return &ProfileScorer{profiles: profiles, base: base}
}

func (p *ProfileScorer) Name() string { return "profile+" + p.base.Name() }

func (p *ProfileScorer) Score(r model.Reading, snap window.Snapshot) (float64, map[string]float64) {
	if prof, ok := p.profiles.Lookup(r.SensorType); ok && !prof.Contains(r.Value) {
		_, features := p.base.Score(r, snap)
		if features == nil {
			features = map[string]float64{}
		}
		features[model.FeatureRangeViolation] = 1
		return 1, features
	}
	return p.base.Score(r, snap)
}
