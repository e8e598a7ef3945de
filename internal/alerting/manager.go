// Package alerting turns per-reading anomaly scores into a deduplicated
// alert lifecycle.
//
// Each sensor runs an independent state machine:
//
//	Quiet → Open → Escalated
//	          ↘      ↙
//	         Resolving → Resolved
//
// At most one non-resolved alert exists per sensor at any time; repeated
// anomalous readings update the existing alert's score history and severity
// instead of creating duplicates. Every state transition is handed exactly
// once to the configured emitter, which delivers it to sinks off the hot
// path.
package alerting

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ai/kestrel/internal/model"
)

// Config holds the state-machine thresholds. Zero values fall back to the
// documented defaults.
type Config struct {
	OpenThreshold       float64       // score at or above which a Quiet sensor opens an alert (default 0.7)
	EscalateThreshold   float64       // score counted toward escalation (default 0.9)
	EscalateConsecutive int           // consecutive high evaluations before Open → Escalated (default 3)
	ResolveThreshold    float64       // score below which an alert starts resolving (default 0.5)
	ResolveQuietCount   int           // consecutive quiet evaluations before Resolved (default 5)
	ResolveQuietPeriod  time.Duration // wall-clock alternative to ResolveQuietCount; used when non-zero
	ArchiveSize         int           // resolved alerts retained in memory (default 256)
}

func (c Config) withDefaults() Config {
	if c.OpenThreshold <= 0 {
		c.OpenThreshold = 0.7
	}
	if c.EscalateThreshold <= 0 {
		c.EscalateThreshold = 0.9
	}
	if c.EscalateConsecutive <= 0 {
		c.EscalateConsecutive = 3
	}
	if c.ResolveThreshold <= 0 {
		c.ResolveThreshold = 0.5
	}
	if c.ResolveQuietCount <= 0 {
		c.ResolveQuietCount = 5
	}
	if c.ArchiveSize <= 0 {
		c.ArchiveSize = 256
	}
	return c
}

// Emitter receives each computed transition exactly once. Implementations
// must not block: the manager calls Emit inline on the evaluation path.
type Emitter interface {
	Emit(alert model.Alert, kind model.TransitionKind)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(alert model.Alert, kind model.TransitionKind)

func (f EmitterFunc) Emit(alert model.Alert, kind model.TransitionKind) { f(alert, kind) }

// entry is the live state machine for one sensor. Guarded by its own mutex;
// the pipeline's per-sensor ordering makes evaluations single-writer, the
// mutex additionally protects concurrent queries.
type entry struct {
	mu             sync.Mutex
	alert          *model.Alert
	highStreak     int       // consecutive evaluations at or above the escalate threshold
	quietStreak    int       // consecutive evaluations below the resolve threshold while Resolving
	resolvingSince time.Time // reading timestamp when Resolving was entered
}

// Manager owns all per-sensor alert state machines.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	emitter Emitter

	mu      sync.RWMutex // guards the maps and archive, not individual entries
	entries map[string]*entry
	archive []model.Alert // most recent resolved alerts, oldest first, bounded
}

// NewManager creates an alert manager. emitter may be nil, in which case
// transitions are computed but not delivered anywhere (useful in tests that
// only assert on returned state).
func NewManager(cfg Config, logger *slog.Logger, emitter Emitter) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		emitter: emitter,
		entries: map[string]*entry{},
	}
}

// Evaluation is the outcome of folding one scored reading into the state
// machine. Alert is a copy of the sensor's alert after the evaluation, or
// nil when the sensor is quiet and stayed quiet.
type Evaluation struct {
	Transition model.TransitionKind // empty when no state change occurred
	Alert      *model.Alert
}

// Evaluate folds one scored reading into the sensor's state machine,
// emitting at most one transition. Evaluations for a given sensor must
// arrive in reading order; the pipeline guarantees this.
func (m *Manager) Evaluate(r model.Reading, score float64) Evaluation {
	e := m.getOrCreate(r.SensorID)

	e.mu.Lock()
	ev := m.evaluateLocked(e, r, score)
	var archived *model.Alert
	if ev.Alert != nil && ev.Alert.Resolved() {
		archived = ev.Alert
		e.alert = nil
	}
	e.mu.Unlock()

	if archived != nil {
		m.archiveAlert(r.SensorID, *archived)
	}
	if ev.Transition != "" && m.emitter != nil {
		m.emitter.Emit(*ev.Alert, ev.Transition)
	}
	return ev
}

func (m *Manager) evaluateLocked(e *entry, r model.Reading, score float64) Evaluation {
	if e.alert == nil {
		if score < m.cfg.OpenThreshold {
			return Evaluation{}
		}
		a := &model.Alert{
			ID:         uuid.New(),
			SensorID:   r.SensorID,
			SensorType: r.SensorType,
			State:      model.StateOpen,
			Severity:   model.SeverityForScore(score),
			OpenedAt:   r.Timestamp,
			Message:    model.AlertMessage(r, score),
		}
		a.RecordScore(r, score)
		e.alert = a
		e.highStreak = 0
		if score >= m.cfg.EscalateThreshold {
			e.highStreak = 1
		}
		m.logger.Warn("alert opened",
			"sensor_id", r.SensorID,
			"alert_id", a.ID,
			"severity", a.Severity,
			"score", score,
		)
		return Evaluation{Transition: model.TransitionOpened, Alert: copyAlert(a)}
	}

	a := e.alert
	a.RecordScore(r, score)
	a.Message = model.AlertMessage(r, score)

	switch a.State {
	case model.StateOpen, model.StateEscalated:
		if score < m.cfg.ResolveThreshold {
			a.State = model.StateResolving
			e.quietStreak = 1
			e.resolvingSince = r.Timestamp
			e.highStreak = 0
			return Evaluation{Transition: model.TransitionResolving, Alert: copyAlert(a)}
		}

		// Severity is recomputed on every update but never downgraded;
		// only resolution clears it.
		if sev := model.SeverityForScore(score); sev.AtLeast(a.Severity) {
			a.Severity = sev
		}

		if score >= m.cfg.EscalateThreshold {
			e.highStreak++
		} else {
			e.highStreak = 0
		}
		if a.State == model.StateOpen && e.highStreak >= m.cfg.EscalateConsecutive {
			a.State = model.StateEscalated
			m.logger.Warn("alert escalated",
				"sensor_id", a.SensorID,
				"alert_id", a.ID,
				"severity", a.Severity,
				"consecutive_high", e.highStreak,
			)
			return Evaluation{Transition: model.TransitionEscalated, Alert: copyAlert(a)}
		}
		return Evaluation{Alert: copyAlert(a)}

	case model.StateResolving:
		if score >= m.cfg.ResolveThreshold {
			// Same alert, not a fresh one: revert to Open with history intact.
			a.State = model.StateOpen
			e.quietStreak = 0
			e.highStreak = 0
			if score >= m.cfg.EscalateThreshold {
				e.highStreak = 1
			}
			if sev := model.SeverityForScore(score); sev.AtLeast(a.Severity) {
				a.Severity = sev
			}
			return Evaluation{Transition: model.TransitionReopened, Alert: copyAlert(a)}
		}

		e.quietStreak++
		if m.quietPeriodDone(e, r.Timestamp) {
			resolvedAt := r.Timestamp
			a.State = model.StateResolved
			a.ResolvedAt = &resolvedAt
			m.logger.Info("alert resolved",
				"sensor_id", a.SensorID,
				"alert_id", a.ID,
				"open_for", resolvedAt.Sub(a.OpenedAt),
			)
			return Evaluation{Transition: model.TransitionResolved, Alert: copyAlert(a)}
		}
		return Evaluation{Alert: copyAlert(a)}
	}

	return Evaluation{Alert: copyAlert(a)}
}

// quietPeriodDone reports whether the resolving quiet period has elapsed:
// wall-clock when configured, consecutive evaluations otherwise.
func (m *Manager) quietPeriodDone(e *entry, now time.Time) bool {
	if m.cfg.ResolveQuietPeriod > 0 {
		return now.Sub(e.resolvingSince) >= m.cfg.ResolveQuietPeriod
	}
	return e.quietStreak >= m.cfg.ResolveQuietCount
}

// Active returns a copy of the sensor's non-resolved alert, or nil.
func (m *Manager) Active(sensorID string) *model.Alert {
	m.mu.RLock()
	e := m.entries[sensorID]
	m.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyAlert(e.alert)
}

// Query returns alerts matching the filter: all active alerts, plus
// archived resolved ones when the filter asks for them. Results are copies.
func (m *Manager) Query(f model.AlertFilter) []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Alert
	for _, e := range m.entries {
		e.mu.Lock()
		if e.alert != nil && f.Matches(e.alert) {
			out = append(out, *copyAlert(e.alert))
		}
		e.mu.Unlock()
	}
	if f.IncludeResolved {
		for i := range m.archive {
			if f.Matches(&m.archive[i]) {
				out = append(out, m.archive[i])
			}
		}
	}
	return out
}

// OpenCount returns the number of non-resolved alerts, for metrics.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		e.mu.Lock()
		if e.alert != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (m *Manager) getOrCreate(sensorID string) *entry {
	m.mu.RLock()
	e := m.entries[sensorID]
	m.mu.RUnlock()
	if e != nil {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.entries[sensorID]; e != nil {
		return e
	}
	e = &entry{}
	m.entries[sensorID] = e
	return e
}

func (m *Manager) archiveAlert(sensorID string, a model.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archive = append(m.archive, a)
	if len(m.archive) > m.cfg.ArchiveSize {
		m.archive = m.archive[len(m.archive)-m.cfg.ArchiveSize:]
	}
	// Drop the empty entry so idle sensors do not accumulate state here;
	// a future anomaly recreates it.
	if e := m.entries[sensorID]; e != nil {
		e.mu.Lock()
		empty := e.alert == nil
		e.mu.Unlock()
		if empty {
			delete(m.entries, sensorID)
		}
	}
}

// copyAlert returns a deep copy so callers can never mutate live state.
func copyAlert(a *model.Alert) *model.Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.ScoreHistory = append([]float64(nil), a.ScoreHistory...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
