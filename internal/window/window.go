// Package window maintains per-sensor rolling statistics over a bounded
// history of recent readings.
//
// Each sensor owns an independent state: a Welford-style running mean and
// variance plus a fixed-capacity ring of the most recent values. Updates are
// O(1) and never recompute from full history. States are created lazily on
// the first reading for a sensor and evicted after a configurable idle TTL
// so memory stays bounded under high sensor churn.
package window

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/halcyon-ai/kestrel/internal/model"
)

// ErrOutOfOrderReading is returned when a reading's timestamp precedes the
// last-seen timestamp for its sensor. The window state is left untouched;
// the caller decides whether to drop or log.
var ErrOutOfOrderReading = errors.New("window: out-of-order reading")

// ErrUnknownSensor is returned by Snapshot for a sensor with no window state.
var ErrUnknownSensor = errors.New("window: unknown sensor")

// Snapshot is an immutable view of a sensor's window handed to scorers.
type Snapshot struct {
	SensorID    string
	Mean        float64
	StdDev      float64
	Count       int64
	LastValues  []float64 // oldest to newest, at most the ring capacity
	LastSeen    time.Time
	WindowStart time.Time
}

// state is the mutable window for one sensor. Guarded by its own mutex so
// no lock is shared across sensors; within a sensor the pipeline already
// enforces single-writer discipline, the mutex additionally protects
// concurrent diagnostic snapshots.
type state struct {
	mu       sync.Mutex
	count    int64
	mean     float64
	m2       float64 // sum of squared deviations (Welford)
	ring     []float64
	pos      int
	filled   int
	lastSeen time.Time
	start    time.Time
}

// Store owns all per-sensor window states.
type Store struct {
	capacity int
	idleTTL  time.Duration

	mu     sync.RWMutex // guards the states map, not individual states
	states map[string]*state
}

// NewStore creates a window store. capacity is the ring size (last-N
// values); idleTTL is how long a sensor may stay silent before its state is
// evicted by Evict.
func NewStore(capacity int, idleTTL time.Duration) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		idleTTL:  idleTTL,
		states:   map[string]*state{},
	}
}

// Update folds a reading into its sensor's window and returns the snapshot
// the scorer should see. Readings must arrive in non-decreasing timestamp
// order per sensor; a stale timestamp returns ErrOutOfOrderReading without
// mutating anything.
func (s *Store) Update(r model.Reading) (Snapshot, error) {
	st := s.getOrCreate(r.SensorID, r.Timestamp)

	st.mu.Lock()
	defer st.mu.Unlock()

	if r.Timestamp.Before(st.lastSeen) {
		return Snapshot{}, fmt.Errorf("%w: sensor %q at %s precedes %s",
			ErrOutOfOrderReading, r.SensorID, r.Timestamp.Format(time.RFC3339Nano), st.lastSeen.Format(time.RFC3339Nano))
	}

	// Welford's incremental update.
	st.count++
	delta := r.Value - st.mean
	st.mean += delta / float64(st.count)
	st.m2 += delta * (r.Value - st.mean)

	// Ring push, evicting the oldest value on overflow.
	st.ring[st.pos] = r.Value
	st.pos = (st.pos + 1) % s.capacity
	if st.filled < s.capacity {
		st.filled++
	}

	st.lastSeen = r.Timestamp
	return st.snapshotLocked(r.SensorID), nil
}

// Snapshot returns the current window view for a sensor without mutating it.
func (s *Store) Snapshot(sensorID string) (Snapshot, error) {
	s.mu.RLock()
	st := s.states[sensorID]
	s.mu.RUnlock()
	if st == nil {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownSensor, sensorID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked(sensorID), nil
}

// Evict removes sensor states whose last reading is older than the idle TTL
// at the given instant. Returns the number of evicted sensors. Intended to
// run on a periodic cadence, not per reading.
func (s *Store) Evict(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, st := range s.states {
		st.mu.Lock()
		idle := st.lastSeen.Before(cutoff)
		st.mu.Unlock()
		if idle {
			delete(s.states, id)
			evicted++
		}
	}
	return evicted
}

// Reset discards all window state. Replaying the same ordered reading
// sequence after Reset yields identical snapshots and scores.
func (s *Store) Reset() {
	s.mu.Lock()
	s.states = map[string]*state{}
	s.mu.Unlock()
}

// Len returns the number of tracked sensors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func (s *Store) getOrCreate(sensorID string, ts time.Time) *state {
	s.mu.RLock()
	st := s.states[sensorID]
	s.mu.RUnlock()
	if st != nil {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st = s.states[sensorID]; st != nil {
		return st
	}
	st = &state{
		ring:  make([]float64, s.capacity),
		start: ts,
	}
	s.states[sensorID] = st
	return st
}

// snapshotLocked builds an immutable snapshot. Caller holds st.mu.
func (st *state) snapshotLocked(sensorID string) Snapshot {
	values := make([]float64, st.filled)
	// Oldest value sits at pos when the ring is full, at index 0 otherwise.
	startIdx := 0
	if st.filled == len(st.ring) {
		startIdx = st.pos
	}
	for i := range values {
		values[i] = st.ring[(startIdx+i)%len(st.ring)]
	}

	variance := 0.0
	if st.count > 0 {
		variance = st.m2 / float64(st.count)
	}
	if variance < 0 {
		variance = 0 // guard against float drift
	}

	return Snapshot{
		SensorID:    sensorID,
		Mean:        st.mean,
		StdDev:      math.Sqrt(variance),
		Count:       st.count,
		LastValues:  values,
		LastSeen:    st.lastSeen,
		WindowStart: st.start,
	}
}
