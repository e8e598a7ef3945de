package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/kestrel/internal/alerting"
	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/scoring"
	"github.com/halcyon-ai/kestrel/internal/sink"
	"github.com/halcyon-ai/kestrel/internal/window"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureEmitter struct {
	mu    sync.Mutex
	kinds []model.TransitionKind
}

func (c *captureEmitter) Emit(_ model.Alert, kind model.TransitionKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func (c *captureEmitter) transitions() []model.TransitionKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.TransitionKind(nil), c.kinds...)
}

// fixture wires a real store, scorer, and manager behind a pipeline.
type fixture struct {
	store    *window.Store
	manager  *alerting.Manager
	emitter  *captureEmitter
	pipeline *Pipeline
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		store:   window.NewStore(64, time.Hour),
		emitter: &captureEmitter{},
	}
	f.manager = alerting.NewManager(alerting.Config{}, testLogger(), f.emitter)
	f.pipeline = New(f.store, scoring.NewZScore(5), f.manager, nil, testLogger(), cfg)
	return f
}

func reading(sensorID string, value float64, offset time.Duration) model.Reading {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return model.Reading{
		SensorID:   sensorID,
		SensorType: model.SensorTemperature,
		Value:      value,
		Unit:       "C",
		Timestamp:  base.Add(offset),
	}
}

func TestAlertLifecycleEndToEnd(t *testing.T) {
	f := newFixture(Config{Workers: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.pipeline.Start(ctx)
	defer f.pipeline.Drain(ctx)

	ingest := func(i int, value float64) Result {
		res, err := f.pipeline.Ingest(ctx, reading("s1", value, time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, res.Err)
		return res
	}

	// Steady baseline: no alert.
	for i := range 6 {
		res := ingest(i, 10)
		assert.Nil(t, res.Evaluation.Alert)
	}

	// Sustained excursion: the first spike opens, the third escalates, and
	// every excursion reading keeps scoring high even as the rolling mean
	// absorbs the new level.
	res := ingest(6, 50)
	require.Greater(t, res.Score.Score, 0.7)
	require.Equal(t, model.TransitionOpened, res.Evaluation.Transition)
	alertID := res.Evaluation.Alert.ID

	res = ingest(7, 50)
	require.GreaterOrEqual(t, res.Score.Score, 0.9)
	require.Equal(t, alertID, res.Evaluation.Alert.ID, "sustained excursion must not open a duplicate alert")

	res = ingest(8, 50)
	require.Equal(t, model.TransitionEscalated, res.Evaluation.Transition)

	res = ingest(9, 50)
	require.GreaterOrEqual(t, res.Score.Score, 0.9)
	require.Equal(t, model.StateEscalated, res.Evaluation.Alert.State)

	// Recovery: scores drop below the resolve threshold immediately and the
	// fifth quiet evaluation resolves the alert.
	res = ingest(10, 10)
	require.Less(t, res.Score.Score, 0.5)
	require.Equal(t, model.TransitionResolving, res.Evaluation.Transition)

	for i := 11; i < 14; i++ {
		res = ingest(i, 10)
		require.Less(t, res.Score.Score, 0.5)
		require.Empty(t, res.Evaluation.Transition)
	}
	res = ingest(14, 10)
	require.Equal(t, model.TransitionResolved, res.Evaluation.Transition)
	require.NotNil(t, res.Evaluation.Alert.ResolvedAt)
	assert.Equal(t, alertID, res.Evaluation.Alert.ID)

	assert.Equal(t, []model.TransitionKind{
		model.TransitionOpened,
		model.TransitionEscalated,
		model.TransitionResolving,
		model.TransitionResolved,
	}, f.emitter.transitions())
	assert.Nil(t, f.manager.Active("s1"))
}

func TestOverloadedRefusesWithoutSideEffects(t *testing.T) {
	// Workers deliberately not started: the queue fills and stays full.
	f := newFixture(Config{QueueCapacity: 2})

	_, err := f.pipeline.IngestAsync(reading("s1", 10, 0))
	require.NoError(t, err)
	_, err = f.pipeline.IngestAsync(reading("s1", 10, time.Second))
	require.NoError(t, err)

	_, err = f.pipeline.IngestAsync(reading("s1", 10, 2*time.Second))
	require.ErrorIs(t, err, ErrOverloaded)

	stats := f.pipeline.Stats()
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(1), stats.Overloaded)
	assert.Zero(t, stats.Processed, "refused reading must not reach the window store")

	// Once workers start, the buffered readings still process in order.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.pipeline.Start(ctx)
	f.pipeline.Drain(ctx)

	snap, err := f.store.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Count)
}

func TestInvalidReadingRejectedSynchronously(t *testing.T) {
	f := newFixture(Config{})

	_, err := f.pipeline.IngestAsync(model.Reading{SensorID: "", Value: 10, Timestamp: time.Now()})
	require.ErrorIs(t, err, model.ErrInvalidReading)

	stats := f.pipeline.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Zero(t, stats.Accepted)
}

func TestOutOfOrderReadingReportedOnTicket(t *testing.T) {
	f := newFixture(Config{Workers: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.pipeline.Start(ctx)
	defer f.pipeline.Drain(ctx)

	res, err := f.pipeline.Ingest(ctx, reading("s1", 10, time.Minute))
	require.NoError(t, err)
	require.NoError(t, res.Err)

	res, err = f.pipeline.Ingest(ctx, reading("s1", 11, 0))
	require.NoError(t, err, "enqueue succeeds; the rejection surfaces on the result")
	require.ErrorIs(t, res.Err, window.ErrOutOfOrderReading)

	snap, err := f.store.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Count, "rejected reading must not mutate the window")
}

func TestPerSensorOrderingAcrossConcurrentSensors(t *testing.T) {
	f := newFixture(Config{Workers: 8, QueueCapacity: 256})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	f.pipeline.Start(ctx)

	const sensors = 10
	const perSensor = 100

	var wg sync.WaitGroup
	for s := range sensors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + s))
			for i := range perSensor {
				// Monotonic timestamps per sensor: any ordering violation
				// inside the pipeline would surface as an out-of-order
				// rejection in the window store.
				for {
					_, err := f.pipeline.IngestAsync(reading(id, float64(i%7), time.Duration(i)*time.Second))
					if err == nil {
						break
					}
					if !errors.Is(err, ErrOverloaded) {
						t.Errorf("sensor %s: unexpected ingest error: %v", id, err)
						return
					}
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	f.pipeline.Drain(ctx)

	stats := f.pipeline.Stats()
	assert.Equal(t, int64(sensors*perSensor), stats.Processed)
	assert.Zero(t, stats.Rejected, "in-order ingestion must never trip the out-of-order guard")

	for s := range sensors {
		snap, err := f.store.Snapshot(string(rune('a' + s)))
		require.NoError(t, err)
		assert.Equal(t, int64(perSensor), snap.Count)
	}
}

func TestDrainDuringIngestResolvesEveryTicket(t *testing.T) {
	f := newFixture(Config{Workers: 4, QueueCapacity: 256})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	f.pipeline.Start(ctx)

	// Hammer the pipeline from several sensors while Drain races the
	// enqueues. Every reading that was accepted must still resolve its
	// ticket; a reading queued after the close must be refused, never
	// stranded.
	var (
		mu      sync.Mutex
		tickets []*Ticket
	)
	var wg sync.WaitGroup
	for s := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + s))
			for i := 0; ; i++ {
				tk, err := f.pipeline.IngestAsync(reading(id, 10, time.Duration(i)*time.Second))
				switch {
				case err == nil:
					mu.Lock()
					tickets = append(tickets, tk)
					mu.Unlock()
				case errors.Is(err, ErrClosed):
					return
				case errors.Is(err, ErrOverloaded):
					time.Sleep(time.Millisecond)
				default:
					t.Errorf("sensor %s: unexpected ingest error: %v", id, err)
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	f.pipeline.Drain(ctx)
	wg.Wait()

	for _, tk := range tickets {
		_, err := tk.Wait(ctx)
		require.NoError(t, err, "accepted reading must resolve its ticket after Drain")
	}
}

func TestIngestAfterDrainFails(t *testing.T) {
	f := newFixture(Config{Workers: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.pipeline.Start(ctx)
	f.pipeline.Drain(ctx)

	_, err := f.pipeline.IngestAsync(reading("s1", 10, 0))
	assert.ErrorIs(t, err, ErrClosed)
}

// sliceWriter collects spooled readings.
type sliceWriter struct {
	mu       sync.Mutex
	readings []model.Reading
}

func (w *sliceWriter) WriteReadings(_ context.Context, rs []model.Reading) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readings = append(w.readings, rs...)
	return int64(len(rs)), nil
}

func TestAcceptedReadingsAreSpooled(t *testing.T) {
	w := &sliceWriter{}
	spool := sink.NewSpool(w, testLogger(), 1000, time.Hour)

	store := window.NewStore(64, time.Hour)
	manager := alerting.NewManager(alerting.Config{}, testLogger(), nil)
	p := New(store, scoring.NewZScore(5), manager, spool, testLogger(), Config{Workers: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	spool.Start(ctx)
	p.Start(ctx)

	for i := range 3 {
		res, err := p.Ingest(ctx, reading("s1", 10, time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}
	// Out-of-order reading: rejected, must not be spooled.
	res, err := p.Ingest(ctx, reading("s1", 10, 0))
	require.NoError(t, err)
	require.Error(t, res.Err)

	p.Drain(ctx)
	spool.Drain(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.readings, 3)
}
