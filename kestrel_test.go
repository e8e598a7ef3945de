package kestrel_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/kestrel"
)

// captureSink records deliveries made through the public Sink interface.
type captureSink struct {
	mu          sync.Mutex
	transitions []string
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Persist(context.Context, kestrel.Alert) error { return nil }

func (c *captureSink) Notify(_ context.Context, _ kestrel.Alert, transition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, transition)
	return nil
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transitions...)
}

func newTestEngine(t *testing.T, opts ...kestrel.Option) *kestrel.Engine {
	t.Helper()
	// Keep the engine self-contained regardless of the host environment.
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KESTREL_ARCHIVE_PATH", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	opts = append(opts, kestrel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	eng, err := kestrel.New(opts...)
	require.NoError(t, err)
	return eng
}

func testReading(sensorID string, value float64, offset time.Duration) kestrel.Reading {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return kestrel.Reading{
		SensorID:   sensorID,
		SensorType: "temperature",
		Value:      value,
		Unit:       "C",
		Timestamp:  base.Add(offset),
	}
}

func TestEngineEndToEnd(t *testing.T) {
	capture := &captureSink{}
	eng := newTestEngine(t, kestrel.WithSink(capture), kestrel.WithVersion("test"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Start(ctx)

	for i := range 6 {
		out, err := eng.Ingest(ctx, testReading("s1", 10, time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Nil(t, out.Alert)
	}

	out, err := eng.Ingest(ctx, testReading("s1", 50, 6*time.Second))
	require.NoError(t, err)
	require.Equal(t, kestrel.TransitionOpened, out.Transition)
	require.NotNil(t, out.Alert)
	assert.Greater(t, out.Score, 0.7)
	assert.Equal(t, kestrel.StateOpen, out.Alert.State)

	open := eng.OpenAlerts(kestrel.AlertFilter{SensorID: "s1"})
	require.Len(t, open, 1)
	assert.Equal(t, out.Alert.ID, open[0].ID)

	snap, err := eng.WindowSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Count)

	stats := eng.Stats()
	assert.Equal(t, int64(7), stats.Processed)
	assert.Equal(t, 1, stats.OpenAlerts)

	require.NoError(t, eng.Shutdown(ctx))
	assert.Contains(t, capture.all(), kestrel.TransitionOpened)

	_, err = eng.Ingest(ctx, testReading("s1", 10, 7*time.Second))
	assert.ErrorIs(t, err, kestrel.ErrClosed)
}

func TestEngineRejectsInvalidAndOutOfOrder(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	eng.Start(ctx)
	defer eng.Shutdown(ctx)

	_, err := eng.Ingest(ctx, kestrel.Reading{Value: 1, Timestamp: time.Now()})
	assert.ErrorIs(t, err, kestrel.ErrInvalidReading)

	_, err = eng.Ingest(ctx, testReading("s1", 10, time.Minute))
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, testReading("s1", 10, 0))
	assert.ErrorIs(t, err, kestrel.ErrOutOfOrderReading)
}

func TestEngineArchivesAlertsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	eng := newTestEngine(t, kestrel.WithArchivePath(path))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Start(ctx)

	for i := range 6 {
		_, err := eng.Ingest(ctx, testReading("s1", 10, time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	out, err := eng.Ingest(ctx, testReading("s1", 50, 6*time.Second))
	require.NoError(t, err)
	require.Equal(t, kestrel.TransitionOpened, out.Transition)

	require.NoError(t, eng.Shutdown(ctx))

	// The archive file persists the alert beyond the engine's lifetime.
	assert.FileExists(t, path)
}

func TestEngineExternalScorer(t *testing.T) {
	eng := newTestEngine(t, kestrel.WithScorer(constantScorer{score: 0.99}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	eng.Start(ctx)
	defer eng.Shutdown(ctx)

	out, err := eng.Ingest(ctx, testReading("s1", 10, 0))
	require.NoError(t, err)
	assert.Equal(t, 0.99, out.Score)
	require.NotNil(t, out.Alert)
	assert.Equal(t, kestrel.SeverityCritical, out.Alert.Severity)
}

type constantScorer struct {
	score float64
}

func (c constantScorer) Name() string { return "constant" }

func (c constantScorer) Score(kestrel.Reading, kestrel.WindowSnapshot) (float64, map[string]float64) {
	return c.score, map[string]float64{"constant": c.score}
}
