package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/telemetry"
)

// maxSpoolCapacity is the hard upper limit on buffered readings to prevent
// OOM. At this limit Add applies backpressure by returning an error.
const maxSpoolCapacity = 100_000

// ReadingWriter persists a batch of readings. The Postgres sink implements
// it with COPY.
type ReadingWriter interface {
	WriteReadings(ctx context.Context, readings []model.Reading) (int64, error)
}

// Spool accumulates accepted readings in memory and flushes them to a
// ReadingWriter when either the batch size or the flush interval is reached.
// Reading persistence is an audit trail, not part of the scoring path; a
// failed flush is retried on the next cycle and eventually dropped rather
// than ever blocking ingestion.
type Spool struct {
	writer        ReadingWriter
	logger        *slog.Logger
	maxBatch      int
	flushInterval time.Duration

	mu       sync.Mutex
	readings []model.Reading

	dropped atomic.Int64 // readings dropped due to capacity after flush failure

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewSpool creates a reading spool in front of writer.
func NewSpool(writer ReadingWriter, logger *slog.Logger, maxBatch int, flushInterval time.Duration) *Spool {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Spool{
		writer:        writer,
		logger:        logger,
		maxBatch:      maxBatch,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers metrics. Call Drain
// to stop.
func (s *Spool) Start(ctx context.Context) {
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.flushLoop(loopCtx)
}

// Add queues a reading for the next flush. Returns an error when the spool
// is at capacity.
func (s *Spool) Add(r model.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.readings) >= maxSpoolCapacity {
		return fmt.Errorf("sink: reading spool at capacity (%d readings)", len(s.readings))
	}
	s.readings = append(s.readings, r)

	if len(s.readings) >= s.maxBatch {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Spool) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush: ctx is already done, use the drain context.
			if s.drainCtx != nil {
				s.flush(s.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.flush(fallbackCtx)
				cancel()
			}
			close(s.done)
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushCh:
			s.flush(ctx)
		}
	}
}

func (s *Spool) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.readings) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.readings
	s.readings = nil
	s.mu.Unlock()

	start := time.Now()
	count, err := s.writer.WriteReadings(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("sink: reading flush failed", "error", err, "batch_size", len(batch))
		// Put readings back for retry, but respect the capacity limit.
		s.mu.Lock()
		if len(s.readings)+len(batch) <= maxSpoolCapacity {
			s.readings = append(batch, s.readings...)
		} else {
			s.dropped.Add(int64(len(batch)))
			s.logger.Error("sink: dropping readings, spool at capacity after flush failure", "dropped", len(batch))
		}
		s.mu.Unlock()
		return
	}

	s.logger.Debug("sink: reading batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds the wait and the final write.
func (s *Spool) Drain(ctx context.Context) {
	s.drainCtx = ctx
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("sink: spool drain timed out waiting for flush loop")
	}
}

// Len returns the current number of spooled readings.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

// Dropped returns the total readings dropped after flush failures. A
// non-zero value indicates audit-trail loss, never scoring loss.
func (s *Spool) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Spool) registerMetrics() {
	meter := telemetry.Meter("kestrel/spool")

	_, _ = meter.Int64ObservableGauge("kestrel.spool.depth",
		metric.WithDescription("Readings waiting for batch persistence"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kestrel.spool.dropped_total",
		metric.WithDescription("Readings dropped due to spool capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Dropped())
			return nil
		}),
	)
}
