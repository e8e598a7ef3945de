// Package pipeline fans readings out to a worker pool while preserving
// per-sensor ordering.
//
// Each sensor owns a bounded FIFO of pending readings. A sensor whose FIFO
// is non-empty sits in a shared ready list; workers take one reading per
// turn and put the sensor back at the tail, so a chatty sensor cannot
// starve the rest. At most one worker processes a given sensor at a time,
// which is what lets the window store and alert manager assume in-order
// evaluation without global locks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-ai/kestrel/internal/alerting"
	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/scoring"
	"github.com/halcyon-ai/kestrel/internal/sink"
	"github.com/halcyon-ai/kestrel/internal/telemetry"
	"github.com/halcyon-ai/kestrel/internal/window"
)

var (
	// ErrOverloaded reports that a sensor's pending queue is full. The
	// reading was not buffered and no state changed; callers may retry.
	ErrOverloaded = errors.New("pipeline: sensor queue full")

	// ErrClosed reports that the pipeline has drained and no longer
	// accepts readings.
	ErrClosed = errors.New("pipeline: closed")
)

// Config tunes the worker pool. Zero values fall back to the documented
// defaults.
type Config struct {
	Workers       int           // concurrent scoring workers (default 4)
	QueueCapacity int           // pending readings per sensor before ErrOverloaded (default 64)
	EvictInterval time.Duration // idle-sensor sweep period (default 1m)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = time.Minute
	}
	return c
}

// Result is the outcome of processing one reading.
type Result struct {
	Score      model.ScoreResult
	Evaluation alerting.Evaluation
	Err        error
}

// Ticket resolves to the Result of an asynchronously ingested reading.
type Ticket struct {
	ch chan Result
}

// Wait blocks until the reading has been processed or ctx expires.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-t.ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// job is one queued reading, with an optional completion channel.
type job struct {
	reading model.Reading
	done    chan Result // nil for fire-and-forget ingestion
}

// sensorQueue is the bounded FIFO for one sensor. scheduled means the queue
// is either in the ready list or currently held by a worker; either way it
// must not be added to the ready list again.
type sensorQueue struct {
	id        string
	pending   []job
	scheduled bool
}

// Pipeline connects the window store, scorer, and alert manager behind a
// worker pool.
type Pipeline struct {
	store   *window.Store
	scorer  scoring.Scorer
	manager *alerting.Manager
	spool   *sink.Spool // optional reading persistence, nil disables
	logger  *slog.Logger
	cfg     Config

	mu     sync.Mutex
	queues map[string]*sensorQueue
	ready  []*sensorQueue
	wake   chan struct{}

	closed   atomic.Bool
	inflight sync.WaitGroup // one count per queued job, released after processing

	cancelLoops context.CancelFunc
	workers     *errgroup.Group

	accepted   atomic.Int64
	rejected   atomic.Int64 // invalid or out-of-order readings
	overloaded atomic.Int64 // readings refused with ErrOverloaded
	processed  atomic.Int64
}

// New assembles a pipeline. spool may be nil to disable reading persistence.
func New(store *window.Store, scorer scoring.Scorer, manager *alerting.Manager, spool *sink.Spool, logger *slog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		store:   store,
		scorer:  scorer,
		manager: manager,
		spool:   spool,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		queues:  map[string]*sensorQueue{},
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the worker pool and the idle-sensor sweeper. Call Drain to
// stop.
func (p *Pipeline) Start(ctx context.Context) {
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoops = cancel

	g, gctx := errgroup.WithContext(loopCtx)
	for range p.cfg.Workers {
		g.Go(func() error {
			p.workerLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.evictLoop(gctx)
		return nil
	})
	p.workers = g
}

// IngestAsync validates and queues a reading, returning a ticket that
// resolves when it has been scored and evaluated. Validation failures and
// backpressure are reported synchronously; nothing is queued in either case.
func (p *Pipeline) IngestAsync(r model.Reading) (*Ticket, error) {
	t := &Ticket{ch: make(chan Result, 1)}
	if err := p.enqueue(job{reading: r, done: t.ch}); err != nil {
		return nil, err
	}
	return t, nil
}

// Ingest is the synchronous form of IngestAsync: it blocks until the
// reading has been processed or ctx expires.
func (p *Pipeline) Ingest(ctx context.Context, r model.Reading) (Result, error) {
	t, err := p.IngestAsync(r)
	if err != nil {
		return Result{}, err
	}
	return t.Wait(ctx)
}

func (p *Pipeline) enqueue(j job) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := j.reading.Validate(); err != nil {
		p.rejected.Add(1)
		return err
	}

	p.mu.Lock()
	// Re-check under the lock: Drain flips closed and then takes the lock
	// as a barrier, so passing this check means the inflight.Add below is
	// ordered before Drain's Wait.
	if p.closed.Load() {
		p.mu.Unlock()
		return ErrClosed
	}
	q := p.queues[j.reading.SensorID]
	if q == nil {
		q = &sensorQueue{id: j.reading.SensorID}
		p.queues[j.reading.SensorID] = q
	}
	if len(q.pending) >= p.cfg.QueueCapacity {
		p.mu.Unlock()
		p.overloaded.Add(1)
		return fmt.Errorf("pipeline: sensor %s has %d pending readings: %w",
			j.reading.SensorID, p.cfg.QueueCapacity, ErrOverloaded)
	}
	q.pending = append(q.pending, j)
	p.inflight.Add(1)
	if !q.scheduled {
		q.scheduled = true
		p.ready = append(p.ready, q)
	}
	p.mu.Unlock()

	p.accepted.Add(1)
	p.signal()
	return nil
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) workerLoop(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.ready) == 0 {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}

		q := p.ready[0]
		p.ready = p.ready[1:]
		j := q.pending[0]
		q.pending = q.pending[1:]
		// q stays scheduled while this worker holds it, keeping the
		// sensor's evaluations strictly ordered.
		if len(p.ready) > 0 {
			p.signal()
		}
		p.mu.Unlock()

		res := p.process(ctx, j.reading)
		if j.done != nil {
			j.done <- res
		}
		p.inflight.Done()

		p.mu.Lock()
		if len(q.pending) > 0 {
			p.ready = append(p.ready, q)
			p.mu.Unlock()
			p.signal()
		} else {
			q.scheduled = false
			p.mu.Unlock()
		}
	}
}

func (p *Pipeline) process(_ context.Context, r model.Reading) Result {
	snap, err := p.store.Update(r)
	if err != nil {
		p.rejected.Add(1)
		p.logger.Debug("pipeline: reading rejected",
			"sensor_id", r.SensorID,
			"error", err,
		)
		return Result{Err: err}
	}

	if p.spool != nil {
		if err := p.spool.Add(r); err != nil {
			// Audit-trail loss only; scoring continues.
			p.logger.Warn("pipeline: reading not spooled", "sensor_id", r.SensorID, "error", err)
		}
	}

	score, features := p.scorer.Score(r, snap)
	ev := p.manager.Evaluate(r, score)
	p.processed.Add(1)

	return Result{
		Score: model.ScoreResult{
			SensorID:  r.SensorID,
			Timestamp: r.Timestamp,
			Score:     score,
			Features:  features,
		},
		Evaluation: ev,
	}
}

func (p *Pipeline) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.store.Evict(time.Now().UTC()); n > 0 {
				p.logger.Info("pipeline: evicted idle sensors", "count", n)
			}
		}
	}
}

// Drain stops accepting readings, waits for queued work to finish, and
// shuts the worker pool down. ctx bounds the wait; queued readings that
// cannot be processed in time are abandoned.
func (p *Pipeline) Drain(ctx context.Context) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	// Barrier: any enqueue that saw closed=false holds the lock until its
	// inflight.Add completes, so the Wait below cannot miss it.
	p.mu.Lock()
	p.mu.Unlock() //nolint:staticcheck // empty critical section is the barrier

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("pipeline: drain timed out with readings pending",
			"pending", p.QueueDepth(),
		)
	}

	if p.cancelLoops != nil {
		p.cancelLoops()
	}
	if p.workers != nil {
		_ = p.workers.Wait()
	}
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Accepted   int64
	Rejected   int64
	Overloaded int64
	Processed  int64
	QueueDepth int
	Sensors    int
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:   p.accepted.Load(),
		Rejected:   p.rejected.Load(),
		Overloaded: p.overloaded.Load(),
		Processed:  p.processed.Load(),
		QueueDepth: p.QueueDepth(),
		Sensors:    p.store.Len(),
	}
}

// QueueDepth returns the total number of pending readings across sensors.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q.pending)
	}
	return n
}

func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("kestrel/pipeline")

	_, _ = meter.Int64ObservableGauge("kestrel.pipeline.queue_depth",
		metric.WithDescription("Readings queued across all sensors"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.QueueDepth()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kestrel.pipeline.processed_total",
		metric.WithDescription("Readings scored and evaluated since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.processed.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kestrel.pipeline.overloaded_total",
		metric.WithDescription("Readings refused because a sensor queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.overloaded.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kestrel.pipeline.open_alerts",
		metric.WithDescription("Alerts currently in a non-resolved state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.manager.OpenCount()))
			return nil
		}),
	)
}
