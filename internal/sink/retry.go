package sink

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/telemetry"
)

// delivery is one queued transition awaiting sink delivery.
type delivery struct {
	alert model.Alert
	kind  model.TransitionKind
}

// DispatcherConfig tunes the retry dispatcher. Zero values fall back to the
// documented defaults.
type DispatcherConfig struct {
	QueueSize   int           // buffered transitions before drops begin (default 1024)
	MaxAttempts int           // delivery attempts per transition (default 5)
	BaseDelay   time.Duration // first retry backoff, doubled per attempt with jitter (default 100ms)
	MaxDelay    time.Duration // backoff cap (default 5s)
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// Dispatcher decouples alert delivery from the scoring path. Transitions are
// enqueued without blocking and delivered by a background loop with jittered
// exponential backoff. A full queue drops the transition rather than stall
// ingestion; drops and exhausted retries mark the dispatcher degraded.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger
	cfg    DispatcherConfig

	queue chan delivery

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	drainCh    chan context.Context // carries the drain context to the loop for final deliveries

	delivered   atomic.Int64
	dropped     atomic.Int64 // enqueues rejected because the queue was full
	deadLetters atomic.Int64 // transitions abandoned after exhausting retries
}

// NewDispatcher creates a dispatcher in front of sink.
func NewDispatcher(s Sink, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		sink:    s,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan delivery, cfg.QueueSize),
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

// Start begins the background delivery loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("sink dispatcher: Start called more than once, ignoring")
		return
	}
	d.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelLoop = cancel
	go d.loop(loopCtx)
}

// Emit enqueues a transition for delivery without blocking. When the queue
// is full the transition is dropped and counted.
func (d *Dispatcher) Emit(alert model.Alert, kind model.TransitionKind) {
	select {
	case d.queue <- delivery{alert: alert, kind: kind}:
	default:
		d.dropped.Add(1)
		d.logger.Warn("sink dispatcher: queue full, dropping transition",
			"sink", d.sink.Name(),
			"sensor_id", alert.SensorID,
			"transition", kind,
			"queue_size", d.cfg.QueueSize,
		)
	}
}

// Drain signals the loop to stop, delivers queued transitions, and blocks
// until done or the context expires. The ctx is passed to the remaining
// deliveries so they respect the caller's deadline.
func (d *Dispatcher) Drain(ctx context.Context) {
	select {
	case d.drainCh <- ctx:
	default:
	}
	if d.cancelLoop != nil {
		d.cancelLoop()
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("sink dispatcher: drain timed out",
			"pending", len(d.queue),
		)
	}
}

// Degraded reports whether any transition has been dropped or abandoned
// since startup. A degraded dispatcher keeps accepting work.
func (d *Dispatcher) Degraded() bool {
	return d.dropped.Load() > 0 || d.deadLetters.Load() > 0
}

// Stats returns delivery counters for engine-level reporting.
func (d *Dispatcher) Stats() (delivered, dropped, deadLetters int64) {
	return d.delivered.Load(), d.dropped.Load(), d.deadLetters.Load()
}

// Pending returns the number of queued transitions.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the context sent by Drain so remaining
			// deliveries respect the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-d.drainCh:
			default:
			}
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			for {
				select {
				case del := <-d.queue:
					d.deliver(drainCtx, del)
				default:
					close(d.done)
					return
				}
			}
		case del := <-d.queue:
			d.deliver(ctx, del)
		}
	}
}

// deliver attempts the Persist+Notify pair with jittered exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, del delivery) {
	delay := d.cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = d.attempt(ctx, del); err == nil {
			d.delivered.Add(1)
			return
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			d.deadLetters.Add(1)
			d.logger.Error("sink dispatcher: delivery abandoned on shutdown",
				"sink", d.sink.Name(),
				"sensor_id", del.alert.SensorID,
				"transition", del.kind,
				"error", err,
			)
			return
		case <-time.After(delay + jitter):
		}
		if delay *= 2; delay > d.cfg.MaxDelay {
			delay = d.cfg.MaxDelay
		}
	}

	d.deadLetters.Add(1)
	d.logger.Error("sink dispatcher: delivery failed after retries",
		"sink", d.sink.Name(),
		"sensor_id", del.alert.SensorID,
		"alert_id", del.alert.ID,
		"transition", del.kind,
		"attempts", d.cfg.MaxAttempts,
		"error", err,
	)
}

func (d *Dispatcher) attempt(ctx context.Context, del delivery) error {
	if err := d.sink.Persist(ctx, del.alert); err != nil {
		return err
	}
	return d.sink.Notify(ctx, del.alert, del.kind)
}

func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter("kestrel/sink")

	_, _ = meter.Int64ObservableGauge("kestrel.sink.queue_depth",
		metric.WithDescription("Transitions waiting for sink delivery"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(d.queue)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kestrel.sink.dropped_total",
		metric.WithDescription("Transitions dropped because the dispatcher queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.dropped.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kestrel.sink.dead_letters_total",
		metric.WithDescription("Transitions abandoned after exhausting delivery retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.deadLetters.Load())
			return nil
		}),
	)
}
