// Package kestrel is the public API for embedding the Kestrel sensor
// anomaly detection engine.
//
// Callers construct an engine, start it, and stream readings through it:
//
//	eng, err := kestrel.New(
//	    kestrel.WithLogger(logger),
//	    kestrel.WithVersion(version),
//	    kestrel.WithSink(mySlackSink{}),
//	)
//	if err != nil { ... }
//	eng.Start(ctx)
//	defer eng.Shutdown(context.Background())
//
//	outcome, err := eng.Ingest(ctx, kestrel.Reading{...})
//
// The import graph enforces a strict no-cycle rule: kestrel (root) imports
// internal/*, but internal/* never imports kestrel (root). Public types
// (Reading, Alert, etc.) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees
// both sides of the boundary.
package kestrel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/halcyon-ai/kestrel/internal/alerting"
	"github.com/halcyon-ai/kestrel/internal/config"
	"github.com/halcyon-ai/kestrel/internal/model"
	"github.com/halcyon-ai/kestrel/internal/pipeline"
	"github.com/halcyon-ai/kestrel/internal/profile"
	"github.com/halcyon-ai/kestrel/internal/scoring"
	"github.com/halcyon-ai/kestrel/internal/sink"
	"github.com/halcyon-ai/kestrel/internal/telemetry"
	"github.com/halcyon-ai/kestrel/internal/window"
)

// Engine is the anomaly detection lifecycle. Construct with New(), start
// with Start(), stop with Shutdown(). Engine has no public fields; use
// New() options to configure it.
type Engine struct {
	cfg          config.Config
	logger       *slog.Logger
	version      string
	store        *window.Store
	manager      *alerting.Manager
	pipeline     *pipeline.Pipeline
	dispatcher   *sink.Dispatcher
	spool        *sink.Spool   // nil without a Postgres sink
	pg           *sink.Postgres // nil when DATABASE_URL is not configured
	archive      *sink.Archive  // nil when no archive path is configured
	otelShutdown telemetry.Shutdown
}

// New wires the engine: window store, scorer, alert manager, worker pool,
// and sinks. It connects to Postgres and opens the archive file when
// configured, but starts no goroutines until Start().
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.archivePath != "" {
		cfg.ArchivePath = o.archivePath
	}
	if o.profilePath != "" {
		cfg.ProfilePath = o.profilePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kestrel starting", "version", version, "workers", cfg.Workers)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Sensor profiles: built-in ranges, optionally merged with a YAML file.
	profiles := profile.Defaults()
	if cfg.ProfilePath != "" {
		profiles, err = profile.LoadFile(cfg.ProfilePath)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("profiles: %w", err)
		}
		logger.Info("sensor profiles loaded", "path", cfg.ProfilePath, "types", profiles.Len())
	}

	// Scorer: range checks in front of either the statistical baseline or
	// an external replacement.
	var base scoring.Scorer = scoring.NewZScore(cfg.MinSamples)
	if o.scorer != nil {
		base = &scorerAdapter{s: o.scorer}
		logger.Info("external scorer registered", "name", o.scorer.Name())
	}
	scorer := scoring.NewProfileScorer(profiles, base)

	eng := &Engine{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		otelShutdown: otelShutdown,
	}

	// Sinks: Postgres and the bbolt archive when configured, plus any
	// external sinks; an in-memory sink keeps the dispatcher exercised
	// when nothing else is wired.
	var sinks []sink.Sink
	if cfg.DatabaseURL != "" {
		pg, err := sink.NewPostgres(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			eng.closePartial()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		eng.pg = pg
		if err := pg.EnsureSchema(context.Background()); err != nil {
			eng.closePartial()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		sinks = append(sinks, pg)
		eng.spool = sink.NewSpool(pg, logger, cfg.ReadingBatchSize, cfg.ReadingFlushWait)
		logger.Info("postgres sink enabled", "notify", cfg.NotifyURL != "")
	}
	if cfg.ArchivePath != "" {
		archive, err := sink.OpenArchive(cfg.ArchivePath, logger)
		if err != nil {
			eng.closePartial()
			return nil, fmt.Errorf("archive: %w", err)
		}
		eng.archive = archive
		sinks = append(sinks, archive)
		logger.Info("alert archive enabled", "path", cfg.ArchivePath)
	}
	for _, s := range o.sinks {
		sinks = append(sinks, &sinkAdapter{s: s})
		logger.Info("external sink registered", "name", s.Name())
	}
	if len(sinks) == 0 {
		sinks = append(sinks, sink.NewMemory())
		logger.Info("no sinks configured, alerts held in memory")
	}

	eng.dispatcher = sink.NewDispatcher(sink.NewMulti(sinks...), logger, sink.DispatcherConfig{
		QueueSize:   cfg.SinkQueueSize,
		MaxAttempts: cfg.SinkMaxAttempts,
		BaseDelay:   cfg.SinkBaseDelay,
	})

	eng.store = window.NewStore(cfg.WindowCapacity, cfg.IdleTTL)
	eng.manager = alerting.NewManager(alerting.Config{
		OpenThreshold:       cfg.OpenThreshold,
		EscalateThreshold:   cfg.EscalateThreshold,
		EscalateConsecutive: cfg.EscalateConsecutive,
		ResolveThreshold:    cfg.ResolveThreshold,
		ResolveQuietCount:   cfg.ResolveQuietCount,
		ResolveQuietPeriod:  cfg.ResolveQuietPeriod,
	}, logger, eng.dispatcher)

	eng.pipeline = pipeline.New(eng.store, scorer, eng.manager, eng.spool, logger, pipeline.Config{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		EvictInterval: cfg.EvictInterval,
	})

	return eng, nil
}

// Start launches the worker pool, the sink dispatcher, and the reading
// spool. Call Shutdown to stop.
func (e *Engine) Start(ctx context.Context) {
	e.dispatcher.Start(ctx)
	if e.spool != nil {
		e.spool.Start(ctx)
	}
	e.pipeline.Start(ctx)
}

// Run starts the engine and blocks until ctx is cancelled, then shuts down.
// On return, Shutdown has been called; callers should not call it again.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)
	<-ctx.Done()
	return e.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting readings and drain queued scoring work,
// (2) deliver queued alert transitions through the dispatcher,
// (3) flush spooled readings to Postgres.
// It then closes the database pool, the archive, and the OTEL providers.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("kestrel shutting down")

	e.pipeline.Drain(ctx)
	e.dispatcher.Drain(ctx)
	if e.spool != nil {
		e.spool.Drain(ctx)
	}

	if e.archive != nil {
		if err := e.archive.Close(); err != nil {
			e.logger.Warn("archive close failed", "error", err)
		}
	}
	if e.pg != nil {
		e.pg.Close(ctx)
	}
	_ = e.otelShutdown(context.Background())

	e.logger.Info("kestrel stopped")
	return nil
}

// closePartial releases resources acquired by a New() that failed midway.
func (e *Engine) closePartial() {
	if e.archive != nil {
		_ = e.archive.Close()
	}
	if e.pg != nil {
		e.pg.Close(context.Background())
	}
	_ = e.otelShutdown(context.Background())
}

// Ingest scores one reading and returns the outcome: the anomaly score,
// its features, and any alert transition it caused. Returns
// ErrInvalidReading, ErrOutOfOrderReading, ErrOverloaded, or ErrClosed
// without mutating state when the reading cannot be processed.
func (e *Engine) Ingest(ctx context.Context, r Reading) (Outcome, error) {
	res, err := e.pipeline.Ingest(ctx, toInternalReading(r))
	if err != nil {
		return Outcome{}, err
	}
	if res.Err != nil {
		return Outcome{}, res.Err
	}
	return Outcome{
		Score:      res.Score.Score,
		Features:   res.Score.Features,
		Transition: string(res.Evaluation.Transition),
		Alert:      toPublicAlert(res.Evaluation.Alert),
	}, nil
}

// OpenAlerts returns alerts matching the filter. Results are copies;
// mutating them does not affect engine state.
func (e *Engine) OpenAlerts(f AlertFilter) []Alert {
	internal := e.manager.Query(model.AlertFilter{
		SensorID:        f.SensorID,
		Severity:        model.Severity(f.Severity),
		IncludeResolved: f.IncludeResolved,
	})
	out := make([]Alert, len(internal))
	for i := range internal {
		out[i] = *toPublicAlert(&internal[i])
	}
	return out
}

// WindowSnapshot returns the rolling statistics for one sensor.
func (e *Engine) WindowSnapshot(sensorID string) (WindowSnapshot, error) {
	snap, err := e.store.Snapshot(sensorID)
	if err != nil {
		return WindowSnapshot{}, err
	}
	return toPublicSnapshot(snap), nil
}

// Stats returns engine counters for health reporting.
func (e *Engine) Stats() Stats {
	ps := e.pipeline.Stats()
	delivered, dropped, dead := e.dispatcher.Stats()
	return Stats{
		Accepted:        ps.Accepted,
		Rejected:        ps.Rejected,
		Overloaded:      ps.Overloaded,
		Processed:       ps.Processed,
		QueueDepth:      ps.QueueDepth,
		Sensors:         ps.Sensors,
		OpenAlerts:      e.manager.OpenCount(),
		SinkDelivered:   delivered,
		SinkDropped:     dropped,
		SinkDeadLetters: dead,
		SinkDegraded:    e.dispatcher.Degraded(),
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// scorerAdapter wraps a public kestrel.Scorer to satisfy scoring.Scorer.
type scorerAdapter struct {
	s Scorer
}

func (a *scorerAdapter) Name() string { return a.s.Name() }

func (a *scorerAdapter) Score(r model.Reading, snap window.Snapshot) (float64, map[string]float64) {
	return a.s.Score(Reading{
		SensorID:   r.SensorID,
		SensorType: string(r.SensorType),
		Value:      r.Value,
		Unit:       r.Unit,
		Location:   r.Location,
		Timestamp:  r.Timestamp,
		Metadata:   r.Metadata,
	}, toPublicSnapshot(snap))
}

// sinkAdapter wraps a public kestrel.Sink to satisfy sink.Sink. It converts
// internal model types to public kestrel types at the boundary.
type sinkAdapter struct {
	s Sink
}

func (a *sinkAdapter) Name() string { return a.s.Name() }

func (a *sinkAdapter) Persist(ctx context.Context, alert model.Alert) error {
	return a.s.Persist(ctx, *toPublicAlert(&alert))
}

func (a *sinkAdapter) Notify(ctx context.Context, alert model.Alert, kind model.TransitionKind) error {
	return a.s.Notify(ctx, *toPublicAlert(&alert), string(kind))
}
