// Command kestrel runs the anomaly detection engine over a stream of
// NDJSON readings on stdin, one reading per line:
//
//	{"sensor_id":"hvac-7","sensor_type":"temperature","value":21.4,"unit":"C","timestamp":"2026-03-01T08:00:00Z"}
//
// Alert transitions are logged and delivered to the configured sinks
// (Postgres, the bbolt archive, or in-memory when nothing is wired).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halcyon-ai/kestrel"
)

// version is set at build time via -ldflags.
var version = "dev"

// maxLineBytes bounds a single NDJSON line; oversized lines are malformed
// input, not legitimate readings.
const maxLineBytes = 1 << 20

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KESTREL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	eng, err := kestrel.New(
		kestrel.WithLogger(logger),
		kestrel.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	eng.Start(ctx)

	go statsLoop(ctx, eng, logger)

	feedErr := feed(ctx, eng, logger)

	// Graceful shutdown: drain queued scoring work, deliver queued alert
	// transitions, flush spooled readings. Bounded so a dead sink cannot
	// hang the process.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	stats := eng.Stats()
	logger.Info("ingestion summary",
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"overloaded", stats.Overloaded,
		"processed", stats.Processed,
		"open_alerts", stats.OpenAlerts,
		"sink_delivered", stats.SinkDelivered,
		"sink_degraded", stats.SinkDegraded,
	)
	return feedErr
}

// feed streams readings from stdin until EOF, ctx cancellation, or a scan
// error. Malformed lines and rejected readings are logged and skipped.
func feed(ctx context.Context, eng *kestrel.Engine, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var line int
	for scanner.Scan() {
		if ctx.Err() != nil {
			logger.Info("stdin feed interrupted", "lines_read", line)
			return nil
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var r kestrel.Reading
		if err := json.Unmarshal(raw, &r); err != nil {
			logger.Warn("malformed reading skipped", "line", line, "error", err)
			continue
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now().UTC()
		}

		out, err := eng.Ingest(ctx, r)
		switch {
		case errors.Is(err, kestrel.ErrOverloaded):
			// Brief backoff, then retry once; stdin applies natural
			// backpressure when the retry fails too.
			time.Sleep(50 * time.Millisecond)
			if out, err = eng.Ingest(ctx, r); err != nil {
				logger.Warn("reading dropped under load", "line", line, "sensor_id", r.SensorID)
				continue
			}
		case err != nil:
			logger.Warn("reading rejected", "line", line, "sensor_id", r.SensorID, "error", err)
			continue
		}

		if out.Transition != "" && out.Alert != nil {
			logger.Info("alert transition",
				"transition", out.Transition,
				"sensor_id", out.Alert.SensorID,
				"alert_id", out.Alert.ID,
				"severity", out.Alert.Severity,
				"score", out.Score,
				"message", out.Alert.Message,
			)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	logger.Info("stdin feed complete", "lines_read", line)
	return nil
}

// statsLoop logs engine counters periodically while the feed runs.
func statsLoop(ctx context.Context, eng *kestrel.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := eng.Stats()
			logger.Info("engine stats",
				"processed", stats.Processed,
				"queue_depth", stats.QueueDepth,
				"sensors", stats.Sensors,
				"open_alerts", stats.OpenAlerts,
				"sink_pending_dead_letters", stats.SinkDeadLetters,
			)
		}
	}
}
