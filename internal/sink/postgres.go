package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyon-ai/kestrel/internal/model"
)

// ChannelAlerts is the Postgres NOTIFY channel carrying alert transitions.
const ChannelAlerts = "kestrel_alerts"

// Postgres persists alerts, transitions, and reading batches to Postgres.
// It uses a pgxpool for queries and an optional dedicated connection for
// LISTEN/NOTIFY, which must go directly to Postgres rather than through a
// transaction-mode pooler.
type Postgres struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// NewPostgres connects and verifies the pool. notifyDSN may be empty, which
// disables LISTEN support on this instance; pg_notify still fires for other
// listeners.
func NewPostgres(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, poolDSN)
	if err != nil {
		return nil, fmt.Errorf("sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("sink: connect notify: %w", err)
		}
	}

	return &Postgres{pool: pool, notifyConn: notifyConn, logger: logger}, nil
}

// EnsureSchema creates the tables this sink writes to. Idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS readings (
    id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    sensor_id   TEXT NOT NULL,
    sensor_type TEXT NOT NULL,
    value       DOUBLE PRECISION NOT NULL,
    unit        TEXT NOT NULL DEFAULT '',
    location    TEXT NOT NULL DEFAULT '',
    metadata    JSONB,
    recorded_at TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS readings_sensor_recorded_idx
    ON readings (sensor_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS alerts (
    id            UUID PRIMARY KEY,
    sensor_id     TEXT NOT NULL,
    sensor_type   TEXT NOT NULL,
    state         TEXT NOT NULL,
    severity      TEXT NOT NULL,
    opened_at     TIMESTAMPTZ NOT NULL,
    last_seen_at  TIMESTAMPTZ NOT NULL,
    resolved_at   TIMESTAMPTZ,
    last_value    DOUBLE PRECISION NOT NULL,
    last_score    DOUBLE PRECISION NOT NULL,
    score_history DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
    message       TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alerts_sensor_state_idx
    ON alerts (sensor_id, state);

CREATE TABLE IF NOT EXISTS alert_transitions (
    id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    alert_id    UUID NOT NULL,
    sensor_id   TEXT NOT NULL,
    transition  TEXT NOT NULL,
    severity    TEXT NOT NULL,
    score       DOUBLE PRECISION NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alert_transitions_alert_idx
    ON alert_transitions (alert_id, id);
`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("sink: ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

// Persist upserts the alert's current state keyed by alert ID.
func (p *Postgres) Persist(ctx context.Context, alert model.Alert) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO alerts (id, sensor_id, sensor_type, state, severity, opened_at,
                    last_seen_at, resolved_at, last_value, last_score,
                    score_history, message, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
ON CONFLICT (id) DO UPDATE SET
    state         = EXCLUDED.state,
    severity      = EXCLUDED.severity,
    last_seen_at  = EXCLUDED.last_seen_at,
    resolved_at   = EXCLUDED.resolved_at,
    last_value    = EXCLUDED.last_value,
    last_score    = EXCLUDED.last_score,
    score_history = EXCLUDED.score_history,
    message       = EXCLUDED.message,
    updated_at    = now()`,
		alert.ID, alert.SensorID, string(alert.SensorType), string(alert.State),
		string(alert.Severity), alert.OpenedAt, alert.LastSeenAt, alert.ResolvedAt,
		alert.LastValue, alert.LastScore, alert.ScoreHistory, alert.Message,
	)
	if err != nil {
		return fmt.Errorf("sink: persist alert %s: %w", alert.ID, err)
	}
	return nil
}

// transitionPayload is the JSON body sent over pg_notify for each transition.
type transitionPayload struct {
	AlertID    string  `json:"alert_id"`
	SensorID   string  `json:"sensor_id"`
	Transition string  `json:"transition"`
	Severity   string  `json:"severity"`
	Score      float64 `json:"score"`
	Message    string  `json:"message"`
}

// Notify records the transition and announces it on the alerts channel so
// external consumers can LISTEN instead of polling.
func (p *Postgres) Notify(ctx context.Context, alert model.Alert, kind model.TransitionKind) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO alert_transitions (alert_id, sensor_id, transition, severity, score, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.SensorID, string(kind), string(alert.Severity),
		alert.LastScore, alert.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("sink: record transition %s/%s: %w", alert.ID, kind, err)
	}

	payload, err := json.Marshal(transitionPayload{
		AlertID:    alert.ID.String(),
		SensorID:   alert.SensorID,
		Transition: string(kind),
		Severity:   string(alert.Severity),
		Score:      alert.LastScore,
		Message:    alert.Message,
	})
	if err != nil {
		return fmt.Errorf("sink: marshal notify payload: %w", err)
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelAlerts, string(payload)); err != nil {
		return fmt.Errorf("sink: notify %s: %w", ChannelAlerts, err)
	}
	return nil
}

// WriteReadings batch-inserts readings with COPY. Implements ReadingWriter
// for the spool.
func (p *Postgres) WriteReadings(ctx context.Context, readings []model.Reading) (int64, error) {
	count, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"readings"},
		[]string{"sensor_id", "sensor_type", "value", "unit", "location", "metadata", "recorded_at"},
		pgx.CopyFromSlice(len(readings), func(i int) ([]any, error) {
			r := readings[i]
			var metadata []byte
			if len(r.Metadata) > 0 {
				var err error
				if metadata, err = json.Marshal(r.Metadata); err != nil {
					return nil, fmt.Errorf("sink: marshal reading metadata: %w", err)
				}
			}
			return []any{
				r.SensorID, string(r.SensorType), r.Value, r.Unit,
				r.Location, metadata, r.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("sink: copy readings: %w", err)
	}
	return count, nil
}

// Listen starts listening on the alerts channel using the dedicated notify
// connection.
func (p *Postgres) Listen(ctx context.Context) error {
	if p.notifyConn == nil {
		return fmt.Errorf("sink: notify connection not configured")
	}
	if _, err := p.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelAlerts}.Sanitize()); err != nil {
		return fmt.Errorf("sink: listen %s: %w", ChannelAlerts, err)
	}
	return nil
}

// WaitForNotification blocks until a transition notification arrives.
func (p *Postgres) WaitForNotification(ctx context.Context) (payload string, err error) {
	if p.notifyConn == nil {
		return "", fmt.Errorf("sink: notify connection not configured")
	}
	n, err := p.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", fmt.Errorf("sink: wait for notification: %w", err)
	}
	return n.Payload, nil
}

// Pool exposes the underlying connection pool for queries the sink does not
// wrap, such as dashboard reads.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the pool and the notify connection.
func (p *Postgres) Close(ctx context.Context) {
	p.pool.Close()
	if p.notifyConn != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.notifyConn.Close(closeCtx); err != nil {
			p.logger.Warn("sink: close notify connection", "error", err)
		}
	}
}
