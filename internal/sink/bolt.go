package sink

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/halcyon-ai/kestrel/internal/model"
)

var (
	bucketAlerts      = []byte("alerts")
	bucketTransitions = []byte("transitions")
)

// Archive is a single-file durable sink backed by bbolt. It keeps the full
// alert history on hosts that run without Postgres, such as edge gateways.
type Archive struct {
	db     *bolt.DB
	logger *slog.Logger
}

// boltTransition is the stored form of one transition record.
type boltTransition struct {
	AlertID    string    `json:"alert_id"`
	SensorID   string    `json:"sensor_id"`
	Transition string    `json:"transition"`
	Severity   string    `json:"severity"`
	Score      float64   `json:"score"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OpenArchive opens or creates the archive file and its buckets.
func OpenArchive(path string, logger *slog.Logger) (*Archive, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("sink: open archive %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAlerts, bucketTransitions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink: init archive buckets: %w", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

func (a *Archive) Name() string { return "archive" }

// Persist stores the alert's current state keyed by its ID.
func (a *Archive) Persist(_ context.Context, alert model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("sink: marshal alert %s: %w", alert.ID, err)
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).Put([]byte(alert.ID.String()), data)
	})
	if err != nil {
		return fmt.Errorf("sink: archive alert %s: %w", alert.ID, err)
	}
	return nil
}

// Notify appends the transition under a monotonic sequence key so history
// reads back in delivery order.
func (a *Archive) Notify(_ context.Context, alert model.Alert, kind model.TransitionKind) error {
	data, err := json.Marshal(boltTransition{
		AlertID:    alert.ID.String(),
		SensorID:   alert.SensorID,
		Transition: string(kind),
		Severity:   string(alert.Severity),
		Score:      alert.LastScore,
		OccurredAt: alert.LastSeenAt,
	})
	if err != nil {
		return fmt.Errorf("sink: marshal transition: %w", err)
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("sink: archive transition %s/%s: %w", alert.ID, kind, err)
	}
	return nil
}

// Alert loads one archived alert by ID.
func (a *Archive) Alert(id string) (model.Alert, bool, error) {
	var alert model.Alert
	var found bool
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlerts).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &alert)
	})
	if err != nil {
		return model.Alert{}, false, fmt.Errorf("sink: load archived alert %s: %w", id, err)
	}
	return alert, found, nil
}

// Alerts returns all archived alerts in key order.
func (a *Archive) Alerts() ([]model.Alert, error) {
	var out []model.Alert
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var alert model.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			out = append(out, alert)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sink: scan archived alerts: %w", err)
	}
	return out, nil
}

// TransitionCount returns the number of archived transition records.
func (a *Archive) TransitionCount() (int, error) {
	var n int
	err := a.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTransitions).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sink: count transitions: %w", err)
	}
	return n, nil
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("sink: close archive: %w", err)
	}
	return nil
}
