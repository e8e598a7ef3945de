package sink

import (
	"context"
	"sync"

	"github.com/halcyon-ai/kestrel/internal/model"
)

// Notification is one delivered transition, as seen by a Memory sink.
type Notification struct {
	Alert model.Alert
	Kind  model.TransitionKind
}

// Memory is an in-process sink that records everything it receives. It backs
// the default engine configuration when no database is wired, and doubles as
// the test fake for the dispatcher.
type Memory struct {
	mu            sync.Mutex
	alerts        map[string]model.Alert // latest persisted state per alert ID
	notifications []Notification

	failPersist error // when set, Persist returns this error
	failNotify  error
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{alerts: map[string]model.Alert{}}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Persist(_ context.Context, alert model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPersist != nil {
		return m.failPersist
	}
	m.alerts[alert.ID.String()] = alert
	return nil
}

func (m *Memory) Notify(_ context.Context, alert model.Alert, kind model.TransitionKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNotify != nil {
		return m.failNotify
	}
	m.notifications = append(m.notifications, Notification{Alert: alert, Kind: kind})
	return nil
}

// Alert returns the latest persisted state for an alert ID.
func (m *Memory) Alert(id string) (model.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	return a, ok
}

// Notifications returns a copy of all delivered transitions in order.
func (m *Memory) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.notifications...)
}

// SetFailures makes subsequent Persist/Notify calls fail with the given
// errors; pass nil to restore normal behavior.
func (m *Memory) SetFailures(persist, notify error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPersist = persist
	m.failNotify = notify
}
