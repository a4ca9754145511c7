package notify

import (
	"context"
	"sync"

	"aegis/core"
)

// MockNotifier records notified alerts for tests.
type MockNotifier struct {
	mu     sync.Mutex
	alerts []*core.Alert
	err    error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// FailWith makes every subsequent Notify call return err.
func (m *MockNotifier) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockNotifier) Notify(_ context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

// Alerts returns a copy of everything notified so far.
func (m *MockNotifier) Alerts() []*core.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
