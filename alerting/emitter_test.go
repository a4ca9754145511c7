package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aegis/core"
	"aegis/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memAlertStorage struct {
	mu     sync.Mutex
	alerts []*core.Alert
	err    error
}

func (s *memAlertStorage) CreateAlert(_ context.Context, alert *core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	copied := *alert
	s.alerts = append(s.alerts, &copied)
	return nil
}

func (s *memAlertStorage) all() []*core.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func testRule(tenant string) *core.DetectionRule {
	return &core.DetectionRule{
		ID:         "rule-1",
		TenantID:   tenant,
		Name:       "Suspicious Login",
		Severity:   "high",
		EngineType: core.EngineRealTime,
	}
}

func TestEmit_PersistsOpenAlert(t *testing.T) {
	storage := &memAlertStorage{}
	notifier := notify.NewMockNotifier()
	em := NewEmitter(storage, notifier, time.Second, zaptest.NewLogger(t).Sugar())

	ref := core.AlertReference{Kind: core.RefSingleEvent, EventID: "evt-1"}
	require.NoError(t, em.Emit(context.Background(), testRule("t1"), ref))

	alerts := storage.all()
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.NotEmpty(t, a.AlertID)
	assert.Equal(t, "t1", a.TenantID)
	assert.Equal(t, "rule-1", a.RuleID)
	assert.Equal(t, "Suspicious Login", a.RuleName)
	assert.Equal(t, "high", a.Severity)
	assert.Equal(t, core.AlertStatusOpen, a.Status)
	assert.Equal(t, "evt-1", a.Reference.EventID)
	assert.False(t, a.DetectedAt.IsZero())

	require.Eventually(t, func() bool {
		return len(notifier.Alerts()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, a.AlertID, notifier.Alerts()[0].AlertID)
}

func TestEmit_StorageFailurePropagates(t *testing.T) {
	storage := &memAlertStorage{err: errors.New("disk full")}
	notifier := notify.NewMockNotifier()
	em := NewEmitter(storage, notifier, time.Second, zaptest.NewLogger(t).Sugar())

	ref := core.AlertReference{Kind: core.RefSingleEvent, EventID: "evt-1"}
	err := em.Emit(context.Background(), testRule("t1"), ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, notifier.Alerts(), "nothing is notified when persistence fails")
}

func TestEmit_NotificationFailureDoesNotFailDetection(t *testing.T) {
	storage := &memAlertStorage{}
	notifier := notify.NewMockNotifier()
	notifier.FailWith(errors.New("receiver down"))
	em := NewEmitter(storage, notifier, time.Second, zaptest.NewLogger(t).Sugar())

	ref := core.AlertReference{Kind: core.RefBatch, EventIDs: []string{"a", "b"}, RowCount: 2}
	require.NoError(t, em.Emit(context.Background(), testRule("t1"), ref))
	assert.Len(t, storage.all(), 1)
}

func TestEmit_ConcurrentAlertIDsAreUnique(t *testing.T) {
	storage := &memAlertStorage{}
	em := NewEmitter(storage, nil, time.Second, zaptest.NewLogger(t).Sugar())

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := core.AlertReference{Kind: core.RefSingleEvent, EventID: "evt"}
			_ = em.Emit(context.Background(), testRule("t1"), ref)
		}()
	}
	wg.Wait()

	alerts := storage.all()
	require.Len(t, alerts, n)
	seen := make(map[string]struct{}, n)
	for _, a := range alerts {
		_, dup := seen[a.AlertID]
		assert.False(t, dup, "alert ID %s generated twice", a.AlertID)
		seen[a.AlertID] = struct{}{}
	}
}
