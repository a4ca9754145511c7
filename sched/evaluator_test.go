package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aegis/classify"
	"aegis/core"
	"aegis/state"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeQuerier struct {
	mu   sync.Mutex
	rows map[string][]core.EventRow // tenant -> rows
	err  error
}

func (q *fakeQuerier) QueryWindow(_ context.Context, tenantID string, _ core.Expr, from, to time.Time) ([]core.EventRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	var out []core.EventRow
	for _, row := range q.rows[tenantID] {
		if row.Timestamp.After(from) && !row.Timestamp.After(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (q *fakeQuerier) add(tenant string, row core.EventRow) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows[tenant] = append(q.rows[tenant], row)
}

type memRunStates struct {
	mu     sync.Mutex
	states map[string]*core.RuleRunState
}

func newMemRunStates() *memRunStates {
	return &memRunStates{states: make(map[string]*core.RuleRunState)}
}

func (m *memRunStates) Get(_ context.Context, ruleID, tenantID string) (*core.RuleRunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ruleID+"/"+tenantID]
	if !ok {
		return nil, nil
	}
	copied := *st
	return &copied, nil
}

func (m *memRunStates) MarkSuccess(_ context.Context, ruleID, tenantID string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[ruleID+"/"+tenantID] = &core.RuleRunState{
		RuleID: ruleID, TenantID: tenantID, LastRunAt: runAt, UpdatedAt: time.Now(),
	}
	return nil
}

func (m *memRunStates) MarkError(_ context.Context, ruleID, tenantID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleID + "/" + tenantID
	st, ok := m.states[key]
	if !ok {
		st = &core.RuleRunState{RuleID: ruleID, TenantID: tenantID}
		m.states[key] = st
	}
	st.LastError = reason
	st.UpdatedAt = time.Now()
	return nil
}

type emitted struct {
	rule *core.DetectionRule
	ref  core.AlertReference
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []emitted
}

func (s *recordingSink) Emit(_ context.Context, rule *core.DetectionRule, ref core.AlertReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rule
	s.alerts = append(s.alerts, emitted{rule: &copied, ref: ref})
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func (s *recordingSink) last() emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[len(s.alerts)-1]
}

const bruteForceRule = `
name: Brute Force Attack Detection
severity: high
detection:
  selection:
    event_type: authentication_failure
  condition: selection | count() > 5
timeframe: 300s
stateful:
  tracking_type: counter
  key_prefix: brute_force
  aggregate_on: [source_ip]
  threshold: 6
  window_seconds: 300
`

const batchRule = `
name: Admin Logins In Window
severity: low
detection:
  admin_login:
    event_type: user_login
  privileged:
    user_role: admin
  condition: admin_login and privileged
`

const noveltyRule = `
name: Login From New Country
severity: high
detection:
  selection:
    event_type: user_login
stateful:
  tracking_type: set
  key_prefix: login_geo
  aggregate_on: [username]
  state_fields: [username]
  comparison_field: country
  window_seconds: 86400
`

type harness struct {
	eval    *Evaluator
	querier *fakeQuerier
	runs    *memRunStates
	sink    *recordingSink
	mr      *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := state.NewRedisStore(mr.Addr(), "", 0, 10, logger)
	t.Cleanup(func() { store.Close() })

	querier := &fakeQuerier{rows: make(map[string][]core.EventRow)}
	runs := newMemRunStates()
	sink := &recordingSink{}

	cfg := Config{
		Tick:        time.Second,
		RunTimeout:  5 * time.Second,
		MaxLookback: time.Hour,
		Workers:     2,
		QueueSize:   16,
	}
	eval := NewEvaluator(cfg, nil, querier, runs, store, sink, classify.Options{}, logger)
	return &harness{eval: eval, querier: querier, runs: runs, sink: sink, mr: mr}
}

func mustRule(t *testing.T, tenant, doc string) *core.DetectionRule {
	t.Helper()
	rule, err := classify.NewRule(tenant, []byte(doc), classify.Options{})
	require.NoError(t, err)
	return rule
}

func authFailureRow(id, ip string, at time.Time) core.EventRow {
	return core.EventRow{
		EventID:   id,
		Timestamp: at,
		Fields:    map[string]interface{}{"event_type": "authentication_failure", "source_ip": ip},
	}
}

func TestRunRule_BatchAlertReferencesWholeBatch(t *testing.T) {
	h := newHarness(t)
	rule := mustRule(t, "t1", batchRule)
	now := time.Now().UTC()

	h.querier.add("t1", core.EventRow{EventID: "r1", Timestamp: now.Add(-time.Minute),
		Fields: map[string]interface{}{"event_type": "user_login", "user_role": "admin"}})
	h.querier.add("t1", core.EventRow{EventID: "r2", Timestamp: now.Add(-30 * time.Second),
		Fields: map[string]interface{}{"event_type": "user_login", "user_role": "admin"}})

	h.eval.runRule(context.Background(), rule)

	require.Equal(t, 1, h.sink.count(), "one alert per batch, not one per row")
	ref := h.sink.last().ref
	assert.Equal(t, core.RefBatch, ref.Kind)
	assert.ElementsMatch(t, []string{"r1", "r2"}, ref.EventIDs)
	assert.Equal(t, 2, ref.RowCount)
}

func TestRunRule_IdempotentReRunWithAdvancedHighWaterMark(t *testing.T) {
	h := newHarness(t)
	rule := mustRule(t, "t1", batchRule)
	now := time.Now().UTC()

	h.querier.add("t1", core.EventRow{EventID: "r1", Timestamp: now.Add(-time.Minute),
		Fields: map[string]interface{}{"event_type": "user_login", "user_role": "admin"}})

	h.eval.runRule(context.Background(), rule)
	require.Equal(t, 1, h.sink.count())

	st, err := h.runs.Get(context.Background(), rule.ID, rule.TenantID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.LastRunAt.IsZero())

	// Same underlying data, advanced high-water mark: zero additional alerts.
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 1, h.sink.count())
}

func TestRunRule_BruteForceScenario(t *testing.T) {
	h := newHarness(t)
	rule := mustRule(t, "t1", bruteForceRule)
	now := time.Now().UTC()

	// Five failures for one IP: silent accumulation.
	for i := 0; i < 5; i++ {
		h.querier.add("t1", authFailureRow("f"+string(rune('0'+i)), "203.0.113.5",
			now.Add(time.Duration(i-10)*time.Second)))
	}
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 0, h.sink.count())

	// The sixth failure crosses the threshold: exactly one alert, and the
	// counter key is absent immediately after.
	h.querier.add("t1", authFailureRow("f6", "203.0.113.5", now.Add(time.Second)))
	h.eval.runRule(context.Background(), rule)

	require.Equal(t, 1, h.sink.count())
	ref := h.sink.last().ref
	assert.Equal(t, core.RefAggregation, ref.Kind)
	assert.Equal(t, "f6", ref.EventID)
	assert.False(t, h.mr.Exists(ref.StateKey))
}

func TestRunRule_CounterStateCarriesAcrossRuns(t *testing.T) {
	h := newHarness(t)
	rule := mustRule(t, "t1", bruteForceRule)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		h.querier.add("t1", authFailureRow("a"+string(rune('0'+i)), "198.51.100.9",
			now.Add(time.Duration(i-30)*time.Second)))
	}
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 0, h.sink.count())

	for i := 0; i < 3; i++ {
		h.querier.add("t1", authFailureRow("b"+string(rune('0'+i)), "198.51.100.9",
			now.Add(time.Duration(i+1)*time.Second)))
	}
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 1, h.sink.count(), "state persists across runs via the shared store")
}

func TestRunRule_NoveltyBaselineThenAlert(t *testing.T) {
	h := newHarness(t)
	rule := mustRule(t, "t1", noveltyRule)
	now := time.Now().UTC()

	login := func(id, user, country string, at time.Time) core.EventRow {
		return core.EventRow{EventID: id, Timestamp: at, Fields: map[string]interface{}{
			"event_type": "user_login", "username": user, "country": country}}
	}

	h.querier.add("t1", login("l1", "alice", "US", now.Add(-time.Minute)))
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 0, h.sink.count(), "first value establishes the baseline")

	h.querier.add("t1", login("l2", "alice", "RU", now.Add(time.Second)))
	h.eval.runRule(context.Background(), rule)
	require.Equal(t, 1, h.sink.count())
	assert.Equal(t, "RU", h.sink.last().ref.Member)

	h.querier.add("t1", login("l3", "alice", "US", now.Add(2*time.Second)))
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 1, h.sink.count(), "known values never alert")
}

func TestRunRule_QueryFailureIsIsolatedAndKeepsHighWaterMark(t *testing.T) {
	h := newHarness(t)
	rule := mustRule(t, "t1", batchRule)

	h.querier.err = errors.New("connection refused")
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 0, h.sink.count())

	st, err := h.runs.Get(context.Background(), rule.ID, rule.TenantID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Contains(t, st.LastError, "connection refused")
	assert.True(t, st.LastRunAt.IsZero(), "failed runs must not advance the high-water mark")

	// Recovery on a later tick.
	h.querier.err = nil
	now := time.Now().UTC()
	h.querier.add("t1", core.EventRow{EventID: "r1", Timestamp: now.Add(-time.Second),
		Fields: map[string]interface{}{"event_type": "user_login", "user_role": "admin"}})
	h.eval.runRule(context.Background(), rule)
	assert.Equal(t, 1, h.sink.count())
}

func TestRunRule_StoreFailureAbortsWithoutAdvancingMark(t *testing.T) {
	h := newHarness(t)
	rule := mustRule(t, "t1", bruteForceRule)
	now := time.Now().UTC()
	h.querier.add("t1", authFailureRow("f1", "10.1.1.1", now.Add(-time.Second)))

	h.mr.Close()
	h.eval.runRule(context.Background(), rule)

	assert.Equal(t, 0, h.sink.count())
	st, err := h.runs.Get(context.Background(), rule.ID, rule.TenantID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.LastRunAt.IsZero())
	assert.NotEmpty(t, st.LastError)
}

func TestAcquire_SerializesRuleTenantPairs(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.eval.acquire("t1\x00r1"))
	assert.False(t, h.eval.acquire("t1\x00r1"), "same pair must never overlap")
	assert.True(t, h.eval.acquire("t2\x00r1"), "other tenants run in parallel")

	h.eval.release("t1\x00r1")
	assert.True(t, h.eval.acquire("t1\x00r1"))
}
