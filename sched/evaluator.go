// Package sched runs the scheduled rule evaluator: a fixed tick loop that
// dispatches one bounded task per (tenant, rule) pair against the durable
// event store, with per-pair serialization and strict failure isolation.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"aegis/classify"
	"aegis/core"
	"aegis/detect"
	"aegis/metrics"
	"aegis/state"
	"aegis/util/goroutine"

	"go.uber.org/zap"
)

// EventQuerier is the time-bounded, filtered query interface of the durable
// event store. Returned rows already match the rule's selection logic.
type EventQuerier interface {
	QueryWindow(ctx context.Context, tenantID string, expr core.Expr, from, to time.Time) ([]core.EventRow, error)
}

// RunStateStore persists per rule+tenant high-water marks and last errors.
type RunStateStore interface {
	// Get returns nil without error when no run state exists yet.
	Get(ctx context.Context, ruleID, tenantID string) (*core.RuleRunState, error)
	MarkSuccess(ctx context.Context, ruleID, tenantID string, runAt time.Time) error
	MarkError(ctx context.Context, ruleID, tenantID, reason string) error
}

// Config tunes the evaluator.
type Config struct {
	Tick        time.Duration
	RunTimeout  time.Duration // hard ceiling per rule run
	MaxLookback time.Duration // first-run cap, never an unbounded scan
	Workers     int
	QueueSize   int
}

// Evaluator is the scheduled engine.
type Evaluator struct {
	cfg    Config
	rules  detect.RuleSource
	events EventQuerier
	runs   RunStateStore
	store  state.Store
	sink   detect.AlertSink
	opts   classify.Options
	pool   *core.WorkerPool
	logger *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEvaluator wires the scheduled engine.
func NewEvaluator(cfg Config, rules detect.RuleSource, events EventQuerier, runs RunStateStore, store state.Store, sink detect.AlertSink, opts classify.Options, logger *zap.SugaredLogger) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Evaluator{
		cfg:      cfg,
		rules:    rules,
		events:   events,
		runs:     runs,
		store:    store,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the tick loop and the worker pool.
func (e *Evaluator) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	e.cancel = cancel

	e.pool = core.NewWorkerPool(ctx, e.cfg.Workers, e.cfg.QueueSize, "scheduled-rules", e.logger)
	e.pool.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer goroutine.Recover("scheduled-evaluator", e.logger)

		ticker := time.NewTicker(e.cfg.Tick)
		defer ticker.Stop()
		e.logger.Infof("Scheduled evaluator started, tick %v, %d workers", e.cfg.Tick, e.cfg.Workers)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop stops the tick loop and drains the pool.
func (e *Evaluator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.pool != nil {
		e.pool.Stop()
	}
}

// tick dispatches every due (tenant, rule) pair. A pair still in flight
// from a previous tick is skipped, never run concurrently with itself.
func (e *Evaluator) tick(ctx context.Context) {
	rules, err := e.rules.GetActiveRules(ctx, core.EngineScheduled)
	if err != nil {
		e.logger.Errorw("Failed to load scheduled rules for tick", "error", err)
		return
	}
	compiled := classify.CompileRules(rules, e.opts, e.logger)
	metrics.RuleSnapshotSize.WithLabelValues(string(core.EngineScheduled)).Set(float64(len(compiled)))

	for _, rule := range compiled {
		rule := rule
		key := rule.TenantID + "\x00" + rule.ID
		if !e.acquire(key) {
			metrics.ScheduledRuns.WithLabelValues("skipped").Inc()
			continue
		}
		err := e.pool.Submit(func() {
			defer e.release(key)
			e.runRule(ctx, &rule)
		})
		if err != nil {
			e.release(key)
			e.logger.Warnw("Could not dispatch scheduled rule run", "rule_id", rule.ID, "error", err)
		}
	}
}

func (e *Evaluator) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Evaluator) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

// runRule executes one bounded evaluation of a rule. Errors are contained
// here: logged, counted by reason, recorded on the run state, and never
// allowed to touch sibling rules or future ticks. Rules are never
// auto-disabled; a persistently failing rule surfaces through its error
// counter only.
func (e *Evaluator) runRule(parentCtx context.Context, rule *core.DetectionRule) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parentCtx, e.cfg.RunTimeout)
	defer cancel()

	upper := time.Now().UTC()
	from := upper.Add(-e.cfg.MaxLookback)
	if st, err := e.runs.Get(ctx, rule.ID, rule.TenantID); err != nil {
		e.recordFailure(ctx, rule, "query", err)
		return
	} else if st != nil && st.LastRunAt.After(from) {
		from = st.LastRunAt
	}

	rows, err := e.events.QueryWindow(ctx, rule.TenantID, rule.Selection, from, upper)
	if err != nil {
		reason := "query"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
			err = &core.TimeoutError{RuleID: rule.ID, TenantID: rule.TenantID, Elapsed: time.Since(start)}
		}
		e.recordFailure(ctx, rule, reason, err)
		return
	}

	if rule.IsStateful && rule.Stateful != nil {
		switch rule.Stateful.TrackingType {
		case core.TrackingCounter:
			err = e.evaluateCounter(ctx, rule, rows)
		case core.TrackingSet:
			err = e.evaluateSet(ctx, rule, rows)
		}
	} else {
		err = e.evaluateBatch(ctx, rule, rows)
	}
	if err != nil {
		reason := "store"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		// High-water mark is NOT advanced: the window is re-scanned next tick.
		e.recordFailure(ctx, rule, reason, err)
		return
	}

	if err := e.runs.MarkSuccess(ctx, rule.ID, rule.TenantID, upper); err != nil {
		e.recordFailure(ctx, rule, "query", err)
		return
	}
	metrics.ScheduledRuns.WithLabelValues("ok").Inc()
	metrics.ScheduledRunDuration.Observe(time.Since(start).Seconds())
}

// evaluateBatch handles non-stateful complex rules: one alert per run window
// with matches, referencing the batch, never one alert per row.
func (e *Evaluator) evaluateBatch(ctx context.Context, rule *core.DetectionRule, rows []core.EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	if agg := core.FindAggregation(rule.Selection); agg != nil && !detect.CompareCount(agg, len(rows)) {
		return nil
	}

	const maxReferencedRows = 100
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(ids) == maxReferencedRows {
			break
		}
		ids = append(ids, row.EventID)
	}
	ref := core.AlertReference{Kind: core.RefBatch, EventIDs: ids, RowCount: len(rows)}
	return e.sink.Emit(ctx, rule, ref)
}

// evaluateCounter streams matched rows through the shared counter state so
// accumulation carries across runs whose interval may exceed the window.
func (e *Evaluator) evaluateCounter(ctx context.Context, rule *core.DetectionRule, rows []core.EventRow) error {
	sc := rule.Stateful
	for i := range rows {
		row := &rows[i]
		values, ok := fieldValues(row, sc.AggregateOn)
		if !ok {
			continue
		}
		key := state.BuildKey(sc.KeyPrefix, rule.TenantID, values)

		count, err := e.store.CounterIncrement(ctx, key, sc.Window())
		if err != nil {
			return err
		}
		if count < sc.Threshold {
			continue
		}
		ref := core.AlertReference{Kind: core.RefAggregation, EventID: row.EventID, StateKey: key}
		if err := e.sink.Emit(ctx, rule, ref); err != nil {
			return err
		}
		if err := e.store.CounterReset(ctx, key); err != nil {
			e.logger.Warnw("Counter reset failed after alert", "key", key, "error", err)
		}
	}
	return nil
}

// evaluateSet runs novelty detection: the first value for an identity only
// establishes the baseline; each later distinct value alerts exactly once.
func (e *Evaluator) evaluateSet(ctx context.Context, rule *core.DetectionRule, rows []core.EventRow) error {
	sc := rule.Stateful
	for i := range rows {
		row := &rows[i]
		values, ok := fieldValues(row, sc.KeyFields())
		if !ok {
			continue
		}
		member, ok := row.Field(sc.ComparisonField)
		if !ok {
			continue
		}
		key := state.BuildKey(sc.KeyPrefix, rule.TenantID, values)

		res, err := e.store.SetAdd(ctx, key, member, sc.Window())
		if err != nil {
			return err
		}
		if !res.NewlyAdded || !res.WasNonempty {
			continue
		}
		ref := core.AlertReference{
			Kind:     core.RefAggregation,
			EventID:  row.EventID,
			StateKey: key,
			Member:   member,
		}
		if err := e.sink.Emit(ctx, rule, ref); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) recordFailure(ctx context.Context, rule *core.DetectionRule, reason string, err error) {
	metrics.ScheduledRuns.WithLabelValues(reason).Inc()
	metrics.RuleErrors.WithLabelValues(rule.ID, reason).Inc()
	e.logger.Errorw("Scheduled rule run failed",
		"rule_id", rule.ID,
		"tenant_id", rule.TenantID,
		"error_reason", reason,
		"error", err)
	if merr := e.runs.MarkError(context.WithoutCancel(ctx), rule.ID, rule.TenantID, err.Error()); merr != nil {
		e.logger.Warnw("Could not persist rule run error", "rule_id", rule.ID, "error", merr)
	}
}

func fieldValues(row *core.EventRow, fields []string) ([]string, bool) {
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := row.Field(f)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}
