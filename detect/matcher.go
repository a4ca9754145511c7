package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/state"
	"aegis/util/goroutine"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AlertSink is the shared sink both engines call on detection.
type AlertSink interface {
	Emit(ctx context.Context, rule *core.DetectionRule, ref core.AlertReference) error
}

// Matcher evaluates real-time rules against the live event stream. One
// worker per stream partition; ordering holds only within a partition.
type Matcher struct {
	cache      *SnapshotCache
	store      state.Store
	sink       AlertSink
	partitions []<-chan *core.Event
	outputCh   chan<- *core.Event // durable storage feed, may be nil

	dedup     *lru.Cache[string, struct{}]
	storeWarn *rate.Limiter

	logger *zap.SugaredLogger
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewMatcher creates a stream matcher over the given partitions. outputCh
// receives every event for durable storage; pass nil to disable forwarding.
func NewMatcher(cache *SnapshotCache, store state.Store, sink AlertSink, partitions []<-chan *core.Event, outputCh chan<- *core.Event, dedupCacheSize int, logger *zap.SugaredLogger) (*Matcher, error) {
	if dedupCacheSize <= 0 {
		dedupCacheSize = 8192
	}
	dedup, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Matcher{
		cache:      cache,
		store:      store,
		sink:       sink,
		partitions: partitions,
		outputCh:   outputCh,
		dedup:      dedup,
		storeWarn:  rate.NewLimiter(rate.Every(10*time.Second), 1),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches one worker per partition.
func (m *Matcher) Start() {
	m.logger.Infof("Stream matcher starting with %d partition workers", len(m.partitions))
	for i, ch := range m.partitions {
		m.wg.Add(1)
		go m.worker(i, ch)
	}
}

// Stop shuts the workers down, waiting up to 30s for in-flight events.
func (m *Matcher) Stop() {
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Stream matcher stopped")
	case <-time.After(30 * time.Second):
		m.logger.Warn("Stream matcher shutdown timed out, some workers may still be running")
	}
}

func (m *Matcher) worker(partition int, ch <-chan *core.Event) {
	defer m.wg.Done()
	defer goroutine.Recover("stream-matcher", m.logger)

	label := strconv.Itoa(partition)
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			start := time.Now()
			m.processEvent(event)
			metrics.EventsProcessed.WithLabelValues(label).Inc()
			metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())

			if m.outputCh != nil {
				select {
				case m.outputCh <- event:
				default:
					m.logger.Warnf("Dropped event %s on full storage channel", event.EventID)
				}
			}
		}
	}
}

func (m *Matcher) processEvent(event *core.Event) {
	if event.TenantID == "" {
		return
	}

	// At-least-once delivery: suppress exact redelivery best-effort. A
	// duplicate falling out of the cache can still cause a premature
	// threshold crossing; accepted limitation.
	if event.EventID != "" {
		key := event.TenantID + "\x00" + event.EventID
		if _, seen := m.dedup.Get(key); seen {
			metrics.DuplicateEventsSuppressed.Inc()
			return
		}
		m.dedup.Add(key, struct{}{})
	}

	snap := m.cache.Current()
	for _, rule := range snap.RulesForTenant(event.TenantID) {
		if !rule.Active || rule.Selection == nil {
			continue
		}
		if !Evaluate(rule.Selection, event) {
			continue
		}
		if rule.IsStateful && rule.Stateful != nil {
			m.trackCounter(&rule, event)
			continue
		}
		// Non-stateful match: one alert per matching event.
		ref := core.AlertReference{Kind: core.RefSingleEvent, EventID: event.EventID}
		if err := m.sink.Emit(context.Background(), &rule, ref); err != nil {
			m.logger.Errorw("Failed to emit alert", "rule_id", rule.ID, "error", err)
		}
	}
}

// trackCounter runs the counter accumulation for a stateful real-time rule.
// Store outages fail open: the stateful check is skipped for this event and
// retried on the next one.
func (m *Matcher) trackCounter(rule *core.DetectionRule, event *core.Event) {
	sc := rule.Stateful
	if sc.TrackingType != core.TrackingCounter {
		// Set tracking is owned by the scheduled engine by construction.
		return
	}

	values := make([]string, 0, len(sc.AggregateOn))
	for _, field := range sc.AggregateOn {
		v, ok := event.Field(field)
		if !ok {
			return // key incomplete, nothing to track
		}
		values = append(values, v)
	}
	key := state.BuildKey(sc.KeyPrefix, event.TenantID, values)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := m.store.CounterIncrement(ctx, key, sc.Window())
	if err != nil {
		var tse *core.TransientStoreError
		if errors.As(err, &tse) && m.storeWarn.Allow() {
			m.logger.Warnw("Stateful store unreachable, skipping stateful check",
				"rule_id", rule.ID, "error", err)
		}
		metrics.RuleErrors.WithLabelValues(rule.ID, "store").Inc()
		return
	}
	if count < sc.Threshold {
		return
	}

	ref := core.AlertReference{
		Kind:     core.RefAggregation,
		EventID:  event.EventID,
		StateKey: key,
	}
	if err := m.sink.Emit(ctx, rule, ref); err != nil {
		m.logger.Errorw("Failed to emit threshold alert", "rule_id", rule.ID, "error", err)
		return
	}
	// Start a fresh episode. A failed reset self-heals via the key TTL.
	if err := m.store.CounterReset(ctx, key); err != nil {
		m.logger.Warnw("Counter reset failed after alert", "key", key, "error", err)
	}
}
