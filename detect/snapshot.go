package detect

import (
	"context"
	"sync/atomic"
	"time"

	"aegis/classify"
	"aegis/core"
	"aegis/metrics"
	"aegis/util/goroutine"

	"go.uber.org/zap"
)

// RuleSource is the read side of the external rule store.
type RuleSource interface {
	GetActiveRules(ctx context.Context, engine core.EngineType) ([]core.DetectionRule, error)
}

// Snapshot is an immutable view of the active real-time rules, grouped by
// tenant. Readers always see a complete snapshot; refresh replaces the
// whole pointer, never mutates in place.
type Snapshot struct {
	byTenant map[string][]core.DetectionRule
	total    int
	loadedAt time.Time
}

// RulesForTenant returns the tenant's rules in this snapshot.
func (s *Snapshot) RulesForTenant(tenantID string) []core.DetectionRule {
	if s == nil {
		return nil
	}
	return s.byTenant[tenantID]
}

// Len returns the total rule count across tenants.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return s.total
}

// SnapshotCache refreshes the rule snapshot on a bounded interval. The
// matcher tolerates bounded staleness; it never blocks on the rule store.
type SnapshotCache struct {
	current  atomic.Pointer[Snapshot]
	source   RuleSource
	opts     classify.Options
	interval time.Duration
	logger   *zap.SugaredLogger
	cancel   context.CancelFunc
}

// NewSnapshotCache creates the cache. Call Refresh once before serving
// events, then Start for periodic refresh.
func NewSnapshotCache(source RuleSource, interval time.Duration, opts classify.Options, logger *zap.SugaredLogger) *SnapshotCache {
	return &SnapshotCache{
		source:   source,
		opts:     opts,
		interval: interval,
		logger:   logger,
	}
}

// Current returns the active snapshot. May be nil before the first refresh.
func (c *SnapshotCache) Current() *Snapshot {
	return c.current.Load()
}

// Refresh loads active real-time rules, compiles their selection trees, and
// swaps the snapshot atomically.
func (c *SnapshotCache) Refresh(ctx context.Context) error {
	rules, err := c.source.GetActiveRules(ctx, core.EngineRealTime)
	if err != nil {
		return err
	}
	compiled := classify.CompileRules(rules, c.opts, c.logger)

	byTenant := make(map[string][]core.DetectionRule)
	for _, rule := range compiled {
		byTenant[rule.TenantID] = append(byTenant[rule.TenantID], rule)
	}

	c.current.Store(&Snapshot{
		byTenant: byTenant,
		total:    len(compiled),
		loadedAt: time.Now(),
	})
	metrics.RuleSnapshotSize.WithLabelValues(string(core.EngineRealTime)).Set(float64(len(compiled)))
	metrics.RuleSnapshotAge.Set(0)
	c.logger.Debugf("Rule snapshot refreshed: %d rules across %d tenants", len(compiled), len(byTenant))
	return nil
}

// Start launches the periodic refresher. A failed refresh keeps the
// previous snapshot; staleness is bounded by the next successful tick.
func (c *SnapshotCache) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	c.cancel = cancel

	go func() {
		defer goroutine.Recover("rule-snapshot-refresh", c.logger)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Warnw("Rule snapshot refresh failed, keeping previous snapshot", "error", err)
				}
				if snap := c.Current(); snap != nil {
					metrics.RuleSnapshotAge.Set(time.Since(snap.loadedAt).Seconds())
				}
			}
		}
	}()
}

// Stop stops the refresher.
func (c *SnapshotCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}
