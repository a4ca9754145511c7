// Package alerting turns detected episodes into durable alerts. Both
// engines funnel through a single emitter so alert creation, persistence
// and notification behave identically regardless of which engine fired.
package alerting

import (
	"context"
	"fmt"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/notify"
	"aegis/util/goroutine"

	"go.uber.org/zap"
)

// AlertStorage persists alerts. Implemented by the SQLite alert store.
type AlertStorage interface {
	CreateAlert(ctx context.Context, alert *core.Alert) error
}

// Emitter implements detect.AlertSink. Persistence is synchronous so a
// detected episode is never silently lost; notification is asynchronous
// and best effort.
type Emitter struct {
	storage       AlertStorage
	notifier      notify.Notifier
	notifyTimeout time.Duration
	logger        *zap.SugaredLogger
}

func NewEmitter(storage AlertStorage, notifier notify.Notifier, notifyTimeout time.Duration, logger *zap.SugaredLogger) *Emitter {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	return &Emitter{
		storage:       storage,
		notifier:      notifier,
		notifyTimeout: notifyTimeout,
		logger:        logger,
	}
}

// Emit creates and persists one alert for a detected episode, then hands it
// to the notifier without waiting for delivery.
func (e *Emitter) Emit(ctx context.Context, rule *core.DetectionRule, ref core.AlertReference) error {
	alert, err := core.NewAlert(rule, ref)
	if err != nil {
		return fmt.Errorf("create alert for rule %s: %w", rule.ID, err)
	}

	if err := e.storage.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("persist alert %s: %w", alert.AlertID, err)
	}

	metrics.AlertsGenerated.WithLabelValues(alert.Severity).Inc()
	e.logger.Infow("Alert generated",
		"alert_id", alert.AlertID,
		"tenant_id", alert.TenantID,
		"rule_id", alert.RuleID,
		"rule_name", alert.RuleName,
		"severity", alert.Severity,
		"reference_kind", alert.Reference.Kind)

	go func() {
		defer goroutine.Recover("alert-notify", e.logger)
		nctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(nctx, alert); err != nil {
			metrics.AlertNotifyFailures.Inc()
			e.logger.Warnw("Alert notification failed",
				"alert_id", alert.AlertID,
				"error", err)
		}
	}()

	return nil
}
