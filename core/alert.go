package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStatus represents the lifecycle status of an alert. The engine only
// ever creates alerts as open; later transitions belong to case management.
type AlertStatus string

const (
	// AlertStatusOpen is the status of every newly detected episode.
	AlertStatusOpen AlertStatus = "open"
)

// ReferenceKind distinguishes what a detection alert points at.
type ReferenceKind string

const (
	// RefSingleEvent references one live event (non-stateful real-time match).
	RefSingleEvent ReferenceKind = "event"
	// RefBatch references the batch of rows matched in one scheduled run.
	RefBatch ReferenceKind = "batch"
	// RefAggregation references the triggering event or row plus the state
	// key whose threshold or novelty check fired.
	RefAggregation ReferenceKind = "aggregation"
)

// AlertReference captures the triggering context of an alert: the event or
// row that fired it, sibling rows in the same batch, and the state key for
// stateful detections. Full episode history is deliberately not retained.
type AlertReference struct {
	Kind     ReferenceKind `json:"kind"`
	EventID  string        `json:"event_id,omitempty"`
	EventIDs []string      `json:"event_ids,omitempty"`
	StateKey string        `json:"state_key,omitempty"`
	Member   string        `json:"member,omitempty"` // novel value, set tracking only
	RowCount int           `json:"row_count,omitempty"`
}

// Alert is a durably recorded detected episode. Immutable once created.
type Alert struct {
	AlertID    string         `json:"alert_id"`
	TenantID   string         `json:"tenant_id"`
	RuleID     string         `json:"rule_id"`
	RuleName   string         `json:"rule_name"`
	Severity   string         `json:"severity"`
	Status     AlertStatus    `json:"status"`
	Reference  AlertReference `json:"reference"`
	DetectedAt time.Time      `json:"detected_at"`
}

// NewAlert builds an open alert for a detected episode. Alert IDs come from
// a collision-resistant generator so both engines can create them
// concurrently without a shared sequence.
func NewAlert(rule *DetectionRule, ref AlertReference) (*Alert, error) {
	if rule == nil {
		return nil, fmt.Errorf("cannot create alert from nil rule")
	}
	if rule.TenantID == "" {
		return nil, fmt.Errorf("rule %s has no tenant", rule.ID)
	}
	return &Alert{
		AlertID:    uuid.NewString(),
		TenantID:   rule.TenantID,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Severity:   rule.Severity,
		Status:     AlertStatusOpen,
		Reference:  ref,
		DetectedAt: time.Now().UTC(),
	}, nil
}
