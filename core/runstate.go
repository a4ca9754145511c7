package core

import "time"

// RuleRunState is the scheduled engine's per rule+tenant bookkeeping: the
// high-water mark of already-scanned data and the last run error, if any.
type RuleRunState struct {
	RuleID    string    `json:"rule_id"`
	TenantID  string    `json:"tenant_id"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
