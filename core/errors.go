package core

import (
	"fmt"
	"time"
)

// The engine's error taxonomy. Classification errors surface synchronously
// to the rule-creation caller; all runtime errors stay inside the engines
// and are exposed only through logs and error counters.

// ValidationError rejects a malformed rule or stateful config at
// classification time. The rule is never activated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("rule validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("rule validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientStoreError marks a stateful-store operation that failed because
// the store was unreachable. Callers fail open for the current event or run
// and retry on the next cycle.
type TransientStoreError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("stateful store %s on %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// QueryError marks a durable-store query failure for one scheduled rule run.
// Isolated to that rule+tenant; the scheduler loop continues.
type QueryError struct {
	RuleID   string
	TenantID string
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query for rule %s tenant %s: %v", e.RuleID, e.TenantID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TimeoutError marks a scheduled rule run that exceeded its execution-time
// ceiling. Only the offending run is aborted.
type TimeoutError struct {
	RuleID   string
	TenantID string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rule %s tenant %s run timed out after %v", e.RuleID, e.TenantID, e.Elapsed)
}
