package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

// SQLiteRunStateStorage persists per rule+tenant scheduler high-water marks.
type SQLiteRunStateStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

func NewSQLiteRunStateStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRunStateStorage {
	return &SQLiteRunStateStorage{sqlite: sqlite, logger: logger}
}

// Get returns nil without error when the pair has never run.
func (srs *SQLiteRunStateStorage) Get(ctx context.Context, ruleID, tenantID string) (*core.RuleRunState, error) {
	var (
		st        core.RuleRunState
		lastRunAt sql.NullString
		updatedAt string
	)
	err := srs.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT rule_id, tenant_id, last_run_at, last_error, updated_at
		FROM rule_run_state
		WHERE rule_id = ? AND tenant_id = ?`, ruleID, tenantID).
		Scan(&st.RuleID, &st.TenantID, &lastRunAt, &st.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run state for rule %s tenant %s: %w", ruleID, tenantID, err)
	}
	if lastRunAt.Valid && lastRunAt.String != "" {
		if st.LastRunAt, err = time.Parse(time.RFC3339Nano, lastRunAt.String); err != nil {
			return nil, fmt.Errorf("corrupt last_run_at for rule %s tenant %s: %w", ruleID, tenantID, err)
		}
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for rule %s tenant %s: %w", ruleID, tenantID, err)
	}
	return &st, nil
}

// MarkSuccess advances the high-water mark and clears the last error.
func (srs *SQLiteRunStateStorage) MarkSuccess(ctx context.Context, ruleID, tenantID string, runAt time.Time) error {
	_, err := srs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO rule_run_state (rule_id, tenant_id, last_run_at, last_error, updated_at)
		VALUES (?, ?, ?, '', ?)
		ON CONFLICT (rule_id, tenant_id) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_error = '',
			updated_at = excluded.updated_at`,
		ruleID, tenantID, runAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to mark run success for rule %s tenant %s: %w", ruleID, tenantID, err)
	}
	return nil
}

// MarkError records a failed run. The high-water mark keeps its old value
// so the window is re-scanned on the next tick.
func (srs *SQLiteRunStateStorage) MarkError(ctx context.Context, ruleID, tenantID, reason string) error {
	_, err := srs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO rule_run_state (rule_id, tenant_id, last_run_at, last_error, updated_at)
		VALUES (?, ?, NULL, ?, ?)
		ON CONFLICT (rule_id, tenant_id) DO UPDATE SET
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		ruleID, tenantID, reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to mark run error for rule %s tenant %s: %w", ruleID, tenantID, err)
	}
	return nil
}
