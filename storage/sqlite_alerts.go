package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

// ErrAlertNotFound is returned when an alert ID does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// SQLiteAlertStorage persists alerts created by the emitter.
type SQLiteAlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStorage {
	return &SQLiteAlertStorage{sqlite: sqlite, logger: logger}
}

// CreateAlert durably records one alert. Alerts are immutable after this.
func (sas *SQLiteAlertStorage) CreateAlert(ctx context.Context, alert *core.Alert) error {
	refJSON, err := json.Marshal(alert.Reference)
	if err != nil {
		return fmt.Errorf("failed to encode alert reference: %w", err)
	}
	_, err = sas.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, tenant_id, rule_id, rule_name, severity,
			status, reference, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID, alert.TenantID, alert.RuleID, alert.RuleName,
		alert.Severity, string(alert.Status), string(refJSON),
		alert.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// GetAlert fetches one alert by ID.
func (sas *SQLiteAlertStorage) GetAlert(ctx context.Context, alertID string) (*core.Alert, error) {
	row := sas.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT alert_id, tenant_id, rule_id, rule_name, severity, status,
			reference, detected_at
		FROM alerts WHERE alert_id = ?`, alertID)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", alertID, err)
	}
	return alert, nil
}

// ListAlerts returns a tenant's alerts, newest first.
func (sas *SQLiteAlertStorage) ListAlerts(ctx context.Context, tenantID string, limit, offset int) ([]core.Alert, error) {
	rows, err := sas.sqlite.ReadDB.QueryContext(ctx, `
		SELECT alert_id, tenant_id, rule_id, rule_name, severity, status,
			reference, detected_at
		FROM alerts
		WHERE tenant_id = ?
		ORDER BY detected_at DESC
		LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []core.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, *alert)
	}
	return out, rows.Err()
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		alert      core.Alert
		status     string
		refJSON    string
		detectedAt string
	)
	err := row.Scan(&alert.AlertID, &alert.TenantID, &alert.RuleID,
		&alert.RuleName, &alert.Severity, &status, &refJSON, &detectedAt)
	if err != nil {
		return nil, err
	}
	alert.Status = core.AlertStatus(status)
	if alert.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt); err != nil {
		return nil, fmt.Errorf("corrupt detected_at for alert %s: %w", alert.AlertID, err)
	}
	if err := json.Unmarshal([]byte(refJSON), &alert.Reference); err != nil {
		return nil, fmt.Errorf("corrupt reference for alert %s: %w", alert.AlertID, err)
	}
	return &alert, nil
}
