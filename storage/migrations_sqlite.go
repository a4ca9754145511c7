package storage

import "fmt"

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'medium',
		definition TEXT NOT NULL,
		engine_type TEXT NOT NULL,
		is_stateful INTEGER NOT NULL DEFAULT 0,
		stateful_config TEXT,
		complexity_reasons TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_engine_active
		ON rules(engine_type, active)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_tenant
		ON rules(tenant_id)`,

	`CREATE TABLE IF NOT EXISTS rule_run_state (
		rule_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		last_run_at DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (rule_id, tenant_id)
	)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		reference TEXT NOT NULL,
		detected_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_tenant_detected
		ON alerts(tenant_id, detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_rule
		ON alerts(rule_id)`,
}

func (s *SQLite) migrate() error {
	for i, stmt := range sqliteMigrations {
		if _, err := s.WriteDB.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
