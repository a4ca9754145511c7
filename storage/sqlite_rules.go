package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aegis/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRuleNotFound is returned when a rule ID does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// SQLiteRuleStorage handles rule persistence. It is the RuleSource both
// engines load their working sets from.
type SQLiteRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

func NewSQLiteRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRuleStorage {
	return &SQLiteRuleStorage{sqlite: sqlite, logger: logger}
}

const ruleColumns = `id, tenant_id, name, description, severity, definition,
		engine_type, is_stateful, stateful_config, complexity_reasons,
		active, created_at, updated_at`

// CreateRule persists a classified rule. The rule must already carry its
// engine assignment; storage never re-classifies.
func (srs *SQLiteRuleStorage) CreateRule(ctx context.Context, rule *core.DetectionRule) error {
	if rule.TenantID == "" {
		return core.NewValidationError("tenant_id", "rule must belong to a tenant")
	}
	if rule.EngineType == "" {
		return core.NewValidationError("engine_type", "rule has no engine assignment")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	statefulJSON, err := marshalNullable(rule.Stateful)
	if err != nil {
		return fmt.Errorf("failed to encode stateful config: %w", err)
	}
	reasonsJSON, err := marshalNullable(rule.ComplexReasons)
	if err != nil {
		return fmt.Errorf("failed to encode complexity reasons: %w", err)
	}

	_, err = srs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, rule.Description, rule.Severity,
		rule.Definition, string(rule.EngineType), boolToInt(rule.IsStateful),
		statefulJSON, reasonsJSON, boolToInt(rule.Active),
		rule.CreatedAt.Format(time.RFC3339Nano), rule.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetRule fetches one rule by ID.
func (srs *SQLiteRuleStorage) GetRule(ctx context.Context, id string) (*core.DetectionRule, error) {
	row := srs.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %s: %w", id, err)
	}
	return rule, nil
}

// GetActiveRules returns every active rule assigned to the given engine,
// across all tenants. Compilation happens at the caller.
func (srs *SQLiteRuleStorage) GetActiveRules(ctx context.Context, engine core.EngineType) ([]core.DetectionRule, error) {
	rows, err := srs.sqlite.ReadDB.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE engine_type = ? AND active = 1
		ORDER BY tenant_id, created_at`, string(engine))
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}
	defer rows.Close()

	var out []core.DetectionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// ListRules returns a tenant's rules, newest first.
func (srs *SQLiteRuleStorage) ListRules(ctx context.Context, tenantID string, limit, offset int) ([]core.DetectionRule, error) {
	rows, err := srs.sqlite.ReadDB.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []core.DetectionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// SetRuleActive flips a rule's active flag. The next snapshot refresh or
// scheduler tick picks the change up.
func (srs *SQLiteRuleStorage) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := srs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE rules SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule and its run state.
func (srs *SQLiteRuleStorage) DeleteRule(ctx context.Context, id string) error {
	res, err := srs.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	_, err = srs.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM rule_run_state WHERE rule_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run state for rule %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*core.DetectionRule, error) {
	var (
		rule         core.DetectionRule
		engineType   string
		isStateful   int
		active       int
		statefulJSON sql.NullString
		reasonsJSON  sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
		&rule.Severity, &rule.Definition, &engineType, &isStateful,
		&statefulJSON, &reasonsJSON, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rule.EngineType = core.EngineType(engineType)
	rule.IsStateful = isStateful != 0
	rule.Active = active != 0
	if rule.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for rule %s: %w", rule.ID, err)
	}
	if rule.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for rule %s: %w", rule.ID, err)
	}

	if statefulJSON.Valid && statefulJSON.String != "" {
		var sc core.StatefulConfig
		if err := json.Unmarshal([]byte(statefulJSON.String), &sc); err != nil {
			return nil, fmt.Errorf("corrupt stateful config for rule %s: %w", rule.ID, err)
		}
		rule.Stateful = &sc
	}
	if reasonsJSON.Valid && reasonsJSON.String != "" {
		if err := json.Unmarshal([]byte(reasonsJSON.String), &rule.ComplexReasons); err != nil {
			return nil, fmt.Errorf("corrupt complexity reasons for rule %s: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *core.StatefulConfig:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
