package rules

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/auditconsole/classify/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, description, position, enabled, asset_type, field_pattern, content_pattern, level, created_by, created_at, updated_at`

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*models.ClassificationRule, error) {
	ruleID, err := uuid.Parse(id)
	if err != nil {
		return nil, models.NewValidationError("rule_id", "must be a uuid")
	}

	var rule models.ClassificationRule
	err = s.db.GetContext(ctx, &rule, `SELECT `+ruleColumns+` FROM classification_rules WHERE id = $1`, ruleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewNotFoundError("rule", ruleID)
		}
		return nil, models.Persistence("get rule", err)
	}
	return &rule, nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]*models.ClassificationRule, error) {
	var rules []*models.ClassificationRule
	err := s.db.SelectContext(ctx, &rules, `
		SELECT `+ruleColumns+` FROM classification_rules ORDER BY position ASC, id ASC
	`)
	if err != nil {
		return nil, models.Persistence("list rules", err)
	}
	return rules, nil
}

// ListEnabledRulesOrdered returns enabled rules in evaluation order.
func (s *PostgresStore) ListEnabledRulesOrdered(ctx context.Context) ([]*models.ClassificationRule, error) {
	var rules []*models.ClassificationRule
	err := s.db.SelectContext(ctx, &rules, `
		SELECT `+ruleColumns+` FROM classification_rules
		WHERE enabled = true ORDER BY position ASC, id ASC
	`)
	if err != nil {
		return nil, models.Persistence("list enabled rules", err)
	}
	return rules, nil
}

// CreateRule appends the rule after the current last position.
func (s *PostgresStore) CreateRule(ctx context.Context, rule *models.ClassificationRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	err := s.db.GetContext(ctx, &rule.Position, `
		INSERT INTO classification_rules (id, name, description, position, enabled, asset_type, field_pattern, content_pattern, level, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, (SELECT COALESCE(MAX(position), 0) + 1 FROM classification_rules), $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING position
	`, rule.ID, rule.Name, rule.Description, rule.Enabled, rule.AssetType, rule.FieldPattern,
		rule.ContentPattern, rule.Level, rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
	return models.Persistence("create rule", err)
}

// UpdateRule rewrites everything except the rule's position.
func (s *PostgresStore) UpdateRule(ctx context.Context, rule *models.ClassificationRule) error {
	rule.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE classification_rules SET
			name = $2, description = $3, enabled = $4, asset_type = $5,
			field_pattern = $6, content_pattern = $7, level = $8, updated_at = $9
		WHERE id = $1
	`, rule.ID, rule.Name, rule.Description, rule.Enabled, rule.AssetType,
		rule.FieldPattern, rule.ContentPattern, rule.Level, rule.UpdatedAt)
	if err != nil {
		return models.Persistence("update rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFoundError("rule", rule.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	ruleID, err := uuid.Parse(id)
	if err != nil {
		return models.NewValidationError("rule_id", "must be a uuid")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM classification_rules WHERE id = $1`, ruleID)
	if err != nil {
		return models.Persistence("delete rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFoundError("rule", ruleID)
	}
	return nil
}

// ReorderRules assigns positions 1..n in the given order within a single transaction.
func (s *PostgresStore) ReorderRules(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Persistence("reorder rules", err)
	}
	defer tx.Rollback()

	// Shift out of the way first so the unique(position) constraint holds mid-update.
	if _, err := tx.ExecContext(ctx, `UPDATE classification_rules SET position = -position`); err != nil {
		return models.Persistence("reorder rules", err)
	}

	now := time.Now()
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE classification_rules SET position = $2, updated_at = $3 WHERE id = $1
		`, id, i+1, now); err != nil {
			return models.Persistence("reorder rules", err)
		}
	}

	return models.Persistence("reorder rules", tx.Commit())
}
