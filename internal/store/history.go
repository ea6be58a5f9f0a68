package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/auditconsole/classify/internal/models"
)

// The history ledger is append-only: there is no update or delete.

const historyColumns = `id, asset_id, old_level, new_level, method, reason, operator_id, created_at`

func (s *Store) AppendHistory(ctx context.Context, record *models.ClassificationHistory) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO classification_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.AssetID, record.OldLevel, record.NewLevel, record.Method,
		record.Reason, record.OperatorID, record.CreatedAt)
	return models.Persistence("append history", err)
}

// ListHistory returns an asset's timeline, newest first.
func (s *Store) ListHistory(ctx context.Context, assetID uuid.UUID) ([]*models.ClassificationHistory, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var records []*models.ClassificationHistory
	err := sqlx.SelectContext(ctx, s.q(ctx), &records, `
		SELECT `+historyColumns+` FROM classification_history
		WHERE asset_id = $1 ORDER BY created_at DESC, seq DESC
	`, assetID)
	if err != nil {
		return nil, models.Persistence("list history", err)
	}
	return records, nil
}
