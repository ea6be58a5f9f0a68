package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/auditconsole/classify/internal/models"
)

const assetColumns = `id, name, asset_type, sensitivity_level, manual_level, final_level, status,
	classification_method, classification_basis, needs_correction, submitted_by, reviewer_id,
	review_comment, version, created_at, updated_at, submitted_at, reviewed_at`

func (s *Store) CreateAsset(ctx context.Context, asset *models.DataAsset) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	now := time.Now()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	asset.Version = 1
	if asset.Status == "" {
		asset.Status = models.StatusActive
	}

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO data_assets (`+assetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		asset.ID, asset.Name, asset.AssetType, asset.SensitivityLevel, asset.ManualLevel, asset.FinalLevel,
		asset.Status, asset.ClassificationMethod, asset.ClassificationBasis, asset.NeedsCorrection,
		asset.SubmittedBy, asset.ReviewerID, asset.ReviewComment, asset.Version,
		asset.CreatedAt, asset.UpdatedAt, asset.SubmittedAt, asset.ReviewedAt,
	)
	return models.Persistence("create asset", err)
}

func (s *Store) GetAsset(ctx context.Context, id uuid.UUID) (*models.DataAsset, error) {
	return s.getAsset(ctx, id, false)
}

// GetAssetForUpdate locks the row until the surrounding transaction ends.
// Outside a transaction it behaves like GetAsset.
func (s *Store) GetAssetForUpdate(ctx context.Context, id uuid.UUID) (*models.DataAsset, error) {
	_, inTx := txFromContext(ctx)
	return s.getAsset(ctx, id, inTx)
}

func (s *Store) getAsset(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.DataAsset, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `SELECT ` + assetColumns + ` FROM data_assets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var asset models.DataAsset
	err := sqlx.GetContext(ctx, s.q(ctx), &asset, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("asset", id)
	}
	if err != nil {
		return nil, models.Persistence("get asset", err)
	}
	return &asset, nil
}

// SaveAsset writes every mutable column if the stored version still equals
// asset.Version, then bumps the version. A lost race yields ErrStateConflict.
func (s *Store) SaveAsset(ctx context.Context, asset *models.DataAsset) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE data_assets SET
			name = $3, asset_type = $4, sensitivity_level = $5, manual_level = $6, final_level = $7,
			status = $8, classification_method = $9, classification_basis = $10, needs_correction = $11,
			submitted_by = $12, reviewer_id = $13, review_comment = $14, updated_at = $15,
			submitted_at = $16, reviewed_at = $17, version = version + 1
		WHERE id = $1 AND version = $2
	`,
		asset.ID, asset.Version, asset.Name, asset.AssetType, asset.SensitivityLevel, asset.ManualLevel,
		asset.FinalLevel, asset.Status, asset.ClassificationMethod, asset.ClassificationBasis,
		asset.NeedsCorrection, asset.SubmittedBy, asset.ReviewerID, asset.ReviewComment, asset.UpdatedAt,
		asset.SubmittedAt, asset.ReviewedAt,
	)
	if err != nil {
		return models.Persistence("save asset", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return models.Persistence("save asset", err)
	}
	if n == 0 {
		return models.NewStateConflictError(asset.ID, fmt.Sprintf("stale write at version %d", asset.Version))
	}

	asset.Version++
	return nil
}

// ListUnclassifiedAssets returns assets that have never been given a
// sensitivity level and are not waiting on a review decision.
func (s *Store) ListUnclassifiedAssets(ctx context.Context, limit int) ([]*models.DataAsset, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `SELECT ` + assetColumns + ` FROM data_assets
		WHERE sensitivity_level IS NULL AND status <> 'PENDING_REVIEW'
		ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var assets []*models.DataAsset
	if err := sqlx.SelectContext(ctx, s.q(ctx), &assets, query); err != nil {
		return nil, models.Persistence("list unclassified assets", err)
	}
	return assets, nil
}

type ListAssetFilters struct {
	Status    *models.Status
	AssetType string
	// NewestSubmissionFirst orders by submission time instead of creation time.
	NewestSubmissionFirst bool
	Limit                 int
	Offset                int
}

// ListAssets returns a page of assets, newest first, and the total matching count.
func (s *Store) ListAssets(ctx context.Context, filters ListAssetFilters) ([]*models.DataAsset, int, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	baseQuery := `FROM data_assets WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filters.Status)
		argIdx++
	}
	if filters.AssetType != "" {
		baseQuery += fmt.Sprintf(" AND asset_type = $%d", argIdx)
		args = append(args, filters.AssetType)
	}

	var total int
	if err := sqlx.GetContext(ctx, s.q(ctx), &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, models.Persistence("count assets", err)
	}

	orderBy := " ORDER BY created_at DESC, id ASC"
	if filters.NewestSubmissionFirst {
		orderBy = " ORDER BY COALESCE(submitted_at, created_at) DESC, id ASC"
	}
	selectQuery := "SELECT " + assetColumns + " " + baseQuery + orderBy
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var assets []*models.DataAsset
	if err := sqlx.SelectContext(ctx, s.q(ctx), &assets, selectQuery, args...); err != nil {
		return nil, 0, models.Persistence("list assets", err)
	}
	return assets, total, nil
}

// ListAssetsByStatus returns one page of assets in the given status,
// newest submission first.
func (s *Store) ListAssetsByStatus(ctx context.Context, status models.Status, limit, offset int) ([]*models.DataAsset, int, error) {
	return s.ListAssets(ctx, ListAssetFilters{
		Status:                &status,
		NewestSubmissionFirst: true,
		Limit:                 limit,
		Offset:                offset,
	})
}

// CountAssetsByLevel returns approved-level counts for the dashboard digest.
func (s *Store) CountAssetsByLevel(ctx context.Context) (map[string]int, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var rows []struct {
		Level *models.Level `db:"sensitivity_level"`
		Count int           `db:"count"`
	}
	err := sqlx.SelectContext(ctx, s.q(ctx), &rows, `
		SELECT sensitivity_level, COUNT(*) AS count FROM data_assets GROUP BY sensitivity_level
	`)
	if err != nil {
		return nil, models.Persistence("count assets by level", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		key := "UNCLASSIFIED"
		if r.Level != nil {
			key = r.Level.String()
		}
		counts[key] = r.Count
	}
	return counts, nil
}
