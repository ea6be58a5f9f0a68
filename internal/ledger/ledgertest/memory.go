// Package ledgertest provides an in-memory asset and history store for
// tests of packages built on the ledger.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auditconsole/classify/internal/models"
)

// Memory implements the asset, history and transaction contracts of the
// postgres store. Transactions are serialized and roll back by restoring a
// snapshot.
type Memory struct {
	txMu sync.Mutex

	mu      sync.Mutex
	assets  map[uuid.UUID]*models.DataAsset
	history []*models.ClassificationHistory

	// AppendErr, when set, is returned by every AppendHistory call.
	AppendErr error
}

func NewMemory() *Memory {
	return &Memory{assets: make(map[uuid.UUID]*models.DataAsset)}
}

// Seed stores a copy of asset, assigning an ID and version when missing.
func (m *Memory) Seed(asset *models.DataAsset) *models.DataAsset {
	m.mu.Lock()
	defer m.mu.Unlock()

	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.Version == 0 {
		asset.Version = 1
	}
	if asset.Status == "" {
		asset.Status = models.StatusActive
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now()
	}
	m.assets[asset.ID] = asset.Clone()
	return asset
}

// Asset returns a copy of the stored asset, or nil.
func (m *Memory) Asset(id uuid.UUID) *models.DataAsset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assets[id].Clone()
}

// Records returns every history record for id in append order.
func (m *Memory) Records(id uuid.UUID) []*models.ClassificationHistory {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ClassificationHistory
	for _, r := range m.history {
		if r.AssetID == id {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := make(map[uuid.UUID]*models.DataAsset, len(m.assets))
	for id, a := range m.assets {
		snapshot[id] = a.Clone()
	}
	historyLen := len(m.history)
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.assets = snapshot
		m.history = m.history[:historyLen]
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) GetAsset(_ context.Context, id uuid.UUID) (*models.DataAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return nil, models.NewNotFoundError("asset", id)
	}
	return a.Clone(), nil
}

func (m *Memory) GetAssetForUpdate(ctx context.Context, id uuid.UUID) (*models.DataAsset, error) {
	return m.GetAsset(ctx, id)
}

func (m *Memory) SaveAsset(_ context.Context, asset *models.DataAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.assets[asset.ID]
	if !ok {
		return models.NewNotFoundError("asset", asset.ID)
	}
	if current.Version != asset.Version {
		return models.NewStateConflictError(asset.ID, "stale write")
	}
	asset.Version++
	m.assets[asset.ID] = asset.Clone()
	return nil
}

func (m *Memory) ListUnclassifiedAssets(_ context.Context, limit int) ([]*models.DataAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.DataAsset
	for _, a := range m.assets {
		if a.SensitivityLevel == nil && a.Status != models.StatusPendingReview {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListAssetsByStatus(_ context.Context, status models.Status, limit, offset int) ([]*models.DataAsset, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.DataAsset
	for _, a := range m.assets {
		if a.Status == status {
			matched = append(matched, a.Clone())
		}
	}
	submitted := func(a *models.DataAsset) time.Time {
		if a.SubmittedAt != nil {
			return *a.SubmittedAt
		}
		return a.CreatedAt
	}
	sort.Slice(matched, func(i, j int) bool { return submitted(matched[i]).After(submitted(matched[j])) })

	total := len(matched)
	if offset >= total {
		return []*models.DataAsset{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (m *Memory) AppendHistory(_ context.Context, record *models.ClassificationHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	c := *record
	m.history = append(m.history, &c)
	return nil
}

func (m *Memory) ListHistory(_ context.Context, assetID uuid.UUID) ([]*models.ClassificationHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ClassificationHistory
	for i := len(m.history) - 1; i >= 0; i-- {
		if r := m.history[i]; r.AssetID == assetID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}
