package classification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditconsole/classify/internal/ledger"
	"github.com/auditconsole/classify/internal/ledger/ledgertest"
	"github.com/auditconsole/classify/internal/lock"
	"github.com/auditconsole/classify/internal/models"
	"github.com/auditconsole/classify/internal/notifications"
	"github.com/auditconsole/classify/internal/rules"
)

type staticRules struct {
	rules []*models.ClassificationRule
	err   error
}

func (s *staticRules) ListEnabledRulesOrdered(context.Context) ([]*models.ClassificationRule, error) {
	return s.rules, s.err
}

type recordingNotifier struct {
	mu        sync.Mutex
	requested []uuid.UUID
	sweeps    []notifications.SweepStats
}

func (n *recordingNotifier) NotifyReviewRequested(_ context.Context, asset *models.DataAsset) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested = append(n.requested, asset.ID)
	return nil
}

func (n *recordingNotifier) NotifySweepComplete(_ context.Context, stats notifications.SweepStats) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sweeps = append(n.sweeps, stats)
	return nil
}

func bankRules() []*models.ClassificationRule {
	return []*models.ClassificationRule{
		{ID: uuid.New(), Name: "card", Enabled: true, FieldPattern: ".*card.*", Level: models.LevelRestricted},
		{ID: uuid.New(), Name: "phone", Enabled: true, FieldPattern: ".*phone.*", Level: models.LevelConfidential},
		{ID: uuid.New(), Name: "reference", Enabled: true, AssetType: "REFERENCE", Level: models.LevelPublic},
	}
}

func newEngine(mem *ledgertest.Memory, ruleset []*models.ClassificationRule, opts ...Option) *Engine {
	l := ledger.New(mem, mem, mem, lock.NewLocal())
	return New(&staticRules{rules: ruleset}, mem, l, rules.NewMatcher(16), opts...)
}

func TestClassifyAsset(t *testing.T) {
	e := newEngine(ledgertest.NewMemory(), bankRules())
	ctx := context.Background()

	tests := []struct {
		name  string
		asset *models.DataAsset
		want  models.Level
	}{
		{"card column", &models.DataAsset{Name: "customer.card_number", AssetType: "COLUMN"}, models.LevelRestricted},
		{"first match wins", &models.DataAsset{Name: "card_phone", AssetType: "COLUMN"}, models.LevelRestricted},
		{"type filter", &models.DataAsset{Name: "branch_codes", AssetType: "REFERENCE"}, models.LevelPublic},
		{"default", &models.DataAsset{Name: "notes", AssetType: "COLUMN"}, models.DefaultLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ClassifyAsset(ctx, tt.asset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := e.ClassifyAsset(ctx, nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestClassifyAsset_RuleLoadFailure(t *testing.T) {
	mem := ledgertest.NewMemory()
	l := ledger.New(mem, mem, mem, lock.NewLocal())
	loadErr := models.Persistence("list rules", errors.New("connection refused"))
	e := New(&staticRules{err: loadErr}, mem, l, rules.NewMatcher(16))

	_, err := e.ClassifyAsset(context.Background(), &models.DataAsset{Name: "x"})
	assert.ErrorIs(t, err, models.ErrPersistence)
}

func TestClassifyAndCommit(t *testing.T) {
	mem := ledgertest.NewMemory()
	e := newEngine(mem, bankRules())
	ctx := context.Background()

	asset := mem.Seed(&models.DataAsset{Name: "customer.card_number", AssetType: "COLUMN"})

	out, err := e.ClassifyAndCommit(ctx, asset.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.LevelRestricted, out.Level)
	assert.Equal(t, "card", out.RuleName)
	assert.True(t, out.Changed)

	stored := mem.Asset(asset.ID)
	assert.Equal(t, models.LevelRestricted, *stored.SensitivityLevel)
	assert.Equal(t, models.LevelRestricted, *stored.FinalLevel)
	assert.Equal(t, models.MethodAuto, stored.ClassificationMethod)
	assert.Equal(t, models.StatusActive, stored.Status)

	records := mem.Records(asset.ID)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].OldLevel)
	assert.Equal(t, "op-1", records[0].OperatorID)

	// Reclassifying to the same level changes nothing in the ledger.
	out, err = e.ClassifyAndCommit(ctx, asset.ID, "op-1")
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Len(t, mem.Records(asset.ID), 1)
}

func TestClassifyAndCommit_Validation(t *testing.T) {
	e := newEngine(ledgertest.NewMemory(), bankRules())
	ctx := context.Background()

	_, err := e.ClassifyAndCommit(ctx, uuid.Nil, "op")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.ClassifyAndCommit(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.ClassifyAndCommit(ctx, uuid.New(), "op")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClassifyAndCommit_PendingReviewConflicts(t *testing.T) {
	mem := ledgertest.NewMemory()
	e := newEngine(mem, bankRules())

	asset := mem.Seed(&models.DataAsset{
		Name:       "phone",
		Status:     models.StatusPendingReview,
		FinalLevel: models.LevelPtr(models.LevelRestricted),
	})

	_, err := e.ClassifyAndCommit(context.Background(), asset.ID, "op")
	assert.ErrorIs(t, err, models.ErrStateConflict)
	assert.Equal(t, models.LevelRestricted, *mem.Asset(asset.ID).FinalLevel, "proposal must survive")
}

func TestClassifyAndCommit_StageSensitive(t *testing.T) {
	mem := ledgertest.NewMemory()
	n := &recordingNotifier{}
	e := newEngine(mem, bankRules(), WithStageSensitive(true), WithNotifier(n))
	ctx := context.Background()

	high := mem.Seed(&models.DataAsset{Name: "card_pan"})
	low := mem.Seed(&models.DataAsset{Name: "remarks"})

	out, err := e.ClassifyAndCommit(ctx, high.ID, "op")
	require.NoError(t, err)
	assert.True(t, out.Staged)

	stored := mem.Asset(high.ID)
	assert.Nil(t, stored.SensitivityLevel)
	assert.Equal(t, models.LevelRestricted, *stored.FinalLevel)
	assert.Equal(t, models.StatusPendingReview, stored.Status)
	assert.Empty(t, mem.Records(high.ID))
	assert.Equal(t, []uuid.UUID{high.ID}, n.requested)

	out, err = e.ClassifyAndCommit(ctx, low.ID, "op")
	require.NoError(t, err)
	assert.False(t, out.Staged)
	assert.Equal(t, models.StatusActive, mem.Asset(low.ID).Status)
}

func TestBatchClassify_PartialFailure(t *testing.T) {
	mem := ledgertest.NewMemory()
	e := newEngine(mem, bankRules())

	a := mem.Seed(&models.DataAsset{Name: "card_no"})
	b := mem.Seed(&models.DataAsset{Name: "mobile_phone"})
	missing := uuid.New()

	levels, result, err := e.BatchClassify(context.Background(), []uuid.UUID{a.ID, missing, b.ID, a.ID}, "op")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total, "duplicates are collapsed")
	assert.Equal(t, 2, result.Succeeded)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, missing, result.Failures[0].AssetID)
	assert.False(t, result.Failures[0].Skipped)

	assert.Equal(t, models.LevelRestricted, levels[a.ID])
	assert.Equal(t, models.LevelConfidential, levels[b.ID])
	assert.NotNil(t, mem.Asset(a.ID).SensitivityLevel)
}

func TestClassifyAllUnclassified(t *testing.T) {
	mem := ledgertest.NewMemory()
	n := &recordingNotifier{}
	e := newEngine(mem, bankRules(), WithNotifier(n))

	mem.Seed(&models.DataAsset{Name: "card_no"})
	mem.Seed(&models.DataAsset{Name: "comments"})
	mem.Seed(&models.DataAsset{Name: "phone", SensitivityLevel: models.LevelPtr(models.LevelConfidential)})
	mem.Seed(&models.DataAsset{Name: "card_cvv", Status: models.StatusPendingReview, FinalLevel: models.LevelPtr(models.LevelRestricted)})

	count, err := e.ClassifyAllUnclassified(context.Background(), SystemOperator)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, n.sweeps, 1)
	assert.Equal(t, 2, n.sweeps[0].Scanned, "assets awaiting review are not swept")
	assert.Equal(t, 0, n.sweeps[0].Skipped)
	assert.Equal(t, 0, n.sweeps[0].Failed)

	count, err = e.ClassifyAllUnclassified(context.Background(), SystemOperator)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Len(t, n.sweeps, 1, "an empty sweep sends no summary")
}

func TestClassifyAllUnclassified_LimitSkipsPendingAssets(t *testing.T) {
	mem := ledgertest.NewMemory()
	e := newEngine(mem, bankRules(), WithSweepLimit(1))
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	mem.Seed(&models.DataAsset{
		Name:       "card_pan",
		Status:     models.StatusPendingReview,
		FinalLevel: models.LevelPtr(models.LevelRestricted),
		CreatedAt:  old,
	})
	first := mem.Seed(&models.DataAsset{Name: "notes", CreatedAt: old.Add(time.Minute)})
	second := mem.Seed(&models.DataAsset{Name: "customer_phone", CreatedAt: old.Add(2 * time.Minute)})

	count, err := e.ClassifyAllUnclassified(ctx, SystemOperator)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NotNil(t, mem.Asset(first.ID).SensitivityLevel)
	assert.Nil(t, mem.Asset(second.ID).SensitivityLevel)

	count, err = e.ClassifyAllUnclassified(ctx, SystemOperator)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NotNil(t, mem.Asset(second.ID).SensitivityLevel)
	assert.Equal(t, models.LevelConfidential, *mem.Asset(second.ID).SensitivityLevel)
}

func TestMatchRules(t *testing.T) {
	e := newEngine(ledgertest.NewMemory(), bankRules())
	ctx := context.Background()

	rule, err := e.MatchRules(ctx, "home_phone", "")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, models.LevelConfidential, rule.Level)

	rule, err = e.MatchRules(ctx, "remarks", "free text")
	require.NoError(t, err)
	assert.Nil(t, rule, "no match is not the default level")

	_, err = e.MatchRules(ctx, "", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestNeedManualReview(t *testing.T) {
	e := newEngine(ledgertest.NewMemory(), nil)
	id := uuid.New()

	assert.False(t, e.NeedManualReview(id, models.LevelPublic))
	assert.False(t, e.NeedManualReview(id, models.LevelInternal))
	assert.True(t, e.NeedManualReview(id, models.LevelConfidential))
	assert.True(t, e.NeedManualReview(id, models.LevelRestricted))
}
