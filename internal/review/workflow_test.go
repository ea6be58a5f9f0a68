package review

import (
	"context"
	"fmt"
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
)

type decision struct {
	assetID  uuid.UUID
	approved bool
}

type recordingNotifier struct {
	mu        sync.Mutex
	requested []uuid.UUID
	decisions []decision
}

func (n *recordingNotifier) NotifyReviewRequested(_ context.Context, asset *models.DataAsset) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested = append(n.requested, asset.ID)
	return nil
}

func (n *recordingNotifier) NotifyReviewDecision(_ context.Context, asset *models.DataAsset, approved bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, decision{asset.ID, approved})
	return nil
}

func newWorkflow(mem *ledgertest.Memory, opts ...Option) *Workflow {
	return New(mem, ledger.New(mem, mem, mem, lock.NewLocal()), opts...)
}

func approvedAsset(mem *ledgertest.Memory, name string, level models.Level) *models.DataAsset {
	return mem.Seed(&models.DataAsset{
		Name:             name,
		SensitivityLevel: models.LevelPtr(level),
		FinalLevel:       models.LevelPtr(level),
		Status:           models.StatusActive,
	})
}

func TestManualClassify_StatusByLevel(t *testing.T) {
	tests := []struct {
		level      models.Level
		wantStatus models.Status
	}{
		{models.LevelPublic, models.StatusActive},
		{models.LevelInternal, models.StatusActive},
		{models.LevelConfidential, models.StatusPendingReview},
		{models.LevelRestricted, models.StatusPendingReview},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			mem := ledgertest.NewMemory()
			w := newWorkflow(mem)
			asset := mem.Seed(&models.DataAsset{Name: "x"})

			got, err := w.ManualClassify(context.Background(), asset.ID, tt.level, "op1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.level, *got.FinalLevel)
			assert.Equal(t, tt.level, *got.ManualLevel)
			assert.Equal(t, models.MethodManual, got.ClassificationMethod)

			if tt.wantStatus == models.StatusActive {
				assert.Equal(t, tt.level, *got.SensitivityLevel)
			} else {
				assert.Nil(t, got.SensitivityLevel)
			}
		})
	}
}

func TestManualClassify_ThenReject(t *testing.T) {
	mem := ledgertest.NewMemory()
	n := &recordingNotifier{}
	w := newWorkflow(mem, WithNotifier(n))
	ctx := context.Background()

	a := approvedAsset(mem, "loan.collateral", models.LevelInternal)

	got, err := w.ManualClassify(ctx, a.ID, models.LevelRestricted, "op1")
	require.NoError(t, err)
	assert.Equal(t, models.LevelRestricted, *got.FinalLevel)
	assert.Equal(t, models.StatusPendingReview, got.Status)
	assert.Equal(t, models.LevelInternal, *got.SensitivityLevel)

	records := mem.Records(a.ID)
	require.Len(t, records, 1)
	assert.Equal(t, models.LevelInternal, *records[0].OldLevel)
	assert.Equal(t, models.LevelRestricted, records[0].NewLevel)
	assert.Equal(t, models.MethodManual, records[0].Method)
	assert.Equal(t, []uuid.UUID{a.ID}, n.requested)

	got, err = w.ReviewClassification(ctx, a.ID, false, "insufficient evidence", "rev1")
	require.NoError(t, err)
	assert.Equal(t, models.LevelInternal, *got.FinalLevel)
	assert.Equal(t, models.LevelInternal, *got.SensitivityLevel)
	assert.Equal(t, "rev1", got.ReviewerID)
	assert.Equal(t, "insufficient evidence", got.ReviewComment)
	assert.NotNil(t, got.ReviewedAt)
	assert.True(t, got.NeedsCorrection)
	assert.Equal(t, models.StatusPendingReview, got.Status)
	assert.Equal(t, []decision{{a.ID, false}}, n.decisions)

	records = mem.Records(a.ID)
	require.Len(t, records, 2)
	assert.Equal(t, models.MethodReview, records[1].Method)
	assert.Equal(t, models.LevelInternal, records[1].NewLevel)

	// A rejected proposal cannot be approved until it is corrected.
	_, err = w.ReviewClassification(ctx, a.ID, true, "", "rev1")
	assert.ErrorIs(t, err, models.ErrStateConflict)

	_, err = w.SubmitReview(ctx, a.ID, models.LevelConfidential, "corrected", "op1")
	require.NoError(t, err)
	got, err = w.ReviewClassification(ctx, a.ID, true, "ok", "rev1")
	require.NoError(t, err)
	assert.Equal(t, models.LevelConfidential, *got.SensitivityLevel)
	assert.False(t, got.NeedsCorrection)
}

func TestSubmitThenApprove_RoundTrip(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	a := approvedAsset(mem, "customer.phone", models.LevelInternal)

	got, err := w.SubmitReview(ctx, a.ID, models.LevelConfidential, "contains mobile numbers", "op1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingReview, got.Status)
	assert.Equal(t, "contains mobile numbers", got.ClassificationBasis)
	assert.Equal(t, models.LevelInternal, *got.SensitivityLevel)
	assert.Empty(t, mem.Records(a.ID), "staging a proposal is not a level change")

	got, err = w.ReviewClassification(ctx, a.ID, true, "", "rev1")
	require.NoError(t, err)
	assert.Equal(t, models.LevelConfidential, *got.SensitivityLevel)
	assert.Equal(t, models.StatusActive, got.Status)

	records := mem.Records(a.ID)
	require.Len(t, records, 1)
	assert.Equal(t, models.MethodReview, records[0].Method)
	assert.Equal(t, "rev1", records[0].OperatorID)

	// The asset is no longer pending, so a second approval is a conflict.
	_, err = w.ReviewClassification(ctx, a.ID, true, "", "rev1")
	assert.ErrorIs(t, err, models.ErrStateConflict)
	assert.Len(t, mem.Records(a.ID), 1)
}

func TestSubmitThenReject_LeavesTimelineUntouched(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	a := approvedAsset(mem, "cards.pan", models.LevelInternal)

	_, err := w.SubmitReview(ctx, a.ID, models.LevelRestricted, "looks like card data", "op1")
	require.NoError(t, err)
	got, err := w.ReviewClassification(ctx, a.ID, false, "it is masked", "rev1")
	require.NoError(t, err)

	assert.Equal(t, models.LevelInternal, *got.SensitivityLevel)
	assert.Equal(t, models.LevelInternal, *got.FinalLevel)
	assert.True(t, got.NeedsCorrection)
	assert.Empty(t, mem.Records(a.ID), "the submitted level never took effect")

	// A manual proposal that was recorded still gets its reverting record,
	// even when an earlier submission was rejected silently.
	_, err = w.ManualClassify(ctx, a.ID, models.LevelConfidential, "op1")
	require.NoError(t, err)
	_, err = w.ReviewClassification(ctx, a.ID, false, "", "rev1")
	require.NoError(t, err)

	records := mem.Records(a.ID)
	require.Len(t, records, 2)
	assert.Equal(t, models.MethodManual, records[0].Method)
	assert.Equal(t, models.LevelConfidential, records[0].NewLevel)
	assert.Equal(t, models.MethodReview, records[1].Method)
	require.NotNil(t, records[1].OldLevel)
	assert.Equal(t, models.LevelConfidential, *records[1].OldLevel)
	assert.Equal(t, models.LevelInternal, records[1].NewLevel)
}

func TestApprove_SameLevelWritesNoHistory(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	a := approvedAsset(mem, "x", models.LevelConfidential)
	_, err := w.SubmitReview(ctx, a.ID, models.LevelConfidential, "", "op1")
	require.NoError(t, err)
	_, err = w.ReviewClassification(ctx, a.ID, true, "", "rev1")
	require.NoError(t, err)
	assert.Empty(t, mem.Records(a.ID))
}

func TestReview_DistinctReviewer(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem, WithOptions(Options{RequireDistinctReviewer: true}))
	ctx := context.Background()

	a := mem.Seed(&models.DataAsset{Name: "x"})
	_, err := w.SubmitReview(ctx, a.ID, models.LevelRestricted, "", "alice")
	require.NoError(t, err)

	_, err = w.ReviewClassification(ctx, a.ID, true, "", "alice")
	assert.ErrorIs(t, err, models.ErrStateConflict)

	_, err = w.ReviewClassification(ctx, a.ID, true, "", "bob")
	assert.NoError(t, err)
}

func TestWorkflow_Validation(t *testing.T) {
	w := newWorkflow(ledgertest.NewMemory())
	ctx := context.Background()
	id := uuid.New()

	_, err := w.ManualClassify(ctx, id, models.Level(5), "op")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = w.ManualClassify(ctx, id, models.Level(0), "op")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = w.ManualClassify(ctx, uuid.Nil, models.LevelPublic, "op")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = w.SubmitReview(ctx, id, models.LevelPublic, "", "")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = w.ReviewClassification(ctx, id, true, "", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = w.ManualClassify(ctx, id, models.LevelPublic, "op")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = w.ReviewClassification(ctx, id, true, "", "rev")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBatchApprove_PartialSuccess(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	pending := approvedAsset(mem, "pending", models.LevelInternal)
	_, err := w.SubmitReview(ctx, pending.ID, models.LevelRestricted, "", "op1")
	require.NoError(t, err)
	active := approvedAsset(mem, "active", models.LevelInternal)

	result, err := w.BatchApprove(ctx, []uuid.UUID{pending.ID, active.ID}, "", "rev1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, active.ID, result.Failures[0].AssetID)

	assert.Equal(t, models.LevelRestricted, *mem.Asset(pending.ID).SensitivityLevel)
	untouched := mem.Asset(active.ID)
	assert.Equal(t, models.StatusActive, untouched.Status)
	assert.Equal(t, int64(1), untouched.Version)
	assert.Empty(t, untouched.ReviewerID)
}

func TestBatchReject(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	a := approvedAsset(mem, "a", models.LevelInternal)
	b := approvedAsset(mem, "b", models.LevelPublic)
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		_, err := w.ManualClassify(ctx, id, models.LevelConfidential, "op1")
		require.NoError(t, err)
	}

	result, err := w.BatchReject(ctx, []uuid.UUID{a.ID, b.ID, a.ID}, "not justified", "rev1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, models.LevelPublic, *mem.Asset(b.ID).FinalLevel)

	_, err = w.BatchReject(ctx, nil, "", "rev1")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestPendingReviewAssets_Paging(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var newest uuid.UUID
	for i := 0; i < 5; i++ {
		submitted := base.Add(time.Duration(i) * time.Minute)
		a := mem.Seed(&models.DataAsset{
			Name:        fmt.Sprintf("pending-%d", i),
			Status:      models.StatusPendingReview,
			FinalLevel:  models.LevelPtr(models.LevelConfidential),
			SubmittedAt: &submitted,
		})
		newest = a.ID
	}
	approvedAsset(mem, "active", models.LevelInternal)

	page, err := w.PendingReviewAssets(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, newest, page.Items[0].ID)

	page, err = w.PendingReviewAssets(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	page, err = w.PendingReviewAssets(ctx, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)

	page, err = w.PendingReviewAssets(ctx, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, MaxPageSize, page.Size)
}

func TestHistoryQueries(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	a := mem.Seed(&models.DataAsset{Name: "x"})
	_, err := w.LatestHistory(ctx, a.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = w.ManualClassify(ctx, a.ID, models.LevelInternal, "op1")
	require.NoError(t, err)
	_, err = w.ManualClassify(ctx, a.ID, models.LevelPublic, "op1")
	require.NoError(t, err)

	latest, err := w.LatestHistory(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LevelPublic, latest.NewLevel)

	all, err := w.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.LevelInternal, all[1].NewLevel)

	_, err = w.History(ctx, uuid.Nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestConcurrentDecisionsOnOneAsset(t *testing.T) {
	mem := ledgertest.NewMemory()
	w := newWorkflow(mem)
	ctx := context.Background()

	a := approvedAsset(mem, "x", models.LevelInternal)
	_, err := w.SubmitReview(ctx, a.ID, models.LevelRestricted, "", "op1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.ReviewClassification(ctx, a.ID, true, "", fmt.Sprintf("rev%d", i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrStateConflict)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one approval may win")
	assert.Len(t, mem.Records(a.ID), 1)
}
