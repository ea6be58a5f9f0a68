// Package review implements the manual classification and approval
// workflow. A proposed level is staged in FinalLevel and only becomes the
// binding SensitivityLevel once a reviewer approves it.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/auditconsole/classify/internal/ledger"
	"github.com/auditconsole/classify/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type assetLister interface {
	ListAssetsByStatus(ctx context.Context, status models.Status, limit, offset int) ([]*models.DataAsset, int, error)
}

type historyLedger interface {
	Transition(ctx context.Context, assetID uuid.UUID, mutate ledger.Mutation) (*ledger.Result, error)
	TransitionWithLatest(ctx context.Context, assetID uuid.UUID, mutate ledger.LatestMutation) (*ledger.Result, error)
	History(ctx context.Context, assetID uuid.UUID) ([]*models.ClassificationHistory, error)
	Latest(ctx context.Context, assetID uuid.UUID) (*models.ClassificationHistory, error)
}

type notifier interface {
	NotifyReviewRequested(ctx context.Context, asset *models.DataAsset) error
	NotifyReviewDecision(ctx context.Context, asset *models.DataAsset, approved bool) error
}

type Options struct {
	// RequireDistinctReviewer rejects decisions made by the same operator
	// who submitted the proposal.
	RequireDistinctReviewer bool
}

type Workflow struct {
	assets   assetLister
	ledger   historyLedger
	notifier notifier
	opts     Options
	logger   *slog.Logger
}

type Option func(*Workflow)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

func WithNotifier(n notifier) Option {
	return func(w *Workflow) {
		w.notifier = n
	}
}

func WithOptions(opts Options) Option {
	return func(w *Workflow) {
		w.opts = opts
	}
}

func New(assets assetLister, l historyLedger, opts ...Option) *Workflow {
	w := &Workflow{
		assets: assets,
		ledger: l,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ManualClassify records an operator's chosen level. Levels below the
// review threshold take effect immediately; higher levels are staged for
// review.
func (w *Workflow) ManualClassify(ctx context.Context, assetID uuid.UUID, level models.Level, operatorID string) (*models.DataAsset, error) {
	if err := validateProposal(assetID, level, operatorID); err != nil {
		return nil, err
	}

	res, err := w.ledger.Transition(ctx, assetID, func(a *models.DataAsset, now time.Time) (*models.ClassificationHistory, error) {
		old := models.CloneLevel(a.EffectiveLevel())

		a.ManualLevel = models.LevelPtr(level)
		a.FinalLevel = models.LevelPtr(level)
		a.ClassificationMethod = models.MethodManual
		a.NeedsCorrection = false
		a.SubmittedBy = operatorID
		a.SubmittedAt = &now

		if level >= models.ReviewThreshold {
			a.Status = models.StatusPendingReview
		} else {
			a.SensitivityLevel = models.LevelPtr(level)
			a.Status = models.StatusActive
		}

		return ledger.Change(old, level, models.MethodManual, "manual classification", operatorID), nil
	})
	if err != nil {
		return nil, err
	}

	if res.Asset.Status == models.StatusPendingReview {
		w.notifyRequested(ctx, res.Asset)
	}
	return res.Asset, nil
}

// SubmitReview stages a proposed level with its justification. The binding
// level is untouched until the proposal is approved, so no history is
// written here.
func (w *Workflow) SubmitReview(ctx context.Context, assetID uuid.UUID, level models.Level, reason, operatorID string) (*models.DataAsset, error) {
	if err := validateProposal(assetID, level, operatorID); err != nil {
		return nil, err
	}

	res, err := w.ledger.Transition(ctx, assetID, func(a *models.DataAsset, now time.Time) (*models.ClassificationHistory, error) {
		if a.Status == models.StatusPendingReview && a.FinalLevel != nil && !a.NeedsCorrection {
			w.logger.Info("replacing pending proposal",
				"asset_id", a.ID,
				"previous_level", a.FinalLevel.String(),
				"previous_submitter", a.SubmittedBy,
			)
		}

		a.FinalLevel = models.LevelPtr(level)
		a.Status = models.StatusPendingReview
		a.NeedsCorrection = false
		a.SubmittedBy = operatorID
		a.SubmittedAt = &now
		if reason != "" {
			a.ClassificationBasis = reason
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	w.notifyRequested(ctx, res.Asset)
	return res.Asset, nil
}

// ReviewClassification approves or rejects the staged proposal of a pending
// asset. Approval promotes FinalLevel to SensitivityLevel. Rejection reverts
// FinalLevel to the approved level and flags the asset for correction; it
// stays pending until a new proposal is submitted and approved.
func (w *Workflow) ReviewClassification(ctx context.Context, assetID uuid.UUID, approved bool, comment, reviewerID string) (*models.DataAsset, error) {
	if assetID == uuid.Nil {
		return nil, models.NewValidationError("asset_id", "asset id is required")
	}
	if reviewerID == "" {
		return nil, models.NewValidationError("reviewer_id", "reviewer is required")
	}

	res, err := w.ledger.TransitionWithLatest(ctx, assetID, func(a *models.DataAsset, latest *models.ClassificationHistory, now time.Time) (*models.ClassificationHistory, error) {
		if a.Status != models.StatusPendingReview {
			return nil, models.NewStateConflictError(a.ID, fmt.Sprintf("asset is %s, not awaiting review", a.Status))
		}
		if w.opts.RequireDistinctReviewer && a.SubmittedBy == reviewerID {
			return nil, models.NewStateConflictError(a.ID, "reviewer cannot decide on their own proposal")
		}

		a.ReviewerID = reviewerID
		a.ReviewComment = comment
		a.ReviewedAt = &now

		if approved {
			return approve(a, comment, reviewerID)
		}
		return reject(a, latest, comment, reviewerID), nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("review decision recorded",
		"asset_id", assetID,
		"approved", approved,
		"reviewer", reviewerID,
	)
	if w.notifier != nil {
		if err := w.notifier.NotifyReviewDecision(ctx, res.Asset, approved); err != nil {
			w.logger.Warn("review decision notification failed", "asset_id", assetID, "error", err)
		}
	}
	return res.Asset, nil
}

func approve(a *models.DataAsset, comment, reviewerID string) (*models.ClassificationHistory, error) {
	if a.FinalLevel == nil {
		return nil, models.NewStateConflictError(a.ID, "no proposed level to approve")
	}
	if a.NeedsCorrection {
		return nil, models.NewStateConflictError(a.ID, "proposal was rejected; submit a corrected level first")
	}

	before := a.SensitivityLevel
	a.SensitivityLevel = models.CloneLevel(a.FinalLevel)
	a.Status = models.StatusActive
	return ledger.Change(before, *a.FinalLevel, models.MethodReview, decisionReason("approved", comment), reviewerID), nil
}

// reject discards the staged proposal. Only a proposal that reached the
// timeline (a manual classification) gets a reverting record; a submitted
// proposal was never recorded, so discarding it changes nothing there.
func reject(a *models.DataAsset, latest *models.ClassificationHistory, comment, reviewerID string) *models.ClassificationHistory {
	proposed := a.FinalLevel
	a.FinalLevel = models.CloneLevel(a.SensitivityLevel)
	a.NeedsCorrection = true

	if a.FinalLevel == nil || proposed == nil {
		return nil
	}
	if latest == nil || latest.NewLevel != *proposed {
		return nil
	}
	return ledger.Change(proposed, *a.FinalLevel, models.MethodReview, decisionReason("rejected", comment), reviewerID)
}

func decisionReason(decision, comment string) string {
	if comment == "" {
		return decision
	}
	return decision + ": " + comment
}

// BatchApprove approves each asset independently.
func (w *Workflow) BatchApprove(ctx context.Context, assetIDs []uuid.UUID, comment, reviewerID string) (*models.BatchResult, error) {
	return w.batchDecide(ctx, assetIDs, true, comment, reviewerID)
}

// BatchReject rejects each asset independently.
func (w *Workflow) BatchReject(ctx context.Context, assetIDs []uuid.UUID, comment, reviewerID string) (*models.BatchResult, error) {
	return w.batchDecide(ctx, assetIDs, false, comment, reviewerID)
}

func (w *Workflow) batchDecide(ctx context.Context, assetIDs []uuid.UUID, approved bool, comment, reviewerID string) (*models.BatchResult, error) {
	if reviewerID == "" {
		return nil, models.NewValidationError("reviewer_id", "reviewer is required")
	}
	if len(assetIDs) == 0 {
		return nil, models.NewValidationError("asset_ids", "at least one asset id is required")
	}

	ids := lo.Uniq(assetIDs)
	result := &models.BatchResult{Total: len(ids)}
	for _, id := range ids {
		if _, err := w.ReviewClassification(ctx, id, approved, comment, reviewerID); err != nil {
			result.Fail(id, nil, err)
			continue
		}
		result.Succeeded++
	}

	w.logger.Info("batch review complete",
		"approved", approved,
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", len(result.Failures),
	)
	return result, nil
}

// PendingReviewAssets returns one page of assets awaiting review, newest
// submission first. Pages are 1-based.
func (w *Workflow) PendingReviewAssets(ctx context.Context, page, size int) (*models.Page[*models.DataAsset], error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	items, total, err := w.assets.ListAssetsByStatus(ctx, models.StatusPendingReview, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.DataAsset{}
	}
	return &models.Page[*models.DataAsset]{Items: items, Total: total, Page: page, Size: size}, nil
}

// LatestHistory returns the most recent committed level change of an asset.
func (w *Workflow) LatestHistory(ctx context.Context, assetID uuid.UUID) (*models.ClassificationHistory, error) {
	if assetID == uuid.Nil {
		return nil, models.NewValidationError("asset_id", "asset id is required")
	}
	return w.ledger.Latest(ctx, assetID)
}

// History returns every committed level change of an asset, newest first.
func (w *Workflow) History(ctx context.Context, assetID uuid.UUID) ([]*models.ClassificationHistory, error) {
	if assetID == uuid.Nil {
		return nil, models.NewValidationError("asset_id", "asset id is required")
	}
	return w.ledger.History(ctx, assetID)
}

func (w *Workflow) notifyRequested(ctx context.Context, asset *models.DataAsset) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.NotifyReviewRequested(ctx, asset); err != nil {
		w.logger.Warn("review request notification failed", "asset_id", asset.ID, "error", err)
	}
}

func validateProposal(assetID uuid.UUID, level models.Level, operatorID string) error {
	if assetID == uuid.Nil {
		return models.NewValidationError("asset_id", "asset id is required")
	}
	if !level.Valid() {
		return models.NewValidationError("level", fmt.Sprintf("level %d out of range [%d,%d]", level, models.MinLevel, models.MaxLevel))
	}
	if operatorID == "" {
		return models.NewValidationError("operator_id", "operator is required")
	}
	return nil
}
