// Package classification assigns sensitivity levels to data assets by
// evaluating the ordered rule set and committing the result through the
// history ledger.
package classification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/auditconsole/classify/internal/ledger"
	"github.com/auditconsole/classify/internal/models"
	"github.com/auditconsole/classify/internal/notifications"
	"github.com/auditconsole/classify/internal/rules"
)

// SystemOperator is recorded as the operator of scheduled sweeps.
const SystemOperator = "system"

type ruleSource interface {
	ListEnabledRulesOrdered(ctx context.Context) ([]*models.ClassificationRule, error)
}

type assetSource interface {
	ListUnclassifiedAssets(ctx context.Context, limit int) ([]*models.DataAsset, error)
}

type committer interface {
	Transition(ctx context.Context, assetID uuid.UUID, mutate ledger.Mutation) (*ledger.Result, error)
}

type notifier interface {
	NotifyReviewRequested(ctx context.Context, asset *models.DataAsset) error
	NotifySweepComplete(ctx context.Context, stats notifications.SweepStats) error
}

// Outcome describes what an automatic classification did to one asset.
type Outcome struct {
	AssetID  uuid.UUID         `json:"asset_id"`
	Level    models.Level      `json:"level"`
	RuleName string            `json:"rule_name,omitempty"`
	Changed  bool              `json:"changed"`
	Staged   bool              `json:"staged"`
	Asset    *models.DataAsset `json:"asset"`
}

type Engine struct {
	rules    ruleSource
	assets   assetSource
	ledger   committer
	matcher  *rules.Matcher
	notifier notifier
	logger   *slog.Logger

	stageSensitive bool
	sweepLimit     int
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithNotifier(n notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithStageSensitive makes automatic results at or above the review
// threshold wait for approval instead of becoming binding immediately.
func WithStageSensitive(stage bool) Option {
	return func(e *Engine) {
		e.stageSensitive = stage
	}
}

// WithSweepLimit caps how many unclassified assets one sweep picks up.
func WithSweepLimit(limit int) Option {
	return func(e *Engine) {
		e.sweepLimit = limit
	}
}

func New(ruleSrc ruleSource, assets assetSource, committer committer, matcher *rules.Matcher, opts ...Option) *Engine {
	e := &Engine{
		rules:   ruleSrc,
		assets:  assets,
		ledger:  committer,
		matcher: matcher,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClassifyAsset evaluates the current enabled rules against asset and
// returns the suggested level. Nothing is persisted.
func (e *Engine) ClassifyAsset(ctx context.Context, asset *models.DataAsset) (models.Level, error) {
	if asset == nil {
		return 0, models.NewValidationError("asset", "asset is required")
	}

	ruleset, err := e.rules.ListEnabledRulesOrdered(ctx)
	if err != nil {
		return 0, err
	}

	level, _ := e.matcher.Match(asset, ruleset)
	return level, nil
}

// ClassifyAndCommit classifies the stored asset and commits the result.
func (e *Engine) ClassifyAndCommit(ctx context.Context, assetID uuid.UUID, operatorID string) (*Outcome, error) {
	if err := validateTarget(assetID, operatorID); err != nil {
		return nil, err
	}

	ruleset, err := e.rules.ListEnabledRulesOrdered(ctx)
	if err != nil {
		return nil, err
	}
	return e.commit(ctx, assetID, ruleset, operatorID)
}

// BatchClassify classifies and commits each asset independently. A failed
// item is reported in the result and never rolls back items that committed.
// The returned map holds the level of every asset that committed.
func (e *Engine) BatchClassify(ctx context.Context, assetIDs []uuid.UUID, operatorID string) (map[uuid.UUID]models.Level, *models.BatchResult, error) {
	if operatorID == "" {
		return nil, nil, models.NewValidationError("operator_id", "operator is required")
	}

	ruleset, err := e.rules.ListEnabledRulesOrdered(ctx)
	if err != nil {
		return nil, nil, err
	}

	levels, result, _ := e.classifyMany(ctx, lo.Uniq(assetIDs), ruleset, operatorID)
	return levels, result, nil
}

// ClassifyAllUnclassified classifies every asset that has no sensitivity
// level yet and returns how many were updated. Assets already waiting for
// review are skipped.
func (e *Engine) ClassifyAllUnclassified(ctx context.Context, operatorID string) (int, error) {
	if operatorID == "" {
		return 0, models.NewValidationError("operator_id", "operator is required")
	}

	start := time.Now()
	pending, err := e.assets.ListUnclassifiedAssets(ctx, e.sweepLimit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		e.logger.Debug("no unclassified assets")
		return 0, nil
	}

	ruleset, err := e.rules.ListEnabledRulesOrdered(ctx)
	if err != nil {
		return 0, err
	}

	ids := lo.Map(pending, func(a *models.DataAsset, _ int) uuid.UUID { return a.ID })
	_, result, staged := e.classifyMany(ctx, ids, ruleset, operatorID)

	skipped := lo.CountBy(result.Failures, func(f models.BatchFailure) bool { return f.Skipped })
	stats := notifications.SweepStats{
		Operator:   operatorID,
		Scanned:    result.Total,
		Classified: result.Succeeded,
		Staged:     staged,
		Skipped:    skipped,
		Failed:     len(result.Failures) - skipped,
		Duration:   time.Since(start),
	}
	e.logger.Info("unclassified sweep complete",
		"operator", operatorID,
		"scanned", stats.Scanned,
		"classified", stats.Classified,
		"staged", stats.Staged,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)
	if e.notifier != nil {
		if err := e.notifier.NotifySweepComplete(ctx, stats); err != nil {
			e.logger.Warn("sweep notification failed", "error", err)
		}
	}
	return result.Succeeded, nil
}

// MatchRules evaluates a bare field name and sample content against the
// enabled rules. It returns nil when no rule matches, which is distinct
// from an asset falling back to the default level.
func (e *Engine) MatchRules(ctx context.Context, fieldName, content string) (*models.ClassificationRule, error) {
	if fieldName == "" && content == "" {
		return nil, models.NewValidationError("field_name", "field name or content is required")
	}

	ruleset, err := e.rules.ListEnabledRulesOrdered(ctx)
	if err != nil {
		return nil, err
	}

	_, rule, ok := e.matcher.MatchFields(fieldName, content, ruleset)
	if !ok {
		return nil, nil
	}
	return rule, nil
}

// NeedManualReview reports whether a suggested level is high enough that it
// must go through review before becoming binding.
func (e *Engine) NeedManualReview(_ uuid.UUID, suggested models.Level) bool {
	return suggested >= models.ReviewThreshold
}

func (e *Engine) classifyMany(ctx context.Context, ids []uuid.UUID, ruleset []*models.ClassificationRule, operatorID string) (map[uuid.UUID]models.Level, *models.BatchResult, int) {
	levels := make(map[uuid.UUID]models.Level, len(ids))
	result := &models.BatchResult{Total: len(ids)}
	staged := 0

	for _, id := range ids {
		out, err := e.commit(ctx, id, ruleset, operatorID)
		if err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				result.Skip(id, err)
			} else {
				result.Fail(id, nil, err)
			}
			e.logger.Warn("classification failed", "asset_id", id, "error", err)
			continue
		}
		levels[id] = out.Level
		result.Succeeded++
		if out.Staged {
			staged++
		}
	}
	return levels, result, staged
}

func (e *Engine) commit(ctx context.Context, assetID uuid.UUID, ruleset []*models.ClassificationRule, operatorID string) (*Outcome, error) {
	out := &Outcome{AssetID: assetID}

	res, err := e.ledger.Transition(ctx, assetID, func(a *models.DataAsset, now time.Time) (*models.ClassificationHistory, error) {
		if a.Status == models.StatusPendingReview {
			return nil, models.NewStateConflictError(a.ID, "asset has a proposal awaiting review")
		}

		level, rule := e.matcher.Match(a, ruleset)
		out.Level = level
		reason := fmt.Sprintf("no rule matched, default %s", level)
		if rule != nil {
			out.RuleName = rule.Name
			reason = fmt.Sprintf("matched rule %q", rule.Name)
		}

		unchanged := a.SensitivityLevel != nil && *a.SensitivityLevel == level
		if e.stageSensitive && level >= models.ReviewThreshold && !unchanged {
			a.FinalLevel = models.LevelPtr(level)
			a.Status = models.StatusPendingReview
			a.ClassificationMethod = models.MethodAuto
			a.NeedsCorrection = false
			a.SubmittedBy = operatorID
			a.SubmittedAt = &now
			out.Staged = true
			return nil, nil
		}

		old := a.SensitivityLevel
		a.SensitivityLevel = models.LevelPtr(level)
		a.FinalLevel = models.LevelPtr(level)
		a.ClassificationMethod = models.MethodAuto
		a.Status = models.StatusActive
		record := ledger.Change(old, level, models.MethodAuto, reason, operatorID)
		out.Changed = record != nil
		return record, nil
	})
	if err != nil {
		return nil, err
	}

	out.Asset = res.Asset
	if out.Staged && e.notifier != nil {
		if err := e.notifier.NotifyReviewRequested(ctx, res.Asset); err != nil {
			e.logger.Warn("review request notification failed", "asset_id", assetID, "error", err)
		}
	}
	return out, nil
}

func validateTarget(assetID uuid.UUID, operatorID string) error {
	if assetID == uuid.Nil {
		return models.NewValidationError("asset_id", "asset id is required")
	}
	if operatorID == "" {
		return models.NewValidationError("operator_id", "operator is required")
	}
	return nil
}
