// Package ledger commits asset state transitions together with their
// append-only classification history.
//
// Every mutation of an asset's levels goes through Ledger.Transition, which
// serializes callers per asset, loads the current row inside a transaction,
// applies the caller's change and writes both the asset and at most one
// history record before committing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/auditconsole/classify/internal/lock"
	"github.com/auditconsole/classify/internal/models"
)

type assetRepo interface {
	GetAsset(ctx context.Context, id uuid.UUID) (*models.DataAsset, error)
	GetAssetForUpdate(ctx context.Context, id uuid.UUID) (*models.DataAsset, error)
	SaveAsset(ctx context.Context, asset *models.DataAsset) error
}

type historyRepo interface {
	AppendHistory(ctx context.Context, record *models.ClassificationHistory) error
	ListHistory(ctx context.Context, assetID uuid.UUID) ([]*models.ClassificationHistory, error)
}

type txManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Mutation changes asset in place. It returns the history record to append,
// or nil when the change is not a level change. Returning an error aborts
// the transition and nothing is written.
//
// The record's AssetID and CreatedAt are filled in by the ledger.
type Mutation func(asset *models.DataAsset, now time.Time) (*models.ClassificationHistory, error)

// LatestMutation is a Mutation that also sees the asset's most recent
// history record, or nil when the asset has none.
type LatestMutation func(asset *models.DataAsset, latest *models.ClassificationHistory, now time.Time) (*models.ClassificationHistory, error)

// Result is the committed outcome of a transition.
type Result struct {
	Asset  *models.DataAsset
	Record *models.ClassificationHistory
}

type Ledger struct {
	assets  assetRepo
	history historyRepo
	tx      txManager
	locker  lock.Locker
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(assets assetRepo, history historyRepo, tx txManager, locker lock.Locker, opts ...Option) *Ledger {
	l := &Ledger{
		assets:  assets,
		history: history,
		tx:      tx,
		locker:  locker,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Transition applies mutate to the asset under the per-asset lock and a
// single transaction. Either the asset update and its history record both
// commit or neither does.
func (l *Ledger) Transition(ctx context.Context, assetID uuid.UUID, mutate Mutation) (*Result, error) {
	return l.transition(ctx, assetID, false, func(a *models.DataAsset, _ *models.ClassificationHistory, now time.Time) (*models.ClassificationHistory, error) {
		return mutate(a, now)
	})
}

// TransitionWithLatest is Transition for changes that depend on what the
// timeline last recorded. The record is read inside the same transaction.
func (l *Ledger) TransitionWithLatest(ctx context.Context, assetID uuid.UUID, mutate LatestMutation) (*Result, error) {
	return l.transition(ctx, assetID, true, mutate)
}

func (l *Ledger) transition(ctx context.Context, assetID uuid.UUID, withLatest bool, mutate LatestMutation) (*Result, error) {
	unlock, err := l.locker.Lock(ctx, assetID.String())
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("asset %s busy: %w: %w", assetID, models.ErrPersistence, err)
		}
		return nil, models.Persistence("lock asset", err)
	}
	defer unlock()

	var result *Result
	err = l.tx.RunInTx(ctx, func(ctx context.Context) error {
		current, err := l.assets.GetAssetForUpdate(ctx, assetID)
		if err != nil {
			return err
		}

		var latest *models.ClassificationHistory
		if withLatest {
			records, err := l.history.ListHistory(ctx, assetID)
			if err != nil {
				return err
			}
			if len(records) > 0 {
				latest = records[0]
			}
		}

		now := l.now()
		next := current.Clone()
		record, err := mutate(next, latest, now)
		if err != nil {
			return err
		}

		next.UpdatedAt = now
		if err := l.assets.SaveAsset(ctx, next); err != nil {
			return err
		}

		if record != nil {
			record.AssetID = assetID
			record.CreatedAt = now
			if err := l.history.AppendHistory(ctx, record); err != nil {
				return err
			}
		}

		result = &Result{Asset: next, Record: record}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Record != nil {
		l.logger.Info("classification level changed",
			"asset_id", assetID,
			"old_level", levelAttr(result.Record.OldLevel),
			"new_level", result.Record.NewLevel.String(),
			"method", result.Record.Method,
			"operator", result.Record.OperatorID,
		)
	}
	return result, nil
}

// History returns the asset's full timeline, newest first.
func (l *Ledger) History(ctx context.Context, assetID uuid.UUID) ([]*models.ClassificationHistory, error) {
	if _, err := l.assets.GetAsset(ctx, assetID); err != nil {
		return nil, err
	}
	return l.history.ListHistory(ctx, assetID)
}

// Latest returns the most recent history record for the asset.
func (l *Ledger) Latest(ctx context.Context, assetID uuid.UUID) (*models.ClassificationHistory, error) {
	records, err := l.History(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, models.NewNotFoundError("classification history", assetID)
	}
	return records[0], nil
}

// Change builds the history record for a level change, or returns nil when
// old and new are the same level.
func Change(old *models.Level, next models.Level, method models.Method, reason, operatorID string) *models.ClassificationHistory {
	if old != nil && *old == next {
		return nil
	}
	return &models.ClassificationHistory{
		ID:         uuid.New(),
		OldLevel:   models.CloneLevel(old),
		NewLevel:   next,
		Method:     method,
		Reason:     reason,
		OperatorID: operatorID,
	}
}

func levelAttr(l *models.Level) string {
	if l == nil {
		return "none"
	}
	return l.String()
}
