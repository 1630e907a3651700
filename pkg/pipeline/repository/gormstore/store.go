// Package gormstore implements the pipeline repository on gorm. Every state
// transition is issued as a single conditional UPDATE and judged by
// RowsAffected; the claim path in particular must never degrade into a
// read-then-write sequence.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/repository"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

// Store is the gorm implementation of repository.Store.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on the given gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) CreateRun(ctx context.Context, kind model.PipelineKind, scope string, refs []model.WorkRef, metadata model.Metadata) (*model.Run, error) {
	const op = "gormstore.CreateRun"

	run := model.NewRun(kind, scope, len(refs), metadata)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&RunEntity{}).
			Where("kind = ? AND scope = ? AND status IN ?", string(kind), scope, activeStatuses()).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return repository.ErrScopeBusy
		}

		if err := tx.Create(fromDomainRun(run)).Error; err != nil {
			return err
		}

		if len(refs) == 0 {
			return nil
		}
		entities := make([]*ItemEntity, 0, len(refs))
		for _, ref := range refs {
			entities = append(entities, fromDomainItem(model.NewItem(run.ID, ref)))
		}
		// Bulk insert in batches; runs can carry thousands of items.
		return tx.CreateInBatches(entities, 500).Error
	})
	if err != nil {
		if errors.Is(err, repository.ErrScopeBusy) {
			return nil, err
		}
		return nil, exception.New(op, fmt.Sprintf("failed to create %s run for scope %q", kind, scope), err, true)
	}
	logger.Infof("Created %s run %s for scope %q with %d items.", kind, run.ID, scope, len(refs))
	return run, nil
}

func (s *Store) FindActiveRun(ctx context.Context, kind model.PipelineKind, scope string) (*model.Run, error) {
	var entity RunEntity
	err := s.db.WithContext(ctx).
		Where("kind = ? AND scope = ? AND status IN ?", string(kind), scope, activeStatuses()).
		Order("started_at ASC").
		First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrRunNotFound
	}
	if err != nil {
		return nil, exception.New("gormstore.FindActiveRun", "failed to query active run", err, true)
	}
	return toDomainRun(&entity), nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var entity RunEntity
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrRunNotFound
	}
	if err != nil {
		return nil, exception.New("gormstore.GetRun", "failed to query run", err, true)
	}
	return toDomainRun(&entity), nil
}

func (s *Store) ListActiveRuns(ctx context.Context, kind model.PipelineKind) ([]*model.Run, error) {
	var entities []RunEntity
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status IN ?", string(kind), activeStatuses()).
		Order("started_at ASC").
		Find(&entities).Error
	if err != nil {
		return nil, exception.New("gormstore.ListActiveRuns", "failed to query active runs", err, true)
	}
	out := make([]*model.Run, 0, len(entities))
	for i := range entities {
		out = append(out, toDomainRun(&entities[i]))
	}
	return out, nil
}

func (s *Store) ListClaimable(ctx context.Context, runID string, maxAttempts, limit int) ([]*model.Item, error) {
	var entities []ItemEntity
	q := s.db.WithContext(ctx).
		Where("run_id = ? AND status IN ? AND attempts < ?",
			runID,
			[]string{string(model.ItemStatusPending), string(model.ItemStatusFailed)},
			maxAttempts).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entities).Error; err != nil {
		return nil, exception.New("gormstore.ListClaimable", "failed to list claimable items", err, true)
	}
	out := make([]*model.Item, 0, len(entities))
	for i := range entities {
		out = append(out, toDomainItem(&entities[i]))
	}
	return out, nil
}

func (s *Store) MarkQueued(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// Conditional update: rows claimed by another caller since ListClaimable
	// simply fail the WHERE clause and are skipped, not errored.
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ItemEntity{}).
		Where("id IN ? AND status IN ?", ids,
			[]string{string(model.ItemStatusPending), string(model.ItemStatusFailed)}).
		Updates(map[string]interface{}{
			"status":     string(model.ItemStatusQueued),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, exception.New("gormstore.MarkQueued", "failed to mark items queued", res.Error, true)
	}
	if res.RowsAffected == int64(len(ids)) {
		return ids, nil
	}
	// Some rows were skipped; read back which ones made it.
	var queued []string
	err := s.db.WithContext(ctx).Model(&ItemEntity{}).
		Where("id IN ? AND status = ? AND updated_at >= ?", ids, string(model.ItemStatusQueued), now).
		Pluck("id", &queued).Error
	if err != nil {
		return nil, exception.New("gormstore.MarkQueued", "failed to read back queued items", err, true)
	}
	return queued, nil
}

func (s *Store) ClaimForProcessing(ctx context.Context, id string, maxAttempts int, stuckAfter time.Duration) (bool, error) {
	now := time.Now().UTC()

	q := s.db.WithContext(ctx).Model(&ItemEntity{}).
		Where("id = ? AND attempts < ?", id, maxAttempts)
	if stuckAfter > 0 {
		cutoff := now.Add(-stuckAfter)
		q = q.Where("(status IN ? OR (status = ? AND started_at < ?))",
			claimableStatuses(), string(model.ItemStatusInProgress), cutoff)
	} else {
		q = q.Where("status IN ?", claimableStatuses())
	}

	// Single conditional UPDATE; RowsAffected is the at-most-one-active-attempt
	// guarantee under concurrent callers.
	res := q.Updates(map[string]interface{}{
		"status":     string(model.ItemStatusInProgress),
		"attempts":   gorm.Expr("attempts + 1"),
		"started_at": now,
		"updated_at": now,
	})
	if res.Error != nil {
		return false, exception.New("gormstore.ClaimForProcessing", fmt.Sprintf("failed to claim item %s", id), res.Error, true)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) CompleteItem(ctx context.Context, id, note string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ItemEntity{}).
		Where("id = ? AND status = ?", id, string(model.ItemStatusInProgress)).
		Updates(map[string]interface{}{
			"status":       string(model.ItemStatusCompleted),
			"note":         note,
			"last_error":   "",
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return exception.New("gormstore.CompleteItem", fmt.Sprintf("failed to complete item %s", id), res.Error, true)
	}
	if res.RowsAffected == 0 {
		return repository.ErrItemNotFound
	}
	return nil
}

func (s *Store) FailItem(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ItemEntity{}).
		Where("id = ? AND status = ?", id, string(model.ItemStatusInProgress)).
		Updates(map[string]interface{}{
			"status":       string(model.ItemStatusFailed),
			"last_error":   message,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return exception.New("gormstore.FailItem", fmt.Sprintf("failed to fail item %s", id), res.Error, true)
	}
	if res.RowsAffected == 0 {
		return repository.ErrItemNotFound
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*model.Item, error) {
	var entity ItemEntity
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrItemNotFound
	}
	if err != nil {
		return nil, exception.New("gormstore.GetItem", "failed to query item", err, true)
	}
	return toDomainItem(&entity), nil
}

func (s *Store) SweepStale(ctx context.Context, runID string, queuedStale, stuck time.Duration) (int, error) {
	const op = "gormstore.SweepStale"
	now := time.Now().UTC()
	swept := 0

	if queuedStale > 0 {
		res := s.db.WithContext(ctx).Model(&ItemEntity{}).
			Where("run_id = ? AND status = ? AND updated_at < ?",
				runID, string(model.ItemStatusQueued), now.Add(-queuedStale)).
			Updates(map[string]interface{}{
				"status":     string(model.ItemStatusPending),
				"updated_at": now,
			})
		if res.Error != nil {
			return swept, exception.New(op, "failed to sweep stale queued items", res.Error, true)
		}
		swept += int(res.RowsAffected)
	}

	if stuck > 0 {
		res := s.db.WithContext(ctx).Model(&ItemEntity{}).
			Where("run_id = ? AND status = ? AND started_at < ?",
				runID, string(model.ItemStatusInProgress), now.Add(-stuck)).
			Updates(map[string]interface{}{
				"status":     string(model.ItemStatusPending),
				"updated_at": now,
			})
		if res.Error != nil {
			return swept, exception.New(op, "failed to sweep stuck in_progress items", res.Error, true)
		}
		swept += int(res.RowsAffected)
	}

	if swept > 0 {
		logger.Debugf("Swept %d stale items back to pending for run %s.", swept, runID)
	}
	return swept, nil
}

func (s *Store) Summarize(ctx context.Context, runID string) (*model.Summary, error) {
	const op = "gormstore.Summarize"

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	type statusCount struct {
		Status string
		N      int
	}
	var counts []statusCount
	err = s.db.WithContext(ctx).Model(&ItemEntity{}).
		Select("status, COUNT(*) AS n").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, exception.New(op, "failed to aggregate item statuses", err, true)
	}

	sum := &model.Summary{RunID: runID, Status: run.Status}
	for _, c := range counts {
		sum.Total += c.N
		switch model.ItemStatus(c.Status) {
		case model.ItemStatusPending:
			sum.Pending = c.N
		case model.ItemStatusQueued:
			sum.Queued = c.N
		case model.ItemStatusInProgress:
			sum.InProgress = c.N
		case model.ItemStatusCompleted:
			sum.Completed = c.N
		case model.ItemStatusFailed:
			sum.Failed = c.N
		}
	}
	return sum, nil
}

func (s *Store) Finalize(ctx context.Context, runID string, maxAttempts int) (model.RunStatus, error) {
	const op = "gormstore.Finalize"

	var status model.RunStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run RunEntity
		if err := tx.Where("id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrRunNotFound
			}
			return err
		}
		status = model.RunStatus(run.Status)
		if !status.IsActive() {
			return nil
		}

		var runnable int64
		if err := tx.Model(&ItemEntity{}).
			Where("run_id = ? AND (status IN ? OR (status = ? AND attempts < ?))",
				runID,
				[]string{string(model.ItemStatusPending), string(model.ItemStatusQueued), string(model.ItemStatusInProgress)},
				string(model.ItemStatusFailed), maxAttempts).
			Count(&runnable).Error; err != nil {
			return err
		}
		if runnable > 0 {
			return nil // still work to do, no-op
		}

		var exhausted int64
		if err := tx.Model(&ItemEntity{}).
			Where("run_id = ? AND status = ? AND attempts >= ?",
				runID, string(model.ItemStatusFailed), maxAttempts).
			Count(&exhausted).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{"updated_at": now}
		if exhausted > 0 {
			status = model.RunStatusBlocked
			updates["status"] = string(status)
			updates["block_reason"] = fmt.Sprintf("%d items exhausted the attempt budget", exhausted)
		} else {
			status = model.RunStatusCompleted
			updates["status"] = string(status)
			updates["finished_at"] = now
		}
		// Conditional on the status observed above so a concurrent finalize
		// or operator action does not get overwritten.
		res := tx.Model(&RunEntity{}).
			Where("id = ? AND status = ?", runID, run.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			status = model.RunStatus(run.Status)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			return "", err
		}
		return "", exception.New(op, fmt.Sprintf("failed to finalize run %s", runID), err, true)
	}
	return status, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, from []model.RunStatus, to model.RunStatus, lastError, blockReason string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": now,
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	if blockReason != "" {
		updates["block_reason"] = blockReason
	}
	if to.IsFinished() {
		updates["finished_at"] = now
	}

	q := s.db.WithContext(ctx).Model(&RunEntity{}).Where("id = ?", runID)
	if len(from) > 0 {
		fromStr := make([]string, 0, len(from))
		for _, f := range from {
			fromStr = append(fromStr, string(f))
		}
		q = q.Where("status IN ?", fromStr)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return exception.New("gormstore.UpdateRunStatus", fmt.Sprintf("failed to update run %s", runID), res.Error, true)
	}
	if res.RowsAffected == 0 {
		return repository.ErrRunNotFound
	}
	return nil
}

func (s *Store) TouchRun(ctx context.Context, runID string, lastError string, consecutiveErrors int) error {
	res := s.db.WithContext(ctx).Model(&RunEntity{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"last_error":         lastError,
			"consecutive_errors": consecutiveErrors,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return exception.New("gormstore.TouchRun", fmt.Sprintf("failed to touch run %s", runID), res.Error, true)
	}
	if res.RowsAffected == 0 {
		return repository.ErrRunNotFound
	}
	return nil
}

func activeStatuses() []string {
	return []string{
		string(model.RunStatusProcessing),
		string(model.RunStatusPaused),
		string(model.RunStatusStopped),
		string(model.RunStatusBlocked),
	}
}

func claimableStatuses() []string {
	return []string{
		string(model.ItemStatusPending),
		string(model.ItemStatusQueued),
		string(model.ItemStatusFailed),
	}
}
