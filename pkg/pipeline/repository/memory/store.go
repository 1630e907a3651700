// Package memory provides an in-memory implementation of the pipeline
// repository. It mirrors the SQL implementation's conditional-update
// semantics under a mutex and is used by unit tests and the concurrency
// property tests, where the affected-row-count contract must hold without a
// database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/repository"
)

// Store is a mutex-guarded in-memory repository.Store.
type Store struct {
	mu    sync.Mutex
	runs  map[string]*model.Run
	items map[string]*model.Item
	// byRun preserves insertion order for deterministic listings.
	byRun map[string][]string
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		runs:  make(map[string]*model.Run),
		items: make(map[string]*model.Item),
		byRun: make(map[string][]string),
	}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) CreateRun(_ context.Context, kind model.PipelineKind, scope string, refs []model.WorkRef, metadata model.Metadata) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Kind == kind && r.Scope == scope && r.Status.IsActive() {
			return nil, repository.ErrScopeBusy
		}
	}

	run := model.NewRun(kind, scope, len(refs), metadata)
	s.runs[run.ID] = run
	for _, ref := range refs {
		item := model.NewItem(run.ID, ref)
		s.items[item.ID] = item
		s.byRun[run.ID] = append(s.byRun[run.ID], item.ID)
	}
	return cloneRun(run), nil
}

func (s *Store) FindActiveRun(_ context.Context, kind model.PipelineKind, scope string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.Kind == kind && r.Scope == scope && r.Status.IsActive() {
			return cloneRun(r), nil
		}
	}
	return nil, repository.ErrRunNotFound
}

func (s *Store) GetRun(_ context.Context, runID string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) ListActiveRuns(_ context.Context, kind model.PipelineKind) ([]*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Run
	for _, r := range s.runs {
		if r.Kind == kind && r.Status.IsActive() {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) ListClaimable(_ context.Context, runID string, maxAttempts, limit int) ([]*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Item
	for _, id := range s.byRun[runID] {
		it := s.items[id]
		if (it.Status == model.ItemStatusPending || it.Status == model.ItemStatusFailed) && it.Attempts < maxAttempts {
			out = append(out, cloneItem(it))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkQueued(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for _, id := range ids {
		it, ok := s.items[id]
		if !ok {
			continue
		}
		if it.Status == model.ItemStatusPending || it.Status == model.ItemStatusFailed {
			it.Status = model.ItemStatusQueued
			it.UpdatedAt = time.Now().UTC()
			affected = append(affected, id)
		}
	}
	return affected, nil
}

func (s *Store) ClaimForProcessing(_ context.Context, id string, maxAttempts int, stuckAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return false, nil
	}
	if it.Attempts >= maxAttempts {
		return false, nil
	}

	claimable := it.Status == model.ItemStatusPending ||
		it.Status == model.ItemStatusQueued ||
		it.Status == model.ItemStatusFailed
	if !claimable && it.Status == model.ItemStatusInProgress && stuckAfter > 0 && it.StartedAt != nil {
		claimable = time.Since(*it.StartedAt) > stuckAfter
	}
	if !claimable {
		return false, nil
	}

	now := time.Now().UTC()
	it.Status = model.ItemStatusInProgress
	it.Attempts++
	it.StartedAt = &now
	it.UpdatedAt = now
	return true, nil
}

func (s *Store) CompleteItem(_ context.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return repository.ErrItemNotFound
	}
	if it.Status != model.ItemStatusInProgress {
		return repository.ErrItemNotFound
	}
	now := time.Now().UTC()
	it.Status = model.ItemStatusCompleted
	it.Note = note
	it.LastError = ""
	it.CompletedAt = &now
	it.UpdatedAt = now
	return nil
}

func (s *Store) FailItem(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return repository.ErrItemNotFound
	}
	if it.Status != model.ItemStatusInProgress {
		return repository.ErrItemNotFound
	}
	now := time.Now().UTC()
	it.Status = model.ItemStatusFailed
	it.LastError = message
	it.CompletedAt = &now
	it.UpdatedAt = now
	return nil
}

func (s *Store) GetItem(_ context.Context, id string) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, repository.ErrItemNotFound
	}
	return cloneItem(it), nil
}

func (s *Store) SweepStale(_ context.Context, runID string, queuedStale, stuck time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	swept := 0
	for _, id := range s.byRun[runID] {
		it := s.items[id]
		switch it.Status {
		case model.ItemStatusQueued:
			if queuedStale > 0 && now.Sub(it.UpdatedAt) > queuedStale {
				it.Status = model.ItemStatusPending
				it.UpdatedAt = now
				swept++
			}
		case model.ItemStatusInProgress:
			if stuck > 0 && it.StartedAt != nil && now.Sub(*it.StartedAt) > stuck {
				it.Status = model.ItemStatusPending
				it.UpdatedAt = now
				swept++
			}
		}
	}
	return swept, nil
}

func (s *Store) Summarize(_ context.Context, runID string) (*model.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	sum := &model.Summary{RunID: runID, Status: run.Status}
	for _, id := range s.byRun[runID] {
		sum.Total++
		switch s.items[id].Status {
		case model.ItemStatusPending:
			sum.Pending++
		case model.ItemStatusQueued:
			sum.Queued++
		case model.ItemStatusInProgress:
			sum.InProgress++
		case model.ItemStatusCompleted:
			sum.Completed++
		case model.ItemStatusFailed:
			sum.Failed++
		}
	}
	return sum, nil
}

func (s *Store) Finalize(_ context.Context, runID string, maxAttempts int) (model.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return "", repository.ErrRunNotFound
	}
	if !run.Status.IsActive() {
		return run.Status, nil
	}

	exhausted := 0
	for _, id := range s.byRun[runID] {
		it := s.items[id]
		switch it.Status {
		case model.ItemStatusPending, model.ItemStatusQueued, model.ItemStatusInProgress:
			return run.Status, nil // still runnable, no-op
		case model.ItemStatusFailed:
			if it.Attempts < maxAttempts {
				return run.Status, nil // retryable failure, no-op
			}
			exhausted++
		}
	}

	now := time.Now().UTC()
	if exhausted > 0 {
		run.Status = model.RunStatusBlocked
		run.BlockReason = "attempt budget exhausted"
	} else {
		run.Status = model.RunStatusCompleted
		run.FinishedAt = &now
	}
	run.UpdatedAt = now
	return run.Status, nil
}

func (s *Store) UpdateRunStatus(_ context.Context, runID string, from []model.RunStatus, to model.RunStatus, lastError, blockReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return repository.ErrRunNotFound
	}
	matched := len(from) == 0
	for _, f := range from {
		if run.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return repository.ErrRunNotFound
	}
	run.Status = to
	if lastError != "" {
		run.LastError = lastError
	}
	if blockReason != "" {
		run.BlockReason = blockReason
	}
	now := time.Now().UTC()
	if to.IsFinished() {
		run.FinishedAt = &now
	}
	run.UpdatedAt = now
	return nil
}

func (s *Store) TouchRun(_ context.Context, runID string, lastError string, consecutiveErrors int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return repository.ErrRunNotFound
	}
	run.LastError = lastError
	run.ConsecutiveErrors = consecutiveErrors
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// ItemsOf returns a snapshot of a run's items in insertion order. Intended
// for test assertions.
func (s *Store) ItemsOf(runID string) []*model.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Item, 0, len(s.byRun[runID]))
	for _, id := range s.byRun[runID] {
		out = append(out, cloneItem(s.items[id]))
	}
	return out
}

func cloneRun(r *model.Run) *model.Run {
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Metadata != nil {
		cp.Metadata = make(model.Metadata, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneItem(i *model.Item) *model.Item {
	cp := *i
	if i.StartedAt != nil {
		t := *i.StartedAt
		cp.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
