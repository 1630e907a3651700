// Package repository defines the persistence contract of the run/item state
// machine. Implementations must enforce every conditional transition as a
// single conditional update whose affected-row count is the success signal;
// a read-then-write sequence is never an acceptable substitute (it is the
// pipeline's only synchronization primitive).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/loom/pkg/pipeline/model"
)

// ErrScopeBusy is returned by CreateRun when an active run already exists
// for the requested (kind, scope) pair.
var ErrScopeBusy = errors.New("an active run already exists for this scope")

// ErrRunNotFound is returned when no run matches the lookup.
var ErrRunNotFound = errors.New("run not found")

// ErrItemNotFound is returned when no item matches the lookup.
var ErrItemNotFound = errors.New("item not found")

// Store is the persistence contract shared by every pipeline kind.
type Store interface {
	// CreateRun creates a Run for the scope and bulk-inserts one pending
	// Item per work reference. It fails with ErrScopeBusy if an active run
	// already exists for (kind, scope).
	CreateRun(ctx context.Context, kind model.PipelineKind, scope string, refs []model.WorkRef, metadata model.Metadata) (*model.Run, error)

	// FindActiveRun returns the single active run for (kind, scope), or
	// ErrRunNotFound. Used to make "start" idempotent: resume, don't duplicate.
	FindActiveRun(ctx context.Context, kind model.PipelineKind, scope string) (*model.Run, error)

	// GetRun returns the run by id, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// ListActiveRuns returns every active run of the given kind, oldest first.
	ListActiveRuns(ctx context.Context, kind model.PipelineKind) ([]*model.Run, error)

	// ListClaimable selects items with status in {pending, failed} and
	// attempts < maxAttempts, oldest updated_at first, bounded by limit.
	ListClaimable(ctx context.Context, runID string, maxAttempts, limit int) ([]*model.Item, error)

	// MarkQueued conditionally transitions pending|failed items to queued
	// and returns the ids actually affected. Rows already claimed by another
	// caller are silently skipped; this is the enqueue-side dedup.
	MarkQueued(ctx context.Context, ids []string) ([]string, error)

	// ClaimForProcessing atomically claims one item for processing:
	// status in {pending, queued, failed} (or in_progress past the stale
	// threshold), attempts < maxAttempts -> in_progress, attempts+1,
	// started_at = now. Returns whether the row was actually affected.
	ClaimForProcessing(ctx context.Context, id string, maxAttempts int, stuckAfter time.Duration) (bool, error)

	// CompleteItem terminally transitions an in_progress item to completed.
	CompleteItem(ctx context.Context, id, note string) error

	// FailItem terminally transitions an in_progress item to failed and
	// records the error message. Exhaustion of the attempt budget is not
	// decided here: the next ListClaimable cycle naturally excludes items
	// at attempts == maxAttempts.
	FailItem(ctx context.Context, id, message string) error

	// GetItem returns the item by id, or ErrItemNotFound.
	GetItem(ctx context.Context, id string) (*model.Item, error)

	// SweepStale resets queued items older than queuedStale and in_progress
	// items older than stuck back to pending. A zero duration disables the
	// corresponding sweep leg. Runs before every claim cycle.
	SweepStale(ctx context.Context, runID string, queuedStale, stuck time.Duration) (int, error)

	// Summarize aggregates item states via GROUP BY status.
	Summarize(ctx context.Context, runID string) (*model.Summary, error)

	// Finalize sets the run to completed (no terminal failures) or blocked
	// (>= 1 item exhausted attempts) once nothing runnable remains;
	// otherwise it is a no-op. Returns the current run status.
	Finalize(ctx context.Context, runID string, maxAttempts int) (model.RunStatus, error)

	// UpdateRunStatus conditionally transitions the run status and updates
	// lastError/blockReason bookkeeping.
	UpdateRunStatus(ctx context.Context, runID string, from []model.RunStatus, to model.RunStatus, lastError, blockReason string) error

	// TouchRun records a run-level error observation (lastError plus the
	// consecutive error counter; zero consecutiveErrors resets it).
	TouchRun(ctx context.Context, runID string, lastError string, consecutiveErrors int) error
}
