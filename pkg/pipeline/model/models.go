// Package model defines the persistent domain model of the generic run/item
// pipeline: a Run tracks one batch execution over a scope, and an Item tracks
// one unit of work within it. The same model is shared by every pipeline kind
// (catalog crawl, enrichment, export); a kind contributes only its work-item
// payload and its processor function.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusProcessing          RunStatus = "processing"
	RunStatusPaused              RunStatus = "paused"
	RunStatusStopped             RunStatus = "stopped"
	RunStatusBlocked             RunStatus = "blocked"
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
)

// String returns the string representation of the RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// IsActive reports whether a run in this status still owns its scope.
// A scope has at most one active run at a time; creating a new run for a
// busy scope is rejected in favor of resuming the existing one.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStatusProcessing, RunStatusPaused, RunStatusStopped, RunStatusBlocked:
		return true
	default:
		return false
	}
}

// IsFinished reports whether the RunStatus is terminal.
func (s RunStatus) IsFinished() bool {
	return s == RunStatusCompleted || s == RunStatusCompletedWithErrors
}

// ItemStatus represents the state of a single work item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// String returns the string representation of the ItemStatus.
func (s ItemStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status ends the item's lifecycle for the
// given attempt budget. failed is terminal only once attempts == maxAttempts;
// before that the item is naturally reselected by the next claim cycle.
func (s ItemStatus) IsTerminal(attempts, maxAttempts int) bool {
	switch s {
	case ItemStatusCompleted:
		return true
	case ItemStatusFailed:
		return attempts >= maxAttempts
	default:
		return false
	}
}

// PipelineKind identifies which pipeline a run belongs to.
type PipelineKind string

const (
	KindCatalog    PipelineKind = "catalog"
	KindEnrichment PipelineKind = "enrichment"
	KindExport     PipelineKind = "export"
)

// ScopeAll is the scope value for a run covering every brand.
const ScopeAll = "all"

// Metadata is an opaque key-value document attached to a Run (model/prompt
// version, trigger source). It is stored as a JSON column.
type Metadata map[string]interface{}

// Value implements the `driver.Valuer` interface, converting the Metadata to a JSON string.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the `sql.Scanner` interface, converting a JSON string to Metadata.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type for Metadata: %T", value)
	}
	if len(b) == 0 {
		*m = make(Metadata)
		return nil
	}
	if err := json.Unmarshal(b, m); err != nil {
		return fmt.Errorf("failed to unmarshal Metadata JSON: %w", err)
	}
	return nil
}

// GetString retrieves the value for the specified key as a string.
func (m Metadata) GetString(key string) (string, bool) {
	val, ok := m[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// WorkRef is the work reference carried by an Item: either a canonical
// product id (enrichment/export pipelines) or a discovered source URL plus
// external id (catalog pipeline). It is stored as a JSON column.
type WorkRef struct {
	ProductID  string `json:"productId,omitempty"`
	SourceURL  string `json:"sourceUrl,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	BrandID    string `json:"brandId,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// Value implements the `driver.Valuer` interface, converting the WorkRef to a JSON string.
func (r WorkRef) Value() (driver.Value, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the `sql.Scanner` interface, converting a JSON string to a WorkRef.
func (r *WorkRef) Scan(value interface{}) error {
	if value == nil {
		*r = WorkRef{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type for WorkRef: %T", value)
	}
	if len(b) == 0 {
		*r = WorkRef{}
		return nil
	}
	if err := json.Unmarshal(b, r); err != nil {
		return fmt.Errorf("failed to unmarshal WorkRef JSON: %w", err)
	}
	return nil
}

// Run is a structure representing a single batch execution over a scope.
type Run struct {
	ID                string
	Kind              PipelineKind
	Scope             string
	Status            RunStatus
	TotalItems        int
	ConsecutiveErrors int
	LastError         string
	BlockReason       string
	Metadata          Metadata
	StartedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
}

// Item is a structure representing one unit of work owned by exactly one Run.
type Item struct {
	ID          string
	RunID       string
	Ref         WorkRef
	Status      ItemStatus
	Attempts    int
	LastError   string
	Note        string
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Summary is the live aggregation of a run's item states. It is always
// computed by GROUP BY over the item table, never by a running counter, so
// it stays consistent with the items even after a crash.
type Summary struct {
	RunID      string    `json:"runId"`
	Status     RunStatus `json:"status"`
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	Queued     int       `json:"queued"`
	InProgress int       `json:"inProgress"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
}

// Runnable reports whether any item still needs dispatching.
func (s Summary) Runnable() bool {
	return s.Pending > 0 || s.Queued > 0 || s.InProgress > 0
}

// NewID generates a new UUID string.
func NewID() string {
	return uuid.New().String()
}

// NewRun creates a new Run in processing state for the given scope.
func NewRun(kind PipelineKind, scope string, totalItems int, metadata Metadata) *Run {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = make(Metadata)
	}
	return &Run{
		ID:         NewID(),
		Kind:       kind,
		Scope:      scope,
		Status:     RunStatusProcessing,
		TotalItems: totalItems,
		Metadata:   metadata,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// NewItem creates a new pending Item owned by the given run.
func NewItem(runID string, ref WorkRef) *Item {
	return &Item{
		ID:        NewID(),
		RunID:     runID,
		Ref:       ref,
		Status:    ItemStatusPending,
		UpdatedAt: time.Now().UTC(),
	}
}

// isValidRunTransition checks if the state transition for a Run is valid.
func isValidRunTransition(current, next RunStatus) bool {
	switch current {
	case RunStatusProcessing:
		// processing can pause, stop, block, or finish.
		return next == RunStatusPaused || next == RunStatusStopped ||
			next == RunStatusBlocked || next == RunStatusCompleted ||
			next == RunStatusCompletedWithErrors
	case RunStatusPaused:
		return next == RunStatusProcessing || next == RunStatusStopped || next == RunStatusBlocked
	case RunStatusStopped:
		return next == RunStatusProcessing
	case RunStatusBlocked:
		// A blocked run may be resumed (after the operator raises the attempt
		// ceiling or fixes the upstream) or acknowledged.
		return next == RunStatusProcessing || next == RunStatusCompletedWithErrors
	case RunStatusCompleted, RunStatusCompletedWithErrors:
		return false
	default:
		return false
	}
}

// TransitionTo safely transitions the state of the Run. Fields other than
// Status and UpdatedAt must be set separately by the caller.
func (r *Run) TransitionTo(next RunStatus) error {
	if !isValidRunTransition(r.Status, next) {
		return fmt.Errorf("run %s: invalid state transition: %s -> %s", r.ID, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCompleted updates the Run status to completed and sets FinishedAt.
func (r *Run) MarkCompleted() error {
	if err := r.TransitionTo(RunStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
	return nil
}

// MarkBlocked updates the Run status to blocked with the given reason.
func (r *Run) MarkBlocked(reason string) error {
	if err := r.TransitionTo(RunStatusBlocked); err != nil {
		return err
	}
	r.BlockReason = reason
	return nil
}

// isValidItemTransition checks if the state transition for an Item is valid.
// queued and in_progress may regress to pending: that is the sweep path for
// dropped queue messages and crashed workers.
func isValidItemTransition(current, next ItemStatus) bool {
	switch current {
	case ItemStatusPending:
		return next == ItemStatusQueued || next == ItemStatusInProgress
	case ItemStatusQueued:
		return next == ItemStatusInProgress || next == ItemStatusPending
	case ItemStatusInProgress:
		return next == ItemStatusCompleted || next == ItemStatusFailed || next == ItemStatusPending
	case ItemStatusFailed:
		// failed items below the attempt ceiling are reclaimed directly.
		return next == ItemStatusQueued || next == ItemStatusInProgress
	case ItemStatusCompleted:
		return false
	default:
		return false
	}
}

// TransitionTo safely transitions the state of the Item.
func (i *Item) TransitionTo(next ItemStatus) error {
	if !isValidItemTransition(i.Status, next) {
		return fmt.Errorf("item %s: invalid state transition: %s -> %s", i.ID, i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = time.Now().UTC()
	return nil
}
