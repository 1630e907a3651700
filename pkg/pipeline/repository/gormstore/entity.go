package gormstore

import (
	"time"

	"github.com/weftworks/loom/pkg/pipeline/model"
)

// RunEntity is the persistence shape of model.Run.
type RunEntity struct {
	ID                string         `gorm:"column:id;primaryKey"`
	Kind              string         `gorm:"column:kind;index:idx_runs_kind_scope"`
	Scope             string         `gorm:"column:scope;index:idx_runs_kind_scope"`
	Status            string         `gorm:"column:status;index"`
	TotalItems        int            `gorm:"column:total_items"`
	ConsecutiveErrors int            `gorm:"column:consecutive_errors"`
	LastError         string         `gorm:"column:last_error"`
	BlockReason       string         `gorm:"column:block_reason"`
	Metadata          model.Metadata `gorm:"column:metadata;type:text"`
	StartedAt         time.Time      `gorm:"column:started_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
	FinishedAt        *time.Time     `gorm:"column:finished_at"`
}

// TableName implements the gorm table naming convention.
func (RunEntity) TableName() string { return "pipeline_runs" }

// ItemEntity is the persistence shape of model.Item.
type ItemEntity struct {
	ID          string        `gorm:"column:id;primaryKey"`
	RunID       string        `gorm:"column:run_id;index"`
	Ref         model.WorkRef `gorm:"column:ref;type:text"`
	Status      string        `gorm:"column:status;index:idx_items_status_updated"`
	Attempts    int           `gorm:"column:attempts"`
	LastError   string        `gorm:"column:last_error"`
	Note        string        `gorm:"column:note"`
	StartedAt   *time.Time    `gorm:"column:started_at"`
	CompletedAt *time.Time    `gorm:"column:completed_at"`
	UpdatedAt   time.Time     `gorm:"column:updated_at;index:idx_items_status_updated"`
}

// TableName implements the gorm table naming convention.
func (ItemEntity) TableName() string { return "pipeline_items" }

func fromDomainRun(r *model.Run) *RunEntity {
	return &RunEntity{
		ID:                r.ID,
		Kind:              string(r.Kind),
		Scope:             r.Scope,
		Status:            string(r.Status),
		TotalItems:        r.TotalItems,
		ConsecutiveErrors: r.ConsecutiveErrors,
		LastError:         r.LastError,
		BlockReason:       r.BlockReason,
		Metadata:          r.Metadata,
		StartedAt:         r.StartedAt,
		UpdatedAt:         r.UpdatedAt,
		FinishedAt:        r.FinishedAt,
	}
}

func toDomainRun(e *RunEntity) *model.Run {
	return &model.Run{
		ID:                e.ID,
		Kind:              model.PipelineKind(e.Kind),
		Scope:             e.Scope,
		Status:            model.RunStatus(e.Status),
		TotalItems:        e.TotalItems,
		ConsecutiveErrors: e.ConsecutiveErrors,
		LastError:         e.LastError,
		BlockReason:       e.BlockReason,
		Metadata:          e.Metadata,
		StartedAt:         e.StartedAt,
		UpdatedAt:         e.UpdatedAt,
		FinishedAt:        e.FinishedAt,
	}
}

func fromDomainItem(i *model.Item) *ItemEntity {
	return &ItemEntity{
		ID:          i.ID,
		RunID:       i.RunID,
		Ref:         i.Ref,
		Status:      string(i.Status),
		Attempts:    i.Attempts,
		LastError:   i.LastError,
		Note:        i.Note,
		StartedAt:   i.StartedAt,
		CompletedAt: i.CompletedAt,
		UpdatedAt:   i.UpdatedAt,
	}
}

func toDomainItem(e *ItemEntity) *model.Item {
	return &model.Item{
		ID:          e.ID,
		RunID:       e.RunID,
		Ref:         e.Ref,
		Status:      model.ItemStatus(e.Status),
		Attempts:    e.Attempts,
		LastError:   e.LastError,
		Note:        e.Note,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}
