package workflow

import (
	"context"
	"time"
)

// ExecutionRecordPo is the persisted form of one execution record.
type ExecutionRecordPo struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	WorkflowName   string `gorm:"column:workflow_name;index" json:"workflow_name"`
	Version        string `gorm:"column:version" json:"version"`
	IsSuccess      bool   `gorm:"column:is_success" json:"is_success"`
	FailedTaskName string `gorm:"column:failed_task_name" json:"failed_task_name"`
	ErrorText      string `gorm:"column:error_text" json:"error_text"`
	StartedAt      int64  `gorm:"column:started_at" json:"started_at"`
	DurationMs     int64  `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt      int64  `gorm:"column:created_at" json:"created_at"`
}

func (ExecutionRecordPo) TableName() string {
	return "workflow_execution_record"
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryExecutionRecordParams struct {
	ID             *int64   `json:"id"`
	WorkflowNameIn []string `json:"workflow_name_in"`
	Version        *string  `json:"version"`
	IsSuccess      *bool    `json:"is_success"`
	IDGreaterThan  *int64   `json:"id_greater_than"`
	OrderbyIDAsc   *bool    `json:"orderby_id_asc"`
	Page           *Pager   `json:"page"`
}

type UpdateExecutionRecordParams struct {
	Where    *UpdateExecutionRecordWhere `json:"where" validate:"required"`
	Fields   *UpdateExecutionRecordField `json:"field" validate:"required"`
	LimitMax int                         `json:"limit_max" validate:"required"`
}

type UpdateExecutionRecordWhere struct {
	IDIn []int64 `json:"id_in"`
}

type UpdateExecutionRecordField struct {
	IsSuccess      *bool   `json:"is_success"`
	FailedTaskName *string `json:"failed_task_name"`
	ErrorText      *string `json:"error_text"`
}

// HistoryStore persists execution records durably, beyond the manager's
// bounded in-memory history.
type HistoryStore interface {
	SaveRecord(ctx context.Context, record *ExecutionRecordPo) (*ExecutionRecordPo, error)
	QueryRecords(ctx context.Context, params *QueryExecutionRecordParams) ([]*ExecutionRecordPo, error)
	CountRecords(ctx context.Context, params *QueryExecutionRecordParams) (int64, error)
	UpdateRecords(ctx context.Context, params *UpdateExecutionRecordParams) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// recordPo converts an in-memory record to its persisted form.
func recordPo(rec *ExecutionRecord) *ExecutionRecordPo {
	po := &ExecutionRecordPo{
		WorkflowName:   rec.WorkflowName,
		Version:        rec.Version,
		IsSuccess:      rec.IsSuccess,
		FailedTaskName: rec.FailedTaskName,
		StartedAt:      rec.StartedAt.Unix(),
		DurationMs:     rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		po.ErrorText = rec.Err.Error()
	}
	return po
}

// toRecord converts a persisted row back to the in-memory form. The error
// value cannot round-trip; only its text survives.
func (po *ExecutionRecordPo) toRecord() *ExecutionRecord {
	return &ExecutionRecord{
		WorkflowName:   po.WorkflowName,
		Version:        po.Version,
		IsSuccess:      po.IsSuccess,
		FailedTaskName: po.FailedTaskName,
		StartedAt:      time.Unix(po.StartedAt, 0),
		Duration:       time.Duration(po.DurationMs) * time.Millisecond,
	}
}
