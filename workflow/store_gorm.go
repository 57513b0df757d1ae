package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type txContextKey struct{}

// gormHistoryStore persists execution records through GORM. Any dialect
// works; tests use in-memory sqlite.
type gormHistoryStore struct {
	db *gorm.DB
}

// NewGormHistoryStore wraps db as a HistoryStore. The caller migrates
// ExecutionRecordPo before first use.
func NewGormHistoryStore(db *gorm.DB) HistoryStore {
	return &gormHistoryStore{db: db}
}

// getDBWithContext picks the transaction handle when one is active on ctx.
func (s *gormHistoryStore) getDBWithContext(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *gormHistoryStore) SaveRecord(ctx context.Context, record *ExecutionRecordPo) (*ExecutionRecordPo, error) {
	if record == nil {
		return nil, errors.New("nil ExecutionRecordPo")
	}
	record.CreatedAt = time.Now().Unix()
	if err := s.getDBWithContext(ctx).Create(record).Error; err != nil {
		return nil, errors.WithMessage(err, "SaveRecord failed")
	}
	return record, nil
}

func buildQueryExecutionRecordParams(db *gorm.DB, isCount bool, params *QueryExecutionRecordParams) (*gorm.DB, error) {
	if params == nil {
		return nil, errors.New("nil QueryExecutionRecordParams")
	}
	if params.ID != nil {
		db = db.Where("id = ?", params.ID)
	}
	if len(params.WorkflowNameIn) != 0 {
		db = db.Where("workflow_name IN ?", params.WorkflowNameIn)
	}
	if params.Version != nil {
		db = db.Where("version = ?", params.Version)
	}
	if params.IsSuccess != nil {
		db = db.Where("is_success = ?", params.IsSuccess)
	}
	if params.IDGreaterThan != nil {
		db = db.Where("id > ?", params.IDGreaterThan)
	}
	if isCount {
		return db, nil
	}
	if params.OrderbyIDAsc != nil {
		if *params.OrderbyIDAsc {
			db = db.Order("id ASC")
		} else {
			db = db.Order("id DESC")
		}
	}
	if params.Page != nil {
		noLimit := params.Page.IsNoLimit != nil && *params.Page.IsNoLimit
		if !noLimit {
			page := params.Page.Page
			if page < 1 {
				page = 1
			}
			size := params.Page.Size
			if size <= 0 {
				size = 20
			}
			db = db.Offset(int((page - 1) * size)).Limit(int(size))
		}
	}
	return db, nil
}

func (s *gormHistoryStore) QueryRecords(ctx context.Context, params *QueryExecutionRecordParams) ([]*ExecutionRecordPo, error) {
	db, err := buildQueryExecutionRecordParams(s.getDBWithContext(ctx), false, params)
	if err != nil {
		return nil, err
	}
	var records []*ExecutionRecordPo
	if err := db.Find(&records).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryRecords failed")
	}
	return records, nil
}

func (s *gormHistoryStore) CountRecords(ctx context.Context, params *QueryExecutionRecordParams) (int64, error) {
	db, err := buildQueryExecutionRecordParams(s.getDBWithContext(ctx), true, params)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(&ExecutionRecordPo{}).Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountRecords failed")
	}
	return count, nil
}

func (s *gormHistoryStore) UpdateRecords(ctx context.Context, params *UpdateExecutionRecordParams) error {
	if params == nil || params.Where == nil || params.Fields == nil {
		return errors.New("nil UpdateExecutionRecordParams")
	}
	if params.LimitMax <= 0 {
		return errors.New("LimitMax must be positive")
	}
	if len(params.Where.IDIn) == 0 {
		return errors.New("empty update where clause")
	}

	fields := make(map[string]any)
	if params.Fields.IsSuccess != nil {
		fields["is_success"] = *params.Fields.IsSuccess
	}
	if params.Fields.FailedTaskName != nil {
		fields["failed_task_name"] = *params.Fields.FailedTaskName
	}
	if params.Fields.ErrorText != nil {
		fields["error_text"] = *params.Fields.ErrorText
	}
	if len(fields) == 0 {
		return errors.New("empty update field set")
	}

	db := s.getDBWithContext(ctx).Model(&ExecutionRecordPo{}).
		Where("id IN ?", params.Where.IDIn).
		Limit(params.LimitMax)
	if err := db.Updates(fields).Error; err != nil {
		return errors.WithMessage(err, "UpdateRecords failed")
	}
	return nil
}

// Transaction runs fn with every store call on ctx joining one database
// transaction.
func (s *gormHistoryStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txContextKey{}, tx))
	})
}
