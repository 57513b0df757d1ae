package workflow_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quantaleaf/orchest/state"
	"github.com/quantaleaf/orchest/workflow"
)

func setupHistoryStore(t *testing.T) workflow.HistoryStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&workflow.ExecutionRecordPo{}))
	return workflow.NewGormHistoryStore(db)
}

func TestGormHistoryStoreCRUD(t *testing.T) {
	store := setupHistoryStore(t)
	ctx := context.Background()

	saved, err := store.SaveRecord(ctx, &workflow.ExecutionRecordPo{
		WorkflowName: "etl",
		Version:      "1.0.0",
		IsSuccess:    true,
		DurationMs:   12,
	})
	require.NoError(t, err)
	assert.Greater(t, saved.ID, int64(0))
	assert.Greater(t, saved.CreatedAt, int64(0))

	_, err = store.SaveRecord(ctx, &workflow.ExecutionRecordPo{
		WorkflowName:   "etl",
		Version:        "1.0.0",
		IsSuccess:      false,
		FailedTaskName: "load",
		ErrorText:      "disk full",
	})
	require.NoError(t, err)

	t.Run("query by workflow name", func(t *testing.T) {
		asc := true
		records, err := store.QueryRecords(ctx, &workflow.QueryExecutionRecordParams{
			WorkflowNameIn: []string{"etl"},
			OrderbyIDAsc:   &asc,
		})
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.True(t, records[0].IsSuccess)
		assert.Equal(t, "load", records[1].FailedTaskName)
	})

	t.Run("query by success flag", func(t *testing.T) {
		failed := false
		count, err := store.CountRecords(ctx, &workflow.QueryExecutionRecordParams{
			WorkflowNameIn: []string{"etl"},
			IsSuccess:      &failed,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("paging", func(t *testing.T) {
		asc := true
		records, err := store.QueryRecords(ctx, &workflow.QueryExecutionRecordParams{
			OrderbyIDAsc: &asc,
			Page:         &workflow.Pager{Page: 1, Size: 1},
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, saved.ID, records[0].ID)
	})

	t.Run("update records", func(t *testing.T) {
		fixed := true
		err := store.UpdateRecords(ctx, &workflow.UpdateExecutionRecordParams{
			Where:    &workflow.UpdateExecutionRecordWhere{IDIn: []int64{saved.ID}},
			Fields:   &workflow.UpdateExecutionRecordField{IsSuccess: &fixed},
			LimitMax: 1,
		})
		require.NoError(t, err)
	})

	t.Run("update without where is rejected", func(t *testing.T) {
		flag := true
		err := store.UpdateRecords(ctx, &workflow.UpdateExecutionRecordParams{
			Where:    &workflow.UpdateExecutionRecordWhere{},
			Fields:   &workflow.UpdateExecutionRecordField{IsSuccess: &flag},
			LimitMax: 1,
		})
		assert.Error(t, err)
	})
}

func TestGormHistoryStoreTransaction(t *testing.T) {
	store := setupHistoryStore(t)
	ctx := context.Background()

	t.Run("rollback on error", func(t *testing.T) {
		sentinel := errors.New("abort the batch")
		err := store.Transaction(ctx, func(txCtx context.Context) error {
			_, err := store.SaveRecord(txCtx, &workflow.ExecutionRecordPo{WorkflowName: "tx-test"})
			require.NoError(t, err)
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)

		count, err := store.CountRecords(ctx, &workflow.QueryExecutionRecordParams{
			WorkflowNameIn: []string{"tx-test"},
		})
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("commit on success", func(t *testing.T) {
		err := store.Transaction(ctx, func(txCtx context.Context) error {
			_, err := store.SaveRecord(txCtx, &workflow.ExecutionRecordPo{WorkflowName: "tx-ok"})
			return err
		})
		require.NoError(t, err)

		count, err := store.CountRecords(ctx, &workflow.QueryExecutionRecordParams{
			WorkflowNameIn: []string{"tx-ok"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestManagerPersistsThroughHistoryStore(t *testing.T) {
	store := setupHistoryStore(t)
	m := workflow.NewManager()
	m.SetHistoryStore(store)
	require.NoError(t, m.Register(noopWorkflow("stored", "2.0.0")))

	_, err := m.Execute(context.Background(), "stored", &workflow.ExecuteOptions{Context: state.NewContext("s")})
	require.NoError(t, err)

	records, err := store.QueryRecords(context.Background(), &workflow.QueryExecutionRecordParams{
		WorkflowNameIn: []string{"stored"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2.0.0", records[0].Version)
	assert.True(t, records[0].IsSuccess)

	t.Run("read back through the manager", func(t *testing.T) {
		history, err := m.StoredHistory(context.Background(), "stored")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "stored", history[0].WorkflowName)
		assert.True(t, history[0].IsSuccess)
	})

	t.Run("no store configured", func(t *testing.T) {
		bare := workflow.NewManager()
		_, err := bare.StoredHistory(context.Background(), "stored")
		assert.ErrorIs(t, err, workflow.HistoryDisabledError)
	})
}
