package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-os/reflections/internal/app/domain/reflection"
)

func newMockStore(t *testing.T, capacity int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), capacity), mock
}

func TestPrepare_AppliesSchemaOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS reflections")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := Prepare(context.Background(), sqlx.NewDb(db, "postgres"), 200)
	require.NoError(t, err)
	assert.NotNil(t, store)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepare_ClosesOnSchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	_, err = Prepare(context.Background(), sqlx.NewDb(db, "postgres"), 200)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_InsertsAndPrunesInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t, 200)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reflections")).
		WithArgs("r1", "ada", "I learned patience today", "sage", sqlmock.AnyArg(), "t-1", created).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reflections")).
		WithArgs(200).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Append(context.Background(), reflection.Reflection{
		ID:           "r1",
		Author:       "ada",
		Text:         "I learned patience today",
		ArchetypeTag: "sage",
		Lesson:       &reflection.Lesson{Topic: "I learned patience today"},
		TraceID:      "t-1",
		CreatedAt:    created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_RollsBackOnPruneFailure(t *testing.T) {
	store, mock := newMockStore(t, 200)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reflections")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reflections")).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := store.Append(context.Background(), reflection.Reflection{ID: "r1", Author: "ada", Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_OrdersAndDecodes(t *testing.T) {
	store, mock := newMockStore(t, 200)
	now := time.Now().UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{"id", "author", "text", "archetype", "lesson", "trace_id", "created_at"}).
		AddRow("r2", "bob", "second", "", nil, "", now).
		AddRow("r1", "ada", "first", "sage", []byte(`{"topic":"first","question":"q","challenge":"c"}`), "t-1", now.Add(-time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq DESC")).
		WithArgs(200).
		WillReturnRows(rows)

	got, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].ID)
	assert.Nil(t, got[0].Lesson)
	require.NotNil(t, got[1].Lesson)
	assert.Equal(t, "q", got[1].Lesson.Question)
	assert.Equal(t, "sage", got[1].ArchetypeTag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn, 3)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.db.ExecContext(ctx, "TRUNCATE reflections")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, reflection.Reflection{
			ID:        fmt.Sprintf("%d-%s", i, uuid.NewString()),
			Author:    "ada",
			Text:      fmt.Sprintf("entry %d", i),
			CreatedAt: time.Now(),
		}))
	}

	got, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "entry 4", got[0].Text)
	assert.Equal(t, "entry 2", got[2].Text)
}
