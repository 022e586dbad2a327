package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T, dialect Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db, dialect)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	return store, mock
}

func TestSQLStoreRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "VALUES ($1, $2, 1, $3)", pg.rebind("VALUES (?, ?, 1, ?)"))

	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "WHERE a = ?", lite.rebind("WHERE a = ?"))
}

func TestSQLStoreSavePostgres(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   string
	}{
		{
			name: "upsert",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, 1, $3)")).
					WithArgs("t1", []byte("state"), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO checkpoints").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: "save checkpoint t1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockStore(t, DialectPostgres)
			tt.setupMock(mock)

			err := store.Save(context.Background(), "t1", []byte("state"))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStoreSaveRequiresThreadID(t *testing.T) {
	store, mock := setupMockStore(t, DialectSQLite)
	require.Error(t, store.Save(context.Background(), "  ", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreLoad(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		want      string
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM checkpoints WHERE thread_id = $1")).
					WithArgs("t1").
					WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte("saved")))
			},
			want: "saved",
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT state FROM checkpoints").
					WithArgs("t1").
					WillReturnRows(sqlmock.NewRows([]string{"state"}))
			},
			wantErr: ErrNotFound,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT state FROM checkpoints").
					WithArgs("t1").
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockStore(t, DialectPostgres)
			tt.setupMock(mock)

			got, err := store.Load(context.Background(), "t1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, string(got))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStoreDelete(t *testing.T) {
	store, mock := setupMockStore(t, DialectSQLite)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE thread_id = ?")).
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Delete(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreMigratePostgresUsesBytea(t *testing.T) {
	store, mock := setupMockStore(t, DialectPostgres)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints .*state BYTEA").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
