package pgutil

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"database/sql"
)

func TestWithTransactionCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ir_module_module").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTransaction(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE ir_module_module SET state = 'to upgrade' WHERE name = 'base'")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err = WithTransaction(context.Background(), db, func(tx *sql.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryRetriesSerializationFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	serErr := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ir_model_data").WillReturnError(serErr)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ir_model_data").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err = WithRetry(context.Background(), db, 3, func(tx *sql.Tx) error {
		if _, err := tx.Exec("UPDATE ir_model_data SET module = 'sales_team' WHERE module = 'crm'"); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryGivesUpOnOtherErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	uniq := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ir_model_data").WillReturnError(uniq)
	mock.ExpectRollback()

	err = WithRetry(context.Background(), db, 5, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO ir_model_data (module, name) VALUES ('base', 'dup')")
		return err
	})
	assert.True(t, IsUniqueViolation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepointRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SAVEPOINT sp_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_").WillReturnResult(sqlmock.NewResult(0, 0))

	sp, err := NewSavepoint(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, sp.Rollback(context.Background()))
	// Idempotent once finished.
	require.NoError(t, sp.Rollback(context.Background()))
	require.NoError(t, sp.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsDeadlockDetected(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsUndefinedTable(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
	assert.False(t, IsUniqueViolation(nil))
}
