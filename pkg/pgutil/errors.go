package pgutil

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes the helpers react to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUndefinedTable       = "42P01"
)

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// IsUniqueViolation reports whether err is a unique constraint violation.
// Rename helpers probe with a savepoint and take a merge path on conflict.
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsSerializationFailure reports whether err is a serialization failure.
func IsSerializationFailure(err error) bool {
	return hasCode(err, codeSerializationFailure)
}

// IsDeadlockDetected reports whether err is a deadlock.
func IsDeadlockDetected(err error) bool {
	return hasCode(err, codeDeadlockDetected)
}

// IsUndefinedTable reports whether err names a missing relation.
func IsUndefinedTable(err error) bool {
	return hasCode(err, codeUndefinedTable)
}
