// Package pgutil wraps the PostgreSQL plumbing shared by every upgrade
// helper: connection setup, transactions and savepoints, catalog
// introspection, guarded DDL, and range-parallel statement execution.
package pgutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Queryer abstracts over *sql.DB and *sql.Tx so helpers run unchanged
// inside or outside an explicit transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var (
	_ Queryer = (*sql.DB)(nil)
	_ Queryer = (*sql.Tx)(nil)
)

// Placeholders renders "$start, $start+1, ..." for count parameters, for
// building IN clauses.
func Placeholders(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// StringArgs converts a string slice to the interface slice Exec/Query
// variadics take.
func StringArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

// QuoteLiteral renders s as a SQL string literal. Needed where statements
// cannot carry bind parameters, like the pre-rendered pieces ParallelExecute
// runs.
func QuoteLiteral(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	if strings.Contains(escaped, `\`) {
		return " E'" + strings.ReplaceAll(escaped, `\`, `\\`) + "'"
	}
	return "'" + escaped + "'"
}
