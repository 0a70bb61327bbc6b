package pgutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TableExists reports whether table exists as a base table.
func TableExists(ctx context.Context, q Queryer, table string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
        SELECT 1
          FROM information_schema.tables
         WHERE table_name = $1
           AND table_type = 'BASE TABLE'
    `, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return true, nil
}

// ViewExists reports whether view exists.
func ViewExists(ctx context.Context, q Queryer, view string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM information_schema.views WHERE table_name = $1`, view,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking view %s: %w", view, err)
	}
	return true, nil
}

// ColumnExists reports whether table.column exists.
func ColumnExists(ctx context.Context, q Queryer, table, column string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
        SELECT 1
          FROM information_schema.columns
         WHERE table_name = $1
           AND column_name = $2
    `, table, column).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return true, nil
}

// ColumnType returns the udt_name of table.column, or "" when the column
// does not exist.
func ColumnType(ctx context.Context, q Queryer, table, column string) (string, error) {
	var typ string
	err := q.QueryRowContext(ctx, `
        SELECT udt_name
          FROM information_schema.columns
         WHERE table_name = $1
           AND column_name = $2
    `, table, column).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading type of %s.%s: %w", table, column, err)
	}
	return typ, nil
}

// ColumnUpdatable reports whether table.column accepts updates. Relevant
// for columns that may live on a view.
func ColumnUpdatable(ctx context.Context, q Queryer, table, column string) (bool, error) {
	var updatable string
	err := q.QueryRowContext(ctx, `
        SELECT is_updatable
          FROM information_schema.columns
         WHERE table_name = $1
           AND column_name = $2
    `, table, column).Scan(&updatable)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking updatability of %s.%s: %w", table, column, err)
	}
	return updatable == "YES", nil
}

// GetColumns lists the columns of table, skipping id and any name in
// ignore.
func GetColumns(ctx context.Context, q Queryer, table string, ignore ...string) ([]string, error) {
	skip := map[string]bool{"id": true}
	for _, col := range ignore {
		skip[col] = true
	}
	rows, err := q.QueryContext(ctx, `
        SELECT column_name
          FROM information_schema.columns
         WHERE table_name = $1
         ORDER BY ordinal_position
    `, table)
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		if !skip[col] {
			columns = append(columns, col)
		}
	}
	return columns, rows.Err()
}

// ForeignKey describes a foreign key pointing at some table.
type ForeignKey struct {
	Table      string
	Column     string
	Constraint string
	OnDelete   string // pg_constraint.confdeltype: a, r, c, n, d
}

// GetForeignKeys lists every foreign key referencing table.
func GetForeignKeys(ctx context.Context, q Queryer, table string) ([]ForeignKey, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT cl1.relname AS table,
               att1.attname AS column,
               con.conname AS conname,
               con.confdeltype AS deltype
          FROM pg_constraint con
          JOIN pg_class cl1 ON cl1.oid = con.conrelid
          JOIN pg_attribute att1 ON att1.attrelid = con.conrelid AND att1.attnum = con.conkey[1]
          JOIN pg_class cl2 ON cl2.oid = con.confrelid
         WHERE cl2.relname = $1
           AND con.contype = 'f'
    `, table)
	if err != nil {
		return nil, fmt.Errorf("listing foreign keys to %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Table, &fk.Column, &fk.Constraint, &fk.OnDelete); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// UniqueIndex describes a unique index and its columns in order.
type UniqueIndex struct {
	Name    string
	Columns []string
}

// UniqueIndexesWith lists the unique indexes of table that cover at least
// one of the given columns. Reference-remapping updates use them to guard
// against creating duplicate rows.
func UniqueIndexesWith(ctx context.Context, q Queryer, table string, columns ...string) ([]UniqueIndex, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT i.relname,
               string_agg(a.attname, ',' ORDER BY x.n)
          FROM pg_index idx
          JOIN pg_class t ON t.oid = idx.indrelid
          JOIN pg_class i ON i.oid = idx.indexrelid
          JOIN unnest(idx.indkey) WITH ORDINALITY AS x(attnum, n) ON true
          JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = x.attnum
         WHERE t.relname = $1
           AND idx.indisunique
         GROUP BY i.relname
    `, table)
	if err != nil {
		return nil, fmt.Errorf("listing unique indexes of %s: %w", table, err)
	}
	defer rows.Close()

	want := map[string]bool{}
	for _, col := range columns {
		want[col] = true
	}
	var indexes []UniqueIndex
	for rows.Next() {
		var name, cols string
		if err := rows.Scan(&name, &cols); err != nil {
			return nil, err
		}
		idx := UniqueIndex{Name: name, Columns: strings.Split(cols, ",")}
		for _, col := range idx.Columns {
			if want[col] {
				indexes = append(indexes, idx)
				break
			}
		}
	}
	return indexes, rows.Err()
}

// View names a view or materialized view.
type View struct {
	Name         string
	Materialized bool
}

// GetDependingViews lists the views whose definition uses table.column.
func GetDependingViews(ctx context.Context, q Queryer, table, column string) ([]View, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT DISTINCT dependee.relname, dependee.relkind
          FROM pg_depend
          JOIN pg_rewrite ON pg_depend.objid = pg_rewrite.oid
          JOIN pg_class AS dependee ON pg_rewrite.ev_class = dependee.oid
          JOIN pg_class AS dependent ON pg_depend.refobjid = dependent.oid
          JOIN pg_attribute ON pg_depend.refobjid = pg_attribute.attrelid
                           AND pg_depend.refobjsubid = pg_attribute.attnum
         WHERE dependent.relname = $1
           AND pg_attribute.attnum > 0
           AND pg_attribute.attname = $2
           AND dependee.relkind IN ('v', 'm')
    `, table, column)
	if err != nil {
		return nil, fmt.Errorf("listing views depending on %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var views []View
	for rows.Next() {
		var v View
		var kind string
		if err := rows.Scan(&v.Name, &kind); err != nil {
			return nil, err
		}
		v.Materialized = kind == "m"
		views = append(views, v)
	}
	return views, rows.Err()
}
