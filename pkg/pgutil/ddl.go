package pgutil

import (
	"context"
	"fmt"
)

// DropDependingViews drops every view built on table.column. Dropping or
// retyping a column fails while such views exist.
func DropDependingViews(ctx context.Context, q Queryer, table, column string) error {
	views, err := GetDependingViews(ctx, q, table, column)
	if err != nil {
		return err
	}
	for _, v := range views {
		kind := "VIEW"
		if v.Materialized {
			kind = "MATERIALIZED VIEW"
		}
		if _, err := q.ExecContext(ctx, fmt.Sprintf("DROP %s IF EXISTS %s CASCADE", kind, QuoteIdent(v.Name))); err != nil {
			return fmt.Errorf("dropping view %s: %w", v.Name, err)
		}
	}
	return nil
}

// RemoveColumn drops table.column if it exists, removing depending views
// first.
func RemoveColumn(ctx context.Context, q Queryer, table, column string, cascade bool) error {
	exists, err := ColumnExists(ctx, q, table, column)
	if err != nil || !exists {
		return err
	}
	if err := DropDependingViews(ctx, q, table, column); err != nil {
		return err
	}
	suffix := ""
	if cascade {
		suffix = " CASCADE"
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s%s`, QuoteIdent(table), QuoteIdent(column), suffix))
	if err != nil {
		return fmt.Errorf("dropping column %s.%s: %w", table, column, err)
	}
	return nil
}

// RenameColumn renames table.old to new.
func RenameColumn(ctx context.Context, q Queryer, table, old, new string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`, QuoteIdent(table), QuoteIdent(old), QuoteIdent(new)))
	if err != nil {
		return fmt.Errorf("renaming column %s.%s to %s: %w", table, old, new, err)
	}
	return nil
}

// DropConstraint drops a named constraint from table if present.
func DropConstraint(ctx context.Context, q Queryer, table, constraint string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s`, QuoteIdent(table), QuoteIdent(constraint)))
	if err != nil {
		return fmt.Errorf("dropping constraint %s on %s: %w", constraint, table, err)
	}
	return nil
}

// DropTableOrView removes the relation backing a model, whichever kind it
// is.
func DropTableOrView(ctx context.Context, q Queryer, name string) error {
	isView, err := ViewExists(ctx, q, name)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", QuoteIdent(name))
	if isView {
		stmt = fmt.Sprintf("DROP VIEW IF EXISTS %s CASCADE", QuoteIdent(name))
	}
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("dropping relation %s: %w", name, err)
	}
	return nil
}
