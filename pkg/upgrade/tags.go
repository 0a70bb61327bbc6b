package upgrade

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/vauxoo-dev/upgrade-util/pkg/errors"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// UniqTags deduplicates the entries of a "tag" model, remapping every
// reference to a duplicate onto the surviving entry. Tags are normally
// referenced through many2many relations, but a customization may hold
// many2one columns to them.
//
// uniqColumn and order may be sql expressions; they default to "name" and
// "id". Use uniqColumn "lower(name)" with order "name" to prioritize tags
// in CamelCase/UPPERCASE.
func (e *Env) UniqTags(ctx context.Context, model, uniqColumn, order string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	if uniqColumn == "" {
		uniqColumn = "name"
	}
	if order == "" {
		order = "id"
	}
	table := catalog.TableOf(model)
	e.logger.Info("deduplicating tags", zap.String("model", model), zap.String("on", uniqColumn))

	fks, err := pgutil.GetForeignKeys(ctx, e.q, table)
	if err != nil {
		return err
	}
	var upds []string
	for _, fk := range fks {
		cols, err := pgutil.GetColumns(ctx, e.q, fk.Table, fk.Column)
		if err != nil {
			return err
		}
		// an ondelete=cascade fk on a two-column table is a m2m relation
		isM2M := fk.OnDelete == "c" && len(cols) == 1
		if !isM2M {
			var count int64
			err := e.q.QueryRowContext(ctx,
				`SELECT count(*) FROM ir_model_fields WHERE ttype = 'many2many' AND relation_table = $1`,
				fk.Table).Scan(&count)
			if err != nil {
				return fmt.Errorf("probing relation table %s: %w", fk.Table, err)
			}
			isM2M = count > 0
		}
		isM2O := false
		if !isM2M {
			ftModel, err := catalog.ModelOf(ctx, e.q, fk.Table)
			if err != nil {
				return err
			}
			if ftModel != "" {
				var count int64
				err := e.q.QueryRowContext(ctx, `
                    SELECT count(*)
                      FROM ir_model_fields
                     WHERE model = $1
                       AND name = $2
                       AND ttype = 'many2one'
                `, ftModel, fk.Column).Scan(&count)
				if err != nil {
					return fmt.Errorf("probing column %s.%s: %w", fk.Table, fk.Column, err)
				}
				isM2O = count > 0
			}
		}
		if !isM2M && !isM2O {
			return appErrors.NewDeveloperError(
				"can't determine if column %s of table %s is a many2one or many2many", fk.Column, fk.Table)
		}
		rel := pgutil.QuoteIdent(fk.Table)
		c2 := pgutil.QuoteIdent(fk.Column)
		if isM2M {
			c1 := pgutil.QuoteIdent(cols[0])
			upds = append(upds, fmt.Sprintf(`
                INSERT INTO %[1]s(%[2]s, %[3]s)
                     SELECT r.%[2]s, d.id
                       FROM %[1]s r
                       JOIN dups d ON (r.%[3]s = ANY(d.others))
                     EXCEPT
                     SELECT r.%[2]s, r.%[3]s
                       FROM %[1]s r
                       JOIN dups d ON (r.%[3]s = d.id)
            `, rel, c1, c2))
		} else {
			upds = append(upds, fmt.Sprintf(`
                UPDATE %[1]s r
                   SET %[2]s = d.id
                  FROM dups d
                 WHERE r.%[2]s = ANY(d.others)
            `, rel, c2))
		}
	}
	if len(upds) == 0 {
		// not even a m2m found, there is something wrong
		return appErrors.NewDeveloperError("no relation to deduplicate found for %s", model)
	}

	var updates strings.Builder
	for i, upd := range upds {
		if i > 0 {
			updates.WriteString(",\n")
		}
		fmt.Fprintf(&updates, "_upd_%d AS (%s)", i, upd)
	}
	query := fmt.Sprintf(`
        WITH dups AS (
            SELECT (array_agg(id order by %[1]s))[1] as id,
                   (array_agg(id order by %[1]s))[2:array_length(array_agg(id), 1)] as others
              FROM %[2]s
          GROUP BY %[3]s
            HAVING count(id) > 1
        ),
        _upd_imd AS (
            UPDATE ir_model_data x
               SET res_id = d.id
              FROM dups d
             WHERE x.model = $1
               AND x.res_id = ANY(d.others)
        ),
        %[4]s
        DELETE FROM %[2]s WHERE id IN (SELECT unnest(others) FROM dups)
    `, order, pgutil.QuoteIdent(table), uniqColumn, updates.String())
	if _, err := e.q.ExecContext(ctx, query, model); err != nil {
		return fmt.Errorf("deduplicating %s: %w", model, err)
	}
	return nil
}
