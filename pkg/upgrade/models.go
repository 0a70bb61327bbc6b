package upgrade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

const removeChunkSize = 1000

// unknownModelID returns the id of the _unknown placeholder model,
// creating it on first use.
func (e *Env) unknownModelID(ctx context.Context) (int64, error) {
	e.mu.Lock()
	if e.unknownModel != 0 {
		id := e.unknownModel
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	_, err := e.q.ExecContext(ctx, `
        INSERT INTO ir_model (name, model)
             SELECT 'Unknown', '_unknown'
              WHERE NOT EXISTS (SELECT 1 FROM ir_model WHERE model = '_unknown')
    `)
	if err != nil {
		return 0, fmt.Errorf("creating unknown model: %w", err)
	}
	var id int64
	err = e.q.QueryRowContext(ctx,
		`SELECT id FROM ir_model WHERE model = $1`, catalog.UnknownModel,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolving unknown model: %w", err)
	}
	e.mu.Lock()
	e.unknownModel = id
	e.mu.Unlock()
	return id, nil
}

// RemoveModel removes a model: every reference to it is removed or
// pointed at the _unknown model, its metadata rows go away, and its table
// is dropped.
func (e *Env) RemoveModel(ctx context.Context, model string) error {
	return e.removeModel(ctx, model, true)
}

// DeleteModel is a historical alias of RemoveModel.
func (e *Env) DeleteModel(ctx context.Context, model string) error {
	return e.RemoveModel(ctx, model)
}

func (e *Env) removeModel(ctx context.Context, model string, dropTable bool) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	e.logger.Info("removing model", zap.String("model", model))
	notify := false
	unkID, err := e.unknownModelID(ctx)
	if err != nil {
		return err
	}

	irs, err := e.IndirectReferences(ctx, false)
	if err != nil {
		return err
	}
	for _, ir := range irs {
		switch ir.Table {
		case "ir_model", "ir_model_fields", "ir_model_data":
			continue
		}
		query := fmt.Sprintf(`
            WITH _ AS (
                SELECT r.id, bool_or(COALESCE(d.module, '') NOT IN ('', '__export__')) AS from_module
                  FROM %s r
             LEFT JOIN ir_model_data d ON d.model = $1 AND d.res_id = r.id
                 WHERE %s
              GROUP BY r.id
            )
            SELECT from_module, array_agg(id) FROM _ GROUP BY from_module
        `, pgutil.QuoteIdent(ir.Table), ir.ModelFilter("r.", "$2"))
		refModel, err := catalog.ModelOf(ctx, e.q, ir.Table)
		if err != nil {
			return err
		}
		rows, err := e.q.QueryContext(ctx, query, refModel, model)
		if err != nil {
			return fmt.Errorf("listing %s references to %s: %w", ir.Table, model, err)
		}
		type refGroup struct {
			fromModule bool
			ids        []int64
		}
		var groups []refGroup
		for rows.Next() {
			var g refGroup
			var agg string
			if err := rows.Scan(&g.fromModule, &agg); err != nil {
				rows.Close()
				return err
			}
			if g.ids, err = parseIntArray(agg); err != nil {
				rows.Close()
				return err
			}
			groups = append(groups, g)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, g := range groups {
			if g.fromModule || !ir.SetUnknown {
				if ir.Table == "ir_ui_view" {
					for _, viewID := range g.ids {
						if err := e.RemoveView(ctx, viewID); err != nil {
							return err
						}
					}
					continue
				}
				for start := 0; start < len(g.ids); start += removeChunkSize {
					end := start + removeChunkSize
					if end > len(g.ids) {
						end = len(g.ids)
					}
					e.logger.Debug("removing referencing records",
						zap.String("table", ir.Table), zap.Int("count", end-start))
					if err := e.RemoveRecords(ctx, refModel, g.ids[start:end]); err != nil {
						return err
					}
				}
				continue
			}
			// custom records keep living, pointed at the placeholder model
			var sets []string
			var args []interface{}
			n := 1
			if ir.ResModel != "" {
				sets = append(sets, fmt.Sprintf(`%s = $%d`, pgutil.QuoteIdent(ir.ResModel), n))
				args = append(args, catalog.UnknownModel)
				n++
			}
			if ir.ResModelID != "" {
				sets = append(sets, fmt.Sprintf(`%s = $%d`, pgutil.QuoteIdent(ir.ResModelID), n))
				args = append(args, unkID)
				n++
			}
			query := fmt.Sprintf(`UPDATE %s SET %s WHERE id IN (%s)`,
				pgutil.QuoteIdent(ir.Table), strings.Join(sets, ", "),
				pgutil.Placeholders(n, len(g.ids)))
			args = append(args, int64Args(g.ids)...)
			res, err := e.q.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("relinking %s references: %w", ir.Table, err)
			}
			if affected, err := res.RowsAffected(); err == nil && affected > 0 {
				notify = true
			}
		}
	}

	if err := e.rmRefs(ctx, model, nil); err != nil {
		return err
	}

	var modID int64
	modLabel := model
	err = e.q.QueryRowContext(ctx,
		`SELECT id, name FROM ir_model WHERE model = $1`, model,
	).Scan(&modID, &modLabel)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("resolving model %s: %w", model, err)
	}
	if modID != 0 {
		// fks declared SET NULL or RESTRICT would survive the model row
		for _, tbl := range []string{"base_action_rule", "base_automation", "google_drive_config"} {
			hasCol, err := pgutil.ColumnExists(ctx, e.q, tbl, "model_id")
			if err != nil {
				return err
			}
			if !hasCol {
				continue
			}
			query := fmt.Sprintf(`DELETE FROM %s WHERE model_id = $1`, pgutil.QuoteIdent(tbl))
			if _, err := e.q.ExecContext(ctx, query, modID); err != nil {
				return fmt.Errorf("deleting %s rows of %s: %w", tbl, model, err)
			}
		}
		if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_model_relation WHERE model = $1`, modID); err != nil {
			return fmt.Errorf("deleting relations of %s: %w", model, err)
		}
		crows, err := e.q.QueryContext(ctx,
			`DELETE FROM ir_model_constraint WHERE model = $1 RETURNING id`, modID)
		if err != nil {
			return fmt.Errorf("deleting constraints of %s: %w", model, err)
		}
		constraintIDs, err := scanInt64s(crows)
		if err != nil {
			return err
		}
		if len(constraintIDs) > 0 {
			query := fmt.Sprintf(
				`DELETE FROM ir_model_data WHERE model = 'ir.model.constraint' AND res_id IN (%s)`,
				pgutil.Placeholders(1, len(constraintIDs)))
			if _, err := e.q.ExecContext(ctx, query, int64Args(constraintIDs)...); err != nil {
				return fmt.Errorf("deleting constraint external ids of %s: %w", model, err)
			}
		}
		// rules and accesses cascade with the model row; drop their xmlids
		// first so the server can recreate them later
		cascades := []struct {
			dataModel string
			table     string
		}{
			{"ir.rule", "ir_rule"},
			{"ir.model.access", "ir_model_access"},
		}
		for _, c := range cascades {
			query := fmt.Sprintf(`
                DELETE
                  FROM ir_model_data x
                 USING %s a
                 WHERE x.res_id = a.id
                   AND x.model = $1
                   AND a.model_id = $2
            `, pgutil.QuoteIdent(c.table))
			if _, err := e.q.ExecContext(ctx, query, c.dataModel, modID); err != nil {
				return fmt.Errorf("deleting %s external ids of %s: %w", c.dataModel, model, err)
			}
		}
		if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_model WHERE id = $1`, modID); err != nil {
			return fmt.Errorf("deleting model row of %s: %w", model, err)
		}
	}

	if _, err := e.q.ExecContext(ctx,
		`DELETE FROM ir_model_data WHERE model = 'ir.model' AND name = $1`,
		catalog.ModelXMLID(model),
	); err != nil {
		return fmt.Errorf("deleting model external id of %s: %w", model, err)
	}
	if _, err := e.q.ExecContext(ctx,
		`DELETE FROM ir_model_data WHERE model = 'ir.model.fields' AND name LIKE $1`,
		likeEscape(e.fieldXMLIDPrefix(model))+"%",
	); err != nil {
		return fmt.Errorf("deleting field external ids of %s: %w", model, err)
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_model_data WHERE model = $1`, model); err != nil {
		return fmt.Errorf("deleting external ids of %s: %w", model, err)
	}

	if dropTable {
		if err := pgutil.DropTableOrView(ctx, e.q, catalog.TableOf(model)); err != nil {
			return err
		}
	}

	if notify {
		e.rep.Addf("Removed Models",
			"The model %s (%s) has been removed. "+
				"The linked records (crons, mail templates, automated actions...) "+
				"have also been removed (standard) or linked to the '_unknown' model (custom).",
			model, modLabel)
	}
	return nil
}

// MoveModel moves a model between modules, or removes it when the target
// module is not installed. moveData moves the model's data records along.
func (e *Env) MoveModel(ctx context.Context, model, fromModule, toModule string, moveData bool) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	installed, err := e.ModuleInstalled(ctx, toModule)
	if err != nil {
		return err
	}
	if !installed {
		return e.RemoveModel(ctx, model)
	}

	updateIMD := func(dataModel, namePattern string) error {
		where := "true"
		args := []interface{}{fromModule, toModule, dataModel}
		if namePattern != "" {
			op := "="
			if strings.Contains(namePattern, "%") {
				op = "LIKE"
			}
			where = fmt.Sprintf("d.name %s $4", op)
			args = append(args, namePattern)
		}
		query := fmt.Sprintf(`
            WITH dups AS (
                SELECT d.id
                  FROM ir_model_data d, ir_model_data t
                 WHERE d.name = t.name
                   AND d.module = $1
                   AND t.module = $2
                   AND d.model = $3
                   AND %s
            )
            DELETE FROM ir_model_data d
                  USING dups
                 WHERE dups.id = d.id
        `, where)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("dropping duplicate external ids of %s: %w", dataModel, err)
		}
		query = fmt.Sprintf(`
            UPDATE ir_model_data d
               SET module = $2
             WHERE module = $1
               AND model = $3
               AND %s
        `, where)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("moving external ids of %s: %w", dataModel, err)
		}
		return nil
	}

	modelU := strings.ReplaceAll(model, ".", "_")
	if err := updateIMD("ir.model", catalog.ModelXMLID(model)); err != nil {
		return err
	}
	if err := updateIMD("ir.model.fields", likeEscape(e.fieldXMLIDPrefix(model))+"%"); err != nil {
		return err
	}
	if err := updateIMD("ir.model.constraint", likeEscape("constraint_"+modelU+"_")+"%"); err != nil {
		return err
	}
	if moveData {
		return updateIMD(model, "")
	}
	return nil
}

// RenameModel renames a model everywhere it can be referenced: the table
// and its sequence, indexes and constraints, indirect references,
// reference-type columns, translations, external ids and server-action
// code. renameTable is off when the table was already moved by hand.
func (e *Env) RenameModel(ctx context.Context, old, new string, renameTable bool) error {
	if err := catalog.ValidateModel(old); err != nil {
		return err
	}
	if err := catalog.ValidateModel(new); err != nil {
		return err
	}
	e.logger.Info("renaming model", zap.String("old", old), zap.String("new", new))

	e.mu.Lock()
	if renamed, ok := e.renamedFields[old]; ok {
		delete(e.renamedFields, old)
		e.renamedFields[new] = renamed
	}
	e.mu.Unlock()

	oldTable := catalog.TableOf(old)
	newTable := catalog.TableOf(new)
	if renameTable {
		stmt := fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`,
			pgutil.QuoteIdent(oldTable), pgutil.QuoteIdent(newTable))
		if _, err := e.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("renaming table %s: %w", oldTable, err)
		}
		stmt = fmt.Sprintf(`ALTER SEQUENCE %s RENAME TO %s`,
			pgutil.QuoteIdent(oldTable+"_id_seq"), pgutil.QuoteIdent(newTable+"_id_seq"))
		if _, err := e.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("renaming sequence of %s: %w", oldTable, err)
		}

		// the pk may still carry a name from an even older series
		var pk string
		err := e.q.QueryRowContext(ctx, `
            SELECT conname
              FROM pg_index, pg_constraint
             WHERE indrelid = $1::regclass
               AND indisprimary
               AND conrelid = indrelid
               AND conindid = indexrelid
               AND confrelid = 0
        `, newTable).Scan(&pk)
		if err != nil {
			return fmt.Errorf("resolving pk of %s: %w", newTable, err)
		}
		stmt = fmt.Sprintf(`ALTER INDEX %s RENAME TO %s`,
			pgutil.QuoteIdent(pk), pgutil.QuoteIdent(newTable+"_pkey"))
		if _, err := e.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("renaming pk of %s: %w", newTable, err)
		}

		// drop the other constraints, the server recreates them
		crows, err := e.q.QueryContext(ctx, `
            SELECT constraint_name
              FROM information_schema.table_constraints
             WHERE table_name = $1
               AND constraint_type != 'PRIMARY KEY'
               AND constraint_name !~ '^[0-9_]+_not_null$'
        `, newTable)
		if err != nil {
			return fmt.Errorf("listing constraints of %s: %w", newTable, err)
		}
		constraints, err := scanStrings(crows)
		if err != nil {
			return err
		}
		for _, c := range constraints {
			if err := pgutil.DropConstraint(ctx, e.q, newTable, c); err != nil {
				return err
			}
		}

		irows, err := e.q.QueryContext(ctx, `
            SELECT concat($1::text, '_', column_name, '_index'),
                   concat($2::text, '_', column_name, '_index')
              FROM information_schema.columns
             WHERE table_name = $2
        `, oldTable, newTable)
		if err != nil {
			return fmt.Errorf("listing indexes of %s: %w", newTable, err)
		}
		type idxRename struct{ old, new string }
		var renames []idxRename
		for irows.Next() {
			var r idxRename
			if err := irows.Scan(&r.old, &r.new); err != nil {
				irows.Close()
				return err
			}
			renames = append(renames, r)
		}
		if err := irows.Err(); err != nil {
			irows.Close()
			return err
		}
		irows.Close()
		for _, r := range renames {
			stmt := fmt.Sprintf(`ALTER INDEX IF EXISTS %s RENAME TO %s`,
				pgutil.QuoteIdent(r.old), pgutil.QuoteIdent(r.new))
			if _, err := e.q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("renaming index %s: %w", r.old, err)
			}
		}
	}

	type colUpdate struct{ table, column string }
	var updates []colUpdate
	hasWkf, err := pgutil.TableExists(ctx, e.q, "wkf")
	if err != nil {
		return err
	}
	if hasWkf {
		updates = append(updates, colUpdate{"wkf", "osv"})
	}
	irs, err := e.IndirectReferences(ctx, false)
	if err != nil {
		return err
	}
	for _, ir := range irs {
		if ir.ResModel != "" {
			updates = append(updates, colUpdate{ir.Table, ir.ResModel})
		}
	}
	for _, u := range updates {
		query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`,
			pgutil.QuoteIdent(u.table), pgutil.QuoteIdent(u.column), pgutil.QuoteIdent(u.column))
		if _, err := e.q.ExecContext(ctx, query, new, old); err != nil {
			return fmt.Errorf("renaming %s.%s references: %w", u.table, u.column, err)
		}
	}

	// "model,id" reference columns
	rrows, err := e.q.QueryContext(ctx,
		`SELECT model, name FROM ir_model_fields WHERE ttype = 'reference'`)
	if err != nil {
		return fmt.Errorf("listing reference fields: %w", err)
	}
	type refCol struct{ model, column string }
	var refs []refCol
	for rrows.Next() {
		var r refCol
		if err := rrows.Scan(&r.model, &r.column); err != nil {
			rrows.Close()
			return err
		}
		refs = append(refs, r)
	}
	if err := rrows.Err(); err != nil {
		rrows.Close()
		return err
	}
	rrows.Close()
	for _, r := range refs {
		table := catalog.TableOf(r.model)
		updatable, err := pgutil.ColumnUpdatable(ctx, e.q, table, r.column)
		if err != nil {
			return err
		}
		if !updatable {
			continue
		}
		column := pgutil.QuoteIdent(r.column)
		query := fmt.Sprintf(`
            UPDATE %s
               SET %s = $1 || substring(%s FROM '%%#",%%#"' FOR '#')
             WHERE %s LIKE $2
        `, pgutil.QuoteIdent(table), column, column, column)
		if _, err := e.q.ExecContext(ctx, query, new, likeEscape(old)+",%"); err != nil {
			return fmt.Errorf("renaming %s.%s references: %w", table, r.column, err)
		}
	}

	// translations follow, except where the new name already has one
	_, err = e.q.ExecContext(ctx, `
        WITH renames AS (
            SELECT id, type, lang, res_id, src,
                   $1 || substring(name FROM '%#",%#"' FOR '#') AS new
              FROM ir_translation
             WHERE name LIKE $2
        )
        UPDATE ir_translation t
           SET name = r.new
          FROM renames r
     LEFT JOIN ir_translation e ON (
            e.type = r.type
        AND e.lang = r.lang
        AND e.name = r.new
        AND CASE WHEN e.type = 'model' THEN e.res_id IS NOT DISTINCT FROM r.res_id
                 WHEN e.type = 'selection' THEN e.src IS NOT DISTINCT FROM r.src
                 ELSE e.res_id IS NOT DISTINCT FROM r.res_id AND e.src IS NOT DISTINCT FROM r.src
             END
     )
         WHERE t.id = r.id
           AND e.id IS NULL
    `, new, likeEscape(old)+",%")
	if err != nil {
		return fmt.Errorf("renaming translations of %s: %w", old, err)
	}
	if _, err := e.q.ExecContext(ctx,
		`DELETE FROM ir_translation WHERE name LIKE $1`, likeEscape(old)+",%",
	); err != nil {
		return fmt.Errorf("deleting stale translations of %s: %w", old, err)
	}

	hasValues, err := pgutil.TableExists(ctx, e.q, "ir_values")
	if err != nil {
		return err
	}
	if hasValues {
		read, wprefix, wsuffix, err := e.irValuesValue(ctx)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`
            UPDATE ir_values
               SET value = %s$1 || substring(%s FROM '%%#",%%#"' FOR '#')%s
             WHERE %s LIKE $2
        `, wprefix, read, wsuffix, read)
		if _, err := e.q.ExecContext(ctx, query, new, likeEscape(old)+",%"); err != nil {
			return fmt.Errorf("renaming default values of %s: %w", old, err)
		}
	}

	if _, err := e.q.ExecContext(ctx, `
        UPDATE ir_translation
           SET name = $1
         WHERE name = $2
           AND type IN ('constraint', 'sql_constraint', 'view', 'report', 'rml', 'xsl')
    `, new, old); err != nil {
		return fmt.Errorf("renaming plain translations of %s: %w", old, err)
	}

	oldU := strings.ReplaceAll(old, ".", "_")
	newU := strings.ReplaceAll(new, ".", "_")
	if _, err := e.q.ExecContext(ctx,
		`UPDATE ir_model_data SET name = $1 WHERE model = 'ir.model' AND name = $2`,
		catalog.ModelXMLID(new), catalog.ModelXMLID(old),
	); err != nil {
		return fmt.Errorf("renaming model external id of %s: %w", old, err)
	}
	if _, err := e.q.ExecContext(ctx, `
        UPDATE ir_model_data
           SET name = $1 || substring(name from $2)
         WHERE model = 'ir.model.fields'
           AND name LIKE $3
    `, "field_"+newU, len(oldU)+7, likeEscape(e.fieldXMLIDPrefix(old))+"%"); err != nil {
		return fmt.Errorf("renaming field external ids of %s: %w", old, err)
	}

	// adapt inline code of server actions
	pattern := `(['"])` + strings.ReplaceAll(old, ".", `\.`) + `\1`
	replacement := `\1` + new + `\1`
	hasCondition, err := pgutil.ColumnExists(ctx, e.q, "ir_act_server", "condition")
	if err != nil {
		return err
	}
	query := `
        UPDATE ir_act_server
           SET code = regexp_replace(code, $1, $2, 'g')
    `
	if hasCondition {
		query = `
        UPDATE ir_act_server
           SET condition = regexp_replace(condition, $1, $2, 'g'),
               code = regexp_replace(code, $1, $2, 'g')
    `
	}
	if _, err := e.q.ExecContext(ctx, query, pattern, replacement); err != nil {
		return fmt.Errorf("renaming %s in server actions: %w", old, err)
	}
	return nil
}

// MergeModelOptions tunes MergeModel.
type MergeModelOptions struct {
	// KeepTable skips dropping the source table.
	KeepTable bool
	// FieldsMapping maps source field names to differently named target
	// fields; same-named fields map automatically.
	FieldsMapping map[string]string
}

// MergeModel folds the source model into the target: record references
// move to the target model (and its same-named fields), then the source
// is removed.
func (e *Env) MergeModel(ctx context.Context, source, target string, opts MergeModelOptions) error {
	if err := catalog.ValidateModel(source); err != nil {
		return err
	}
	if err := catalog.ValidateModel(target); err != nil {
		return err
	}
	e.logger.Info("merging model", zap.String("source", source), zap.String("target", target))

	rows, err := e.q.QueryContext(ctx,
		`SELECT model, id FROM ir_model WHERE model IN ($1, $2)`, source, target)
	if err != nil {
		return fmt.Errorf("resolving models %s, %s: %w", source, target, err)
	}
	modelIDs := map[string]int64{}
	for rows.Next() {
		var m string
		var id int64
		if err := rows.Scan(&m, &id); err != nil {
			rows.Close()
			return err
		}
		modelIDs[m] = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if modelIDs[source] == 0 || modelIDs[target] == 0 {
		return fmt.Errorf("merging %s into %s: both models must exist", source, target)
	}

	metaIgnores := []string{"ir_model", "ir_model_fields", "ir_model_constraint", "ir_model_relation"}
	err = e.ReplaceRecordReferences(ctx,
		map[int64]int64{modelIDs[source]: modelIDs[target]}, "ir.model",
		ReplaceRefsOptions{KeepXMLIDs: true, Ignores: metaIgnores})
	if err != nil {
		return err
	}

	fieldIDs := map[int64]int64{}
	frows, err := e.q.QueryContext(ctx, `
        SELECT mf1.id, mf2.id
          FROM ir_model_fields mf1
          JOIN ir_model_fields mf2 ON mf1.model = $1
                                  AND mf2.model = $2
                                  AND mf1.name = mf2.name
    `, source, target)
	if err != nil {
		return fmt.Errorf("matching fields of %s and %s: %w", source, target, err)
	}
	if err := scanIDPairs(frows, fieldIDs); err != nil {
		return err
	}
	if len(opts.FieldsMapping) > 0 {
		jmap, err := json.Marshal(opts.FieldsMapping)
		if err != nil {
			return fmt.Errorf("encoding fields mapping: %w", err)
		}
		mrows, err := e.q.QueryContext(ctx, `
            SELECT mf1.id, mf2.id
              FROM ir_model_fields mf1
              JOIN ir_model_fields mf2 ON mf1.model = $1
                                      AND mf2.model = $2
                                      AND mf2.name = ($3::json->>mf1.name)::varchar
        `, source, target, jmap)
		if err != nil {
			return fmt.Errorf("matching mapped fields of %s and %s: %w", source, target, err)
		}
		if err := scanIDPairs(mrows, fieldIDs); err != nil {
			return err
		}
	}
	if len(fieldIDs) > 0 {
		err := e.ReplaceRecordReferences(ctx, fieldIDs, "ir.model.fields",
			ReplaceRefsOptions{
				KeepXMLIDs: true,
				Ignores:    []string{"ir_model_fields_group_rel", "ir_model_fields_selection"},
			})
		if err != nil {
			return err
		}
	}

	// unbound model-name references were not touched by the id mapping
	ignore := map[string]bool{}
	for _, t := range metaIgnores {
		ignore[t] = true
	}
	irs, err := e.IndirectReferences(ctx, false)
	if err != nil {
		return err
	}
	for _, ir := range irs {
		if ir.ResModel == "" || ir.ResID != "" || ignore[ir.Table] {
			continue
		}
		uniques, err := pgutil.UniqueIndexesWith(ctx, e.q, ir.Table, ir.ResModel)
		if err != nil {
			return err
		}
		var wheres []string
		for _, uniq := range uniques {
			var subWhere []string
			for _, col := range uniq.Columns {
				if col != ir.ResModel {
					subWhere = append(subWhere, fmt.Sprintf("o.%[1]s = t.%[1]s", pgutil.QuoteIdent(col)))
				}
			}
			sub := strings.Join(subWhere, " AND ")
			if sub == "" {
				sub = "true"
			}
			wheres = append(wheres, fmt.Sprintf(
				"NOT EXISTS (SELECT 1 FROM %s o WHERE %s AND o.%s = $1)",
				pgutil.QuoteIdent(ir.Table), sub, pgutil.QuoteIdent(ir.ResModel)))
		}
		where := strings.Join(wheres, " AND ")
		if where == "" {
			where = "true"
		}
		query := fmt.Sprintf(`UPDATE %s t SET %s = $1 WHERE %s AND %s = $2`,
			pgutil.QuoteIdent(ir.Table), pgutil.QuoteIdent(ir.ResModel), where,
			pgutil.QuoteIdent(ir.ResModel))
		if _, err := e.q.ExecContext(ctx, query, target, source); err != nil {
			return fmt.Errorf("remapping %s.%s: %w", ir.Table, ir.ResModel, err)
		}
	}

	return e.removeModel(ctx, source, !opts.KeepTable)
}

// RemoveInheritFromModel removes from model every field its parent
// contributed, keep excepted. Stored x2many tables of a mixin are cleaned
// by model; classic inheritance callers handle the relation table
// themselves.
func (e *Env) RemoveInheritFromModel(ctx context.Context, model, inherit string, keep []string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	if err := catalog.ValidateModel(inherit); err != nil {
		return err
	}
	query := `
        SELECT name, ttype, COALESCE(relation, ''), store
          FROM ir_model_fields
         WHERE model = $1
           AND name NOT IN ('id',
                            'create_uid', 'write_uid',
                            'create_date', 'write_date',
                            '__last_update', 'display_name')
    `
	args := []interface{}{inherit}
	if len(keep) > 0 {
		query += fmt.Sprintf(` AND name NOT IN (%s)`, pgutil.Placeholders(2, len(keep)))
		args = append(args, pgutil.StringArgs(keep)...)
	}
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("listing fields of %s: %w", inherit, err)
	}
	type inhField struct {
		name, ttype, relation string
		store                 bool
	}
	var fields []inhField
	for rows.Next() {
		var f inhField
		if err := rows.Scan(&f.name, &f.ttype, &f.relation, &f.store); err != nil {
			rows.Close()
			return err
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, f := range fields {
		if strings.HasSuffix(f.ttype, "2many") && f.store && f.relation != "" {
			table := catalog.TableOf(f.relation)
			irs, err := e.IndirectReferences(ctx, false)
			if err != nil {
				return err
			}
			for _, ir := range irs {
				if ir.Table != table {
					continue
				}
				query := fmt.Sprintf(`DELETE FROM %s WHERE %s`,
					pgutil.QuoteIdent(ir.Table), ir.ModelFilter("", "$1"))
				if _, err := e.q.ExecContext(ctx, query, model); err != nil {
					return fmt.Errorf("cleaning %s rows of %s: %w", ir.Table, model, err)
				}
			}
		}
		if err := e.RemoveField(ctx, model, f.name, RemoveFieldOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func scanIDPairs(rows *sql.Rows, into map[int64]int64) error {
	defer rows.Close()
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return err
		}
		into[from] = to
	}
	return rows.Err()
}

// likeEscape escapes LIKE wildcards in a literal fragment.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `_`, `\_`, `%`, `\%`)
	return r.Replace(s)
}
