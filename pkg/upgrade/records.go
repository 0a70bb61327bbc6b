package upgrade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// Ref resolves a fully qualified external id. Returns 0 when the id does
// not exist.
func (e *Env) Ref(ctx context.Context, xmlid string) (int64, error) {
	module, name := catalog.SplitXMLID(xmlid)
	if module == "" {
		return 0, fmt.Errorf("external id %q must be fully qualified", xmlid)
	}
	var id int64
	err := e.q.QueryRowContext(ctx,
		`SELECT res_id FROM ir_model_data WHERE module = $1 AND name = $2`, module, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", xmlid, err)
	}
	return id, nil
}

// ForceNoUpdate sets the noupdate flag of an external id.
func (e *Env) ForceNoUpdate(ctx context.Context, xmlid string, noupdate bool) error {
	module, name := catalog.SplitXMLID(xmlid)
	if module == "" {
		return fmt.Errorf("external id %q must be fully qualified", xmlid)
	}
	_, err := e.q.ExecContext(ctx,
		`UPDATE ir_model_data SET noupdate = $1 WHERE module = $2 AND name = $3`,
		noupdate, module, name,
	)
	if err != nil {
		return fmt.Errorf("updating noupdate of %s: %w", xmlid, err)
	}
	return nil
}

// RenameXMLID moves an external id to a new fully qualified name and
// returns the record id it points to, 0 when the old id does not exist.
func (e *Env) RenameXMLID(ctx context.Context, old, new string) (int64, error) {
	oldModule, oldName := catalog.SplitXMLID(old)
	newModule, newName := catalog.SplitXMLID(new)
	if oldModule == "" || newModule == "" {
		return 0, fmt.Errorf("external ids %q, %q must be fully qualified", old, new)
	}
	var id int64
	err := e.q.QueryRowContext(ctx, `
        UPDATE ir_model_data
           SET module = $1, name = $2
         WHERE module = $3
           AND name = $4
     RETURNING res_id
    `, newModule, newName, oldModule, oldName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("renaming %s to %s: %w", old, new, err)
	}
	return id, nil
}

// themeCopyModels maps theme template models to the model of the copies a
// website materializes from them. Copies go away with their template.
var themeCopyModels = map[string]string{
	"theme.ir.ui.view":    "ir.ui.view",
	"theme.ir.asset":      "ir.asset",
	"theme.website.page":  "website.page",
	"theme.website.menu":  "website.menu",
	"theme.ir.attachment": "ir.attachment",
}

// RemoveRecordXMLID deletes the record behind an external id, along with
// the id itself. Unknown ids are a no-op.
func (e *Env) RemoveRecordXMLID(ctx context.Context, xmlid string) error {
	module, name := catalog.SplitXMLID(xmlid)
	if module == "" {
		return fmt.Errorf("external id %q must be fully qualified", xmlid)
	}
	var model string
	var resID int64
	err := e.q.QueryRowContext(ctx, `
        DELETE FROM ir_model_data
              WHERE module = $1
                AND name = $2
          RETURNING model, res_id
    `, module, name).Scan(&model, &resID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", xmlid, err)
	}
	return e.RemoveRecord(ctx, model, resID)
}

// RemoveRecord deletes one record and every reference to it, routing
// views and menus through their dedicated removers.
func (e *Env) RemoveRecord(ctx context.Context, model string, id int64) error {
	switch model {
	case "ir.ui.view":
		return e.RemoveView(ctx, id)
	case "ir.ui.menu":
		return e.RemoveMenus(ctx, []int64{id})
	}
	return e.RemoveRecords(ctx, model, []int64{id})
}

// RemoveRecords deletes records in batch: theme copies and delegation
// children first, then the rows, their bound references, and their
// external ids.
func (e *Env) RemoveRecords(ctx context.Context, model string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}

	if copyModel, ok := themeCopyModels[model]; ok {
		copyTable := catalog.TableOf(copyModel)
		hasCol, err := pgutil.ColumnExists(ctx, e.q, copyTable, "theme_template_id")
		if err != nil {
			return err
		}
		if hasCol {
			query := fmt.Sprintf(`SELECT id FROM %s WHERE theme_template_id IN (%s)`,
				pgutil.QuoteIdent(copyTable), pgutil.Placeholders(1, len(ids)))
			rows, err := e.q.QueryContext(ctx, query, int64Args(ids)...)
			if err != nil {
				return fmt.Errorf("listing copies of %s: %w", model, err)
			}
			copyIDs, err := scanInt64s(rows)
			if err != nil {
				return err
			}
			if err := e.RemoveRecords(ctx, copyModel, copyIDs); err != nil {
				return err
			}
		}
	}

	for _, inh := range e.ForEachInherit(model, nil) {
		if inh.Via == "" {
			continue
		}
		table := catalog.TableOf(inh.Model)
		hasCol, err := pgutil.ColumnExists(ctx, e.q, table, inh.Via)
		if err != nil {
			return err
		}
		if !hasCol {
			continue
		}
		query := fmt.Sprintf(`SELECT id FROM %s WHERE %s IN (%s)`,
			pgutil.QuoteIdent(table), pgutil.QuoteIdent(inh.Via), pgutil.Placeholders(1, len(ids)))
		rows, err := e.q.QueryContext(ctx, query, int64Args(ids)...)
		if err != nil {
			return fmt.Errorf("listing %s children: %w", inh.Model, err)
		}
		childIDs, err := scanInt64s(rows)
		if err != nil {
			return err
		}
		if err := e.RemoveRecords(ctx, inh.Model, childIDs); err != nil {
			return err
		}
	}

	table := catalog.TableOf(model)
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`,
		pgutil.QuoteIdent(table), pgutil.Placeholders(1, len(ids)))
	if _, err := e.q.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("deleting %s records: %w", model, err)
	}

	irs, err := e.IndirectReferences(ctx, true)
	if err != nil {
		return err
	}
	for _, ir := range irs {
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s AND %s IN (%s)`,
			pgutil.QuoteIdent(ir.Table),
			ir.ModelFilter("", "$1"),
			pgutil.QuoteIdent(ir.ResID),
			pgutil.Placeholders(2, len(ids)))
		args := append([]interface{}{model}, int64Args(ids)...)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting %s references to %s: %w", ir.Table, model, err)
		}
	}

	if err := e.rmRefs(ctx, model, ids); err != nil {
		return err
	}

	if model == "res.groups" {
		// the generated groups form is now outdated; shim it, the server
		// rebuilds it when groups next change
		viewID, err := e.Ref(ctx, "base.user_groups_view")
		if err != nil {
			return err
		}
		if viewID != 0 {
			arch, err := e.viewArchColumn(ctx)
			if err != nil {
				return err
			}
			query := fmt.Sprintf(`UPDATE ir_ui_view SET %s = '<form/>' WHERE id = $1`, arch)
			if _, err := e.q.ExecContext(ctx, query, viewID); err != nil {
				return fmt.Errorf("resetting user groups view: %w", err)
			}
		}
	}
	return nil
}

func (e *Env) viewArchColumn(ctx context.Context) (string, error) {
	hasDB, err := pgutil.ColumnExists(ctx, e.q, "ir_ui_view", "arch_db")
	if err != nil {
		return "", err
	}
	if hasDB {
		return "arch_db", nil
	}
	return "arch", nil
}

// RemoveViewXMLID deletes the view behind an external id and its
// inheritance subtree. The id must point to a view.
func (e *Env) RemoveViewXMLID(ctx context.Context, xmlid string) error {
	module, name := catalog.SplitXMLID(xmlid)
	if module == "" {
		return fmt.Errorf("external id %q must be fully qualified", xmlid)
	}
	var model string
	var viewID int64
	err := e.q.QueryRowContext(ctx,
		`SELECT model, res_id FROM ir_model_data WHERE module = $1 AND name = $2`, module, name,
	).Scan(&model, &viewID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving %s: %w", xmlid, err)
	}
	if model != "ir.ui.view" {
		return fmt.Errorf("%s should point to a view, not a %s record", xmlid, model)
	}
	return e.RemoveView(ctx, viewID)
}

// RemoveView deletes a view, its website copies and the inheriting views
// owned by modules. Inheriting customizations are detached, deactivated
// and reported instead.
func (e *Env) RemoveView(ctx context.Context, viewID int64) error {
	xmlid := ""
	var module, name string
	err := e.q.QueryRowContext(ctx,
		`SELECT module, name FROM ir_model_data WHERE model = 'ir.ui.view' AND res_id = $1`, viewID,
	).Scan(&module, &name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("resolving view %d: %w", viewID, err)
	}
	if err == nil {
		xmlid = module + "." + name
	}

	if xmlid != "" {
		// views duplicated per website carry the xmlid in their key
		hasKey, err := pgutil.ColumnExists(ctx, e.q, "ir_ui_view", "key")
		if err != nil {
			return err
		}
		if hasKey {
			rows, err := e.q.QueryContext(ctx,
				`SELECT id FROM ir_ui_view WHERE key = $1 AND id != $2`, xmlid, viewID)
			if err != nil {
				return fmt.Errorf("listing website copies of %s: %w", xmlid, err)
			}
			copies, err := scanInt64s(rows)
			if err != nil {
				return err
			}
			for _, copyID := range copies {
				if err := e.RemoveView(ctx, copyID); err != nil {
					return err
				}
			}
		}
	}

	rows, err := e.q.QueryContext(ctx, `
        SELECT v.id, COALESCE(x.module, ''), v.name
          FROM ir_ui_view v
     LEFT JOIN ir_model_data x ON x.res_id = v.id
                              AND x.model = 'ir.ui.view'
                              AND x.module !~ '^_'
         WHERE v.inherit_id = $1
    `, viewID)
	if err != nil {
		return fmt.Errorf("listing views inheriting %d: %w", viewID, err)
	}
	type childView struct {
		id     int64
		module string
		name   string
	}
	var children []childView
	for rows.Next() {
		var c childView
		if err := rows.Scan(&c.id, &c.module, &c.name); err != nil {
			rows.Close()
			return err
		}
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, child := range children {
		if child.module != "" {
			if err := e.RemoveView(ctx, child.id); err != nil {
				return err
			}
			continue
		}
		e.logger.Warn("deactivating custom view",
			zap.Int64("id", child.id), zap.String("name", child.name))
		extra := ""
		hasMode, err := pgutil.ColumnExists(ctx, e.q, "ir_ui_view", "mode")
		if err != nil {
			return err
		}
		if hasMode {
			extra = ", mode = 'primary'"
		}
		query := fmt.Sprintf(`
            UPDATE ir_ui_view
               SET name = name || ' - old view, inherited from ' || $1,
                   inherit_id = NULL,
                   active = false
                   %s
             WHERE id = $2
        `, extra)
		parent := xmlid
		if parent == "" {
			parent = strconv.FormatInt(viewID, 10)
		}
		if _, err := e.q.ExecContext(ctx, query, parent, child.id); err != nil {
			return fmt.Errorf("deactivating view %d: %w", child.id, err)
		}
		e.rep.AddRecord("Custom views", "ir.ui.view", child.id, child.name,
			"deactivated, it inherited a removed view")
	}

	e.logger.Info("removing view", zap.Int64("id", viewID), zap.String("xmlid", xmlid))
	return e.RemoveRecords(ctx, "ir.ui.view", []int64{viewID})
}

// RemoveMenus deletes menus and their whole submenu trees, with the
// matching external ids.
func (e *Env) RemoveMenus(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
        WITH RECURSIVE tree(id) AS (
            SELECT id
              FROM ir_ui_menu
             WHERE id IN (%s)
             UNION
            SELECT m.id
              FROM ir_ui_menu m
              JOIN tree t ON (m.parent_id = t.id)
        )
        DELETE FROM ir_ui_menu m
              USING tree t
              WHERE m.id = t.id
          RETURNING m.id
    `, pgutil.Placeholders(1, len(ids)))
	rows, err := e.q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("deleting menus: %w", err)
	}
	removed, err := scanInt64s(rows)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return nil
	}
	query = fmt.Sprintf(`DELETE FROM ir_model_data WHERE model = 'ir.ui.menu' AND res_id IN (%s)`,
		pgutil.Placeholders(1, len(removed)))
	if _, err := e.q.ExecContext(ctx, query, int64Args(removed)...); err != nil {
		return fmt.Errorf("deleting menu external ids: %w", err)
	}
	return nil
}

// rmRefs scrubs "model,id" references: reference-type columns, external
// ids, old-api default values. A nil ids slice scrubs the whole model.
func (e *Env) rmRefs(ctx context.Context, model string, ids []int64) error {
	if ids != nil && len(ids) == 0 {
		return nil
	}
	var needles []string
	if ids == nil {
		needles = []string{model + ",%"}
	} else {
		for _, id := range ids {
			needles = append(needles, fmt.Sprintf("%s,%d", model, id))
		}
	}
	match := func(column string) string {
		if ids == nil {
			return fmt.Sprintf(`%s LIKE $1`, pgutil.QuoteIdent(column))
		}
		return fmt.Sprintf(`%s IN (%s)`, pgutil.QuoteIdent(column), pgutil.Placeholders(1, len(needles)))
	}

	rows, err := e.q.QueryContext(ctx, `
        SELECT model, name
          FROM ir_model_fields
         WHERE ttype = 'reference'
         UNION
        SELECT 'ir.translation', 'name'
    `)
	if err != nil {
		return fmt.Errorf("listing reference fields: %w", err)
	}
	type refCol struct{ model, column string }
	var refs []refCol
	for rows.Next() {
		var r refCol
		if err := rows.Scan(&r.model, &r.column); err != nil {
			rows.Close()
			return err
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range refs {
		table := catalog.TableOf(r.model)
		updatable, err := pgutil.ColumnUpdatable(ctx, e.q, table, r.column)
		if err != nil {
			return err
		}
		if !updatable {
			continue
		}
		tail := fmt.Sprintf(` FROM %s WHERE %s`, pgutil.QuoteIdent(table), match(r.column))
		switch r.model {
		case "ir.ui.view":
			vrows, err := e.q.QueryContext(ctx, "SELECT id"+tail, pgutil.StringArgs(needles)...)
			if err != nil {
				return fmt.Errorf("listing views referencing %s: %w", model, err)
			}
			viewIDs, err := scanInt64s(vrows)
			if err != nil {
				return err
			}
			for _, viewID := range viewIDs {
				if err := e.RemoveView(ctx, viewID); err != nil {
					return err
				}
			}
		case "ir.ui.menu":
			mrows, err := e.q.QueryContext(ctx, "SELECT id"+tail, pgutil.StringArgs(needles)...)
			if err != nil {
				return fmt.Errorf("listing menus referencing %s: %w", model, err)
			}
			menuIDs, err := scanInt64s(mrows)
			if err != nil {
				return err
			}
			if err := e.RemoveMenus(ctx, menuIDs); err != nil {
				return err
			}
		default:
			if _, err := e.q.ExecContext(ctx, "DELETE"+tail, pgutil.StringArgs(needles)...); err != nil {
				return fmt.Errorf("deleting %s references to %s: %w", table, model, err)
			}
		}
	}

	if ids == nil {
		if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_model_data WHERE model = $1`, model); err != nil {
			return fmt.Errorf("deleting external ids of %s: %w", model, err)
		}
	} else {
		query := fmt.Sprintf(`DELETE FROM ir_model_data WHERE model = $1 AND res_id IN (%s)`,
			pgutil.Placeholders(2, len(ids)))
		args := append([]interface{}{model}, int64Args(ids)...)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting external ids of %s: %w", model, err)
		}
	}

	hasValues, err := pgutil.TableExists(ctx, e.q, "ir_values")
	if err != nil {
		return err
	}
	if hasValues {
		read, _, _, err := e.irValuesValue(ctx)
		if err != nil {
			return err
		}
		var clause string
		if ids == nil {
			clause = fmt.Sprintf(`%s LIKE $1`, read)
		} else {
			clause = fmt.Sprintf(`%s IN (%s)`, read, pgutil.Placeholders(1, len(needles)))
		}
		query := fmt.Sprintf(`DELETE FROM ir_values WHERE %s`, clause)
		if _, err := e.q.ExecContext(ctx, query, pgutil.StringArgs(needles)...); err != nil {
			return fmt.Errorf("deleting default values of %s: %w", model, err)
		}
	}
	return nil
}

// irValuesValue returns the readable expression for ir_values.value plus
// the write wrappers, accounting for the bytea-to-text switch of the
// column across series.
func (e *Env) irValuesValue(ctx context.Context) (read, writePrefix, writeSuffix string, err error) {
	hasUnpickle, err := pgutil.ColumnExists(ctx, e.q, "ir_values", "value_unpickle")
	if err != nil {
		return "", "", "", err
	}
	if hasUnpickle {
		return "value_unpickle", "", "", nil
	}
	return "encode(value, 'escape')", "decode(", ", 'escape')", nil
}

// ReplaceRefsOptions tunes ReplaceRecordReferences.
type ReplaceRefsOptions struct {
	// TargetModel redirects references to another model; empty keeps the
	// source model.
	TargetModel string
	// KeepXMLIDs leaves ir_model_data rows untouched.
	KeepXMLIDs bool
	// Ignores lists tables to leave alone.
	Ignores []string
}

// ReplaceRecordReferences redirects every reference to the mapped records:
// plain foreign keys (with m2m dedup), indirect references, reference-type
// columns and external ids.
func (e *Env) ReplaceRecordReferences(ctx context.Context, mapping map[int64]int64, model string, opts ReplaceRefsOptions) error {
	if len(mapping) == 0 {
		return fmt.Errorf("empty id mapping")
	}
	dst := opts.TargetModel
	if dst == "" {
		dst = model
	}
	ignore := map[string]bool{}
	for _, t := range opts.Ignores {
		ignore[t] = true
	}

	olds := sortedKeys(mapping)
	news := make([]int64, len(olds))
	jm := map[string]int64{}
	for i, old := range olds {
		news[i] = mapping[old]
		jm[strconv.FormatInt(old, 10)] = mapping[old]
	}
	jmap, err := json.Marshal(jm)
	if err != nil {
		return fmt.Errorf("encoding id mapping: %w", err)
	}

	if dst == model {
		fks, err := pgutil.GetForeignKeys(ctx, e.q, catalog.TableOf(model))
		if err != nil {
			return err
		}
		for _, fk := range fks {
			if ignore[fk.Table] {
				continue
			}
			hasID, err := pgutil.ColumnExists(ctx, e.q, fk.Table, "id")
			if err != nil {
				return err
			}
			if hasID {
				query := fmt.Sprintf(`
                    UPDATE %[1]s t
                       SET %[2]s = ($1::json->>%[2]s::varchar)::int4
                     WHERE %[2]s IN (%[3]s)
                `, pgutil.QuoteIdent(fk.Table), pgutil.QuoteIdent(fk.Column), pgutil.Placeholders(2, len(olds)))
				args := append([]interface{}{string(jmap)}, int64Args(olds)...)
				if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
					return fmt.Errorf("remapping %s.%s: %w", fk.Table, fk.Column, err)
				}
				continue
			}
			// two-column relation table: remap while avoiding duplicate
			// pairs, then drop the rows that would have duplicated
			cols, err := pgutil.GetColumns(ctx, e.q, fk.Table, fk.Column)
			if err != nil {
				return err
			}
			if len(cols) != 1 {
				return fmt.Errorf("table %s has no id column and is not a relation table", fk.Table)
			}
			col2 := pgutil.QuoteIdent(cols[0])
			query := fmt.Sprintf(`
                WITH _existing AS (
                    SELECT %[3]s FROM %[1]s WHERE %[2]s IN (%[5]s)
                )
                UPDATE %[1]s t
                   SET %[2]s = ($1::json->>%[2]s::varchar)::int4
                 WHERE %[2]s IN (%[4]s)
                   AND NOT EXISTS (SELECT 1 FROM _existing WHERE %[3]s = t.%[3]s)
            `, pgutil.QuoteIdent(fk.Table), pgutil.QuoteIdent(fk.Column), col2,
				pgutil.Placeholders(2, len(olds)), pgutil.Placeholders(2+len(olds), len(news)))
			args := append([]interface{}{string(jmap)}, int64Args(olds)...)
			args = append(args, int64Args(news)...)
			if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("remapping %s.%s: %w", fk.Table, fk.Column, err)
			}
			query = fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`,
				pgutil.QuoteIdent(fk.Table), pgutil.QuoteIdent(fk.Column), pgutil.Placeholders(1, len(olds)))
			if _, err := e.q.ExecContext(ctx, query, int64Args(olds)...); err != nil {
				return fmt.Errorf("cleaning %s duplicates: %w", fk.Table, err)
			}
		}
	}

	irs, err := e.IndirectReferences(ctx, true)
	if err != nil {
		return err
	}
	for _, ir := range irs {
		if ignore[ir.Table] {
			continue
		}
		var sets []string
		var args []interface{}
		n := 1
		if ir.ResModel != "" {
			sets = append(sets, fmt.Sprintf(`%s = $%d`, pgutil.QuoteIdent(ir.ResModel), n))
			args = append(args, dst)
			n++
		}
		if ir.ResModelID != "" {
			sets = append(sets, fmt.Sprintf(`%s = (SELECT id FROM ir_model WHERE model = $%d)`,
				pgutil.QuoteIdent(ir.ResModelID), n))
			args = append(args, dst)
			n++
		}
		resID := pgutil.QuoteIdent(ir.ResID)
		sets = append(sets, fmt.Sprintf(`%s = ($%d::json->>%s::varchar)::int4`, resID, n, resID))
		args = append(args, string(jmap))
		n++
		filter := ir.ModelFilter("", fmt.Sprintf("$%d", n))
		args = append(args, model)
		n++
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s AND %s IN (%s)`,
			pgutil.QuoteIdent(ir.Table), strings.Join(sets, ", "), filter, resID,
			pgutil.Placeholders(n, len(olds)))
		args = append(args, int64Args(olds)...)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("remapping %s references: %w", ir.Table, err)
		}
	}

	// reference-type columns hold "model,id"
	cm := map[string]string{}
	ckeys := make([]string, 0, len(olds))
	for _, old := range olds {
		key := fmt.Sprintf("%s,%d", model, old)
		cm[key] = fmt.Sprintf("%s,%d", dst, mapping[old])
		ckeys = append(ckeys, key)
	}
	cmap, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("encoding reference mapping: %w", err)
	}
	rows, err := e.q.QueryContext(ctx,
		`SELECT model, name FROM ir_model_fields WHERE ttype = 'reference'`)
	if err != nil {
		return fmt.Errorf("listing reference fields: %w", err)
	}
	type refCol struct{ model, column string }
	var refs []refCol
	for rows.Next() {
		var r refCol
		if err := rows.Scan(&r.model, &r.column); err != nil {
			rows.Close()
			return err
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

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
               SET %s = ($1::json->>%s)::varchar
             WHERE %s IN (%s)
        `, pgutil.QuoteIdent(table), column, column, column, pgutil.Placeholders(2, len(ckeys)))
		args := append([]interface{}{string(cmap)}, pgutil.StringArgs(ckeys)...)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("remapping %s.%s: %w", table, r.column, err)
		}
	}

	if !opts.KeepXMLIDs {
		query := fmt.Sprintf(`
            UPDATE ir_model_data
               SET model = $1,
                   res_id = ($2::json->>res_id::varchar)::int4
             WHERE model = $3
               AND res_id IN (%s)
        `, pgutil.Placeholders(4, len(olds)))
		args := append([]interface{}{dst, string(jmap), model}, int64Args(olds)...)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("remapping external ids of %s: %w", model, err)
		}
	}
	return nil
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func sortedKeys(m map[int64]int64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
