package upgrade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	appErrors "github.com/vauxoo-dev/upgrade-util/pkg/errors"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/domains"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
	"github.com/vauxoo-dev/upgrade-util/pkg/pyliteral"
)

// contextCleanKeys are the grouping keys of stored contexts that may name
// fields and need rewriting when one goes away or changes name.
var contextCleanKeys = []string{
	"group_by",
	"pivot_measures",
	"pivot_column_groupby",
	"pivot_row_groupby",
	"graph_groupbys",
	"orderedBy",
}

// removedFieldMatch reports whether a grouping entry refers to field.
// Strings match on the part before any ":interval" suffix; orderedBy
// entries are dicts matched on their "name" member.
func removedFieldMatch(key string, value *pyliteral.Node, field string) bool {
	if key == "orderedBy" && value != nil && value.Kind == pyliteral.KindDict {
		name := value.Get("name")
		return name != nil && removedFieldMatch("", name, field)
	}
	if value == nil || value.Kind != pyliteral.KindString {
		return false
	}
	return strings.SplitN(value.Str, ":", 2)[0] == field
}

// cleanRemovedFieldContext drops references to field from the grouping
// keys of a stored context. It returns the re-rendered source and whether
// anything was dropped; sources that are not dicts come back verbatim.
func cleanRemovedFieldContext(src, field string) (string, bool, error) {
	if src == "" {
		src = "{}"
	}
	parsed, err := pyliteral.Parse(src)
	if err != nil {
		return "", false, err
	}
	if parsed.Kind != pyliteral.KindDict {
		return src, false, nil
	}
	changed := false
	for _, key := range contextCleanKeys {
		val := parsed.Get(key)
		if !val.Truthy() || !val.IsSequence() {
			continue
		}
		kept := make([]*pyliteral.Node, 0, len(val.Items))
		for _, item := range val.Items {
			if removedFieldMatch(key, item, field) {
				changed = true
				continue
			}
			kept = append(kept, item)
		}
		val.Items = kept
	}
	return parsed.String(), changed, nil
}

// adaptRenamedField rewrites a grouping entry from old to new, keeping any
// ":interval" suffix. orderedBy entries are dicts adapted on their "name"
// member.
func adaptRenamedField(key string, value *pyliteral.Node, old, new string) *pyliteral.Node {
	if key == "orderedBy" && value.Kind == pyliteral.KindDict {
		name := value.Get("name")
		if name == nil {
			return value
		}
		adapted := adaptRenamedField("", name, old, new)
		if adapted == name {
			return value
		}
		clone := value.Clone()
		clone.Set("name", adapted)
		return clone
	}
	if value.Kind != pyliteral.KindString {
		return value
	}
	parts := strings.SplitN(value.Str, ":", 2)
	if parts[0] != old {
		return value
	}
	parts[0] = new
	return pyliteral.NewString(strings.Join(parts, ":"))
}

// RemoveFieldOptions tunes RemoveField. The zero value drops the column
// without cascading and visits every inheriting model.
type RemoveFieldOptions struct {
	// Cascade drops objects depending on the column too.
	Cascade bool
	// KeepColumn leaves the database column in place.
	KeepColumn bool
	// SkipInherit lists inheriting models to leave alone; SkipAll skips
	// the whole cascade.
	SkipInherit []string
}

// RemoveField removes a field from a model and scrubs every stored
// reference to it: dashboards, filters, domains, server actions,
// translations, alias defaults, attachments, and finally the column.
func (e *Env) RemoveField(ctx context.Context, model, field string, opts RemoveFieldOptions) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	if field == "id" {
		// happens on module removal when a model of a removed module was
		// overwritten by another module removed earlier
		return e.RemoveModel(ctx, model)
	}
	e.logger.Info("removing field", zap.String("model", model), zap.String("field", field))
	e.noteFieldRenamed(model, field, "")

	matchField := wordMatch(field)

	err := e.forEachDashboardAction(ctx, matchField, []string{model},
		func(dashboardID int64, act *etree.Element) error {
			cleaned, changed, err := cleanRemovedFieldContext(act.SelectAttrValue("context", "{}"), field)
			if err != nil {
				return fmt.Errorf("cleaning dashboard %d context: %w", dashboardID, err)
			}
			act.CreateAttr("context", cleaned)
			if changed {
				e.rep.AddRecord("Filters/Dashboards", "ir.ui.view.custom", dashboardID,
					act.SelectAttrValue("string", "ir.ui.view.custom"),
					fmt.Sprintf("its context referenced the removed field %s.%s", model, field))
			}
			return nil
		})
	if err != nil {
		return err
	}

	frows, err := e.q.QueryContext(ctx,
		`SELECT id, name, context FROM ir_filters WHERE model_id = $1 AND context ~ $2`,
		model, matchField)
	if err != nil {
		return fmt.Errorf("listing filters of %s: %w", model, err)
	}
	type filter struct {
		id      int64
		name    string
		context sql.NullString
	}
	var filters []filter
	for frows.Next() {
		var f filter
		if err := frows.Scan(&f.id, &f.name, &f.context); err != nil {
			frows.Close()
			return err
		}
		filters = append(filters, f)
	}
	if err := frows.Err(); err != nil {
		frows.Close()
		return err
	}
	frows.Close()
	for _, f := range filters {
		cleaned, changed, err := cleanRemovedFieldContext(f.context.String, field)
		if err != nil {
			return fmt.Errorf("cleaning filter %d context: %w", f.id, err)
		}
		if _, err := e.q.ExecContext(ctx,
			`UPDATE ir_filters SET context = $1 WHERE id = $2`, cleaned, f.id,
		); err != nil {
			return fmt.Errorf("updating filter %d: %w", f.id, err)
		}
		if changed {
			e.rep.AddRecord("Filters/Dashboards", "ir.filters", f.id, f.name,
				fmt.Sprintf("its context referenced the removed field %s.%s", model, field))
		}
	}

	// a leaf on the removed field becomes the identity leaf; under an OR
	// (or a negation, but not both) the absorbing one
	adapter := func(leaf *pyliteral.Node, inOr, negated bool) []*pyliteral.Node {
		if inOr != negated {
			return []*pyliteral.Node{domains.FalseLeaf()}
		}
		return []*pyliteral.Node{domains.TrueLeaf()}
	}
	if err := e.AdaptDomains(ctx, model, field, field, adapter, opts.SkipInherit); err != nil {
		return err
	}

	if _, err := e.q.ExecContext(ctx, `
        DELETE FROM ir_server_object_lines
              WHERE col1 IN (SELECT id
                               FROM ir_model_fields
                              WHERE model = $1
                                AND name = $2)
    `, model, field); err != nil {
		return fmt.Errorf("deleting server action lines of %s.%s: %w", model, field, err)
	}

	drows, err := e.q.QueryContext(ctx,
		`DELETE FROM ir_model_fields WHERE model = $1 AND name = $2 RETURNING id`,
		model, field)
	if err != nil {
		return fmt.Errorf("deleting field %s.%s: %w", model, field, err)
	}
	fids, err := scanInt64s(drows)
	if err != nil {
		return err
	}
	if len(fids) > 0 {
		query := fmt.Sprintf(
			`DELETE FROM ir_model_data WHERE model = 'ir.model.fields' AND res_id IN (%s)`,
			pgutil.Placeholders(1, len(fids)))
		if _, err := e.q.ExecContext(ctx, query, int64Args(fids)...); err != nil {
			return fmt.Errorf("deleting external ids of %s.%s: %w", model, field, err)
		}
	}

	// wizard_* translations stay
	if _, err := e.q.ExecContext(ctx, `
        DELETE FROM ir_translation
              WHERE name = $1
                AND type IN ('field', 'help', 'model', 'model_terms', 'selection')
    `, model+","+field); err != nil {
		return fmt.Errorf("deleting translations of %s.%s: %w", model, field, err)
	}

	hasAliasDefaults, err := pgutil.ColumnExists(ctx, e.q, "mail_alias", "alias_defaults")
	if err != nil {
		return err
	}
	if hasAliasDefaults {
		arows, err := e.q.QueryContext(ctx, `
            SELECT a.id, a.alias_defaults
              FROM mail_alias a
              JOIN ir_model m ON m.id = a.alias_model_id
             WHERE m.model = $1
               AND a.alias_defaults ~ $2
        `, model, matchField)
		if err != nil {
			return fmt.Errorf("listing alias defaults of %s: %w", model, err)
		}
		type alias struct {
			id       int64
			defaults string
		}
		var aliases []alias
		for arows.Next() {
			var a alias
			if err := arows.Scan(&a.id, &a.defaults); err != nil {
				arows.Close()
				return err
			}
			aliases = append(aliases, a)
		}
		if err := arows.Err(); err != nil {
			arows.Close()
			return err
		}
		arows.Close()
		for _, a := range aliases {
			parsed, err := pyliteral.Parse(a.defaults)
			if err != nil || parsed.Kind != pyliteral.KindDict {
				continue
			}
			parsed.Delete(field)
			if _, err := e.q.ExecContext(ctx,
				`UPDATE mail_alias SET alias_defaults = $1 WHERE id = $2`,
				parsed.String(), a.id,
			); err != nil {
				return fmt.Errorf("updating alias %d defaults: %w", a.id, err)
			}
		}
	}

	// a binary field stored as attachment leaves rows behind
	hasResField, err := pgutil.ColumnExists(ctx, e.q, "ir_attachment", "res_field")
	if err != nil {
		return err
	}
	if hasResField {
		query := fmt.Sprintf(
			`DELETE FROM ir_attachment WHERE res_model = %s AND res_field = %s AND %s`,
			pgutil.QuoteLiteral(model), pgutil.QuoteLiteral(field), pgutil.ParallelFilterToken)
		queries, err := pgutil.ExplodeQueryRange(ctx, e.q, query, "ir_attachment", "", 0)
		if err != nil {
			return err
		}
		if len(queries) > 0 {
			if _, err := pgutil.ParallelExecute(ctx, e.db, queries); err != nil {
				return fmt.Errorf("deleting attachments of %s.%s: %w", model, field, err)
			}
		}
	}

	table := catalog.TableOf(model)
	if !opts.KeepColumn {
		hasTable, err := pgutil.TableExists(ctx, e.q, table)
		if err != nil {
			return err
		}
		if hasTable {
			hasColumn, err := pgutil.ColumnExists(ctx, e.q, table, field)
			if err != nil {
				return err
			}
			if hasColumn {
				if err := pgutil.RemoveColumn(ctx, e.q, table, field, opts.Cascade); err != nil {
					return err
				}
			}
		}
	}

	for _, inh := range e.ForEachInherit(model, opts.SkipInherit) {
		if err := e.RemoveField(ctx, inh.Model, field, opts); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFieldMetadata removes the external ids of model.field without
// touching the field. Mixins do not register xmlids for fields created in
// children models; when a field stops being defined in a child, stale
// metadata rows would get the field garbage-collected as missing at the
// end of the upgrade.
func (e *Env) RemoveFieldMetadata(ctx context.Context, model, field string, skipInherit []string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, `
        DELETE FROM ir_model_data
              WHERE model = 'ir.model.fields'
                AND res_id IN (SELECT id FROM ir_model_fields WHERE model = $1 AND name = $2)
    `, model, field); err != nil {
		return fmt.Errorf("deleting metadata of %s.%s: %w", model, field, err)
	}
	for _, inh := range e.ForEachInherit(model, skipInherit) {
		if err := e.RemoveFieldMetadata(ctx, inh.Model, field, skipInherit); err != nil {
			return err
		}
	}
	return nil
}

// MoveFieldToModule reassigns the external id of model.field to another
// module, dropping the old one when the target module already has it.
func (e *Env) MoveFieldToModule(ctx context.Context, model, field, oldModule, newModule string, skipInherit []string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	name := e.FieldXMLID(model, field)
	sp, err := pgutil.NewSavepoint(ctx, e.q)
	if err != nil {
		return err
	}
	_, err = e.q.ExecContext(ctx, `
        UPDATE ir_model_data
           SET module = $1
         WHERE model = 'ir.model.fields'
           AND name = $2
           AND module = $3
    `, newModule, name, oldModule)
	switch {
	case err == nil:
		if err := sp.Release(ctx); err != nil {
			return err
		}
	case pgutil.IsUniqueViolation(err):
		if err := sp.Rollback(ctx); err != nil {
			return err
		}
		if _, err := e.q.ExecContext(ctx,
			`DELETE FROM ir_model_data WHERE model = 'ir.model.fields' AND name = $1 AND module = $2`,
			name, oldModule,
		); err != nil {
			return fmt.Errorf("deleting duplicate external id %s: %w", name, err)
		}
	default:
		return fmt.Errorf("moving external id %s: %w", name, err)
	}

	for _, inh := range e.ForEachInherit(model, skipInherit) {
		if err := e.MoveFieldToModule(ctx, inh.Model, field, oldModule, newModule, skipInherit); err != nil {
			return err
		}
	}
	return nil
}

// RenameFieldOptions tunes RenameField. The zero value updates stored
// references and cascades over inheriting models.
type RenameFieldOptions struct {
	// NoReferenceUpdate skips rewriting stored references to the field.
	NoReferenceUpdate bool
	// DomainAdapter customizes domain-leaf rewriting; nil renames paths in
	// place.
	DomainAdapter domains.Adapter
	SkipInherit   []string
}

// RenameField renames a field everywhere: metadata row, external id,
// properties, translations, attachments, default values, tracking values,
// the column itself, and stored references. A custom field already
// holding the new name moves to "<new>_custom" first.
func (e *Env) RenameField(ctx context.Context, model, old, new string, opts RenameFieldOptions) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	e.logger.Info("renaming field",
		zap.String("model", model), zap.String("old", old), zap.String("new", new))

	e.mu.Lock()
	if m := e.renamedFields[model]; m != nil {
		for from, to := range m {
			if to == old {
				m[from] = new
			}
		}
	}
	e.mu.Unlock()
	e.noteFieldRenamed(model, old, new)

	updateRow := func() (int64, error) {
		var fid int64
		err := e.q.QueryRowContext(ctx,
			`UPDATE ir_model_fields SET name = $1 WHERE model = $2 AND name = $3 RETURNING id`,
			new, model, old).Scan(&fid)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return fid, err
	}

	sp, err := pgutil.NewSavepoint(ctx, e.q)
	if err != nil {
		return err
	}
	fid, err := updateRow()
	switch {
	case err == nil:
		if err := sp.Release(ctx); err != nil {
			return err
		}
	case pgutil.IsUniqueViolation(err):
		if err := sp.Rollback(ctx); err != nil {
			return err
		}
		// a field with the new name already exists (a custom module made
		// it); move it out of the way and warn the customer
		custom := new + "_custom"
		ropts := opts
		ropts.DomainAdapter = nil
		if err := e.RenameField(ctx, model, new, custom, ropts); err != nil {
			return err
		}
		if fid, err = updateRow(); err != nil {
			return fmt.Errorf("renaming %s.%s: %w", model, old, err)
		}
		e.rep.Addf("Non-standard fields",
			"The field %q of model %q is now a standard field, but it already existed in the "+
				"database (coming from a non-standard module) and has been renamed to %q.",
			new, model, custom)
	default:
		return fmt.Errorf("renaming %s.%s: %w", model, old, err)
	}

	if fid != 0 {
		name := e.FieldXMLID(model, new)
		// the same field may carry both the single and double underscore
		// xmlid; keep one per module so the rename below cannot conflict
		if _, err := e.q.ExecContext(ctx, `
            DELETE FROM ir_model_data
                  WHERE id IN (SELECT unnest((array_agg(id ORDER BY id))[2:count(id)])
                                 FROM ir_model_data
                                WHERE model = 'ir.model.fields'
                                  AND res_id = $1
                                GROUP BY module)
        `, fid); err != nil {
			return fmt.Errorf("deduplicating external ids of %s.%s: %w", model, old, err)
		}
		sp, err := pgutil.NewSavepoint(ctx, e.q)
		if err != nil {
			return err
		}
		_, err = e.q.ExecContext(ctx,
			`UPDATE ir_model_data SET name = $1 WHERE model = 'ir.model.fields' AND res_id = $2`,
			name, fid)
		switch {
		case err == nil:
			if err := sp.Release(ctx); err != nil {
				return err
			}
		case pgutil.IsUniqueViolation(err):
			// conflict between some_model.sub_id and some_model_sub.id,
			// possible before the double-underscore pattern
			if err := sp.Rollback(ctx); err != nil {
				return err
			}
			name = fmt.Sprintf("%s_%d", name, fid)
			if _, err := e.q.ExecContext(ctx,
				`UPDATE ir_model_data SET name = $1 WHERE model = 'ir.model.fields' AND res_id = $2`,
				name, fid,
			); err != nil {
				return fmt.Errorf("renaming external id of %s.%s: %w", model, old, err)
			}
		default:
			return fmt.Errorf("renaming external id of %s.%s: %w", model, old, err)
		}
		if _, err := e.q.ExecContext(ctx,
			`UPDATE ir_property SET name = $1 WHERE fields_id = $2`, new, fid,
		); err != nil {
			return fmt.Errorf("renaming properties of %s.%s: %w", model, old, err)
		}
	}

	// wizard_* translations stay
	if _, err := e.q.ExecContext(ctx, `
        UPDATE ir_translation
           SET name = $1
         WHERE name = $2
           AND type IN ('field', 'help', 'model', 'model_terms', 'selection')
    `, model+","+new, model+","+old); err != nil {
		return fmt.Errorf("renaming translations of %s.%s: %w", model, old, err)
	}

	hasResField, err := pgutil.ColumnExists(ctx, e.q, "ir_attachment", "res_field")
	if err != nil {
		return err
	}
	if hasResField {
		if _, err := e.q.ExecContext(ctx, `
            UPDATE ir_attachment
               SET res_field = $1
             WHERE res_model = $2
               AND res_field = $3
        `, new, model, old); err != nil {
			return fmt.Errorf("renaming attachments of %s.%s: %w", model, old, err)
		}
	}

	hasValues, err := pgutil.TableExists(ctx, e.q, "ir_values")
	if err != nil {
		return err
	}
	if hasValues {
		if _, err := e.q.ExecContext(ctx, `
            UPDATE ir_values
               SET name = $1
             WHERE model = $2
               AND name = $3
               AND key = 'default'
        `, new, model, old); err != nil {
			return fmt.Errorf("renaming default values of %s.%s: %w", model, old, err)
		}
	}

	trackingType, err := pgutil.ColumnType(ctx, e.q, "mail_tracking_value", "field")
	if err != nil {
		return err
	}
	if trackingType == "varchar" {
		// from saas~13.1 the column is a m2o to ir.model.fields
		if _, err := e.q.ExecContext(ctx, `
            UPDATE mail_tracking_value v
               SET field = $1
              FROM mail_message m
             WHERE v.mail_message_id = m.id
               AND m.model = $2
               AND v.field = $3
        `, new, model, old); err != nil {
			return fmt.Errorf("renaming tracking values of %s.%s: %w", model, old, err)
		}
	}

	table := catalog.TableOf(model)
	hasTable, err := pgutil.TableExists(ctx, e.q, table)
	if err != nil {
		return err
	}
	if hasTable {
		hasColumn, err := pgutil.ColumnExists(ctx, e.q, table, old)
		if err != nil {
			return err
		}
		if hasColumn {
			if err := pgutil.RenameColumn(ctx, e.q, table, old, new); err != nil {
				return err
			}
			stmt := fmt.Sprintf(`ALTER INDEX IF EXISTS %s RENAME TO %s`,
				pgutil.QuoteIdent(table+"_"+old+"_index"), pgutil.QuoteIdent(table+"_"+new+"_index"))
			if _, err := e.q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("renaming index of %s.%s: %w", table, old, err)
			}
		}
	}

	if !opts.NoReferenceUpdate {
		// inheritors are covered by the recursion below
		err := e.UpdateFieldReferences(ctx, old, new, UpdateFieldReferencesOptions{
			OnlyModels:    []string{model},
			DomainAdapter: opts.DomainAdapter,
			SkipInherit:   []string{SkipAll},
		})
		if err != nil {
			return err
		}
	}

	for _, inh := range e.ForEachInherit(model, opts.SkipInherit) {
		ropts := opts
		ropts.DomainAdapter = nil
		if err := e.RenameField(ctx, inh.Model, old, new, ropts); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFieldReferencesOptions tunes UpdateFieldReferences.
type UpdateFieldReferencesOptions struct {
	// OnlyModels restricts the rewrite to references held by these models;
	// empty rewrites everywhere.
	OnlyModels    []string
	DomainAdapter domains.Adapter
	SkipInherit   []string
}

// UpdateFieldReferences replaces references to field old by new in stored
// filters, export lines, server actions, alias defaults, and dashboards,
// then adapts domains and related-chains for the restricted models.
func (e *Env) UpdateFieldReferences(ctx context.Context, old, new string, opts UpdateFieldReferencesOptions) error {
	for _, m := range opts.OnlyModels {
		if err := catalog.ValidateModel(m); err != nil {
			return err
		}
	}
	models := opts.OnlyModels
	matchOld := wordMatch(old)
	defOld := `\ydefault_` + regexp.QuoteMeta(old) + `\y`
	defNew := "default_" + new

	hasSort, err := pgutil.ColumnExists(ctx, e.q, "ir_filters", "sort")
	if err != nil {
		return err
	}
	var b strings.Builder
	args := []interface{}{matchOld, new, defOld, defNew}
	b.WriteString(`UPDATE ir_filters SET `)
	if hasSort {
		b.WriteString(`sort = regexp_replace(sort, $1, $2, 'g'), `)
	}
	b.WriteString(`context = regexp_replace(regexp_replace(context, $1, $2, 'g'), $3, $4, 'g') WHERE `)
	if len(models) > 0 {
		b.WriteString(fmt.Sprintf(`model_id IN (%s) AND `, pgutil.Placeholders(5, len(models))))
		args = append(args, pgutil.StringArgs(models)...)
	}
	b.WriteString(`(context ~ $1 OR context ~ $3`)
	if hasSort {
		b.WriteString(` OR sort ~ $1`)
	}
	b.WriteString(`)`)
	if _, err := e.q.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("updating filters referencing %s: %w", old, err)
	}

	b.Reset()
	args = []interface{}{matchOld, new}
	b.WriteString(`UPDATE ir_exports_line l SET name = regexp_replace(l.name, $1, $2, 'g')`)
	if len(models) > 0 {
		b.WriteString(fmt.Sprintf(
			` FROM ir_exports e WHERE e.id = l.export_id AND e.resource IN (%s) AND `,
			pgutil.Placeholders(3, len(models))))
		args = append(args, pgutil.StringArgs(models)...)
	} else {
		b.WriteString(` WHERE `)
	}
	b.WriteString(`l.name ~ $1`)
	if _, err := e.q.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("updating export lines referencing %s: %w", old, err)
	}

	hasCondition, err := pgutil.ColumnExists(ctx, e.q, "ir_act_server", "condition")
	if err != nil {
		return err
	}
	b.Reset()
	args = []interface{}{matchOld, new}
	b.WriteString(`UPDATE ir_act_server s SET `)
	if hasCondition {
		b.WriteString(`condition = regexp_replace(condition, $1, $2, 'g'), `)
	}
	b.WriteString(`code = regexp_replace(code, $1, $2, 'g')`)
	if len(models) > 0 {
		b.WriteString(fmt.Sprintf(
			` FROM ir_model m WHERE m.id = s.model_id AND m.model IN (%s) AND `,
			pgutil.Placeholders(3, len(models))))
		args = append(args, pgutil.StringArgs(models)...)
	} else {
		b.WriteString(` WHERE `)
	}
	b.WriteString(`s.state = 'code' AND (s.code ~ $1`)
	if hasCondition {
		b.WriteString(` OR s.condition ~ $1`)
	}
	b.WriteString(`)`)
	if _, err := e.q.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("updating server actions referencing %s: %w", old, err)
	}

	hasAliasDefaults, err := pgutil.ColumnExists(ctx, e.q, "mail_alias", "alias_defaults")
	if err != nil {
		return err
	}
	if hasAliasDefaults {
		b.Reset()
		args = []interface{}{matchOld, new}
		b.WriteString(`UPDATE mail_alias a SET alias_defaults = regexp_replace(a.alias_defaults, $1, $2, 'g')`)
		if len(models) > 0 {
			b.WriteString(fmt.Sprintf(
				` FROM ir_model m WHERE m.id = a.alias_model_id AND m.model IN (%s) AND `,
				pgutil.Placeholders(3, len(models))))
			args = append(args, pgutil.StringArgs(models)...)
		} else {
			b.WriteString(` WHERE `)
		}
		b.WriteString(`a.alias_defaults ~ $1`)
		if _, err := e.q.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("updating alias defaults referencing %s: %w", old, err)
		}
	}

	// dashboard contexts; domains go through AdaptDomains below
	defOldKey := "default_" + old
	err = e.forEachDashboardAction(ctx, matchOld+"|"+defOld, models,
		func(dashboardID int64, act *etree.Element) error {
			parsed, err := pyliteral.Parse(act.SelectAttrValue("context", "{}"))
			if err != nil {
				return fmt.Errorf("parsing dashboard %d context: %w", dashboardID, err)
			}
			if parsed.Kind != pyliteral.KindDict {
				return nil
			}
			for _, key := range contextCleanKeys {
				val := parsed.Get(key)
				if !val.Truthy() || !val.IsSequence() {
					continue
				}
				for i, item := range val.Items {
					val.Items[i] = adaptRenamedField(key, item, old, new)
				}
			}
			if v := parsed.Get(defOldKey); v != nil {
				parsed.Delete(defOldKey)
				parsed.Set(defNew, v)
			}
			act.CreateAttr("context", parsed.String())
			return nil
		})
	if err != nil {
		return err
	}

	if len(models) == 0 {
		return nil
	}

	for _, m := range models {
		// inheritors are visited by the recursion below
		if err := e.AdaptDomains(ctx, m, old, new, opts.DomainAdapter, []string{SkipAll}); err != nil {
			return err
		}
		if err := e.AdaptRelated(ctx, m, old, new, []string{SkipAll}); err != nil {
			return err
		}
	}

	var inherited []string
	for _, m := range models {
		for _, inh := range e.ForEachInherit(m, opts.SkipInherit) {
			inherited = append(inherited, inh.Model)
		}
	}
	if len(inherited) > 0 {
		ropts := opts
		ropts.OnlyModels = inherited
		return e.UpdateFieldReferences(ctx, old, new, ropts)
	}
	return nil
}

// AdaptRelated rewrites related-chains of ir_model_fields rows after
// model.old became new.
func (e *Env) AdaptRelated(ctx context.Context, model, old, new string, skipInherit []string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	hasRelated, err := pgutil.ColumnExists(ctx, e.q, "ir_model_fields", "related")
	if err != nil {
		return err
	}
	if !hasRelated {
		// the related column only appears in 9.0
		return nil
	}

	rows, err := e.q.QueryContext(ctx,
		`SELECT id, model, related FROM ir_model_fields WHERE related ~ $1`, wordMatch(old))
	if err != nil {
		return fmt.Errorf("listing related fields matching %s: %w", old, err)
	}
	type relatedField struct {
		id      int64
		model   string
		related string
	}
	var fields []relatedField
	for rows.Next() {
		var f relatedField
		if err := rows.Scan(&f.id, &f.model, &f.related); err != nil {
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
		// run the chain through the domain machinery as a single fake leaf
		leaf := pyliteral.NewTuple(
			pyliteral.NewString(f.related), pyliteral.NewString("="), pyliteral.NewString("related"))
		tokens, changed, err := domains.AdaptParsed(ctx, e, model, old, new, f.model,
			[]*pyliteral.Node{leaf}, nil)
		if err != nil {
			return fmt.Errorf("adapting related of field %d: %w", f.id, err)
		}
		if !changed {
			continue
		}
		if _, err := e.q.ExecContext(ctx,
			`UPDATE ir_model_fields SET related = $1 WHERE id = $2`,
			tokens[0].Items[0].Str, f.id,
		); err != nil {
			return fmt.Errorf("updating related of field %d: %w", f.id, err)
		}
	}

	for _, inh := range e.ForEachInherit(model, skipInherit) {
		if err := e.AdaptRelated(ctx, inh.Model, old, new, skipInherit); err != nil {
			return err
		}
	}
	return nil
}

// UpdateServerActionsFields moves server-action field references after
// fields of srcModel were copied to dstModel or renamed. A nil mapping
// moves every same-named field pair; dstModel "" targets srcModel itself.
func (e *Env) UpdateServerActionsFields(ctx context.Context, srcModel, dstModel string, fieldsMapping [][2]string) error {
	if dstModel == "" && fieldsMapping == nil {
		return appErrors.NewDeveloperError(
			"at least dstModel or fieldsMapping must be given to UpdateServerActionsFields")
	}
	effDst := dstModel
	if effDst == "" {
		effDst = srcModel
	}

	var rows *sql.Rows
	var err error
	if fieldsMapping == nil {
		rows, err = e.q.QueryContext(ctx, `
            WITH field_ids AS (
                SELECT mf1.id AS old_field_id, mf2.id AS new_field_id
                  FROM ir_model_fields mf1
                  JOIN ir_model_fields mf2 ON mf2.name = mf1.name
                 WHERE mf1.model = $1
                   AND mf2.model = $2
            )
               UPDATE ir_server_object_lines
                  SET col1 = f.new_field_id
                 FROM field_ids f
                WHERE col1 = f.old_field_id
            RETURNING server_id
        `, srcModel, effDst)
	} else {
		values := make([]string, len(fieldsMapping))
		args := make([]interface{}, 0, len(fieldsMapping)*4)
		for i, fm := range fieldsMapping {
			n := i * 4
			values[i] = fmt.Sprintf("($%d::varchar, $%d::varchar, $%d::varchar, $%d::varchar)",
				n+1, n+2, n+3, n+4)
			args = append(args, srcModel, effDst, fm[0], fm[1])
		}
		query := fmt.Sprintf(`
            WITH field_ids AS (
                SELECT mf1.id AS old_field_id, mf2.id AS new_field_id
                  FROM (VALUES %s) AS mapping(src_model, dst_model, old_name, new_name)
                  JOIN ir_model_fields mf1 ON mf1.name = mapping.old_name AND mf1.model = mapping.src_model
                  JOIN ir_model_fields mf2 ON mf2.name = mapping.new_name AND mf2.model = mapping.dst_model
            )
               UPDATE ir_server_object_lines
                  SET col1 = f.new_field_id
                 FROM field_ids f
                WHERE col1 = f.old_field_id
            RETURNING server_id
        `, strings.Join(values, ", "))
		rows, err = e.q.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("updating server action lines of %s: %w", srcModel, err)
	}
	serverIDs, err := scanInt64s(rows)
	if err != nil {
		return err
	}

	if dstModel == "" || srcModel == dstModel || len(serverIDs) == 0 {
		return nil
	}

	seen := map[int64]bool{}
	ids := serverIDs[:0]
	for _, id := range serverIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	query := fmt.Sprintf(`
           UPDATE ir_act_server
              SET model_name = $1, model_id = ir_model.id
             FROM ir_model
            WHERE ir_model.model = $2
              AND ir_act_server.id IN (%s)
        RETURNING ir_act_server.name
    `, pgutil.Placeholders(3, len(ids)))
	args := append([]interface{}{dstModel, dstModel}, int64Args(ids)...)
	nrows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating server actions of %s: %w", srcModel, err)
	}
	names, err := scanStrings(nrows)
	if err != nil {
		return err
	}
	e.rep.Addf("Server Actions",
		"The following server actions have been updated due to moving fields from '%s' to "+
			"'%s' model and need a checking from your side: %s",
		srcModel, dstModel, strings.Join(names, ", "))
	return nil
}

// ChangeFieldSelectionValues remaps the stored values of a selection
// field, fixing the column, the selection metadata, and stored domains.
func (e *Env) ChangeFieldSelectionValues(ctx context.Context, model, field string, mapping map[string]string, skipInherit []string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	if len(mapping) == 0 {
		return nil
	}
	table := catalog.TableOf(model)

	olds := make([]string, 0, len(mapping))
	for k := range mapping {
		olds = append(olds, k)
	}
	sort.Strings(olds)
	jmap, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encoding selection mapping: %w", err)
	}

	hasColumn, err := pgutil.ColumnExists(ctx, e.q, table, field)
	if err != nil {
		return err
	}
	if hasColumn {
		quoted := make([]string, len(olds))
		for i, o := range olds {
			quoted[i] = pgutil.QuoteLiteral(o)
		}
		column := pgutil.QuoteIdent(field)
		query := fmt.Sprintf(`UPDATE %s SET %s = %s::json->>%s WHERE %s IN (%s) AND %s`,
			pgutil.QuoteIdent(table), column, pgutil.QuoteLiteral(string(jmap)), column,
			column, strings.Join(quoted, ", "), pgutil.ParallelFilterToken)
		queries, err := pgutil.ExplodeQueryRange(ctx, e.q, query, table, "", 0)
		if err != nil {
			return err
		}
		if len(queries) > 0 {
			if _, err := pgutil.ParallelExecute(ctx, e.db, queries); err != nil {
				return fmt.Errorf("remapping %s.%s values: %w", model, field, err)
			}
		}
	}

	hasSelectionTable, err := pgutil.TableExists(ctx, e.q, "ir_model_fields_selection")
	if err != nil {
		return err
	}
	if hasSelectionTable {
		query := fmt.Sprintf(`
            DELETE FROM ir_model_fields_selection s
                  USING ir_model_fields f
                  WHERE f.id = s.field_id
                    AND f.model = $1
                    AND f.name = $2
                    AND s.value IN (%s)
        `, pgutil.Placeholders(3, len(olds)))
		args := append([]interface{}{model, field}, pgutil.StringArgs(olds)...)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting stale selection values of %s.%s: %w", model, field, err)
		}
	}

	adapter := func(leaf *pyliteral.Node, _, _ bool) []*pyliteral.Node {
		clone := leaf.Clone()
		right := clone.Items[2]
		switch {
		case right.IsSequence():
			for i, item := range right.Items {
				if item.Kind == pyliteral.KindString {
					if to, ok := mapping[item.Str]; ok {
						right.Items[i] = pyliteral.NewString(to)
					}
				}
			}
		case right.Kind == pyliteral.KindString:
			if to, ok := mapping[right.Str]; ok {
				clone.Items[2] = pyliteral.NewString(to)
			}
		}
		return []*pyliteral.Node{clone}
	}
	// inheritors are visited by the recursion below
	if err := e.AdaptDomains(ctx, model, field, field, adapter, []string{SkipAll}); err != nil {
		return err
	}

	for _, inh := range e.ForEachInherit(model, skipInherit) {
		if err := e.ChangeFieldSelectionValues(ctx, inh.Model, field, mapping, skipInherit); err != nil {
			return err
		}
	}
	return nil
}

// EnsureM2OFuncFieldData drops the column when it holds ids absent from
// dstTable, forcing recomputation of the function field that filled it.
// Only meant for many2one function or related fields.
func (e *Env) EnsureM2OFuncFieldData(ctx context.Context, srcTable, column, dstTable string) error {
	hasColumn, err := pgutil.ColumnExists(ctx, e.q, srcTable, column)
	if err != nil {
		return err
	}
	if !hasColumn {
		return nil
	}
	query := fmt.Sprintf(`SELECT count(1) FROM %s WHERE %s NOT IN (SELECT id FROM %s)`,
		pgutil.QuoteIdent(srcTable), pgutil.QuoteIdent(column), pgutil.QuoteIdent(dstTable))
	var broken int64
	if err := e.q.QueryRowContext(ctx, query).Scan(&broken); err != nil {
		return fmt.Errorf("checking %s.%s: %w", srcTable, column, err)
	}
	if broken == 0 {
		return nil
	}
	e.logger.Warn("dropping relation column with dangling values",
		zap.String("table", srcTable), zap.String("column", column), zap.Int64("rows", broken))
	return pgutil.RemoveColumn(ctx, e.q, srcTable, column, true)
}

// IsFieldAnonymized reports whether the anonymization module marked
// model.field as anonymized.
func (e *Env) IsFieldAnonymized(ctx context.Context, model, field string) (bool, error) {
	if err := catalog.ValidateModel(model); err != nil {
		return false, err
	}
	installed, err := e.ModuleInstalled(ctx, "anonymization")
	if err != nil {
		return false, err
	}
	if !installed {
		return false, nil
	}
	var id int64
	err = e.q.QueryRowContext(ctx, `
        SELECT id
          FROM ir_model_fields_anonymization
         WHERE model_name = $1
           AND field_name = $2
           AND state = 'anonymized'
    `, model, field).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking anonymization of %s.%s: %w", model, field, err)
	}
	return true, nil
}

// RegisterUnanonymizationQuery schedules a query restoring real values of
// model.field after the upgrade, once the anonymized data comes back.
func (e *Env) RegisterUnanonymizationQuery(ctx context.Context, model, field, query string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	_, err := e.q.ExecContext(ctx, `
        INSERT INTO ir_model_fields_anonymization_migration_fix(
                target_version, sequence, query_type, model_name, field_name, query
        ) VALUES ($1, $2, $3, $4, $5, $6)
    `, e.ver.String(), 10, "sql", model, field, query)
	if err != nil {
		return fmt.Errorf("registering unanonymization query for %s.%s: %w", model, field, err)
	}
	return nil
}
