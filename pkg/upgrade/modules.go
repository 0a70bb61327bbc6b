package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// ModulesInstalled reports whether all given modules are (about to be)
// installed.
func (e *Env) ModulesInstalled(ctx context.Context, modules ...string) (bool, error) {
	if len(modules) == 0 {
		return false, fmt.Errorf("no modules given")
	}
	query := fmt.Sprintf(`
        SELECT count(1)
          FROM ir_module_module
         WHERE name IN (%s)
           AND state IN ('installed', 'to install', 'to upgrade')
    `, pgutil.Placeholders(1, len(modules)))
	var count int
	err := e.q.QueryRowContext(ctx, query, pgutil.StringArgs(modules)...).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking installed modules: %w", err)
	}
	return count == len(modules), nil
}

// ModuleInstalled reports whether module is (about to be) installed.
func (e *Env) ModuleInstalled(ctx context.Context, module string) (bool, error) {
	return e.ModulesInstalled(ctx, module)
}

// HasModule reports whether module is known to the database, whatever its
// state.
func (e *Env) HasModule(ctx context.Context, module string) (bool, error) {
	id, err := e.moduleID(ctx, module)
	return id != 0, err
}

func (e *Env) moduleID(ctx context.Context, module string) (int64, error) {
	var id int64
	err := e.q.QueryRowContext(ctx, `SELECT id FROM ir_module_module WHERE name = $1`, module).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolving module %s: %w", module, err)
	}
	return id, nil
}

// UninstallModule removes everything module owns: constraints, relation
// tables, records, models and fields defined only by it, its external ids
// and translations. The module row itself is kept in state uninstalled.
func (e *Env) UninstallModule(ctx context.Context, module string) error {
	modID, err := e.moduleID(ctx, module)
	if err != nil || modID == 0 {
		return err
	}
	e.logger.Info("uninstalling module", zap.String("module", module))

	// Constraints owned by this module alone.
	rows, err := e.q.QueryContext(ctx, `
        SELECT name
          FROM ir_model_constraint
      GROUP BY name
        HAVING array_agg(module) = ARRAY[$1::integer]
    `, modID)
	if err != nil {
		return fmt.Errorf("listing constraints of %s: %w", module, err)
	}
	constraints, err := scanStrings(rows)
	if err != nil {
		return err
	}
	if len(constraints) > 0 {
		query := fmt.Sprintf(`
            SELECT table_name, constraint_name
              FROM information_schema.table_constraints
             WHERE constraint_name IN (%s)
        `, pgutil.Placeholders(1, len(constraints)))
		crows, err := e.q.QueryContext(ctx, query, pgutil.StringArgs(constraints)...)
		if err != nil {
			return fmt.Errorf("resolving constraints of %s: %w", module, err)
		}
		type tc struct{ table, constraint string }
		var drops []tc
		for crows.Next() {
			var d tc
			if err := crows.Scan(&d.table, &d.constraint); err != nil {
				crows.Close()
				return err
			}
			drops = append(drops, d)
		}
		if err := crows.Err(); err != nil {
			crows.Close()
			return err
		}
		crows.Close()
		for _, d := range drops {
			if err := pgutil.DropConstraint(ctx, e.q, d.table, d.constraint); err != nil {
				return err
			}
		}
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_model_constraint WHERE module = $1`, modID); err != nil {
		return fmt.Errorf("deleting constraints of %s: %w", module, err)
	}

	// Records owned by this module alone.
	drows, err := e.q.QueryContext(ctx, `
        SELECT model, res_id
          FROM ir_model_data d
         WHERE NOT EXISTS (SELECT 1
                             FROM ir_model_data
                            WHERE id != d.id
                              AND res_id = d.res_id
                              AND model = d.model
                              AND module != d.module)
           AND module = $1
           AND model != 'ir.module.module'
      ORDER BY id DESC
    `, module)
	if err != nil {
		return fmt.Errorf("listing records of %s: %w", module, err)
	}
	type ownedRecord struct {
		model string
		resID int64
	}
	var owned []ownedRecord
	for drows.Next() {
		var r ownedRecord
		if err := drows.Scan(&r.model, &r.resID); err != nil {
			drows.Close()
			return err
		}
		owned = append(owned, r)
	}
	if err := drows.Err(); err != nil {
		drows.Close()
		return err
	}
	drows.Close()

	var modelIDs, fieldIDs, menuIDs []int64
	for _, r := range owned {
		switch r.model {
		case "ir.model":
			modelIDs = append(modelIDs, r.resID)
		case "ir.model.fields":
			fieldIDs = append(fieldIDs, r.resID)
		case "ir.ui.menu":
			menuIDs = append(menuIDs, r.resID)
		case "ir.ui.view":
			if err := e.RemoveView(ctx, r.resID); err != nil {
				return err
			}
		default:
			if err := e.RemoveRecord(ctx, r.model, r.resID); err != nil {
				return err
			}
		}
	}
	if len(menuIDs) > 0 {
		if err := e.RemoveMenus(ctx, menuIDs); err != nil {
			return err
		}
	}

	// Relation tables owned by this module alone.
	rrows, err := e.q.QueryContext(ctx, `
        SELECT name
          FROM ir_model_relation
      GROUP BY name
        HAVING array_agg(module) = ARRAY[$1::integer]
    `, modID)
	if err != nil {
		return fmt.Errorf("listing relations of %s: %w", module, err)
	}
	relations, err := scanStrings(rrows)
	if err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_model_relation WHERE module = $1`, modID); err != nil {
		return fmt.Errorf("deleting relations of %s: %w", module, err)
	}
	for _, rel := range relations {
		exists, err := pgutil.TableExists(ctx, e.q, rel)
		if err != nil {
			return err
		}
		if exists {
			stmt := fmt.Sprintf(`DROP TABLE %s CASCADE`, pgutil.QuoteIdent(rel))
			if _, err := e.q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("dropping relation table %s: %w", rel, err)
			}
		}
	}

	if len(modelIDs) > 0 {
		query := fmt.Sprintf(`SELECT model FROM ir_model WHERE id IN (%s)`, pgutil.Placeholders(1, len(modelIDs)))
		mrows, err := e.q.QueryContext(ctx, query, int64Args(modelIDs)...)
		if err != nil {
			return fmt.Errorf("resolving models of %s: %w", module, err)
		}
		models, err := scanStrings(mrows)
		if err != nil {
			return err
		}
		for _, model := range models {
			if err := e.RemoveModel(ctx, model); err != nil {
				return err
			}
		}
	}

	if len(fieldIDs) > 0 {
		query := fmt.Sprintf(`SELECT model, name FROM ir_model_fields WHERE id IN (%s)`, pgutil.Placeholders(1, len(fieldIDs)))
		frows, err := e.q.QueryContext(ctx, query, int64Args(fieldIDs)...)
		if err != nil {
			return fmt.Errorf("resolving fields of %s: %w", module, err)
		}
		type mf struct{ model, name string }
		var fields []mf
		for frows.Next() {
			var f mf
			if err := frows.Scan(&f.model, &f.name); err != nil {
				frows.Close()
				return err
			}
			fields = append(fields, f)
		}
		if err := frows.Err(); err != nil {
			frows.Close()
			return err
		}
		frows.Close()
		for _, f := range fields {
			if err := e.RemoveField(ctx, f.model, f.name, RemoveFieldOptions{}); err != nil {
				return err
			}
		}
	}

	steps := []struct {
		query string
		args  []interface{}
	}{
		{`DELETE FROM ir_model_data WHERE model = 'ir.module.module' AND res_id = $1`, []interface{}{modID}},
		{`DELETE FROM ir_model_data WHERE module = $1`, []interface{}{module}},
		{`DELETE FROM ir_translation WHERE module = $1`, []interface{}{module}},
		{`UPDATE ir_module_module SET state = 'uninstalled' WHERE name = $1`, []interface{}{module}},
	}
	for _, s := range steps {
		if _, err := e.q.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("uninstalling %s: %w", module, err)
		}
	}
	return nil
}

// UninstallTheme detaches a theme from the websites using it and
// uninstalls it. baseTheme, when given, selects the websites by their base
// theme instead.
func (e *Env) UninstallTheme(ctx context.Context, theme, baseTheme string) error {
	var themeID int64
	err := e.q.QueryRowContext(ctx, `
        SELECT id
          FROM ir_module_module
         WHERE name = $1
           AND state IN ('installed', 'to install', 'to upgrade')
    `, theme).Scan(&themeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving theme %s: %w", theme, err)
	}

	hasWebsite, err := pgutil.TableExists(ctx, e.q, "website")
	if err != nil {
		return err
	}
	if hasWebsite {
		detachID := themeID
		if baseTheme != "" {
			if detachID, err = e.moduleID(ctx, baseTheme); err != nil {
				return err
			}
		}
		hasThemeCol, err := pgutil.ColumnExists(ctx, e.q, "website", "theme_id")
		if err != nil {
			return err
		}
		if hasThemeCol && detachID != 0 {
			if _, err := e.q.ExecContext(ctx,
				`UPDATE website SET theme_id = NULL WHERE theme_id = $1`, detachID,
			); err != nil {
				return fmt.Errorf("detaching theme %s: %w", theme, err)
			}
		}
	}
	return e.UninstallModule(ctx, theme)
}

// RemoveModule uninstalls module and deletes every reference to it.
// Records must be reassigned before calling this.
func (e *Env) RemoveModule(ctx context.Context, module string) error {
	if err := e.UninstallModule(ctx, module); err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_module_module WHERE name = $1`, module); err != nil {
		return fmt.Errorf("removing module %s: %w", module, err)
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_module_module_dependency WHERE name = $1`, module); err != nil {
		return fmt.Errorf("removing dependencies on %s: %w", module, err)
	}
	return nil
}

// RemoveTheme uninstalls a theme and deletes every reference to it.
func (e *Env) RemoveTheme(ctx context.Context, theme, baseTheme string) error {
	if err := e.UninstallTheme(ctx, theme, baseTheme); err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_module_module WHERE name = $1`, theme); err != nil {
		return fmt.Errorf("removing theme %s: %w", theme, err)
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_module_module_dependency WHERE name = $1`, theme); err != nil {
		return fmt.Errorf("removing dependencies on %s: %w", theme, err)
	}
	return nil
}

// updateViewKey follows a module rename or merge in the view keys, which
// embed the owning module name.
func (e *Env) updateViewKey(ctx context.Context, old, new string) error {
	hasKey, err := pgutil.ColumnExists(ctx, e.q, "ir_ui_view", "key")
	if err != nil || !hasKey {
		return err
	}
	_, err = e.q.ExecContext(ctx, `
        UPDATE ir_ui_view v
           SET key = CONCAT($1::text, '.', x.name)
          FROM ir_model_data x
         WHERE x.model = 'ir.ui.view'
           AND x.res_id = v.id
           AND x.module = $2
           AND v.key = CONCAT(x.module, '.', x.name)
    `, new, old)
	if err != nil {
		return fmt.Errorf("updating view keys of %s: %w", old, err)
	}
	return nil
}

// RenameModule renames a module and moves its external ids, translations
// and view keys along.
func (e *Env) RenameModule(ctx context.Context, old, new string) error {
	e.logger.Info("renaming module", zap.String("old", old), zap.String("new", new))
	updates := []struct {
		query string
	}{
		{`UPDATE ir_module_module SET name = $1 WHERE name = $2`},
		{`UPDATE ir_module_module_dependency SET name = $1 WHERE name = $2`},
	}
	for _, u := range updates {
		if _, err := e.q.ExecContext(ctx, u.query, new, old); err != nil {
			return fmt.Errorf("renaming module %s: %w", old, err)
		}
	}
	if err := e.updateViewKey(ctx, old, new); err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, `UPDATE ir_model_data SET module = $1 WHERE module = $2`, new, old); err != nil {
		return fmt.Errorf("moving external ids of %s: %w", old, err)
	}
	if _, err := e.q.ExecContext(ctx, `UPDATE ir_translation SET module = $1 WHERE module = $2`, new, old); err != nil {
		return fmt.Errorf("moving translations of %s: %w", old, err)
	}
	_, err := e.q.ExecContext(ctx, `
        UPDATE ir_model_data
           SET name = $1
         WHERE name = $2
           AND module = 'base'
           AND model = 'ir.module.module'
    `, catalog.ModuleXMLID(new), catalog.ModuleXMLID(old))
	if err != nil {
		return fmt.Errorf("renaming module xmlid of %s: %w", old, err)
	}
	return nil
}

// MergeModule moves every reference of module old into module into, then
// deletes old. Records old owned alone are removed, matching what a
// regular uninstall would have dropped.
func (e *Env) MergeModule(ctx context.Context, old, into string, withoutDeps bool) error {
	rows, err := e.q.QueryContext(ctx,
		`SELECT name, id FROM ir_module_module WHERE name IN ($1, $2)`, old, into)
	if err != nil {
		return fmt.Errorf("resolving modules %s, %s: %w", old, into, err)
	}
	modIDs := map[string]int64{}
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			rows.Close()
			return err
		}
		modIDs[name] = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, ok := modIDs[old]; !ok {
		// Databases that never knew the module have nothing to merge;
		// `into` on the other hand must exist.
		e.logger.Warn("unknown module, skipping merge",
			zap.String("module", old), zap.String("into", into))
		return nil
	}
	if _, ok := modIDs[into]; !ok {
		return fmt.Errorf("merge target module %s does not exist", into)
	}

	if err := e.mergeModuleTable(ctx, "constraint", modIDs[old], modIDs[into]); err != nil {
		return err
	}
	if err := e.mergeModuleTable(ctx, "relation", modIDs[old], modIDs[into]); err != nil {
		return err
	}
	if err := e.updateViewKey(ctx, old, into); err != nil {
		return err
	}
	if err := e.mergeModuleData(ctx, old, into); err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, `UPDATE ir_translation SET module = $1 WHERE module = $2`, into, old); err != nil {
		return fmt.Errorf("moving translations of %s: %w", old, err)
	}

	if !withoutDeps {
		_, err := e.q.ExecContext(ctx, `
            INSERT INTO ir_module_module_dependency(module_id, name)
                 SELECT module_id, $1
                   FROM ir_module_module_dependency d
                  WHERE name = $2
                    AND NOT EXISTS (SELECT 1
                                      FROM ir_module_module_dependency o
                                     WHERE o.module_id = d.module_id
                                       AND o.name = $1)
        `, into, old)
		if err != nil {
			return fmt.Errorf("redirecting dependencies of %s: %w", old, err)
		}
	}

	var state string
	err = e.q.QueryRowContext(ctx,
		`DELETE FROM ir_module_module WHERE name = $1 RETURNING state`, old,
	).Scan(&state)
	if err != nil {
		return fmt.Errorf("deleting module %s: %w", old, err)
	}
	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_module_module_dependency WHERE name = $1`, old); err != nil {
		return fmt.Errorf("deleting dependencies of %s: %w", old, err)
	}
	if _, err := e.q.ExecContext(ctx,
		`DELETE FROM ir_model_data WHERE model = 'ir.module.module' AND res_id = $1`, modIDs[old],
	); err != nil {
		return fmt.Errorf("deleting module xmlid of %s: %w", old, err)
	}

	for _, s := range catalog.InstalledStates {
		if state == s {
			_, err := e.ForceInstallModule(ctx, into, nil)
			return err
		}
	}
	return nil
}

// mergeModuleTable moves ir_model_constraint/ir_model_relation rows,
// dropping the ones whose name already exists under the target module.
func (e *Env) mergeModuleTable(ctx context.Context, kind string, oldID, intoID int64) error {
	table := "ir_model_" + kind
	query := fmt.Sprintf(`
        UPDATE %[1]s x
           SET module = $1
         WHERE module = $2
           AND NOT EXISTS (SELECT 1
                             FROM %[1]s y
                            WHERE y.name = x.name
                              AND y.module = $1)
    `, table)
	if _, err := e.q.ExecContext(ctx, query, intoID, oldID); err != nil {
		return fmt.Errorf("merging %s: %w", table, err)
	}
	if _, err := e.q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE module = $1`, table), oldID); err != nil {
		return fmt.Errorf("cleaning %s: %w", table, err)
	}
	return nil
}

// mergeModuleData moves ir_model_data rows and removes the records whose
// external id collides with one already present in the target module.
func (e *Env) mergeModuleData(ctx context.Context, old, into string) error {
	_, err := e.q.ExecContext(ctx, `
        UPDATE ir_model_data x
           SET module = $1
         WHERE module = $2
           AND NOT EXISTS (SELECT 1
                             FROM ir_model_data y
                            WHERE y.name = x.name
                              AND y.module = $1)
    `, into, old)
	if err != nil {
		return fmt.Errorf("merging external ids of %s: %w", old, err)
	}

	rows, err := e.q.QueryContext(ctx, `
        SELECT model, array_agg(res_id)
          FROM ir_model_data
         WHERE module = $1
           AND model NOT LIKE 'ir.model%'
           AND model NOT LIKE 'ir.module.module%'
      GROUP BY model
    `, old)
	if err != nil {
		return fmt.Errorf("listing leftover records of %s: %w", old, err)
	}
	type leftover struct {
		model  string
		resIDs []int64
	}
	var leftovers []leftover
	for rows.Next() {
		var l leftover
		var agg string
		if err := rows.Scan(&l.model, &agg); err != nil {
			rows.Close()
			return err
		}
		l.resIDs, err = parseIntArray(agg)
		if err != nil {
			rows.Close()
			return err
		}
		leftovers = append(leftovers, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, l := range leftovers {
		switch l.model {
		case "ir.ui.view":
			for _, id := range l.resIDs {
				if err := e.RemoveView(ctx, id); err != nil {
					return err
				}
			}
		case "ir.ui.menu":
			if err := e.RemoveMenus(ctx, l.resIDs); err != nil {
				return err
			}
		default:
			for _, id := range l.resIDs {
				if err := e.RemoveRecord(ctx, l.model, id); err != nil {
					return err
				}
			}
		}
	}

	if _, err := e.q.ExecContext(ctx, `DELETE FROM ir_model_data WHERE module = $1`, old); err != nil {
		return fmt.Errorf("cleaning external ids of %s: %w", old, err)
	}
	return nil
}

// ForceInstallModule marks module and its transitive dependencies for
// installation. ifInstalled restricts the action to databases where those
// modules are already installed. Returns the resulting state of module.
func (e *Env) ForceInstallModule(ctx context.Context, module string, ifInstalled []string) (string, error) {
	subquery := ""
	args := []interface{}{module}
	if len(ifInstalled) > 0 {
		subquery = fmt.Sprintf(`AND EXISTS (SELECT 1 FROM ir_module_module
                                 WHERE name IN (%s)
                                   AND state IN ('installed', 'to install', 'to upgrade'))`,
			pgutil.Placeholders(2, len(ifInstalled)))
		args = append(args, pgutil.StringArgs(ifInstalled)...)
	}

	query := fmt.Sprintf(`
        WITH RECURSIVE deps (mod_id, dep_name) AS (
              SELECT m.id, d.name FROM ir_module_module_dependency d
              JOIN ir_module_module m ON (d.module_id = m.id)
              WHERE m.name = $1
            UNION
              SELECT m.id, d.name FROM ir_module_module m
              JOIN deps ON deps.dep_name = m.name
              JOIN ir_module_module_dependency d ON (d.module_id = m.id)
        )
        UPDATE ir_module_module m
           SET state = CASE WHEN state = 'to remove' THEN 'to upgrade'
                            WHEN state = 'uninstalled' THEN 'to install'
                            ELSE state
                       END,
               demo = (SELECT demo FROM ir_module_module WHERE name = 'base')
          FROM deps d
         WHERE m.id = d.mod_id
           %s
     RETURNING m.name, m.state
    `, subquery)

	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("force installing %s: %w", module, err)
	}
	states := map[string]string{}
	for rows.Next() {
		var name, state string
		if err := rows.Scan(&name, &state); err != nil {
			rows.Close()
			return "", err
		}
		states[name] = state
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", err
	}
	rows.Close()

	var toinstall []string
	for name, state := range states {
		if state == "to install" {
			toinstall = append(toinstall, name)
		}
	}
	if len(toinstall) > 0 {
		if err := e.autoInstallClosure(ctx, module, toinstall); err != nil {
			return "", err
		}
	}
	return states[module], nil
}

// autoInstallClosure force-installs the auto_install modules whose
// dependencies all became satisfied, the same closure the server computes
// when installing from the interface.
func (e *Env) autoInstallClosure(ctx context.Context, origin string, toinstall []string) error {
	depMatch := ""
	hasRequired, err := pgutil.ColumnExists(ctx, e.q, "ir_module_module_dependency", "auto_install_required")
	if err != nil {
		return err
	}
	if hasRequired {
		depMatch = "AND d.auto_install_required = TRUE AND e.auto_install_required = TRUE"
	}

	query := fmt.Sprintf(`
        SELECT on_me.name
          FROM ir_module_module_dependency d
          JOIN ir_module_module on_me ON on_me.id = d.module_id
          JOIN ir_module_module_dependency e ON e.module_id = on_me.id
          JOIN ir_module_module its_deps ON its_deps.name = e.name
         WHERE d.name IN (%s)
           AND on_me.state = 'uninstalled'
           AND on_me.auto_install = TRUE
           %s
      GROUP BY on_me.name
        HAVING array_agg(its_deps.state)::text[] <@ ARRAY['installed', 'to install', 'to upgrade']::text[]
    `, pgutil.Placeholders(1, len(toinstall)), depMatch)

	rows, err := e.q.QueryContext(ctx, query, pgutil.StringArgs(toinstall)...)
	if err != nil {
		return fmt.Errorf("computing auto-install closure: %w", err)
	}
	mods, err := scanStrings(rows)
	if err != nil {
		return err
	}
	for _, mod := range mods {
		e.logger.Debug("auto installing module",
			zap.String("module", mod), zap.String("cause", origin))
		if _, err := e.ForceInstallModule(ctx, mod, nil); err != nil {
			return err
		}
	}
	return nil
}

// assertModulesExist fails when any of the modules is unknown to the
// database.
func (e *Env) assertModulesExist(ctx context.Context, modules ...string) error {
	query := fmt.Sprintf(`SELECT name FROM ir_module_module WHERE name IN (%s)`,
		pgutil.Placeholders(1, len(modules)))
	rows, err := e.q.QueryContext(ctx, query, pgutil.StringArgs(modules)...)
	if err != nil {
		return fmt.Errorf("checking modules: %w", err)
	}
	found, err := scanStrings(rows)
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	for _, name := range found {
		existing[name] = true
	}
	var missing []string
	for _, name := range modules {
		if !existing[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("unknown modules: %s", strings.Join(missing, ", "))
	}
	return nil
}

// NewModuleDep adds a dependency of module on newDep, force-installing it
// when module is already installed.
func (e *Env) NewModuleDep(ctx context.Context, module, newDep string) error {
	if err := e.assertModulesExist(ctx, module, newDep); err != nil {
		return err
	}
	_, err := e.q.ExecContext(ctx, `
        INSERT INTO ir_module_module_dependency(name, module_id)
             SELECT $1, id
               FROM ir_module_module m
              WHERE name = $2
                AND NOT EXISTS (SELECT 1
                                  FROM ir_module_module_dependency
                                 WHERE module_id = m.id
                                   AND name = $1)
    `, newDep, module)
	if err != nil {
		return fmt.Errorf("adding dependency %s -> %s: %w", module, newDep, err)
	}

	var state string
	err = e.q.QueryRowContext(ctx, `SELECT state FROM ir_module_module WHERE name = $1`, module).Scan(&state)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	for _, s := range catalog.InstalledStates {
		if state == s {
			_, err := e.ForceInstallModule(ctx, module, nil)
			return err
		}
	}
	return nil
}

// RemoveModuleDeps drops dependencies of module on oldDeps. Missing ones
// are fine: removed is removed.
func (e *Env) RemoveModuleDeps(ctx context.Context, module string, oldDeps ...string) error {
	if len(oldDeps) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
        DELETE
          FROM ir_module_module_dependency
         WHERE module_id = (SELECT id
                              FROM ir_module_module
                             WHERE name = $1)
           AND name IN (%s)
    `, pgutil.Placeholders(2, len(oldDeps)))
	args := append([]interface{}{module}, pgutil.StringArgs(oldDeps)...)
	if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("removing dependencies of %s: %w", module, err)
	}
	return nil
}

// ModuleDepsDiff applies a dependency delta to module.
func (e *Env) ModuleDepsDiff(ctx context.Context, module string, plus, minus []string) error {
	for _, dep := range plus {
		if err := e.NewModuleDep(ctx, module, dep); err != nil {
			return err
		}
	}
	return e.RemoveModuleDeps(ctx, module, minus...)
}

// ModuleAutoInstall flips the auto_install flag of module. With
// requiredDeps given (and the series supporting it), only those
// dependencies are required to trigger the auto installation.
func (e *Env) ModuleAutoInstall(ctx context.Context, module string, auto bool, requiredDeps ...string) error {
	hasRequired, err := pgutil.ColumnExists(ctx, e.q, "ir_module_module_dependency", "auto_install_required")
	if err != nil {
		return err
	}
	if hasRequired {
		var value string
		args := []interface{}{}
		switch {
		case auto && len(requiredDeps) > 0:
			value = fmt.Sprintf("(name IN (%s))", pgutil.Placeholders(1, len(requiredDeps)))
			args = pgutil.StringArgs(requiredDeps)
		case auto:
			value = "TRUE"
		default:
			value = "FALSE"
		}
		query := fmt.Sprintf(`
            UPDATE ir_module_module_dependency
               SET auto_install_required = %s
             WHERE module_id = (SELECT id
                                  FROM ir_module_module
                                 WHERE name = $%d)
        `, value, len(args)+1)
		args = append(args, module)
		if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("updating auto_install_required of %s: %w", module, err)
		}
	}
	if _, err := e.q.ExecContext(ctx,
		`UPDATE ir_module_module SET auto_install = $1 WHERE name = $2`, auto, module,
	); err != nil {
		return fmt.Errorf("updating auto_install of %s: %w", module, err)
	}
	return nil
}

// ModuleSpec describes a module to introduce during the migration.
type ModuleSpec struct {
	Name string
	Deps []string
	// AutoInstall marks the module auto-installable. AutoInstallDeps
	// restricts the triggering subset; empty means all dependencies.
	AutoInstall     bool
	AutoInstallDeps []string
}

// NewModule registers a module unknown to the database, wiring its
// dependencies and external id. Already-present modules are left alone.
func (e *Env) NewModule(ctx context.Context, spec ModuleSpec) error {
	if len(spec.Deps) > 0 {
		if err := e.assertModulesExist(ctx, spec.Deps...); err != nil {
			return err
		}
	}

	var count int
	err := e.q.QueryRowContext(ctx,
		`SELECT count(1) FROM ir_module_module WHERE name = $1`, spec.Name,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking module %s: %w", spec.Name, err)
	}
	if count > 0 {
		// Modules added early by a previous series, or already present
		// as customization, stay as they are.
		return nil
	}

	state := "uninstalled"
	if len(spec.Deps) > 0 && spec.AutoInstall && !strings.HasPrefix(spec.Name, "test_") {
		toCheck := spec.Deps
		if len(spec.AutoInstallDeps) > 0 {
			toCheck = spec.AutoInstallDeps
		}
		installed, err := e.ModulesInstalled(ctx, toCheck...)
		if err != nil {
			return err
		}
		if installed {
			state = "to install"
		}
	}

	var newID int64
	err = e.q.QueryRowContext(ctx, `
        INSERT INTO ir_module_module (name, state, demo)
             VALUES ($1, $2, (SELECT demo FROM ir_module_module WHERE name = 'base'))
          RETURNING id
    `, spec.Name, state).Scan(&newID)
	if err != nil {
		return fmt.Errorf("inserting module %s: %w", spec.Name, err)
	}

	_, err = e.q.ExecContext(ctx, `
        INSERT INTO ir_model_data (name, module, noupdate, model, res_id)
             VALUES ($1, 'base', 't', 'ir.module.module', $2)
    `, catalog.ModuleXMLID(spec.Name), newID)
	if err != nil {
		return fmt.Errorf("inserting module xmlid of %s: %w", spec.Name, err)
	}

	for _, dep := range spec.Deps {
		if err := e.NewModuleDep(ctx, spec.Name, dep); err != nil {
			return err
		}
	}
	return e.ModuleAutoInstall(ctx, spec.Name, spec.AutoInstall, spec.AutoInstallDeps...)
}

// ForceMigrationOfFreshModule puts a freshly installed module in upgrade
// state so its migration scripts run and can pull data from other modules.
// scriptVersion is the series the calling script belongs to.
func (e *Env) ForceMigrationOfFreshModule(ctx context.Context, module, scriptVersion string) (bool, error) {
	var id int64
	err := e.q.QueryRowContext(ctx, `
        UPDATE ir_module_module
           SET state = 'to upgrade',
               latest_version = $1
         WHERE name = $2
           AND state = 'to install'
     RETURNING id
    `, scriptVersion, module).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("forcing migration of %s: %w", module, err)
	}
	e.logger.Info("forcing migration of fresh module",
		zap.String("module", module), zap.String("version", scriptVersion))
	return true, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func parseIntArray(s string) ([]int64, error) {
	s = strings.Trim(s, "{}")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		var id int64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &id); err != nil {
			return nil, fmt.Errorf("parsing array element %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}
