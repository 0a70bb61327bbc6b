package upgrade

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// IndirectReference describes a table holding polymorphic references:
// a model name column (ResModel) or an ir_model fk (ResModelID), plus an
// optional record id column (ResID). SetUnknown marks tables whose custom
// rows are pointed at the _unknown model instead of being deleted when
// their model goes away.
type IndirectReference struct {
	Table      string
	ResModel   string
	ResID      string
	ResModelID string
	SetUnknown bool
}

// Bound reports whether the reference targets specific records.
func (ir IndirectReference) Bound() bool { return ir.ResID != "" }

// ModelFilter renders the WHERE fragment matching rows referencing a
// model, with placeholder standing for the model name parameter.
func (ir IndirectReference) ModelFilter(prefix, placeholder string) string {
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	if ir.ResModel != "" {
		return fmt.Sprintf(`%s%s = %s`, prefix, pgutil.QuoteIdent(ir.ResModel), placeholder)
	}
	return fmt.Sprintf(`%s%s = (SELECT id FROM ir_model WHERE model = %s)`,
		prefix, pgutil.QuoteIdent(ir.ResModelID), placeholder)
}

// referenceCatalog lists every known polymorphic reference over the
// supported series. Entries are existence-gated at runtime: missing
// tables are skipped, missing columns cleared.
var referenceCatalog = []IndirectReference{
	{Table: "ir_attachment", ResModel: "res_model", ResID: "res_id"},
	{Table: "ir_cron", ResModel: "model", SetUnknown: true},
	{Table: "ir_act_report_xml", ResModel: "model", SetUnknown: true},
	{Table: "ir_act_window", ResModel: "res_model", ResID: "res_id"},
	{Table: "ir_act_window", ResModel: "src_model"},
	{Table: "ir_act_server", ResModel: "wkf_model_name"},
	{Table: "ir_act_server", ResModel: "crud_model_name"},
	{Table: "ir_act_server", ResModel: "model_name", ResModelID: "model_id", SetUnknown: true},
	{Table: "ir_act_client", ResModel: "res_model", SetUnknown: true},
	{Table: "ir_model", ResModel: "model"},
	{Table: "ir_model_fields", ResModel: "model"},
	{Table: "ir_model_fields", ResModel: "relation"},
	{Table: "ir_model_data", ResModel: "model", ResID: "res_id"},
	// the column is named like a fk but holds the model name
	{Table: "ir_filters", ResModel: "model_id"},
	{Table: "ir_exports", ResModel: "resource"},
	{Table: "ir_ui_view", ResModel: "model", SetUnknown: true},
	// wkf itself is absent on purpose: workflows get dedicated handling
	{Table: "ir_values", ResModel: "model", ResID: "res_id"},
	{Table: "wkf_transition", ResModel: "trigger_model"},
	{Table: "wkf_triggers", ResModel: "model"},
	{Table: "ir_model_fields_anonymization", ResModel: "model_name"},
	{Table: "ir_model_fields_anonymization_migration_fix", ResModel: "model_name"},
	{Table: "base_import_import", ResModel: "res_model"},
	{Table: "base_import_mapping", ResModel: "res_model"},
	{Table: "email_template", ResModel: "model", SetUnknown: true},
	{Table: "mail_template", ResModel: "model", SetUnknown: true},
	{Table: "mail_activity", ResModel: "res_model", ResID: "res_id", ResModelID: "res_model_id"},
	{Table: "mail_alias", ResID: "alias_force_thread_id", ResModelID: "alias_model_id"},
	{Table: "mail_alias", ResID: "alias_parent_thread_id", ResModelID: "alias_parent_model_id"},
	{Table: "mail_followers", ResModel: "res_model", ResID: "res_id"},
	{Table: "mail_message_subtype", ResModel: "res_model"},
	{Table: "mail_message", ResModel: "model", ResID: "res_id"},
	{Table: "mail_compose_message", ResModel: "model", ResID: "res_id"},
	{Table: "mail_wizard_invite", ResModel: "res_model", ResID: "res_id"},
	{Table: "mail_mail_statistics", ResModel: "model", ResID: "res_id"},
	{Table: "mail_mass_mailing", ResModel: "mailing_model", ResModelID: "mailing_model_id"},
	{Table: "project_project", ResModel: "alias_model"},
	{Table: "rating_rating", ResModel: "res_model", ResID: "res_id", ResModelID: "res_model_id"},
	{Table: "rating_rating", ResModel: "parent_res_model", ResID: "parent_res_id", ResModelID: "parent_res_model_id"},
}

// refColumns snapshots the existing columns of the catalog tables in one
// information_schema query, memoized for the run.
func (e *Env) refColumns(ctx context.Context) (map[string]map[string]bool, error) {
	e.mu.Lock()
	if e.refCols != nil {
		cols := e.refCols
		e.mu.Unlock()
		return cols, nil
	}
	e.mu.Unlock()

	seen := map[string]bool{}
	var tables []string
	for _, ir := range referenceCatalog {
		if !seen[ir.Table] {
			seen[ir.Table] = true
			tables = append(tables, ir.Table)
		}
	}
	sort.Strings(tables)

	query := fmt.Sprintf(`
        SELECT table_name, column_name
          FROM information_schema.columns
         WHERE table_name IN (%s)
    `, pgutil.Placeholders(1, len(tables)))
	rows, err := e.q.QueryContext(ctx, query, pgutil.StringArgs(tables)...)
	if err != nil {
		return nil, fmt.Errorf("snapshotting reference tables: %w", err)
	}
	defer rows.Close()

	cols := map[string]map[string]bool{}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		if cols[table] == nil {
			cols[table] = map[string]bool{}
		}
		cols[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.refCols = cols
	e.mu.Unlock()
	return cols, nil
}

// IndirectReferences returns the catalog entries present in this
// database. Columns that appeared in a later series are cleared from the
// returned entries; boundOnly keeps only record-targeting references.
func (e *Env) IndirectReferences(ctx context.Context, boundOnly bool) ([]IndirectReference, error) {
	cols, err := e.refColumns(ctx)
	if err != nil {
		return nil, err
	}
	var out []IndirectReference
	for _, ir := range referenceCatalog {
		tcols := cols[ir.Table]
		if tcols == nil {
			continue
		}
		if ir.ResID != "" && !tcols[ir.ResID] {
			ir.ResID = ""
		}
		if boundOnly && ir.ResID == "" {
			continue
		}
		if ir.ResModel != "" && !tcols[ir.ResModel] {
			ir.ResModel = ""
		}
		if ir.ResModelID != "" && !tcols[ir.ResModelID] {
			ir.ResModelID = ""
		}
		if ir.ResModel == "" && ir.ResModelID == "" {
			continue
		}
		out = append(out, ir)
	}
	return out, nil
}
