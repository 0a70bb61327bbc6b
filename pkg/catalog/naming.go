package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tableOfModel lists the model/table pairs that do not follow the regular
// dots-to-underscores convention.
var tableOfModel = map[string]string{
	"ir.actions.actions":          "ir_actions",
	"ir.actions.act_url":          "ir_act_url",
	"ir.actions.act_window":       "ir_act_window",
	"ir.actions.act_window_close": "ir_act_window_close",
	"ir.actions.act_window.view":  "ir_act_window_view",
	"ir.actions.client":           "ir_act_client",
	"ir.actions.report.xml":       "ir_act_report_xml",
	"ir.actions.report":           "ir_act_report_xml",
	"ir.actions.server":           "ir_act_server",
	"ir.actions.wizard":           "ir_act_wizard",
	"stock.picking.in":            "stock_picking",
	"stock.picking.out":           "stock_picking",
	"workflow":                    "wkf",
	"workflow.activity":           "wkf_activity",
	"workflow.instance":           "wkf_instance",
	"workflow.transition":         "wkf_transition",
	"workflow.triggers":           "wkf_triggers",
	"workflow.workitem":           "wkf_workitem",
}

var modelOfTable = map[string]string{
	"ir_actions":          "ir.actions.actions",
	"ir_act_url":          "ir.actions.act_url",
	"ir_act_window":       "ir.actions.act_window",
	"ir_act_window_close": "ir.actions.act_window_close",
	"ir_act_window_view":  "ir.actions.act_window.view",
	"ir_act_client":       "ir.actions.client",
	"ir_act_report_xml":   "ir.actions.report.xml",
	"ir_act_server":       "ir.actions.server",
	"ir_act_wizard":       "ir.actions.wizard",
	"wkf":                 "workflow",
	"wkf_activity":        "workflow.activity",
	"wkf_instance":        "workflow.instance",
	"wkf_transition":      "workflow.transition",
	"wkf_triggers":        "workflow.triggers",
	"wkf_workitem":        "workflow.workitem",
}

// TableOf returns the SQL table backing a model.
func TableOf(model string) string {
	if t, ok := tableOfModel[model]; ok {
		return t
	}
	return strings.ReplaceAll(model, ".", "_")
}

// rowQueryer is the subset of pgutil.Queryer ModelOf needs. Declared locally
// so the package stays dependency-free.
type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ModelOf returns the model stored in a table, or "" when the table does not
// back any registered model. The regular convention is ambiguous in reverse
// (underscores appear inside model components too), so unknown tables are
// resolved against ir_model.
func ModelOf(ctx context.Context, db rowQueryer, table string) (string, error) {
	if m, ok := modelOfTable[table]; ok {
		return m, nil
	}
	var model string
	err := db.QueryRowContext(ctx,
		`SELECT model FROM ir_model WHERE replace(model, '.', '_') = $1`,
		table,
	).Scan(&model)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving model of table %s: %w", table, err)
	}
	return model, nil
}

var modelRe = regexp.MustCompile(`^[a-z0-9_.]+$`)

// ValidateModel guards against table names passed where a model name is
// expected, a classic helper-misuse slip.
func ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name is empty")
	}
	if model == UnknownModel {
		return nil
	}
	if !modelRe.MatchString(model) {
		return fmt.Errorf("invalid model name %q", model)
	}
	if strings.Contains(model, "_") && !strings.Contains(model, ".") {
		return fmt.Errorf("model %q looks like a table name, expected dotted notation", model)
	}
	return nil
}
