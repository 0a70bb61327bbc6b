package catalog

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableOf(t *testing.T) {
	tests := []struct {
		model string
		table string
	}{
		{"res.partner", "res_partner"},
		{"account.analytic.line", "account_analytic_line"},
		{"ir.actions.act_window", "ir_act_window"},
		{"ir.actions.report", "ir_act_report_xml"},
		{"ir.actions.report.xml", "ir_act_report_xml"},
		{"workflow", "wkf"},
		{"workflow.workitem", "wkf_workitem"},
		{"stock.picking.in", "stock_picking"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.table, TableOf(tt.model), "model %s", tt.model)
	}
}

func TestModelOfIrregular(t *testing.T) {
	model, err := ModelOf(context.Background(), nil, "ir_act_server")
	require.NoError(t, err)
	assert.Equal(t, "ir.actions.server", model)
}

func TestModelOfRegular(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := regexp.QuoteMeta(`SELECT model FROM ir_model WHERE replace(model, '.', '_') = $1`)
	mock.ExpectQuery(query).
		WithArgs("account_move_line").
		WillReturnRows(sqlmock.NewRows([]string{"model"}).AddRow("account.move.line"))

	model, err := ModelOf(context.Background(), db, "account_move_line")
	require.NoError(t, err)
	assert.Equal(t, "account.move.line", model)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModelOfUnknownTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := regexp.QuoteMeta(`SELECT model FROM ir_model WHERE replace(model, '.', '_') = $1`)
	mock.ExpectQuery(query).
		WithArgs("no_such_table").
		WillReturnRows(sqlmock.NewRows([]string{"model"}))

	model, err := ModelOf(context.Background(), db, "no_such_table")
	require.NoError(t, err)
	assert.Empty(t, model)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateModel(t *testing.T) {
	assert.NoError(t, ValidateModel("res.partner"))
	assert.NoError(t, ValidateModel("workflow"))
	assert.NoError(t, ValidateModel("_unknown"))
	assert.Error(t, ValidateModel(""))
	assert.Error(t, ValidateModel("res_partner"))
	assert.Error(t, ValidateModel("Res.Partner"))
}

func TestXMLIDHelpers(t *testing.T) {
	assert.Equal(t, "field_res_partner__display_name", FieldXMLID("res.partner", "display_name", true))
	assert.Equal(t, "field_res_partner_display_name", FieldXMLID("res.partner", "display_name", false))
	assert.Equal(t, "field_account_move__", FieldXMLIDPrefix("account.move", true))
	assert.Equal(t, "model_res_partner_bank", ModelXMLID("res.partner.bank"))
	assert.Equal(t, "module_sale", ModuleXMLID("sale"))

	module, name := SplitXMLID("base.module_sale")
	assert.Equal(t, "base", module)
	assert.Equal(t, "module_sale", name)

	module, name = SplitXMLID("orphan")
	assert.Empty(t, module)
	assert.Equal(t, "orphan", name)
}
