package upgrade

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModulesInstalled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newTestEnv(t, db, "13.0")
	ctx := context.Background()

	mock.ExpectQuery("FROM ir_module_module").WithArgs("crm", "sale").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	ok, err := e.ModulesInstalled(ctx, "crm", "sale")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("FROM ir_module_module").WithArgs("crm", "sale").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	ok, err = e.ModulesInstalled(ctx, "crm", "sale")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.ModulesInstalled(ctx)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForceMigrationOfFreshModule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newTestEnv(t, db, "13.0")
	ctx := context.Background()

	mock.ExpectQuery("UPDATE ir_module_module").WithArgs("13.0.1.0", "stock_barcode").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	forced, err := e.ForceMigrationOfFreshModule(ctx, "stock_barcode", "13.0.1.0")
	require.NoError(t, err)
	assert.True(t, forced)

	// nothing to force when the module is not freshly installed
	mock.ExpectQuery("UPDATE ir_module_module").WithArgs("13.0.1.0", "stock_barcode").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	forced, err = e.ForceMigrationOfFreshModule(ctx, "stock_barcode", "13.0.1.0")
	require.NoError(t, err)
	assert.False(t, forced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveModuleDeps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newTestEnv(t, db, "13.0")
	ctx := context.Background()

	require.NoError(t, e.RemoveModuleDeps(ctx, "account"))

	mock.ExpectExec("FROM ir_module_module_dependency").
		WithArgs("account", "account_facturx").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, e.RemoveModuleDeps(ctx, "account", "account_facturx"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModuleAutoInstallLegacySeries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").
		WithArgs("ir_module_module_dependency", "auto_install_required").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectExec("UPDATE ir_module_module SET auto_install").
		WithArgs(true, "sale_stock").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newTestEnv(t, db, "12.0")
	err = e.ModuleAutoInstall(context.Background(), "sale_stock", true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModuleAutoInstallRequiredDeps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").
		WithArgs("ir_module_module_dependency", "auto_install_required").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec("UPDATE ir_module_module_dependency").
		WithArgs("sale", "stock", "sale_stock").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE ir_module_module SET auto_install").
		WithArgs(true, "sale_stock").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newTestEnv(t, db, "15.0")
	err = e.ModuleAutoInstall(context.Background(), "sale_stock", true, "sale", "stock")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewModuleDep(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT name FROM ir_module_module").
		WithArgs("delivery", "stock").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("delivery").AddRow("stock"))
	mock.ExpectExec("INSERT INTO ir_module_module_dependency").
		WithArgs("stock", "delivery").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT state FROM ir_module_module").
		WithArgs("delivery").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("uninstalled"))

	e := newTestEnv(t, db, "13.0")
	err = e.NewModuleDep(context.Background(), "delivery", "stock")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewModuleDepUnknownModule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT name FROM ir_module_module").
		WithArgs("delivery", "stock").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("delivery"))

	e := newTestEnv(t, db, "13.0")
	err = e.NewModuleDep(context.Background(), "delivery", "stock")
	assert.ErrorContains(t, err, "unknown modules: stock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewModuleLeavesKnownModulesAlone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT count").WithArgs("sale_renting").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	e := newTestEnv(t, db, "13.0")
	err = e.NewModule(context.Background(), ModuleSpec{Name: "sale_renting"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewModuleRegistersEverything(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT name FROM ir_module_module").WithArgs("account").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("account"))
	mock.ExpectQuery("SELECT count").WithArgs("account_edi").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	// auto_install with its dependency not installed: stays uninstalled
	mock.ExpectQuery("SELECT count").WithArgs("account").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO ir_module_module \(name`).
		WithArgs("account_edi", "uninstalled").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(77))
	mock.ExpectExec("INSERT INTO ir_model_data").
		WithArgs("module_account_edi", int64(77)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT name FROM ir_module_module").
		WithArgs("account_edi", "account").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("account_edi").AddRow("account"))
	mock.ExpectExec("INSERT INTO ir_module_module_dependency").
		WithArgs("account", "account_edi").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT state FROM ir_module_module").
		WithArgs("account_edi").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("uninstalled"))
	mock.ExpectQuery("information_schema.columns").
		WithArgs("ir_module_module_dependency", "auto_install_required").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectExec("UPDATE ir_module_module SET auto_install").
		WithArgs(true, "account_edi").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newTestEnv(t, db, "13.0")
	err = e.NewModule(context.Background(), ModuleSpec{
		Name:        "account_edi",
		Deps:        []string{"account"},
		AutoInstall: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenameModule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE ir_module_module SET name").
		WithArgs("sale_renting", "rental").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ir_module_module_dependency SET name").
		WithArgs("sale_renting", "rental").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("information_schema.columns").WithArgs("ir_ui_view", "key").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec("UPDATE ir_ui_view").
		WithArgs("sale_renting", "rental").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("UPDATE ir_model_data SET module").
		WithArgs("sale_renting", "rental").
		WillReturnResult(sqlmock.NewResult(0, 120))
	mock.ExpectExec("UPDATE ir_translation SET module").
		WithArgs("sale_renting", "rental").
		WillReturnResult(sqlmock.NewResult(0, 80))
	mock.ExpectExec(`AND model = 'ir\.module\.module'`).
		WithArgs("module_sale_renting", "module_rental").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newTestEnv(t, db, "13.0")
	err = e.RenameModule(context.Background(), "rental", "sale_renting")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeModuleUnknownOldIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT name, id FROM ir_module_module").
		WithArgs("voip", "crm").
		WillReturnRows(sqlmock.NewRows([]string{"name", "id"}).AddRow("crm", 3))

	e := newTestEnv(t, db, "13.0")
	err = e.MergeModule(context.Background(), "voip", "crm", false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
