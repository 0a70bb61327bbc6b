package upgrade

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachDashboardActionRewritesArch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	arch := `<form><action name="42" context="{'group_by': ['fax']}" string="Leads"/><action name="oops"/></form>`
	mock.ExpectQuery("SELECT id, arch FROM ir_ui_view_custom").WithArgs(`\yfax\y`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "arch"}).AddRow(5, arch))
	// only the numeric action triggers a window action lookup
	mock.ExpectQuery("SELECT res_model FROM ir_act_window").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"res_model"}).AddRow("crm.lead"))
	mock.ExpectExec("UPDATE ir_ui_view_custom SET arch").
		WithArgs(`<form><action name="42" context="{'group_by': []}" string="Leads"/><action name="oops"/></form>`, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newTestEnv(t, db, "13.0")
	err = e.forEachDashboardAction(context.Background(), `\yfax\y`, []string{"crm.lead"},
		func(dashboardID int64, act *etree.Element) error {
			cleaned, _, err := cleanRemovedFieldContext(act.SelectAttrValue("context", "{}"), "fax")
			if err != nil {
				return err
			}
			act.CreateAttr("context", cleaned)
			return nil
		})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForEachDashboardActionModelFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	arch := `<form><action name="42"/></form>`
	mock.ExpectQuery("SELECT id, arch FROM ir_ui_view_custom").WithArgs(`\yfax\y`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "arch"}).AddRow(5, arch))
	mock.ExpectQuery("SELECT res_model FROM ir_act_window").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"res_model"}).AddRow("res.partner"))
	mock.ExpectExec("UPDATE ir_ui_view_custom SET arch").
		WithArgs(arch, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newTestEnv(t, db, "13.0")
	visited := false
	err = e.forEachDashboardAction(context.Background(), `\yfax\y`, []string{"crm.lead"},
		func(dashboardID int64, act *etree.Element) error {
			visited = true
			return nil
		})
	require.NoError(t, err)
	assert.False(t, visited)
	assert.NoError(t, mock.ExpectationsWereMet())
}
