package upgrade

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropWorkflowWithoutWorkflowTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.tables").WithArgs("wkf").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	e := newTestEnv(t, db, "13.0")
	err = e.DropWorkflow(context.Background(), "account.invoice")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDropWorkflow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.tables").WithArgs("wkf").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec("DROP CONSTRAINT wkf_triggers_workitem_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP CONSTRAINT wkf_workitem_act_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP CONSTRAINT wkf_workitem_inst_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP CONSTRAINT wkf_triggers_instance_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE wkf_workitem wi").WithArgs("account.invoice").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("WITH deleted_wkf AS").WithArgs("account.invoice").
		WillReturnResult(sqlmock.NewResult(0, 40))
	mock.ExpectExec("ADD CONSTRAINT wkf_triggers_workitem_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ADD CONSTRAINT wkf_workitem_act_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ADD CONSTRAINT wkf_workitem_inst_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ADD CONSTRAINT wkf_triggers_instance_id_fkey").
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := newTestEnv(t, db, "10.0")
	err = e.DropWorkflow(context.Background(), "account.invoice")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
