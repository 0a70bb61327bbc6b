package upgrade

import (
	"context"
	"database/sql/driver"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveModelScrubsReferences(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// placeholder model bootstrap
	mock.ExpectExec("INSERT INTO ir_model").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM ir_model WHERE model").
		WithArgs("_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(99))

	// reference catalog snapshot: a database where only ir_attachment and
	// ir_cron survive the existence gating
	mock.ExpectQuery("information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).
			AddRow("ir_attachment", "res_model").
			AddRow("ir_attachment", "res_id").
			AddRow("ir_cron", "model"))

	// no attachment references the model
	mock.ExpectQuery(`replace\(model`).
		WithArgs("ir_attachment").
		WillReturnRows(sqlmock.NewRows([]string{"model"}).AddRow("ir.attachment"))
	mock.ExpectQuery("bool_or").
		WithArgs("ir.attachment", "crm.claim").
		WillReturnRows(sqlmock.NewRows([]string{"from_module", "ids"}))

	// a custom cron does: it gets pointed at the placeholder model
	mock.ExpectQuery(`replace\(model`).
		WithArgs("ir_cron").
		WillReturnRows(sqlmock.NewRows([]string{"model"}).AddRow("ir.cron"))
	mock.ExpectQuery("bool_or").
		WithArgs("ir.cron", "crm.claim").
		WillReturnRows(sqlmock.NewRows([]string{"from_module", "ids"}).AddRow(false, "{3}"))
	mock.ExpectExec(`UPDATE "ir_cron" SET "model"`).
		WithArgs("_unknown", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// "model,id" references
	mock.ExpectQuery("ttype = 'reference'").
		WillReturnRows(sqlmock.NewRows([]string{"model", "name"}).
			AddRow("ir.translation", "name"))
	mock.ExpectQuery("is_updatable").
		WithArgs("ir_translation", "name").
		WillReturnRows(sqlmock.NewRows([]string{"is_updatable"}).AddRow("YES"))
	mock.ExpectExec(`DELETE FROM "ir_translation"`).
		WithArgs(`crm.claim,%`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM ir_model_data WHERE model = ").
		WithArgs("crm.claim").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectQuery("information_schema.tables").
		WithArgs("ir_values").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	// metadata teardown
	mock.ExpectQuery("SELECT id, name FROM ir_model").
		WithArgs("crm.claim").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(42, "Claim"))
	for _, tbl := range []string{"base_action_rule", "base_automation", "google_drive_config"} {
		mock.ExpectQuery("information_schema.columns").
			WithArgs(tbl, "model_id").
			WillReturnRows(sqlmock.NewRows([]string{"one"}))
	}
	mock.ExpectExec("DELETE FROM ir_model_relation").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("DELETE FROM ir_model_constraint").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("ir.model.constraint").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`USING "ir_rule"`).
		WithArgs("ir.rule", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`USING "ir_model_access"`).
		WithArgs("ir.model.access", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM ir_model WHERE id").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// external ids, field ids under the 13.0 double-underscore convention
	mock.ExpectExec("model = 'ir.model' AND name").
		WithArgs("model_crm_claim").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("model = 'ir.model.fields'").
		WithArgs(`field\_crm\_claim\_\_%`).
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec("DELETE FROM ir_model_data WHERE model = ").
		WithArgs("crm.claim").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// the backing relation goes last
	mock.ExpectQuery("information_schema.views").
		WithArgs("crm_claim").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectExec(`DROP TABLE IF EXISTS "crm_claim"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := newTestEnv(t, db, "13.0")
	err = e.RemoveModel(context.Background(), "crm.claim")
	require.NoError(t, err)

	// the re-targeted cron warrants a report entry
	entries := e.Report().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Removed Models", entries[0].Category)
	assert.Contains(t, entries[0].Message, "crm.claim (Claim)")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeModelRequiresBothModels(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT model, id FROM ir_model").
		WithArgs("note.stage", "project.task.type").
		WillReturnRows(sqlmock.NewRows([]string{"model", "id"}).
			AddRow("project.task.type", 12))

	e := newTestEnv(t, db, "13.0")
	err = e.MergeModel(context.Background(), "note.stage", "project.task.type", MergeModelOptions{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "both models must exist")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMoveModelMovesExternalIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT count").
		WithArgs("crm_phonecall").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	// each naming pattern first drops duplicates, then moves the rest
	expectMove := func(argSets ...[]driver.Value) {
		for _, a := range argSets {
			mock.ExpectExec("WITH dups").WithArgs(a...).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("UPDATE ir_model_data").WithArgs(a...).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
	}
	expectMove(
		[]driver.Value{"crm", "crm_phonecall", "ir.model", "model_crm_phonecall"},
		[]driver.Value{"crm", "crm_phonecall", "ir.model.fields", `field\_crm\_phonecall\_\_%`},
		[]driver.Value{"crm", "crm_phonecall", "ir.model.constraint", `constraint\_crm\_phonecall\_%`},
		[]driver.Value{"crm", "crm_phonecall", "crm.phonecall"},
	)

	e := newTestEnv(t, db, "13.0")
	err = e.MoveModel(context.Background(), "crm.phonecall", "crm", "crm_phonecall", true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenameModelRewritesReferences(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.tables").
		WithArgs("wkf").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery("information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).
			AddRow("ir_act_window", "res_model"))
	mock.ExpectExec(`UPDATE "ir_act_window" SET "res_model"`).
		WithArgs("mailing.mailing", "mail.mass_mailing").
		WillReturnResult(sqlmock.NewResult(0, 3))

	mock.ExpectQuery("ttype = 'reference'").
		WillReturnRows(sqlmock.NewRows([]string{"model", "name"}))

	mock.ExpectExec("WITH renames").
		WithArgs("mailing.mailing", `mail.mass\_mailing,%`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM ir_translation").
		WithArgs(`mail.mass\_mailing,%`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("information_schema.tables").
		WithArgs("ir_values").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectExec("type IN").
		WithArgs("mailing.mailing", "mail.mass_mailing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec("model = 'ir.model' AND name").
		WithArgs("model_mailing_mailing", "model_mail_mass_mailing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("model = 'ir.model.fields'").
		WithArgs("field_mailing_mailing", 24, `field\_mail\_mass\_mailing\_\_%`).
		WillReturnResult(sqlmock.NewResult(0, 6))

	// pre-10.0 server actions had a separate condition column; not here
	mock.ExpectQuery("information_schema.columns").
		WithArgs("ir_act_server", "condition").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectExec("regexp_replace").
		WithArgs(`(['"])mail\.mass_mailing\1`, `\1mailing.mailing\1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := newTestEnv(t, db, "13.0")
	err = e.RenameModel(context.Background(), "mail.mass_mailing", "mailing.mailing", false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
