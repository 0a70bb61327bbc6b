package plan

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"os"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vauxoo-dev/upgrade-util/pkg/upgrade"
)

func bootEnv(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock) *upgrade.Env {
	t.Helper()
	mock.ExpectQuery("information_schema.tables").WithArgs("ir_model_inherit").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	for _, args := range [][]driver.Value{
		{"message_ids", "mail.message"},
		{"activity_ids", "mail.activity"},
		{"access_url"},
		{"image_1920"},
		{"website_meta_title"},
	} {
		mock.ExpectQuery("SELECT model FROM ir_model_fields WHERE name").WithArgs(args...).
			WillReturnRows(sqlmock.NewRows([]string{"model"}))
	}
	env, err := upgrade.NewEnv(context.Background(), db, upgrade.Options{Version: "13.0"})
	require.NoError(t, err)
	return env
}

func TestLoadPlan(t *testing.T) {
	doc := `
name: "13.0 renames"
version: "13.0"
steps:
  - name: voip folds into crm
    when: "has_module('voip')"
    merge_module:
      old: voip
      into: crm
  - rename_model:
      old: mail.mass_mailing
      new: mailing.mailing
  - remove_field:
      model: res.users
      name: fax
      cascade: true
  - change_selection:
      model: crm.lead
      field: activity_state
      mapping:
        overdue: late
`
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "13.0 renames", p.Name)
	assert.Equal(t, "13.0", p.Version)
	require.Len(t, p.Steps, 4)
	assert.Equal(t, "has_module('voip')", p.Steps[0].When)
	assert.Equal(t, "voip", p.Steps[0].MergeModule.Old)
	assert.Equal(t, "crm", p.Steps[0].MergeModule.Into)
	assert.Equal(t, "mailing.mailing", p.Steps[1].RenameModel.New)
	assert.True(t, p.Steps[2].RemoveField.Cascade)
	assert.Equal(t, map[string]string{"overdue": "late"}, p.Steps[3].ChangeSelection.Mapping)
}

func TestParseRejectsBadPlans(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "empty document",
			doc:     "",
			wantErr: "empty plan document",
		},
		{
			name:    "unknown step key",
			doc:     "steps:\n  - renmae_module: {old: a, new: b}\n",
			wantErr: "parsing plan",
		},
		{
			name:    "no operation",
			doc:     "steps:\n  - name: hollow step\n",
			wantErr: "no operation",
		},
		{
			name: "two operations",
			doc: "steps:\n  - remove_module: {name: a}\n" +
				"    rename_module: {old: a, new: b}\n",
			wantErr: "more than one operation",
		},
		{
			name:    "missing arguments",
			doc:     "steps:\n  - rename_module: {old: a}\n",
			wantErr: "rename_module needs old and new",
		},
		{
			name:    "broken guard",
			doc:     "steps:\n  - when: '1 +'\n    remove_module: {name: a}\n",
			wantErr: "invalid guard",
		},
		{
			name:    "bad version pin",
			doc:     "version: nope\nsteps: []\n",
			wantErr: "plan version",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestApplyRunsGuardedSteps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	env := bootEnv(t, db, mock)

	p := &Plan{Steps: []Step{
		{RenameXMLID: &RenameXMLID{Old: "crm.old_stage", New: "crm.stage_won"}},
		{When: "version_gte('14.0')", RemoveModule: &RemoveModule{Name: "voip"}},
		{When: "module_installed('voip')", RemoveRecord: &RemoveRecord{XMLID: "voip.menu_root"}},
	}}

	mock.ExpectQuery("UPDATE ir_model_data").
		WithArgs("crm", "stage_won", "crm", "old_stage").
		WillReturnRows(sqlmock.NewRows([]string{"res_id"}).AddRow(4))
	// the version guard fails without touching the database; the module
	// guard reads it and fails too
	mock.ExpectQuery("SELECT count").WithArgs("voip").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err = p.Apply(context.Background(), env, ApplyOptions{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDryRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	env := bootEnv(t, db, mock)

	p := &Plan{Steps: []Step{
		{When: "module_installed('sale')", RemoveModule: &RemoveModule{Name: "sale_layout"}},
		{RenameModule: &RenameModule{Old: "sale_renting", New: "rental"}},
	}}

	// guards still run, the operations do not
	mock.ExpectQuery("SELECT count").WithArgs("sale").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err = p.Apply(context.Background(), env, ApplyOptions{DryRun: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyVersionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	env := bootEnv(t, db, mock)

	p := &Plan{Version: "14.0", Steps: []Step{
		{RemoveModule: &RemoveModule{Name: "voip"}},
	}}
	err = p.Apply(context.Background(), env, ApplyOptions{})
	assert.ErrorContains(t, err, "targets series 14.0, database is on 13.0")
}
