package upgrade

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqTagsManyToMany(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_constraint").WithArgs("crm_tag").
		WillReturnRows(sqlmock.NewRows([]string{"table", "column", "conname", "deltype"}).
			AddRow("crm_tag_rel", "tag_id", "crm_tag_rel_tag_id_fkey", "c"))
	mock.ExpectQuery("SELECT column_name").WithArgs("crm_tag_rel").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("lead_id").AddRow("tag_id"))
	mock.ExpectExec("WITH dups AS").WithArgs("crm.tag").
		WillReturnResult(sqlmock.NewResult(0, 3))

	e := newTestEnv(t, db, "13.0")
	err = e.UniqTags(context.Background(), "crm.tag", "", "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUniqTagsManyToOne(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_constraint").WithArgs("crm_tag").
		WillReturnRows(sqlmock.NewRows([]string{"table", "column", "conname", "deltype"}).
			AddRow("crm_lead", "tag_id", "crm_lead_tag_id_fkey", "a"))
	mock.ExpectQuery("SELECT column_name").WithArgs("crm_lead").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("name").AddRow("tag_id").AddRow("partner_id"))
	mock.ExpectQuery("relation_table").WithArgs("crm_lead").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT model FROM ir_model WHERE").WithArgs("crm_lead").
		WillReturnRows(sqlmock.NewRows([]string{"model"}).AddRow("crm.lead"))
	mock.ExpectQuery("many2one").WithArgs("crm.lead", "tag_id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("WITH dups AS").WithArgs("crm.tag").
		WillReturnResult(sqlmock.NewResult(0, 3))

	e := newTestEnv(t, db, "13.0")
	err = e.UniqTags(context.Background(), "crm.tag", "lower(name)", "name")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUniqTagsUnclassifiableRelation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_constraint").WithArgs("crm_tag").
		WillReturnRows(sqlmock.NewRows([]string{"table", "column", "conname", "deltype"}).
			AddRow("some_custom", "tag_id", "some_custom_tag_id_fkey", "a"))
	mock.ExpectQuery("SELECT column_name").WithArgs("some_custom").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("name").AddRow("tag_id"))
	mock.ExpectQuery("relation_table").WithArgs("some_custom").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT model FROM ir_model WHERE").WithArgs("some_custom").
		WillReturnRows(sqlmock.NewRows([]string{"model"}))

	e := newTestEnv(t, db, "13.0")
	err = e.UniqTags(context.Background(), "crm.tag", "", "")
	assert.ErrorContains(t, err, "can't determine if column tag_id of table some_custom")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUniqTagsWithoutRelations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_constraint").WithArgs("crm_tag").
		WillReturnRows(sqlmock.NewRows([]string{"table", "column", "conname", "deltype"}))

	e := newTestEnv(t, db, "13.0")
	err = e.UniqTags(context.Background(), "crm.tag", "", "")
	assert.ErrorContains(t, err, "no relation to deduplicate found for crm.tag")
	assert.NoError(t, mock.ExpectationsWereMet())
}
