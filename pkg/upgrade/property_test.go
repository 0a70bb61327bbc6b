package upgrade

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/vauxoo-dev/upgrade-util/pkg/errors"
)

func TestConvertFieldToPropertyRejectsUnknownType(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newTestEnv(t, db, "13.0")
	err = e.ConvertFieldToProperty(context.Background(), "res.partner", "lines", "one2many",
		ConvertFieldToPropertyOptions{})
	assert.True(t, appErrors.IsDeveloper(err))
	assert.ErrorContains(t, err, `"one2many" cannot be stored in a property`)
}

func TestConvertFieldToPropertyManyToOneNeedsTarget(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newTestEnv(t, db, "13.0")
	err = e.ConvertFieldToProperty(context.Background(), "product.template", "pos_category_id", "many2one",
		ConvertFieldToPropertyOptions{})
	assert.True(t, appErrors.IsDeveloper(err))
	assert.ErrorContains(t, err, "requires a target model")
}

func TestConvertFieldToPropertyUnknownFieldDropsColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM ir_model_fields").
		WithArgs("res.partner", "credit_limit").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// column already gone too: nothing to drop
	mock.ExpectQuery("information_schema.columns").
		WithArgs("res_partner", "credit_limit").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	e := newTestEnv(t, db, "13.0")
	err = e.ConvertFieldToProperty(context.Background(), "res.partner", "credit_limit", "float",
		ConvertFieldToPropertyOptions{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConvertFieldToPropertyWithDefault(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM ir_model_fields").
		WithArgs("res.partner", "credit_limit").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))
	mock.ExpectQuery("FROM ir_module_module").WithArgs("anonymization").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("WITH cte AS").
		WithArgs("credit_limit", "float", int64(31), float64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 8))
	mock.ExpectQuery("INSERT INTO ir_property").
		WithArgs("credit_limit", "float", int64(31), float64(1000)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(99))
	mock.ExpectExec("INSERT INTO ir_model_data").
		WithArgs("account", "default_credit_limit", int64(99)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("information_schema.columns").
		WithArgs("res_partner", "credit_limit").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("FROM pg_depend").
		WithArgs("res_partner", "credit_limit").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "relkind"}))
	mock.ExpectExec(`ALTER TABLE "res_partner" DROP COLUMN "credit_limit" CASCADE`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := newTestEnv(t, db, "13.0")
	err = e.ConvertFieldToProperty(context.Background(), "res.partner", "credit_limit", "float",
		ConvertFieldToPropertyOptions{
			DefaultValue:    float64(1000),
			DefaultValueRef: "account.default_credit_limit",
		})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLiteralOf(t *testing.T) {
	assert.Equal(t, "NULL", sqlLiteralOf(nil))
	assert.Equal(t, "'manual'", sqlLiteralOf("manual"))
	assert.Equal(t, "'it''s'", sqlLiteralOf("it's"))
	assert.Equal(t, "true", sqlLiteralOf(true))
	assert.Equal(t, "42", sqlLiteralOf(42))
	assert.Equal(t, "1000", sqlLiteralOf(float64(1000)))
}
