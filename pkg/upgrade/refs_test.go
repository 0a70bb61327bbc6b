package upgrade

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelFilterRendering(t *testing.T) {
	named := IndirectReference{Table: "ir_attachment", ResModel: "res_model", ResID: "res_id"}
	assert.Equal(t, `"res_model" = $1`, named.ModelFilter("", "$1"))
	assert.Equal(t, `r."res_model" = $2`, named.ModelFilter("r.", "$2"))
	assert.Equal(t, `a."res_model" = $1`, named.ModelFilter("a", "$1"))
	assert.True(t, named.Bound())

	byID := IndirectReference{Table: "mail_alias", ResModelID: "alias_model_id"}
	assert.Equal(t,
		`"alias_model_id" = (SELECT id FROM ir_model WHERE model = $1)`,
		byID.ModelFilter("", "$1"))
	assert.False(t, byID.Bound())
}

func TestIndirectReferencesGating(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// one snapshot query serves the whole run
	mock.ExpectQuery("information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).
			AddRow("ir_attachment", "res_model").
			AddRow("ir_attachment", "res_id").
			AddRow("ir_cron", "model").
			AddRow("mail_alias", "alias_model_id"))

	e := newTestEnv(t, db, "13.0")
	ctx := context.Background()

	irs, err := e.IndirectReferences(ctx, false)
	require.NoError(t, err)
	require.Len(t, irs, 3)
	assert.Equal(t, "ir_attachment", irs[0].Table)
	assert.Equal(t, "res_id", irs[0].ResID)
	assert.Equal(t, "ir_cron", irs[1].Table)
	assert.True(t, irs[1].SetUnknown)
	// alias_force_thread_id is absent from this database, so the alias
	// entry degrades to a model-only reference
	assert.Equal(t, "mail_alias", irs[2].Table)
	assert.Equal(t, "", irs[2].ResID)
	assert.Equal(t, "alias_model_id", irs[2].ResModelID)

	bound, err := e.IndirectReferences(ctx, true)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.Equal(t, "ir_attachment", bound[0].Table)
	assert.NoError(t, mock.ExpectationsWereMet())
}
