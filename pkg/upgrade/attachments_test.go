package upgrade

import (
	"context"
	"encoding/base64"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentNamePrefix(t *testing.T) {
	assert.Equal(t, "ResPartnerBank", attachmentNamePrefix("res.partner.bank"))
	assert.Equal(t, "IrUiView", attachmentNamePrefix("ir.ui.view"))
	assert.Equal(t, "AccountMove", attachmentNamePrefix("account.move"))
}

func TestConvertBinaryFieldToAttachmentMissingColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").
		WithArgs("res_company", "logo_web").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	e := newTestEnv(t, db, "13.0")
	err = e.ConvertBinaryFieldToAttachment(context.Background(), "res.company", "logo_web", true, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConvertBinaryFieldToAttachment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").
		WithArgs("res_company", "logo_web").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("FROM \"res_company\"").WithArgs(int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "logo_web", "name"}).
			AddRow(1, []byte("rawpng"), "ResCompany(1).logo_web").
			AddRow(2, []byte("12 bytes"), "ResCompany(2).logo_web"))
	// the browser placeholder of record 2 creates no attachment
	mock.ExpectExec("INSERT INTO ir_attachment").
		WithArgs("ResCompany(1).logo_web",
			[]byte(base64.StdEncoding.EncodeToString([]byte("rawpng"))),
			"res.company", int64(1), "logo_web").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM \"res_company\"").WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "logo_web", "name"}))
	mock.ExpectQuery("information_schema.columns").
		WithArgs("res_company", "logo_web").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("FROM pg_depend").
		WithArgs("res_company", "logo_web").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "relkind"}))
	mock.ExpectExec(`ALTER TABLE "res_company" DROP COLUMN "logo_web"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := newTestEnv(t, db, "13.0")
	err = e.ConvertBinaryFieldToAttachment(context.Background(), "res.company", "logo_web", false, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
