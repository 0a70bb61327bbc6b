package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/vauxoo-dev/upgrade-util/pkg/errors"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// companyProbeLimit bounds how many inconsistent record pairs land in the
// migration report.
const companyProbeLimit = 15

// CheckCompanyConsistencyOptions names the company columns to compare.
// Empty values mean company_id.
type CheckCompanyConsistencyOptions struct {
	ModelCompanyField   string
	ComodelCompanyField string
}

// CheckCompanyConsistency reports records whose company differs from the
// company of the record they reference through fieldName.
func (e *Env) CheckCompanyConsistency(ctx context.Context, modelName, fieldName string, opts CheckCompanyConsistencyOptions) error {
	if err := catalog.ValidateModel(modelName); err != nil {
		return err
	}
	modelCompany := opts.ModelCompanyField
	if modelCompany == "" {
		modelCompany = "company_id"
	}
	comodelCompany := opts.ComodelCompanyField
	if comodelCompany == "" {
		comodelCompany = "company_id"
	}

	var (
		ttype            string
		relation         string
		relationTable    sql.NullString
		column1, column2 sql.NullString
	)
	err := e.q.QueryRowContext(ctx, `
        SELECT ttype, relation, relation_table, column1, column2
          FROM ir_model_fields
         WHERE name = $1
           AND model = $2
           AND store IS TRUE
           AND ttype IN ('many2one', 'many2many')
    `, fieldName, modelName).Scan(&ttype, &relation, &relationTable, &column1, &column2)
	if errors.Is(err, sql.ErrNoRows) {
		e.logger.Warn("field not found on model",
			zap.String("model", modelName), zap.String("field", fieldName))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving field %s.%s: %w", modelName, fieldName, err)
	}

	table := pgutil.QuoteIdent(catalog.TableOf(modelName))
	cotable := pgutil.QuoteIdent(catalog.TableOf(relation))

	var query string
	if ttype == "many2one" {
		query = fmt.Sprintf(`
            SELECT a.id, a.%[1]s, b.id, b.%[2]s, count(*) OVER ()
              FROM %[3]s a
              JOIN %[4]s b ON b.id = a.%[5]s
             WHERE a.%[1]s IS NOT NULL
               AND b.%[2]s IS NOT NULL
               AND a.%[1]s != b.%[2]s
             LIMIT %[6]d
        `, modelCompany, comodelCompany, table, cotable, pgutil.QuoteIdent(fieldName), companyProbeLimit)
	} else {
		query = fmt.Sprintf(`
            SELECT a.id, a.%[1]s, b.id, b.%[2]s, count(*) OVER ()
              FROM %[3]s m
              JOIN %[4]s a ON a.id = m.%[5]s
              JOIN %[6]s b ON b.id = m.%[7]s
             WHERE a.%[1]s IS NOT NULL
               AND b.%[2]s IS NOT NULL
               AND a.%[1]s != b.%[2]s
             LIMIT %[8]d
        `, modelCompany, comodelCompany, pgutil.QuoteIdent(relationTable.String), table,
			pgutil.QuoteIdent(column1.String), cotable, pgutil.QuoteIdent(column2.String),
			companyProbeLimit)
	}

	rows, err := e.q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("probing company consistency of %s.%s: %w", modelName, fieldName, err)
	}
	type badPair struct {
		id, company, coID, coCompany, total int64
	}
	var bad []badPair
	for rows.Next() {
		var p badPair
		if err := rows.Scan(&p.id, &p.company, &p.coID, &p.coCompany, &p.total); err != nil {
			rows.Close()
			return err
		}
		bad = append(bad, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if len(bad) == 0 {
		return nil
	}

	total := bad[len(bad)-1].total
	e.logger.Warn("company field is not consistent with its comodel",
		zap.String("model", modelName), zap.String("model_company", modelCompany),
		zap.String("comodel", relation), zap.String("comodel_company", comodelCompany),
		zap.Int64("records", total), zap.String("ttype", ttype), zap.String("field", fieldName))

	var lis strings.Builder
	for _, p := range bad {
		fmt.Fprintf(&lis, "<li>record #%d (company=%d) -&gt; record #%d (company=%d)</li>\n",
			p.id, p.company, p.coID, p.coCompany)
	}
	e.rep.AddHTML("Multi-company inconsistencies", fmt.Sprintf(`
        <details>
          <summary>
            Some inconsistencies have been found on field %s/%s (%d records affected; show top %d)
          </summary>
          <ul>
            %s
          </ul>
        </details>
    `, modelName, fieldName, total, companyProbeLimit, lis.String()))
	return nil
}

// NoFiscalLock lifts the fiscal lock dates of every company and returns
// a function restoring them once the accounting fixes went through.
func (e *Env) NoFiscalLock(ctx context.Context) (func(context.Context) error, error) {
	all, err := pgutil.GetColumns(ctx, e.q, "res_company")
	if err != nil {
		return nil, err
	}
	var columns []string
	for _, col := range all {
		if strings.HasSuffix(col, "_lock_date") {
			columns = append(columns, col)
		}
	}
	if len(columns) == 0 {
		return nil, appErrors.NewDeveloperError("res_company has no lock date columns")
	}

	sets := make([]string, len(columns))
	returns := make([]string, len(columns))
	for i, col := range columns {
		sets[i] = pgutil.QuoteIdent(col) + " = NULL"
		returns[i] = "old." + pgutil.QuoteIdent(col)
	}
	query := fmt.Sprintf(`
        UPDATE res_company c
           SET %s
          FROM res_company old
         WHERE old.id = c.id
     RETURNING %s, old.id
    `, strings.Join(sets, ", "), strings.Join(returns, ", "))
	rows, err := e.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("lifting fiscal locks: %w", err)
	}
	var saved [][]interface{}
	for rows.Next() {
		row := make([]interface{}, len(columns)+1)
		dest := make([]interface{}, len(row))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return nil, err
		}
		saved = append(saved, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i, col := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", pgutil.QuoteIdent(col), i+1)
	}
	restore := fmt.Sprintf(`
        UPDATE res_company
           SET %s
         WHERE id = $%d
    `, strings.Join(sets, ", "), len(columns)+1)
	return func(ctx context.Context) error {
		for _, row := range saved {
			if _, err := e.q.ExecContext(ctx, restore, row...); err != nil {
				return fmt.Errorf("restoring fiscal locks: %w", err)
			}
		}
		return nil
	}, nil
}
