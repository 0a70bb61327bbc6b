package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/vauxoo-dev/upgrade-util/pkg/errors"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// propertyValueColumns maps a field type to the ir_property column that
// stores its values.
var propertyValueColumns = map[string]string{
	"char":      "value_text",
	"float":     "value_float",
	"boolean":   "value_integer",
	"integer":   "value_integer",
	"text":      "value_text",
	"binary":    "value_binary",
	"many2one":  "value_reference",
	"date":      "value_datetime",
	"datetime":  "value_datetime",
	"selection": "value_text",
}

// ConvertFieldToPropertyOptions tunes ConvertFieldToProperty.
type ConvertFieldToPropertyOptions struct {
	// TargetModel is the comodel of the field; required for many2one
	// fields, ignored otherwise.
	TargetModel string
	// DefaultValue, when set, becomes a company-independent default
	// property; rows holding it get no dedicated property row.
	DefaultValue interface{}
	// DefaultValueRef is an external id ("module.name") given to the
	// default property.
	DefaultValueRef string
	// CompanyField resolves the company of a row. It may be any sql
	// expression and may refer to the model's table as "t". Defaults to
	// company_id.
	CompanyField string
}

// ConvertFieldToProperty moves the values of model.field into
// company-dependent ir_property rows and drops the column.
func (e *Env) ConvertFieldToProperty(ctx context.Context, model, field, fieldType string, opts ConvertFieldToPropertyOptions) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	if opts.TargetModel != "" {
		if err := catalog.ValidateModel(opts.TargetModel); err != nil {
			return err
		}
	}
	valueField, ok := propertyValueColumns[fieldType]
	if !ok {
		return appErrors.NewDeveloperError("type %q cannot be stored in a property", fieldType)
	}
	if fieldType == "many2one" && opts.TargetModel == "" {
		return appErrors.NewDeveloperError("converting the many2one field %s.%s to a property requires a target model", model, field)
	}
	companyField := opts.CompanyField
	if companyField == "" {
		companyField = "company_id"
	}
	table := catalog.TableOf(model)
	e.logger.Info("converting field to property",
		zap.String("model", model), zap.String("field", field), zap.String("type", fieldType))

	var fieldsID int64
	err := e.q.QueryRowContext(ctx,
		`SELECT id FROM ir_model_fields WHERE model = $1 AND name = $2`,
		model, field).Scan(&fieldsID)
	if errors.Is(err, sql.ErrNoRows) {
		// no ir_model_fields, no ir_property
		return pgutil.RemoveColumn(ctx, e.q, table, field, true)
	}
	if err != nil {
		return fmt.Errorf("resolving field %s.%s: %w", model, field, err)
	}

	column := pgutil.QuoteIdent(field)
	var valueSelect string
	switch {
	case fieldType == "boolean":
		valueSelect = column + "::integer"
	case fieldType == "many2one":
		// m2o properties store a reference, in format `model,id`
		valueSelect = fmt.Sprintf("CONCAT('%s,', %s)", opts.TargetModel, column)
	default:
		valueSelect = column
	}

	anonymized, err := e.IsFieldAnonymized(ctx, model, field)
	if err != nil {
		return err
	}

	var whereClause string
	var whereArgs []interface{}
	switch {
	case anonymized:
		// anonymized values are all identical; create a property for
		// every record and restore the real values at the end
		whereClause = "true"
	case opts.DefaultValue == nil:
		whereClause = column + " IS NOT NULL"
	default:
		whereClause = column + " != $4"
		whereArgs = append(whereArgs, opts.DefaultValue)
	}

	if anonymized {
		// %(value)s and %(id)s are filled in by the anonymization module
		// when it replays the fix queries
		anoValueSelect := "%(value)s"
		if fieldType == "many2one" {
			anoValueSelect = fmt.Sprintf("CONCAT('%s,', %%(value)s)", opts.TargetModel)
		}
		fix := fmt.Sprintf(`
            UPDATE ir_property
               SET %s = CASE WHEN %%(value)s IS NULL THEN %s
                             ELSE %s END
             WHERE res_id = CONCAT('%s,', %%(id)s)
               AND name='%s'
               AND type='%s'
               AND fields_id=%d
        `, valueField, sqlLiteralOf(opts.DefaultValue), anoValueSelect, model, field, fieldType, fieldsID)
		if err := e.RegisterUnanonymizationQuery(ctx, model, field, fix); err != nil {
			return err
		}
	}

	query := fmt.Sprintf(`
        WITH cte AS (
            SELECT CONCAT('%s,', id) as res_id, %s as value,
                   (%s)::integer as company
              FROM %s t
             WHERE %s
        )
        INSERT INTO ir_property(name, type, fields_id, company_id, res_id, %s)
            SELECT $1, $2, $3, cte.company, cte.res_id, cte.value
              FROM cte
             WHERE NOT EXISTS(SELECT 1
                                FROM ir_property
                               WHERE fields_id=$3
                                 AND company_id IS NOT DISTINCT FROM cte.company
                                 AND res_id=cte.res_id)
    `, model, valueSelect, companyField, pgutil.QuoteIdent(table), whereClause, valueField)
	args := append([]interface{}{field, fieldType, fieldsID}, whereArgs...)
	if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("creating properties for %s.%s: %w", model, field, err)
	}

	if opts.DefaultValue != nil {
		var propID int64
		query := fmt.Sprintf(`
            INSERT INTO ir_property(name, type, fields_id, %s)
                 VALUES ($1, $2, $3, $4)
              RETURNING id
        `, valueField)
		err := e.q.QueryRowContext(ctx, query, field, fieldType, fieldsID, opts.DefaultValue).Scan(&propID)
		if err != nil {
			return fmt.Errorf("creating default property for %s.%s: %w", model, field, err)
		}
		if opts.DefaultValueRef != "" {
			module, xid, _ := strings.Cut(opts.DefaultValueRef, ".")
			if _, err := e.q.ExecContext(ctx, `
                INSERT INTO ir_model_data(module, name, model, res_id, noupdate)
                     VALUES ($1, $2, 'ir.property', $3, true)
            `, module, xid, propID); err != nil {
				return fmt.Errorf("registering external id of default property %s: %w", opts.DefaultValueRef, err)
			}
		}
	}

	return pgutil.RemoveColumn(ctx, e.q, table, field, true)
}

// MakeFieldCompanyDependent is ConvertFieldToProperty under the name of
// the attribute declaring property fields (company_dependent=True).
func (e *Env) MakeFieldCompanyDependent(ctx context.Context, model, field, fieldType string, opts ConvertFieldToPropertyOptions) error {
	return e.ConvertFieldToProperty(ctx, model, field, fieldType, opts)
}

// sqlLiteralOf renders a value as an inline sql literal.
func sqlLiteralOf(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return pgutil.QuoteLiteral(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return pgutil.QuoteLiteral(fmt.Sprint(x))
	}
}
