package upgrade

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// attachmentBatchSize bounds how many binary payloads are held in memory
// at once while converting a field.
const attachmentBatchSize = 100

// badBinaryData matches placeholder values some browsers used to save in
// place of the real content ("24 bytes", "3Kb", ...).
var badBinaryData = regexp.MustCompile(`(?i)^\d+ (bytes|[KMG]b)$`)

// ConvertBinaryFieldToAttachment moves the payloads of a binary column
// into ir_attachment rows and drops the column to free pg space. encoded
// tells whether the column already holds base64. The attachment name
// comes from nameField when given, with a "Model(id).field" fallback.
func (e *Env) ConvertBinaryFieldToAttachment(ctx context.Context, model, field string, encoded bool, nameField string) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	table := catalog.TableOf(model)
	hasColumn, err := pgutil.ColumnExists(ctx, e.q, table, field)
	if err != nil {
		return err
	}
	if !hasColumn {
		return nil
	}
	e.logger.Info("converting binary field to attachments",
		zap.String("model", model), zap.String("field", field))

	nameExpr := "NULL"
	if nameField != "" {
		nameExpr = pgutil.QuoteIdent(nameField)
	}
	nameQuery := fmt.Sprintf("COALESCE(%s, '%s('|| id || ').%s')",
		nameExpr, attachmentNamePrefix(model), field)
	column := pgutil.QuoteIdent(field)
	query := fmt.Sprintf(`
        SELECT id, %s, %s
          FROM %s
         WHERE %s IS NOT NULL
           AND id > $1
         ORDER BY id
         LIMIT %d
    `, column, nameQuery, pgutil.QuoteIdent(table), column, attachmentBatchSize)

	type payload struct {
		id   int64
		data []byte
		name string
	}
	lastID := int64(0)
	for {
		rows, err := e.q.QueryContext(ctx, query, lastID)
		if err != nil {
			return fmt.Errorf("reading %s.%s payloads: %w", table, field, err)
		}
		var batch []payload
		for rows.Next() {
			var p payload
			if err := rows.Scan(&p.id, &p.data, &p.name); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(batch) == 0 {
			break
		}
		for _, p := range batch {
			if badBinaryData.Match(p.data) {
				// badly saved data, no need to create an attachment
				continue
			}
			data := p.data
			if !encoded {
				data = []byte(base64.StdEncoding.EncodeToString(data))
			}
			if _, err := e.q.ExecContext(ctx, `
                INSERT INTO ir_attachment(name, datas, res_model, res_id, res_field, type)
                     VALUES ($1, $2, $3, $4, $5, 'binary')
            `, p.name, data, model, p.id, field); err != nil {
				return fmt.Errorf("creating attachment for %s(%d).%s: %w", model, p.id, field, err)
			}
		}
		lastID = batch[len(batch)-1].id
	}

	// free PG space
	return pgutil.RemoveColumn(ctx, e.q, table, field, false)
}

// attachmentNamePrefix title-cases a model name and strips the dots:
// "res.partner.bank" becomes "ResPartnerBank".
func attachmentNamePrefix(model string) string {
	var b strings.Builder
	upper := true
	for _, r := range model {
		switch {
		case r == '.':
			upper = true
		case !unicode.IsLetter(r):
			b.WriteRune(r)
			upper = true
		case upper:
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
