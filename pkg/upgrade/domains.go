package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/domains"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// domainLocation is one stored place search domains live in. The select
// takes ($1 = model, $2 = regex) and returns (id, domain); the update
// takes ($1 = new domain, $2 = id).
type domainLocation struct {
	sel string
	upd string
	// gate leaves the location alone on series that do not have it
	gateTable  string
	gateColumn string
}

var domainLocations = []domainLocation{
	{
		// model_id holds the model name, not a foreign key
		sel: `SELECT id, domain FROM ir_filters WHERE model_id = $1 AND domain ~ $2`,
		upd: `UPDATE ir_filters SET domain = $1 WHERE id = $2`,
	},
	{
		sel: `
            SELECT r.id, r.domain_force
              FROM ir_rule r
              JOIN ir_model m ON m.id = r.model_id
             WHERE m.model = $1
               AND r.domain_force ~ $2`,
		upd: `UPDATE ir_rule SET domain_force = $1 WHERE id = $2`,
	},
	{
		sel:        `SELECT id, domain FROM ir_act_window WHERE res_model = $1 AND domain ~ $2`,
		upd:        `UPDATE ir_act_window SET domain = $1 WHERE id = $2`,
		gateTable:  "ir_act_window",
		gateColumn: "domain",
	},
	{
		// the domain of a relational field filters its comodel
		sel:        `SELECT id, domain FROM ir_model_fields WHERE relation = $1 AND domain ~ $2`,
		upd:        `UPDATE ir_model_fields SET domain = $1 WHERE id = $2`,
		gateTable:  "ir_model_fields",
		gateColumn: "domain",
	},
	{
		sel: `
            SELECT a.id, a.filter_domain
              FROM base_automation a
              JOIN ir_model m ON m.id = a.model_id
             WHERE m.model = $1
               AND a.filter_domain ~ $2`,
		upd:        `UPDATE base_automation SET filter_domain = $1 WHERE id = $2`,
		gateTable:  "base_automation",
		gateColumn: "filter_domain",
	},
	{
		sel: `
            SELECT a.id, a.filter_pre_domain
              FROM base_automation a
              JOIN ir_model m ON m.id = a.model_id
             WHERE m.model = $1
               AND a.filter_pre_domain ~ $2`,
		upd:        `UPDATE base_automation SET filter_pre_domain = $1 WHERE id = $2`,
		gateTable:  "base_automation",
		gateColumn: "filter_pre_domain",
	},
}

// wordMatch builds a POSIX regex matching s as a whole word.
func wordMatch(s string) string {
	return `\y` + regexp.QuoteMeta(s) + `\y`
}

// AdaptDomains rewrites every stored domain evaluated against model after
// field old became new. A nil adapter renames matching leaf paths in
// place; removals pass an adapter replacing the leaf with a TRUE/FALSE
// leaf. The rewrite cascades over inheriting models, skipInherit (or
// SkipAll) excepted.
func (e *Env) AdaptDomains(
	ctx context.Context,
	model, old, new string,
	adapter domains.Adapter,
	skipInherit []string,
) error {
	if err := catalog.ValidateModel(model); err != nil {
		return err
	}
	matchOld := wordMatch(old)

	for _, loc := range domainLocations {
		if loc.gateColumn != "" {
			ok, err := pgutil.ColumnExists(ctx, e.q, loc.gateTable, loc.gateColumn)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		if err := e.adaptDomainsIn(ctx, loc, model, old, new, adapter, matchOld); err != nil {
			return err
		}
	}

	// dashboard actions carry their own domain attribute
	err := e.forEachDashboardAction(ctx, matchOld, []string{model},
		func(dashboardID int64, act *etree.Element) error {
			domain := act.SelectAttrValue("domain", "")
			if domain == "" {
				return nil
			}
			adapted, changed, err := domains.AdaptString(ctx, e, model, old, new, model, domain, adapter)
			if errors.Is(err, domains.ErrInvalidDomain) {
				e.logger.Warn("skipping unparseable dashboard domain",
					zap.Int64("dashboard", dashboardID), zap.String("domain", domain))
				return nil
			}
			if err != nil {
				return err
			}
			if changed {
				act.CreateAttr("domain", adapted)
			}
			return nil
		})
	if err != nil {
		return err
	}

	for _, inh := range e.ForEachInherit(model, skipInherit) {
		if err := e.AdaptDomains(ctx, inh.Model, old, new, adapter, skipInherit); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) adaptDomainsIn(
	ctx context.Context,
	loc domainLocation,
	model, old, new string,
	adapter domains.Adapter,
	matchOld string,
) error {
	rows, err := e.q.QueryContext(ctx, loc.sel, model, matchOld)
	if err != nil {
		return fmt.Errorf("listing domains of %s: %w", model, err)
	}
	type holder struct {
		id     int64
		domain sql.NullString
	}
	var holders []holder
	for rows.Next() {
		var h holder
		if err := rows.Scan(&h.id, &h.domain); err != nil {
			rows.Close()
			return err
		}
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, h := range holders {
		if !h.domain.Valid || h.domain.String == "" {
			continue
		}
		adapted, changed, err := domains.AdaptString(ctx, e, model, old, new, model, h.domain.String, adapter)
		if errors.Is(err, domains.ErrInvalidDomain) {
			e.logger.Warn("skipping unparseable domain",
				zap.Int64("id", h.id), zap.String("domain", h.domain.String))
			continue
		}
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if _, err := e.q.ExecContext(ctx, loc.upd, adapted, h.id); err != nil {
			return fmt.Errorf("updating domain %d: %w", h.id, err)
		}
	}
	return nil
}
