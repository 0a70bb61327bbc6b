package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// forEachDashboardAction runs fn on every <action> node of the custom
// dashboards whose arch matches archMatch (a POSIX regex). With a models
// filter, only actions whose window action targets one of those models are
// visited. Each matched arch is written back after its walk, so fn can
// mutate the node in place.
func (e *Env) forEachDashboardAction(
	ctx context.Context,
	archMatch string,
	models []string,
	fn func(dashboardID int64, act *etree.Element) error,
) error {
	rows, err := e.q.QueryContext(ctx,
		`SELECT id, arch FROM ir_ui_view_custom WHERE arch ~ $1`, archMatch)
	if err != nil {
		return fmt.Errorf("listing dashboards: %w", err)
	}
	type dashboard struct {
		id   int64
		arch string
	}
	var dashboards []dashboard
	for rows.Next() {
		var d dashboard
		if err := rows.Scan(&d.id, &d.arch); err != nil {
			rows.Close()
			return err
		}
		dashboards = append(dashboards, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	modelSet := map[string]bool{}
	for _, m := range models {
		modelSet[m] = true
	}

	for _, d := range dashboards {
		doc := etree.NewDocument()
		// keep apostrophes literal, the archs are full of python dicts
		doc.WriteSettings.CanonicalAttrVal = true
		if err := doc.ReadFromString(d.arch); err != nil {
			return fmt.Errorf("parsing dashboard %d: %w", d.id, err)
		}
		for _, act := range doc.FindElements("//action") {
			if len(modelSet) > 0 {
				// the name attribute holds the window action id
				actID, err := strconv.ParseInt(act.SelectAttrValue("name", ""), 10, 64)
				if err != nil {
					continue
				}
				var resModel string
				err = e.q.QueryRowContext(ctx,
					`SELECT res_model FROM ir_act_window WHERE id = $1`, actID,
				).Scan(&resModel)
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				if err != nil {
					return fmt.Errorf("resolving dashboard action %d: %w", actID, err)
				}
				if !modelSet[resModel] {
					continue
				}
			}
			if err := fn(d.id, act); err != nil {
				return err
			}
		}
		arch, err := doc.WriteToString()
		if err != nil {
			return fmt.Errorf("serializing dashboard %d: %w", d.id, err)
		}
		if _, err := e.q.ExecContext(ctx,
			`UPDATE ir_ui_view_custom SET arch = $1 WHERE id = $2`, arch, d.id,
		); err != nil {
			return fmt.Errorf("saving dashboard %d: %w", d.id, err)
		}
	}
	return nil
}
