package upgrade

import (
	"context"
	"fmt"

	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// Inheritance is one edge of the model inheritance graph: Model inherits
// from the parent it is registered under. Via is set for delegation
// inheritance (the m2o field holding the parent record). Born and Dead
// bound the series where the edge exists; zero values mean always.
type Inheritance struct {
	Model string
	Via   string
	Born  Version
	Dead  Version
}

func (i Inheritance) aliveIn(v Version) bool {
	if !i.Born.IsZero() && v.LT(i.Born) {
		return false
	}
	if !i.Dead.IsZero() && !v.LT(i.Dead) {
		return false
	}
	return true
}

// SkipAll as sole element of a skipInherit argument disables the cascade
// entirely; callers use it when they drive the recursion themselves.
const SkipAll = "*"

func skipsAll(skip []string) bool {
	return len(skip) == 1 && skip[0] == SkipAll
}

// delegationSeed lists the stable core delegation pairs. Installations
// extend the graph with RegisterInherit for their custom delegations.
var delegationSeed = map[string][]Inheritance{
	"res.partner": {
		{Model: "res.users", Via: "partner_id"},
	},
	"product.template": {
		{Model: "product.product", Via: "product_tmpl_id"},
	},
	"mail.alias": {
		{Model: "mail.channel", Via: "alias_id", Born: MustVersion("9.0")},
		{Model: "crm.team", Via: "alias_id", Born: MustVersion("9.0")},
		{Model: "project.project", Via: "alias_id"},
	},
}

// mixinMarkers detects prototype-inheritance children from the fields the
// mixin contributes: any model carrying the marker field inherits the
// mixin.
var mixinMarkers = []struct {
	mixin    string
	field    string
	relation string
}{
	{"mail.thread", "message_ids", "mail.message"},
	{"mail.activity.mixin", "activity_ids", "mail.activity"},
	{"portal.mixin", "access_url", ""},
	{"image.mixin", "image_1920", ""},
	{"website.seo.metadata", "website_meta_title", ""},
}

// loadInherits builds the inheritance graph: the static delegation seed,
// the ir_model_inherit table when the series has it, and marker-field
// detection for the common mixins.
func (e *Env) loadInherits(ctx context.Context) error {
	graph := map[string][]Inheritance{}
	for parent, children := range delegationSeed {
		graph[parent] = append(graph[parent], children...)
	}

	hasTable, err := pgutil.TableExists(ctx, e.q, "ir_model_inherit")
	if err != nil {
		return err
	}
	if hasTable {
		rows, err := e.q.QueryContext(ctx, `
            SELECT p.model, m.model
              FROM ir_model_inherit i
              JOIN ir_model m ON m.id = i.model_id
              JOIN ir_model p ON p.id = i.parent_id
        `)
		if err != nil {
			return fmt.Errorf("loading inheritance table: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var parent, child string
			if err := rows.Scan(&parent, &child); err != nil {
				return err
			}
			graph[parent] = appendInherit(graph[parent], Inheritance{Model: child})
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}

	for _, marker := range mixinMarkers {
		query := `SELECT model FROM ir_model_fields WHERE name = $1`
		args := []interface{}{marker.field}
		if marker.relation != "" {
			query += ` AND relation = $2`
			args = append(args, marker.relation)
		}
		rows, err := e.q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("detecting %s children: %w", marker.mixin, err)
		}
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return err
			}
			if child != marker.mixin {
				graph[marker.mixin] = appendInherit(graph[marker.mixin], Inheritance{Model: child})
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}

	e.mu.Lock()
	e.inherits = graph
	e.mu.Unlock()
	return nil
}

func appendInherit(list []Inheritance, inh Inheritance) []Inheritance {
	for _, cur := range list {
		if cur.Model == inh.Model {
			return list
		}
	}
	return append(list, inh)
}

// RegisterInherit declares an extra inheritance edge, typically from a
// customization the static graph cannot know about.
func (e *Env) RegisterInherit(parent string, inh Inheritance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inherits == nil {
		e.inherits = map[string][]Inheritance{}
	}
	e.inherits[parent] = appendInherit(e.inherits[parent], inh)
}

// ForEachInherit returns the models inheriting from model in the target
// series, honoring the skip list.
func (e *Env) ForEachInherit(model string, skipInherit []string) []Inheritance {
	if skipsAll(skipInherit) {
		return nil
	}
	skip := map[string]bool{}
	for _, s := range skipInherit {
		skip[s] = true
	}
	e.mu.Lock()
	children := e.inherits[model]
	e.mu.Unlock()

	var out []Inheritance
	for _, inh := range children {
		if skip[inh.Model] || !inh.aliveIn(e.ver) {
			continue
		}
		out = append(out, inh)
	}
	return out
}
