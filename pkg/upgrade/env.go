// Package upgrade is the library of migration helpers for moving a
// database between server series: renaming, merging and removing modules,
// models and fields; converting field storage; rewriting the stored
// expressions and references that keep pointing at the old names. Every
// helper emits plain SQL against the instance metadata tables and is meant
// to run inside the single transaction of a migration script.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/pkg/catalog"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
	"github.com/vauxoo-dev/upgrade-util/pkg/report"
)

// Env carries the shared state of one migration run: the connection, the
// target series, the report collector, and the memos helpers consult to
// coordinate (renamed fields, inheritance edges, relation metadata).
type Env struct {
	db     *sql.DB
	q      pgutil.Queryer
	ver    Version
	logger *zap.Logger
	rep    *report.Collector

	mu            sync.Mutex
	renamedFields map[string]map[string]string // model -> old name -> new ("" = removed)
	relations     map[string]string            // "model.field" -> comodel ("" = none)
	inherits      map[string][]Inheritance
	refCols       map[string]map[string]bool // reference-catalog tables -> existing columns
	unknownModel  int64
	uuid          string
}

// Options tunes NewEnv. Zero values mean: resolve the version from the
// database, no logging, fresh collector.
type Options struct {
	Version string
	Logger  *zap.Logger
	Report  *report.Collector
}

// NewEnv binds an environment to an open database. The target series is
// taken from Options.Version or, failing that, from the base module.
func NewEnv(ctx context.Context, db *sql.DB, opts Options) (*Env, error) {
	e := &Env{
		db:            db,
		q:             db,
		logger:        opts.Logger,
		rep:           opts.Report,
		renamedFields: map[string]map[string]string{},
		relations:     map[string]string{},
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.rep == nil {
		e.rep = report.NewCollector(e.logger)
	}

	raw := opts.Version
	if raw == "" {
		err := db.QueryRowContext(ctx,
			`SELECT latest_version FROM ir_module_module WHERE name = 'base'`,
		).Scan(&raw)
		if err != nil {
			return nil, fmt.Errorf("resolving server series: %w", err)
		}
	}
	ver, err := ParseVersion(raw)
	if err != nil {
		return nil, err
	}
	e.ver = ver

	if err := e.loadInherits(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// WithQueryer returns a copy of the environment bound to q, usually a
// transaction. Memos and the report stay shared.
func (e *Env) WithQueryer(q pgutil.Queryer) *Env {
	clone := &Env{
		db:            e.db,
		q:             q,
		ver:           e.ver,
		logger:        e.logger,
		rep:           e.rep,
		renamedFields: e.renamedFields,
		relations:     e.relations,
		inherits:      e.inherits,
		refCols:       e.refCols,
		unknownModel:  e.unknownModel,
		uuid:          e.uuid,
	}
	return clone
}

// DB exposes the connection pool, needed by helpers that fan statements
// out over multiple connections.
func (e *Env) DB() *sql.DB { return e.db }

// Queryer returns the ambient queryer.
func (e *Env) Queryer() pgutil.Queryer { return e.q }

// Report returns the run's report collector.
func (e *Env) Report() *report.Collector { return e.rep }

// Logger returns the run's logger.
func (e *Env) Logger() *zap.Logger { return e.logger }

// Version returns the target series.
func (e *Env) Version() Version { return e.ver }

// VersionGTE reports whether the target series is at least the given one.
func (e *Env) VersionGTE(s string) bool {
	return e.ver.GTE(MustVersion(s))
}

// FieldXMLID renders the external id of a field record under the naming
// convention of the target series.
func (e *Env) FieldXMLID(model, field string) string {
	return catalog.FieldXMLID(model, field, e.VersionGTE("saas~11.2"))
}

func (e *Env) fieldXMLIDPrefix(model string) string {
	return catalog.FieldXMLIDPrefix(model, e.VersionGTE("saas~11.2"))
}

// DBUUID returns the installation identifier, preferring the origin uuid
// kept across duplications.
func (e *Env) DBUUID(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.uuid != "" {
		return e.uuid, nil
	}
	err := e.q.QueryRowContext(ctx, `
        SELECT value
          FROM ir_config_parameter
         WHERE key IN ('database.uuid', 'origin.database.uuid')
      ORDER BY key DESC
         LIMIT 1
    `).Scan(&e.uuid)
	if err != nil {
		return "", fmt.Errorf("reading database uuid: %w", err)
	}
	return e.uuid, nil
}

// IsSaaS reports whether the installation carries saas_* modules.
func (e *Env) IsSaaS(ctx context.Context) (bool, error) {
	var yes bool
	err := e.q.QueryRowContext(ctx,
		`SELECT true FROM ir_module_module WHERE name LIKE 'saas_%' AND state = 'installed'`,
	).Scan(&yes)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return yes, nil
}

// Callback is a dbuuid-gated script body.
type Callback func(ctx context.Context, e *Env) error

// DispatchByDBUUID runs the callback registered for this installation, if
// any. Lets a shared migration script carry fixes for one known database.
func (e *Env) DispatchByDBUUID(ctx context.Context, callbacks map[string]Callback) error {
	uuid, err := e.DBUUID(ctx)
	if err != nil {
		return err
	}
	fn, ok := callbacks[uuid]
	if !ok {
		return nil
	}
	e.logger.Info("calling dbuuid-specific function", zap.String("dbuuid", uuid))
	return fn(ctx, e)
}

// noteFieldRenamed memoizes a rename so later helpers (dashboard cleanup,
// domain adaption) translate stale references instead of dropping them.
func (e *Env) noteFieldRenamed(model, old, to string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.renamedFields[model] == nil {
		e.renamedFields[model] = map[string]string{}
	}
	e.renamedFields[model][old] = to
}

// fieldRename reports what happened to model.field during this run:
// renamed (newName, true), removed ("", true), or untouched ("", false).
func (e *Env) fieldRename(model, field string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	to, ok := e.renamedFields[model][field]
	return to, ok
}

// RelationOf resolves the comodel of model.field through ir_model_fields,
// with memoization. Implements domains.Resolver.
func (e *Env) RelationOf(ctx context.Context, model, field string) (string, error) {
	key := model + "." + field
	e.mu.Lock()
	if rel, ok := e.relations[key]; ok {
		e.mu.Unlock()
		return rel, nil
	}
	e.mu.Unlock()

	var rel sql.NullString
	err := e.q.QueryRowContext(ctx, `
        SELECT relation
          FROM ir_model_fields
         WHERE model = $1
           AND name = $2
    `, model, field).Scan(&rel)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolving relation of %s.%s: %w", model, field, err)
	}

	e.mu.Lock()
	e.relations[key] = rel.String
	e.mu.Unlock()
	return rel.String, nil
}
