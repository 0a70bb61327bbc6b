package upgrade

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// DropWorkflow deletes the workflow attached to an osv along with its
// activities, instances, workitems, and triggers.
func (e *Env) DropWorkflow(ctx context.Context, osv string) error {
	hasWkf, err := pgutil.TableExists(ctx, e.q, "wkf")
	if err != nil {
		return err
	}
	if !hasWkf {
		// workflows have been removed in 10.saas~14
		// noop if there is no workflow tables anymore
		return nil
	}
	e.logger.Info("dropping workflow", zap.String("osv", osv))

	// first drop the foreign keys on the workitems, they slow down the
	// process a lot
	for _, stmt := range []string{
		`ALTER TABLE wkf_triggers DROP CONSTRAINT wkf_triggers_workitem_id_fkey`,
		`ALTER TABLE wkf_workitem DROP CONSTRAINT wkf_workitem_act_id_fkey`,
		`ALTER TABLE wkf_workitem DROP CONSTRAINT wkf_workitem_inst_id_fkey`,
		`ALTER TABLE wkf_triggers DROP CONSTRAINT wkf_triggers_instance_id_fkey`,
	} {
		if _, err := e.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dropping workitem constraints: %w", err)
		}
	}

	// if this workflow is used as a subflow, complete workitems running it
	if _, err := e.q.ExecContext(ctx, `
        UPDATE wkf_workitem wi
           SET state = 'complete'
          FROM wkf_instance i JOIN wkf w ON (w.id = i.wkf_id)
         WHERE wi.subflow_id = i.id
           AND w.osv = $1
           AND wi.state = 'running'
    `, osv); err != nil {
		return fmt.Errorf("completing subflow workitems of %s: %w", osv, err)
	}

	if _, err := e.q.ExecContext(ctx, `
        WITH deleted_wkf AS (
            DELETE FROM wkf WHERE osv = $1 RETURNING id
        ),
        deleted_wkf_instance AS (
            DELETE FROM wkf_instance i
                  USING deleted_wkf w
                  WHERE i.wkf_id = w.id
              RETURNING i.id
        ),
        _delete_triggers AS (
            DELETE FROM wkf_triggers t
                  USING deleted_wkf_instance i
                  WHERE t.instance_id = i.id
        ),
        deleted_wkf_activity AS (
            DELETE FROM wkf_activity a
                  USING deleted_wkf w
                  WHERE a.wkf_id = w.id
              RETURNING a.id
        )
        DELETE FROM wkf_workitem wi
              USING deleted_wkf_instance i
              WHERE wi.inst_id = i.id
    `, osv); err != nil {
		return fmt.Errorf("deleting workflow of %s: %w", osv, err)
	}

	for _, stmt := range []string{
		`ALTER TABLE wkf_triggers ADD CONSTRAINT wkf_triggers_workitem_id_fkey
            FOREIGN KEY (workitem_id) REFERENCES wkf_workitem(id)
            ON DELETE CASCADE`,
		`ALTER TABLE wkf_workitem ADD CONSTRAINT wkf_workitem_act_id_fkey
            FOREIGN KEY (act_id) REFERENCES wkf_activity(id)
            ON DELETE CASCADE`,
		`ALTER TABLE wkf_workitem ADD CONSTRAINT wkf_workitem_inst_id_fkey
            FOREIGN KEY (inst_id) REFERENCES wkf_instance(id)
            ON DELETE CASCADE`,
		`ALTER TABLE wkf_triggers ADD CONSTRAINT wkf_triggers_instance_id_fkey
            FOREIGN KEY (instance_id) REFERENCES wkf_instance(id)
            ON DELETE CASCADE`,
	} {
		if _, err := e.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recreating workitem constraints: %w", err)
		}
	}
	return nil
}
