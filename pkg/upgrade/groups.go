package upgrade

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/vauxoo-dev/upgrade-util/pkg/errors"

	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
)

// SplitGroup adds the users holding every group of fromGroups into
// toGroup. Groups are given by external id; unknown source groups are
// skipped with a warning.
func (e *Env) SplitGroup(ctx context.Context, fromGroups []string, toGroup string) error {
	var ids []int64
	for _, g := range fromGroups {
		gid, err := e.Ref(ctx, g)
		if err != nil {
			return err
		}
		if gid == 0 {
			e.logger.Warn("unknown group", zap.String("xmlid", g))
			continue
		}
		ids = append(ids, gid)
	}
	if len(ids) == 0 {
		return nil
	}

	toID, err := e.Ref(ctx, toGroup)
	if err != nil {
		return err
	}
	if toID == 0 {
		return appErrors.NewNotFoundError("group", toGroup)
	}

	query := fmt.Sprintf(`
        INSERT INTO res_groups_users_rel(uid, gid)
             SELECT uid, $1
               FROM res_groups_users_rel
           GROUP BY uid
             HAVING array_agg(gid) @> ARRAY[%s]::integer[]
             EXCEPT
             SELECT uid, gid
               FROM res_groups_users_rel
              WHERE gid = $1
    `, pgutil.Placeholders(2, len(ids)))
	args := append([]interface{}{toID}, int64Args(ids)...)
	if _, err := e.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("splitting groups into %s: %w", toGroup, err)
	}
	return nil
}
