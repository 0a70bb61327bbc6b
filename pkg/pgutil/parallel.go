package pgutil

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ParallelFilterToken marks the spot in a query where ExplodeQueryRange
// injects its id-range condition.
const ParallelFilterToken = "{parallel_filter}"

// ExplodeQueryRange splits a query over id buckets of table so the pieces
// can run concurrently. The query must contain ParallelFilterToken inside
// its WHERE clause. An empty table yields no queries.
func ExplodeQueryRange(ctx context.Context, q Queryer, query, table, alias string, bucketSize int64) ([]string, error) {
	if !strings.Contains(query, ParallelFilterToken) {
		return nil, fmt.Errorf("query has no %s placeholder", ParallelFilterToken)
	}
	if alias == "" {
		alias = table
	}
	if bucketSize <= 0 {
		bucketSize = 10000
	}

	var minID, maxID sql.NullInt64
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT min(id), max(id) FROM %s", QuoteIdent(table))).Scan(&minID, &maxID)
	if err != nil {
		return nil, fmt.Errorf("sizing %s for explosion: %w", table, err)
	}
	if !minID.Valid {
		return nil, nil
	}

	if maxID.Int64-minID.Int64+1 <= bucketSize {
		filter := fmt.Sprintf("%s.id IS NOT NULL", QuoteIdent(alias))
		return []string{strings.ReplaceAll(query, ParallelFilterToken, filter)}, nil
	}

	var queries []string
	for lower := minID.Int64; lower <= maxID.Int64; lower += bucketSize {
		upper := lower + bucketSize - 1
		filter := fmt.Sprintf("%s.id BETWEEN %d AND %d", QuoteIdent(alias), lower, upper)
		queries = append(queries, strings.ReplaceAll(query, ParallelFilterToken, filter))
	}
	return queries, nil
}

// ParallelExecute runs the queries concurrently and returns the total
// number of affected rows. Statements must be independent; they run on
// separate connections, so they must not rely on transaction-local state.
func ParallelExecute(ctx context.Context, db *sql.DB, queries []string) (int64, error) {
	if len(queries) == 0 {
		return 0, nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	if workers > len(queries) {
		workers = len(queries)
	}

	var affected int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, query := range queries {
		query := query
		g.Go(func() error {
			res, err := db.ExecContext(ctx, query)
			if err != nil {
				return fmt.Errorf("parallel query failed: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				atomic.AddInt64(&affected, n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return affected, nil
}
