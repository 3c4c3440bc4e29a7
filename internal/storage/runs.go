package storage

import (
	"context"
	"fmt"
)

const (
	runColumns = `id::text, started_at, finished_at, dry_run, eligible, enqueued, selected,
        succeeded, failed, skipped, deferred, reclaimed, error`

	startRunSQL = `INSERT INTO sync_runs (id, started_at, dry_run)
    VALUES ($1::uuid, $2, $3);`

	finishRunSQL = `UPDATE sync_runs
    SET finished_at = $2,
        eligible    = $3,
        enqueued    = $4,
        selected    = $5,
        succeeded   = $6,
        failed      = $7,
        skipped     = $8,
        deferred    = $9,
        reclaimed   = $10,
        error       = $11
    WHERE id = $1::uuid;`

	listRecentRunsSQL = `SELECT ` + runColumns + `
    FROM sync_runs
    ORDER BY started_at DESC
    LIMIT $1;`
)

// StartRun inserts the run record.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, startRunSQL, run.ID, run.StartedAt, run.DryRun); err != nil {
		return fmt.Errorf("start run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the run's counters and completion time.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, finishRunSQL,
		run.ID,
		run.FinishedAt,
		run.Eligible,
		run.Enqueued,
		run.Selected,
		run.Succeeded,
		run.Failed,
		run.Skipped,
		run.Deferred,
		run.Reclaimed,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// ListRecentRuns lists runs newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.DryRun,
			&run.Eligible,
			&run.Enqueued,
			&run.Selected,
			&run.Succeeded,
			&run.Failed,
			&run.Skipped,
			&run.Deferred,
			&run.Reclaimed,
			&run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}
