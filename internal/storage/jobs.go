package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/market"
)

const (
	jobColumns = `id, provider, item_key, size, priority, status, retry_count,
        error_message, next_run_at, created_at, started_at, completed_at`

	enqueueJobSQL = `INSERT INTO market_jobs (
        provider, item_key, size, priority, status, next_run_at, created_at
    ) VALUES (
        $1, $2, $3, $4, 'pending', $5, $5
    )
    ON CONFLICT (provider, item_key, size) WHERE status IN ('pending', 'running') DO NOTHING
    RETURNING id;`

	selectPendingJobsSQL = `SELECT ` + jobColumns + `
    FROM market_jobs
    WHERE status = 'pending'
      AND next_run_at <= $1
      AND provider = ANY($2::text[])
    ORDER BY priority DESC, created_at ASC, id ASC
    LIMIT $3;`

	claimJobSQL = `UPDATE market_jobs
    SET status = 'running', started_at = $2, completed_at = NULL
    WHERE id = $1 AND status = 'pending';`

	completeJobSQL = `UPDATE market_jobs
    SET status = $2, error_message = $3, completed_at = $4
    WHERE id = $1 AND status = 'running';`

	recordJobFailureSQL = `UPDATE market_jobs
    SET status        = CASE WHEN retry_count < $2::int THEN 'pending' ELSE 'failed' END,
        retry_count   = CASE WHEN retry_count < $2::int THEN retry_count + 1 ELSE retry_count END,
        next_run_at   = CASE WHEN retry_count < $2::int THEN $3::timestamptz ELSE next_run_at END,
        started_at    = CASE WHEN retry_count < $2::int THEN NULL ELSE started_at END,
        completed_at  = CASE WHEN retry_count < $2::int THEN NULL ELSE $5::timestamptz END,
        error_message = $4
    WHERE id = $1 AND status = 'running'
    RETURNING status;`

	deferJobSQL = `UPDATE market_jobs
    SET status = 'pending', next_run_at = $2, started_at = NULL, error_message = $3
    WHERE id = $1 AND status = 'running';`

	reclaimStaleJobsSQL = `UPDATE market_jobs
    SET status = 'pending', started_at = NULL
    WHERE status = 'running' AND started_at < $1;`

	// Only the newest dead job per identity is revived, and only when the
	// identity has no active job, so the active-job index never conflicts.
	resetFailedJobsSQL = `UPDATE market_jobs
    SET status = 'pending', retry_count = 0, error_message = NULL,
        next_run_at = $1, started_at = NULL, completed_at = NULL
    WHERE id IN (
        SELECT DISTINCT ON (f.provider, f.item_key, f.size) f.id
        FROM market_jobs f
        WHERE f.status = 'failed'
          AND NOT EXISTS (
              SELECT 1 FROM market_jobs a
              WHERE a.provider = f.provider
                AND a.item_key = f.item_key
                AND a.size = f.size
                AND a.status IN ('pending', 'running'))
        ORDER BY f.provider, f.item_key, f.size, f.id DESC)
    RETURNING provider, item_key, size;`

	listJobsSQL = `SELECT ` + jobColumns + `
    FROM market_jobs
    WHERE ($1::text = '' OR status = $1::text)
    ORDER BY created_at DESC, id DESC
    LIMIT $2;`

	countJobsSQL = `SELECT status, COUNT(*) FROM market_jobs GROUP BY status;`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// EnqueueJob inserts a pending job unless the key already has an active job.
func (s *Store) EnqueueJob(ctx context.Context, key market.JobKey, priority int, now time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var id int64
	err = pool.QueryRow(ctx, enqueueJobSQL, string(key.Provider), key.ItemKey, key.Size, priority, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", key, err)
	}
	return true, nil
}

// SelectPendingJobs lists runnable jobs for the given providers.
func (s *Store) SelectPendingJobs(ctx context.Context, now time.Time, limit int, providers []market.Provider) ([]Job, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || len(providers) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p))
	}

	rows, err := pool.Query(ctx, selectPendingJobsSQL, now, names, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimJob moves a pending job to running.
func (s *Store) ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, claimJobSQL, id, now)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob records a terminal outcome for a running job.
func (s *Store) CompleteJob(ctx context.Context, id int64, status JobStatus, message *string, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if status.Active() {
		return fmt.Errorf("complete job %d: %s is not a terminal status", id, status)
	}
	tag, err := pool.Exec(ctx, completeJobSQL, id, string(status), message, now)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordJobFailure retries the job with backoff or marks it failed once retries are spent.
func (s *Store) RecordJobFailure(ctx context.Context, id int64, failure JobFailure) (JobStatus, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var status string
	err = pool.QueryRow(ctx, recordJobFailureSQL,
		id,
		failure.MaxRetries,
		failure.NextRunAt,
		failure.Message,
		failure.Now,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("record job failure %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("record job failure %d: %w", id, err)
	}
	return JobStatus(status), nil
}

// DeferJob returns a running job to pending without consuming a retry.
func (s *Store) DeferJob(ctx context.Context, id int64, until time.Time, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deferJobSQL, id, until, reason)
	if err != nil {
		return fmt.Errorf("defer job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("defer job %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReclaimStaleJobs returns jobs stuck in running since before the cutoff to pending.
func (s *Store) ReclaimStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, reclaimStaleJobsSQL, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetFailedJobs revives dead jobs and returns the identities that were reset.
func (s *Store) ResetFailedJobs(ctx context.Context, now time.Time) ([]market.JobKey, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, resetFailedJobsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("reset failed jobs: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (market.JobKey, error) {
		var provider string
		var key market.JobKey
		if err := row.Scan(&provider, &key.ItemKey, &key.Size); err != nil {
			return market.JobKey{}, err
		}
		key.Provider = market.Provider(provider)
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset failed jobs: %w", err)
	}
	return keys, nil
}

// ListJobs lists jobs newest first. An empty status lists all.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listJobsSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobs counts jobs per status.
func (s *Store) CountJobs(ctx context.Context) (map[JobStatus]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, countJobsSQL)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(status)] = n
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job      Job
		provider string
		status   string
	)
	if err := row.Scan(
		&job.ID,
		&provider,
		&job.Key.ItemKey,
		&job.Key.Size,
		&job.Priority,
		&status,
		&job.RetryCount,
		&job.ErrorMessage,
		&job.NextRunAt,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Key.Provider = market.Provider(provider)
	job.Status = JobStatus(status)
	return job, nil
}
