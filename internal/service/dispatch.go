package service

import (
	"context"
	"errors"
	"fmt"

	"marketsync/internal/alerting"
	"marketsync/internal/fetcher"
	"marketsync/internal/market"
	"marketsync/internal/metrics"
	"marketsync/internal/normalize"
	"marketsync/internal/storage"
)

// Outcome is what happened to a dispatched job.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDeferred  Outcome = "deferred"
	// OutcomeLost means another worker claimed the job first.
	OutcomeLost Outcome = "lost"
)

// JobResult describes one dispatch.
type JobResult struct {
	Job       storage.Job
	Outcome   Outcome
	Err       error
	Snapshot  *market.Snapshot
	NewRecord bool
}

// Dispatch claims, fetches, normalises and persists one job. Provider and
// payload failures are recorded on the job and reported in the result; the
// returned error is reserved for storage failures.
func (s *Service) Dispatch(ctx context.Context, job storage.Job) (JobResult, error) {
	res := JobResult{Job: job}
	log := s.logger.With().Int64("job_id", job.ID).Str("job_key", job.Key.String()).Logger()

	claimed, err := s.store.ClaimJob(ctx, job.ID, s.now().UTC())
	if err != nil {
		return res, fmt.Errorf("claim job %d: %w", job.ID, err)
	}
	if !claimed {
		res.Outcome = OutcomeLost
		log.Debug().Msg("job claimed elsewhere")
		return res, nil
	}

	adapter, ok := s.registry.Get(job.Key.Provider)
	if !ok {
		res.Err = fmt.Errorf("no adapter registered for %s", job.Key.Provider)
		return s.fail(ctx, res, 0)
	}

	fetchCtx, cancel := s.fetchContext(ctx)
	raw, err := adapter.Fetch(fetchCtx, job.Key)
	cancel()
	if err != nil {
		res.Err = err
		log.Warn().Err(err).Msg("fetch failed")
		return s.handleFetchError(ctx, res)
	}

	snap, err := normalize.Normalize(raw)
	if err != nil {
		res.Err = err
		var nerr *normalize.NormalizationError
		if errors.As(err, &nerr) {
			log.Warn().Str("field", nerr.Field).Str("fingerprint", nerr.Fingerprint).Msg("payload rejected")
		}
		return s.fail(ctx, res, s.opts.MaxRetries)
	}

	if err := s.store.UpsertLatest(ctx, snap); err != nil {
		return res, s.abandon(ctx, job, fmt.Errorf("upsert latest %s: %w", snap.ItemKey, err))
	}
	inserted, err := s.store.AppendHistory(ctx, snap)
	if err != nil {
		return res, s.abandon(ctx, job, fmt.Errorf("append history %s: %w", snap.ItemKey, err))
	}
	if inserted {
		metrics.HistoryRowsAppended.WithLabelValues("inserted").Inc()
	} else {
		metrics.HistoryRowsAppended.WithLabelValues("duplicate").Inc()
	}
	if s.cache != nil {
		s.cache.Invalidate(snap.SKU, snap.Size)
	}

	now := s.now().UTC()
	if err := s.store.MarkSynced(ctx, job.Key, now); err != nil {
		return res, fmt.Errorf("mark synced %s: %w", job.Key, err)
	}
	if err := s.store.CompleteJob(ctx, job.ID, storage.JobSucceeded, nil, now); err != nil {
		return res, fmt.Errorf("complete job %d: %w", job.ID, err)
	}

	res.Outcome = OutcomeSucceeded
	res.Snapshot = &snap
	res.NewRecord = inserted
	s.record(res)
	log.Debug().Str("item_key", snap.ItemKey).Bool("history_appended", inserted).Msg("job succeeded")
	return res, nil
}

func (s *Service) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.FetchTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.FetchTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) handleFetchError(ctx context.Context, res JobResult) (JobResult, error) {
	job := res.Job
	switch fetcher.Classify(res.Err) {
	case fetcher.ErrRateLimited:
		if err := s.ledger.Exhaust(ctx, job.Key.Provider); err != nil {
			return res, err
		}
		until := s.ledger.NextWindow()
		var perr *fetcher.ProviderError
		if errors.As(res.Err, &perr) && perr.RetryAfter > 0 {
			if after := s.now().UTC().Add(perr.RetryAfter); after.After(until) {
				until = after
			}
		}
		if err := s.store.DeferJob(ctx, job.ID, until, res.Err.Error()); err != nil {
			return res, fmt.Errorf("defer job %d: %w", job.ID, err)
		}
		res.Outcome = OutcomeDeferred
		s.record(res)
		return res, nil

	case fetcher.ErrAuthFailed:
		s.notify(ctx, alerting.KindAuthFailure, job, res.Err.Error())
		return s.fail(ctx, res, 0)

	case fetcher.ErrNotFound:
		msg := res.Err.Error()
		now := s.now().UTC()
		if err := s.store.CompleteJob(ctx, job.ID, storage.JobSkipped, &msg, now); err != nil {
			return res, fmt.Errorf("skip job %d: %w", job.ID, err)
		}
		if err := s.store.MarkNotFound(ctx, job.Key); err != nil {
			return res, fmt.Errorf("mark not found %s: %w", job.Key, err)
		}
		res.Outcome = OutcomeSkipped
		s.record(res)
		return res, nil

	default:
		return s.fail(ctx, res, s.opts.MaxRetries)
	}
}

// fail records a retryable failure, escalating when maxRetries is spent.
func (s *Service) fail(ctx context.Context, res JobResult, maxRetries int) (JobResult, error) {
	job := res.Job
	now := s.now().UTC()
	status, err := s.store.RecordJobFailure(ctx, job.ID, storage.JobFailure{
		MaxRetries: maxRetries,
		NextRunAt:  now.Add(s.Backoff(job.RetryCount + 1)),
		Message:    res.Err.Error(),
		Now:        now,
	})
	if err != nil {
		return res, fmt.Errorf("record failure for job %d: %w", job.ID, err)
	}

	if status != storage.JobFailed {
		res.Outcome = OutcomeRetrying
		s.record(res)
		return res, nil
	}

	res.Outcome = OutcomeFailed
	s.record(res)
	if err := s.store.SetTrackedPaused(ctx, job.Key, true); err != nil {
		return res, fmt.Errorf("pause %s: %w", job.Key, err)
	}
	if maxRetries > 0 {
		s.notify(ctx, alerting.KindDeadJob, job, res.Err.Error())
	}
	s.logger.Error().Err(res.Err).Int64("job_id", job.ID).Str("job_key", job.Key.String()).Msg("job failed permanently")
	return res, nil
}

// abandon returns a job to the retry path after a write failure. The write
// error is what the caller sees; the bookkeeping error is logged.
func (s *Service) abandon(ctx context.Context, job storage.Job, cause error) error {
	now := s.now().UTC()
	_, err := s.store.RecordJobFailure(ctx, job.ID, storage.JobFailure{
		MaxRetries: s.opts.MaxRetries,
		NextRunAt:  now.Add(s.Backoff(job.RetryCount + 1)),
		Message:    cause.Error(),
		Now:        now,
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("could not release job after write failure")
	}
	return cause
}

func (s *Service) notify(ctx context.Context, kind alerting.Kind, job storage.Job, msg string) {
	err := s.notifier.Notify(ctx, alerting.Notification{
		Kind:       kind,
		Provider:   job.Key.Provider,
		Key:        job.Key,
		JobID:      job.ID,
		Message:    msg,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("notification failed")
	}
}

func (s *Service) record(res JobResult) {
	metrics.JobOutcomes.WithLabelValues(res.Job.Key.Provider.String(), string(res.Outcome)).Inc()
}
