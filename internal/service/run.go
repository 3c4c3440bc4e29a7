package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"marketsync/internal/alerting"
	"marketsync/internal/market"
	"marketsync/internal/metrics"
	"marketsync/internal/storage"
	"marketsync/internal/tier"
)

// RunOptions override per-run behaviour.
type RunOptions struct {
	BatchSize int
	DryRun    bool
}

// RunReport summarises one scheduler run.
type RunReport struct {
	RunID      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	Eligible  int
	Enqueued  int
	Reclaimed int
	Selected  int
	Succeeded int
	Retrying  int
	Failed    int
	Skipped   int
	Deferred  int
	Lost      int

	// Planned lists the tracked keys a dry run would enqueue.
	Planned []market.JobKey
	Results []JobResult
}

// Errors counts jobs that ended the run in a failure state.
func (r RunReport) Errors() int {
	return r.Retrying + r.Failed
}

// RunOnce performs one scheduling pass: sweep, classify, select, reserve, dispatch.
func (s *Service) RunOnce(ctx context.Context, opts RunOptions) (RunReport, error) {
	start := s.now().UTC()
	report := RunReport{DryRun: opts.DryRun, StartedAt: start}

	unlock, acquired, err := s.acquireLock(ctx)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	if !acquired {
		metrics.RunsTotal.WithLabelValues("locked").Inc()
		s.logger.Info().Msg("another run holds the scheduler lock, skipping")
		return report, ErrRunInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.opts.BatchSize
	}

	if opts.DryRun {
		err := s.plan(ctx, start, batch, &report)
		s.finish(&report, start)
		metrics.RunsTotal.WithLabelValues("dry_run").Inc()
		return report, err
	}

	report.RunID = s.newID()
	if err := s.store.StartRun(ctx, storage.Run{ID: report.RunID, StartedAt: start}); err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return report, fmt.Errorf("start run: %w", err)
	}

	runErr := s.execute(ctx, start, batch, &report)
	s.finish(&report, start)

	run := storage.Run{
		ID:         report.RunID,
		StartedAt:  start,
		FinishedAt: &report.FinishedAt,
		Eligible:   report.Eligible,
		Enqueued:   report.Enqueued,
		Selected:   report.Selected,
		Succeeded:  report.Succeeded,
		Failed:     report.Errors(),
		Skipped:    report.Skipped,
		Deferred:   report.Deferred,
		Reclaimed:  report.Reclaimed,
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	if err := s.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("finish run: %w", err))
	}

	if runErr != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		_ = s.notifier.Notify(ctx, alerting.Notification{
			Kind:       alerting.KindRunFailed,
			RunID:      report.RunID,
			Message:    runErr.Error(),
			OccurredAt: report.FinishedAt,
		})
		s.logger.Error().Err(runErr).Str("run_id", report.RunID).Msg("run failed")
		return report, runErr
	}

	metrics.RunsTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str("run_id", report.RunID).
		Int("eligible", report.Eligible).
		Int("enqueued", report.Enqueued).
		Int("selected", report.Selected).
		Int("succeeded", report.Succeeded).
		Int("errors", report.Errors()).
		Int("skipped", report.Skipped).
		Int("deferred", report.Deferred).
		Dur("duration", report.Duration).
		Msg("run complete")
	return report, nil
}

func (s *Service) finish(report *RunReport, start time.Time) {
	report.FinishedAt = s.now().UTC()
	report.Duration = report.FinishedAt.Sub(start)
	metrics.RunDuration.Observe(report.Duration.Seconds())
}

func (s *Service) execute(ctx context.Context, now time.Time, batch int, report *RunReport) error {
	reclaimed, err := s.store.ReclaimStaleJobs(ctx, now.Add(-s.opts.StaleAfter))
	if err != nil {
		return fmt.Errorf("reclaim stale jobs: %w", err)
	}
	report.Reclaimed = int(reclaimed)
	if reclaimed > 0 {
		metrics.JobsReclaimed.Add(float64(reclaimed))
		s.logger.Warn().Int64("reclaimed", reclaimed).Msg("stale running jobs returned to pending")
	}

	eligible, err := s.eligible(ctx, now)
	if err != nil {
		return err
	}
	report.Eligible = len(eligible)
	for _, item := range eligible {
		created, err := s.store.EnqueueJob(ctx, item.Key, item.Tier.Priority(), now)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", item.Key, err)
		}
		if created {
			report.Enqueued++
		}
	}

	jobs, err := s.selectable(ctx, now, batch)
	if err != nil {
		return err
	}
	report.Selected = len(jobs)

	reserved, budgetErr := s.reserve(ctx, jobs, report)
	results, dispatchErr := s.dispatchAll(ctx, reserved)
	report.Results = results
	for _, res := range results {
		switch res.Outcome {
		case OutcomeSucceeded:
			report.Succeeded++
		case OutcomeRetrying:
			report.Retrying++
		case OutcomeFailed:
			report.Failed++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeDeferred:
			report.Deferred++
		case OutcomeLost:
			report.Lost++
		}
	}
	return errors.Join(budgetErr, dispatchErr)
}

func (s *Service) eligible(ctx context.Context, now time.Time) ([]storage.TrackedItem, error) {
	tracked, err := s.store.ListTracked(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked: %w", err)
	}
	return tier.EligibleKeys(now, tracked), nil
}

func (s *Service) selectable(ctx context.Context, now time.Time, batch int) ([]storage.Job, error) {
	providers, err := s.ledger.Available(ctx, s.registry.Providers())
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, nil
	}
	jobs, err := s.store.SelectPendingJobs(ctx, now, batch, providers)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	return jobs, nil
}

// reserve takes one budget unit per job in selection order. Jobs that do not
// fit stay pending and count as deferred.
func (s *Service) reserve(ctx context.Context, jobs []storage.Job, report *RunReport) ([]storage.Job, error) {
	reserved := make([]storage.Job, 0, len(jobs))
	spent := make(map[market.Provider]bool)
	for _, job := range jobs {
		p := job.Key.Provider
		if spent[p] {
			report.Deferred++
			continue
		}
		ok, err := s.ledger.TryReserve(ctx, p, 1)
		if err != nil {
			return reserved, err
		}
		if !ok {
			spent[p] = true
			report.Deferred++
			continue
		}
		reserved = append(reserved, job)
	}
	return reserved, nil
}

// dispatchAll runs reserved jobs on a bounded worker pool. In-flight jobs are
// not cancelled when ctx ends so their outcome is always recorded.
func (s *Service) dispatchAll(ctx context.Context, jobs []storage.Job) ([]JobResult, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	workCtx := context.WithoutCancel(ctx)

	type outcome struct {
		res JobResult
		err error
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(s.opts.Workers)
	for _, job := range jobs {
		p.Go(func() outcome {
			res, err := s.Dispatch(workCtx, job)
			return outcome{res: res, err: err}
		})
	}

	var (
		results []JobResult
		errs    []error
	)
	for _, o := range p.Wait() {
		results = append(results, o.res)
		if o.err != nil {
			errs = append(errs, o.err)
		}
	}
	return results, errors.Join(errs...)
}

// plan reports what a run would do without writing anything.
func (s *Service) plan(ctx context.Context, now time.Time, batch int, report *RunReport) error {
	eligible, err := s.eligible(ctx, now)
	if err != nil {
		return err
	}
	report.Eligible = len(eligible)
	for _, item := range eligible {
		report.Planned = append(report.Planned, item.Key)
	}

	jobs, err := s.selectable(ctx, now, batch)
	if err != nil {
		return err
	}
	report.Selected = len(jobs)
	return nil
}
