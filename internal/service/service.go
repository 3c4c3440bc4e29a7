package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marketsync/internal/alerting"
	"marketsync/internal/budget"
	"marketsync/internal/config"
	"marketsync/internal/fetcher"
	"marketsync/internal/market"
	"marketsync/internal/storage"
)

// ErrRunInProgress is returned when another run holds the advisory lock.
var ErrRunInProgress = errors.New("service: run already in progress")

// Store is the persistence the engine drives.
type Store interface {
	storage.JobStore
	storage.TrackedStore
	storage.PriceStore
	storage.RunStore
}

// Invalidator drops cached reads for a variant after a write.
type Invalidator interface {
	Invalidate(sku, size string)
}

// Options tune job handling.
type Options struct {
	BatchSize    int
	Workers      int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	StaleAfter   time.Duration
	FetchTimeout time.Duration
	LockKey      int64
}

// OptionsFromConfig maps scheduler settings onto Options.
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		BatchSize:    cfg.BatchSize,
		Workers:      cfg.Workers,
		MaxRetries:   cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		StaleAfter:   cfg.StaleAfter,
		FetchTimeout: cfg.FetchTimeout,
		LockKey:      cfg.AdvisoryLockKey,
	}
}

// Service orchestrates classification, budgeting, fetching and persistence.
type Service struct {
	store    Store
	ledger   *budget.Ledger
	registry *fetcher.Registry
	notifier alerting.Notifier
	cache    Invalidator
	locker   storage.AdvisoryLocker
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// New constructs the sync engine.
func New(opts Options, store Store, ledger *budget.Ledger, registry *fetcher.Registry, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Minute
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if notifier == nil {
		notifier = alerting.NewLogNotifier(logger)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		store:    store,
		ledger:   ledger,
		registry: registry,
		notifier: notifier,
		locker:   locker,
		opts:     opts,
		logger:   logger.With().Str("component", "service").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithCache registers a read cache to invalidate on every price write.
func (s *Service) WithCache(cache Invalidator) *Service {
	s.cache = cache
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Enqueue inserts a pending job unless one is already active for key.
func (s *Service) Enqueue(ctx context.Context, key market.JobKey, priority int) (bool, error) {
	key.Size = market.NormalizeSize(key.Size)
	if err := key.Validate(); err != nil {
		return false, err
	}
	created, err := s.store.EnqueueJob(ctx, key, priority, s.now().UTC())
	if err != nil {
		return false, err
	}
	s.logger.Debug().Str("job_key", key.String()).Int("priority", priority).Bool("created", created).Msg("enqueue")
	return created, nil
}

// Track adds key to the tracked set at the given tier.
func (s *Service) Track(ctx context.Context, key market.JobKey, tier market.Tier) error {
	key.Size = market.NormalizeSize(key.Size)
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := market.ParseTier(string(tier)); err != nil {
		return err
	}
	return s.store.UpsertTracked(ctx, storage.TrackedItem{Key: key, Tier: tier})
}

// ResetFailed revives dead jobs and resumes their tracked items.
func (s *Service) ResetFailed(ctx context.Context) (int, error) {
	keys, err := s.store.ResetFailedJobs(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	for _, key := range keys {
		if err := s.store.SetTrackedPaused(ctx, key, false); err != nil {
			return len(keys), fmt.Errorf("resume %s: %w", key, err)
		}
	}
	s.logger.Info().Int("reset", len(keys)).Msg("failed jobs reset to pending")
	return len(keys), nil
}

// Backoff is the delay before retry n (1-based): base·2^(n-1), capped.
func (s *Service) Backoff(n int) time.Duration {
	return backoff(s.opts.BackoffBase, s.opts.BackoffMax, n)
}

func backoff(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
