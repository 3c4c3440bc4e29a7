package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"marketsync/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = errors.New("storage: not found")
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// JobStore persists the sync job queue.
type JobStore interface {
	// EnqueueJob inserts a pending job unless an active one exists for the key.
	EnqueueJob(ctx context.Context, key market.JobKey, priority int, now time.Time) (bool, error)
	SelectPendingJobs(ctx context.Context, now time.Time, limit int, providers []market.Provider) ([]Job, error)
	// ClaimJob moves a job from pending to running. False means another worker won.
	ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id int64, status JobStatus, message *string, now time.Time) error
	RecordJobFailure(ctx context.Context, id int64, failure JobFailure) (JobStatus, error)
	DeferJob(ctx context.Context, id int64, until time.Time, reason string) error
	ReclaimStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error)
	ResetFailedJobs(ctx context.Context, now time.Time) ([]market.JobKey, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error)
	CountJobs(ctx context.Context) (map[JobStatus]int64, error)
}

// BudgetStore persists hourly provider quotas.
type BudgetStore interface {
	// ReserveBudget atomically adds n units unless that would exceed limit.
	ReserveBudget(ctx context.Context, provider market.Provider, window time.Time, limit, n int) (bool, error)
	GetBudget(ctx context.Context, provider market.Provider, window time.Time) (Budget, error)
	ExhaustBudget(ctx context.Context, provider market.Provider, window time.Time, limit int) error
}

// PriceStore persists latest snapshots and the append-only history.
type PriceStore interface {
	UpsertLatest(ctx context.Context, snap market.Snapshot) error
	// AppendHistory returns false when the natural key already exists.
	AppendHistory(ctx context.Context, snap market.Snapshot) (bool, error)
	GetLatest(ctx context.Context, itemKey, currency string) (market.Snapshot, error)
	ListLatestByVariant(ctx context.Context, sku, size, currency string) ([]market.Snapshot, error)
	ListRecentLatest(ctx context.Context, limit int) ([]market.Snapshot, error)
	ListHistory(ctx context.Context, itemKey, currency string, from, to time.Time) ([]HistoryRecord, error)
}

// TrackedStore persists the set of items the tier classifier watches.
type TrackedStore interface {
	UpsertTracked(ctx context.Context, item TrackedItem) error
	ListTracked(ctx context.Context) ([]TrackedItem, error)
	MarkSynced(ctx context.Context, key market.JobKey, at time.Time) error
	MarkNotFound(ctx context.Context, key market.JobKey) error
	SetTrackedPaused(ctx context.Context, key market.JobKey, paused bool) error
}

// RunStore persists scheduler run records.
type RunStore interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	ListRecentRuns(ctx context.Context, limit int) ([]Run, error)
}

// WebhookStore persists inbound events and the listings they mutate.
type WebhookStore interface {
	// RecordWebhookEvent returns false when the event was already stored.
	RecordWebhookEvent(ctx context.Context, event WebhookEvent) (bool, error)
	// ApplyListingUpdate returns false when no such listing exists.
	ApplyListingUpdate(ctx context.Context, update ListingUpdate) (bool, error)
	UpsertListing(ctx context.Context, listing Listing) error
	GetListing(ctx context.Context, provider market.Provider, listingID string) (Listing, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the application needs from persistence.
type Repository interface {
	JobStore
	BudgetStore
	PriceStore
	TrackedStore
	RunStore
	WebhookStore
	AdvisoryLocker
	Close()
}

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Session locks die with the connection, so a failed unlock is harmless.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)
