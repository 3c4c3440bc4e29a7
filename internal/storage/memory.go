package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketsync/internal/market"
)

type budgetKey struct {
	provider market.Provider
	window   time.Time
}

type latestKey struct {
	itemKey  string
	currency string
}

type listingKey struct {
	provider market.Provider
	id       string
}

// MemoryStore is an in-process Repository used when no database is
// configured and in tests. It mirrors the SQL semantics of Store.
type MemoryStore struct {
	mu sync.Mutex

	nextJobID  int64
	jobs       map[int64]*Job
	budgets    map[budgetKey]*Budget
	latest     map[latestKey]market.Snapshot
	history    []HistoryRecord
	historyIdx map[string]struct{}
	tracked    map[market.JobKey]*TrackedItem
	runs       map[string]*Run
	events     map[listingKey]WebhookEvent
	listings   map[listingKey]*Listing
	locks      map[int64]bool
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[int64]*Job),
		budgets:    make(map[budgetKey]*Budget),
		latest:     make(map[latestKey]market.Snapshot),
		historyIdx: make(map[string]struct{}),
		tracked:    make(map[market.JobKey]*TrackedItem),
		runs:       make(map[string]*Run),
		events:     make(map[listingKey]WebhookEvent),
		listings:   make(map[listingKey]*Listing),
		locks:      make(map[int64]bool),
		now:        time.Now,
	}
}

// Close implements Repository.
func (m *MemoryStore) Close() {}

// TryAdvisoryLock emulates a session advisory lock within the process.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, key)
			m.mu.Unlock()
		})
	}, true, nil
}

// EnqueueJob implements JobStore.
func (m *MemoryStore) EnqueueJob(_ context.Context, key market.JobKey, priority int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.Key == key && job.Status.Active() {
			return false, nil
		}
	}
	m.nextJobID++
	m.jobs[m.nextJobID] = &Job{
		ID:        m.nextJobID,
		Key:       key,
		Priority:  priority,
		Status:    JobPending,
		NextRunAt: now,
		CreatedAt: now,
	}
	return true, nil
}

// SelectPendingJobs implements JobStore.
func (m *MemoryStore) SelectPendingJobs(_ context.Context, now time.Time, limit int, providers []market.Provider) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || len(providers) == 0 {
		return nil, nil
	}
	allowed := make(map[market.Provider]struct{}, len(providers))
	for _, p := range providers {
		allowed[p] = struct{}{}
	}

	out := make([]Job, 0)
	for _, job := range m.jobs {
		if job.Status != JobPending || job.NextRunAt.After(now) {
			continue
		}
		if _, ok := allowed[job.Key.Provider]; !ok {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimJob implements JobStore.
func (m *MemoryStore) ClaimJob(_ context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != JobPending {
		return false, nil
	}
	job.Status = JobRunning
	job.StartedAt = timePtr(now)
	job.CompletedAt = nil
	return true, nil
}

// CompleteJob implements JobStore.
func (m *MemoryStore) CompleteJob(_ context.Context, id int64, status JobStatus, message *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status.Active() {
		return fmt.Errorf("complete job %d: %s is not a terminal status", id, status)
	}
	job, ok := m.jobs[id]
	if !ok || job.Status != JobRunning {
		return fmt.Errorf("complete job %d: %w", id, ErrNotFound)
	}
	job.Status = status
	job.ErrorMessage = copyString(message)
	job.CompletedAt = timePtr(now)
	return nil
}

// RecordJobFailure implements JobStore.
func (m *MemoryStore) RecordJobFailure(_ context.Context, id int64, failure JobFailure) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != JobRunning {
		return "", fmt.Errorf("record job failure %d: %w", id, ErrNotFound)
	}
	msg := failure.Message
	job.ErrorMessage = &msg
	if job.RetryCount < failure.MaxRetries {
		job.Status = JobPending
		job.RetryCount++
		job.NextRunAt = failure.NextRunAt
		job.StartedAt = nil
		job.CompletedAt = nil
	} else {
		job.Status = JobFailed
		job.CompletedAt = timePtr(failure.Now)
	}
	return job.Status, nil
}

// DeferJob implements JobStore.
func (m *MemoryStore) DeferJob(_ context.Context, id int64, until time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != JobRunning {
		return fmt.Errorf("defer job %d: %w", id, ErrNotFound)
	}
	job.Status = JobPending
	job.NextRunAt = until
	job.StartedAt = nil
	job.ErrorMessage = &reason
	return nil
}

// ReclaimStaleJobs implements JobStore.
func (m *MemoryStore) ReclaimStaleJobs(_ context.Context, startedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if job.Status == JobRunning && job.StartedAt != nil && job.StartedAt.Before(startedBefore) {
			job.Status = JobPending
			job.StartedAt = nil
			n++
		}
	}
	return n, nil
}

// ResetFailedJobs implements JobStore.
func (m *MemoryStore) ResetFailedJobs(_ context.Context, now time.Time) ([]market.JobKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[market.JobKey]bool)
	newest := make(map[market.JobKey]*Job)
	for _, job := range m.jobs {
		switch {
		case job.Status.Active():
			active[job.Key] = true
		case job.Status == JobFailed:
			if cur, ok := newest[job.Key]; !ok || job.ID > cur.ID {
				newest[job.Key] = job
			}
		}
	}

	keys := make([]market.JobKey, 0, len(newest))
	for key, job := range newest {
		if active[key] {
			continue
		}
		job.Status = JobPending
		job.RetryCount = 0
		job.ErrorMessage = nil
		job.NextRunAt = now
		job.StartedAt = nil
		job.CompletedAt = nil
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// ListJobs implements JobStore.
func (m *MemoryStore) ListJobs(_ context.Context, status JobStatus, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0)
	for _, job := range m.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountJobs implements JobStore.
func (m *MemoryStore) CountJobs(_ context.Context) (map[JobStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[JobStatus]int64)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// ReserveBudget implements BudgetStore.
func (m *MemoryStore) ReserveBudget(_ context.Context, provider market.Provider, window time.Time, limit, n int) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("reserve budget: units must be positive, got %d", n)
	}
	if limit <= 0 || n > limit {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := budgetKey{provider: provider, window: window.UTC()}
	b, ok := m.budgets[key]
	if !ok {
		m.budgets[key] = &Budget{Provider: provider, HourWindow: window.UTC(), RateLimit: limit, Used: n}
		return true, nil
	}
	if b.Used+n > limit {
		return false, nil
	}
	b.Used += n
	b.RateLimit = limit
	return true, nil
}

// GetBudget implements BudgetStore.
func (m *MemoryStore) GetBudget(_ context.Context, provider market.Provider, window time.Time) (Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[budgetKey{provider: provider, window: window.UTC()}]
	if !ok {
		return Budget{}, ErrNotFound
	}
	return *b, nil
}

// ExhaustBudget implements BudgetStore.
func (m *MemoryStore) ExhaustBudget(_ context.Context, provider market.Provider, window time.Time, limit int) error {
	if limit < 0 {
		limit = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := budgetKey{provider: provider, window: window.UTC()}
	b, ok := m.budgets[key]
	if !ok {
		m.budgets[key] = &Budget{Provider: provider, HourWindow: window.UTC(), RateLimit: limit, Used: limit}
		return nil
	}
	b.Used = b.RateLimit
	return nil
}

// UpsertLatest implements PriceStore.
func (m *MemoryStore) UpsertLatest(_ context.Context, snap market.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Currency = strings.ToUpper(snap.Currency)
	key := latestKey{itemKey: snap.ItemKey, currency: snap.Currency}
	if cur, ok := m.latest[key]; ok && cur.AsOf.After(snap.AsOf) {
		return nil
	}
	m.latest[key] = snap
	return nil
}

// AppendHistory implements PriceStore.
func (m *MemoryStore) AppendHistory(_ context.Context, snap market.Snapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Currency = strings.ToUpper(snap.Currency)
	fp := snap.Fingerprint()
	if _, ok := m.historyIdx[fp]; ok {
		return false, nil
	}
	m.historyIdx[fp] = struct{}{}
	m.history = append(m.history, HistoryRecord{
		ID:         int64(len(m.history) + 1),
		Snapshot:   snap,
		RecordedAt: m.now().UTC(),
	})
	return true, nil
}

// GetLatest implements PriceStore.
func (m *MemoryStore) GetLatest(_ context.Context, itemKey, currency string) (market.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.latest[latestKey{itemKey: itemKey, currency: strings.ToUpper(currency)}]
	if !ok {
		return market.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// ListLatestByVariant implements PriceStore.
func (m *MemoryStore) ListLatestByVariant(_ context.Context, sku, size, currency string) ([]market.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size = market.NormalizeSize(size)
	currency = strings.ToUpper(currency)
	out := make([]market.Snapshot, 0)
	for _, snap := range m.latest {
		if snap.SKU == sku && snap.Size == size && snap.Currency == currency {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemKey < out[j].ItemKey })
	return out, nil
}

// ListRecentLatest implements PriceStore.
func (m *MemoryStore) ListRecentLatest(_ context.Context, limit int) ([]market.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Snapshot, 0, len(m.latest))
	for _, snap := range m.latest {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AsOf.Equal(out[j].AsOf) {
			return out[i].AsOf.After(out[j].AsOf)
		}
		return out[i].ItemKey < out[j].ItemKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListHistory implements PriceStore.
func (m *MemoryStore) ListHistory(_ context.Context, itemKey, currency string, from, to time.Time) ([]HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	currency = strings.ToUpper(currency)
	out := make([]HistoryRecord, 0)
	for _, rec := range m.history {
		s := rec.Snapshot
		if s.ItemKey != itemKey || s.Currency != currency {
			continue
		}
		if s.AsOf.Before(from) || !s.AsOf.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Snapshot.AsOf.Before(out[j].Snapshot.AsOf) })
	return out, nil
}

// HistoryLen reports the number of stored history rows.
func (m *MemoryStore) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// UpsertTracked implements TrackedStore.
func (m *MemoryStore) UpsertTracked(_ context.Context, item TrackedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tracked[item.Key]; ok {
		cur.Tier = item.Tier
		cur.Paused = item.Paused
		cur.NotFound = false
		return nil
	}
	copied := item
	copied.LastSyncedAt = copyTime(item.LastSyncedAt)
	m.tracked[item.Key] = &copied
	return nil
}

// ListTracked implements TrackedStore.
func (m *MemoryStore) ListTracked(_ context.Context) ([]TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackedItem, 0, len(m.tracked))
	for _, item := range m.tracked {
		copied := *item
		copied.LastSyncedAt = copyTime(item.LastSyncedAt)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// MarkSynced implements TrackedStore.
func (m *MemoryStore) MarkSynced(_ context.Context, key market.JobKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.tracked[key]
	if !ok {
		return nil
	}
	if item.LastSyncedAt == nil || at.After(*item.LastSyncedAt) {
		item.LastSyncedAt = timePtr(at)
	}
	item.NotFound = false
	return nil
}

// MarkNotFound implements TrackedStore.
func (m *MemoryStore) MarkNotFound(_ context.Context, key market.JobKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.tracked[key]; ok {
		item.NotFound = true
	}
	return nil
}

// SetTrackedPaused implements TrackedStore.
func (m *MemoryStore) SetTrackedPaused(_ context.Context, key market.JobKey, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.tracked[key]; ok {
		item.Paused = paused
	}
	return nil
}

// StartRun implements RunStore.
func (m *MemoryStore) StartRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("start run %s: duplicate id", run.ID)
	}
	copied := run
	m.runs[run.ID] = &copied
	return nil
}

// FinishRun implements RunStore.
func (m *MemoryStore) FinishRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}
	started, dry := cur.StartedAt, cur.DryRun
	*cur = run
	cur.StartedAt, cur.DryRun = started, dry
	return nil
}

// ListRecentRuns implements RunStore.
func (m *MemoryStore) ListRecentRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordWebhookEvent implements WebhookStore.
func (m *MemoryStore) RecordWebhookEvent(_ context.Context, event WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := listingKey{provider: event.Provider, id: event.ID}
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = m.now().UTC()
	}
	m.events[key] = event
	return true, nil
}

// ApplyListingUpdate implements WebhookStore.
func (m *MemoryStore) ApplyListingUpdate(_ context.Context, update ListingUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingKey{provider: update.Provider, id: update.ListingID}]
	if !ok {
		return false, nil
	}
	if update.UpdatedAt.Before(l.UpdatedAt) {
		return true, nil
	}
	if update.Status != nil {
		l.Status = *update.Status
	}
	if update.Price != nil {
		p := *update.Price
		l.Price = &p
	}
	if update.Currency != "" {
		l.Currency = update.Currency
	}
	l.UpdatedAt = update.UpdatedAt
	return true, nil
}

// UpsertListing implements WebhookStore.
func (m *MemoryStore) UpsertListing(_ context.Context, listing Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := listing
	m.listings[listingKey{provider: listing.Provider, id: listing.ListingID}] = &copied
	return nil
}

// GetListing implements WebhookStore.
func (m *MemoryStore) GetListing(_ context.Context, provider market.Provider, listingID string) (Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingKey{provider: provider, id: listingID}]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return *l, nil
}

// Job returns a copy of one job, for inspection.
func (m *MemoryStore) Job(id int64) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// SetJobStartedAt rewinds a job's start time, for exercising the stale sweep.
func (m *MemoryStore) SetJobStartedAt(id int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.StartedAt = timePtr(at)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
