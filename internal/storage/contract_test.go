package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsync/internal/market"
)

// repositoryContract runs the behaviour every Repository must share.
// Keys are derived from the test name so a shared database stays isolated.
func repositoryContract(t *testing.T, repo Repository) {
	t.Run("EnqueueDedup", func(t *testing.T) { testEnqueueDedup(t, repo) })
	t.Run("SelectOrdering", func(t *testing.T) { testSelectOrdering(t, repo) })
	t.Run("RetryBound", func(t *testing.T) { testRetryBound(t, repo) })
	t.Run("ResetFailed", func(t *testing.T) { testResetFailed(t, repo) })
	t.Run("ReclaimStale", func(t *testing.T) { testReclaimStale(t, repo) })
	t.Run("BudgetNeverExceeded", func(t *testing.T) { testBudgetNeverExceeded(t, repo) })
	t.Run("BudgetExhaust", func(t *testing.T) { testBudgetExhaust(t, repo) })
	t.Run("HistoryIdempotent", func(t *testing.T) { testHistoryIdempotent(t, repo) })
	t.Run("LatestMonotonic", func(t *testing.T) { testLatestMonotonic(t, repo) })
	t.Run("Tracked", func(t *testing.T) { testTracked(t, repo) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, repo) })
	t.Run("Webhooks", func(t *testing.T) { testWebhooks(t, repo) })
	t.Run("AdvisoryLock", func(t *testing.T) { testAdvisoryLock(t, repo) })
}

var t0 = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func uniqueKey(t *testing.T, p market.Provider, size string) market.JobKey {
	return market.JobKey{Provider: p, ItemKey: strings.ReplaceAll(t.Name(), "/", "-"), Size: size}
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func claimOnly(t *testing.T, repo Repository, key market.JobKey, now time.Time) Job {
	t.Helper()
	jobs, err := repo.SelectPendingJobs(context.Background(), now, 100, []market.Provider{key.Provider})
	if err != nil {
		t.Fatalf("select pending: %v", err)
	}
	for _, job := range jobs {
		if job.Key == key {
			ok, err := repo.ClaimJob(context.Background(), job.ID, now)
			if err != nil || !ok {
				t.Fatalf("claim %d failed: ok=%v err=%v", job.ID, ok, err)
			}
			return job
		}
	}
	t.Fatalf("no pending job for %s", key)
	return Job{}
}

func testEnqueueDedup(t *testing.T, repo Repository) {
	ctx := context.Background()
	key := market.JobKey{Provider: market.ProviderStockX, ItemKey: "DD1391-100-" + strings.ReplaceAll(t.Name(), "/", "-"), Size: "10"}

	ok, err := repo.EnqueueJob(ctx, key, 5, t0)
	if err != nil || !ok {
		t.Fatalf("first enqueue should insert: ok=%v err=%v", ok, err)
	}
	ok, err = repo.EnqueueJob(ctx, key, 5, t0)
	if err != nil || ok {
		t.Fatalf("second enqueue should be a no-op: ok=%v err=%v", ok, err)
	}

	job := claimOnly(t, repo, key, t0)
	if job.Priority != 5 {
		t.Fatalf("priority should be 5, got %d", job.Priority)
	}
	if ok, _ := repo.EnqueueJob(ctx, key, 5, t0); ok {
		t.Fatal("running job should still block enqueue")
	}
	if ok, _ := repo.ClaimJob(ctx, job.ID, t0); ok {
		t.Fatal("claiming a running job must fail")
	}

	if err := repo.CompleteJob(ctx, job.ID, JobSucceeded, nil, t0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok, _ := repo.EnqueueJob(ctx, key, 5, t0); !ok {
		t.Fatal("terminal job should not block a new enqueue")
	}
	if err := repo.CompleteJob(ctx, job.ID, JobSucceeded, nil, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completing a finished job should fail with ErrNotFound, got %v", err)
	}
}

func testSelectOrdering(t *testing.T, repo Repository) {
	ctx := context.Background()
	base := uniqueKey(t, market.ProviderSeed, "1")
	low := base
	low.Size = "low"
	high := base
	high.Size = "high"
	older := base
	older.Size = "older"
	future := base
	future.Size = "future"

	mustEnqueue(t, repo, older, 5, t0.Add(-time.Minute))
	mustEnqueue(t, repo, low, 1, t0.Add(-2*time.Minute))
	mustEnqueue(t, repo, high, 10, t0)
	mustEnqueue(t, repo, future, 10, t0.Add(time.Hour))

	jobs, err := repo.SelectPendingJobs(ctx, t0, 100, []market.Provider{market.ProviderSeed})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	var got []string
	for _, job := range jobs {
		if job.Key.ItemKey == base.ItemKey {
			got = append(got, job.Key.Size)
		}
	}
	want := []string{"high", "older", "low"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected order %v, got %v", want, got)
	}

	other, err := repo.SelectPendingJobs(ctx, t0, 100, []market.Provider{market.ProviderAlias})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for _, job := range other {
		if job.Key.ItemKey == base.ItemKey {
			t.Fatal("provider filter ignored")
		}
	}
}

func mustEnqueue(t *testing.T, repo Repository, key market.JobKey, priority int, now time.Time) {
	t.Helper()
	if ok, err := repo.EnqueueJob(context.Background(), key, priority, now); err != nil || !ok {
		t.Fatalf("enqueue %s: ok=%v err=%v", key, ok, err)
	}
}

func testRetryBound(t *testing.T, repo Repository) {
	ctx := context.Background()
	key := uniqueKey(t, market.ProviderAlias, "9")
	mustEnqueue(t, repo, key, 1, t0)

	const maxRetries = 2
	var (
		status JobStatus
		id     int64
	)
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		job := claimOnly(t, repo, key, t0.Add(time.Duration(attempt)*time.Hour))
		id = job.ID
		var err error
		status, err = repo.RecordJobFailure(ctx, job.ID, JobFailure{
			MaxRetries: maxRetries,
			NextRunAt:  t0.Add(time.Duration(attempt) * time.Hour),
			Message:    "boom",
			Now:        t0,
		})
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if attempt <= maxRetries && status != JobPending {
			t.Fatalf("attempt %d should retry, got %s", attempt, status)
		}
	}
	if status != JobFailed {
		t.Fatalf("job should be dead after %d failures, got %s", maxRetries+1, status)
	}

	jobs, err := repo.ListJobs(ctx, JobFailed, 1000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, job := range jobs {
		if job.ID == id {
			if job.RetryCount != maxRetries {
				t.Fatalf("retry_count should stop at %d, got %d", maxRetries, job.RetryCount)
			}
			if job.ErrorMessage == nil || *job.ErrorMessage != "boom" {
				t.Fatalf("error message should be kept")
			}
			return
		}
	}
	t.Fatal("dead job not listed")
}

func testResetFailed(t *testing.T, repo Repository) {
	ctx := context.Background()
	blocked := uniqueKey(t, market.ProviderEbay, "blocked")
	revived := uniqueKey(t, market.ProviderEbay, "revived")

	for _, key := range []market.JobKey{blocked, revived} {
		mustEnqueue(t, repo, key, 1, t0)
		job := claimOnly(t, repo, key, t0)
		if _, err := repo.RecordJobFailure(ctx, job.ID, JobFailure{MaxRetries: 0, Message: "dead", Now: t0}); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	mustEnqueue(t, repo, blocked, 1, t0)

	keys, err := repo.ResetFailedJobs(ctx, t0)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	var sawRevived bool
	for _, key := range keys {
		if key == blocked {
			t.Fatal("identity with an active job must not be reset")
		}
		if key == revived {
			sawRevived = true
		}
	}
	if !sawRevived {
		t.Fatalf("dead job should be reset, got %v", keys)
	}
	job := claimOnly(t, repo, revived, t0)
	if job.RetryCount != 0 {
		t.Fatalf("reset should zero retries, got %d", job.RetryCount)
	}
}

func testReclaimStale(t *testing.T, repo Repository) {
	ctx := context.Background()
	key := uniqueKey(t, market.ProviderStockX, "8")
	mustEnqueue(t, repo, key, 1, t0)
	claimOnly(t, repo, key, t0)

	if _, err := repo.ReclaimStaleJobs(ctx, t0.Add(-time.Minute)); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok, _ := repo.EnqueueJob(ctx, key, 1, t0); ok {
		t.Fatal("fresh running job must not be reclaimed")
	}

	n, err := repo.ReclaimStaleJobs(ctx, t0.Add(time.Minute))
	if err != nil || n < 1 {
		t.Fatalf("stale job should be reclaimed: n=%d err=%v", n, err)
	}
	claimOnly(t, repo, key, t0.Add(2*time.Minute))
}

func testBudgetNeverExceeded(t *testing.T, repo Repository) {
	ctx := context.Background()
	window := t0.Add(time.Duration(len(t.Name())) * time.Hour)
	const limit = 20

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ReserveBudget(ctx, market.ProviderStockX, window, limit, 1)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != limit {
		t.Fatalf("expected exactly %d grants, got %d", limit, granted.Load())
	}
	b, err := repo.GetBudget(ctx, market.ProviderStockX, window)
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if b.Used != limit || b.RateLimit != limit {
		t.Fatalf("unexpected budget %+v", b)
	}
	if ok, _ := repo.ReserveBudget(ctx, market.ProviderStockX, window, limit, 1); ok {
		t.Fatal("spent budget must deny")
	}
	if ok, _ := repo.ReserveBudget(ctx, market.ProviderStockX, window.Add(time.Hour), limit, 1); !ok {
		t.Fatal("next window should start fresh")
	}
}

func testBudgetExhaust(t *testing.T, repo Repository) {
	ctx := context.Background()
	window := t0.Add(-time.Duration(len(t.Name())) * time.Hour)

	if _, err := repo.GetBudget(ctx, market.ProviderAlias, window); !errors.Is(err, ErrNotFound) {
		t.Fatalf("untouched window should be not found, got %v", err)
	}
	if ok, _ := repo.ReserveBudget(ctx, market.ProviderAlias, window, 10, 11); ok {
		t.Fatal("oversized reservation must deny")
	}
	if ok, _ := repo.ReserveBudget(ctx, market.ProviderAlias, window, 10, 3); !ok {
		t.Fatal("reservation within limit should pass")
	}
	if err := repo.ExhaustBudget(ctx, market.ProviderAlias, window, 10); err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	b, _ := repo.GetBudget(ctx, market.ProviderAlias, window)
	if b.Used != 10 {
		t.Fatalf("exhausted window should be full, got %+v", b)
	}
	if ok, _ := repo.ReserveBudget(ctx, market.ProviderAlias, window, 10, 1); ok {
		t.Fatal("exhausted window must deny")
	}
	if _, err := repo.ReserveBudget(ctx, market.ProviderAlias, window, 10, 0); err == nil {
		t.Fatal("zero units should be rejected")
	}
}

func testHistoryIdempotent(t *testing.T, repo Repository) {
	ctx := context.Background()
	snap := market.Snapshot{
		ItemKey:   "stockx:" + strings.ReplaceAll(t.Name(), "/", "-"),
		Provider:  market.ProviderStockX,
		SKU:       "DD1391-100",
		Size:      "10",
		Condition: market.ConditionNew,
		Currency:  "GBP",
		LowestAsk: dec("150.00"),
		AsOf:      t0,
	}

	inserted, err := repo.AppendHistory(ctx, snap)
	if err != nil || !inserted {
		t.Fatalf("first append should insert: %v %v", inserted, err)
	}
	again := snap
	again.LowestAsk = dec("150")
	inserted, err = repo.AppendHistory(ctx, again)
	if err != nil || inserted {
		t.Fatalf("identical reading must not duplicate: %v %v", inserted, err)
	}
	later := snap
	later.AsOf = t0.Add(time.Hour)
	if inserted, _ := repo.AppendHistory(ctx, later); !inserted {
		t.Fatal("new as_of should append")
	}

	recs, err := repo.ListHistory(ctx, snap.ItemKey, "gbp", t0.Add(-time.Hour), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(recs))
	}
	if !recs[0].Snapshot.AsOf.Equal(t0) || !recs[0].Snapshot.LowestAsk.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("unexpected first row %+v", recs[0].Snapshot)
	}
}

func testLatestMonotonic(t *testing.T, repo Repository) {
	ctx := context.Background()
	snap := market.Snapshot{
		ItemKey:    "seed:" + strings.ReplaceAll(t.Name(), "/", "-") + ":10",
		Provider:   market.ProviderSeed,
		SKU:        strings.ReplaceAll(t.Name(), "/", "-"),
		Size:       "10",
		Condition:  market.ConditionNew,
		Currency:   "GBP",
		HighestBid: dec("195"),
		AsOf:       t0,
	}
	if err := repo.UpsertLatest(ctx, snap); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stale := snap
	stale.HighestBid = dec("100")
	stale.AsOf = t0.Add(-time.Hour)
	if err := repo.UpsertLatest(ctx, stale); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}

	got, err := repo.GetLatest(ctx, snap.ItemKey, "GBP")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if !got.HighestBid.Equal(decimal.RequireFromString("195")) || got.LowestAsk != nil {
		t.Fatalf("older reading must not overwrite: %+v", got)
	}

	byVariant, err := repo.ListLatestByVariant(ctx, snap.SKU, "10.0", "gbp")
	if err != nil || len(byVariant) != 1 {
		t.Fatalf("variant lookup should find the snapshot: %v %v", byVariant, err)
	}
	if _, err := repo.GetLatest(ctx, snap.ItemKey, "USD"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other currency should be not found, got %v", err)
	}
}

func testTracked(t *testing.T, repo Repository) {
	ctx := context.Background()
	key := uniqueKey(t, market.ProviderStockX, "10")
	if err := repo.UpsertTracked(ctx, TrackedItem{Key: key, Tier: market.TierHot}); err != nil {
		t.Fatalf("upsert tracked: %v", err)
	}
	if err := repo.MarkSynced(ctx, key, t0); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if err := repo.MarkSynced(ctx, key, t0.Add(-time.Hour)); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if err := repo.MarkNotFound(ctx, key); err != nil {
		t.Fatalf("mark not found: %v", err)
	}
	if err := repo.SetTrackedPaused(ctx, key, true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	item := findTracked(t, repo, key)
	if item.LastSyncedAt == nil || !item.LastSyncedAt.Equal(t0) {
		t.Fatalf("last_synced_at should not move backwards: %v", item.LastSyncedAt)
	}
	if !item.NotFound || !item.Paused {
		t.Fatalf("flags not stored: %+v", item)
	}

	if err := repo.UpsertTracked(ctx, TrackedItem{Key: key, Tier: market.TierCold}); err != nil {
		t.Fatalf("re-track: %v", err)
	}
	item = findTracked(t, repo, key)
	if item.Tier != market.TierCold || item.NotFound || item.Paused {
		t.Fatalf("re-tracking should reset flags: %+v", item)
	}
}

func findTracked(t *testing.T, repo Repository, key market.JobKey) TrackedItem {
	t.Helper()
	items, err := repo.ListTracked(context.Background())
	if err != nil {
		t.Fatalf("list tracked: %v", err)
	}
	for _, item := range items {
		if item.Key == key {
			return item
		}
	}
	t.Fatalf("%s not tracked", key)
	return TrackedItem{}
}

func testRuns(t *testing.T, repo Repository) {
	ctx := context.Background()
	id := uuid.NewString()
	run := Run{ID: id, StartedAt: t0.Add(24 * time.Hour)}
	if err := repo.StartRun(ctx, run); err != nil {
		t.Fatalf("start run: %v", err)
	}
	finished := t0.Add(24*time.Hour + time.Second)
	msg := "1 storage error"
	run.FinishedAt = &finished
	run.Selected, run.Succeeded, run.Failed = 3, 2, 1
	run.Error = &msg
	if err := repo.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := repo.ListRecentRuns(ctx, 50)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	for _, r := range runs {
		if r.ID == id {
			if r.Selected != 3 || r.Succeeded != 2 || r.Failed != 1 || r.Error == nil || r.FinishedAt == nil {
				t.Fatalf("run counters not stored: %+v", r)
			}
			return
		}
	}
	t.Fatalf("run %s not listed", id)
}

func testWebhooks(t *testing.T, repo Repository) {
	ctx := context.Background()
	id := strings.ReplaceAll(t.Name(), "/", "-")
	ev := WebhookEvent{ID: id, Provider: market.ProviderAlias, Type: "listing.updated", CreatedAt: t0, Payload: []byte(`{"a":1}`)}

	if ok, err := repo.RecordWebhookEvent(ctx, ev); err != nil || !ok {
		t.Fatalf("first event should record: %v %v", ok, err)
	}
	if ok, _ := repo.RecordWebhookEvent(ctx, ev); ok {
		t.Fatal("duplicate event must be ignored")
	}

	sold := "sold"
	update := ListingUpdate{Provider: market.ProviderAlias, ListingID: id, Status: &sold, UpdatedAt: t0}
	if ok, err := repo.ApplyListingUpdate(ctx, update); err != nil || ok {
		t.Fatalf("orphan update must not create a listing: %v %v", ok, err)
	}
	if _, err := repo.GetListing(ctx, market.ProviderAlias, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphan should stay absent, got %v", err)
	}

	if err := repo.UpsertListing(ctx, Listing{
		Provider: market.ProviderAlias, ListingID: id, ItemKey: "alias:x", Status: "active",
		Price: dec("200"), Currency: "GBP", UpdatedAt: t0.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("upsert listing: %v", err)
	}
	update.Price = dec("180")
	if ok, err := repo.ApplyListingUpdate(ctx, update); err != nil || !ok {
		t.Fatalf("update should apply: %v %v", ok, err)
	}

	active := "active"
	stale := ListingUpdate{Provider: market.ProviderAlias, ListingID: id, Status: &active, UpdatedAt: t0.Add(-30 * time.Minute)}
	if ok, _ := repo.ApplyListingUpdate(ctx, stale); !ok {
		t.Fatal("stale update still refers to an existing listing")
	}

	l, err := repo.GetListing(ctx, market.ProviderAlias, id)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if l.Status != "sold" || !l.Price.Equal(decimal.RequireFromString("180")) || l.Currency != "GBP" {
		t.Fatalf("unexpected listing state %+v", l)
	}
}

func testAdvisoryLock(t *testing.T, repo Repository) {
	ctx := context.Background()
	key := int64(len(t.Name())) + 7_000_000
	unlock, ok, err := repo.TryAdvisoryLock(ctx, key)
	if err != nil || !ok {
		t.Fatalf("first lock should succeed: %v %v", ok, err)
	}
	if _, ok, _ := repo.TryAdvisoryLock(ctx, key); ok {
		t.Fatal("second lock must fail while held")
	}
	unlock()
	unlock2, ok, err := repo.TryAdvisoryLock(ctx, key)
	if err != nil || !ok {
		t.Fatalf("lock should be free after unlock: %v %v", ok, err)
	}
	unlock2()
}
