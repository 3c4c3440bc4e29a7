package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketsync/internal/alerting"
	"marketsync/internal/budget"
	"marketsync/internal/fetcher"
	"marketsync/internal/market"
	"marketsync/internal/storage"
)

var t0 = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

var sneaker = market.JobKey{Provider: market.ProviderStockX, ItemKey: "DD1391-100", Size: "10"}

const sneakerBody = `{"variantId":"v-10","styleId":"DD1391-100","variantValue":"10","currencyCode":"GBP",` +
	`"lowestAskAmount":"150.00","updatedAt":"2025-01-10T11:00:00Z"}`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recorder) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recorder) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type invalidations struct {
	mu    sync.Mutex
	calls []string
}

func (i *invalidations) Invalidate(sku, size string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, sku+"/"+size)
}

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	stockx   *fetcher.Static
	ledger   *budget.Ledger
	notes    *recorder
	clock    *clock
	invalids *invalidations
}

func newHarness(t *testing.T, opts Options, limit int) *harness {
	t.Helper()
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Minute
		opts.BackoffMax = 30 * time.Minute
	}
	h := &harness{
		store:    storage.NewMemoryStore(),
		stockx:   fetcher.NewStatic(market.ProviderStockX),
		notes:    &recorder{},
		clock:    &clock{t: t0},
		invalids: &invalidations{},
	}
	h.ledger = budget.NewLedger(h.store, map[market.Provider]int{market.ProviderStockX: limit}, zerolog.Nop()).WithClock(h.clock.Now)
	h.svc = New(opts, h.store, h.ledger, fetcher.NewRegistry(h.stockx), h.notes, zerolog.Nop()).
		WithClock(h.clock.Now).
		WithCache(h.invalids)
	return h
}

func (h *harness) run(t *testing.T) RunReport {
	t.Helper()
	report, err := h.svc.RunOnce(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return report
}

func (h *harness) onlyJob(t *testing.T, status storage.JobStatus) storage.Job {
	t.Helper()
	jobs, err := h.store.ListJobs(context.Background(), status, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one %s job, got %d", status, len(jobs))
	}
	return jobs[0]
}

func (h *harness) tracked(t *testing.T, key market.JobKey) storage.TrackedItem {
	t.Helper()
	items, err := h.store.ListTracked(context.Background())
	if err != nil {
		t.Fatalf("list tracked: %v", err)
	}
	for _, item := range items {
		if item.Key == key {
			return item
		}
	}
	t.Fatalf("%s is not tracked", key)
	return storage.TrackedItem{}
}

func TestRunOnceSyncsEnqueuedJob(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	h.stockx.Set(sneaker, []byte(sneakerBody))
	ctx := context.Background()

	if created, err := h.svc.Enqueue(ctx, sneaker, 5); err != nil || !created {
		t.Fatalf("enqueue failed: created=%v err=%v", created, err)
	}

	report := h.run(t)
	if report.Selected != 1 || report.Succeeded != 1 || report.Errors() != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	job := h.onlyJob(t, storage.JobSucceeded)
	if job.Key != sneaker || job.Priority != 5 {
		t.Fatalf("unexpected job %+v", job)
	}

	snap, err := h.store.GetLatest(ctx, "stockx:v-10", "GBP")
	if err != nil {
		t.Fatalf("latest snapshot missing: %v", err)
	}
	if snap.LowestAsk == nil || !snap.LowestAsk.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected lowest ask %v", snap.LowestAsk)
	}
	if h.store.HistoryLen() != 1 {
		t.Fatalf("expected one history row, got %d", h.store.HistoryLen())
	}

	usage, err := h.ledger.Usage(ctx, market.ProviderStockX)
	if err != nil || usage.Used != 1 {
		t.Fatalf("one unit should be spent: %+v err=%v", usage, err)
	}
	if len(h.invalids.calls) != 1 || h.invalids.calls[0] != "DD1391-100/10" {
		t.Fatalf("cache should be invalidated for the variant, got %v", h.invalids.calls)
	}

	runs, err := h.store.ListRecentRuns(ctx, 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("run should be recorded: %v %v", runs, err)
	}
	if runs[0].ID != report.RunID || runs[0].Succeeded != 1 || runs[0].FinishedAt == nil {
		t.Fatalf("unexpected run record %+v", runs[0])
	}
}

func TestRefetchDoesNotDuplicateHistory(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	h.stockx.Set(sneaker, []byte(sneakerBody))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Enqueue(ctx, sneaker, 5); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if r := h.run(t); r.Succeeded != 1 {
			t.Fatalf("pass %d: expected success, got %+v", i, r)
		}
		h.clock.Advance(time.Minute)
	}
	if h.store.HistoryLen() != 1 {
		t.Fatalf("identical payload must not duplicate history, got %d rows", h.store.HistoryLen())
	}
}

func TestRefetchWithoutVariantTimestampDoesNotDuplicateHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := &clock{t: t0}
	ebay := fetcher.NewStatic(market.ProviderEbay)
	ledger := budget.NewLedger(store, map[market.Provider]int{market.ProviderEbay: 100}, zerolog.Nop()).WithClock(clk.Now)
	svc := New(Options{MaxRetries: 3}, store, ledger, fetcher.NewRegistry(ebay), &recorder{}, zerolog.Nop()).WithClock(clk.Now)

	key := market.JobKey{Provider: market.ProviderEbay, ItemKey: "DD1391-100", Size: "10"}
	ebay.Set(key, []byte(`{"marketplaceId":"EBAY_GB","itemSummaries":[`+
		`{"itemId":"1","conditionId":"1000","price":{"value":"150.00","currency":"GBP"},"itemCreationDate":"2025-01-09T08:00:00.000Z"}]}`))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := svc.Enqueue(ctx, key, 5); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		report, err := svc.RunOnce(ctx, RunOptions{})
		if err != nil || report.Succeeded != 1 {
			t.Fatalf("pass %d: expected success, got %+v (%v)", i, report, err)
		}
		clk.Advance(time.Hour)
	}
	if store.HistoryLen() != 1 {
		t.Fatalf("unchanged search result must not duplicate history, got %d rows", store.HistoryLen())
	}
}

func TestEnqueueNormalizesAndDedups(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	ctx := context.Background()

	if _, err := h.svc.Enqueue(ctx, market.JobKey{Provider: market.ProviderStockX, ItemKey: "DD1391-100", Size: "10.0"}, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	created, err := h.svc.Enqueue(ctx, sneaker, 5)
	if err != nil || created {
		t.Fatalf("equivalent size should dedup: created=%v err=%v", created, err)
	}
	if _, err := h.svc.Enqueue(ctx, market.JobKey{Provider: "goat", ItemKey: "x", Size: "1"}, 1); err == nil {
		t.Fatal("unknown provider should be rejected")
	}
}

func TestRetryBoundThenDead(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 2}, 100)
	ctx := context.Background()
	if err := h.svc.Track(ctx, sneaker, market.TierHot); err != nil {
		t.Fatalf("track: %v", err)
	}
	boom := fetcher.StatusError(market.ProviderStockX, 502, "bad gateway")
	h.stockx.FailWith(sneaker, boom, boom, boom)

	first := h.run(t)
	if first.Enqueued != 1 || first.Retrying != 1 {
		t.Fatalf("first attempt should schedule a retry: %+v", first)
	}
	pending := h.onlyJob(t, storage.JobPending)
	if pending.RetryCount != 1 || !pending.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected retry 1 after one minute, got %+v", pending)
	}

	h.clock.Advance(5 * time.Minute)
	h.run(t)
	h.clock.Advance(5 * time.Minute)
	last := h.run(t)
	if last.Failed != 1 {
		t.Fatalf("third failure should be terminal: %+v", last)
	}

	dead := h.onlyJob(t, storage.JobFailed)
	if dead.RetryCount != 2 {
		t.Fatalf("dead job should carry retry_count == max, got %d", dead.RetryCount)
	}
	if h.stockx.Calls(sneaker) != 3 {
		t.Fatalf("expected three attempts, got %d", h.stockx.Calls(sneaker))
	}
	if kinds := h.notes.kinds(); len(kinds) != 1 || kinds[0] != alerting.KindDeadJob {
		t.Fatalf("expected a dead job alert, got %v", kinds)
	}
	if !h.tracked(t, sneaker).Paused {
		t.Fatal("tracked item should be paused after a dead job")
	}

	h.clock.Advance(2 * time.Hour)
	if r := h.run(t); r.Enqueued != 0 {
		t.Fatalf("paused item must not be re-enqueued: %+v", r)
	}

	n, err := h.svc.ResetFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset should revive one job: n=%d err=%v", n, err)
	}
	if h.tracked(t, sneaker).Paused {
		t.Fatal("reset should resume the tracked item")
	}
	if revived := h.onlyJob(t, storage.JobPending); revived.RetryCount != 0 {
		t.Fatalf("revived job should start over, got %+v", revived)
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	ctx := context.Background()
	if err := h.svc.Track(ctx, sneaker, market.TierWarm); err != nil {
		t.Fatalf("track: %v", err)
	}
	h.stockx.FailWith(sneaker, fetcher.StatusError(market.ProviderStockX, 401, "bad key"))

	report := h.run(t)
	if report.Failed != 1 {
		t.Fatalf("auth failure should fail the job: %+v", report)
	}
	if job := h.onlyJob(t, storage.JobFailed); job.RetryCount != 0 {
		t.Fatalf("auth failures are not retried, got %+v", job)
	}
	if kinds := h.notes.kinds(); len(kinds) != 1 || kinds[0] != alerting.KindAuthFailure {
		t.Fatalf("expected one auth alert, got %v", kinds)
	}
	if !h.tracked(t, sneaker).Paused {
		t.Fatal("tracked item should be paused")
	}
}

func TestNotFoundSkipsAndFlags(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	ctx := context.Background()
	if err := h.svc.Track(ctx, sneaker, market.TierHot); err != nil {
		t.Fatalf("track: %v", err)
	}

	report := h.run(t)
	if report.Skipped != 1 || report.Errors() != 0 {
		t.Fatalf("404 should skip: %+v", report)
	}
	job := h.onlyJob(t, storage.JobSkipped)
	if job.ErrorMessage == nil || job.RetryCount != 0 {
		t.Fatalf("skipped job should carry a reason and no retries: %+v", job)
	}
	if !h.tracked(t, sneaker).NotFound {
		t.Fatal("tracked item should be flagged not found")
	}

	h.clock.Advance(48 * time.Hour)
	if r := h.run(t); r.Eligible != 0 {
		t.Fatalf("not-found items leave the rotation: %+v", r)
	}
}

func TestRateLimitDefersToNextWindow(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	ctx := context.Background()
	if _, err := h.svc.Enqueue(ctx, sneaker, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	other := market.JobKey{Provider: market.ProviderStockX, ItemKey: "CW2288-111", Size: "9"}
	if _, err := h.svc.Enqueue(ctx, other, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.stockx.FailWith(sneaker, &fetcher.ProviderError{
		Provider:   market.ProviderStockX,
		StatusCode: 429,
		Kind:       fetcher.ErrRateLimited,
		Message:    "slow down",
	})
	h.stockx.Set(other, []byte(`{"variantId":"v-9","variantValue":"9","currencyCode":"GBP","lowestAskAmount":"99","updatedAt":"2025-01-10T11:00:00Z"}`))

	report := h.run(t)
	if report.Deferred != 1 {
		t.Fatalf("429 should defer: %+v", report)
	}

	jobs, err := h.store.ListJobs(ctx, storage.JobPending, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var deferred storage.Job
	for _, j := range jobs {
		if j.Key == sneaker {
			deferred = j
		}
	}
	if deferred.ID == 0 {
		t.Fatal("rate limited job should stay pending")
	}
	if deferred.RetryCount != 0 || !deferred.NextRunAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("deferral must not burn a retry and waits for the next window: %+v", deferred)
	}

	usage, err := h.ledger.Usage(ctx, market.ProviderStockX)
	if err != nil || usage.Remaining != 0 {
		t.Fatalf("budget should be exhausted after a 429: %+v err=%v", usage, err)
	}
	if r := h.run(t); r.Selected != 0 {
		t.Fatalf("exhausted provider must not be selected: %+v", r)
	}
}

func TestBudgetDenialLeavesJobsPending(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	ctx := context.Background()
	second := market.JobKey{Provider: market.ProviderStockX, ItemKey: "CW2288-111", Size: "9"}
	h.stockx.Set(sneaker, []byte(sneakerBody))
	h.stockx.Set(second, []byte(`{"variantId":"v-9","variantValue":"9","currencyCode":"GBP","lowestAskAmount":"99","updatedAt":"2025-01-10T11:00:00Z"}`))
	if _, err := h.svc.Enqueue(ctx, sneaker, 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.svc.Enqueue(ctx, second, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	report := h.run(t)
	if report.Succeeded != 1 || report.Deferred != 1 {
		t.Fatalf("one job fits the budget: %+v", report)
	}
	if h.stockx.Calls(second) != 0 {
		t.Fatal("denied job must not be fetched")
	}
	if job := h.onlyJob(t, storage.JobPending); job.Key != second || job.RetryCount != 0 {
		t.Fatalf("denied job should stay pending untouched: %+v", job)
	}

	h.clock.Advance(time.Hour)
	if r := h.run(t); r.Succeeded != 1 {
		t.Fatalf("new window should admit the job: %+v", r)
	}
}

func TestStaleRunningJobsAreReclaimed(t *testing.T) {
	h := newHarness(t, Options{StaleAfter: 15 * time.Minute}, 100)
	ctx := context.Background()
	h.stockx.Set(sneaker, []byte(sneakerBody))
	if _, err := h.svc.Enqueue(ctx, sneaker, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := h.onlyJob(t, storage.JobPending)
	if ok, err := h.store.ClaimJob(ctx, job.ID, t0); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	h.store.SetJobStartedAt(job.ID, t0.Add(-time.Hour))

	report := h.run(t)
	if report.Reclaimed != 1 || report.Succeeded != 1 {
		t.Fatalf("stranded job should be reclaimed and finished: %+v", report)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	ctx := context.Background()
	if err := h.svc.Track(ctx, sneaker, market.TierHot); err != nil {
		t.Fatalf("track: %v", err)
	}

	report, err := h.svc.RunOnce(ctx, RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.Eligible != 1 || len(report.Planned) != 1 || report.Planned[0] != sneaker {
		t.Fatalf("dry run should list the eligible key: %+v", report)
	}
	counts, err := h.store.CountJobs(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	for status, n := range counts {
		if n != 0 {
			t.Fatalf("dry run created %d %s jobs", n, status)
		}
	}
	if runs, _ := h.store.ListRecentRuns(ctx, 5); len(runs) != 0 {
		t.Fatal("dry run must not record a run")
	}
	if h.stockx.Calls(sneaker) != 0 {
		t.Fatal("dry run must not fetch")
	}
}

func TestRunOnceRespectsLock(t *testing.T) {
	h := newHarness(t, Options{LockKey: 42}, 100)
	unlock, ok, err := h.store.TryAdvisoryLock(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	if _, err := h.svc.RunOnce(context.Background(), RunOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	unlock()
	if _, err := h.svc.RunOnce(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("run after unlock: %v", err)
	}
}

func TestTrackedItemsFollowTierCadence(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	ctx := context.Background()
	cold := market.JobKey{Provider: market.ProviderStockX, ItemKey: "CW2288-111", Size: "9"}
	h.stockx.Set(sneaker, []byte(sneakerBody))
	h.stockx.Set(cold, []byte(`{"variantId":"v-9","variantValue":"9","currencyCode":"GBP","lowestAskAmount":"99","updatedAt":"2025-01-10T11:00:00Z"}`))
	if err := h.svc.Track(ctx, sneaker, market.TierHot); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := h.svc.Track(ctx, cold, market.TierCold); err != nil {
		t.Fatalf("track: %v", err)
	}

	if r := h.run(t); r.Enqueued != 2 || r.Succeeded != 2 {
		t.Fatalf("both items are due on first run: %+v", r)
	}
	if r := h.run(t); r.Eligible != 0 {
		t.Fatalf("freshly synced items are not due: %+v", r)
	}

	h.clock.Advance(90 * time.Minute)
	r := h.run(t)
	if r.Eligible != 1 || r.Succeeded != 1 {
		t.Fatalf("only the hot item is due after 90 minutes: %+v", r)
	}
	if h.stockx.Calls(cold) != 1 {
		t.Fatalf("cold item should not be refetched, calls=%d", h.stockx.Calls(cold))
	}
}

func TestMalformedPayloadRetries(t *testing.T) {
	h := newHarness(t, Options{}, 100)
	ctx := context.Background()
	h.stockx.Set(sneaker, []byte(`{"variantId":"v-10","currencyCode":"GBP"}`))
	if _, err := h.svc.Enqueue(ctx, sneaker, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if r := h.run(t); r.Retrying != 1 {
		t.Fatalf("normalization failure should retry: %+v", r)
	}
	job := h.onlyJob(t, storage.JobPending)
	if job.ErrorMessage == nil || job.RetryCount != 1 {
		t.Fatalf("failure should be recorded on the job: %+v", job)
	}
	if h.store.HistoryLen() != 0 {
		t.Fatal("rejected payload must not be persisted")
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{64, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoff(time.Minute, 10*time.Minute, tc.n); got != tc.want {
			t.Fatalf("backoff(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}
