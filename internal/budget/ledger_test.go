package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/market"
	"marketsync/internal/storage"
)

func newLedger(limits map[market.Provider]int, now time.Time) (*Ledger, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	l := NewLedger(store, limits, zerolog.Nop()).WithClock(func() time.Time { return now })
	return l, store
}

func TestWindowTruncatesToUTCHour(t *testing.T) {
	loc := time.FixedZone("BST", 3600)
	in := time.Date(2025, 6, 1, 10, 59, 59, 0, loc)
	want := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if got := Window(in); !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestTryReserveNeverExceedsLimitConcurrently(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 30, 0, 0, time.UTC)
	l, _ := newLedger(map[market.Provider]int{market.ProviderStockX: 25}, now)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryReserve(context.Background(), market.ProviderStockX, 1)
			if err != nil {
				t.Errorf("reserve: %v", err)
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 25 {
		t.Fatalf("expected 25 grants, got %d", granted.Load())
	}
	u, err := l.Usage(context.Background(), market.ProviderStockX)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Used != 25 || u.Remaining != 0 {
		t.Fatalf("unexpected usage %+v", u)
	}
}

func TestUnconfiguredProviderDenied(t *testing.T) {
	l, _ := newLedger(map[market.Provider]int{market.ProviderStockX: 10, market.ProviderEbay: 0}, time.Now())
	for _, p := range []market.Provider{market.ProviderAlias, market.ProviderEbay} {
		ok, err := l.TryReserve(context.Background(), p, 1)
		if err != nil || ok {
			t.Fatalf("%s should be denied: ok=%v err=%v", p, ok, err)
		}
	}
}

func TestNoRolloverBetweenWindows(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	l := NewLedger(store, map[market.Provider]int{market.ProviderAlias: 2}, zerolog.Nop())
	l.WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := l.TryReserve(context.Background(), market.ProviderAlias, 1); !ok {
			t.Fatalf("reservation %d should pass", i)
		}
	}
	if ok, _ := l.TryReserve(context.Background(), market.ProviderAlias, 1); ok {
		t.Fatal("third reservation must be denied")
	}

	now = now.Add(time.Hour)
	if ok, _ := l.TryReserve(context.Background(), market.ProviderAlias, 2); !ok {
		t.Fatal("new window should grant the full limit")
	}
	if ok, _ := l.TryReserve(context.Background(), market.ProviderAlias, 1); ok {
		t.Fatal("unused budget must not roll over")
	}
}

func TestAvailableAndExhaust(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newLedger(map[market.Provider]int{
		market.ProviderStockX: 5,
		market.ProviderAlias:  5,
	}, now)
	ctx := context.Background()

	got, err := l.Available(ctx, market.KnownProviders())
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(got) != 2 || got[0] != market.ProviderStockX || got[1] != market.ProviderAlias {
		t.Fatalf("expected stockx and alias, got %v", got)
	}

	if err := l.Exhaust(ctx, market.ProviderStockX); err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	got, _ = l.Available(ctx, market.KnownProviders())
	if len(got) != 1 || got[0] != market.ProviderAlias {
		t.Fatalf("exhausted provider should drop out, got %v", got)
	}
	if want := time.Date(2025, 1, 10, 13, 0, 0, 0, time.UTC); !l.NextWindow().Equal(want) {
		t.Fatalf("next window should be %s, got %s", want, l.NextWindow())
	}
}

func TestTryReserveRejectsNonPositive(t *testing.T) {
	l, _ := newLedger(map[market.Provider]int{market.ProviderStockX: 5}, time.Now())
	if _, err := l.TryReserve(context.Background(), market.ProviderStockX, 0); err == nil {
		t.Fatal("zero units should error")
	}
}
