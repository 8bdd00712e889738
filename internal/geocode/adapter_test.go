package geocode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reliefhub/api/internal/store"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   atomic.Int32
	queries []string
	delay   time.Duration
	geocode func(call int, text string) (store.Coordinates, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Geocode(ctx context.Context, text string) (store.Coordinates, error) {
	call := int(f.calls.Add(1))
	f.mu.Lock()
	f.queries = append(f.queries, text)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return store.Coordinates{}, ctx.Err()
		}
	}
	return f.geocode(call, text)
}

func fastOptions() Options {
	return Options{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}
}

var chennai = store.Coordinates{Lat: 13.0827, Lon: 80.2707}

func TestResolveCachesByNormalizedText(t *testing.T) {
	provider := &fakeProvider{geocode: func(int, string) (store.Coordinates, error) { return chennai, nil }}
	adapter := NewAdapter(provider, nil, fastOptions())
	ctx := context.Background()

	first := adapter.Resolve(ctx, "  Anna Salai,   CHENNAI ")
	if !first.Resolved || first.Cached {
		t.Fatalf("expected fresh resolution, got %+v", first)
	}
	second := adapter.Resolve(ctx, "anna salai, chennai")
	if !second.Resolved || !second.Cached {
		t.Fatalf("expected cached resolution, got %+v", second)
	}
	if second.Coordinates != chennai {
		t.Fatalf("unexpected coordinates %+v", second.Coordinates)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls.Load())
	}
	if provider.queries[0] != "Anna Salai,   CHENNAI" {
		t.Fatalf("provider should receive trimmed original text, got %q", provider.queries[0])
	}
	if adapter.CacheSize() != 1 {
		t.Fatalf("expected 1 cache entry, got %d", adapter.CacheSize())
	}
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	provider := &fakeProvider{geocode: func(call int, _ string) (store.Coordinates, error) {
		if call < 3 {
			return store.Coordinates{}, errors.New("503 from provider")
		}
		return chennai, nil
	}}
	adapter := NewAdapter(provider, nil, fastOptions())

	result := adapter.Resolve(context.Background(), "Chennai")
	if !result.Resolved {
		t.Fatalf("expected resolution on third attempt, got %+v", result)
	}
	if provider.calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", provider.calls.Load())
	}
}

func TestResolveGivesUpUnresolvedAfterAttempts(t *testing.T) {
	provider := &fakeProvider{geocode: func(int, string) (store.Coordinates, error) {
		return store.Coordinates{}, errors.New("connection refused")
	}}
	adapter := NewAdapter(provider, nil, fastOptions())

	result := adapter.Resolve(context.Background(), "Somewhere flooded")
	if result.Resolved || result.Location() != nil {
		t.Fatalf("expected unresolved result, got %+v", result)
	}
	if provider.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", provider.calls.Load())
	}
	if adapter.CacheSize() != 0 {
		t.Fatal("failures must not be cached")
	}
}

func TestResolveDoesNotRetryHardErrors(t *testing.T) {
	provider := &fakeProvider{geocode: func(int, string) (store.Coordinates, error) {
		return store.Coordinates{}, ErrNoMatch
	}}
	adapter := NewAdapter(provider, nil, fastOptions())

	result := adapter.Resolve(context.Background(), "asdfgh")
	if result.Resolved {
		t.Fatal("expected unresolved")
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected 1 call for a hard error, got %d", provider.calls.Load())
	}
}

func TestRefreshHardErrorInvalidatesCache(t *testing.T) {
	shared := NewMemoryCache()
	provider := &fakeProvider{geocode: func(call int, _ string) (store.Coordinates, error) {
		if call == 1 {
			return chennai, nil
		}
		return store.Coordinates{}, Hard(errors.New("address withdrawn"))
	}}
	adapter := NewAdapter(provider, shared, fastOptions())
	ctx := context.Background()

	if !adapter.Resolve(ctx, "Chennai").Resolved {
		t.Fatal("expected first resolution")
	}
	if _, ok := shared.Get(ctx, "chennai"); !ok {
		t.Fatal("expected shared cache populated")
	}

	if adapter.Refresh(ctx, "Chennai").Resolved {
		t.Fatal("expected refresh to report unresolved")
	}
	if adapter.CacheSize() != 0 {
		t.Fatal("expected local entry invalidated")
	}
	if _, ok := shared.Get(ctx, "chennai"); ok {
		t.Fatal("expected shared entry invalidated")
	}
}

func TestResolveUsesSharedCache(t *testing.T) {
	shared := NewMemoryCache()
	shared.Set(context.Background(), "madurai", store.Coordinates{Lat: 9.92, Lon: 78.12})
	provider := &fakeProvider{geocode: func(int, string) (store.Coordinates, error) {
		t.Error("provider must not be called on a shared cache hit")
		return store.Coordinates{}, nil
	}}
	adapter := NewAdapter(provider, shared, fastOptions())

	result := adapter.Resolve(context.Background(), "Madurai")
	if !result.Resolved || !result.Cached {
		t.Fatalf("expected cached result, got %+v", result)
	}
}

func TestResolveRejectsInvalidCoordinates(t *testing.T) {
	provider := &fakeProvider{geocode: func(int, string) (store.Coordinates, error) {
		return store.Coordinates{Lat: 200, Lon: 0}, nil
	}}
	adapter := NewAdapter(provider, nil, fastOptions())

	if adapter.Resolve(context.Background(), "bad").Resolved {
		t.Fatal("expected out-of-range coordinates to be unresolved")
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected no retry, got %d calls", provider.calls.Load())
	}
}

func TestConcurrentResolvesShareOneLookup(t *testing.T) {
	provider := &fakeProvider{
		delay:   50 * time.Millisecond,
		geocode: func(int, string) (store.Coordinates, error) { return chennai, nil },
	}
	adapter := NewAdapter(provider, nil, fastOptions())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !adapter.Resolve(context.Background(), "Chennai").Resolved {
				t.Error("expected resolved")
			}
		}()
	}
	wg.Wait()

	if provider.calls.Load() != 1 {
		t.Fatalf("expected concurrent lookups collapsed into 1 call, got %d", provider.calls.Load())
	}
}

func TestResolveRespectsRateCeiling(t *testing.T) {
	provider := &fakeProvider{geocode: func(int, string) (store.Coordinates, error) { return chennai, nil }}
	opts := fastOptions()
	opts.RatePerSecond = 20
	opts.Burst = 1
	adapter := NewAdapter(provider, nil, opts)

	start := time.Now()
	for _, query := range []string{"a", "b", "c", "d", "e"} {
		adapter.Resolve(context.Background(), query)
	}
	// 5 calls at 20/s with burst 1 need at least 4 intervals of 50ms.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Fatalf("expected rate limiting, finished in %s", elapsed)
	}
}

func TestResolveBlankText(t *testing.T) {
	provider := &fakeProvider{geocode: func(int, string) (store.Coordinates, error) { return chennai, nil }}
	adapter := NewAdapter(provider, nil, fastOptions())
	if adapter.Resolve(context.Background(), "   ").Resolved {
		t.Fatal("blank text must be unresolved")
	}
	if provider.calls.Load() != 0 {
		t.Fatal("blank text must not reach the provider")
	}
}

func TestResolvePerCallTimeout(t *testing.T) {
	provider := &fakeProvider{
		delay:   time.Second,
		geocode: func(int, string) (store.Coordinates, error) { return chennai, nil },
	}
	opts := fastOptions()
	opts.Timeout = 10 * time.Millisecond
	opts.Attempts = 2
	adapter := NewAdapter(provider, nil, opts)

	start := time.Now()
	result := adapter.Resolve(context.Background(), "slow town")
	if result.Resolved {
		t.Fatal("expected unresolved on timeouts")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeouts not applied, took %s", elapsed)
	}
}

func TestImpatientCallerDoesNotCancelSharedLookup(t *testing.T) {
	provider := &fakeProvider{
		delay:   100 * time.Millisecond,
		geocode: func(int, string) (store.Coordinates, error) { return chennai, nil },
	}
	adapter := NewAdapter(provider, nil, fastOptions())

	impatient := make(chan Result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		impatient <- adapter.Resolve(ctx, "Anna Salai, Chennai")
	}()
	// Let the first caller start the shared round.
	time.Sleep(5 * time.Millisecond)

	patient := adapter.Resolve(context.Background(), "  anna salai,  CHENNAI")
	if !patient.Resolved || patient.Coordinates != chennai {
		t.Fatalf("expected the waiting caller to resolve, got %+v", patient)
	}
	if first := <-impatient; first.Resolved {
		t.Fatalf("caller whose deadline passed must get an unresolved result, got %+v", first)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected one shared provider call, got %d", provider.calls.Load())
	}
	if adapter.CacheSize() != 1 {
		t.Fatalf("expected the shared result cached, got %d entries", adapter.CacheSize())
	}
}

func TestSharedLookupIsBoundedByRetrySchedule(t *testing.T) {
	provider := &fakeProvider{
		delay:   time.Second,
		geocode: func(int, string) (store.Coordinates, error) { return chennai, nil },
	}
	opts := fastOptions()
	opts.Timeout = 10 * time.Millisecond
	opts.Attempts = 2
	adapter := NewAdapter(provider, nil, opts)

	start := time.Now()
	if adapter.Resolve(context.Background(), "slow town").Resolved {
		t.Fatal("expected unresolved")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("shared round outlived its budget: %s", elapsed)
	}
}
