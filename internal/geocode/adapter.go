package geocode

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

type Options struct {
	// RatePerSecond caps provider calls; zero or less disables the cap.
	RatePerSecond  float64
	Burst          int
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds each provider call.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		RatePerSecond:  1,
		Burst:          1,
		Attempts:       3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Timeout:        5 * time.Second,
	}
}

// Adapter wraps a Provider with caching, rate limiting, deduplication of
// concurrent identical lookups and bounded retries.
type Adapter struct {
	provider Provider
	local    *MemoryCache
	shared   Cache
	limiter  *rate.Limiter
	flight   singleflight.Group
	opts     Options
}

// NewAdapter builds an adapter. shared may be nil; when set it is consulted
// after the in-process cache and kept in sync with it.
func NewAdapter(provider Provider, shared Cache, opts Options) *Adapter {
	defaults := DefaultOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = defaults.Attempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Adapter{
		provider: provider,
		local:    NewMemoryCache(),
		shared:   shared,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		opts:     opts,
	}
}

// Resolve never fails: on exhausted retries, hard errors or cancellation it
// returns an unresolved Result.
func (a *Adapter) Resolve(ctx context.Context, text string) Result {
	key := util.NormalizeText(text)
	if key == "" {
		return Result{Query: key}
	}
	if coords, ok := a.cached(ctx, key); ok {
		return Result{Query: key, Coordinates: coords, Resolved: true, Cached: true}
	}
	return a.lookup(ctx, key, strings.TrimSpace(text))
}

// Refresh skips the cache and asks the provider again. A hard error drops
// any cached entry for the query.
func (a *Adapter) Refresh(ctx context.Context, text string) Result {
	key := util.NormalizeText(text)
	if key == "" {
		return Result{Query: key}
	}
	return a.lookup(ctx, key, strings.TrimSpace(text))
}

func (a *Adapter) CacheSize() int {
	return a.local.Len()
}

func (a *Adapter) cached(ctx context.Context, key string) (store.Coordinates, bool) {
	if coords, ok := a.local.Get(ctx, key); ok {
		return coords, true
	}
	if a.shared == nil {
		return store.Coordinates{}, false
	}
	coords, ok := a.shared.Get(ctx, key)
	if ok {
		a.local.Set(ctx, key, coords)
	}
	return coords, ok
}

// lookup collapses concurrent calls for the same key into one provider round.
// The shared round is detached from any single caller and bounded by the
// retry schedule; each caller stops waiting when its own ctx is done.
func (a *Adapter) lookup(ctx context.Context, key, text string) Result {
	ch := a.flight.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.roundBudget())
		defer cancel()
		return a.fetch(fetchCtx, key, text), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{Query: key}
	}
}

func (a *Adapter) roundBudget() time.Duration {
	return time.Duration(a.opts.Attempts) * (a.opts.Timeout + a.opts.MaxBackoff)
}

func (a *Adapter) fetch(ctx context.Context, key, text string) Result {
	var coords store.Coordinates
	backoff := util.Backoff{Attempts: a.opts.Attempts, Initial: a.opts.InitialBackoff, Max: a.opts.MaxBackoff}
	err := util.Retry(ctx, backoff, func(err error) bool {
		return !IsHard(err) && ctx.Err() == nil
	}, func(int) error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
		result, err := a.provider.Geocode(callCtx, text)
		if err != nil {
			return err
		}
		if !result.Valid() {
			return Hard(fmt.Errorf("provider returned out-of-range coordinates %s", result))
		}
		coords = result
		return nil
	})

	switch {
	case err == nil:
		a.local.Set(ctx, key, coords)
		if a.shared != nil {
			a.shared.Set(ctx, key, coords)
		}
		return Result{Query: key, Coordinates: coords, Resolved: true}
	case IsHard(err):
		a.local.Delete(ctx, key)
		if a.shared != nil {
			a.shared.Delete(ctx, key)
		}
		if !errors.Is(err, ErrNoMatch) {
			log.Printf("geocode: %s rejected %q: %v", a.provider.Name(), key, err)
		}
	default:
		log.Printf("geocode: %s unavailable for %q after %d attempts: %v", a.provider.Name(), key, a.opts.Attempts, err)
	}
	return Result{Query: key}
}
