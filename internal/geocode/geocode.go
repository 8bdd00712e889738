// Package geocode turns free-text locations into coordinates. Lookups go
// through a cache, a rate limiter and a bounded retry loop, and a lookup that
// cannot be completed yields an unresolved result instead of an error.
package geocode

import (
	"context"
	"errors"
	"sync"

	"reliefhub/api/internal/store"
)

// ErrNoMatch is a hard error: the provider understood the query and found
// nothing. It is never retried.
var ErrNoMatch = errors.New("geocode: no match")

// Provider resolves an address string. Errors are transient unless they are
// ErrNoMatch or wrapped with Hard.
type Provider interface {
	Geocode(ctx context.Context, text string) (store.Coordinates, error)
	Name() string
}

type hardError struct {
	err error
}

func (e *hardError) Error() string { return e.err.Error() }
func (e *hardError) Unwrap() error { return e.err }

// Hard marks err as a permanent provider failure for this query.
func Hard(err error) error {
	if err == nil {
		return nil
	}
	return &hardError{err: err}
}

func IsHard(err error) bool {
	var h *hardError
	return errors.Is(err, ErrNoMatch) || errors.As(err, &h)
}

// Result is the outcome of a lookup. Resolved=false is a degraded result, not
// an error.
type Result struct {
	Query       string            `json:"query"`
	Coordinates store.Coordinates `json:"coordinates"`
	Resolved    bool              `json:"resolved"`
	Cached      bool              `json:"cached"`
}

// Location returns the coordinates or nil when unresolved.
func (r Result) Location() *store.Coordinates {
	if !r.Resolved {
		return nil
	}
	c := r.Coordinates
	return &c
}

// Cache stores resolved coordinates by normalized query. Entries do not expire.
type Cache interface {
	Get(ctx context.Context, key string) (store.Coordinates, bool)
	Set(ctx context.Context, key string, value store.Coordinates)
	Delete(ctx context.Context, key string)
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]store.Coordinates
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]store.Coordinates)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (store.Coordinates, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	return value, ok
}

func (c *MemoryCache) Set(_ context.Context, key string, value store.Coordinates) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
