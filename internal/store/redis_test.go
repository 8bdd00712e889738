package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestRedisBackend(t *testing.T) {
	backendContract(t, func(t *testing.T) Backend {
		store, _ := setupTestRedis(t)
		return store
	})
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestRedisStoreKeepsVersionColumn(t *testing.T) {
	store, s := setupTestRedis(t)
	client := NewClient(store, time.Second)
	ctx := context.Background()

	if _, err := client.Write(ctx, TableRequests, "req_1", 0, []byte(`{"id":"req_1"}`)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := s.HGet("rec:requests:req_1", "version"); got != "1" {
		t.Fatalf("expected version column 1, got %q", got)
	}

	// Another process bumping the version column directly must be detected.
	s.HSet("rec:requests:req_1", "version", "5")
	if _, err := client.Write(ctx, TableRequests, "req_1", 1, []byte(`{}`)); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict after external bump, got %v", err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, s := setupTestRedis(t)
	client := NewClient(store, 200*time.Millisecond)
	s.Close()

	_, err := client.Read(context.Background(), TableRequests, "req_1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail after server close")
	}
}

func TestNewRedisStoreHonoursContextDeadlines(t *testing.T) {
	store, _ := setupTestRedis(t)
	if !store.client.Options().ContextTimeoutEnabled {
		t.Fatal("commands must stop at the caller's deadline")
	}
}

func TestRedisCommitAfterServerLossIsClassified(t *testing.T) {
	store, s := setupTestRedis(t)
	client := NewClient(store, 200*time.Millisecond)
	s.Close()

	_, err := client.Write(context.Background(), TableRequests, "req_1", 0, []byte(`{}`))
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if !errors.Is(err, ErrIndeterminate) && !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("unexpected classification %v", err)
	}
}
