package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// backendContract runs the behaviour every Backend must share.
func backendContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("insert then versioned updates", func(t *testing.T) {
		client := NewClient(newBackend(t), time.Second)
		ctx := context.Background()

		record, err := client.Write(ctx, TableRequests, "req_1", 0, []byte(`{"id":"req_1"}`))
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if record.Version != 1 {
			t.Fatalf("expected version 1 after insert, got %d", record.Version)
		}

		for i := int64(1); i <= 5; i++ {
			record, err = client.Write(ctx, TableRequests, "req_1", i, []byte(`{"id":"req_1"}`))
			if err != nil {
				t.Fatalf("write %d failed: %v", i, err)
			}
			if record.Version != i+1 {
				t.Fatalf("expected version %d, got %d", i+1, record.Version)
			}
		}

		stored, err := client.Read(ctx, TableRequests, "req_1")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if stored.Version != 6 {
			t.Fatalf("expected version 6 after 6 writes, got %d", stored.Version)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		client := NewClient(newBackend(t), time.Second)
		ctx := context.Background()

		if _, err := client.Write(ctx, TableVolunteers, "vol_1", 0, []byte(`{"v":1}`)); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if _, err := client.Write(ctx, TableVolunteers, "vol_1", 0, []byte(`{"v":2}`)); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected conflict on duplicate insert, got %v", err)
		}
		if _, err := client.Write(ctx, TableVolunteers, "vol_1", 7, []byte(`{"v":2}`)); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected conflict on stale version, got %v", err)
		}
		if _, err := client.Write(ctx, TableVolunteers, "missing", 3, []byte(`{}`)); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected conflict updating a missing row, got %v", err)
		}
		stored, err := client.Read(ctx, TableVolunteers, "vol_1")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if string(stored.Data) != `{"v":1}` || stored.Version != 1 {
			t.Fatalf("rejected writes must not change the row, got %s v%d", stored.Data, stored.Version)
		}
	})

	t.Run("multi row commit is all or nothing", func(t *testing.T) {
		client := NewClient(newBackend(t), time.Second)
		ctx := context.Background()

		if _, err := client.Write(ctx, TableRequests, "req_a", 0, []byte(`"a1"`)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if _, err := client.Write(ctx, TableVolunteers, "vol_a", 0, []byte(`"v1"`)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		_, err := client.Commit(ctx, []Mutation{
			{Table: TableRequests, Key: "req_a", ExpectedVersion: 1, Data: []byte(`"a2"`)},
			{Table: TableVolunteers, Key: "vol_a", ExpectedVersion: 2, Data: []byte(`"v2"`)},
			{Table: TableAssignments, Key: "asg_a", ExpectedVersion: 0, Data: []byte(`"x"`)},
		})
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}

		req, _ := client.Read(ctx, TableRequests, "req_a")
		if string(req.Data) != `"a1"` || req.Version != 1 {
			t.Fatalf("request row changed by aborted commit: %s v%d", req.Data, req.Version)
		}
		if _, err := client.Read(ctx, TableAssignments, "asg_a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("assignment row should not exist, got %v", err)
		}
	})

	t.Run("list returns creation order", func(t *testing.T) {
		client := NewClient(newBackend(t), time.Second)
		ctx := context.Background()
		for _, key := range []string{"c", "a", "b"} {
			if _, err := client.Write(ctx, TableAssignments, key, 0, []byte(`{}`)); err != nil {
				t.Fatalf("insert %s failed: %v", key, err)
			}
			time.Sleep(2 * time.Millisecond)
		}
		records, err := client.List(ctx, TableAssignments)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(records))
		}
		for i, want := range []string{"c", "a", "b"} {
			if records[i].Key != want {
				t.Fatalf("expected key %s at %d, got %s", want, i, records[i].Key)
			}
		}
	})

	t.Run("concurrent writers on one version have one winner", func(t *testing.T) {
		client := NewClient(newBackend(t), 2*time.Second)
		ctx := context.Background()
		if _, err := client.Write(ctx, TableVolunteers, "vol_hot", 0, []byte(`{}`)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := client.Write(ctx, TableVolunteers, "vol_hot", 1, []byte(`{"claimed":true}`))
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrVersionConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
		if conflicts.Load() != 7 {
			t.Fatalf("expected 7 conflicts, got %d", conflicts.Load())
		}
	})
}

func TestMemoryBackend(t *testing.T) {
	backendContract(t, func(t *testing.T) Backend { return NewMemoryBackend() })
}

func TestCommitRejectsMalformedBatches(t *testing.T) {
	client := NewClient(NewMemoryBackend(), time.Second)
	ctx := context.Background()

	cases := []struct {
		name      string
		mutations []Mutation
	}{
		{"empty", nil},
		{"unknown table", []Mutation{{Table: "donations", Key: "x"}}},
		{"empty key", []Mutation{{Table: TableRequests}}},
		{"duplicate", []Mutation{
			{Table: TableRequests, Key: "x"},
			{Table: TableRequests, Key: "x"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := client.Commit(ctx, tc.mutations); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type slowBackend struct {
	*MemoryBackend
	delay   time.Duration
	failGet error
}

func (s *slowBackend) Get(ctx context.Context, table, key string) (Record, error) {
	if s.failGet != nil {
		return Record{}, s.failGet
	}
	return s.MemoryBackend.Get(ctx, table, key)
}

func (s *slowBackend) Commit(ctx context.Context, mutations []Mutation) ([]Record, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryBackend.Commit(ctx, mutations)
}

func TestClientTimedOutWriteIsIndeterminate(t *testing.T) {
	backend := &slowBackend{MemoryBackend: NewMemoryBackend(), delay: 200 * time.Millisecond}
	client := NewClient(backend, 20*time.Millisecond)

	_, err := client.Write(context.Background(), TableRequests, "req_slow", 0, []byte(`{}`))
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected ErrIndeterminate, got %v", err)
	}
}

func TestClientMapsBackendFailures(t *testing.T) {
	backend := &slowBackend{MemoryBackend: NewMemoryBackend(), failGet: errors.New("connection reset by peer")}
	client := NewClient(backend, time.Second)

	_, err := client.Read(context.Background(), TableRequests, "req_1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	backend.failGet = ErrNotFound
	_, err = client.Read(context.Background(), TableRequests, "req_1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound to pass through, got %v", err)
	}
}

type failingCommitBackend struct {
	*MemoryBackend
	err error
}

func (f *failingCommitBackend) Commit(context.Context, []Mutation) ([]Record, error) {
	return nil, f.err
}

func TestClientClassifiesCommitFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "conflict", err: conflictError(TableRequests, "req_1", 1, 2), want: ErrVersionConflict},
		{name: "failed before send", err: fmt.Errorf("%w: begin commit tx: dial tcp: connection refused", ErrStoreUnavailable), want: ErrStoreUnavailable},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), want: ErrIndeterminate},
		{name: "commit tx", err: fmt.Errorf("commit tx: %w", errors.New("driver: bad connection")), want: ErrIndeterminate},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrIndeterminate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := NewClient(&failingCommitBackend{MemoryBackend: NewMemoryBackend(), err: tc.err}, time.Second)
			_, err := client.Write(context.Background(), TableRequests, "req_1", 0, []byte(`{}`))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.want != ErrStoreUnavailable && errors.Is(err, ErrStoreUnavailable) {
				t.Fatalf("%v must not be retried blindly", err)
			}
		})
	}
}

func TestMemoryBackendCancelledBeforeWriteIsUnavailable(t *testing.T) {
	backend := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := backend.Commit(ctx, []Mutation{{Table: TableRequests, Key: "req_1", Data: []byte(`{}`)}})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := backend.Get(context.Background(), TableRequests, "req_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled commit must not write, got %v", err)
	}
}

func TestBatchWritesTypedEntities(t *testing.T) {
	client := NewClient(NewMemoryBackend(), time.Second)
	ctx := context.Background()

	var batch Batch
	batch.PutRequest(Request{ID: "req_1", Urgency: UrgencyHigh, Status: RequestOpen})
	batch.PutVolunteer(Volunteer{ID: "vol_1", Capacity: 2, Available: true})
	if _, err := client.CommitBatch(ctx, &batch); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	req, err := client.GetRequest(ctx, "req_1")
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	if req.Version != 1 || req.Urgency != UrgencyHigh || req.Status != RequestOpen {
		t.Fatalf("unexpected request %+v", req)
	}

	req.Status = RequestAssigned
	var next Batch
	next.PutRequest(req)
	if _, err := client.CommitBatch(ctx, &next); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	updated, err := client.GetRequest(ctx, "req_1")
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	if updated.Version != 2 || updated.Status != RequestAssigned {
		t.Fatalf("unexpected request after update %+v", updated)
	}

	// Re-committing the stale copy must fail.
	var stale Batch
	stale.PutRequest(req)
	if _, err := client.CommitBatch(ctx, &stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict for stale copy, got %v", err)
	}

	volunteers, err := client.ListVolunteers(ctx)
	if err != nil {
		t.Fatalf("list volunteers failed: %v", err)
	}
	if len(volunteers) != 1 || volunteers[0].Version != 1 {
		t.Fatalf("unexpected volunteers %+v", volunteers)
	}
}
