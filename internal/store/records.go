package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	TableRequests    = "requests"
	TableVolunteers  = "volunteers"
	TableAssignments = "assignments"
)

var knownTables = map[string]struct{}{
	TableRequests:    {},
	TableVolunteers:  {},
	TableAssignments: {},
}

var (
	ErrNotFound         = errors.New("record not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrIndeterminate means a write may or may not have been applied.
	// Callers must re-read to find out and must not blindly repeat it.
	ErrIndeterminate = errors.New("write outcome indeterminate")
)

// Record is one row of a logical table. Version 0 means "not stored yet".
type Record struct {
	Table     string
	Key       string
	Version   int64
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mutation replaces a row's data on condition that its stored version still
// equals ExpectedVersion. ExpectedVersion 0 inserts a new row.
type Mutation struct {
	Table           string
	Key             string
	ExpectedVersion int64
	Data            []byte
}

// Backend is a row store with version-conditioned writes. Commit must apply
// either every mutation or none of them.
type Backend interface {
	Get(ctx context.Context, table, key string) (Record, error)
	List(ctx context.Context, table string) ([]Record, error)
	Commit(ctx context.Context, mutations []Mutation) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

func validateMutations(mutations []Mutation) error {
	if len(mutations) == 0 {
		return fmt.Errorf("empty commit")
	}
	seen := make(map[string]struct{}, len(mutations))
	for _, m := range mutations {
		if _, ok := knownTables[m.Table]; !ok {
			return fmt.Errorf("unknown table %q", m.Table)
		}
		if m.Key == "" {
			return fmt.Errorf("empty key for table %s", m.Table)
		}
		if m.ExpectedVersion < 0 {
			return fmt.Errorf("negative expected version for %s/%s", m.Table, m.Key)
		}
		id := m.Table + "/" + m.Key
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate mutation for %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func conflictError(table, key string, expected, actual int64) error {
	return fmt.Errorf("%w: %s/%s expected version %d, stored %d", ErrVersionConflict, table, key, expected, actual)
}

// Batch collects the rows one operation needs to commit together. Each entity
// is written with its current Version as the expected version; the stored
// copy carries the version it will have once committed.
type Batch struct {
	mutations []Mutation
	err       error
}

func (b *Batch) PutRequest(item Request) {
	item.Version++
	b.put(TableRequests, item.ID, item.Version-1, item)
}

func (b *Batch) PutVolunteer(item Volunteer) {
	item.Version++
	b.put(TableVolunteers, item.ID, item.Version-1, item)
}

func (b *Batch) PutAssignment(item Assignment) {
	item.Version++
	b.put(TableAssignments, item.ID, item.Version-1, item)
}

func (b *Batch) put(table, key string, expected int64, value any) {
	if b.err != nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		b.err = fmt.Errorf("encode %s/%s: %w", table, key, err)
		return
	}
	b.mutations = append(b.mutations, Mutation{Table: table, Key: key, ExpectedVersion: expected, Data: data})
}

func (b *Batch) Mutations() ([]Mutation, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.mutations, nil
}

// MemoryBackend keeps rows in process memory. Writers serialize on a single
// mutex, so a commit is trivially atomic.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]map[string]memoryRow
	seq    int64
	now    func() time.Time
}

type memoryRow struct {
	record Record
	seq    int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tables: make(map[string]map[string]memoryRow),
		now:    time.Now,
	}
}

func (m *MemoryBackend) Get(ctx context.Context, table, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tables[table][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(row.record), nil
}

// List returns rows in insertion order.
func (m *MemoryBackend) List(ctx context.Context, table string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	rows := make([]memoryRow, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		rows = append(rows, row)
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, cloneRecord(row.record))
	}
	return records, nil
}

func (m *MemoryBackend) Commit(ctx context.Context, mutations []Mutation) ([]Record, error) {
	if err := validateMutations(mutations); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mutation := range mutations {
		var stored int64
		if row, ok := m.tables[mutation.Table][mutation.Key]; ok {
			stored = row.record.Version
		}
		if stored != mutation.ExpectedVersion {
			return nil, conflictError(mutation.Table, mutation.Key, mutation.ExpectedVersion, stored)
		}
	}

	now := m.now().UTC()
	applied := make([]Record, 0, len(mutations))
	for _, mutation := range mutations {
		table, ok := m.tables[mutation.Table]
		if !ok {
			table = make(map[string]memoryRow)
			m.tables[mutation.Table] = table
		}
		row, exists := table[mutation.Key]
		if !exists {
			m.seq++
			row = memoryRow{seq: m.seq, record: Record{Table: mutation.Table, Key: mutation.Key, CreatedAt: now}}
		}
		row.record.Version = mutation.ExpectedVersion + 1
		row.record.Data = append([]byte(nil), mutation.Data...)
		row.record.UpdatedAt = now
		table[mutation.Key] = row
		applied = append(applied, cloneRecord(row.record))
	}
	return applied, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryBackend) Close() error {
	return nil
}

func cloneRecord(record Record) Record {
	record.Data = append([]byte(nil), record.Data...)
	return record
}
