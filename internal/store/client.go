package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client is the single path to the record store. Every call runs under its
// own deadline and backend failures are folded into the package errors.
type Client struct {
	backend Backend
	timeout time.Duration
}

func NewClient(backend Backend, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{backend: backend, timeout: timeout}
}

func (c *Client) Backend() Backend {
	return c.backend
}

// Read returns the stored value and its version.
func (c *Client) Read(ctx context.Context, table, key string) (Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	record, err := c.backend.Get(callCtx, table, key)
	if err != nil {
		return Record{}, classifyRead(ctx, fmt.Sprintf("read %s/%s", table, key), err)
	}
	return record, nil
}

// Write stores value under key if the stored version equals expectedVersion.
func (c *Client) Write(ctx context.Context, table, key string, expectedVersion int64, value []byte) (Record, error) {
	records, err := c.Commit(ctx, []Mutation{{Table: table, Key: key, ExpectedVersion: expectedVersion, Data: value}})
	if err != nil {
		return Record{}, err
	}
	return records[0], nil
}

// Commit applies mutations atomically. Once the backend call has been issued,
// any failure other than a version conflict or an error the backend marks
// with ErrStoreUnavailable (failed before anything was sent) is reported as
// ErrIndeterminate: the write may have landed.
func (c *Client) Commit(ctx context.Context, mutations []Mutation) ([]Record, error) {
	if err := validateMutations(mutations); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	records, err := c.backend.Commit(callCtx, mutations)
	if err == nil {
		return records, nil
	}
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStoreUnavailable) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: commit of %d rows: %v", ErrIndeterminate, len(mutations), err)
}

func (c *Client) CommitBatch(ctx context.Context, batch *Batch) ([]Record, error) {
	mutations, err := batch.Mutations()
	if err != nil {
		return nil, err
	}
	return c.Commit(ctx, mutations)
}

func (c *Client) List(ctx context.Context, table string) ([]Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	records, err := c.backend.List(callCtx, table)
	if err != nil {
		return nil, classifyRead(ctx, "list "+table, err)
	}
	return records, nil
}

func (c *Client) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.backend.Ping(callCtx)
}

func (c *Client) Close() error {
	return c.backend.Close()
}

func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var item Request
	err := c.readInto(ctx, TableRequests, id, &item)
	return item, err
}

func (c *Client) GetVolunteer(ctx context.Context, id string) (Volunteer, error) {
	var item Volunteer
	err := c.readInto(ctx, TableVolunteers, id, &item)
	return item, err
}

func (c *Client) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	var item Assignment
	err := c.readInto(ctx, TableAssignments, id, &item)
	return item, err
}

func (c *Client) ListRequests(ctx context.Context) ([]Request, error) {
	records, err := c.List(ctx, TableRequests)
	if err != nil {
		return nil, err
	}
	items := make([]Request, 0, len(records))
	for _, record := range records {
		var item Request
		if err := decodeRecord(record, &item); err != nil {
			return nil, err
		}
		item.Version = record.Version
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) ListVolunteers(ctx context.Context) ([]Volunteer, error) {
	records, err := c.List(ctx, TableVolunteers)
	if err != nil {
		return nil, err
	}
	items := make([]Volunteer, 0, len(records))
	for _, record := range records {
		var item Volunteer
		if err := decodeRecord(record, &item); err != nil {
			return nil, err
		}
		item.Version = record.Version
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) ListAssignments(ctx context.Context) ([]Assignment, error) {
	records, err := c.List(ctx, TableAssignments)
	if err != nil {
		return nil, err
	}
	items := make([]Assignment, 0, len(records))
	for _, record := range records {
		var item Assignment
		if err := decodeRecord(record, &item); err != nil {
			return nil, err
		}
		item.Version = record.Version
		items = append(items, item)
	}
	return items, nil
}

// readInto decodes a row and takes the version from the row, not the payload.
func (c *Client) readInto(ctx context.Context, table, key string, target any) error {
	record, err := c.Read(ctx, table, key)
	if err != nil {
		return err
	}
	if err := decodeRecord(record, target); err != nil {
		return err
	}
	switch item := target.(type) {
	case *Request:
		item.Version = record.Version
	case *Volunteer:
		item.Version = record.Version
	case *Assignment:
		item.Version = record.Version
	}
	return nil
}

func decodeRecord(record Record, target any) error {
	if err := json.Unmarshal(record.Data, target); err != nil {
		return fmt.Errorf("decode %s/%s: %w", record.Table, record.Key, err)
	}
	return nil
}

func classifyRead(parent context.Context, op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
