// Package coordinator is the only writer of requests, volunteers and
// assignments. Every command reads the rows it needs, validates, and commits
// all touched rows at once under their read versions. A conflicting commit
// changes nothing and the command starts over from fresh reads.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"reliefhub/api/internal/geocode"
	"reliefhub/api/internal/match"
	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

// Geocoder resolves free-text locations. Resolve must not fail; an
// unresolved result is a valid outcome.
type Geocoder interface {
	Resolve(ctx context.Context, text string) geocode.Result
	Refresh(ctx context.Context, text string) geocode.Result
}

// Observer receives every committed delta after the aggregator. It must not
// block; slow work belongs on its own goroutine.
type Observer interface {
	Observe(delta stats.Delta)
}

type Options struct {
	// Retries bounds attempts per command when commits conflict.
	Retries int
	// Backoff schedules retries while the store is unavailable.
	Backoff   util.Backoff
	Observers []Observer
	Now       func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Retries: 3,
		Backoff: util.Backoff{Attempts: 3, Initial: 100 * time.Millisecond, Max: time.Second},
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

type Coordinator struct {
	store      *store.Client
	geocoder   Geocoder
	engine     match.Engine
	aggregator *stats.Aggregator
	opts       Options
}

// New wires a coordinator. geocoder may be nil, in which case locations are
// only taken from explicit coordinates.
func New(client *store.Client, geocoder Geocoder, aggregator *stats.Aggregator, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.Retries <= 0 {
		opts.Retries = defaults.Retries
	}
	if opts.Backoff.Attempts <= 0 {
		opts.Backoff = defaults.Backoff
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	if aggregator == nil {
		aggregator = stats.NewAggregator()
	}
	return &Coordinator{
		store:      client,
		geocoder:   geocoder,
		engine:     match.NewEngine(),
		aggregator: aggregator,
		opts:       opts,
	}
}

func (c *Coordinator) Stats() *stats.Aggregator {
	return c.aggregator
}

func (c *Coordinator) Store() *store.Client {
	return c.store
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now()
}

// plan is one attempt of a command: the rows to commit, what to publish once
// they are committed, and which row proves the commit landed.
type plan[T any] struct {
	batch  *store.Batch
	delta  stats.Delta
	result T
	anchor anchor
}

// anchor identifies the version and timestamp one of the written rows will
// carry once committed.
type anchor struct {
	table     string
	key       string
	version   int64
	updatedAt time.Time
}

func noop[T any](result T) plan[T] {
	return plan[T]{result: result}
}

func execute[T any](ctx context.Context, c *Coordinator, op string, build func(context.Context) (plan[T], error)) (T, error) {
	var zero T
	conflicted, unsettled := false, false
	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		var p plan[T]
		err := util.Retry(ctx, c.opts.Backoff, isUnavailable, func(int) error {
			var err error
			if p, err = build(ctx); err != nil {
				return err
			}
			if p.batch == nil {
				return nil
			}
			_, err = c.store.CommitBatch(ctx, p.batch)
			return err
		})

		switch {
		case err == nil:
			if p.batch != nil {
				c.publish(p.delta)
			}
			return p.result, nil
		case errors.Is(err, store.ErrVersionConflict):
			log.Printf("coordinator: %s: version conflict (attempt %d/%d)", op, attempt, c.opts.Retries)
			conflicted, unsettled = true, false
		case errors.Is(err, store.ErrIndeterminate):
			landed, confirmErr := c.confirm(ctx, p.anchor)
			if confirmErr != nil {
				log.Printf("coordinator: %s: write outcome unknown: %v", op, confirmErr)
				return zero, fmt.Errorf("%w: %s: write outcome unknown", ErrServiceDegraded, op)
			}
			if landed {
				log.Printf("coordinator: %s: unacknowledged write confirmed by re-read", op)
				c.publish(p.delta)
				return p.result, nil
			}
			log.Printf("coordinator: %s: unacknowledged write not applied (attempt %d/%d)", op, attempt, c.opts.Retries)
			unsettled = true
		case errors.Is(err, store.ErrStoreUnavailable):
			log.Printf("coordinator: %s: store unavailable: %v", op, err)
			return zero, fmt.Errorf("%w: %s", ErrServiceDegraded, op)
		case conflicted && errors.Is(err, ErrValidation):
			// A concurrent writer won and its result made this command
			// invalid; report the lost race along with the reason.
			return zero, fmt.Errorf("%w: %s: %w", ErrConcurrentModification, op, err)
		default:
			return zero, err
		}
	}
	log.Printf("coordinator: %s: giving up after %d attempts", op, c.opts.Retries)
	if unsettled {
		return zero, fmt.Errorf("%w: %s", ErrServiceDegraded, op)
	}
	return zero, fmt.Errorf("%w: %s", ErrConcurrentModification, op)
}

// confirm re-reads the anchor row to learn whether an unacknowledged commit was
// applied. Never re-issue the write without this.
func (c *Coordinator) confirm(ctx context.Context, a anchor) (bool, error) {
	var record store.Record
	err := util.Retry(ctx, c.opts.Backoff, isUnavailable, func(int) error {
		var err error
		record, err = c.store.Read(ctx, a.table, a.key)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var stamp struct {
		UpdatedAt time.Time `json:"updatedAt"`
	}
	if err := json.Unmarshal(record.Data, &stamp); err != nil {
		return false, err
	}
	return record.Version == a.version && stamp.UpdatedAt.Equal(a.updatedAt), nil
}

func (c *Coordinator) publish(delta stats.Delta) {
	if delta.At.IsZero() {
		delta.At = c.now()
	}
	c.aggregator.Apply(delta)
	for _, observer := range c.opts.Observers {
		observer.Observe(delta)
	}
}

// read runs a read-only call with the store retry schedule.
func read[T any](ctx context.Context, c *Coordinator, op string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := util.Retry(ctx, c.opts.Backoff, isUnavailable, func(int) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if errors.Is(err, store.ErrStoreUnavailable) {
		log.Printf("coordinator: %s: store unavailable: %v", op, err)
		return result, fmt.Errorf("%w: %s", ErrServiceDegraded, op)
	}
	return result, err
}

func isUnavailable(err error) bool {
	return errors.Is(err, store.ErrStoreUnavailable)
}

func requestAnchor(r store.Request) anchor {
	return anchor{table: store.TableRequests, key: r.ID, version: r.Version, updatedAt: r.UpdatedAt}
}

func volunteerAnchor(v store.Volunteer) anchor {
	return anchor{table: store.TableVolunteers, key: v.ID, version: v.Version, updatedAt: v.UpdatedAt}
}

// The committed* helpers return the entity as it reads back after a Batch
// commit: one version higher.

func committedRequest(r store.Request) *store.Request {
	r.Version++
	return &r
}

func committedVolunteer(v store.Volunteer) *store.Volunteer {
	v.Version++
	return &v
}

func committedAssignment(a store.Assignment) *store.Assignment {
	a.Version++
	return &a
}
