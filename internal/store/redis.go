package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each row in a hash {data, version, created, updated} and a
// per-table sorted set ordered by creation time. Commit WATCHes every touched
// row, checks versions, then writes inside MULTI/EXEC; a concurrent write to
// any watched row aborts the whole transaction.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at redisURL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.ContextTimeoutEnabled = true
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "rec:",
	}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) rowKey(table, key string) string {
	return s.prefix + table + ":" + key
}

func (s *RedisStore) indexKey(table string) string {
	return s.prefix + table + ":_index"
}

func (s *RedisStore) Get(ctx context.Context, table, key string) (Record, error) {
	values, err := s.client.HGetAll(ctx, s.rowKey(table, key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	if len(values) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeHash(table, key, values)
}

func (s *RedisStore) List(ctx context.Context, table string) ([]Record, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(table), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	if len(keys) == 0 {
		return []Record{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.rowKey(table, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list %s rows: %w", table, err)
	}

	items := make([]Record, 0, len(keys))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		record, err := decodeHash(table, keys[i], values)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	return items, nil
}

func (s *RedisStore) Commit(ctx context.Context, mutations []Mutation) ([]Record, error) {
	if err := validateMutations(mutations); err != nil {
		return nil, err
	}

	watched := make([]string, len(mutations))
	for i, mutation := range mutations {
		watched[i] = s.rowKey(mutation.Table, mutation.Key)
	}

	var applied []Record
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		applied = make([]Record, 0, len(mutations))
		now := time.Now().UTC()
		for i, mutation := range mutations {
			current, err := tx.HMGet(ctx, watched[i], "version", "created").Result()
			if err != nil {
				return fmt.Errorf("%w: read version %s/%s: %v", ErrStoreUnavailable, mutation.Table, mutation.Key, err)
			}
			stored, err := parseOptionalInt(current[0])
			if err != nil {
				return fmt.Errorf("parse version %s/%s: %w", mutation.Table, mutation.Key, err)
			}
			if stored != mutation.ExpectedVersion {
				return conflictError(mutation.Table, mutation.Key, mutation.ExpectedVersion, stored)
			}
			created := now
			if nanos, err := parseOptionalInt(current[1]); err == nil && nanos > 0 {
				created = time.Unix(0, nanos).UTC()
			}
			applied = append(applied, Record{
				Table:     mutation.Table,
				Key:       mutation.Key,
				Version:   mutation.ExpectedVersion + 1,
				Data:      mutation.Data,
				CreatedAt: created,
				UpdatedAt: now,
			})
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, record := range applied {
				pipe.HSet(ctx, watched[i],
					"data", string(record.Data),
					"version", record.Version,
					"created", record.CreatedAt.UnixNano(),
					"updated", record.UpdatedAt.UnixNano(),
				)
				if mutations[i].ExpectedVersion == 0 {
					pipe.ZAdd(ctx, s.indexKey(record.Table), redis.Z{
						Score:  float64(record.CreatedAt.UnixMicro()),
						Member: record.Key,
					})
				}
			}
			return nil
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: concurrent write to a watched row", ErrVersionConflict)
	}
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(table, key string, values map[string]string) (Record, error) {
	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse version %s/%s: %w", table, key, err)
	}
	created, _ := strconv.ParseInt(values["created"], 10, 64)
	updated, _ := strconv.ParseInt(values["updated"], 10, 64)
	return Record{
		Table:     table,
		Key:       key,
		Version:   version,
		Data:      []byte(values["data"]),
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, nil
}

func parseOptionalInt(value any) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}
