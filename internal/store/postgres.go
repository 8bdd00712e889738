package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps one physical table per logical table. The version
// column is checked inside the UPDATE so the compare and the swap happen in
// one statement; a multi-row commit shares a single transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Get(ctx context.Context, table, key string) (Record, error) {
	if _, ok := knownTables[table]; !ok {
		return Record{}, fmt.Errorf("unknown table %q", table)
	}
	record := Record{Table: table, Key: key}
	query := fmt.Sprintf(`SELECT version, data, created_at, updated_at FROM %s WHERE id=$1`, table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&record.Version, &record.Data, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return record, nil
}

func (s *PostgresStore) List(ctx context.Context, table string) ([]Record, error) {
	if _, ok := knownTables[table]; !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, version, data, created_at, updated_at
		FROM %s
		ORDER BY created_at ASC, id ASC
	`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		item := Record{Table: table}
		if err := rows.Scan(&item.Key, &item.Version, &item.Data, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return items, nil
}

func (s *PostgresStore) Commit(ctx context.Context, mutations []Mutation) ([]Record, error) {
	if err := validateMutations(mutations); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin commit tx: %v", ErrStoreUnavailable, err)
	}

	applied := make([]Record, 0, len(mutations))
	for _, mutation := range mutations {
		record, err := applyMutation(ctx, tx, mutation)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, ErrVersionConflict) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		applied = append(applied, record)
	}

	// The COMMIT may have reached the server; the caller has to confirm.
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return applied, nil
}

func applyMutation(ctx context.Context, tx *sql.Tx, mutation Mutation) (Record, error) {
	record := Record{Table: mutation.Table, Key: mutation.Key, Data: mutation.Data}
	var row *sql.Row
	if mutation.ExpectedVersion == 0 {
		row = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, version, data)
			VALUES ($1, 1, $2)
			ON CONFLICT (id) DO NOTHING
			RETURNING version, created_at, updated_at
		`, mutation.Table), mutation.Key, string(mutation.Data))
	} else {
		row = tx.QueryRowContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET data=$2, version=version+1, updated_at=NOW()
			WHERE id=$1 AND version=$3
			RETURNING version, created_at, updated_at
		`, mutation.Table), mutation.Key, string(mutation.Data), mutation.ExpectedVersion)
	}
	err := row.Scan(&record.Version, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		stored, lookupErr := currentVersion(ctx, tx, mutation.Table, mutation.Key)
		if lookupErr != nil {
			return Record{}, lookupErr
		}
		return Record{}, conflictError(mutation.Table, mutation.Key, mutation.ExpectedVersion, stored)
	}
	if err != nil {
		return Record{}, fmt.Errorf("write %s/%s: %w", mutation.Table, mutation.Key, err)
	}
	return record, nil
}

func currentVersion(ctx context.Context, tx *sql.Tx, table, key string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE id=$1`, table), key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %s/%s: %w", table, key, err)
	}
	return version, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
