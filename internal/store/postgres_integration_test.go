package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	return dsn
}

func TestPostgresBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := getTestDatabaseURL(t)

	backendContract(t, func(t *testing.T) Backend {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := Open(ctx, dsn)
		if err != nil {
			t.Fatalf("open database: %v", err)
		}
		if _, err := db.ExecContext(ctx, `TRUNCATE requests, volunteers, assignments`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		store := NewPostgresStore(db)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := getTestDatabaseURL(t)
	ctx := context.Background()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("second migration pass failed: %v", err)
	}
}

func TestEmbeddedMigrationsPairUpAndDown(t *testing.T) {
	ups, err := migrationNames(".up.sql")
	if err != nil {
		t.Fatalf("read up migrations: %v", err)
	}
	downs, err := migrationNames(".down.sql")
	if err != nil {
		t.Fatalf("read down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("expected at least one migration")
	}
	if len(ups) != len(downs) {
		t.Fatalf("expected matching up/down migrations, got %d up and %d down", len(ups), len(downs))
	}
	for i := range ups {
		if strings.TrimSuffix(ups[i], ".up.sql") != strings.TrimSuffix(downs[i], ".down.sql") {
			t.Fatalf("migration %s has no matching down file", ups[i])
		}
	}
}

func TestOpenRejectsMalformedURL(t *testing.T) {
	_, err := Open(context.Background(), "postgres://reliefhub@localhost:notaport/reliefhub")
	if err == nil || !strings.Contains(err.Error(), "parse database url") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
