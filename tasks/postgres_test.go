package tasks

import (
	"context"
	"os"
	"testing"
)

// TestPostgresStore runs the store suite against a live database named by
// TASKKIT_TEST_POSTGRES_DSN. Each subtest starts from empty tables.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TASKKIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKKIT_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			t.Fatalf("OpenPostgres failed: %v", err)
		}
		if _, err := s.pool.Exec(ctx, `TRUNCATE task_attachments, tasks RESTART IDENTITY CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestOpenPostgres_RequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestPostgresStore_Migrations(t *testing.T) {
	dsn := os.Getenv("TASKKIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKKIT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		var version int64
		var dirty bool
		if err := s.pool.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty); err != nil {
			t.Fatalf("read ledger: %v", err)
		}
		if version != schemaVersion || dirty {
			t.Errorf("ledger = (%d, %v)", version, dirty)
		}
		var dataType string
		err = s.pool.QueryRow(ctx, `SELECT data_type FROM information_schema.columns
			WHERE table_name = 'tasks' AND column_name = 'priority'`).Scan(&dataType)
		if err != nil || dataType != "bigint" {
			t.Errorf("priority column = %q, %v", dataType, err)
		}
		s.Close()
	}
}
