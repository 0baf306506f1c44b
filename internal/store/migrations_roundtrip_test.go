package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"hanwrite/api/internal/changeset"
)

func openTestDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("HANWRITE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HANWRITE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db, ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db, ctx := openTestDB(t)

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	pending, err := PendingMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("pending migrations: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending migrations, got %v", pending)
	}

	ups, err := listMigrations(migrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if err := RollbackMigrations(ctx, db, migrationsDir, len(ups)); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	pending, err = PendingMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("pending migrations: %v", err)
	}
	if len(pending) != len(ups) {
		t.Fatalf("expected all migrations pending after rollback, got %v", pending)
	}

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	db, ctx := openTestDB(t)
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)

	rec := Record{ID: "a12bc3d", Name: "Notes", Text: []changeset.Char{{Hanzi: "你", Pinyin: "nǐ"}, {Hanzi: "好"}}}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rec.Name = "Renamed"
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() upsert error = %v", err)
	}

	got, err := s.Load(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Name != "Renamed" || len(got.Text) != 2 || got.Text[0].Pinyin != "nǐ" {
		t.Fatalf("unexpected record %+v", got)
	}

	docs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != rec.ID {
		t.Fatalf("unexpected list %+v", docs)
	}

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
