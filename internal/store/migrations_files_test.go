package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const migrationsDir = "../../db/migrations"

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	ups, err := listMigrations(migrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := listMigrations(migrationsDir, ".down.sql")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	if len(ups) != len(downs) {
		t.Fatalf("expected as many down files as up files, got %d up and %d down", len(ups), len(downs))
	}

	pattern := regexp.MustCompile(`^\d{4}_[a-z0-9_]+\.up\.sql$`)
	for i, up := range ups {
		if !pattern.MatchString(up.version) {
			t.Fatalf("unexpected migration name %s", up.version)
		}
		if downs[i].version != up.version {
			t.Fatalf("down migration %s does not pair with %s", filepath.Base(downs[i].path), up.version)
		}
		body, err := os.ReadFile(up.path)
		if err != nil {
			t.Fatalf("read %s: %v", up.path, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			t.Fatalf("migration %s is empty", up.version)
		}
	}
}

func TestDocumentsMigrationDefinesSearchColumns(t *testing.T) {
	body, err := os.ReadFile(filepath.Join(migrationsDir, "0001_documents.up.sql"))
	if err != nil {
		t.Fatalf("read documents migration: %v", err)
	}
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS documents", "plain_text", "fts TSVECTOR"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("documents migration missing %q", want)
		}
	}
}
