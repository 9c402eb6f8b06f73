package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := DiscoverMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("discover migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range migrations {
		if m.Up == "" || m.Down == "" {
			t.Fatalf("version %s must include both up and down files", m.Version)
		}
	}
}

func TestDiscoverMigrationsOrdersAndRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("0002_b.up.sql")
	write("0001_a.up.sql")
	write("0001_a.down.sql")
	write("README.md")

	migrations, err := DiscoverMigrations(dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "0001" || migrations[1].Version != "0002" {
		t.Fatalf("unexpected order: %+v", migrations)
	}
	if migrations[1].Down != "" {
		t.Fatalf("expected missing down for 0002, got %q", migrations[1].Down)
	}

	write("0001_again.up.sql")
	if _, err := DiscoverMigrations(dir); err == nil || !strings.Contains(err.Error(), "duplicate up") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestConnectionsMigrationKeepsGatesTyped(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_connections.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(contents)
	for _, column := range []string{"admin_approved", "client_approved", "admin_final_approved", "draft_locked"} {
		if !strings.Contains(sql, column+" BOOLEAN NOT NULL DEFAULT FALSE") {
			t.Fatalf("expected %s to be a non-null boolean", column)
		}
	}
}
