// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestNewMigrator verifies Migrator initialization.
func TestNewMigrator(t *testing.T) {
	db := openMemory(t)

	m := NewMigrator(db, Migrations)
	if m.db != db {
		t.Error("Migrator.db not set correctly")
	}
	if m.dir != "migrations" {
		t.Errorf("embedded migrations dir = %q, want migrations", m.dir)
	}

	m = NewMigrator(db, fstest.MapFS{})
	if m.dir != "." {
		t.Errorf("plain fs dir = %q, want .", m.dir)
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestUp_appliesMigration verifies migration files are applied in order and
// only once.
func TestUp_appliesMigration(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"V2__add_column.up.sql":   {Data: []byte(`ALTER TABLE test_table ADD COLUMN name TEXT;`)},
		"V1__test_table.up.sql":   {Data: []byte(`CREATE TABLE test_table (id INTEGER PRIMARY KEY);`)},
		"V1__test_table.down.sql": {Data: []byte(`DROP TABLE test_table;`)},
		"README.md":               {Data: []byte(`ignored`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO test_table (id, name) VALUES (1, 'x')"); err != nil {
		t.Errorf("migrations not applied in order: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil || version != 2 {
		t.Errorf("CurrentVersion() = %d, %v; want 2", version, err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 || applied[0].Description != "test_table" || len(applied[0].Checksum) != 64 {
		t.Errorf("unexpected applied migrations: %+v", applied)
	}

	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_detectsModifiedMigration verifies checksum verification.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"V1__test_table.up.sql": {Data: []byte(`CREATE TABLE test_table (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__test_table.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE other (id INTEGER);`)}
	err := m.Up()
	if !errors.Is(err, errors.ErrMigration) {
		t.Errorf("Up() = %v, want MIGRATION_FAILED", err)
	}
}

// TestUp_failedMigrationIsNotRecorded verifies a broken file leaves no record.
func TestUp_failedMigrationIsNotRecorded(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte(`CREATE TABLE (;`)},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); !errors.Is(err, errors.ErrMigration) {
		t.Errorf("Up() = %v, want MIGRATION_FAILED", err)
	}
	if version, _ := m.CurrentVersion(); version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies rollback of the newest migration.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down()
	if err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() with nothing applied = %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='revisions'").Scan(&count)
	if count != 0 {
		t.Error("revisions table should be dropped")
	}
	if version, _ := m.CurrentVersion(); version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}
