package db

import (
	"path/filepath"
	"testing"
)

func setupMigrationTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate_test.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateUp(t *testing.T) {
	db := setupMigrationTestDB(t)

	err := db.MigrateUp()
	if err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty after successful migration")
	}

	for _, table := range []string{"scene_tracks", "scene_fits", "scene_parts"} {
		var exists bool
		err = db.QueryRow(`
			SELECT COUNT(*) > 0
			FROM sqlite_master
			WHERE type='table' AND name=?
		`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check %s: %v", table, err)
		}
		if !exists {
			t.Errorf("%s should exist after migration", table)
		}
	}
}

func TestMigrateUp_Idempotency(t *testing.T) {
	db := setupMigrationTestDB(t)

	// Run migrations up twice
	err := db.MigrateUp()
	if err != nil {
		t.Fatalf("first MigrateUp failed: %v", err)
	}
	err = db.MigrateUp()
	if err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	version, _, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after idempotent up, got %d", version)
	}
}

func TestMigrateDown(t *testing.T) {
	db := setupMigrationTestDB(t)

	err := db.MigrateUp()
	if err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	err = db.MigrateDown()
	if err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	var count int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name LIKE 'scene_%'
	`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	if count != 0 {
		t.Errorf("expected scene tables dropped after down, got %d remaining", count)
	}
}

func TestMigrateVersion_Unmigrated(t *testing.T) {
	db := setupMigrationTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion on fresh database failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("expected version 0 clean on fresh database, got %d (dirty: %v)", version, dirty)
	}
}
