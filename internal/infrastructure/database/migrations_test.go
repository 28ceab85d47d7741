package database

import (
	"context"
	"embed"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

// useMigrations points the package at fsys for the duration of the test.
func useMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()
	prevFS, prevDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = fsys, dir
	t.Cleanup(func() { MigrationsFS, MigrationsDir = prevFS, prevDir })
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master query error = %v", err)
	}
	return n > 0
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "test_lines") {
		t.Fatal("test_lines not created")
	}

	// A second run finds nothing pending.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Applied) != 1 || status.Applied[0].Version != "20260118_120000" {
		t.Errorf("Applied = %+v, want [20260118_120000]", status.Applied)
	}
	if status.Applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}
	if len(status.Pending) != 0 {
		t.Errorf("Pending = %+v, want none", status.Pending)
	}
}

func TestMigrate_NoMigrations(t *testing.T) {
	useMigrations(t, nil, ".")
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations not created")
	}
}

func TestMigrate_FailureKeepsEarlier(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_first.up.sql":  {Data: []byte("CREATE TABLE first (id INTEGER)")},
		"20260102_000000_broken.up.sql": {Data: []byte("CREATE TABLEX nope")},
	}, ".")
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Migrate(ctx)
	if err == nil || !strings.Contains(err.Error(), "20260102_000000") {
		t.Fatalf("Migrate() error = %v, want failure naming 20260102_000000", err)
	}
	if !tableExists(t, db, "first") {
		t.Error("first migration should stay applied")
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Applied) != 1 || len(status.Pending) != 1 {
		t.Errorf("status = %d applied, %d pending; want 1, 1", len(status.Applied), len(status.Pending))
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata")
	db := openTestDB(t)
	ctx := context.Background()

	// Nothing applied yet.
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() on fresh db error = %v", err)
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "test_lines") {
		t.Error("test_lines still present after MigrateDown()")
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Applied) != 0 || len(status.Pending) != 1 {
		t.Errorf("status = %d applied, %d pending; want 0, 1", len(status.Applied), len(status.Pending))
	}
}

func TestMigrateDown_NoDownScript(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_only_up.up.sql": {Data: []byte("CREATE TABLE only_up (id INTEGER)")},
	}, ".")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err == nil {
		t.Error("MigrateDown() without a down script should fail")
	}
}

func TestLoadMigrations_DownWithoutUp(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_orphan.down.sql": {Data: []byte("DROP TABLE x")},
	}, ".")

	if _, err := loadMigrations(); err == nil {
		t.Error("loadMigrations() should reject a down script without an up script")
	}
}

func TestLoadMigrations_Sorted(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260301_000000_c.up.sql": {Data: []byte("SELECT 3")},
		"20260101_000000_a.up.sql": {Data: []byte("SELECT 1")},
		"README.md":                {Data: []byte("ignored")},
		"20260201_000000_b.up.sql": {Data: []byte("SELECT 2")},
	}, ".")

	got, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	var names []string
	for _, m := range got {
		names = append(names, m.Name)
	}
	if strings.Join(names, ",") != "a,b,c" {
		t.Errorf("order = %v, want [a b c]", names)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOK   bool
	}{
		{"20261018_120000_line_journal.up.sql", migrationFile{"20261018_120000", "line_journal", true}, true},
		{"20261018_120000_line_journal.down.sql", migrationFile{"20261018_120000", "line_journal", false}, true},
		{"20261018_120000.up.sql", migrationFile{"20261018_120000", "", true}, true},
		{"20261018_120000_x.sql", migrationFile{}, false},
		{"2026101_120000_x.up.sql", migrationFile{}, false},
		{"20261018_1200_x.up.sql", migrationFile{}, false},
		{"notes.txt", migrationFile{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
