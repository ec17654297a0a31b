package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func newTestMigrator(t *testing.T, files fstest.MapFS) *Migrator {
	t.Helper()
	m, err := NewMigrator(nil, files, "")
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	return m
}

func TestLoadMigrations(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"002_drafts.sql": {Data: []byte("CREATE TABLE claim_draft (id TEXT);")},
		"001_claims.sql": {Data: []byte("CREATE TABLE claim (id UUID);")},
		"003_audit.sql":  {Data: []byte("CREATE TABLE audit_event (id UUID);")},
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("migration %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_claims.sql" {
		t.Errorf("expected name 001_claims.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE claim (id UUID);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 2;")},
	})
	if _, err := m.LoadMigrations(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{})
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	m, err := NewMigrator(nil, Migrations(), "claims")
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}
	var all strings.Builder
	for _, mig := range migrations {
		all.WriteString(mig.SQL)
	}
	for _, table := range []string{"claim", "claim_draft", "audit_event"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("expected a migration creating %s", table)
		}
	}
}

func TestMergeStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_claims.sql"},
		{Version: 2, Name: "002_drafts.sql"},
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	statuses := mergeStatus(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 1 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 2 pending, got %+v", statuses[1])
	}
}

func TestNewMigrator_InvalidSchema(t *testing.T) {
	for _, schema := range []string{"bad-schema", "drop table;", "1abc"} {
		if _, err := NewMigrator(nil, fstest.MapFS{}, schema); err == nil {
			t.Errorf("expected error for schema %q", schema)
		}
	}
}
