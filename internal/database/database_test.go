package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

func TestOpenAndMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "voicebridge.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{"schema_migrations", "system_config", "callers", "sip_lines", "calls"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 1 {
		t.Errorf("migration count = %d, want 1", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "voicebridge.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestSystemConfigRepository(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "voicebridge.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	repo, err := NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}

	val, err := repo.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get(nonexistent) = %q, want empty", val)
	}

	if err := repo.Set(ctx, "sip.udp_port", "5060"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	val, err = repo.Get(ctx, "sip.udp_port")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "5060" {
		t.Errorf("Get(sip.udp_port) = %q, want 5060", val)
	}

	if err := repo.Set(ctx, "sip.udp_port", "5080"); err != nil {
		t.Fatalf("Set() update error: %v", err)
	}
	val, err = repo.Get(ctx, "sip.udp_port")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "5080" {
		t.Errorf("Get(sip.udp_port) = %q, want 5080", val)
	}

	if err := repo.Set(ctx, "http.port", "8080"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("GetAll() returned %d entries, want 2", len(all))
	}
}

func TestCallerRepositoryGetOrCreateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "voicebridge.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewCallerRepository(db)

	first, err := repo.GetOrCreate(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	second, err := repo.GetOrCreate(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("GetOrCreate() returned different ids %d and %d for the same number", first.ID, second.ID)
	}
}

func TestCallRepositoryAppendIsSpaceSeparated(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "voicebridge.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	callers := NewCallerRepository(db)
	calls := NewCallRepository(db)

	if _, err := db.ExecContext(ctx,
		`INSERT INTO sip_lines (line_id, username, password, server_ip, server_port, enabled, status) VALUES (1, 'u', 'p', '10.0.0.1', 5060, 1, 'unknown')`,
	); err != nil {
		t.Fatalf("seeding sip_lines: %v", err)
	}

	caller, err := callers.GetOrCreate(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	c := &models.Call{
		SIPCallID:   "abc123@pbx",
		CallerID:    caller.ID,
		LineID:      1,
		PhoneNumber: "+15551234567",
	}
	if err := calls.Create(ctx, c); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := calls.AppendTranscription(ctx, c.ID, "hello"); err != nil {
		t.Fatalf("AppendTranscription() error: %v", err)
	}
	if err := calls.AppendTranscription(ctx, c.ID, "world"); err != nil {
		t.Fatalf("AppendTranscription() second call error: %v", err)
	}

	got, err := calls.GetBySIPCallID(ctx, c.SIPCallID)
	if err != nil {
		t.Fatalf("GetBySIPCallID() error: %v", err)
	}
	if got.Transcription != "hello world" {
		t.Errorf("Transcription = %q, want %q", got.Transcription, "hello world")
	}
}
