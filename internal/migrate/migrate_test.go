package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swarmgrid/substrate/internal/storex"
)

func openFileStore(t *testing.T, path string) *storex.Store {
	t.Helper()
	s, err := storex.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestMergeMissingSourceIsNoop(t *testing.T) {
	dir := t.TempDir()
	target := openFileStore(t, filepath.Join(dir, "target.db"))

	res, err := Merge(context.Background(), target, filepath.Join(dir, "does-not-exist.db"), false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.TotalInserted() != 0 || res.BackupPath != "" {
		t.Fatalf("res = %+v, want a no-op result", res)
	}
}

func TestMergeCopiesOverlappingTablesAndRenamesSource(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sourcePath := filepath.Join(dir, "source.db")
	source := openFileStore(t, sourcePath)
	if _, err := source.Exec(ctx,
		`INSERT INTO agents (project_key, name, registered_at, last_active_at) VALUES (?, ?, ?, ?)`,
		"p", "agent-a", "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("close source: %v", err)
	}

	target := openFileStore(t, filepath.Join(dir, "target.db"))

	res, err := Merge(ctx, target, sourcePath, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.TotalInserted() != 1 {
		t.Fatalf("TotalInserted = %d, want 1", res.TotalInserted())
	}
	if res.BackupPath == "" {
		t.Fatal("expected a backup path after a non-dry-run merge")
	}

	var count int
	if err := target.QueryRow(ctx, `SELECT COUNT(*) FROM agents WHERE name = ?`, "agent-a").Scan(&count); err != nil {
		t.Fatalf("query target: %v", err)
	}
	if count != 1 {
		t.Fatalf("agent rows in target = %d, want 1", count)
	}
}

func TestMergeIsIdempotentViaInsertOrIgnore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sourcePath := filepath.Join(dir, "source.db")
	source := openFileStore(t, sourcePath)
	if _, err := source.Exec(ctx,
		`INSERT INTO agents (project_key, name, registered_at, last_active_at) VALUES (?, ?, ?, ?)`,
		"p", "agent-a", "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	target := openFileStore(t, filepath.Join(dir, "target.db"))
	if _, err := target.Exec(ctx,
		`INSERT INTO agents (project_key, name, registered_at, last_active_at) VALUES (?, ?, ?, ?)`,
		"p", "agent-a", "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	res, err := Merge(ctx, target, sourcePath, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.TotalInserted() != 0 {
		t.Fatalf("TotalInserted = %d, want 0 (existing row ignored)", res.TotalInserted())
	}

	var count int
	if err := target.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		t.Fatalf("query target: %v", err)
	}
	if count != 1 {
		t.Fatalf("agent rows in target = %d, want 1 (no duplicate)", count)
	}
}

func TestMergeDryRunChangesNothing(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sourcePath := filepath.Join(dir, "source.db")
	source := openFileStore(t, sourcePath)
	if _, err := source.Exec(ctx,
		`INSERT INTO agents (project_key, name, registered_at, last_active_at) VALUES (?, ?, ?, ?)`,
		"p", "agent-a", "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("close source: %v", err)
	}

	target := openFileStore(t, filepath.Join(dir, "target.db"))

	res, err := Merge(ctx, target, sourcePath, true)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.TotalInserted() != 1 {
		t.Fatalf("TotalInserted = %d, want 1 (reported even though rolled back)", res.TotalInserted())
	}
	if res.BackupPath != "" {
		t.Fatalf("BackupPath = %q, want empty for a dry run", res.BackupPath)
	}

	var count int
	if err := target.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		t.Fatalf("query target: %v", err)
	}
	if count != 0 {
		t.Fatalf("agent rows in target = %d, want 0 after dry run", count)
	}

	if _, err := storex.Open(sourcePath); err != nil {
		t.Fatalf("source should still be openable after a dry run: %v", err)
	}
}

func TestMergeSkipsTableAbsentFromTargetSchema(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sourcePath := filepath.Join(dir, "source.db")
	source := openFileStore(t, sourcePath)
	if _, err := source.Exec(ctx, `CREATE TABLE scratch (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create scratch table: %v", err)
	}
	if _, err := source.Exec(ctx, `INSERT INTO scratch (id) VALUES (1)`); err != nil {
		t.Fatalf("seed scratch table: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("close source: %v", err)
	}

	target := openFileStore(t, filepath.Join(dir, "target.db"))

	res, err := Merge(ctx, target, sourcePath, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	var found *TableResult
	for i := range res.Tables {
		if res.Tables[i].Name == "scratch" {
			found = &res.Tables[i]
		}
	}
	if found == nil {
		t.Fatal("expected a TableResult entry for the scratch table")
	}
	if !found.Skipped {
		t.Fatalf("scratch table result = %+v, want Skipped", found)
	}
}
