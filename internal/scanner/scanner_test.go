package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"putplace.dev/internal/model"
	"putplace.dev/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "assist.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScan_DiscoversFilesAndRespectsExcludes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sc := New(s)

	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), "hello")
	mustWrite(t, filepath.Join(dir, "skip.tmp"), "ignored")
	if err := os.Mkdir(filepath.Join(dir, "node_modules"), 0755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(dir, "node_modules", "pkg.js"), "x")

	if _, err := s.CreateExclude(ctx, "*.tmp"); err != nil {
		t.Fatalf("CreateExclude: %v", err)
	}
	if _, err := s.CreateExclude(ctx, "node_modules"); err != nil {
		t.Fatalf("CreateExclude: %v", err)
	}

	root, err := s.CreateRoot(ctx, dir, true)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}

	if err := sc.Scan(ctx, root); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	files, err := s.ListFiles(ctx, store.ListFilesOptions{})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1 (only a.txt); got %+v", len(files), files)
	}
	if filepath.Base(files[0].Path) != "a.txt" {
		t.Fatalf("discovered path = %s, want a.txt", files[0].Path)
	}
}

func TestScan_IdempotentOnUnchangedFiles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sc := New(s)

	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), "hello")
	root, _ := s.CreateRoot(ctx, dir, true)

	if err := sc.Scan(ctx, root); err != nil {
		t.Fatalf("Scan (1st): %v", err)
	}
	first, err := s.Claim(ctx, model.QueuePendingChecksum, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 checksum entry after first scan, got %d", len(first))
	}

	if err := sc.Scan(ctx, root); err != nil {
		t.Fatalf("Scan (2nd): %v", err)
	}
	second, err := s.Claim(ctx, model.QueuePendingChecksum, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim (2nd): %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("re-scanning unchanged files must not enqueue new checksum work, got %d", len(second))
	}
}

func TestReconcileMissing_MarksVanishedFilesDeleted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sc := New(s)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	mustWrite(t, path, "hello")
	root, _ := s.CreateRoot(ctx, dir, true)

	if err := sc.Scan(ctx, root); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	if err := sc.reconcileMissing(ctx, root); err != nil {
		t.Fatalf("reconcileMissing: %v", err)
	}

	f, err := s.FileByPath(ctx, path)
	if err != nil {
		t.Fatalf("FileByPath: %v", err)
	}
	if f.Status != model.StatusDeleted {
		t.Fatalf("status = %s, want deleted", f.Status)
	}
}

func mustWrite(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}
