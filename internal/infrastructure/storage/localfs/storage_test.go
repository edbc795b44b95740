package localfs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func TestReadMissingSnapshotIsNotFound(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "nested", "bm25.snapshot"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = store.Read(context.Background())
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteReplacesSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "bm25.snapshot"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := store.Write(ctx, []byte("first")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := store.Write(ctx, []byte("second")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("Read() = %q", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
