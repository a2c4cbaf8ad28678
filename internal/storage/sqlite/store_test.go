package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Corphon/Formamorph/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "saves.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := store.Put(ctx, "slot", []byte(`{"version":2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "slot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"version":2}` {
		t.Fatalf("data = %q", got)
	}
}

func TestPutOverwritesAndUpdatesTimestamp(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	first := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	store.now = func() time.Time { return first }
	if err := store.Put(ctx, "slot", []byte("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	store.now = func() time.Time { return second }
	if err := store.Put(ctx, "slot", []byte("bb")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Size != 2 || !entries[0].UpdatedAt.Equal(second) {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestMissingRecordReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "saves.db")
	ctx := context.Background()
	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put(ctx, "keep", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(ctx, "keep"); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}
