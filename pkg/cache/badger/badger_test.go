package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/cache"
	"github.com/Sternrassler/dataset-loader/pkg/dataset"
)

func openTest(t *testing.T) *Backend {
	t.Helper()
	b, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackend_SetAllGetDelete(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := b.SetAll(ctx, map[string][]byte{"a": []byte("1"), "a:meta": []byte("m")}); err != nil {
		t.Fatalf("SetAll failed: %v", err)
	}

	got, err := b.Get(ctx, "a:meta")
	if err != nil || string(got) != "m" {
		t.Errorf("Get(a:meta) = %q, %v; want \"m\", nil", got, err)
	}

	if err := b.Delete(ctx, "a", "a:meta", "missing"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := b.Get(ctx, "a"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestBackend_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := cache.Key{Endpoint: "/resource/test.json", PageSize: 100}

	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	manager := cache.NewManager(b, cache.Config{TTL: time.Hour, SchemaVersion: 1})
	manager.Put(ctx, key, dataset.Snapshot{dataset.Record(`{"id":1}`), dataset.Record(`{"id":2}`)})
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	entry, err := cache.NewManager(reopened, cache.Config{TTL: time.Hour, SchemaVersion: 1}).Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if len(entry.Records) != 2 {
		t.Errorf("Records = %d, want 2", len(entry.Records))
	}
}

func TestBackend_CancelledContext(t *testing.T) {
	b := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.SetAll(ctx, map[string][]byte{"k": nil}); !errors.Is(err, context.Canceled) {
		t.Errorf("SetAll with cancelled ctx = %v, want context.Canceled", err)
	}
}
