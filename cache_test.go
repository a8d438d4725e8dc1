package chatsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// Download Index
// ============================================================================

func testIndex(t *testing.T) *DownloadIndex {
	t.Helper()
	idx, err := OpenDownloadIndex(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestDownloadIndexRoundTrip(t *testing.T) {
	idx := testIndex(t)
	ctx := context.Background()

	if got, err := idx.Get(ctx, "chat-1", "msg-1"); err != nil || got != nil {
		t.Fatalf("expected miss on empty index, got %+v err=%v", got, err)
	}

	cf := &CachedFile{
		ChatID:       "chat-1",
		MessageID:    "msg-1",
		Path:         "/cache/chat-1/msg-1-doc.pdf",
		Size:         1234,
		DownloadedAt: time.Now(),
	}
	if err := idx.Put(ctx, cf); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := idx.Get(ctx, "chat-1", "msg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Path != cf.Path || got.Size != cf.Size {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Same message, new path: the entry is replaced, not duplicated.
	cf.Path = "/cache/chat-1/msg-1-doc-v2.pdf"
	if err := idx.Put(ctx, cf); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = idx.Get(ctx, "chat-1", "msg-1")
	if got.Path != cf.Path {
		t.Fatalf("expected upserted path, got %s", got.Path)
	}

	if err := idx.Delete(ctx, "chat-1", "msg-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := idx.Get(ctx, "chat-1", "msg-1"); got != nil {
		t.Fatal("expected miss after delete")
	}
	if err := idx.Delete(ctx, "chat-1", "msg-1"); err != nil {
		t.Fatalf("deleting a missing entry should not error: %v", err)
	}
}

func TestDownloadIndexValidate(t *testing.T) {
	idx := testIndex(t)
	ctx := context.Background()
	dir := t.TempDir()

	live := filepath.Join(dir, "live.bin")
	if err := os.WriteFile(live, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries := []*CachedFile{
		{ChatID: "chat-1", MessageID: "msg-1", Path: live, DownloadedAt: time.Now()},
		{ChatID: "chat-1", MessageID: "msg-2", Path: filepath.Join(dir, "gone.bin"), DownloadedAt: time.Now()},
		{ChatID: "chat-2", MessageID: "msg-3", Path: filepath.Join(dir, "also-gone.bin"), DownloadedAt: time.Now()},
	}
	for _, cf := range entries {
		if err := idx.Put(ctx, cf); err != nil {
			t.Fatalf("put %s: %v", cf.MessageID, err)
		}
	}

	dropped, err := idx.Validate(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 stale entries dropped, got %d", dropped)
	}
	if got, _ := idx.Get(ctx, "chat-1", "msg-1"); got == nil {
		t.Fatal("live entry must survive validation")
	}
	if got, _ := idx.Get(ctx, "chat-1", "msg-2"); got != nil {
		t.Fatal("stale entry must be dropped")
	}
}
