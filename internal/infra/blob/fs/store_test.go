package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"replaycore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_PutGetHeadListDelete(t *testing.T) { //nolint:cyclop
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "replay_1.json", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"episodes": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "replay_1.json" || info.Size != 5 || info.CreatedAt.IsZero() {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "replay_1.json", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	h, err := store.Head(ctx, "replay_1.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	g, rc, err := store.Get(ctx, "replay_1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.ETag != h.ETag || g.Metadata["episodes"] != "1" {
		t.Fatalf("unexpected get artifacts %+v", g)
	}
	url, err := store.PresignURL(ctx, "replay_1.json", core.SignedURLOptions{Method: "get"})
	if err != nil || !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "/replay_1.json") {
		t.Fatalf("presign url: %v %s", err, url)
	}
	if _, err := store.PresignURL(ctx, "replay_1.json", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported for PUT, got %v", err)
	}
	ok, err := store.Delete(ctx, "replay_1.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "replay_1.json.meta")); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar removed, got %v", err)
	}
	ok, err = store.Delete(ctx, "replay_1.json")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
	if _, _, err := store.Get(ctx, "replay_1.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_OverwriteKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	first, err := store.Put(ctx, "r.json", strings.NewReader("one"), core.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := store.Put(ctx, "r.json", strings.NewReader("second"), core.PutOptions{Overwrite: true, Metadata: map[string]string{"steps": "3"}})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Size != int64(len("second")) || second.Metadata["steps"] != "3" {
		t.Fatalf("unexpected overwrite info %+v", second)
	}
}

func TestStore_SanitizeKey(t *testing.T) {
	for _, bad := range []string{"", "  ", "../escape", "/abs", "a/../b", "x.json.meta", "dir/.tmp-123"} {
		if _, err := sanitizeKey(bad); err == nil {
			t.Fatalf("expected sanitize error for %q", bad)
		}
	}
	if k, err := sanitizeKey("a//b.json"); err != nil || k != "a/b.json" {
		t.Fatalf("unexpected clean key %q %v", k, err)
	}
}

func TestStore_ListSkipsSidecarsAndTempFiles(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "b.json", strings.NewReader("{}"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// A file copied in by hand has no sidecar and is still listed.
	if err := os.WriteFile(filepath.Join(store.Root(), "a.json"), []byte("{}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Root(), ".tmp-999"), []byte("partial"), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	list, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "a.json" || list[1].Key != "b.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Size != 2 || list[0].CreatedAt.IsZero() {
		t.Fatalf("expected stat fallback info, got %+v", list[0])
	}
	head, err := store.Head(ctx, "a.json")
	if err != nil || head.Size != 2 {
		t.Fatalf("head without sidecar: %+v %v", head, err)
	}
	filtered, err := store.List(ctx, "b")
	if err != nil || len(filtered) != 1 {
		t.Fatalf("prefix list: %+v %v", filtered, err)
	}
}

func TestStore_CorruptSidecarFallsBackToStat(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	store, err := New(t.TempDir(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Put(ctx, "good.json", strings.NewReader("{}"), core.PutOptions{Metadata: map[string]string{"steps": "1"}}); err != nil {
		t.Fatalf("put good: %v", err)
	}
	if _, err := store.Put(ctx, "bad.json", strings.NewReader("[1,2]"), core.PutOptions{Metadata: map[string]string{"steps": "2"}}); err != nil {
		t.Fatalf("put bad: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Root(), "bad.json.meta"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	list, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list must survive a corrupt sidecar: %v", err)
	}
	if len(list) != 2 || list[0].Key != "bad.json" || list[1].Key != "good.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Size != 5 || list[0].Metadata != nil || list[0].CreatedAt.IsZero() {
		t.Fatalf("expected stat-derived info for bad.json, got %+v", list[0])
	}
	if list[1].Metadata["steps"] != "1" {
		t.Fatalf("intact sidecar lost: %+v", list[1])
	}
	_, rc, err := store.Get(ctx, "bad.json")
	if err != nil {
		t.Fatalf("get with corrupt sidecar: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "[1,2]" {
		t.Fatalf("unexpected data %q", b)
	}
	if !strings.Contains(logs.String(), "ignoring unreadable sidecar") {
		t.Fatalf("expected a sidecar warning, got %q", logs.String())
	}
}

func TestStore_StaleSidecarIgnored(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	first, err := store.Put(ctx, "run.json", strings.NewReader("{}"), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"steps": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	replacement := []byte(`{"episodes":[[{"state":[1]},{"state":[2]}]]}`)
	if err := os.WriteFile(filepath.Join(store.Root(), "run.json"), replacement, 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	head, err := store.Head(ctx, "run.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Size != int64(len(replacement)) || head.Metadata != nil || head.ETag != "" {
		t.Fatalf("stale sidecar still trusted: %+v", head)
	}
	if !head.CreatedAt.Equal(first.CreatedAt) || head.ContentType != "application/json" {
		t.Fatalf("expected creation time and content type kept, got %+v", head)
	}

	// A regular Put refreshes the sidecar and it is trusted again.
	if _, err := store.Put(ctx, "run.json", bytes.NewReader(replacement), core.PutOptions{Overwrite: true, Metadata: map[string]string{"steps": "2"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	head, err = store.Head(ctx, "run.json")
	if err != nil || head.Metadata["steps"] != "2" {
		t.Fatalf("fresh sidecar ignored: %+v %v", head, err)
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStore_PutReaderErrorLeavesNothing(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "bad.json", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected reader error")
	}
	entries, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files after failed put, got %d", len(entries))
	}
}

func TestStore_PutCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTempStore(t).Put(ctx, "x.json", strings.NewReader("{}"), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWriteJSONMarshalError(t *testing.T) {
	old := jsonMarshal
	jsonMarshal = func(any) ([]byte, error) { return nil, errors.New("marshal") }
	defer func() { jsonMarshal = old }()
	if _, err := newTempStore(t).Put(context.Background(), "m.json", strings.NewReader("{}"), core.PutOptions{}); err == nil {
		t.Fatalf("expected sidecar marshal error")
	}
}

func TestNewDefaultsRoot(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	tmp := t.TempDir()
	if err := os.Chdir(tmp); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()
	store, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Root() != "./replays" || store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected defaults %q %s", store.Root(), store.Driver())
	}
	if _, err := os.Stat(filepath.Join(tmp, "replays")); err != nil {
		t.Fatalf("expected default root created: %v", err)
	}
}
