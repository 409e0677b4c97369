package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"replaycore/internal/blob/core"
)

func TestStore_MissingKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
}

func TestStore_PutOverwriteAndIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()
	meta := map[string]string{"episodes": "1"}
	first, err := store.Put(ctx, "k.json", bytes.NewReader([]byte("v")), core.PutOptions{Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["episodes"] = "mutated"
	if _, err := store.Put(ctx, "k.json", bytes.NewReader([]byte("v2")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	second, err := store.Put(ctx, "k.json", bytes.NewReader([]byte("v22")), core.PutOptions{Overwrite: true, Metadata: map[string]string{"episodes": "2"}})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) || second.Size != 3 {
		t.Fatalf("unexpected overwrite info %+v", second)
	}
	info, rc, err := store.Get(ctx, "k.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "v22" || info.Metadata["episodes"] != "2" {
		t.Fatalf("unexpected content %q %+v", body, info)
	}
	info.Metadata["episodes"] = "changed"
	head, _ := store.Head(ctx, "k.json")
	if head.Metadata["episodes"] != "2" {
		t.Fatalf("metadata must be copied on read")
	}
}

func TestStore_ListPrefixAndPresign(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, k := range []string{"b.json", "a.json", "a_objects.json"} {
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "")
	if err != nil || len(list) != 3 || list[0].Key != "a.json" || list[2].Key != "b.json" {
		t.Fatalf("list all: %+v %v", list, err)
	}
	if list, err := store.List(ctx, "a"); err != nil || len(list) != 2 {
		t.Fatalf("list prefix: %+v %v", list, err)
	}
	if _, err := store.PresignURL(ctx, "a.json", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported presign")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, fmt.Errorf("fail") }

func TestStore_PutReadErrorAndDriver(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Put(context.Background(), "bad", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestStore_ConcurrentOverwrite(t *testing.T) {
	store := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.Put(ctx, "shared.json", bytes.NewReader([]byte(fmt.Sprint(i))), core.PutOptions{Overwrite: true})
		}(i)
	}
	wg.Wait()
	list, err := store.List(ctx, "")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one blob, got %+v %v", list, err)
	}
}
