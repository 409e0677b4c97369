package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type changeLog struct {
	mu      sync.Mutex
	changes []string
}

func (c *changeLog) record(op, name string) {
	c.mu.Lock()
	c.changes = append(c.changes, op+":"+name)
	c.mu.Unlock()
}

func (c *changeLog) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, got := range c.changes {
			if got == want {
				c.mu.Unlock()
				return
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %s, got %v", want, c.changes)
}

func (c *changeLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.changes...)
}

func TestWatcherReportsDebouncedChanges(t *testing.T) {
	dir := t.TempDir()
	log := &changeLog{}
	w, err := New(Options{
		Dir:      dir,
		Debounce: 20 * time.Millisecond,
		Filter:   func(name string) bool { return strings.HasSuffix(name, ".json") },
		OnChange: log.record,
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})

	path := filepath.Join(dir, "replay_1.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"episodes":[]}`), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	log.waitFor(t, "changed:replay_1.json")

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	log.waitFor(t, "deleted:replay_1.json")

	for _, c := range log.snapshot() {
		if strings.Contains(c, "notes.txt") {
			t.Fatalf("filtered file reported: %v", c)
		}
	}
	changed := 0
	for _, c := range log.snapshot() {
		if c == "changed:replay_1.json" {
			changed++
		}
	}
	if changed == 0 || changed >= 5 {
		t.Fatalf("expected burst of writes coalesced, got %d reports", changed)
	}
	if st := w.Stats(); st.Reported < 2 || st.Events < 2 || st.LastName != "replay_1.json" {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestWatcherValidation(t *testing.T) {
	if _, err := New(Options{OnChange: func(string, string) {}}); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	if _, err := New(Options{Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected error for missing callback")
	}
	w, err := New(Options{Dir: filepath.Join(t.TempDir(), "missing"), OnChange: func(string, string) {}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail for a missing directory")
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop idle watcher: %v", err)
	}
}
