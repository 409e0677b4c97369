// Package watch reports replay files added, rewritten or removed in a
// filesystem blob root by something other than the engine.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Ops passed to OnChange.
const (
	OpChanged = "changed"
	OpDeleted = "deleted"
)

// DefaultDebounce coalesces the bursts an atomic write produces.
const DefaultDebounce = 250 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Dir      string
	Debounce time.Duration
	// Filter selects the base names worth reporting. Nil reports everything.
	Filter   func(name string) bool
	OnChange func(op, name string)
	Logger   *slog.Logger
}

// Stats counts watcher activity.
type Stats struct {
	Events   int       `json:"events"`
	Reported int       `json:"reported"`
	Errors   int       `json:"errors"`
	LastName string    `json:"lastName,omitempty"`
	LastAt   time.Time `json:"lastAt,omitempty"`
}

// Watcher debounces fsnotify events for one directory.
type Watcher struct {
	opts Options
	log  *slog.Logger
	fsw  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	stats   Stats
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watcher for opts.Dir. Start begins delivery.
func New(opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, errors.New("watch dir required")
	}
	if opts.OnChange == nil {
		return nil, errors.New("watch callback required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		opts:    opts,
		log:     logger.With("component", "catalog_watcher", "dir", opts.Dir),
		fsw:     fsw,
		pending: make(map[string]time.Time),
	}, nil
}

// Start watches the directory on a background goroutine until Stop or ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.fsw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(runCtx, w.done)
	w.log.Info("catalog watcher started")
	return nil
}

// Stop ends the loop, waits for it up to ctx and releases the OS watcher.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fsw.Close()
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.fsw.Close()
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(max(w.opts.Debounce/4, 5*time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("catalog watcher error", "error", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case now := <-tick.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(ev.Name)
	if w.opts.Filter != nil && !w.opts.Filter(name) {
		return
	}
	w.mu.Lock()
	w.pending[name] = time.Now()
	w.stats.Events++
	w.mu.Unlock()
}

func (w *Watcher) flush(now time.Time) {
	var ready []string
	w.mu.Lock()
	for name, at := range w.pending {
		if now.Sub(at) >= w.opts.Debounce {
			ready = append(ready, name)
			delete(w.pending, name)
		}
	}
	w.mu.Unlock()

	for _, name := range ready {
		op := OpChanged
		if _, err := os.Stat(filepath.Join(w.opts.Dir, name)); errors.Is(err, os.ErrNotExist) {
			op = OpDeleted
		}
		w.log.Debug("catalog change", "op", op, "name", name)
		w.opts.OnChange(op, name)
		w.mu.Lock()
		w.stats.Reported++
		w.stats.LastName = name
		w.stats.LastAt = now
		w.mu.Unlock()
	}
}
