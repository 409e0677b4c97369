package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Notification event names pushed to subscribers.
const (
	EventRecordingStatus = "recording_status"
	EventReplayStatus    = "replay_status"
	EventReplayScreen    = "replay_screen"
	EventPlaybackStatus  = "playback_status"
	EventPlaybackFrame   = "playback_frame"
	EventTrainingStatus  = "training_status"
	EventTrainingStats   = "training_stats"
	EventCatalogChanged  = "catalog_changed"
)

// Catalog op values carried by catalog_changed notifications.
const (
	CatalogSaved   = "saved"
	CatalogDeleted = "deleted"
	CatalogChanged = "changed"
)

// Notification is one event emitted by the engine.
type Notification struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// Notifier receives engine notifications. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}

// Broadcaster fans notifications out to subscribers over buffered channels. A
// subscriber whose buffer is full misses the notification instead of stalling
// the engine; the drop is counted.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]chan Notification
	next    int
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Notification)}
}

// OnDrop registers a hook invoked whenever a notification is dropped.
func (b *Broadcaster) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel receiving every notification and a cancel func
// that unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Notify delivers n to every subscriber without blocking.
func (b *Broadcaster) Notify(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Dropped reports how many deliveries were skipped.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; later Notify calls are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
