package pipeline

import (
	"sync"

	"github.com/babelcloud/gbox-streamer/internal/util"
)

// Broadcaster fans a container byte stream out to any number of readers.
// The container header is cached and handed to every new subscriber first.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	header      []byte
	closed      bool
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan<- []byte),
	}
}

// SetHeader caches the bytes a late subscriber needs before anything else.
func (b *Broadcaster) SetHeader(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.header = append([]byte(nil), data...)
	util.GetLogger().Debug("Broadcaster header cached", "size", len(data))
}

// Subscribe returns a channel receiving every later broadcast. A closed
// broadcaster returns a closed channel.
func (b *Broadcaster) Subscribe(id string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, max(bufferSize, 1))
	if b.closed {
		close(ch)
		return ch
	}
	if len(b.header) > 0 {
		ch <- b.header
	}
	b.subscribers[id] = ch
	util.GetLogger().Info("Stream subscriber added", "id", id, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[id]; exists {
		close(ch)
		delete(b.subscribers, id)
		util.GetLogger().Info("Stream subscriber removed", "id", id, "remaining", len(b.subscribers))
	}
}

// Write broadcasts a copy of p. A subscriber that cannot keep up is dropped,
// since a reader with a gap in a container stream cannot recover.
func (b *Broadcaster) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := append([]byte(nil), p...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return len(p), nil
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			close(ch)
			delete(b.subscribers, id)
			util.GetLogger().Warn("Dropping stream subscriber due to full channel", "id", id)
		}
	}
	return len(p), nil
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
