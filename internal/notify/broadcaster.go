package notify

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Broadcaster fans change events out to in-process subscribers such as server-sent event
// streams. Slow subscribers lose events instead of blocking delivery.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]chan ChangeEvent
	nextID      int64
	bufferSize  int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int64]chan ChangeEvent),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream that stays open until ctx ends or the returned cancel is called.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	stream := make(chan ChangeEvent, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// Notify implements ChangeNotifier.
func (b *Broadcaster) Notify(_ context.Context, event ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, stream := range b.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
	return nil
}

// Subscribers reports the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
