package notify

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultDedupeWindow = 10 * time.Minute

type DedupeConfig struct {
	Next   ChangeNotifier
	Window time.Duration
	Clock  func() time.Time
}

// DedupeNotifier drops an event when the same revision of a date (date, change type and
// content hash) was delivered within the window. Entries are stamped with the injected clock;
// the cache expiry only bounds memory. A key is reserved before delivery so concurrent
// duplicates collapse, and released again when delivery fails.
type DedupeNotifier struct {
	next   ChangeNotifier
	window time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	seen *gocache.Cache
}

func NewDedupeNotifier(cfg DedupeConfig) *DedupeNotifier {
	window := cfg.Window
	if window <= 0 {
		window = defaultDedupeWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DedupeNotifier{
		next:   cfg.Next,
		window: window,
		clock:  clock,
		seen:   gocache.New(window, 2*window),
	}
}

func (n *DedupeNotifier) Notify(ctx context.Context, event ChangeEvent) error {
	key := dedupeKey(event)
	reservedAt, ok := n.reserve(key)
	if !ok {
		return nil
	}
	if n.next != nil {
		if err := n.next.Notify(ctx, event); err != nil {
			n.release(key, reservedAt)
			return err
		}
	}
	return nil
}

func (n *DedupeNotifier) reserve(key string) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()
	if value, ok := n.seen.Get(key); ok {
		if sentAt, ok := value.(time.Time); ok && now.Sub(sentAt) < n.window {
			return time.Time{}, false
		}
	}
	n.seen.Set(key, now, gocache.DefaultExpiration)
	return now, true
}

// release drops a reservation unless a later delivery has replaced it.
func (n *DedupeNotifier) release(key string, reservedAt time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if value, ok := n.seen.Get(key); ok {
		if sentAt, ok := value.(time.Time); ok && sentAt.Equal(reservedAt) {
			n.seen.Delete(key)
		}
	}
}

func dedupeKey(event ChangeEvent) string {
	return event.Date.String() + "|" + string(event.ChangeType) + "|" + event.ContentHash
}
