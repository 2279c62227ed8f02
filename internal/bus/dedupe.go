package bus

import (
	"sync"
	"time"
)

// DedupeWindow is how long a (topic, dedupe_key) pair suppresses duplicates.
const DedupeWindow = 2 * time.Second

// dedupeCache suppresses duplicate envelopes within a short window.
type dedupeCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{
		seen:   make(map[string]time.Time),
		window: DedupeWindow,
		now:    time.Now,
	}
}

// Seen records (topic, key) and reports whether it was already present
// within the window.
func (d *dedupeCache) Seen(topic, key string) bool {
	composite := topic + "\x00" + key
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if expires, ok := d.seen[composite]; ok && now.Before(expires) {
		return true
	}
	d.seen[composite] = now.Add(d.window)
	return false
}

// Sweep drops expired entries; called from the bus janitor.
func (d *dedupeCache) Sweep() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, k)
		}
	}
}
