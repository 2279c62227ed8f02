package security

import (
	"sync"
	"time"
)

const (
	// DDoSWindow is how far back connection attempts count toward the
	// threshold.
	DDoSWindow = 60 * time.Second
	// DDoSBlockDuration is the auto-blacklist length when the detector trips.
	DDoSBlockDuration = 5 * time.Minute
	// DefaultDDoSThreshold applies when the config leaves the threshold
	// unset; a zero threshold would trip on the first attempt.
	DefaultDDoSThreshold = 100
)

// ddosDetector keeps a per-address ring of recent connection attempts and
// reports when the count inside the window crosses the threshold.
type ddosDetector struct {
	threshold int
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newDDoSDetector(threshold int) *ddosDetector {
	if threshold <= 0 {
		threshold = DefaultDDoSThreshold
	}
	return &ddosDetector{
		threshold: threshold,
		window:    DDoSWindow,
		now:       time.Now,
		attempts:  make(map[string][]time.Time),
	}
}

// Record logs a connection attempt and returns the in-window count plus
// whether the threshold is now exceeded.
func (d *ddosDetector) Record(addr string) (count int, tripped bool) {
	now := d.now()
	cutoff := now.Add(-d.window)

	d.mu.Lock()
	defer d.mu.Unlock()

	ring := d.attempts[addr]
	// Prune in place; attempts are appended in time order.
	keep := 0
	for _, t := range ring {
		if t.After(cutoff) {
			ring[keep] = t
			keep++
		}
	}
	ring = append(ring[:keep], now)
	d.attempts[addr] = ring
	return len(ring), len(ring) > d.threshold
}

// Forget drops the tracking state for an address, called after it has been
// blacklisted so the ring does not keep growing.
func (d *ddosDetector) Forget(addr string) {
	d.mu.Lock()
	delete(d.attempts, addr)
	d.mu.Unlock()
}

// GC drops addresses whose every attempt has aged out of the window.
func (d *ddosDetector) GC() {
	cutoff := d.now().Add(-d.window)
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, ring := range d.attempts {
		if len(ring) == 0 || !ring[len(ring)-1].After(cutoff) {
			delete(d.attempts, addr)
		}
	}
}
