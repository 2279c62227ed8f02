package security

import (
	"sync"
	"time"

	"github.com/voxhall/voxhall/internal/metrics"
)

// Suspicion tunables. Scores accumulate per remote address and decay over
// time; crossing AlertThreshold emits a security event, crossing
// HardBlockThreshold blacklists the address.
const (
	AlertThreshold     = 50
	HardBlockThreshold = 100

	// Point values for the behaviours the router reports.
	PointsEventFlood   = 10 // events_per_second above the flood line
	PointsPrivEsc      = 20 // privilege-escalation keyword in a payload
	PointsUnknownEvent = 5  // event name not in the schema

	suspicionDecayAmount   = 5
	suspicionDecayInterval = 5 * time.Minute
)

type suspicionEntry struct {
	score     int
	alerted   bool // alert fires once per excursion above AlertThreshold
	lastDecay time.Time
}

// SuspicionTracker scores addresses by reported misbehaviour.
type SuspicionTracker struct {
	now     func() time.Time
	onAlert func(addr string, score int, reason string)

	mu     sync.Mutex
	scores map[string]*suspicionEntry
}

// NewSuspicionTracker creates a tracker. onAlert fires when an address
// crosses the alert threshold; nil is allowed.
func NewSuspicionTracker(onAlert func(addr string, score int, reason string)) *SuspicionTracker {
	return &SuspicionTracker{
		now:     time.Now,
		onAlert: onAlert,
		scores:  make(map[string]*suspicionEntry),
	}
}

// Raise adds points to an address and returns the new score plus whether the
// hard-block threshold has been reached.
func (t *SuspicionTracker) Raise(addr string, points int, reason string) (score int, hardBlock bool) {
	now := t.now()

	t.mu.Lock()
	entry, ok := t.scores[addr]
	if !ok {
		entry = &suspicionEntry{lastDecay: now}
		t.scores[addr] = entry
	}
	t.decayLocked(entry, now)
	entry.score += points
	score = entry.score

	var alert bool
	if score >= AlertThreshold && !entry.alerted {
		entry.alerted = true
		alert = true
	}
	t.mu.Unlock()

	if alert {
		metrics.SuspicionAlerts.Inc()
		if t.onAlert != nil {
			t.onAlert(addr, score, reason)
		}
	}
	return score, score >= HardBlockThreshold
}

// Score returns the current (decayed) score for an address.
func (t *SuspicionTracker) Score(addr string) int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.scores[addr]
	if !ok {
		return 0
	}
	t.decayLocked(entry, now)
	return entry.score
}

func (t *SuspicionTracker) decayLocked(entry *suspicionEntry, now time.Time) {
	for entry.score > 0 && now.Sub(entry.lastDecay) >= suspicionDecayInterval {
		entry.score -= suspicionDecayAmount
		if entry.score < 0 {
			entry.score = 0
		}
		entry.lastDecay = entry.lastDecay.Add(suspicionDecayInterval)
	}
	if entry.score == 0 {
		entry.lastDecay = now
		entry.alerted = false
	}
}

// GC drops addresses whose score has decayed to zero.
func (t *SuspicionTracker) GC() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, entry := range t.scores {
		t.decayLocked(entry, now)
		if entry.score == 0 {
			delete(t.scores, addr)
		}
	}
}
