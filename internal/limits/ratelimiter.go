// Package limits holds the event rate limiter (sliding window per
// action/subject) and the connection admission limiter (token buckets per IP
// plus a global bucket).
package limits

import (
	"hash/fnv"
	"sync"
	"time"
)

// Rule is the budget for one action.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules is the configured action table. Unknown actions fall back to
// the "default" entry.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"connect":         {Limit: 10, Window: 60 * time.Second},
		"auth_attempt":    {Limit: 10, Window: 60 * time.Second},
		"message_send":    {Limit: 30, Window: 60 * time.Second},
		"message_edit":    {Limit: 10, Window: 60 * time.Second},
		"message_delete":  {Limit: 5, Window: 60 * time.Second},
		"typing_start":    {Limit: 10, Window: 10 * time.Second},
		"typing_stop":     {Limit: 10, Window: 10 * time.Second},
		"presence_update": {Limit: 5, Window: 30 * time.Second},
		"voice_join":      {Limit: 20, Window: 60 * time.Second},
		"channel_join":    {Limit: 50, Window: 60 * time.Second},
		"channel_leave":   {Limit: 50, Window: 60 * time.Second},
		"dm_send":         {Limit: 20, Window: 60 * time.Second},
		"moderation_kick": {Limit: 5, Window: 300 * time.Second},
		"moderation_ban":  {Limit: 3, Window: 300 * time.Second},
		"default":         {Limit: 100, Window: 60 * time.Second},
	}
}

// Decision is the outcome of an Admit call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	windowStart time.Time
	count       int
	violations  int
}

const limiterShards = 16

// RateLimiter maintains sliding-window counters keyed by (action, subject).
// Maps are sharded by key hash to reduce contention on the event hot path.
type RateLimiter struct {
	rules      map[string]Rule
	now        func() time.Time
	onViolation func(action, subject string, violations int)

	shards [limiterShards]struct {
		mu      sync.Mutex
		buckets map[string]*bucket
	}
}

// NewRateLimiter creates a limiter over the given rules. onViolation (may be
// nil) is invoked on every rejection and feeds the suspicion score.
func NewRateLimiter(rules map[string]Rule, onViolation func(action, subject string, violations int)) *RateLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	l := &RateLimiter{
		rules:       rules,
		now:         time.Now,
		onViolation: onViolation,
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

// Rule returns the effective rule for an action.
func (l *RateLimiter) Rule(action string) Rule {
	if r, ok := l.rules[action]; ok {
		return r
	}
	return l.rules["default"]
}

// Admit checks and consumes budget for one (action, subject) event.
// Fail-closed: a missing default rule rejects.
func (l *RateLimiter) Admit(action, subject string) Decision {
	rule := l.Rule(action)
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: false, RetryAfter: time.Minute}
	}

	key := action + "\x00" + subject
	shard := &l.shards[shardFor(key)]
	now := l.now()

	shard.mu.Lock()
	b, ok := shard.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		shard.buckets[key] = b
	}
	if now.Sub(b.windowStart) >= rule.Window {
		b.windowStart = now
		b.count = 0
	}
	if b.count < rule.Limit {
		b.count++
		shard.mu.Unlock()
		return Decision{Allowed: true}
	}
	b.violations++
	violations := b.violations
	retryAfter := b.windowStart.Add(rule.Window).Sub(now)
	shard.mu.Unlock()

	if l.onViolation != nil {
		l.onViolation(action, subject, violations)
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// RemoveSubject drops all buckets for a subject, called on session close.
func (l *RateLimiter) RemoveSubject(subject string) {
	suffix := "\x00" + subject
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for key := range shard.buckets {
			if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
				delete(shard.buckets, key)
			}
		}
		shard.mu.Unlock()
	}
}

// GC removes buckets whose window expired more than maxIdle ago.
func (l *RateLimiter) GC(maxIdle time.Duration) int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for key, b := range shard.buckets {
			if now.Sub(b.windowStart) > maxIdle {
				delete(shard.buckets, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % limiterShards)
}
