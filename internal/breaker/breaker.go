// Package breaker implements the circuit breaker guarding every external
// dependency call (bus transport, shared store, user directory, content
// store, media tokens). One breaker per named dependency.
package breaker

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// State is the breaker state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned when a call is short-circuited by an open breaker.
var ErrOpen = errors.New("circuit breaker open")

// Config holds breaker tunables.
type Config struct {
	Threshold              int           // consecutive-ish failures before opening
	Cooldown               time.Duration // open duration before half-open probe
	ProbeSuccessesRequired int           // successes in half-open before closing
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		Threshold:              5,
		Cooldown:               30 * time.Second,
		ProbeSuccessesRequired: 3,
	}
}

// Observer receives state-change notifications for metrics.
type Observer func(name string, from, to State)

// Breaker wraps calls to one named dependency.
type Breaker struct {
	name     string
	cfg      Config
	observer Observer
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool // a half-open probe call is in flight
}

// New creates a breaker. A nil observer is allowed.
func New(name string, cfg Config, observer Observer) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.ProbeSuccessesRequired <= 0 {
		cfg.ProbeSuccessesRequired = DefaultConfig().ProbeSuccessesRequired
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		observer: observer,
		now:      time.Now,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open→half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Execute runs op under the breaker. While open it returns ErrOpen without
// calling op. In half-open exactly one probe call is admitted at a time.
func (b *Breaker) Execute(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()
	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			if b.failures > 0 {
				b.failures--
			}
			return
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.transitionLocked(Open)
			b.openedAt = b.now()
		}
	case HalfOpen:
		b.probing = false
		if !success {
			b.transitionLocked(Open)
			b.openedAt = b.now()
			b.successes = 0
			return
		}
		b.successes++
		if b.successes >= b.cfg.ProbeSuccessesRequired {
			b.transitionLocked(Closed)
			b.failures = 0
			b.successes = 0
		}
	case Open:
		// A call that started before the breaker opened; its outcome no
		// longer affects state.
	}
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(HalfOpen)
		b.successes = 0
		b.probing = false
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.observer != nil {
		// Observer runs outside the dependency call path but under the
		// breaker lock; keep it cheap (metric update only).
		b.observer(b.name, from, to)
	}
}

const registryShards = 16

// Registry hands out one breaker per dependency name, sharded to keep hot
// paths from contending on a single lock.
type Registry struct {
	cfg      Config
	observer Observer
	shards   [registryShards]struct {
		mu       sync.RWMutex
		breakers map[string]*Breaker
	}
}

// NewRegistry creates a registry; cfg applies to breakers it creates.
func NewRegistry(cfg Config, observer Observer) *Registry {
	r := &Registry{cfg: cfg, observer: observer}
	for i := range r.shards {
		r.shards[i].breakers = make(map[string]*Breaker)
	}
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	shard := &r.shards[shardFor(name)]

	shard.mu.RLock()
	b, ok := shard.breakers[name]
	shard.mu.RUnlock()
	if ok {
		return b
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if b, ok = shard.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg, r.observer)
	shard.breakers[name] = b
	return b
}

// Execute runs op under the named breaker.
func (r *Registry) Execute(name string, op func() error) error {
	return r.Get(name).Execute(op)
}

// States snapshots every breaker's state, for the health endpoint.
func (r *Registry) States() map[string]State {
	out := make(map[string]State)
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		for name, b := range shard.breakers {
			out[name] = b.State()
		}
		shard.mu.RUnlock()
	}
	return out
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}
