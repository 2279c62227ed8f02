package bus

import (
	"sort"
	"sync"
	"time"
)

const (
	// MaxQueuePerTopic bounds the outage queue per topic; older entries drop
	// when the bound is hit.
	MaxQueuePerTopic = 1000
	// MaxQueueAge is the oldest an entry may be at flush time.
	MaxQueueAge = 5 * time.Minute
)

// outageQueue holds high/critical envelopes while the transport is down.
type outageQueue struct {
	mu       sync.Mutex
	byTopic  map[string][]*Envelope
	depth    int
	maxPer   int
	maxAge   time.Duration
	now      func() time.Time
	onDrop   func(n int)
}

func newOutageQueue(onDrop func(n int)) *outageQueue {
	return &outageQueue{
		byTopic: make(map[string][]*Envelope),
		maxPer:  MaxQueuePerTopic,
		maxAge:  MaxQueueAge,
		now:     time.Now,
		onDrop:  onDrop,
	}
}

// Enqueue appends an envelope for its topic, dropping the oldest entry when
// the per-topic bound is exceeded.
func (q *outageQueue) Enqueue(env *Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.byTopic[env.Topic]
	if len(queue) >= q.maxPer {
		copy(queue, queue[1:])
		queue[len(queue)-1] = env
		q.byTopic[env.Topic] = queue
		if q.onDrop != nil {
			q.onDrop(1)
		}
		return
	}
	q.byTopic[env.Topic] = append(queue, env)
	q.depth++
}

// Depth returns the number of queued envelopes.
func (q *outageQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Drain removes and returns all queued envelopes in oldest-first order,
// discarding entries older than maxAge. Discards are reported via onDrop.
func (q *outageQueue) Drain() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.maxAge).UnixMilli()
	var all []*Envelope
	discarded := 0
	for _, queue := range q.byTopic {
		for _, env := range queue {
			if env.CreatedAt < cutoff {
				discarded++
				continue
			}
			all = append(all, env)
		}
	}
	q.byTopic = make(map[string][]*Envelope)
	q.depth = 0

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt < all[j].CreatedAt })
	if discarded > 0 && q.onDrop != nil {
		q.onDrop(discarded)
	}
	return all
}

// Requeue puts back envelopes from an interrupted flush, preserving order.
func (q *outageQueue) Requeue(envs []*Envelope) {
	for _, env := range envs {
		q.Enqueue(env)
	}
}
