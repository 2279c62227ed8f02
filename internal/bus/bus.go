// Package bus is the in-process abstraction over the pub/sub transport. It
// fans envelopes out to local subscribers, replicates them to peer nodes,
// and rides out transport outages with a bounded per-topic queue.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/metrics"
)

// TransportState tracks the transport connection lifecycle.
type TransportState int32

const (
	StateDisconnected TransportState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed // degraded: queuing + periodic probes
)

func (s TransportState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome reports what Publish did with an envelope.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Queued    Outcome = "queued"
	Dropped   Outcome = "dropped"
)

// PublishOptions tune a single publish.
type PublishOptions struct {
	Priority        Priority
	TTL             time.Duration
	Compress        bool
	Dedupe          bool
	DedupeKey       string
	Broadcast       bool
	OriginSessionID string
}

// Handler consumes envelopes delivered to a subscription.
type Handler func(env *Envelope)

const (
	// SubscriberMailbox bounds each local subscriber's queue so one slow
	// handler cannot block delivery to the rest.
	SubscriberMailbox = 256

	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	reconnectAttempts = 10
	probeInterval     = 30 * time.Second
)

type subscriber struct {
	pattern string
	handler Handler
	mailbox chan *Envelope
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Subscription is a handle for removing a subscriber.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Unsubscribe removes the subscriber and stops its delivery goroutine.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.sub)
}

// Config holds bus construction parameters.
type Config struct {
	NodeID    string
	Transport Transport
	Breakers  *breaker.Registry
	Logger    zerolog.Logger
	// SubjectPrefix namespaces transport subjects; defaults to "voxhall.".
	SubjectPrefix string
}

// Bus routes envelopes between local subscribers and peer nodes.
type Bus struct {
	nodeID  string
	tr      Transport
	brk     *breaker.Breaker
	logger  zerolog.Logger
	prefix  string

	mu   sync.RWMutex
	subs []*subscriber

	queue  *outageQueue
	dedupe *dedupeCache
	state  atomic.Int32

	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int

	rng *rand.Rand

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	flushMu sync.Mutex

	// counters exposed through Stats
	messagesDropped   atomic.Int64
	droppedTTL        atomic.Int64
	subscriberOverflow atomic.Int64
}

// New creates a Bus. Call Run to connect the transport.
func New(cfg Config) *Bus {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "voxhall."
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		nodeID: cfg.NodeID,
		tr:     cfg.Transport,
		brk:    cfg.Breakers.Get("bus"),
		logger: cfg.Logger.With().Str("component", "bus").Logger(),
		prefix: prefix,
		dedupe: newDedupeCache(),

		backoffBase: reconnectBase,
		backoffCap:  reconnectCap,
		maxAttempts: reconnectAttempts,

		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
	}
	b.queue = newOutageQueue(func(n int) {
		b.messagesDropped.Add(int64(n))
		metrics.BusMessagesDropped.Add(float64(n))
	})
	b.setState(StateDisconnected)
	return b
}

// State returns the transport state.
func (b *Bus) State() TransportState {
	return TransportState(b.state.Load())
}

func (b *Bus) setState(s TransportState) {
	b.state.Store(int32(s))
	metrics.BusState.Set(float64(s))
}

// Stats are the bus drop counters.
type Stats struct {
	MessagesDropped    int64
	DroppedTTL         int64
	SubscriberOverflow int64
	QueueDepth         int
}

// Stats returns a snapshot of the drop counters.
func (b *Bus) Stats() Stats {
	return Stats{
		MessagesDropped:    b.messagesDropped.Load(),
		DroppedTTL:         b.droppedTTL.Load(),
		SubscriberOverflow: b.subscriberOverflow.Load(),
		QueueDepth:         b.queue.Depth(),
	}
}

// Run connects the transport with full-jitter backoff and keeps the
// connection state machine alive until ctx is cancelled. It returns after
// the initial connect resolves (connected or degraded).
func (b *Bus) Run(ctx context.Context) error {
	b.tr.SetStatusHandler(b.onTransportStatus)

	if err := b.connectWithBackoff(ctx); err != nil {
		// Degraded: keep queuing, probe periodically.
		b.setState(StateFailed)
		b.logger.Error().Err(err).Msg("Bus transport unreachable, entering degraded mode")
		b.wg.Add(1)
		go b.probeLoop()
		return err
	}
	b.afterConnect()

	b.wg.Add(1)
	go b.janitorLoop()
	return nil
}

func (b *Bus) connectWithBackoff(ctx context.Context) error {
	b.setState(StateConnecting)
	var lastErr error
	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		if err := b.tr.Connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		// Full jitter: sleep uniform(0, min(cap, base*2^attempt)).
		ceiling := b.backoffBase << attempt
		if ceiling > b.backoffCap {
			ceiling = b.backoffCap
		}
		sleep := time.Duration(b.rng.Int63n(int64(ceiling) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return b.ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("bus connect failed after %d attempts: %w", b.maxAttempts, lastErr)
}

func (b *Bus) afterConnect() {
	b.setState(StateConnected)
	if _, err := b.tr.Subscribe(b.prefix+">", b.onTransportMessage); err != nil {
		b.logger.Error().Err(err).Msg("Failed to subscribe to transport")
	}
	b.flushQueue()
}

func (b *Bus) probeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.tr.Connect(b.ctx); err != nil {
				b.logger.Debug().Err(err).Msg("Bus probe failed")
				continue
			}
			b.logger.Info().Msg("Bus transport recovered from degraded mode")
			b.afterConnect()
			b.wg.Add(1)
			go b.janitorLoop()
			return
		}
	}
}

func (b *Bus) janitorLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(DedupeWindow * 5)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.dedupe.Sweep()
			metrics.BusQueueDepth.Set(float64(b.queue.Depth()))
		}
	}
}

func (b *Bus) onTransportStatus(connected bool) {
	if connected {
		b.setState(StateConnected)
		b.flushQueue()
		return
	}
	// NATS retries internally first; when it gives up the closed handler
	// fires again and the state stays reconnecting until a probe succeeds.
	if b.State() == StateReconnecting {
		b.setState(StateFailed)
		b.wg.Add(1)
		go b.probeLoop()
		return
	}
	b.setState(StateReconnecting)
}

// Publish stamps an envelope with this node's identity and routes it: local
// subscribers first, then replication to peers. During outages, high and
// critical envelopes queue; the rest drop.
func (b *Bus) Publish(topic, kind string, payload any, opts PublishOptions) (Outcome, error) {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Dropped, fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	env := &Envelope{
		Topic:           topic,
		Kind:            kind,
		OriginNodeID:    b.nodeID,
		OriginSessionID: opts.OriginSessionID,
		Priority:        opts.Priority,
		TTLSeconds:      int(opts.TTL / time.Second),
		CreatedAt:       time.Now().UnixMilli(),
		DedupeKey:       opts.DedupeKey,
		Broadcast:       opts.Broadcast,
		Payload:         raw,
	}

	// Critical bypasses dedupe.
	if opts.Dedupe && opts.Priority != PriorityCritical {
		key := opts.DedupeKey
		if key == "" {
			key = string(raw)
		}
		if b.dedupe.Seen(topic, key) {
			metrics.BusPublished.WithLabelValues(string(Dropped)).Inc()
			return Dropped, nil
		}
	}

	b.deliverLocal(env)

	outcome := b.replicate(env, opts)
	metrics.BusPublished.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (b *Bus) replicate(env *Envelope, opts PublishOptions) Outcome {
	if b.State() == StateConnected {
		err := b.brk.Execute(func() error {
			data, err := encodeWire(env, opts.Compress)
			if err != nil {
				return err
			}
			return b.tr.Publish(b.prefix+env.Topic, data)
		})
		if err == nil {
			return Delivered
		}
		b.logger.Debug().Err(err).Str("topic", env.Topic).Msg("Bus publish failed, applying outage policy")
	}

	switch env.Priority {
	case PriorityHigh, PriorityCritical:
		b.queue.Enqueue(env)
		metrics.BusQueueDepth.Set(float64(b.queue.Depth()))
		return Queued
	default:
		b.messagesDropped.Add(1)
		metrics.BusMessagesDropped.Inc()
		return Dropped
	}
}

func (b *Bus) flushQueue() {
	// Single flusher at a time; reconnect storms must not interleave.
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	pending := b.queue.Drain()
	for i, env := range pending {
		err := b.brk.Execute(func() error {
			data, err := encodeWire(env, false)
			if err != nil {
				return err
			}
			return b.tr.Publish(b.prefix+env.Topic, data)
		})
		if err != nil {
			b.queue.Requeue(pending[i:])
			b.logger.Warn().Err(err).Int("requeued", len(pending)-i).Msg("Bus flush interrupted")
			return
		}
	}
	if len(pending) > 0 {
		b.logger.Info().Int("flushed", len(pending)).Msg("Bus outage queue flushed")
	}
	metrics.BusQueueDepth.Set(float64(b.queue.Depth()))
}

func (b *Bus) onTransportMessage(data []byte) {
	env, err := decodeWire(data)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Dropping malformed bus envelope")
		return
	}
	// Local subscribers already saw our own publishes.
	if env.OriginNodeID == b.nodeID && !env.Broadcast {
		return
	}
	if env.Expired(time.Now()) {
		b.droppedTTL.Add(1)
		metrics.BusDroppedTTL.Inc()
		return
	}
	b.deliverLocal(env)
}

// Subscribe registers a local handler for a topic pattern. Patterns are
// exact topics or suffix wildcards ("room.>"). Each subscriber owns a
// bounded mailbox; on overflow its oldest pending envelope is dropped.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	sub := &subscriber{
		pattern: pattern,
		handler: handler,
		mailbox: make(chan *Envelope, SubscriberMailbox),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case env := <-sub.mailbox:
				sub.handler(env)
			}
		}
	}()
	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	target.stop()
}

func (b *Bus) deliverLocal(env *Envelope) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if topicMatches(sub.pattern, env.Topic) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.mailbox <- env:
		default:
			// Drop the subscriber's oldest pending envelope to make room.
			select {
			case <-sub.mailbox:
				b.subscriberOverflow.Add(1)
				metrics.BusSubscriberOverflow.Inc()
			default:
			}
			select {
			case sub.mailbox <- env:
			default:
			}
		}
	}
}

// Close stops subscribers, the janitor and the transport.
func (b *Bus) Close() {
	b.cancel()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	b.tr.Close()
	b.wg.Wait()
}
