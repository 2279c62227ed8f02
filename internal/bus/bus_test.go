package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/breaker"
)

// fakeTransport is an in-memory Transport that records publishes and lets
// tests toggle connectivity and inject failures.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failDial  bool
	failPub   bool
	published []struct {
		subject string
		data    []byte
	}
	handlers map[string]func([]byte)
	status   func(bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func([]byte))}
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failDial {
		return errors.New("dial refused")
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.failPub {
		return errors.New("not connected")
	}
	t.published = append(t.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (t *fakeTransport) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[subject] = handler
	return func() error { return nil }, nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) SetStatusHandler(fn func(bool)) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() {}

func (t *fakeTransport) publishedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func (t *fakeTransport) publishedAt(i int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[i].data
}

// inject delivers a wire frame as if it arrived from a peer node.
func (t *fakeTransport) inject(tb testing.TB, env *Envelope) {
	tb.Helper()
	data, err := encodeWire(env, false)
	require.NoError(tb, err)
	t.mu.Lock()
	handler := t.handlers["voxhall.>"]
	t.mu.Unlock()
	require.NotNil(tb, handler, "bus did not subscribe to the transport")
	handler(data)
}

func newTestBus(t *testing.T, tr Transport) *Bus {
	t.Helper()
	b := New(Config{
		NodeID:    "node-a",
		Transport: tr,
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig(), nil),
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(b.Close)
	return b
}

func collect(sub chan *Envelope) func(env *Envelope) {
	return func(env *Envelope) { sub <- env }
}

func TestPublishFansOutToLocalSubscribers(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	got := make(chan *Envelope, 4)
	b.Subscribe("room.general", collect(got))

	outcome, err := b.Publish("room.general", "message.created", map[string]string{"text": "hi"}, PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, outcome)

	select {
	case env := <-got:
		assert.Equal(t, "room.general", env.Topic)
		assert.Equal(t, "message.created", env.Kind)
		assert.Equal(t, "node-a", env.OriginNodeID)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		assert.Equal(t, "hi", payload["text"])
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the envelope")
	}

	// Replicated to peers as well.
	assert.Equal(t, 1, tr.publishedCount())
}

func TestSubscribeWildcardAndExactScoping(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	exact := make(chan *Envelope, 4)
	wild := make(chan *Envelope, 4)
	b.Subscribe("room.general", collect(exact))
	b.Subscribe("room.>", collect(wild))

	_, err := b.Publish("room.general.thread1", "message.created", "x", PublishOptions{})
	require.NoError(t, err)

	select {
	case <-wild:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed nested topic")
	}
	select {
	case env := <-exact:
		t.Fatalf("exact subscriber got nested topic %s", env.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	got := make(chan *Envelope, 4)
	sub := b.Subscribe("room.general", collect(got))
	sub.Unsubscribe()

	_, err := b.Publish("room.general", "message.created", "x", PublishOptions{})
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("unsubscribed handler still received an envelope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteEnvelopeFromOwnNodeIsSkipped(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	got := make(chan *Envelope, 4)
	b.Subscribe("room.general", collect(got))

	tr.inject(t, &Envelope{
		Topic:        "room.general",
		Kind:         "message.created",
		OriginNodeID: "node-a", // same node
		Priority:     PriorityNormal,
		CreatedAt:    time.Now().UnixMilli(),
		Payload:      json.RawMessage(`{}`),
	})

	select {
	case <-got:
		t.Fatal("envelope from own node delivered twice")
	case <-time.After(50 * time.Millisecond):
	}

	// Broadcast overrides origin filtering.
	tr.inject(t, &Envelope{
		Topic:        "room.general",
		Kind:         "presence.updated",
		OriginNodeID: "node-a",
		Broadcast:    true,
		Priority:     PriorityNormal,
		CreatedAt:    time.Now().UnixMilli(),
		Payload:      json.RawMessage(`{}`),
	})
	select {
	case env := <-got:
		assert.True(t, env.Broadcast)
	case <-time.After(time.Second):
		t.Fatal("broadcast envelope was filtered")
	}
}

func TestRemoteEnvelopePastTTLIsDropped(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	got := make(chan *Envelope, 4)
	b.Subscribe("room.general", collect(got))

	tr.inject(t, &Envelope{
		Topic:        "room.general",
		Kind:         "typing.started",
		OriginNodeID: "node-b",
		Priority:     PriorityLow,
		TTLSeconds:   5,
		CreatedAt:    time.Now().Add(-10 * time.Second).UnixMilli(),
		Payload:      json.RawMessage(`{}`),
	})

	select {
	case <-got:
		t.Fatal("expired envelope delivered")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), b.Stats().DroppedTTL)
}

func TestDedupeSuppressesDuplicateWithinWindow(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	opts := PublishOptions{Dedupe: true, DedupeKey: "msg-1"}
	first, err := b.Publish("room.general", "message.created", "x", opts)
	require.NoError(t, err)
	assert.Equal(t, Delivered, first)

	second, err := b.Publish("room.general", "message.created", "x", opts)
	require.NoError(t, err)
	assert.Equal(t, Dropped, second)

	// Critical bypasses dedupe entirely.
	opts.Priority = PriorityCritical
	third, err := b.Publish("room.general", "message.created", "x", opts)
	require.NoError(t, err)
	assert.Equal(t, Delivered, third)
}

func TestOutagePolicyByPriority(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	// Simulate transport loss.
	tr.mu.Lock()
	tr.connected = false
	tr.mu.Unlock()
	b.setState(StateReconnecting)

	low, err := b.Publish("room.general", "typing.started", "x", PublishOptions{Priority: PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, Dropped, low)

	normal, err := b.Publish("room.general", "message.created", "x", PublishOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, Dropped, normal)

	high, err := b.Publish("room.general", "moderation.ban", "x", PublishOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, Queued, high)

	crit, err := b.Publish("room.general", "session.evict", "x", PublishOptions{Priority: PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, Queued, crit)

	assert.Equal(t, 2, b.Stats().QueueDepth)
	assert.Equal(t, int64(2), b.Stats().MessagesDropped)
}

func TestOutageQueueBoundAndFIFOFlush(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	tr.mu.Lock()
	tr.connected = false
	tr.mu.Unlock()
	b.setState(StateReconnecting)

	base := time.Now().UnixMilli()
	for i := 0; i < 1100; i++ {
		env := &Envelope{
			Topic:     "room.general",
			Kind:      "message.created",
			Priority:  PriorityHigh,
			CreatedAt: base + int64(i), // monotonically increasing
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		b.queue.Enqueue(env)
	}
	assert.Equal(t, 1000, b.queue.Depth())

	tr.mu.Lock()
	tr.connected = true
	tr.mu.Unlock()
	b.onTransportStatus(true)

	require.Equal(t, 1000, tr.publishedCount())

	// Oldest survivor is seq 100; order must be FIFO.
	var first, last struct {
		Seq int `json:"seq"`
	}
	env, err := decodeWire(tr.publishedAt(0))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(env.Payload, &first))
	env, err = decodeWire(tr.publishedAt(999))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(env.Payload, &last))
	assert.Equal(t, 100, first.Seq)
	assert.Equal(t, 1099, last.Seq)

	assert.Equal(t, int64(100), b.Stats().MessagesDropped)
	assert.Equal(t, 0, b.queue.Depth())
}

func TestFlushDiscardsStaleEntries(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	stale := &Envelope{
		Topic:     "room.general",
		Kind:      "message.created",
		Priority:  PriorityHigh,
		CreatedAt: time.Now().Add(-10 * time.Minute).UnixMilli(),
		Payload:   json.RawMessage(`{}`),
	}
	fresh := &Envelope{
		Topic:     "room.general",
		Kind:      "message.created",
		Priority:  PriorityHigh,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   json.RawMessage(`{}`),
	}
	b.queue.Enqueue(stale)
	b.queue.Enqueue(fresh)

	b.flushQueue()
	assert.Equal(t, 1, tr.publishedCount())
	assert.Equal(t, int64(1), b.Stats().MessagesDropped)
}

func TestSubscriberMailboxOverflowDropsOldest(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	require.NoError(t, b.Run(context.Background()))

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	sub := b.Subscribe("room.busy", func(*Envelope) {
		once.Do(func() { close(started) })
		<-block
	})
	defer sub.Unsubscribe()

	_, err := b.Publish("room.busy", "message.created", 0, PublishOptions{})
	require.NoError(t, err)
	<-started // handler is now stuck; mailbox fills from here

	for i := 1; i <= SubscriberMailbox+10; i++ {
		_, err := b.Publish("room.busy", "message.created", i, PublishOptions{})
		require.NoError(t, err)
	}
	close(block)

	assert.GreaterOrEqual(t, b.Stats().SubscriberOverflow, int64(10))
}

func TestCompressedEnvelopeRoundTrip(t *testing.T) {
	payload := json.RawMessage(`{"text":"hello hello hello hello hello hello"}`)
	env := &Envelope{
		Topic:     "room.general",
		Kind:      "message.created",
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   payload,
	}
	data, err := encodeWire(env, true)
	require.NoError(t, err)

	decoded, err := decodeWire(data)
	require.NoError(t, err)
	assert.False(t, decoded.Compressed)
	assert.JSONEq(t, string(payload), string(decoded.Payload))
}

func TestCriticalEnvelopeNeverCompressed(t *testing.T) {
	env := &Envelope{
		Topic:     "room.general",
		Kind:      "session.evict",
		Priority:  PriorityCritical,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   json.RawMessage(`{"x":1}`),
	}
	data, err := encodeWire(env, true)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	_, hasCompressed := raw["compressed"]
	assert.False(t, hasCompressed, "critical payload must stay plaintext")
}

func TestDegradedModeAfterDialFailures(t *testing.T) {
	tr := newFakeTransport()
	tr.failDial = true
	b := newTestBus(t, tr)
	b.backoffBase = time.Millisecond
	b.backoffCap = 5 * time.Millisecond
	b.maxAttempts = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := b.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, b.State())

	// Queuing still works while degraded.
	outcome, err := b.Publish("room.general", "message.created", "x", PublishOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"room.general", "room.general", true},
		{"room.general", "room.generals", false},
		{"room.>", "room.general", true},
		{"room.>", "room.general.thread", true},
		{"room.>", "room", false},
		{"room.>", "rooms.general", false},
		{">", "anything.at.all", true},
		{"user.u1", "user.u2", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatches(tc.pattern, tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}
