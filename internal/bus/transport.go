package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Transport is the wire-level pub/sub the Bus replicates through. The NATS
// implementation is the production one; tests substitute an in-memory fake.
type Transport interface {
	// Connect dials the transport. One attempt; the Bus drives retry and
	// backoff around it.
	Connect(ctx context.Context) error
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
	Connected() bool
	// SetStatusHandler registers a callback fired on connectivity changes
	// after the initial connect (transport-internal reconnects included).
	SetStatusHandler(fn func(connected bool))
	Close()
}

// natsTransport implements Transport on a NATS connection. After the initial
// connect, NATS handles its own reconnection up to maxReconnects; when it
// gives up the status handler fires with connected=false and the Bus takes
// over with degraded-mode probes.
type natsTransport struct {
	url    string
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	status func(connected bool)
}

// NewNATSTransport creates a transport for the given NATS URL.
func NewNATSTransport(url string, logger zerolog.Logger) Transport {
	return &natsTransport{
		url:    url,
		logger: logger.With().Str("component", "nats_transport").Logger(),
	}
}

func (t *natsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && t.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(t.url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn().Err(err).Msg("Bus transport disconnected")
			}
			t.notify(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Bus transport reconnected")
			t.notify(true)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.logger.Error().Msg("Bus transport connection closed after retry budget")
			t.notify(false)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.logger.Error().Err(err).Msg("Bus transport async error")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to bus at %s: %w", t.url, err)
	}
	t.conn = conn
	return nil
}

func (t *natsTransport) notify(connected bool) {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	if status != nil {
		status(connected)
	}
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nats.ErrConnectionClosed
	}
	return conn.Publish(subject, data)
}

func (t *natsTransport) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, nats.ErrConnectionClosed
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func (t *natsTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

func (t *natsTransport) SetStatusHandler(fn func(connected bool)) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()
}

func (t *natsTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
