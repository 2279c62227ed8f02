package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/auth"
	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/directory"
	"github.com/voxhall/voxhall/internal/limits"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/presence"
	"github.com/voxhall/voxhall/internal/router"
	"github.com/voxhall/voxhall/internal/security"
	"github.com/voxhall/voxhall/internal/session"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/internal/typing"
)

const goodToken = "header.payload.signature"

type nullTransport struct{}

func (nullTransport) Connect(context.Context) error { return nil }
func (nullTransport) Publish(string, []byte) error  { return nil }
func (nullTransport) Subscribe(string, func([]byte)) (func() error, error) {
	return func() error { return nil }, nil
}
func (nullTransport) Connected() bool             { return true }
func (nullTransport) SetStatusHandler(func(bool)) {}
func (nullTransport) Close()                      {}

// fakeVerifier accepts goodToken for u1 and rejects everything else.
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (*auth.Claims, error) {
	if token != goodToken {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{UserID: "u1", IssuedAt: time.Now()}, nil
}

type fakeDirectory struct {
	banned bool
}

func (f *fakeDirectory) LookupUser(_ context.Context, id string) (*directory.User, error) {
	u := &directory.User{ID: id, DisplayName: "Ada"}
	if f.banned {
		until := time.Now().Add(time.Hour)
		u.BannedUntil = &until
	}
	return u, nil
}

func (f *fakeDirectory) Friends(context.Context, string) ([]string, error) { return nil, nil }

type fakeContent struct{}

func (fakeContent) SaveMessage(_ context.Context, m *directory.Message) (*directory.Message, error) {
	out := *m
	out.ID = "m1"
	return &out, nil
}
func (fakeContent) GetMessage(context.Context, string) (*directory.Message, error) {
	return nil, directory.ErrNotFound
}
func (fakeContent) UpdateMessage(context.Context, string, string) (*directory.Message, error) {
	return nil, directory.ErrNotFound
}
func (fakeContent) DeleteMessage(context.Context, string) error { return directory.ErrNotFound }
func (fakeContent) SaveDM(context.Context, string, string, string) (*directory.Message, error) {
	return &directory.Message{ID: "dm1"}, nil
}
func (fakeContent) AddReaction(context.Context, directory.Reaction) (bool, error) { return true, nil }
func (fakeContent) RemoveReaction(context.Context, directory.Reaction) error      { return nil }
func (fakeContent) HostTopic(context.Context, string, string) (string, error) {
	return "room.channel.c1", nil
}

type fakeMedia struct{}

func (fakeMedia) IssueToken(context.Context, string, string) (string, error) { return "tok", nil }

type testGateway struct {
	server *Server
	http   *httptest.Server
	guard  *security.Guard
	bus    *bus.Bus
	reg    *session.Registry
}

func newTestGateway(t *testing.T, dir *fakeDirectory, allowAnonymous bool) *testGateway {
	t.Helper()
	if dir == nil {
		dir = &fakeDirectory{}
	}
	logger := zerolog.Nop()

	b := bus.New(bus.Config{
		NodeID:    "node-gw",
		Transport: nullTransport{},
		Breakers:  breaker.NewRegistry(breaker.DefaultConfig(), nil),
		Logger:    logger,
	})
	require.NoError(t, b.Run(context.Background()))
	t.Cleanup(b.Close)

	st := store.NewMemory()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	guard := security.NewGuard(security.GuardConfig{Store: st, Logger: logger})
	registry := session.NewRegistry()
	roomIndex := session.NewRoomIndex()
	limiter := limits.NewRateLimiter(nil, nil)

	typingTracker := typing.New(typing.Config{
		NodeID: "node-gw", Bus: b, Store: st,
		Limiter: limits.NewRateLimiter(nil, nil), Logger: logger,
	})
	t.Cleanup(typingTracker.Close)
	presenceTracker := presence.New(presence.Config{
		NodeID: "node-gw", Bus: b, Store: st, Users: dir, Breakers: breakers, Logger: logger,
	})
	t.Cleanup(presenceTracker.Close)

	gate := auth.NewGate(auth.GateConfig{
		Verifier:       fakeVerifier{},
		Directory:      dir,
		Breakers:       breakers,
		Limiter:        limiter,
		SessionCount:   registry.CountForUser,
		MaxSessions:    5,
		AllowAnonymous: allowAnonymous,
		Logger:         logger,
	})

	rt := router.New(router.Config{
		NodeID: "node-gw", Bus: b, Rooms: roomIndex, Registry: registry,
		Limiter: limiter, Guard: guard, Breakers: breakers,
		Content: fakeContent{}, Media: fakeMedia{},
		Typing: typingTracker, Presence: presenceTracker, Logger: logger,
	})
	rt.BindBus()
	t.Cleanup(rt.Close)

	g := New(Config{
		NodeID: "node-gw", Version: "test",
		Gate: gate, Guard: guard, Router: rt,
		Registry: registry, Rooms: roomIndex,
		Bus: b, Store: st, Breakers: breakers,
		Typing: typingTracker, Presence: presenceTracker,
		Limiter: limiter, Logger: logger,
	})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{server: g, http: srv, guard: guard, bus: b, reg: registry}
}

func (tg *testGateway) dial(t *testing.T, query string, header http.Header) (net.Conn, error) {
	t.Helper()
	url := "ws://" + strings.TrimPrefix(tg.http.URL, "http://") + "/ws" + query
	dialer := ws.Dialer{Timeout: 2 * time.Second}
	if header != nil {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := dialer.Dial(context.Background(), url)
	if err == nil {
		if br != nil {
			conn = bufferedConn{Conn: conn, r: br}
		}
		t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

// bufferedConn drains the dialer's post-handshake buffer before the socket,
// so frames that coalesced with the 101 response are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func readEvent(t *testing.T, conn net.Conn) *session.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var ev session.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return &ev
}

// readClose reads until the server's close frame and returns its code and
// reason.
func readClose(t *testing.T, conn net.Conn) (ws.StatusCode, string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, err := wsutil.ReadServerText(conn)
		require.Error(t, err)
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return closed.Code, closed.Reason
		}
		t.Fatalf("connection ended without close frame: %v", err)
	}
}

func TestQueryTokenAuthDeliversReady(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)

	ready := readEvent(t, conn)
	assert.Equal(t, "ready", ready.Event)
	var body struct {
		SessionID string `json:"session_id"`
		User      struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(ready.Data, &body))
	assert.Equal(t, "u1", body.User.ID)
	assert.NotEmpty(t, body.SessionID)
	assert.Equal(t, 1, tg.reg.Len())
}

func TestBearerHeaderAuth(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "", http.Header{"Authorization": {"Bearer " + goodToken}})
	require.NoError(t, err)
	assert.Equal(t, "ready", readEvent(t, conn).Event)
}

func TestAuthFrameFlow(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "", nil)
	require.NoError(t, err)

	frame, _ := json.Marshal(map[string]any{
		"event": "auth",
		"data":  map[string]string{"token": goodToken},
	})
	require.NoError(t, wsutil.WriteClientText(conn, frame))

	assert.Equal(t, "ready", readEvent(t, conn).Event)
}

func TestAnonymousAuth(t *testing.T) {
	tg := newTestGateway(t, nil, true)
	conn, err := tg.dial(t, "", nil)
	require.NoError(t, err)

	frame, _ := json.Marshal(map[string]any{"event": "auth", "data": map[string]string{}})
	require.NoError(t, wsutil.WriteClientText(conn, frame))

	ready := readEvent(t, conn)
	assert.Equal(t, "ready", ready.Event)
	var body struct {
		User struct {
			ID        string `json:"id"`
			Anonymous bool   `json:"anonymous"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(ready.Data, &body))
	assert.True(t, body.User.Anonymous)
	assert.True(t, strings.HasPrefix(body.User.ID, "anon:"))
}

func TestInvalidTokenClosesWithAuthFailure(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "?token=not-a-real.jwt.token", nil)
	require.NoError(t, err)
	code, _ := readClose(t, conn)
	assert.Equal(t, ws.StatusCode(session.CodeAuthFailure), code)
}

func TestBannedUserClosesWith4013(t *testing.T) {
	tg := newTestGateway(t, &fakeDirectory{banned: true}, false)
	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)
	code, _ := readClose(t, conn)
	assert.Equal(t, ws.StatusCode(session.CodeBanned), code)
}

func TestBlacklistedAddrClosesWith4014(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	tg.guard.Blacklist().Add(context.Background(), "127.0.0.1", security.BlacklistEntry{
		Reason:   "test_block",
		Severity: security.SeverityCritical,
	})

	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)
	code, reason := readClose(t, conn)
	assert.Equal(t, ws.StatusCode(session.CodeBlacklisted), code)
	assert.Equal(t, "blacklisted: test_block", reason)
}

func TestConnRateRejectionClosesWith4008(t *testing.T) {
	lim := limits.NewConnLimiter(limits.ConnLimiterConfig{
		IPBurst: 1,
		IPRate:  0.0001,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(lim.Stop)
	guard := security.NewGuard(security.GuardConfig{
		Store:       store.NewMemory(),
		ConnLimiter: lim,
		Logger:      zerolog.Nop(),
	})
	// The rejection happens before auth, so a guard-only server suffices.
	g := New(Config{NodeID: "node-gw", Guard: guard, Logger: zerolog.Nop()})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	dial := func() net.Conn {
		dialer := ws.Dialer{Timeout: 2 * time.Second}
		conn, br, _, err := dialer.Dial(context.Background(), "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/ws")
		require.NoError(t, err)
		if br != nil {
			conn = bufferedConn{Conn: conn, r: br}
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	dial() // consumes the single-token burst, stalls at the auth frame

	code, reason := readClose(t, dial())
	assert.Equal(t, ws.StatusCode(session.CodeRateLimited), code)
	assert.Equal(t, "rate_limited", reason)
}

func TestHeartbeatAck(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)
	readEvent(t, conn) // ready

	frame, _ := json.Marshal(map[string]any{"event": "heartbeat"})
	require.NoError(t, wsutil.WriteClientText(conn, frame))
	assert.Equal(t, "heartbeat_ack", readEvent(t, conn).Event)
}

func TestEventRoundTripThroughRouter(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)
	readEvent(t, conn) // ready

	frame, _ := json.Marshal(map[string]any{
		"event": "join",
		"data":  map[string]string{"room_id": "channel:c1"},
		"id":    "j1",
	})
	require.NoError(t, wsutil.WriteClientText(conn, frame))

	joined := readEvent(t, conn)
	assert.Equal(t, "joined", joined.Event)
	assert.Equal(t, "j1", joined.ID)
}

func TestHealthEndpoint(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	resp, err := http.Get(tg.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		BusState string `json:"bus_state"`
		StoreOK  bool   `json:"store_ok"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "node-gw", report.NodeID)
	assert.Equal(t, "connected", report.BusState)
	assert.True(t, report.StoreOK)
}

func TestDrainSendsShutdownAndRefusesNew(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)
	readEvent(t, conn) // ready

	done := make(chan struct{})
	go func() {
		tg.server.Close(context.Background())
		close(done)
	}()

	notice := readEvent(t, conn)
	assert.Equal(t, "shutdown", notice.Event)
	conn.Close() // well-behaved client leaves on notice

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish after sessions left")
	}
	assert.Zero(t, tg.reg.Len())

	// New connections are refused while draining.
	_, err = tg.dial(t, "?token="+goodToken, nil)
	assert.Error(t, err)
}

func TestSessionCloseDecrementsPresence(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)
	readEvent(t, conn) // ready

	closed := make(chan *bus.Envelope, 1)
	tg.bus.Subscribe("session.closed", func(env *bus.Envelope) { closed <- env })

	conn.Close()

	select {
	case env := <-closed:
		var body map[string]string
		require.NoError(t, json.Unmarshal(env.Payload, &body))
		assert.Equal(t, "u1", body["user_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no session.closed envelope")
	}
	require.Eventually(t, func() bool { return tg.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectCountedOnce(t *testing.T) {
	tg := newTestGateway(t, nil, false)
	before := testutil.ToFloat64(metrics.DisconnectsTotal.WithLabelValues("read_error"))

	conn, err := tg.dial(t, "?token="+goodToken, nil)
	require.NoError(t, err)
	readEvent(t, conn) // ready
	conn.Close()

	require.Eventually(t, func() bool { return tg.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DisconnectsTotal.WithLabelValues("read_error")))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	assert.Equal(t, "10.0.0.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}
