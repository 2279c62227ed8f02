// Package session owns the per-connection state machine: a reader pump that
// feeds the router, a writer pump draining a bounded outbound queue, the
// heartbeat contract and the joined-room set.
package session

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/metrics"
)

// State is the session lifecycle state.
type State int32

const (
	StatePreAuth State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePreAuth:
		return "pre_auth"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	// OutboundMailbox bounds the send queue; overflow drops the oldest frame.
	OutboundMailbox = 512
	// MaxDroppedOut is the drop budget per droppedWindow before the session
	// is closed as a slow consumer.
	MaxDroppedOut = 50
	droppedWindow = 30 * time.Second

	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second

	// MaxInflight bounds concurrently running handlers per session so one
	// chatty client cannot monopolize the worker budget.
	MaxInflight = 16

	drainDeadline = 2 * time.Second
)

// Handler consumes inbound events; the gateway wires it to the router.
type Handler func(s *Session, ev *Event)

// CloseHook observes session termination exactly once.
type CloseHook func(s *Session, reason string)

// Session is one live WebSocket connection, owned by its reader and writer
// goroutines.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	Roles       []string
	NodeID      string
	RemoteAddr  string
	UserAgent   string
	Anonymous   bool
	// Suspicious marks sessions from addresses with elevated suspicion; the
	// router applies tighter limits to them.
	Suspicious bool

	ConnectedAt time.Time

	conn     net.Conn
	outbound chan []byte
	state    atomic.Int32

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	lastActivity atomic.Int64 // unix nano
	lastPong     atomic.Int64

	dropMu      sync.Mutex
	dropCount   int
	dropWindow  time.Time

	inflight chan struct{}

	onEvent Handler
	onClose CloseHook

	closeOnce   sync.Once
	closeReason string
	closeCode   int
	done        chan struct{}
	wg          sync.WaitGroup

	logger zerolog.Logger
	now    func() time.Time
}

// Config holds session construction parameters.
type Config struct {
	Conn       net.Conn
	NodeID     string
	RemoteAddr string
	UserAgent  string
	OnEvent    Handler
	OnClose    CloseHook
	Logger     zerolog.Logger
}

// New creates a session in pre_auth state. Call Activate then Run once the
// gateway has authenticated the handshake.
func New(cfg Config) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:          id,
		NodeID:      cfg.NodeID,
		RemoteAddr:  cfg.RemoteAddr,
		UserAgent:   cfg.UserAgent,
		ConnectedAt: time.Now(),
		conn:        cfg.Conn,
		outbound:    make(chan []byte, OutboundMailbox),
		rooms:       make(map[string]struct{}),
		inflight:    make(chan struct{}, MaxInflight),
		onEvent:     cfg.OnEvent,
		onClose:     cfg.OnClose,
		done:        make(chan struct{}),
		logger:      cfg.Logger.With().Str("session_id", id).Logger(),
		now:         time.Now,
	}
	s.state.Store(int32(StatePreAuth))
	now := s.now().UnixNano()
	s.lastActivity.Store(now)
	s.lastPong.Store(now)
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// HasRole reports whether the authenticated user carries a role.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Activate binds the authenticated identity and moves to active.
func (s *Session) Activate(userID, displayName string, anonymous bool) {
	s.UserID = userID
	s.DisplayName = displayName
	s.Anonymous = anonymous
	s.state.CompareAndSwap(int32(StatePreAuth), int32(StateActive))
	s.logger = s.logger.With().Str("user_id", userID).Logger()
}

// Run starts the reader and writer pumps. It returns immediately; Wait
// blocks until both pumps exit.
func (s *Session) Run() {
	s.wg.Add(2)
	go s.readPump()
	go s.writePump()
}

// Wait blocks until the session has fully closed.
func (s *Session) Wait() { s.wg.Wait() }

// Done is closed when the session begins closing.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActivity reports the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send encodes an event frame and enqueues it. The enqueue always succeeds;
// on a full mailbox the oldest pending frame is dropped instead.
func (s *Session) Send(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Dropping unencodable outbound event")
		return
	}
	frame, err := json.Marshal(&Event{Event: event, Data: raw})
	if err != nil {
		return
	}
	s.SendRaw(frame)
}

// SendReply is Send with the client's correlation id echoed back.
func (s *Session) SendReply(event, id string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	frame, err := json.Marshal(&Event{Event: event, Data: raw, ID: id})
	if err != nil {
		return
	}
	s.SendRaw(frame)
}

// SendError emits an "error" frame.
func (s *Session) SendError(id string, body ErrorBody) {
	s.SendReply("error", id, body)
}

// SendRaw enqueues an already-encoded frame with drop-oldest overflow.
func (s *Session) SendRaw(frame []byte) {
	if s.State() >= StateClosing {
		return
	}
	select {
	case s.outbound <- frame:
		return
	default:
	}
	// Mailbox full: evict the oldest frame to make room.
	select {
	case <-s.outbound:
		s.recordDrop()
	default:
	}
	select {
	case s.outbound <- frame:
	default:
	}
}

func (s *Session) recordDrop() {
	metrics.SessionDroppedOut.Inc()

	s.dropMu.Lock()
	now := s.now()
	if now.Sub(s.dropWindow) > droppedWindow {
		s.dropWindow = now
		s.dropCount = 0
	}
	s.dropCount++
	count := s.dropCount
	chronic := count > MaxDroppedOut
	s.dropMu.Unlock()

	if chronic {
		s.logger.Warn().Int("dropped", count).Msg("Closing chronically slow consumer")
		go s.Close(CodeSlowConsumer, "slow_consumer")
	}
}

// JoinRoom adds a room to the session's set; reports false if already joined.
func (s *Session) JoinRoom(roomID string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom removes a room; reports whether it was present.
func (s *Session) LeaveRoom(roomID string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// Rooms returns a snapshot of joined room IDs.
func (s *Session) Rooms() []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	return out
}

// InRoom reports membership.
func (s *Session) InRoom(roomID string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) readPump() {
	defer s.wg.Done()
	defer s.Close(int(ws.StatusAbnormalClosure), "read_error")

	for {
		s.conn.SetReadDeadline(s.now().Add(pongWait))
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		s.lastActivity.Store(s.now().UnixNano())
		metrics.MessagesReceived.Inc()

		switch op {
		case ws.OpText:
			s.handleFrame(msg)
		case ws.OpPong:
			s.lastPong.Store(s.now().UnixNano())
		case ws.OpPing:
			// wsutil answers pings for us; nothing to do.
		case ws.OpClose:
			s.Close(int(ws.StatusNormalClosure), "client_close")
			return
		}
	}
}

func (s *Session) handleFrame(msg []byte) {
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Event == "" {
		s.SendError("", ErrorBody{Code: "bad_request", Message: "malformed frame"})
		return
	}

	// App-level heartbeat for clients that cannot send pong frames.
	if ev.Event == "heartbeat" {
		s.lastPong.Store(s.now().UnixNano())
		s.Send("heartbeat_ack", map[string]int64{"server_time": s.now().UnixMilli()})
		return
	}

	if s.State() != StateActive {
		s.SendError(ev.ID, ErrorBody{Code: "not_authenticated"})
		return
	}
	if s.onEvent == nil {
		return
	}

	// Handlers may block on external calls; run them off the reader under
	// the inflight bound.
	s.inflight <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.inflight }()
		s.onEvent(s, &ev)
	}()
}

func (s *Session) writePump() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.outbound:
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, frame); err != nil {
				s.Close(int(ws.StatusAbnormalClosure), "write_error")
				return
			}
			metrics.MessagesSent.Inc()

		case <-ticker.C:
			if s.now().Sub(time.Unix(0, s.lastPong.Load())) > pongWait {
				s.Close(CodeHeartbeatTimeout, "heartbeat_timeout")
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.Close(int(ws.StatusAbnormalClosure), "write_error")
				return
			}

		case <-s.done:
			s.drainOutbound()
			return
		}
	}
}

// drainOutbound flushes pending frames within the drain deadline, then
// writes the close frame.
func (s *Session) drainOutbound() {
	deadline := s.now().Add(drainDeadline)
	s.conn.SetWriteDeadline(deadline)
	for {
		select {
		case frame := <-s.outbound:
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, frame); err != nil {
				s.finishClose()
				return
			}
			metrics.MessagesSent.Inc()
		default:
			s.finishClose()
			return
		}
	}
}

func (s *Session) finishClose() {
	body := ws.NewCloseFrameBody(ws.StatusCode(s.closeCode), s.closeReason)
	wsutil.WriteServerMessage(s.conn, ws.OpClose, body)
	s.conn.Close()
	s.state.Store(int32(StateClosed))
}

// Close begins teardown with the given close code and reason. Safe to call
// from any goroutine; only the first call takes effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		s.state.Store(int32(StateClosing))
		close(s.done)

		// Unblock a reader stuck in a read.
		s.conn.SetReadDeadline(s.now())

		metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
		s.logger.Debug().Str("reason", reason).Int("code", code).Msg("Session closing")

		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// CloseReason returns the recorded close reason, empty while open.
func (s *Session) CloseReason() string {
	if s.State() < StateClosing {
		return ""
	}
	return s.closeReason
}
