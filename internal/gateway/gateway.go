// Package gateway is the front door: it serves /ws, /health and /metrics,
// runs the pre-connect pipeline (admission, security, auth) and hands
// accepted connections to sessions. It also owns the connection drain on
// shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/auth"
	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/cluster"
	"github.com/voxhall/voxhall/internal/limits"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/presence"
	"github.com/voxhall/voxhall/internal/rooms"
	"github.com/voxhall/voxhall/internal/router"
	"github.com/voxhall/voxhall/internal/security"
	"github.com/voxhall/voxhall/internal/session"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/internal/typing"
)

const (
	// authDeadline bounds the wait for the client's auth frame after upgrade.
	authDeadline = 10 * time.Second

	// DrainDeadline is the grace given to sessions during shutdown before
	// they are force-closed.
	DrainDeadline = 20 * time.Second
)

// Config holds gateway construction parameters.
type Config struct {
	NodeID  string
	Version string

	Gate      *auth.Gate
	Guard     *security.Guard
	Router    *router.Router
	Registry  *session.Registry
	Rooms     *session.RoomIndex
	Bus       *bus.Bus
	Store     store.Store
	Breakers  *breaker.Registry
	Typing    *typing.Tracker
	Presence  *presence.Tracker
	Limiter   *limits.RateLimiter
	Cluster   *cluster.Manager
	Admission *Admission

	Logger zerolog.Logger
}

// Server accepts and authenticates WebSocket connections.
type Server struct {
	cfg       Config
	logger    zerolog.Logger
	mux       *http.ServeMux
	startedAt time.Time
	draining  atomic.Bool
}

// New creates the gateway server.
func New(cfg Config) *Server {
	g := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		startedAt: time.Now(),
	}
	g.mux = http.NewServeMux()
	g.mux.HandleFunc("/ws", g.handleWS)
	g.mux.HandleFunc("/health", g.handleHealth)
	g.mux.Handle("/metrics", metrics.Handler())
	return g
}

// Handler returns the HTTP handler; the supervisor mounts it on the listener.
func (g *Server) Handler() http.Handler { return g.mux }

func (g *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	addr := clientIP(r)
	// Stickiness hint for the load balancer; routing stays its problem.
	if g.cfg.Cluster != nil {
		w.Header().Set("X-Preferred-Node", g.cfg.Cluster.PreferredNode(addr))
	}

	if g.cfg.Admission != nil {
		if ok, check := g.cfg.Admission.Allow(); !ok {
			metrics.ConnectionsRejected.WithLabelValues(check).Inc()
			g.logger.Warn().Str("addr", addr).Str("check", check).Msg("Connection rejected: node saturated")
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.logger.Debug().Err(err).Str("addr", addr).Msg("Upgrade failed")
		return
	}
	metrics.ConnectionsTotal.Inc()
	go g.serve(conn, r, addr)
}

// serve runs the post-upgrade pipeline: security, auth, session start.
func (g *Server) serve(conn net.Conn, r *http.Request, addr string) {
	ctx := context.Background()
	userAgent := r.UserAgent()

	verdict := g.cfg.Guard.Allow(ctx, addr, userAgent)
	if !verdict.Allowed {
		metrics.ConnectionsRejected.WithLabelValues(verdict.Check).Inc()
		code := session.CodeBlacklisted
		if verdict.Check == "conn_rate" {
			code = session.CodeRateLimited
		}
		reason := verdict.Reason
		if reason == "" {
			reason = verdict.Check
		}
		closeConn(conn, code, reason)
		return
	}

	hs := &auth.Handshake{
		AuthorizationHeader: r.Header.Get("Authorization"),
		QueryToken:          r.URL.Query().Get("token"),
		RemoteAddr:          addr,
		UserAgent:           userAgent,
	}
	if auth.ExtractToken(hs) == "" {
		if err := g.readAuthFrame(conn, hs); err != nil {
			metrics.ConnectionsRejected.WithLabelValues("auth_frame").Inc()
			closeConn(conn, session.CodeAuthFailure, "auth_required")
			return
		}
	}

	result := g.cfg.Gate.Authenticate(ctx, hs)
	if !result.Ok() {
		g.rejectAuth(conn, addr, result)
		return
	}

	s := session.New(session.Config{
		Conn:       conn,
		NodeID:     g.cfg.NodeID,
		RemoteAddr: addr,
		UserAgent:  userAgent,
		OnEvent:    g.cfg.Router.Dispatch,
		OnClose:    g.onClose,
		Logger:     g.cfg.Logger,
	})
	s.Activate(result.User.ID, result.User.DisplayName, result.Anonymous)
	s.Roles = result.User.Roles
	s.Suspicious = verdict.Suspicious

	g.cfg.Registry.Add(s)
	metrics.ConnectionsActive.Inc()

	// Every session implicitly joins its user room for DMs and presence.
	userRoom := rooms.User(result.User.ID)
	s.JoinRoom(userRoom)
	g.cfg.Rooms.Join(userRoom, s)

	s.Run()
	s.Send("ready", map[string]any{
		"session_id":  s.ID,
		"server_time": time.Now().UnixMilli(),
		"stale_token": result.StaleToken,
		"user": map[string]any{
			"id":           result.User.ID,
			"display_name": result.User.DisplayName,
			"anonymous":    result.Anonymous,
		},
	})

	g.cfg.Presence.SessionConnected(ctx, result.User.ID)
	g.logger.Info().
		Str("session_id", s.ID).
		Str("user_id", result.User.ID).
		Str("addr", addr).
		Bool("anonymous", result.Anonymous).
		Msg("Session started")
}

// readAuthFrame waits for the client's first frame and parses it as an auth
// event. Clients that authenticated via header or query never send one.
func (g *Server) readAuthFrame(conn net.Conn, hs *auth.Handshake) error {
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	raw, err := wsutil.ReadClientText(conn)
	if err != nil {
		return err
	}
	var ev session.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "auth" {
		return errAuthFrame
	}
	payload := make(map[string]string)
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return errAuthFrame
	}
	hs.AuthPayload = payload
	hs.TwoFactorCode = payload["tfa_code"]
	return nil
}

var errAuthFrame = &net.OpError{Op: "auth", Err: net.ErrClosed}

func (g *Server) rejectAuth(conn net.Conn, addr string, result auth.Result) {
	metrics.ConnectionsRejected.WithLabelValues(string(result.Reason)).Inc()
	g.logger.Info().Str("addr", addr).Str("reason", string(result.Reason)).Msg("Authentication rejected")

	switch result.Reason {
	case auth.ReasonRateLimited:
		frame, _ := json.Marshal(&session.Event{Event: "error"})
		body := session.ErrorBody{
			Code:       "rate_limited",
			RetryAfter: int(result.RetryAfter.Round(time.Second) / time.Second),
		}
		if data, err := json.Marshal(&body); err == nil {
			frame, _ = json.Marshal(&session.Event{Event: "error", Data: data})
		}
		wsutil.WriteServerText(conn, frame)
		closeConn(conn, session.CodeRateLimited, string(result.Reason))
	case auth.ReasonBanned:
		closeConn(conn, session.CodeBanned, string(result.Reason))
	default:
		closeConn(conn, session.CodeAuthFailure, string(result.Reason))
	}
}

// onClose is the session teardown hook; it runs exactly once per session.
func (g *Server) onClose(s *session.Session, reason string) {
	ctx := context.Background()

	// Session.Close already counted the disconnect.
	metrics.ConnectionsActive.Dec()

	g.cfg.Registry.Remove(s)
	for _, roomID := range g.cfg.Rooms.LeaveAll(s) {
		g.cfg.Bus.Publish(rooms.Topic(roomID), "room.presence", map[string]any{
			"room_id": roomID,
			"user_id": s.UserID,
			"delta":   -1,
		}, bus.PublishOptions{Priority: bus.PriorityNormal, OriginSessionID: s.ID})
	}

	g.cfg.Typing.OnSessionClose(s.ID)
	g.cfg.Router.OnSessionClose(s)
	if s.UserID != "" {
		g.cfg.Presence.SessionClosed(ctx, s.UserID)
		g.cfg.Limiter.RemoveSubject(s.UserID)
	}

	g.cfg.Bus.Publish("session.closed", "session.closed", map[string]string{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"node_id":    g.cfg.NodeID,
		"reason":     reason,
	}, bus.PublishOptions{Priority: bus.PriorityLow, TTL: time.Minute})

	g.logger.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Str("reason", reason).Msg("Session closed")
}

type HealthReport struct {
	Status      string            `json:"status"` // healthy | degraded | unhealthy
	NodeID      string            `json:"node_id"`
	Version     string            `json:"version"`
	UptimeS     int64             `json:"uptime_s"`
	Connections int               `json:"connections"`
	BusState    string            `json:"bus_state"`
	StoreOK     bool              `json:"store_ok"`
	Breakers    map[string]string `json:"breakers,omitempty"`
	CPUPercent  float64           `json:"cpu_percent"`
}

func (g *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := g.Health(r.Context())

	code := http.StatusOK
	if report.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

// Health builds the health report; the supervisor also publishes it on the
// bus every metrics interval.
func (g *Server) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		NodeID:      g.cfg.NodeID,
		Version:     g.cfg.Version,
		UptimeS:     int64(time.Since(g.startedAt).Seconds()),
		Connections: g.cfg.Registry.Len(),
		BusState:    g.cfg.Bus.State().String(),
		Breakers:    make(map[string]string),
	}
	if g.cfg.Admission != nil {
		report.CPUPercent = g.cfg.Admission.CPUPercent()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	report.StoreOK = g.cfg.Store.Ping(pingCtx) == nil

	openBreakers := 0
	for name, state := range g.cfg.Breakers.States() {
		report.Breakers[name] = state.String()
		if state != breaker.Closed {
			openBreakers++
		}
	}

	busUp := g.cfg.Bus.State() == bus.StateConnected
	switch {
	case !busUp && !report.StoreOK:
		report.Status = "unhealthy"
	case !busUp || !report.StoreOK || openBreakers > 0 || g.draining.Load():
		report.Status = "degraded"
	default:
		report.Status = "healthy"
	}
	return report
}

// Close drains the gateway: new connections are refused, every session gets
// a shutdown notice and DrainDeadline to finish, stragglers are force-closed.
func (g *Server) Close(ctx context.Context) {
	g.draining.Store(true)

	sessions := g.cfg.Registry.All()
	g.logger.Info().Int("sessions", len(sessions)).Msg("Draining sessions")
	for _, s := range sessions {
		s.Send("shutdown", map[string]string{"reason": "server_shutdown"})
	}

	deadline := time.Now().Add(DrainDeadline)
	for g.cfg.Registry.Len() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(250 * time.Millisecond):
		}
	}

	for _, s := range g.cfg.Registry.All() {
		s.Close(session.CodeShutdown, "server_shutdown")
	}
	for _, s := range sessions {
		s.Wait()
	}
	g.logger.Info().Msg("Gateway drained")
}

func closeConn(conn net.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason)))
	conn.Close()
}

// clientIP prefers the first X-Forwarded-For hop; the gateway sits behind
// the platform load balancer in every deployed topology.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
