// Package router dispatches validated inbound events to their handlers.
// Every event passes the same front door: rate limit, content validation,
// suspicion heuristics; then the named handler runs with its external calls
// circuit-broken. Handler errors become "error" frames, never panics.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/directory"
	"github.com/voxhall/voxhall/internal/limits"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/presence"
	"github.com/voxhall/voxhall/internal/security"
	"github.com/voxhall/voxhall/internal/session"
	"github.com/voxhall/voxhall/internal/typing"
)

// Deadlines for circuit-broken external calls.
const (
	contentTimeout = 10 * time.Second
	mediaTimeout   = 3 * time.Second
	indexTimeout   = 5 * time.Second
)

// floodEventsPerSecond is the per-session inbound rate above which the
// suspicion score rises.
const floodEventsPerSecond = 100

// rate actions per event name; everything else uses the default bucket.
var actionForEvent = map[string]string{
	"join":            "channel_join",
	"leave":           "channel_leave",
	"message.send":    "message_send",
	"message.edit":    "message_edit",
	"message.delete":  "message_delete",
	"typing.start":    "typing_start",
	"typing.stop":     "typing_stop",
	"presence.update": "presence_update",
	"dm.send":         "dm_send",
	"voice.join":      "voice_join",
	"moderation.kick": "moderation_kick",
	"moderation.ban":  "moderation_ban",
}

// Config holds router construction parameters.
type Config struct {
	NodeID   string
	Bus      *bus.Bus
	Rooms    *session.RoomIndex
	Registry *session.Registry
	Limiter  *limits.RateLimiter
	Guard    *security.Guard
	Breakers *breaker.Registry
	Content  directory.ContentStore
	Media    directory.MediaTokenIssuer
	Indexer  directory.Indexer
	Typing   *typing.Tracker
	Presence *presence.Tracker

	// MaxPayloadBytes caps inbound event payloads; 0 means the security
	// package default.
	MaxPayloadBytes int

	Logger zerolog.Logger
}

type handlerFunc func(ctx context.Context, s *session.Session, ev *session.Event) error

// Router is the inbound event dispatcher.
type Router struct {
	cfg      Config
	logger   zerolog.Logger
	handlers map[string]handlerFunc

	rateMu    sync.Mutex
	eventRate map[string]*rateWindow // session id → 1 s counter

	subs []*bus.Subscription

	now func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// New creates the router and registers the event handlers.
func New(cfg Config) *Router {
	r := &Router{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "router").Logger(),
		eventRate: make(map[string]*rateWindow),
		now:       time.Now,
	}
	r.handlers = map[string]handlerFunc{
		"join":              r.handleJoin,
		"leave":             r.handleLeave,
		"message.send":      r.handleMessageSend,
		"message.edit":      r.handleMessageEdit,
		"message.delete":    r.handleMessageDelete,
		"typing.start":      r.handleTypingStart,
		"typing.stop":       r.handleTypingStop,
		"presence.update":   r.handlePresenceUpdate,
		"dm.send":           r.handleDMSend,
		"reaction.add":      r.handleReactionAdd,
		"reaction.remove":   r.handleReactionRemove,
		"voice.join":        r.handleVoiceJoin,
		"moderation.kick":   r.handleModerationKick,
		"moderation.ban":    r.handleModerationBan,
	}
	return r
}

// Dispatch is the session's inbound event hook.
func (r *Router) Dispatch(s *session.Session, ev *session.Event) {
	if r.trackFlood(s) {
		if r.cfg.Guard.ReportMisbehaviour(context.Background(), s.RemoteAddr, security.PointsEventFlood, "event_flood") {
			r.evictAddr(s.RemoteAddr)
			return
		}
	}

	handler, known := r.handlers[ev.Event]
	if !known {
		r.cfg.Guard.ReportMisbehaviour(context.Background(), s.RemoteAddr, security.PointsUnknownEvent, "unknown_event")
		s.SendError(ev.ID, session.ErrorBody{Code: "bad_request", Message: "unknown event: " + ev.Event})
		return
	}

	// Typing admission lives in the typing tracker, which drops over-limit
	// starts silently; admitting here too would double-count the budget.
	if ev.Event != "typing.start" && ev.Event != "typing.stop" {
		action, ok := actionForEvent[ev.Event]
		if !ok {
			action = "default"
		}
		if d := r.cfg.Limiter.Admit(action, s.UserID); !d.Allowed {
			metrics.RateLimitedEvents.WithLabelValues(action).Inc()
			s.SendError(ev.ID, session.ErrorBody{
				Code:       "rate_limited",
				RetryAfter: int(d.RetryAfter.Round(time.Second) / time.Second),
			})
			return
		}
	}

	if v := security.ValidateContent(ev.Event, ev.Data, r.cfg.MaxPayloadBytes); v != nil {
		s.SendError(ev.ID, session.ErrorBody{Code: "bad_request", Message: v.Error()})
		if r.cfg.Guard.ReportMisbehaviour(context.Background(), s.RemoteAddr, security.PointsUnknownEvent, v.Check) {
			r.evictAddr(s.RemoteAddr)
		}
		return
	}
	if security.DetectPrivilegeEscalation(ev.Data) {
		if r.cfg.Guard.ReportMisbehaviour(context.Background(), s.RemoteAddr, security.PointsPrivEsc, "priv_esc") {
			r.evictAddr(s.RemoteAddr)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), contentTimeout)
	defer cancel()
	if err := handler(ctx, s, ev); err != nil {
		r.reportError(s, ev, err)
	}
}

// trackFlood counts this session's inbound events per second and reports
// whether the flood line was crossed on this event.
func (r *Router) trackFlood(s *session.Session) bool {
	now := r.now()
	r.rateMu.Lock()
	defer r.rateMu.Unlock()
	w := r.eventRate[s.ID]
	if w == nil || now.Sub(w.start) >= time.Second {
		r.eventRate[s.ID] = &rateWindow{start: now, count: 1}
		return false
	}
	w.count++
	return w.count == floodEventsPerSecond+1 // report once per window
}

// OnSessionClose drops dispatch state for a closed session.
func (r *Router) OnSessionClose(s *session.Session) {
	r.rateMu.Lock()
	delete(r.eventRate, s.ID)
	r.rateMu.Unlock()
}

// evictAddr closes every local session from a hard-blocked address.
func (r *Router) evictAddr(addr string) {
	for _, s := range r.cfg.Registry.ForAddr(addr) {
		s.Close(session.CodeBlacklisted, "blacklisted")
	}
}

func (r *Router) reportError(s *session.Session, ev *session.Event, err error) {
	switch e := err.(type) {
	case *handlerError:
		body := session.ErrorBody{Code: e.code, Message: e.message, Field: e.field}
		if e.retryAfter > 0 {
			body.RetryAfter = int(e.retryAfter / time.Second)
		}
		s.SendError(ev.ID, body)
	default:
		r.logger.Warn().Err(err).Str("event", ev.Event).Str("session_id", s.ID).Msg("Handler failed")
		s.SendError(ev.ID, session.ErrorBody{Code: "service_unavailable"})
	}
}

// handlerError is a typed failure a handler reports to the client.
type handlerError struct {
	code       string
	message    string
	field      string
	retryAfter time.Duration
}

func (e *handlerError) Error() string { return e.code + ": " + e.message }

func badRequest(field, message string) *handlerError {
	return &handlerError{code: "bad_request", field: field, message: message}
}

func forbidden(message string) *handlerError {
	return &handlerError{code: "forbidden", message: message}
}

func notFound(message string) *handlerError {
	return &handlerError{code: "not_found", message: message}
}

func unavailable() *handlerError {
	return &handlerError{code: "service_unavailable", retryAfter: 5 * time.Second}
}
