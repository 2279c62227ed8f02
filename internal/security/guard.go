// Package security is the pre-connect filter and abuse tracker: IP
// blacklist with shared-store write-through, DDoS detection over a sliding
// window, user-agent filtering, suspicion scoring, and per-event content
// validation for the router.
package security

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/limits"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/store"
)

// Verdict is the outcome of the pre-connect pipeline.
type Verdict struct {
	Allowed bool
	// Check names the pipeline stage that rejected: blacklist, conn_rate,
	// user_agent, ddos, suspicion. Empty when allowed.
	Check string
	// Reason is the close-frame text for a rejected attempt; blacklist hits
	// carry the entry's original reason.
	Reason string
	// Suspicious marks an allowed connection whose address has an elevated
	// score; the gateway annotates the session for closer rate limiting.
	Suspicious bool
}

// Event is a security occurrence the supervisor publishes on the bus.
type Event struct {
	Kind  string // ddos_detected, security.suspicious, security.hard_block
	Addr  string
	Score int
	Extra string
}

// GuardConfig holds guard construction parameters.
type GuardConfig struct {
	Store         store.Store
	ConnLimiter   *limits.ConnLimiter
	DDoSThreshold int
	// BlockedUserAgents are substrings matched case-insensitively against
	// the handshake User-Agent. Empty disables the check.
	BlockedUserAgents []string
	// OnEvent receives security events for bus publication; nil is allowed.
	OnEvent func(Event)
	Logger  zerolog.Logger
}

// Guard runs the ordered pre-connect checks and owns the abuse trackers.
type Guard struct {
	blacklist *Blacklist
	ddos      *ddosDetector
	suspicion *SuspicionTracker
	connLim   *limits.ConnLimiter
	blockedUA []string
	onEvent   func(Event)
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGuard wires the trackers together.
func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{
		blacklist: NewBlacklist(cfg.Store, cfg.Logger),
		ddos:      newDDoSDetector(cfg.DDoSThreshold),
		connLim:   cfg.ConnLimiter,
		blockedUA: cfg.BlockedUserAgents,
		onEvent:   cfg.OnEvent,
		logger:    cfg.Logger.With().Str("component", "security").Logger(),
		now:       time.Now,
	}
	g.suspicion = NewSuspicionTracker(func(addr string, score int, reason string) {
		g.emit(Event{Kind: "security.suspicious", Addr: addr, Score: score, Extra: reason})
	})
	return g
}

// Blacklist exposes the block list for moderation handlers.
func (g *Guard) Blacklist() *Blacklist { return g.blacklist }

// Suspicion exposes the tracker for the router's misbehaviour reports.
func (g *Guard) Suspicion() *SuspicionTracker { return g.suspicion }

// Allow runs the ordered pre-connect checks for one connection attempt.
func (g *Guard) Allow(ctx context.Context, addr, userAgent string) Verdict {
	if entry, blocked := g.blacklist.Lookup(ctx, addr); blocked {
		g.logger.Debug().Str("addr", addr).Str("reason", entry.Reason).Msg("Connection rejected: blacklisted")
		metrics.SecurityBlocked.WithLabelValues("blacklist").Inc()
		return Verdict{Check: "blacklist", Reason: "blacklisted: " + entry.Reason}
	}

	if g.connLim != nil && !g.connLim.Allow(addr) {
		metrics.SecurityBlocked.WithLabelValues("conn_rate").Inc()
		return Verdict{Check: "conn_rate", Reason: "rate_limited"}
	}

	if ua := strings.ToLower(userAgent); len(g.blockedUA) > 0 {
		for _, blocked := range g.blockedUA {
			if strings.Contains(ua, strings.ToLower(blocked)) {
				metrics.SecurityBlocked.WithLabelValues("user_agent").Inc()
				return Verdict{Check: "user_agent", Reason: "user_agent_blocked"}
			}
		}
	}

	if count, tripped := g.ddos.Record(addr); tripped {
		g.ddos.Forget(addr)
		g.blacklist.Add(ctx, addr, BlacklistEntry{
			Reason:    "ddos_detected",
			Severity:  SeverityCritical,
			ExpiresAt: g.now().Add(DDoSBlockDuration),
			Automatic: true,
		})
		g.emit(Event{Kind: "ddos_detected", Addr: addr, Score: count})
		metrics.SecurityBlocked.WithLabelValues("ddos").Inc()
		return Verdict{Check: "ddos", Reason: "blacklisted: ddos_detected"}
	}

	score := g.suspicion.Score(addr)
	if score >= HardBlockThreshold {
		g.hardBlock(ctx, addr, score)
		metrics.SecurityBlocked.WithLabelValues("suspicion").Inc()
		return Verdict{Check: "suspicion", Reason: "blacklisted: suspicion_hard_block"}
	}

	return Verdict{Allowed: true, Suspicious: score >= AlertThreshold}
}

// ReportMisbehaviour raises the suspicion score for an address. It returns
// true when the address crossed the hard-block threshold and was
// blacklisted; the caller must then close the address's sessions.
func (g *Guard) ReportMisbehaviour(ctx context.Context, addr string, points int, reason string) bool {
	score, hardBlock := g.suspicion.Raise(addr, points, reason)
	if !hardBlock {
		return false
	}
	g.hardBlock(ctx, addr, score)
	return true
}

func (g *Guard) hardBlock(ctx context.Context, addr string, score int) {
	g.blacklist.Add(ctx, addr, BlacklistEntry{
		Reason:    "suspicion_hard_block",
		Severity:  SeverityCritical,
		ExpiresAt: g.now().Add(DDoSBlockDuration),
		Automatic: true,
	})
	g.emit(Event{Kind: "security.hard_block", Addr: addr, Score: score})
}

func (g *Guard) emit(ev Event) {
	if g.onEvent != nil {
		g.onEvent(ev)
	}
}

// GC prunes the trackers; the supervisor calls it on a timer.
func (g *Guard) GC() {
	g.blacklist.GC()
	g.ddos.GC()
	g.suspicion.GC()
}
