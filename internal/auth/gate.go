// Package auth is the connection admission gate: it extracts a token from
// the handshake, verifies it, resolves the user through the directory and
// enforces bans, the concurrent-session cap and two-factor policy.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/directory"
	"github.com/voxhall/voxhall/internal/limits"
)

// Reason classifies a rejected authentication attempt.
type Reason string

const (
	ReasonRateLimited       Reason = "rate_limited"
	ReasonInvalidFormat     Reason = "invalid_format"
	ReasonTokenInvalid      Reason = "token_invalid"
	ReasonUserUnknown       Reason = "user_unknown"
	ReasonUnavailable       Reason = "unavailable"
	ReasonBanned            Reason = "banned"
	ReasonSessionLimit      Reason = "max_concurrent_sessions"
	ReasonTwoFactorRequired Reason = "two_factor_required"
)

const (
	// RefreshThreshold marks a token as stale. Stale tokens are accepted;
	// the gate reports them so the client can be nudged to refresh.
	RefreshThreshold = 30 * time.Minute

	// banGrace keeps recently-expired bans effective, covering clients that
	// reconnect the moment a ban lapses while moderation review is pending.
	banGrace = 30 * 24 * time.Hour

	lookupTimeout = 5 * time.Second
)

// Result is the outcome of one authentication attempt. Reason is empty on
// success.
type Result struct {
	User       *directory.User
	Claims     *Claims
	Anonymous  bool
	StaleToken bool
	Reason     Reason
	RetryAfter time.Duration
}

// Ok reports whether the attempt succeeded.
func (r *Result) Ok() bool { return r.Reason == "" }

// GateConfig holds gate construction parameters.
type GateConfig struct {
	Verifier  TokenVerifier
	Directory directory.UserDirectory
	Breakers  *breaker.Registry
	Limiter   *limits.RateLimiter

	// SessionCount reports a user's live sessions. The supervisor wires the
	// cluster-wide count from the shared store, falling back to the local
	// registry when the store is unreachable.
	SessionCount func(userID string) int

	MaxSessions    int
	AllowAnonymous bool

	// OnOldToken fires when a stale token is accepted; nil is allowed.
	OnOldToken func(userID, addr string)

	Logger zerolog.Logger
}

// Gate authenticates connection attempts.
type Gate struct {
	cfg    GateConfig
	brk    *breaker.Breaker
	logger zerolog.Logger
	now    func() time.Time
}

// NewGate creates the gate.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		cfg:    cfg,
		brk:    cfg.Breakers.Get("auth"),
		logger: cfg.Logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

// Authenticate runs the admission checks for one handshake.
func (g *Gate) Authenticate(ctx context.Context, h *Handshake) Result {
	if d := g.cfg.Limiter.Admit("auth_attempt", h.RemoteAddr); !d.Allowed {
		return Result{Reason: ReasonRateLimited, RetryAfter: d.RetryAfter}
	}

	token := ExtractToken(h)
	if token == "" && g.cfg.AllowAnonymous {
		return g.anonymous()
	}
	if len(token) < 10 || strings.Count(token, ".") != 2 {
		return Result{Reason: ReasonInvalidFormat}
	}

	claims, err := g.cfg.Verifier.Verify(token)
	if err != nil {
		g.logger.Debug().Err(err).Str("addr", h.RemoteAddr).Msg("Token rejected")
		return Result{Reason: ReasonTokenInvalid}
	}

	user, err := g.lookupUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Result{Reason: ReasonUserUnknown}
		}
		g.logger.Warn().Err(err).Str("user_id", claims.UserID).Msg("User lookup failed")
		return Result{Reason: ReasonUnavailable}
	}

	now := g.now()
	if user.BannedUntil != nil && user.BannedUntil.After(now.Add(-banGrace)) {
		return Result{Reason: ReasonBanned}
	}

	if g.cfg.SessionCount != nil && g.cfg.SessionCount(user.ID) >= g.cfg.MaxSessions {
		return Result{Reason: ReasonSessionLimit}
	}

	if user.TwoFactorRequired && !claims.TwoFactorDone && h.TwoFactorCode == "" {
		return Result{Reason: ReasonTwoFactorRequired}
	}

	result := Result{User: user, Claims: claims}
	if !claims.IssuedAt.IsZero() && now.Sub(claims.IssuedAt) >= RefreshThreshold {
		result.StaleToken = true
		if g.cfg.OnOldToken != nil {
			g.cfg.OnOldToken(user.ID, h.RemoteAddr)
		}
	}
	return result
}

func (g *Gate) anonymous() Result {
	id := "anon:" + uuid.NewString()
	return Result{
		User: &directory.User{
			ID:          id,
			DisplayName: "Guest-" + id[len(id)-8:],
		},
		Anonymous: true,
	}
}

func (g *Gate) lookupUser(ctx context.Context, id string) (*directory.User, error) {
	var user *directory.User
	err := g.brk.Execute(func() error {
		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()
		var err error
		user, err = g.cfg.Directory.LookupUser(lookupCtx, id)
		// A missing user is a definitive answer, not a dependency failure;
		// it must not trip the breaker.
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, directory.ErrNotFound
	}
	return user, nil
}
