// Package supervisor wires the gateway together: it builds every component
// in dependency order, runs the background janitors, and tears everything
// down in reverse on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/auth"
	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/cluster"
	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/directory"
	"github.com/voxhall/voxhall/internal/gateway"
	"github.com/voxhall/voxhall/internal/limits"
	"github.com/voxhall/voxhall/internal/logging"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/presence"
	"github.com/voxhall/voxhall/internal/router"
	"github.com/voxhall/voxhall/internal/security"
	"github.com/voxhall/voxhall/internal/session"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/internal/typing"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// Janitor intervals.
const (
	rateGCInterval     = 10 * time.Minute
	rateGCMaxIdle      = 10 * time.Minute
	typingExpireEvery  = time.Second
	typingGCInterval   = 30 * time.Second
	presenceGCInterval = 5 * time.Minute
	securityGCInterval = 5 * time.Minute
	reconcileInterval  = 2 * time.Minute

	startupProbeEvery = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Supervisor owns every component's lifetime.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	st       store.Store
	breakers *breaker.Registry
	bus      *bus.Bus
	limiter  *limits.RateLimiter
	connLim  *limits.ConnLimiter
	guard    *security.Guard
	registry *session.Registry
	rooms    *session.RoomIndex
	typing   *typing.Tracker
	presence *presence.Tracker
	router   *router.Router
	cluster  *cluster.Manager
	gateway  *gateway.Server

	httpServer *http.Server
	janitorCtx context.Context
	janitorEnd context.CancelFunc
}

// New creates an unwired supervisor; Run builds and starts everything.
func New(cfg *config.Config, logger zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger.With().Str("component", "supervisor").Logger()}
}

// Run builds the component graph, waits out the startup grace for the bus
// and store, and serves until ctx is cancelled. The error is fatal; the
// caller maps it to exit code 1.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.cfg

	st, err := store.NewRedis(cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("store client: %w", err)
	}
	s.st = st

	s.breakers = breaker.NewRegistry(breaker.DefaultConfig(), observeBreaker)

	s.bus = bus.New(bus.Config{
		NodeID:    cfg.NodeID,
		Transport: bus.NewNATSTransport(cfg.BusURL, s.logger),
		Breakers:  s.breakers,
		Logger:    s.logger,
	})
	busErr := s.bus.Run(ctx)

	if err := s.awaitDependencies(ctx, busErr); err != nil {
		return err
	}

	s.connLim = limits.NewConnLimiter(limits.ConnLimiterConfig{Logger: s.logger})
	s.guard = security.NewGuard(security.GuardConfig{
		Store:         s.st,
		ConnLimiter:   s.connLim,
		DDoSThreshold: cfg.DDoSThreshold,
		OnEvent:       s.onSecurityEvent,
		Logger:        s.logger,
	})
	// Chronic rate-limit abuse feeds the suspicion score. The subject is the
	// user id, so the tracker is keyed per user here, per address elsewhere.
	s.limiter = limits.NewRateLimiter(nil, func(action, subject string, violations int) {
		if violations%10 == 0 {
			s.guard.Suspicion().Raise(subject, security.PointsEventFlood, "rate_limit_abuse:"+action)
		}
	})

	s.registry = session.NewRegistry()
	s.rooms = session.NewRoomIndex()

	s.typing = typing.New(typing.Config{
		NodeID:  cfg.NodeID,
		Bus:     s.bus,
		Store:   s.st,
		Limiter: s.limiter,
		Logger:  s.logger,
	})

	users := directory.DevDirectory{}
	s.presence = presence.New(presence.Config{
		NodeID:   cfg.NodeID,
		Bus:      s.bus,
		Store:    s.st,
		Users:    users,
		Breakers: s.breakers,
		Logger:   s.logger,
	})

	gate := auth.NewGate(auth.GateConfig{
		Verifier:       auth.NewJWTVerifier(cfg.TokenSecret),
		Directory:      users,
		Breakers:       s.breakers,
		Limiter:        s.limiter,
		SessionCount:   s.clusterSessionCount,
		MaxSessions:    cfg.MaxConcurrentSessions,
		AllowAnonymous: cfg.AllowAnonymous,
		Logger:         s.logger,
	})

	s.router = router.New(router.Config{
		NodeID:          cfg.NodeID,
		Bus:             s.bus,
		Rooms:           s.rooms,
		Registry:        s.registry,
		Limiter:         s.limiter,
		Guard:           s.guard,
		Breakers:        s.breakers,
		Content:         directory.NewDevContent(),
		Media:           directory.DevMedia{},
		Indexer:         directory.DevIndexer{},
		Typing:          s.typing,
		Presence:        s.presence,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Logger:          s.logger,
	})
	s.router.BindBus()

	s.cluster = cluster.New(cluster.Config{
		NodeID:       cfg.NodeID,
		Host:         cfg.Host,
		Port:         cfg.Port,
		Version:      Version,
		Store:        s.st,
		Bus:          s.bus,
		SessionCount: s.registry.Len,
		OnNodeLeft:   s.presence.OnNodeLeft,
		Logger:       s.logger,
	})
	if err := s.cluster.Run(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Cluster registration failed; continuing degraded")
	}

	admission := gateway.NewAdmission(cfg.MaxConnections, cfg.CPURejectThreshold, s.registry.Len, s.logger)
	go admission.Run(ctx)

	s.gateway = gateway.New(gateway.Config{
		NodeID:    cfg.NodeID,
		Version:   Version,
		Gate:      gate,
		Guard:     s.guard,
		Router:    s.router,
		Registry:  s.registry,
		Rooms:     s.rooms,
		Bus:       s.bus,
		Store:     s.st,
		Breakers:  s.breakers,
		Typing:    s.typing,
		Presence:  s.presence,
		Limiter:   s.limiter,
		Cluster:   s.cluster,
		Admission: admission,
		Logger:    s.logger,
	})

	s.janitorCtx, s.janitorEnd = context.WithCancel(context.Background())
	s.startJanitors()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", cfg.Addr()).Msg("Gateway listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.Shutdown()
		return nil
	}
}

// awaitDependencies enforces the boot contract: the process survives either
// dependency being down, but both unreachable through the whole startup
// grace is fatal.
func (s *Supervisor) awaitDependencies(ctx context.Context, busErr error) error {
	deadline := time.Now().Add(s.cfg.StartupGrace)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		storeErr := s.st.Ping(pingCtx)
		cancel()
		busUp := s.bus.State() == bus.StateConnected

		if busUp || storeErr == nil {
			if !busUp {
				s.logger.Warn().Msg("Bus unreachable at boot; running degraded")
			}
			if storeErr != nil {
				s.logger.Warn().Err(storeErr).Msg("Store unreachable at boot; running degraded")
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bus and store both unreachable for %s (bus: %v, store: %v)",
				s.cfg.StartupGrace, busErr, storeErr)
		}
		s.logger.Warn().Err(storeErr).Msg("Waiting for bus or store")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupProbeEvery):
		}
	}
}

// startJanitors runs the periodic maintenance loops. Each runs until
// shutdown; a failing sweep logs and continues.
func (s *Supervisor) startJanitors() {
	s.janitor("rate_gc", rateGCInterval, func(context.Context) {
		s.limiter.GC(rateGCMaxIdle)
	})
	s.janitor("typing_expire", typingExpireEvery, func(context.Context) {
		s.typing.Expire()
	})
	s.janitor("typing_gc", typingGCInterval, func(context.Context) {
		s.typing.GC()
	})
	s.janitor("typing_reconcile", reconcileInterval, func(ctx context.Context) {
		s.typing.Reconcile(ctx)
	})
	s.janitor("presence_gc", presenceGCInterval, func(context.Context) {
		s.presence.GC()
	})
	s.janitor("security_gc", securityGCInterval, func(context.Context) {
		s.guard.GC()
	})
	s.janitor("health_publish", s.cfg.MetricsInterval, func(ctx context.Context) {
		s.presence.NoteLocalSessions(ctx, s.registry.UserCounts())
		report := s.gateway.Health(ctx)
		s.bus.Publish("health."+s.cfg.NodeID, "node.health", report, bus.PublishOptions{
			Priority: bus.PriorityLow,
			TTL:      2 * s.cfg.MetricsInterval,
		})
	})
}

func (s *Supervisor) janitor(name string, every time.Duration, sweep func(ctx context.Context)) {
	go func() {
		defer logging.RecoverPanic(s.logger, "janitor_"+name, nil)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-s.janitorCtx.Done():
				return
			case <-ticker.C:
				sweep(s.janitorCtx)
			}
		}
	}()
}

// clusterSessionCount enforces the session cap cluster-wide: the shared
// store count covers sessions on every node, and the local registry is the
// floor when the store is unreachable or lagging behind this node.
func (s *Supervisor) clusterSessionCount(userID string) int {
	local := s.registry.CountForUser(userID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := s.presence.ClusterSessions(ctx, userID)
	if err != nil || count < local {
		return local
	}
	return count
}

// onSecurityEvent mirrors guard events to peers so a node under attack
// shares what it learned. The suspicion tracker already counts its own
// alert metric.
func (s *Supervisor) onSecurityEvent(ev security.Event) {
	s.bus.Publish("security.events", ev.Kind, ev, bus.PublishOptions{
		Priority: bus.PriorityHigh,
		TTL:      5 * time.Minute,
	})
}

// Shutdown tears the stack down: announce, drain sessions, deregister, then
// close the infrastructure bottom-up.
func (s *Supervisor) Shutdown() {
	s.logger.Info().Msg("Shutdown starting")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.cluster.AnnounceLeaving()
	s.gateway.Close(ctx)
	s.cluster.Deregister(ctx)

	s.httpServer.Shutdown(ctx)
	s.janitorEnd()
	s.router.Close()
	s.typing.Close()
	s.presence.Close()
	s.bus.Close()
	s.connLim.Stop()
	if err := s.st.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Store close failed")
	}
	s.logger.Info().Msg("Shutdown complete")
}

func observeBreaker(name string, _, to breaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}
