package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnLimiter rate-limits connection attempts with token buckets at two
// levels: per-IP (single client flood) and global (distributed flood).
type ConnLimiter struct {
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	mu         sync.Mutex
	ipLimiters map[string]*ipLimiterEntry

	globalLimiter *rate.Limiter

	logger      zerolog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnLimiterConfig holds connection limiter tunables.
type ConnLimiterConfig struct {
	IPBurst     int           // default 10
	IPRate      float64       // sustained conn/sec per IP, default 0.17 (~10/min)
	IPTTL       time.Duration // idle entry cleanup, default 5m
	GlobalBurst int           // default 300
	GlobalRate  float64       // default 50
	Logger      zerolog.Logger
}

// NewConnLimiter creates the limiter and starts its cleanup loop.
func NewConnLimiter(cfg ConnLimiterConfig) *ConnLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 10.0 / 60.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &ConnLimiter{
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		ipLimiters:    make(map[string]*ipLimiterEntry),
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        cfg.Logger.With().Str("component", "conn_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}
	return l.ipLimiter(ip).Allow()
}

func (l *ConnLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry := &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		lastAccess: time.Now(),
	}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *ConnLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.mu.Lock()
			for ip, entry := range l.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(l.ipLimiters, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCleanup:
			return
		}
	}
}

// Stop terminates the cleanup loop.
func (l *ConnLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
