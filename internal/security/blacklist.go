package security

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/store"
)

// Severity grades a blacklist entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BlacklistEntry records why an address is blocked. A zero ExpiresAt means
// the entry is permanent.
type BlacklistEntry struct {
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
	AddedAt   time.Time `json:"added_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Automatic bool      `json:"automatic"`
}

func (e *BlacklistEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

const blacklistKeyPrefix = "security.blacklist."

// Blacklist is the IP block list. The local map is the fast path; every
// mutation writes through to the shared store so peer nodes see it, and
// lookups fall back to the store on a local miss.
type Blacklist struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]BlacklistEntry
}

// NewBlacklist creates a blacklist backed by the shared store.
func NewBlacklist(st store.Store, logger zerolog.Logger) *Blacklist {
	return &Blacklist{
		store:   st,
		logger:  logger.With().Str("component", "blacklist").Logger(),
		now:     time.Now,
		entries: make(map[string]BlacklistEntry),
	}
}

// Add blocks an address. The shared-store write is best-effort; the local
// entry holds regardless.
func (b *Blacklist) Add(ctx context.Context, addr string, entry BlacklistEntry) {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = b.now()
	}

	b.mu.Lock()
	b.entries[addr] = entry
	b.mu.Unlock()

	b.logger.Warn().
		Str("addr", addr).
		Str("reason", entry.Reason).
		Str("severity", string(entry.Severity)).
		Bool("automatic", entry.Automatic).
		Msg("Address blacklisted")

	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(b.now())
		if ttl <= 0 {
			return
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := b.store.Set(ctx, blacklistKeyPrefix+addr, string(raw), ttl); err != nil {
		b.logger.Error().Err(err).Str("addr", addr).Msg("Blacklist write-through failed")
	}
}

// Lookup returns the active entry for addr, checking the local map first and
// the shared store on a miss. Expired local entries are pruned inline.
func (b *Blacklist) Lookup(ctx context.Context, addr string) (BlacklistEntry, bool) {
	now := b.now()

	b.mu.RLock()
	entry, ok := b.entries[addr]
	b.mu.RUnlock()
	if ok {
		if entry.expired(now) {
			b.mu.Lock()
			delete(b.entries, addr)
			b.mu.Unlock()
			return BlacklistEntry{}, false
		}
		return entry, true
	}

	raw, err := b.store.Get(ctx, blacklistKeyPrefix+addr)
	if err != nil {
		if err != store.ErrNotFound {
			b.logger.Debug().Err(err).Str("addr", addr).Msg("Blacklist store lookup failed")
		}
		return BlacklistEntry{}, false
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return BlacklistEntry{}, false
	}
	if entry.expired(now) {
		return BlacklistEntry{}, false
	}

	b.mu.Lock()
	b.entries[addr] = entry
	b.mu.Unlock()
	return entry, true
}

// Remove lifts a block locally and in the shared store.
func (b *Blacklist) Remove(ctx context.Context, addr string) {
	b.mu.Lock()
	delete(b.entries, addr)
	b.mu.Unlock()
	if err := b.store.Delete(ctx, blacklistKeyPrefix+addr); err != nil && err != store.ErrNotFound {
		b.logger.Debug().Err(err).Str("addr", addr).Msg("Blacklist store delete failed")
	}
}

// GC prunes expired local entries; the store expires its own copies via TTL.
func (b *Blacklist) GC() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, entry := range b.entries {
		if entry.expired(now) {
			delete(b.entries, addr)
		}
	}
}
