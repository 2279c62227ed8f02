// Package presence tracks user online state across the cluster. Status
// writes are last-writer-wins, mirrored to peers over the bus, persisted in
// the shared store with a TTL, and fanned out to the user's friends.
package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/breaker"
	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/directory"
	"github.com/voxhall/voxhall/internal/rooms"
	"github.com/voxhall/voxhall/internal/store"
)

// Statuses a client may set. Offline is server-assigned only.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// ValidStatus reports whether a client-supplied status is settable.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible:
		return true
	}
	return false
}

const (
	storeTTL     = 300 * time.Second
	storeTimeout = 2 * time.Second
)

// Entry is one user's presence.
type Entry struct {
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Activity   string    `json:"activity,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
	NodeID     string    `json:"node_id,omitempty"`
}

func (e *Entry) newerThan(other *Entry) bool {
	if !e.LastSeenAt.Equal(other.LastSeenAt) {
		return e.LastSeenAt.After(other.LastSeenAt)
	}
	return e.NodeID > other.NodeID
}

// Config holds tracker construction parameters.
type Config struct {
	NodeID   string
	Bus      *bus.Bus
	Store    store.Store
	Users    directory.UserDirectory
	Breakers *breaker.Registry
	Logger   zerolog.Logger
}

// Tracker is the presence state for this node plus mirrored remote entries.
type Tracker struct {
	nodeID string
	bus    *bus.Bus
	st     store.Store
	users  directory.UserDirectory
	brk    *breaker.Breaker
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	sub *bus.Subscription
}

// New creates the tracker and subscribes to remote presence changes.
func New(cfg Config) *Tracker {
	t := &Tracker{
		nodeID:  cfg.NodeID,
		bus:     cfg.Bus,
		st:      cfg.Store,
		users:   cfg.Users,
		brk:     cfg.Breakers.Get("friends"),
		logger:  cfg.Logger.With().Str("component", "presence").Logger(),
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	t.sub = t.bus.Subscribe("presence.>", t.onRemote)
	return t
}

// Close detaches from the bus.
func (t *Tracker) Close() {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
}

// SessionConnected counts a new authenticated session. The first session
// anywhere in the cluster flips the user online.
func (t *Tracker) SessionConnected(ctx context.Context, userID string) {
	count, err := t.st.Incr(ctx, "presence.count."+userID, 1)
	if err != nil {
		t.logger.Warn().Err(err).Str("user_id", userID).Msg("Presence count increment failed")
		count = 1 // assume first; the store will reconcile
	}
	if count == 1 {
		t.Update(ctx, userID, StatusOnline, "")
	}
}

// SessionClosed counts a session ending. When the cluster-wide count hits
// zero the user goes offline.
func (t *Tracker) SessionClosed(ctx context.Context, userID string) {
	count, err := t.st.Incr(ctx, "presence.count."+userID, -1)
	if err != nil {
		t.logger.Warn().Err(err).Str("user_id", userID).Msg("Presence count decrement failed")
		return
	}
	if count <= 0 {
		t.st.Delete(ctx, "presence.count."+userID)
		t.setOffline(ctx, userID)
	}
}

func (t *Tracker) setOffline(ctx context.Context, userID string) {
	entry := &Entry{
		UserID:     userID,
		Status:     StatusOffline,
		LastSeenAt: t.now(),
		NodeID:     t.nodeID,
	}
	t.apply(entry)
	t.st.Delete(ctx, "presence."+userID)
	t.publish(ctx, entry)
}

// Update sets a user's status. Stale writes (older than the current entry)
// are no-ops, as are writes that change nothing.
func (t *Tracker) Update(ctx context.Context, userID, status, activity string) bool {
	entry := &Entry{
		UserID:     userID,
		Status:     status,
		Activity:   activity,
		LastSeenAt: t.now(),
		NodeID:     t.nodeID,
	}

	t.mu.Lock()
	current, exists := t.entries[userID]
	if exists && current.newerThan(entry) {
		t.mu.Unlock()
		return false
	}
	if exists && current.Status == status && current.Activity == activity {
		current.LastSeenAt = entry.LastSeenAt
		t.mu.Unlock()
		t.writeStore(ctx, current) // refresh the TTL
		return false
	}
	t.entries[userID] = entry
	t.mu.Unlock()

	t.writeStore(ctx, entry)
	t.publish(ctx, entry)
	return true
}

// Get returns a user's presence, consulting the shared store on a local
// miss. Unknown users read as offline.
func (t *Tracker) Get(ctx context.Context, userID string) Entry {
	t.mu.Lock()
	if entry, ok := t.entries[userID]; ok {
		out := *entry
		t.mu.Unlock()
		return out
	}
	t.mu.Unlock()

	raw, err := t.st.Get(ctx, "presence."+userID)
	if err == nil {
		var entry Entry
		// A store copy older than the TTL is a leftover, not live presence;
		// re-applying it would resurrect an entry GC already dropped.
		if json.Unmarshal([]byte(raw), &entry) == nil &&
			entry.LastSeenAt.After(t.now().Add(-storeTTL)) {
			t.apply(&entry)
			return entry
		}
	}
	return Entry{UserID: userID, Status: StatusOffline}
}

func (t *Tracker) writeStore(ctx context.Context, entry *Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := t.st.Set(storeCtx, "presence."+entry.UserID, string(raw), storeTTL); err != nil {
		t.logger.Debug().Err(err).Str("user_id", entry.UserID).Msg("Presence store write failed")
	}
}

// publish mirrors the change to peers and targets the user's friends so
// their clients update without subscribing to the whole presence firehose.
func (t *Tracker) publish(ctx context.Context, entry *Entry) {
	opts := bus.PublishOptions{Priority: bus.PriorityLow, TTL: storeTTL}
	if _, err := t.bus.Publish("presence.changed."+entry.UserID, "presence.changed", entry, opts); err != nil {
		t.logger.Debug().Err(err).Msg("Presence publish failed")
	}

	// Own sessions on any node see the change too.
	t.bus.Publish(rooms.Topic(rooms.User(entry.UserID)), "presence.changed", entry, opts)

	var friends []string
	err := t.brk.Execute(func() error {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var err error
		friends, err = t.users.Friends(lookupCtx, entry.UserID)
		return err
	})
	if err != nil {
		t.logger.Debug().Err(err).Str("user_id", entry.UserID).Msg("Friend fan-out skipped")
		return
	}
	for _, friendID := range friends {
		t.bus.Publish(rooms.Topic(rooms.User(friendID)), "presence.changed", entry, opts)
	}
}

// onRemote mirrors presence changes from peer nodes, last writer wins.
func (t *Tracker) onRemote(env *bus.Envelope) {
	if env.Kind != "presence.changed" || env.OriginNodeID == t.nodeID {
		return
	}
	var entry Entry
	if err := json.Unmarshal(env.Payload, &entry); err != nil || entry.UserID == "" {
		return
	}
	t.apply(&entry)
}

func (t *Tracker) apply(entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.entries[entry.UserID]; ok && current.newerThan(entry) {
		return
	}
	if entry.Status == StatusOffline {
		delete(t.entries, entry.UserID)
		return
	}
	t.entries[entry.UserID] = entry
}

// OnNodeLeft releases the sessions a dead node never closed: its recorded
// users get their counts decremented and flip offline at zero. Deleting the
// node's session set first makes concurrent peers idempotent.
func (t *Tracker) OnNodeLeft(ctx context.Context, nodeID string) {
	key := "presence.sessions." + nodeID
	users, err := t.st.SetMembers(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			t.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failover presence scan failed")
		}
		return
	}
	if err := t.st.Delete(ctx, key); err != nil {
		return // another peer claimed the cleanup
	}

	for _, member := range users {
		userID, n := splitSessionMember(member)
		count, err := t.st.Incr(ctx, "presence.count."+userID, -int64(n))
		if err != nil {
			continue
		}
		if count <= 0 {
			t.st.Delete(ctx, "presence.count."+userID)
			t.setOffline(ctx, userID)
		}
	}
	t.logger.Info().Str("node_id", nodeID).Int("users", len(users)).Msg("Released presence for departed node")
}

// ClusterSessions reads the user's live session count across the whole
// cluster, as maintained by SessionConnected/SessionClosed. The auth gate
// uses it for the concurrent-session cap.
func (t *Tracker) ClusterSessions(ctx context.Context, userID string) (int, error) {
	count, err := t.st.Incr(ctx, "presence.count."+userID, 0)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// NoteLocalSessions re-records this node's per-user session counts in the
// shared store; the supervisor calls it from the heartbeat path so failover
// data stays fresh.
func (t *Tracker) NoteLocalSessions(ctx context.Context, counts map[string]int) {
	key := "presence.sessions." + t.nodeID
	for userID, n := range counts {
		t.st.SetAdd(ctx, key, userID+"="+strconv.Itoa(n), storeTTL)
	}
}

func splitSessionMember(member string) (string, int) {
	if userID, count, ok := strings.Cut(member, "="); ok {
		if n, err := strconv.Atoi(count); err == nil && n > 0 {
			return userID, n
		}
		return userID, 1
	}
	return member, 1
}

// GC prunes local entries whose last update is beyond the store TTL; remote
// peers will have refreshed anything still live.
func (t *Tracker) GC() int {
	cutoff := t.now().Add(-storeTTL)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for userID, entry := range t.entries {
		if entry.LastSeenAt.Before(cutoff) {
			delete(t.entries, userID)
			removed++
		}
	}
	return removed
}
