// Package typing tracks who is typing in which room. Starts are debounced
// so a burst of keystrokes produces one broadcast; entries expire on a TTL,
// on explicit stop, on message send and on disconnect. State is mirrored
// cross-node over the bus and reconciled against the shared store.
package typing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/limits"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/rooms"
	"github.com/voxhall/voxhall/internal/store"
)

const (
	// TTL is how long an entry lives without a refresh.
	TTL = 8 * time.Second
	// Debounce coalesces broadcasts per room.
	Debounce = 2 * time.Second
	// MinStartInterval throttles per-user re-starts; inside it only
	// last_update_at is refreshed.
	MinStartInterval = 3 * time.Second
	// MaxTypingUsers caps entries per room; further starts are ignored.
	MaxTypingUsers = 10

	// staleGrace pads the TTL before the janitor collects an entry.
	staleGrace = 5 * time.Second

	storeTTL = 10 * time.Second
)

// Entry is one user typing in one room.
type Entry struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Device       string    `json:"device,omitempty"`
	SessionID    string    `json:"session_id"`
	NodeID       string    `json:"node_id"`
	StartedAt    time.Time `json:"started_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

// newerThan is the last-writer-wins order: by LastUpdateAt, ties broken by
// (node_id, session_id).
func (e *Entry) newerThan(other *Entry) bool {
	if !e.LastUpdateAt.Equal(other.LastUpdateAt) {
		return e.LastUpdateAt.After(other.LastUpdateAt)
	}
	if e.NodeID != other.NodeID {
		return e.NodeID > other.NodeID
	}
	return e.SessionID > other.SessionID
}

type update struct {
	RoomID string  `json:"room_id"`
	Users  []Entry `json:"users"`
}

// Config holds tracker construction parameters.
type Config struct {
	NodeID  string
	Bus     *bus.Bus
	Store   store.Store
	Limiter *limits.RateLimiter
	Logger  zerolog.Logger
}

// Tracker is the typing state for this node plus mirrored remote entries.
type Tracker struct {
	nodeID  string
	bus     *bus.Bus
	st      store.Store
	limiter *limits.RateLimiter
	logger  zerolog.Logger
	now     func() time.Time

	debounce time.Duration

	mu        sync.Mutex
	rooms     map[string]map[string]*Entry // room → user → entry
	lastStart map[string]time.Time         // room+user → last accepted Start
	pending   map[string]*time.Timer       // room → debounce timer

	sub *bus.Subscription
}

// New creates the tracker and subscribes to remote typing updates.
func New(cfg Config) *Tracker {
	t := &Tracker{
		nodeID:    cfg.NodeID,
		bus:       cfg.Bus,
		st:        cfg.Store,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger.With().Str("component", "typing").Logger(),
		now:       time.Now,
		debounce:  Debounce,
		rooms:     make(map[string]map[string]*Entry),
		lastStart: make(map[string]time.Time),
		pending:   make(map[string]*time.Timer),
	}
	t.sub = t.bus.Subscribe("typing.>", t.onRemote)
	return t
}

// Close detaches from the bus and cancels pending timers.
func (t *Tracker) Close() {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for room, timer := range t.pending {
		timer.Stop()
		delete(t.pending, room)
	}
}

// Start records that a user began typing in a room.
func (t *Tracker) Start(roomID, userID, displayName, device, sessionID string) {
	if d := t.limiter.Admit("typing_start", userID); !d.Allowed {
		return // silent: typing is best-effort
	}
	now := t.now()
	key := roomID + "\x00" + userID

	t.mu.Lock()
	entries := t.rooms[roomID]
	existing := entries[userID]

	if last, ok := t.lastStart[key]; ok && now.Sub(last) < MinStartInterval {
		if existing != nil {
			existing.LastUpdateAt = now
		}
		t.mu.Unlock()
		return
	}

	if existing == nil && len(entries) >= MaxTypingUsers {
		t.mu.Unlock()
		return
	}

	if entries == nil {
		entries = make(map[string]*Entry)
		t.rooms[roomID] = entries
	}
	if existing != nil {
		existing.LastUpdateAt = now
		existing.SessionID = sessionID
	} else {
		entries[userID] = &Entry{
			UserID:       userID,
			DisplayName:  displayName,
			Device:       device,
			SessionID:    sessionID,
			NodeID:       t.nodeID,
			StartedAt:    now,
			LastUpdateAt: now,
		}
	}
	t.lastStart[key] = now
	t.scheduleBroadcastLocked(roomID)
	t.mu.Unlock()

	t.writeStore(roomID, userID)
}

// Stop removes a user's entry and broadcasts the change (debounced).
func (t *Tracker) Stop(roomID, userID string) {
	t.mu.Lock()
	removed := t.removeLocked(roomID, userID)
	if removed {
		t.scheduleBroadcastLocked(roomID)
	}
	t.mu.Unlock()

	if removed {
		t.clearStore(roomID, userID)
	}
}

/// OnMessageSent stops typing immediately, bypassing the debounce: the
// message's arrival already tells everyone the typing ended.
func (t *Tracker) OnMessageSent(roomID, userID string) {
	t.mu.Lock()
	removed := t.removeLocked(roomID, userID)
	if removed {
		if timer := t.pending[roomID]; timer != nil {
			timer.Stop()
			delete(t.pending, roomID)
		}
	}
	t.mu.Unlock()

	if removed {
		t.clearStore(roomID, userID)
		t.broadcast(roomID)
	}
}

// OnSessionClose stops typing in every room where the entry belongs to the
// closing session.
func (t *Tracker) OnSessionClose(sessionID string) {
	type hit struct{ room, user string }
	var hits []hit

	t.mu.Lock()
	for roomID, entries := range t.rooms {
		for userID, entry := range entries {
			if entry.SessionID == sessionID && entry.NodeID == t.nodeID {
				hits = append(hits, hit{roomID, userID})
			}
		}
	}
	for _, h := range hits {
		t.removeLocked(h.room, h.user)
		t.scheduleBroadcastLocked(h.room)
	}
	t.mu.Unlock()

	for _, h := range hits {
		t.clearStore(h.room, h.user)
	}
}

// Users returns a snapshot of a room's typing entries.
func (t *Tracker) Users(roomID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(roomID)
}

func (t *Tracker) removeLocked(roomID, userID string) bool {
	entries := t.rooms[roomID]
	if entries == nil {
		return false
	}
	if _, ok := entries[userID]; !ok {
		return false
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(t.rooms, roomID)
	}
	delete(t.lastStart, roomID+"\x00"+userID)
	return true
}

func (t *Tracker) snapshotLocked(roomID string) []Entry {
	entries := t.rooms[roomID]
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

// scheduleBroadcastLocked arms the per-room debounce timer. An armed timer
// is reset, coalescing the earlier pending broadcast.
func (t *Tracker) scheduleBroadcastLocked(roomID string) {
	if timer := t.pending[roomID]; timer != nil {
		timer.Stop()
		metrics.TypingDebounced.Inc()
	}
	t.pending[roomID] = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		delete(t.pending, roomID)
		t.mu.Unlock()
		t.broadcast(roomID)
	})
}

func (t *Tracker) broadcast(roomID string) {
	t.mu.Lock()
	users := t.snapshotLocked(roomID)
	total := 0
	for _, entries := range t.rooms {
		total += len(entries)
	}
	t.mu.Unlock()
	metrics.TypingActive.Set(float64(total))

	_, err := t.bus.Publish(
		"typing."+rooms.Dotted(roomID)+".update",
		"typing.update",
		&update{RoomID: roomID, Users: users},
		bus.PublishOptions{Priority: bus.PriorityLow, TTL: storeTTL},
	)
	if err != nil {
		t.logger.Debug().Err(err).Str("room", roomID).Msg("Typing broadcast failed")
	}
}

// onRemote mirrors typing updates from peer nodes. The payload is the full
// entry list for the room as seen by the origin node; entries from that
// node are replaced wholesale, local and third-node entries kept, newer
// writers win.
func (t *Tracker) onRemote(env *bus.Envelope) {
	if env.Kind != "typing.update" || env.OriginNodeID == t.nodeID {
		return
	}
	var up update
	if err := json.Unmarshal(env.Payload, &up); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.rooms[up.RoomID]
	if entries == nil && len(up.Users) > 0 {
		entries = make(map[string]*Entry)
		t.rooms[up.RoomID] = entries
	}
	for userID, entry := range entries {
		if entry.NodeID == env.OriginNodeID {
			delete(entries, userID)
		}
	}
	for i := range up.Users {
		incoming := up.Users[i]
		if current, ok := entries[incoming.UserID]; ok && current.newerThan(&incoming) {
			continue
		}
		entries[incoming.UserID] = &incoming
	}
	if len(entries) == 0 {
		delete(t.rooms, up.RoomID)
	}
}

func (t *Tracker) writeStore(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.st.Set(ctx, "typing."+roomID+"."+userID, t.nodeID, storeTTL); err != nil {
		t.logger.Debug().Err(err).Msg("Typing store write failed")
		return
	}
	if err := t.st.SetAdd(ctx, "typing.rooms."+roomID, userID, storeTTL); err != nil {
		t.logger.Debug().Err(err).Msg("Typing room set write failed")
	}
}

func (t *Tracker) clearStore(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	t.st.Delete(ctx, "typing."+roomID+"."+userID)
	t.st.SetRemove(ctx, "typing.rooms."+roomID, userID)
}

// Expire auto-stops entries whose last refresh is past the TTL; the
// supervisor sweeps every second so indicators clear on time without a
// per-entry timer. Touched rooms get the stop broadcast immediately and
// local entries are cleared from the store.
func (t *Tracker) Expire() int {
	cutoff := t.now().Add(-TTL)
	type hit struct {
		room, user string
		local      bool
	}
	var hits []hit

	t.mu.Lock()
	for roomID, entries := range t.rooms {
		for userID, entry := range entries {
			if entry.LastUpdateAt.Before(cutoff) {
				hits = append(hits, hit{roomID, userID, entry.NodeID == t.nodeID})
			}
		}
	}
	touched := make(map[string]struct{})
	for _, h := range hits {
		t.removeLocked(h.room, h.user)
		touched[h.room] = struct{}{}
	}
	for roomID := range touched {
		// The expiry supersedes any armed start-broadcast.
		if timer := t.pending[roomID]; timer != nil {
			timer.Stop()
			delete(t.pending, roomID)
		}
	}
	t.mu.Unlock()

	for _, h := range hits {
		if h.local {
			t.clearStore(h.room, h.user)
		}
	}
	for roomID := range touched {
		t.broadcast(roomID)
	}
	return len(hits)
}

// GC collects entries older than TTL plus grace; the supervisor runs it
// every 30 s as a backstop behind Expire. Collected rooms get a broadcast
// so clients clear stale indicators.
func (t *Tracker) GC() int {
	cutoff := t.now().Add(-(TTL + staleGrace))
	var touched []string

	t.mu.Lock()
	for roomID, entries := range t.rooms {
		dirty := false
		for userID, entry := range entries {
			if entry.LastUpdateAt.Before(cutoff) {
				delete(entries, userID)
				delete(t.lastStart, roomID+"\x00"+userID)
				dirty = true
			}
		}
		if len(entries) == 0 {
			delete(t.rooms, roomID)
		}
		if dirty {
			touched = append(touched, roomID)
		}
	}
	t.mu.Unlock()

	for _, roomID := range touched {
		t.broadcast(roomID)
	}
	return len(touched)
}

// Reconcile repairs drift between the local map and the shared store; the
// supervisor runs it every 2 minutes. Store membership wins for remote
// entries; local entries are re-written if the store lost them.
func (t *Tracker) Reconcile(ctx context.Context) {
	t.mu.Lock()
	local := make(map[string][]string)
	for roomID, entries := range t.rooms {
		for userID, entry := range entries {
			if entry.NodeID == t.nodeID {
				local[roomID] = append(local[roomID], userID)
			}
		}
	}
	t.mu.Unlock()

	for roomID, userIDs := range local {
		members, err := t.st.SetMembers(ctx, "typing.rooms."+roomID)
		if err != nil && err != store.ErrNotFound {
			continue
		}
		present := make(map[string]struct{}, len(members))
		for _, m := range members {
			present[m] = struct{}{}
		}
		for _, userID := range userIDs {
			if _, ok := present[userID]; !ok {
				t.writeStore(roomID, userID)
			}
		}
	}
}
