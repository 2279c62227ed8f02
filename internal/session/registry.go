package session

import "sync"

// Registry tracks live sessions on this node, indexed by session id, user
// and remote address. The auth gate uses the per-user count for the
// concurrent-session cap; the security layer uses the per-address index to
// evict every session from a hard-blocked IP.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session
	byAddr map[string]map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		byAddr: make(map[string]map[string]*Session),
	}
}

// Add registers a session under its id, user and address.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	if forUser := r.byUser[s.UserID]; forUser != nil {
		forUser[s.ID] = s
	} else {
		r.byUser[s.UserID] = map[string]*Session{s.ID: s}
	}
	if forAddr := r.byAddr[s.RemoteAddr]; forAddr != nil {
		forAddr[s.ID] = s
	} else {
		r.byAddr[s.RemoteAddr] = map[string]*Session{s.ID: s}
	}
}

// Remove deletes a session; reports whether it was present.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; !ok {
		return false
	}
	delete(r.byID, s.ID)
	if forUser := r.byUser[s.UserID]; forUser != nil {
		delete(forUser, s.ID)
		if len(forUser) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	if forAddr := r.byAddr[s.RemoteAddr]; forAddr != nil {
		delete(forAddr, s.ID)
		if len(forAddr) == 0 {
			delete(r.byAddr, s.RemoteAddr)
		}
	}
	return true
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// CountForUser returns the user's live session count on this node.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// ForUser returns a snapshot of the user's sessions.
func (r *Registry) ForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// ForAddr returns a snapshot of the sessions from one remote address.
func (r *Registry) ForAddr(addr string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byAddr[addr]))
	for _, s := range r.byAddr[addr] {
		out = append(out, s)
	}
	return out
}

// Len returns the total live session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// UserCounts returns the per-user session counts, used to record failover
// data in the shared store.
func (r *Registry) UserCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byUser))
	for userID, sessions := range r.byUser {
		out[userID] = len(sessions)
	}
	return out
}

// All returns a snapshot of every session, used by shutdown drain.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
