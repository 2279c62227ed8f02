package session

import "sync"

// RoomIndex maps room ids to the local sessions joined to them, the fan-out
// side of room membership. Session.rooms is the authoritative per-session
// set; the index is kept in step by the router's join/leave handlers.
type RoomIndex struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

// NewRoomIndex creates an empty index.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{rooms: make(map[string]map[string]*Session)}
}

// Join adds a session to a room and returns the new member count.
func (ri *RoomIndex) Join(roomID string, s *Session) int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	members := ri.rooms[roomID]
	if members == nil {
		members = make(map[string]*Session)
		ri.rooms[roomID] = members
	}
	members[s.ID] = s
	return len(members)
}

// Leave removes a session from a room and returns the remaining count.
func (ri *RoomIndex) Leave(roomID string, s *Session) int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	members := ri.rooms[roomID]
	if members == nil {
		return 0
	}
	delete(members, s.ID)
	if len(members) == 0 {
		delete(ri.rooms, roomID)
		return 0
	}
	return len(members)
}

// LeaveAll removes the session from every room it joined and returns those
// room ids; called on session close.
func (ri *RoomIndex) LeaveAll(s *Session) []string {
	rooms := s.Rooms()
	ri.mu.Lock()
	for _, roomID := range rooms {
		if members := ri.rooms[roomID]; members != nil {
			delete(members, s.ID)
			if len(members) == 0 {
				delete(ri.rooms, roomID)
			}
		}
	}
	ri.mu.Unlock()
	return rooms
}

// Sessions returns a snapshot of a room's local members.
func (ri *RoomIndex) Sessions(roomID string) []*Session {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	members := ri.rooms[roomID]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// Broadcast sends an encoded frame to every local member of a room, minus
// an optional excluded session.
func (ri *RoomIndex) Broadcast(roomID string, frame []byte, exclude string) int {
	sent := 0
	for _, s := range ri.Sessions(roomID) {
		if s.ID == exclude {
			continue
		}
		s.SendRaw(frame)
		sent++
	}
	return sent
}

// Count returns a room's local member count.
func (ri *RoomIndex) Count(roomID string) int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms[roomID])
}
