package core

import (
	"maps"
	"sync"

	"github.com/seatwire/seatwire/internal/domain"
)

// RoomStateStore holds the authoritative-as-observed projection of the
// room record. It is mutated only through Apply; local code treats it as
// a read-only cache of externally owned state.
type RoomStateStore struct {
	mu          sync.RWMutex
	room        domain.Room
	revision    int64
	hasRevision bool
}

func NewRoomStateStore(initial domain.Room) *RoomStateStore {
	return &RoomStateStore{room: initial.Clone()}
}

// Apply merges a partial change last-value-wins by field and reports
// whether anything visible changed. Payloads carrying a revision at or
// below the last applied one are dropped whole; payloads without a
// revision are merged as-is (accepted limitation when the backing store
// offers no ordering marker). A room that has ended stays ended.
func (s *RoomStateStore) Apply(ch RoomChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.Revision != nil {
		if s.hasRevision && *ch.Revision <= s.revision {
			return false
		}
		s.revision = *ch.Revision
		s.hasRevision = true
	}

	changed := false
	if ch.Status != nil && *ch.Status != s.room.Status && !s.room.Ended() {
		s.room.Status = *ch.Status
		changed = true
	}
	if ch.Capacity != nil && *ch.Capacity != s.room.Capacity {
		s.room.Capacity = *ch.Capacity
		changed = true
	}
	if ch.Roles != nil && !maps.Equal(ch.Roles, s.room.Roles) {
		s.room.Roles = ch.Roles.Clone()
		changed = true
	}
	return changed
}

// Room returns a copy safe to hand to views.
func (s *RoomStateStore) Room() domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.Clone()
}
