// Package devstack is an in-process stand-in for the hosted room
// backend: room records with revision counters, role claims, a token
// endpoint and a websocket change feed. It exists so clients can be
// developed and load-tested without the hosted service.
package devstack

import (
	"errors"
	"sync"
	"time"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

var (
	ErrRoomNotFound  = errors.New("devstack: room not found")
	ErrRoomOver      = errors.New("devstack: room already ended")
	ErrRoleTaken     = errors.New("devstack: role held by another participant")
	ErrNotRoleHolder = errors.New("devstack: role not held by caller")
	ErrBadCapacity   = errors.New("devstack: capacity out of range")
	ErrBadStatus     = errors.New("devstack: invalid status transition")
)

// roomRecord mirrors one row of the backing table. revision increases
// by one per committed mutation.
type roomRecord struct {
	room     domain.Room
	revision int64
}

// Store holds room records and pushes every committed change to the
// notify callback, already reduced to the partial fields that changed.
type Store struct {
	mu     sync.Mutex
	rooms  map[domain.RoomID]*roomRecord
	notify func(domain.RoomID, core.RoomChange)
}

func NewStore(notify func(domain.RoomID, core.RoomChange)) *Store {
	if notify == nil {
		notify = func(domain.RoomID, core.RoomChange) {}
	}
	return &Store{rooms: make(map[domain.RoomID]*roomRecord), notify: notify}
}

func (s *Store) CreateRoom(id domain.RoomID, capacity int) (domain.Room, error) {
	if capacity < domain.MinCapacity || capacity > domain.MaxCapacity {
		return domain.Room{}, ErrBadCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; ok {
		return domain.Room{}, errors.New("devstack: room already exists")
	}
	rec := &roomRecord{
		room: domain.Room{
			ID:        id,
			Capacity:  capacity,
			Status:    domain.RoomWaiting,
			Roles:     domain.RoleMap{},
			CreatedAt: time.Now(),
		},
		revision: 1,
	}
	s.rooms[id] = rec
	return rec.room.Clone(), nil
}

func (s *Store) Room(id domain.RoomID) (domain.Room, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, 0, ErrRoomNotFound
	}
	return rec.room.Clone(), rec.revision, nil
}

// SetStatus moves the lifecycle forward. Backwards moves and updates
// to an ended room are rejected.
func (s *Store) SetStatus(id domain.RoomID, status domain.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	if rec.room.Ended() {
		return ErrRoomOver
	}
	if statusRank(status) <= statusRank(rec.room.Status) {
		return ErrBadStatus
	}
	rec.room.Status = status
	rec.revision++
	s.notify(id, core.RoomChange{Revision: revPtr(rec.revision), Status: &status})
	return nil
}

func (s *Store) SetCapacity(id domain.RoomID, capacity int) error {
	if capacity < domain.MinCapacity || capacity > domain.MaxCapacity {
		return ErrBadCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	if rec.room.Ended() {
		return ErrRoomOver
	}
	rec.room.Capacity = capacity
	rec.revision++
	s.notify(id, core.RoomChange{Revision: revPtr(rec.revision), Capacity: &capacity})
	return nil
}

// ClaimRole binds a role to a participant. created reports whether the
// claim mutated the record; a repeat claim by the current holder is a
// no-op with created=false.
func (s *Store) ClaimRole(id domain.RoomID, role domain.Role, who domain.ParticipantID) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[id]
	if !ok {
		return false, ErrRoomNotFound
	}
	if rec.room.Ended() {
		return false, ErrRoomOver
	}
	if holder, held := rec.room.Roles[role]; held {
		if holder == who {
			return false, nil
		}
		return false, ErrRoleTaken
	}
	rec.room.Roles[role] = who
	rec.revision++
	s.notify(id, core.RoomChange{Revision: revPtr(rec.revision), Roles: rec.room.Roles.Clone()})
	return true, nil
}

// ReleaseRole removes a binding; only the holder may release it.
func (s *Store) ReleaseRole(id domain.RoomID, role domain.Role, who domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	holder, held := rec.room.Roles[role]
	if !held || holder != who {
		return ErrNotRoleHolder
	}
	delete(rec.room.Roles, role)
	rec.revision++
	s.notify(id, core.RoomChange{Revision: revPtr(rec.revision), Roles: rec.room.Roles.Clone()})
	return nil
}

func statusRank(s domain.RoomStatus) int {
	switch s {
	case domain.RoomWaiting:
		return 0
	case domain.RoomActive:
		return 1
	case domain.RoomEnded:
		return 2
	}
	return -1
}

func revPtr(v int64) *int64 { return &v }
