package core

import (
	"sort"

	"github.com/seatwire/seatwire/internal/domain"
)

// Seat is one slot of a room's fixed-capacity layout. Role is the
// reserved-role label ("" for open seats); Participant is nil when the
// seat is an empty placeholder.
type Seat struct {
	Role        domain.Role
	Participant *domain.Participant
	Tracks      []TrackRef
}

func (s Seat) Occupied() bool { return s.Participant != nil }

// SeatAssignment is a derived view of length Room.Capacity. It has no
// lifecycle of its own and is recomputed on every state change.
type SeatAssignment []Seat

func (a SeatAssignment) OccupiedCount() int {
	n := 0
	for _, s := range a {
		if s.Occupied() {
			n++
		}
	}
	return n
}

// reservedRoleOrder fixes which reserved seat each well-known role gets,
// so that the judge box stays first regardless of join order.
var reservedRoleOrder = []domain.Role{
	domain.RoleJudge,
	domain.RoleBroadcaster,
	domain.RoleInterviewer,
	domain.RoleDefendant,
}

// AllocateSeats maps participants, role bindings and capacity into a
// fixed-size ordered layout. participants must be in first-observed
// order; the allocation is deterministic and stable so unrelated state
// changes never swap seats.
//
// Priority: role-bound participants take their reserved seats; the local
// participant, when unbound, takes the first open seat; remaining
// remotes fill open seats in first-observed order. Overflow beyond
// capacity is silently dropped rather than reported as an error.
func AllocateSeats(room domain.Room, participants []domain.Participant, local domain.ParticipantID, tracks map[domain.ParticipantID][]TrackRef) SeatAssignment {
	if room.Capacity <= 0 {
		return nil
	}
	seats := make(SeatAssignment, room.Capacity)

	// Reserve one seat per bound well-known role, in canonical order,
	// then any other bound roles alphabetically. Reservations beyond
	// capacity are dropped.
	seatOf := make(map[domain.Role]int)
	next := 0
	reserve := func(role domain.Role) {
		if next >= len(seats) {
			return
		}
		if _, ok := seatOf[role]; ok {
			return
		}
		seats[next].Role = role
		seatOf[role] = next
		next++
	}
	for _, role := range reservedRoleOrder {
		if _, bound := room.Roles[role]; bound {
			reserve(role)
		}
	}
	var extra []domain.Role
	for role := range room.Roles {
		if _, ok := seatOf[role]; !ok {
			extra = append(extra, role)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, role := range extra {
		reserve(role)
	}

	// Seat role-bound participants that are actually connected.
	seated := make(map[domain.ParticipantID]bool)
	for i := range participants {
		p := &participants[i]
		role, bound := room.Roles.RoleOf(p.ID)
		if !bound {
			continue
		}
		idx, ok := seatOf[role]
		if !ok {
			continue // reservation dropped by the capacity cap
		}
		seats[idx].Participant = p
		seats[idx].Tracks = tracks[p.ID]
		seated[p.ID] = true
	}

	// Remaining candidates: publishing participants without a reserved
	// seat. The local participant goes ahead of unassigned remotes;
	// everyone else keeps first-observed order.
	var queue []*domain.Participant
	for i := range participants {
		p := &participants[i]
		if seated[p.ID] || p.Publish == domain.PublishViewer {
			continue
		}
		if p.ID == local {
			queue = append([]*domain.Participant{p}, queue...)
			continue
		}
		queue = append(queue, p)
	}

	qi := 0
	for i := range seats {
		if qi >= len(queue) {
			break
		}
		if seats[i].Role != "" || seats[i].Occupied() {
			continue
		}
		p := queue[qi]
		qi++
		seats[i].Participant = p
		seats[i].Tracks = tracks[p.ID]
	}
	return seats
}
