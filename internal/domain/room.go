package domain

import "time"

type RoomID string

// RoomStatus is the lifecycle of the backing session record.
// "ended" is terminal from the client's point of view.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomEnded   RoomStatus = "ended"
)

// Role is a well-known functional slot in a room (judge, broadcaster...).
// The empty Role means "general attendee".
type Role string

const (
	RoleJudge       Role = "judge"
	RoleDefendant   Role = "defendant"
	RoleBroadcaster Role = "broadcaster"
	RoleInterviewer Role = "interviewer"
)

// RoleMap binds well-known roles to participant identities.
// It is owned by the backing store; clients only mirror it.
type RoleMap map[Role]ParticipantID

func (m RoleMap) Clone() RoleMap {
	if m == nil {
		return nil
	}
	out := make(RoleMap, len(m))
	for r, p := range m {
		out[r] = p
	}
	return out
}

// RoleOf returns the well-known role bound to id, if any.
func (m RoleMap) RoleOf(id ParticipantID) (Role, bool) {
	for r, p := range m {
		if p == id {
			return r, true
		}
	}
	return "", false
}

const (
	MinCapacity = 2
	MaxCapacity = 4
)

// Room is the cached projection of the externally owned session record.
type Room struct {
	ID        RoomID
	Capacity  int
	Status    RoomStatus
	Roles     RoleMap
	CreatedAt time.Time
}

func (r Room) Clone() Room {
	r.Roles = r.Roles.Clone()
	return r
}

func (r Room) Ended() bool { return r.Status == RoomEnded }
