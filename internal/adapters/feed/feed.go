// Package feed subscribes to row-change notifications for room records
// and normalizes provider-specific payloads into core.RoomChange.
package feed

import (
	"encoding/json"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// changePayload is the wire shape shared by every provider: a partial
// record where absent fields stay nil.
type changePayload struct {
	Revision        *int64            `json:"revision,omitempty"`
	Status          *string           `json:"status,omitempty"`
	Capacity        *int              `json:"capacity,omitempty"`
	RoleAssignments map[string]string `json:"role_assignments,omitempty"`
}

func decodeChange(data []byte) (core.RoomChange, error) {
	var p changePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return core.RoomChange{}, err
	}
	ch := core.RoomChange{Revision: p.Revision, Capacity: p.Capacity}
	if p.Status != nil {
		status := domain.RoomStatus(*p.Status)
		ch.Status = &status
	}
	if p.RoleAssignments != nil {
		roles := make(domain.RoleMap, len(p.RoleAssignments))
		for role, id := range p.RoleAssignments {
			roles[domain.Role(role)] = domain.ParticipantID(id)
		}
		ch.Roles = roles
	}
	return ch, nil
}

func encodeChange(ch core.RoomChange) ([]byte, error) {
	p := changePayload{Revision: ch.Revision, Capacity: ch.Capacity}
	if ch.Status != nil {
		status := string(*ch.Status)
		p.Status = &status
	}
	if ch.Roles != nil {
		p.RoleAssignments = make(map[string]string, len(ch.Roles))
		for role, id := range ch.Roles {
			p.RoleAssignments[string(role)] = string(id)
		}
	}
	return json.Marshal(p)
}

// EncodeChange is used by publishers of the wire format (the dev
// harness and tests).
func EncodeChange(ch core.RoomChange) ([]byte, error) { return encodeChange(ch) }
