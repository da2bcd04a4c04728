// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxIdentityLen = 64

var ErrIdentityTooLong = errors.New("identity too long")

type ParticipantID string

// PublishState is exclusive: a participant is exactly one of these.
type PublishState string

const (
	PublishViewer  PublishState = "viewer"
	PublishPending PublishState = "pending-publish"
	Publishing     PublishState = "publisher"
)

// Participant is a connected identity within a room. The Role field is
// advisory for layout only; the authoritative binding lives in RoleMap.
type Participant struct {
	ID      ParticipantID
	Role    Role
	Publish PublishState
	AudioOn bool
	VideoOn bool
}

// NewParticipantID validates a caller-supplied identity, or mints one.
func NewParticipantID(raw string) (ParticipantID, error) {
	if raw == "" {
		return ParticipantID(uuid.NewString()), nil
	}
	if len(raw) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return ParticipantID(raw), nil
}
