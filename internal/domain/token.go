package domain

// Capability is the media action a token authorizes.
type Capability string

const (
	CapabilityPublish       Capability = "publish"
	CapabilitySubscribeOnly Capability = "subscribe-only"
)

// MediaToken is a short-lived credential scoped to one room, one
// identity and one capability. The Value is opaque to this module;
// expiry is enforced by the media provider, not checked locally.
type MediaToken struct {
	Room       RoomID
	Identity   ParticipantID
	Capability Capability
	Value      string
}

func (t *MediaToken) CanPublish() bool {
	return t != nil && t.Capability == CapabilityPublish
}
