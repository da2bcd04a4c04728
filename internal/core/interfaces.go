package core

import (
	"context"

	"github.com/seatwire/seatwire/internal/domain"
)

// TokenBroker requests a short-lived media credential scoped to one room
// and one capability. Failures are typed: domain.ErrUnauthenticated when
// no valid local credential is available, domain.ErrTokenUnavailable for
// everything the caller may survive in viewer-only mode.
type TokenBroker interface {
	RequestToken(ctx context.Context, room domain.RoomID, identity domain.ParticipantID, capability domain.Capability) (*domain.MediaToken, error)
}

// CredentialSource supplies the local authentication credential attached
// to token requests. An empty credential means unauthenticated.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TrackRef identifies a media track without exposing transport handles.
type TrackRef struct {
	Participant domain.ParticipantID
	Kind        TrackKind
	ID          string
}

type MediaEventKind int

const (
	RemoteTrackAdded MediaEventKind = iota
	RemoteTrackRemoved
	TransportClosed
)

// MediaEvent is the only way remote media state becomes known to the
// rest of the system. There is no polling surface.
type MediaEvent struct {
	Kind        MediaEventKind
	Participant domain.ParticipantID
	Track       TrackRef
}

// MediaConnection wraps one connection to the external media transport.
// At most one connection per room per client may be active; the session
// controller enforces that by dialing a fresh connection only after the
// previous one is torn down, or by promoting the existing one in place.
type MediaConnection interface {
	// Connect opens the transport using token. Returns
	// domain.ErrConnectFailed (wrapped) on any transport-level failure.
	Connect(ctx context.Context, token *domain.MediaToken) error
	// Publish acquires local tracks and sends them into the room.
	// Device acquisition failures surface as domain.ErrDeviceUnavailable
	// and are distinguishable from token or connect failures.
	Publish(ctx context.Context, token *domain.MediaToken) error
	// Unpublish stops local tracks without leaving the room.
	Unpublish()
	// SetTrackEnabled flips a local track's enabled flag. It never
	// renegotiates or re-requests a token.
	SetTrackEnabled(kind TrackKind, enabled bool)
	// Disconnect closes the transport and releases local devices.
	// Safe to call repeatedly and on never-connected handles.
	Disconnect()
	// Events delivers remote track changes and transport closure.
	// The channel is closed by Disconnect.
	Events() <-chan MediaEvent
}

// MediaDialer mints one MediaConnection per connect attempt so that a
// reconnect never reuses a half-torn-down transport.
type MediaDialer interface {
	Dial(room domain.RoomID, identity domain.ParticipantID) MediaConnection
}

// RoomChange is a normalized partial update of a room's backing record.
// Nil fields were absent from the provider payload. Revision, when the
// backing store supplies one, lets consumers drop stale deliveries.
type RoomChange struct {
	Revision *int64
	Status   *domain.RoomStatus
	Capacity *int
	Roles    domain.RoleMap
}

// Subscription releases a change-feed registration. Unsubscribe is safe
// to call multiple times, including on subscriptions that never became
// fully established.
type Subscription interface {
	Unsubscribe()
}

// ChangeFeed delivers asynchronous change notifications for a room's
// backing record. Duplicate and out-of-order delivery are expected;
// consumers must merge last-value-wins by field.
type ChangeFeed interface {
	Subscribe(ctx context.Context, room domain.RoomID, onChange func(RoomChange)) (Subscription, error)
}
