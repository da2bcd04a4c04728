package domain

import "errors"

// Session error taxonomy. Fatal: ErrUnauthenticated, ErrRoomEnded.
// Recoverable (degrade to viewer, manual retry): ErrTokenUnavailable,
// ErrDeviceUnavailable. ErrConnectFailed and ErrDisconnected get one
// automatic retry with a fresh token before turning fatal.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrTokenUnavailable  = errors.New("token unavailable")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrConnectFailed     = errors.New("transport connect failed")
	ErrDisconnected      = errors.New("transport disconnected")
	ErrRoomEnded         = errors.New("room ended")
)

// Fatal reports whether err requires leaving the session view.
func Fatal(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrRoomEnded)
}
