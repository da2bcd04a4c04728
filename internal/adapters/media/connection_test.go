package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

func testDialer() *Dialer {
	return NewDialer(Config{
		SignalURL:  "ws://127.0.0.1:1/api/ws/signal",
		WebRTC:     DefaultWebRTCConfig(),
		PingPeriod: time.Minute,
	}, nil)
}

func publishToken() *domain.MediaToken {
	return &domain.MediaToken{Room: "room-1", Identity: "alice", Capability: domain.CapabilityPublish, Value: "tok"}
}

func TestConnectFailsWhenSignalUnreachable(t *testing.T) {
	conn := testDialer().Dial("room-1", "alice")
	defer conn.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := conn.Connect(ctx, publishToken())
	assert.ErrorIs(t, err, domain.ErrConnectFailed)
}

func TestPublishRequiresConnection(t *testing.T) {
	conn := testDialer().Dial("room-1", "alice")
	defer conn.Disconnect()

	err := conn.Publish(context.Background(), publishToken())
	assert.ErrorIs(t, err, domain.ErrConnectFailed)
}

func TestPublishRejectsSubscribeOnlyToken(t *testing.T) {
	conn := testDialer().Dial("room-1", "alice")
	defer conn.Disconnect()

	tok := &domain.MediaToken{Room: "room-1", Identity: "alice", Capability: domain.CapabilitySubscribeOnly, Value: "tok"}
	err := conn.Publish(context.Background(), tok)
	assert.ErrorIs(t, err, domain.ErrTokenUnavailable)
}

func TestDisconnectIsIdempotentAndClosesEvents(t *testing.T) {
	conn := testDialer().Dial("room-1", "alice")
	conn.Disconnect()
	conn.Disconnect()

	_, open := <-conn.Events()
	assert.False(t, open, "events channel should be closed")

	// A closed connection refuses to connect again.
	err := conn.Connect(context.Background(), publishToken())
	assert.ErrorIs(t, err, domain.ErrConnectFailed)
}

func TestSilentSourceOpenCloseCycle(t *testing.T) {
	src := NewSilentSource()
	audio, video, err := src.OpenTracks()
	require.NoError(t, err)
	require.NotNil(t, audio)
	require.NotNil(t, video)

	_, _, err = src.OpenTracks()
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)

	src.SetEnabled(core.TrackAudio, false)
	src.SetEnabled(core.TrackVideo, false)

	src.Close()
	src.Close()

	// Reopen after close is allowed.
	_, _, err = src.OpenTracks()
	require.NoError(t, err)
	src.Close()
}
