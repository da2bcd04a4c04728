package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// TrackSource acquires the local capture devices. Acquisition failures
// must wrap domain.ErrDeviceUnavailable so the session can tell a bad
// camera apart from a bad token.
type TrackSource interface {
	// OpenTracks acquires devices and returns the local tracks to
	// publish. Either track may be nil when the device is absent.
	OpenTracks() (audio, video *webrtc.TrackLocalStaticSample, err error)
	// SetEnabled mutes or unmutes a local track at the device level.
	SetEnabled(kind core.TrackKind, enabled bool)
	// Close releases the devices. Safe to call repeatedly and before
	// OpenTracks.
	Close()
}

// SilentSource is a headless TrackSource producing placeholder frames.
// It stands in for camera/microphone capture on machines without
// devices (CI, bots, load generation).
type SilentSource struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	opened  bool
	audioOn atomic.Bool
	videoOn atomic.Bool
}

func NewSilentSource() *SilentSource {
	s := &SilentSource{}
	s.audioOn.Store(true)
	s.videoOn.Store(true)
	return s
}

func (s *SilentSource) OpenTracks() (*webrtc.TrackLocalStaticSample, *webrtc.TrackLocalStaticSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil, nil, fmt.Errorf("%w: tracks already open", domain.ErrDeviceUnavailable)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "seatwire-local")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "seatwire-local")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.opened = true
	go s.pump(ctx, audio, video)
	return audio, video, nil
}

// pump writes placeholder samples so the peer connection keeps flowing.
func (s *SilentSource) pump(ctx context.Context, audio, video *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := media.Sample{Data: []byte{0x00}, Duration: 20 * time.Millisecond}
			if s.audioOn.Load() {
				_ = audio.WriteSample(sample)
			}
			if s.videoOn.Load() {
				_ = video.WriteSample(sample)
			}
		}
	}
}

func (s *SilentSource) SetEnabled(kind core.TrackKind, enabled bool) {
	switch kind {
	case core.TrackAudio:
		s.audioOn.Store(enabled)
	case core.TrackVideo:
		s.videoOn.Store(enabled)
	}
}

func (s *SilentSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.opened = false
}
