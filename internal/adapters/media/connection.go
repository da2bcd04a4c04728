// Package media adapts the external media transport: one pion peer
// connection per session, negotiated over a websocket signal channel.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

type Config struct {
	// SignalURL is the websocket endpoint of the media transport's
	// signaling surface.
	SignalURL  string
	WebRTC     webrtc.Configuration
	PingPeriod time.Duration
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Dialer mints one Connection per connect attempt.
type Dialer struct {
	cfg       Config
	newSource func() TrackSource
}

func NewDialer(cfg Config, newSource func() TrackSource) *Dialer {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	if newSource == nil {
		newSource = func() TrackSource { return NewSilentSource() }
	}
	return &Dialer{cfg: cfg, newSource: newSource}
}

func (d *Dialer) Dial(room domain.RoomID, identity domain.ParticipantID) core.MediaConnection {
	return &Connection{
		cfg:      d.cfg,
		room:     room,
		identity: identity,
		source:   d.newSource(),
		events:   make(chan core.MediaEvent, 32),
		answers:  make(chan webrtc.SessionDescription, 1),
		log: log.With().
			Str("module", "adapters.media").
			Str("room", string(room)).
			Str("identity", string(identity)).
			Logger(),
	}
}

type signalMsg struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Token         string  `json:"token,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Connection implements core.MediaConnection over pion. It is single
// use: once disconnected it cannot be reconnected, matching the
// one-connection-per-attempt contract.
type Connection struct {
	cfg      Config
	room     domain.RoomID
	identity domain.ParticipantID
	source   TrackSource
	log      zerolog.Logger

	events  chan core.MediaEvent
	answers chan webrtc.SessionDescription

	mu        sync.Mutex
	writeMu   sync.Mutex
	ws        *websocket.Conn
	pc        *webrtc.PeerConnection
	senders   []*webrtc.RTPSender
	connected bool
	published bool
	closed    bool
	cancel    context.CancelFunc
}

func (c *Connection) Connect(ctx context.Context, token *domain.MediaToken) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection already closed", domain.ErrConnectFailed)
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.SignalURL)
	if err != nil {
		return fmt.Errorf("%w: bad signal url: %v", domain.ErrConnectFailed, err)
	}
	q := u.Query()
	q.Set("room", string(c.room))
	q.Set("token", token.Value)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: signal dial: %v", domain.ErrConnectFailed, err)
	}

	pc, err := webrtc.NewPeerConnection(c.cfg.WebRTC)
	if err != nil {
		ws.Close()
		return fmt.Errorf("%w: peer connection: %v", domain.ErrConnectFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.ws = ws
	c.pc = pc
	c.cancel = cancel
	c.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.onRemoteTrack(runCtx, track)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_state", st.String()).Msg("peer state")
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed {
			c.transportLost()
		}
	})

	go c.readLoop(runCtx)
	go c.pingLoop(runCtx)

	// Receive-only transceivers so the SFU can push remote media before
	// we publish anything ourselves.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			c.Disconnect()
			return fmt.Errorf("%w: transceiver: %v", domain.ErrConnectFailed, err)
		}
	}

	if err := c.negotiate(ctx, token); err != nil {
		c.Disconnect()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.Info().Msg("media transport connected")
	return nil
}

// negotiate runs one offer/answer exchange. The server answers with
// gathering already complete, so no trickle is needed for the answer
// path.
func (c *Connection) negotiate(ctx context.Context, token *domain.MediaToken) error {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: no peer connection", domain.ErrConnectFailed)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrConnectFailed, err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", domain.ErrConnectFailed, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrConnectFailed, ctx.Err())
	}

	local := pc.LocalDescription()
	if err := c.send(signalMsg{Type: "offer", SDP: local.SDP, Token: token.Value}); err != nil {
		return fmt.Errorf("%w: send offer: %v", domain.ErrConnectFailed, err)
	}

	select {
	case answer := <-c.answers:
		if err := pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("%w: set remote description: %v", domain.ErrConnectFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for answer: %v", domain.ErrConnectFailed, ctx.Err())
	}
}

func (c *Connection) Publish(ctx context.Context, token *domain.MediaToken) error {
	if !token.CanPublish() {
		return fmt.Errorf("%w: token lacks publish capability", domain.ErrTokenUnavailable)
	}
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", domain.ErrConnectFailed)
	}
	if c.published {
		c.mu.Unlock()
		return nil
	}
	pc := c.pc
	c.mu.Unlock()

	audio, video, err := c.source.OpenTracks()
	if err != nil {
		return err
	}

	var senders []*webrtc.RTPSender
	for _, track := range []*webrtc.TrackLocalStaticSample{audio, video} {
		if track == nil {
			continue
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			c.source.Close()
			return fmt.Errorf("%w: add track: %v", domain.ErrConnectFailed, err)
		}
		senders = append(senders, sender)
	}

	if err := c.negotiate(ctx, token); err != nil {
		for _, s := range senders {
			_ = pc.RemoveTrack(s)
		}
		c.source.Close()
		return err
	}

	c.mu.Lock()
	c.senders = senders
	c.published = true
	c.mu.Unlock()
	c.log.Info().Int("tracks", len(senders)).Msg("publishing local tracks")
	return nil
}

func (c *Connection) Unpublish() {
	c.mu.Lock()
	if !c.published {
		c.mu.Unlock()
		return
	}
	senders := c.senders
	pc := c.pc
	c.senders = nil
	c.published = false
	c.mu.Unlock()

	for _, s := range senders {
		if err := pc.RemoveTrack(s); err != nil {
			c.log.Warn().Err(err).Msg("remove track")
		}
	}
	c.source.Close()
	c.log.Info().Msg("unpublished local tracks")
}

func (c *Connection) SetTrackEnabled(kind core.TrackKind, enabled bool) {
	c.source.SetEnabled(kind, enabled)
}

func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws, pc, cancel := c.ws, c.pc, c.cancel
	published := c.published
	c.published = false
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if published {
		c.source.Close()
	}
	if ws != nil {
		_ = ws.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			c.log.Warn().Err(err).Msg("peer connection close")
		}
	}
	close(c.events)
	c.log.Info().Msg("media transport disconnected")
}

func (c *Connection) Events() <-chan core.MediaEvent { return c.events }

// transportLost reports an unexpected transport closure exactly once.
func (c *Connection) transportLost() {
	c.mu.Lock()
	wasConnected := c.connected && !c.closed
	c.mu.Unlock()
	if !wasConnected {
		return
	}
	c.emit(core.MediaEvent{Kind: core.TransportClosed})
	c.Disconnect()
}

func (c *Connection) emit(ev core.MediaEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Msg("dropping media event, consumer too slow")
	}
}

// onRemoteTrack surfaces a remote track and watches it until the RTP
// stream ends, which is the only removal signal the transport gives us.
func (c *Connection) onRemoteTrack(ctx context.Context, track *webrtc.TrackRemote) {
	participant := domain.ParticipantID(track.StreamID())
	kind := core.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackVideo
	}
	ref := core.TrackRef{Participant: participant, Kind: kind, ID: track.ID()}
	c.log.Info().
		Str("participant", string(participant)).
		Str("kind", string(kind)).
		Str("track_id", track.ID()).
		Msg("remote track added")
	c.emit(core.MediaEvent{Kind: core.RemoteTrackAdded, Participant: participant, Track: ref})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, _, err := track.ReadRTP(); err != nil {
				c.log.Info().Str("participant", string(participant)).Msg("remote track ended")
				c.emit(core.MediaEvent{Kind: core.RemoteTrackRemoved, Participant: participant, Track: ref})
				return
			}
		}
	}()
}

func (c *Connection) readLoop(ctx context.Context) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.log.Info().Err(err).Msg("signal read closed")
			c.transportLost()
			return
		}
		var msg signalMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("bad signal payload")
			continue
		}
		switch msg.Type {
		case "answer":
			select {
			case c.answers <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}:
			default:
				c.log.Warn().Msg("unexpected answer dropped")
			}
		case "candidate":
			cand := webrtc.ICECandidateInit{Candidate: msg.Candidate, SDPMid: msg.SDPMid, SDPMLineIndex: msg.SDPMLineIndex}
			c.mu.Lock()
			pc := c.pc
			c.mu.Unlock()
			if pc != nil {
				if err := pc.AddICECandidate(cand); err != nil {
					c.log.Warn().Err(err).Msg("add ice candidate")
				}
			}
		case "error":
			c.log.Warn().Str("error", msg.Error).Msg("signal error")
		case "pong":
		default:
			c.log.Debug().Str("type", msg.Type).Msg("unknown signal")
		}
	}
}

func (c *Connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.mu.Lock()
			ws := c.ws
			c.mu.Unlock()
			if ws == nil {
				c.writeMu.Unlock()
				return
			}
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Connection) send(msg signalMsg) error {
	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if closed || ws == nil {
		return fmt.Errorf("signal connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteJSON(msg)
}
