package devstack

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/domain"
)

// signalMsg mirrors the client's signaling wire shape.
type signalMsg struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Token         string  `json:"token,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// handleSignal terminates a client's media transport. It answers offers,
// accepts trickled candidates and drains any RTP the client publishes.
// No media is routed between peers; this stands in for the hosted SFU
// only as far as the client state machine can tell.
func (s *Server) handleSignal(c *gin.Context) {
	claims, err := s.issuer.Verify(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	room := c.Query("room")
	if claims.Room != room {
		c.JSON(http.StatusForbidden, gin.H{"error": "token scoped to another room"})
		return
	}
	if _, _, err := s.store.Room(domain.RoomID(room)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "devstack.signal").Msg("signal upgrade")
		return
	}

	peer := &signalPeer{
		conn: conn,
		log: log.With().
			Str("module", "devstack.signal").
			Str("room", room).
			Str("identity", claims.Subject).
			Logger(),
	}
	defer peer.close()
	peer.log.Info().Msg("signal peer attached")
	peer.readLoop()
}

// signalPeer is one websocket signaling session. All reads and state
// transitions happen on the readLoop goroutine; only send is shared.
type signalPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pc      *webrtc.PeerConnection
	log     zerolog.Logger
}

func (p *signalPeer) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.log.Info().Err(err).Msg("signal read closed")
			return
		}
		var msg signalMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Warn().Err(err).Msg("bad signal payload")
			continue
		}
		switch msg.Type {
		case "offer":
			p.handleOffer(msg)
		case "candidate":
			p.handleCandidate(msg)
		default:
			p.log.Debug().Str("type", msg.Type).Msg("unknown signal")
		}
	}
}

// handleOffer answers the initial offer and every renegotiation on the
// same peer connection. The answer is sent with gathering already
// complete so the client never has to wait for trickled candidates.
func (p *signalPeer) handleOffer(msg signalMsg) {
	if p.pc == nil {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			p.log.Error().Err(err).Msg("new peer connection")
			p.send(signalMsg{Type: "error", Error: "peer connection failed"})
			return
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			p.log.Info().
				Str("kind", track.Kind().String()).
				Str("track_id", track.ID()).
				Msg("draining published track")
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		})
		pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
			p.log.Info().Str("peer_state", st.String()).Msg("peer state")
		})
		p.pc = pc
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		p.log.Warn().Err(err).Msg("set remote description")
		p.send(signalMsg{Type: "error", Error: "bad offer"})
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.log.Error().Err(err).Msg("create answer")
		p.send(signalMsg{Type: "error", Error: "answer failed"})
		return
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.log.Error().Err(err).Msg("set local description")
		return
	}
	<-gathered
	p.send(signalMsg{Type: "answer", SDP: p.pc.LocalDescription().SDP})
}

func (p *signalPeer) handleCandidate(msg signalMsg) {
	if p.pc == nil {
		p.log.Warn().Msg("candidate before offer")
		return
	}
	cand := webrtc.ICECandidateInit{
		Candidate:     msg.Candidate,
		SDPMid:        msg.SDPMid,
		SDPMLineIndex: msg.SDPMLineIndex,
	}
	if err := p.pc.AddICECandidate(cand); err != nil {
		p.log.Warn().Err(err).Msg("add ice candidate")
	}
}

func (p *signalPeer) send(msg signalMsg) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := p.conn.WriteJSON(msg); err != nil {
		p.log.Warn().Err(err).Msg("signal write")
	}
}

func (p *signalPeer) close() {
	if p.pc != nil {
		if err := p.pc.Close(); err != nil {
			p.log.Warn().Err(err).Msg("peer connection close")
		}
	}
	_ = p.conn.Close()
	p.log.Info().Msg("signal peer detached")
}
