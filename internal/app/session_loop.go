package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

type event interface{ isEvent() }

type action int

const (
	actJoinViewer action = iota
	actJoinPublisher
	actLeaveSeat
	actToggleAudio
	actToggleVideo
	actDismissWarning
	actClose
)

// intent records why a token was requested, which decides what happens
// once it arrives.
type intent int

const (
	intentViewer intent = iota
	intentPublisher
	intentPromote
	intentReconnect
)

type actionEvent struct{ act action }

type feedEvent struct{ change core.RoomChange }

type tokenEvent struct {
	epoch  int
	intent intent
	token  *domain.MediaToken
	err    error
}

type connectEvent struct {
	epoch  int
	intent intent
	token  *domain.MediaToken
	err    error
}

type publishEvent struct {
	epoch int
	err   error
}

type transportEvent struct {
	epoch int
	ev    core.MediaEvent
}

func (actionEvent) isEvent()    {}
func (feedEvent) isEvent()      {}
func (tokenEvent) isEvent()     {}
func (connectEvent) isEvent()   {}
func (publishEvent) isEvent()   {}
func (transportEvent) isEvent() {}

func (s *Session) run(ctx context.Context) {
	s.runCtx = ctx
	defer close(s.done)
	defer close(s.updates)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("context done, tearing down")
			s.teardown(nil)
			s.publishSnapshot()
			return
		case e := <-s.events:
			if s.handle(e) {
				return
			}
		}
	}
}

// handle dispatches one event on the loop goroutine. Returns true when
// the session is finished and the loop must exit.
func (s *Session) handle(e event) bool {
	switch ev := e.(type) {
	case actionEvent:
		return s.handleAction(ev.act)
	case feedEvent:
		s.handleFeed(ev.change)
	case tokenEvent:
		s.handleToken(ev)
	case connectEvent:
		s.handleConnect(ev)
	case publishEvent:
		s.handlePublish(ev)
	case transportEvent:
		s.handleTransport(ev)
	}
	return false
}

func (s *Session) handleAction(act action) bool {
	switch act {
	case actJoinViewer:
		if s.st != StateUnjoined || s.fatal != nil {
			return false
		}
		s.st = StateRequestingToken
		s.requestToken(intentViewer, domain.CapabilitySubscribeOnly)
		s.publishSnapshot()

	case actJoinPublisher:
		switch {
		case s.st == StateUnjoined && s.fatal == nil:
			s.st = StateRequestingToken
			s.requestToken(intentPublisher, domain.CapabilityPublish)
			s.publishSnapshot()
		case s.st == StateActiveViewer:
			if p := s.localParticipant(); p != nil && p.Publish == domain.PublishPending {
				return false // promotion already in flight
			}
			s.setLocalPublish(domain.PublishPending)
			s.requestToken(intentPromote, domain.CapabilityPublish)
			s.publishSnapshot()
		case s.st == StateRequestingToken || s.st == StateConnecting:
			// A join is in flight; promote once it settles as viewer.
			s.promoteQueued = true
		default:
			s.log.Debug().Str("state", s.st.String()).Msg("joinAsPublisher ignored")
		}

	case actLeaveSeat:
		if s.st != StateActivePublisher {
			return false
		}
		if s.conn != nil {
			s.conn.Unpublish()
		}
		s.setLocalPublish(domain.PublishViewer)
		s.st = StateActiveViewer
		s.log.Info().Msg("left seat, demoted to viewer")
		s.publishSnapshot()

	case actToggleAudio:
		s.audioOn = !s.audioOn
		s.applyTrackFlag(core.TrackAudio, s.audioOn)
	case actToggleVideo:
		s.videoOn = !s.videoOn
		s.applyTrackFlag(core.TrackVideo, s.videoOn)

	case actDismissWarning:
		s.warning = nil
		s.publishSnapshot()

	case actClose:
		s.log.Info().Msg("closing session")
		s.teardown(nil)
		s.publishSnapshot()
		return true
	}
	return false
}

// applyTrackFlag mutates local enabled flags only; it never renegotiates
// or re-requests a token.
func (s *Session) applyTrackFlag(kind core.TrackKind, on bool) {
	if p := s.localParticipant(); p != nil {
		p.AudioOn = s.audioOn
		p.VideoOn = s.videoOn
	}
	if s.conn != nil && s.st == StateActivePublisher {
		s.conn.SetTrackEnabled(kind, on)
	}
	s.publishSnapshot()
}

func (s *Session) handleFeed(ch core.RoomChange) {
	if ch.Status != nil && *ch.Status == domain.RoomEnded {
		// Terminal regardless of current state, including mid-join.
		s.store.Apply(ch)
		s.log.Info().Msg("room ended, exiting session")
		s.teardown(domain.ErrRoomEnded)
		s.publishSnapshot()
		return
	}
	if s.st == StateRequestingToken || s.st == StateConnecting || s.st == StateLeaving {
		// Never interrupt an in-flight join; applied on reaching Active.
		s.buffered = append(s.buffered, ch)
		return
	}
	if s.store.Apply(ch) {
		s.publishSnapshot()
	}
}

func (s *Session) flushBuffered() {
	for _, ch := range s.buffered {
		s.store.Apply(ch)
	}
	s.buffered = nil
}

func (s *Session) handleToken(ev tokenEvent) {
	if ev.epoch != s.epoch {
		return
	}
	if ev.err != nil {
		s.log.Warn().Err(ev.err).Msg("token request failed")
		switch {
		case errors.Is(ev.err, domain.ErrUnauthenticated):
			s.teardown(ev.err)
		case ev.intent == intentPromote:
			s.setLocalPublish(domain.PublishViewer)
			s.warning = ev.err
		case ev.intent == intentReconnect:
			s.teardown(fmt.Errorf("%w: %v", domain.ErrDisconnected, ev.err))
		default:
			s.st = StateUnjoined
			s.warning = ev.err
			s.promoteQueued = false
			s.flushBuffered()
		}
		s.publishSnapshot()
		return
	}

	if ev.intent == intentPromote {
		// Promote without reconnect: reuse the existing connection.
		if s.conn == nil || s.st != StateActiveViewer {
			s.setLocalPublish(domain.PublishViewer)
			return
		}
		s.startPublish(ev.token)
		return
	}

	// Fresh connection: at most one per room per client, so any
	// previous transport must be gone before dialing the next.
	if s.conn != nil {
		s.conn.Disconnect()
		s.conn = nil
	}
	if ev.intent != intentReconnect {
		s.st = StateConnecting
	}
	s.conn = s.cfg.Dialer.Dial(s.cfg.Room, s.cfg.Identity)
	s.startConnect(ev.intent, ev.token)
	s.publishSnapshot()
}

func (s *Session) handleConnect(ev connectEvent) {
	if ev.epoch != s.epoch {
		return
	}
	if ev.err != nil {
		s.log.Warn().Err(ev.err).Msg("transport connect failed")
		if ev.intent != intentReconnect && !s.reconnected {
			// One automatic retry with a fresh token.
			s.reconnected = true
			if s.conn != nil {
				s.conn.Disconnect()
				s.conn = nil
			}
			s.st = StateRequestingToken
			s.requestToken(ev.intent, ev.token.Capability)
			s.publishSnapshot()
			return
		}
		s.teardown(fmt.Errorf("%w: %v", domain.ErrDisconnected, ev.err))
		s.publishSnapshot()
		return
	}

	s.pumpTransport(s.conn)
	s.ensureLocal()

	wantPublish := ev.intent == intentPublisher ||
		(ev.intent == intentReconnect && ev.token.CanPublish())
	if wantPublish {
		s.setLocalPublish(domain.PublishPending)
		s.startPublish(ev.token)
		s.publishSnapshot()
		return
	}
	s.becomeActive(StateActiveViewer)
}

func (s *Session) handlePublish(ev publishEvent) {
	if ev.epoch != s.epoch {
		return
	}
	if ev.err != nil {
		// Device or publish failure degrades to viewer; the connection
		// and room membership survive.
		s.log.Warn().Err(ev.err).Msg("publish failed, degrading to viewer")
		s.warning = ev.err
		s.setLocalPublish(domain.PublishViewer)
		s.becomeActive(StateActiveViewer)
		return
	}
	s.setLocalPublish(domain.Publishing)
	if s.conn != nil {
		if !s.audioOn {
			s.conn.SetTrackEnabled(core.TrackAudio, false)
		}
		if !s.videoOn {
			s.conn.SetTrackEnabled(core.TrackVideo, false)
		}
	}
	s.becomeActive(StateActivePublisher)
}

// becomeActive settles into a stable Active state, applies room changes
// buffered during the join and starts a promotion requested while the
// join was still in flight.
func (s *Session) becomeActive(st State) {
	s.st = st
	s.flushBuffered()
	s.log.Info().Str("state", st.String()).Msg("session active")
	if st == StateActiveViewer && s.promoteQueued {
		s.setLocalPublish(domain.PublishPending)
		s.requestToken(intentPromote, domain.CapabilityPublish)
	}
	s.promoteQueued = false
	s.publishSnapshot()
}

func (s *Session) handleTransport(ev transportEvent) {
	if ev.epoch != s.epoch {
		return
	}
	switch ev.ev.Kind {
	case core.RemoteTrackAdded:
		s.observeTrack(ev.ev.Participant, ev.ev.Track)
		s.publishSnapshot()
	case core.RemoteTrackRemoved:
		s.dropTrack(ev.ev.Participant, ev.ev.Track.ID)
		s.publishSnapshot()
	case core.TransportClosed:
		s.handleTransportClosed()
	}
}

func (s *Session) handleTransportClosed() {
	if !s.st.active() {
		return
	}
	wasPublisher := s.st == StateActivePublisher
	s.conn = nil // the transport closed itself; nothing left to release
	s.clearRemote()
	if s.reconnected {
		s.log.Warn().Msg("transport lost again, giving up")
		s.teardown(domain.ErrDisconnected)
		s.publishSnapshot()
		return
	}
	s.reconnected = true
	s.st = StateLeaving
	s.log.Info().Bool("publisher", wasPublisher).Msg("transport lost, reconnecting once")
	capability := domain.CapabilitySubscribeOnly
	if wasPublisher {
		capability = domain.CapabilityPublish
	}
	s.requestToken(intentReconnect, capability)
	s.publishSnapshot()
}

// teardown releases everything in the required order: change feed first,
// then unpublish, then transport. Every step tolerates being run twice
// or on resources that never finished setting up.
func (s *Session) teardown(fatal error) {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Unpublish()
		s.conn.Disconnect()
		s.conn = nil
	}
	s.epoch++ // invalidate in-flight token/connect/publish completions
	s.clearRemote()
	s.buffered = nil
	s.promoteQueued = false
	s.st = StateUnjoined
	if fatal != nil && s.fatal == nil {
		s.fatal = fatal
	}
}

func (s *Session) clearRemote() {
	s.participants = nil
	s.tracks = make(map[domain.ParticipantID][]core.TrackRef)
}

// --- async operations; results come back as loop events ---

func (s *Session) requestToken(it intent, capability domain.Capability) {
	ep := s.epoch
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.TokenTimeout)
		defer cancel()
		token, err := s.cfg.Broker.RequestToken(ctx, s.cfg.Room, s.cfg.Identity, capability)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTokenUnavailable) {
			err = fmt.Errorf("%w: request timed out", domain.ErrTokenUnavailable)
		}
		s.post(tokenEvent{epoch: ep, intent: it, token: token, err: err})
	}()
}

func (s *Session) startConnect(it intent, token *domain.MediaToken) {
	ep := s.epoch
	conn := s.conn
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ConnectTimeout)
		defer cancel()
		err := conn.Connect(ctx, token)
		s.post(connectEvent{epoch: ep, intent: it, token: token, err: err})
	}()
}

func (s *Session) startPublish(token *domain.MediaToken) {
	ep := s.epoch
	conn := s.conn
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ConnectTimeout)
		defer cancel()
		err := conn.Publish(ctx, token)
		s.post(publishEvent{epoch: ep, err: err})
	}()
}

// pumpTransport forwards media events into the loop until the
// connection's event channel closes.
func (s *Session) pumpTransport(conn core.MediaConnection) {
	ep := s.epoch
	go func() {
		for ev := range conn.Events() {
			s.post(transportEvent{epoch: ep, ev: ev})
		}
	}()
}

// --- loop-owned participant bookkeeping ---

func (s *Session) localParticipant() *domain.Participant {
	for i := range s.participants {
		if s.participants[i].ID == s.cfg.Identity {
			return &s.participants[i]
		}
	}
	return nil
}

func (s *Session) ensureLocal() *domain.Participant {
	if p := s.localParticipant(); p != nil {
		return p
	}
	s.participants = append(s.participants, domain.Participant{
		ID:      s.cfg.Identity,
		Publish: domain.PublishViewer,
		AudioOn: s.audioOn,
		VideoOn: s.videoOn,
	})
	return &s.participants[len(s.participants)-1]
}

func (s *Session) setLocalPublish(ps domain.PublishState) {
	s.ensureLocal().Publish = ps
}

// observeTrack records a remote participant's track, registering the
// participant in first-observed order on its first track.
func (s *Session) observeTrack(id domain.ParticipantID, track core.TrackRef) {
	var found *domain.Participant
	for i := range s.participants {
		if s.participants[i].ID == id {
			found = &s.participants[i]
			break
		}
	}
	if found == nil {
		s.participants = append(s.participants, domain.Participant{ID: id})
		found = &s.participants[len(s.participants)-1]
	}
	found.Publish = domain.Publishing
	for _, t := range s.tracks[id] {
		if t.ID == track.ID {
			return
		}
	}
	s.tracks[id] = append(s.tracks[id], track)
}

// dropTrack forgets one remote track. The participant keeps its seat
// and publisher standing as long as any other track survives.
func (s *Session) dropTrack(id domain.ParticipantID, trackID string) {
	kept := s.tracks[id][:0]
	for _, t := range s.tracks[id] {
		if t.ID != trackID {
			kept = append(kept, t)
		}
	}
	if len(kept) > 0 {
		s.tracks[id] = kept
		return
	}
	delete(s.tracks, id)
	for i := range s.participants {
		if s.participants[i].ID == id {
			s.participants[i].Publish = domain.PublishViewer
			break
		}
	}
}

// --- snapshot publication ---

func (s *Session) buildSnapshot() Snapshot {
	room := s.store.Room()
	participants := make([]domain.Participant, len(s.participants))
	copy(participants, s.participants)
	return Snapshot{
		State:   s.st,
		Room:    room,
		Seats:   core.AllocateSeats(room, participants, s.cfg.Identity, s.tracks),
		AudioOn: s.audioOn,
		VideoOn: s.videoOn,
		Warning: s.warning,
		Err:     s.fatal,
	}
}

// publishSnapshot coalesces: the channel always holds the newest state.
func (s *Session) publishSnapshot() {
	snap := s.buildSnapshot()
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	for {
		select {
		case s.updates <- snap:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}
