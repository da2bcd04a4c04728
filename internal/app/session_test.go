package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seatwire/seatwire/internal/app"
	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// --- fakes ---

type fakeBroker struct {
	mu       sync.Mutex
	err      error
	block    chan struct{} // when non-nil, requests hang until closed or ctx expires
	requests []domain.Capability
}

func (b *fakeBroker) RequestToken(ctx context.Context, room domain.RoomID, identity domain.ParticipantID, capability domain.Capability) (*domain.MediaToken, error) {
	b.mu.Lock()
	b.requests = append(b.requests, capability)
	block := b.block
	err := b.err
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &domain.MediaToken{Room: room, Identity: identity, Capability: capability, Value: "tok"}, nil
}

func (b *fakeBroker) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBroker) capabilities() []domain.Capability {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Capability, len(b.requests))
	copy(out, b.requests)
	return out
}

type fakeSub struct{ feed *fakeFeed }

func (s fakeSub) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.unsubscribes++
	s.feed.cb = nil
}

type fakeFeed struct {
	mu           sync.Mutex
	cb           func(core.RoomChange)
	unsubscribes int
}

func (f *fakeFeed) Subscribe(ctx context.Context, room domain.RoomID, onChange func(core.RoomChange)) (core.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = onChange
	return fakeSub{feed: f}, nil
}

func (f *fakeFeed) push(ch core.RoomChange) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(ch)
	}
}

func (f *fakeFeed) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

type fakeConn struct {
	dialer *fakeDialer

	mu          sync.Mutex
	events      chan core.MediaEvent
	closed      bool
	connected   bool
	connects    int
	publishes   int
	unpublishes int
	disconnects int
}

func (c *fakeConn) Connect(ctx context.Context, token *domain.MediaToken) error {
	c.dialer.mu.Lock()
	block := c.dialer.connectBlock
	err := c.dialer.connectErr
	c.dialer.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrConnectFailed, ctx.Err())
		}
	}
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.dialer.trackConnect()
	return nil
}

func (c *fakeConn) Publish(ctx context.Context, token *domain.MediaToken) error {
	c.dialer.mu.Lock()
	err := c.dialer.publishErr
	c.dialer.mu.Unlock()
	c.mu.Lock()
	c.publishes++
	c.mu.Unlock()
	return err
}

func (c *fakeConn) Unpublish() {
	c.mu.Lock()
	c.unpublishes++
	c.mu.Unlock()
}

func (c *fakeConn) SetTrackEnabled(kind core.TrackKind, enabled bool) {}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	already := c.closed
	wasConnected := c.connected
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	if already {
		return
	}
	close(c.events)
	if wasConnected {
		c.dialer.trackDisconnect()
	}
}

func (c *fakeConn) Events() <-chan core.MediaEvent { return c.events }

func (c *fakeConn) emitTrack(id domain.ParticipantID, trackID string) {
	c.events <- core.MediaEvent{
		Kind:        core.RemoteTrackAdded,
		Participant: id,
		Track:       core.TrackRef{Participant: id, Kind: core.TrackVideo, ID: trackID},
	}
}

func (c *fakeConn) emitTrackEnd(id domain.ParticipantID, trackID string) {
	c.events <- core.MediaEvent{
		Kind:        core.RemoteTrackRemoved,
		Participant: id,
		Track:       core.TrackRef{Participant: id, Kind: core.TrackVideo, ID: trackID},
	}
}

// lose simulates the transport dropping from the far side.
func (c *fakeConn) lose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	c.events <- core.MediaEvent{Kind: core.TransportClosed}
	close(c.events)
	if wasConnected {
		c.dialer.trackDisconnect()
	}
}

type fakeDialer struct {
	mu           sync.Mutex
	conns        []*fakeConn
	connectErr   error
	publishErr   error
	connectBlock chan struct{}
	active       int
	maxActive    int
}

func (d *fakeDialer) Dial(room domain.RoomID, identity domain.ParticipantID) core.MediaConnection {
	c := &fakeConn{dialer: d, events: make(chan core.MediaEvent, 16)}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDialer) trackConnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
}

func (d *fakeDialer) trackDisconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active--
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// --- helpers ---

type fixture struct {
	broker *fakeBroker
	dialer *fakeDialer
	feed   *fakeFeed
	sess   *app.Session
	cancel context.CancelFunc
}

func newFixture(t *testing.T, mutate func(cfg *app.Config)) *fixture {
	t.Helper()
	f := &fixture{broker: &fakeBroker{}, dialer: &fakeDialer{}, feed: &fakeFeed{}}
	cfg := app.Config{
		Room:     "court-1",
		Identity: "me",
		Broker:   f.broker,
		Dialer:   f.dialer,
		Feed:     f.feed,
		Initial:  domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.sess = app.NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	require.NoError(t, f.sess.Start(ctx))
	t.Cleanup(cancel)
	return f
}

func waitFor(t *testing.T, s *app.Session, cond func(app.Snapshot) bool) app.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		snap := s.Snapshot()
		if cond(snap) {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("condition not reached, state=%s warning=%v err=%v", snap.State, snap.Warning, snap.Err)
		case <-s.Updates():
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitState(t *testing.T, s *app.Session, want app.State) app.Snapshot {
	t.Helper()
	return waitFor(t, s, func(snap app.Snapshot) bool { return snap.State == want })
}

// --- tests ---

func TestInitialJoinBecomesViewer(t *testing.T) {
	f := newFixture(t, nil)

	snap := waitState(t, f.sess, app.StateActiveViewer)

	assert.Equal(t, 0, snap.Seats.OccupiedCount(), "a viewer holds no seat")
	assert.Equal(t, 1, f.dialer.dialCount())
	assert.NoError(t, snap.Warning)
	assert.NoError(t, snap.Err)
	f.sess.Close()
}

func TestJoinAsPublisherPromotesWithoutReconnect(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)

	f.sess.JoinAsPublisher()
	snap := waitState(t, f.sess, app.StateActivePublisher)

	assert.Equal(t, 1, f.dialer.dialCount(), "promotion must reuse the existing connection")
	require.Equal(t, 1, snap.Seats.OccupiedCount())
	assert.Equal(t, domain.ParticipantID("me"), snap.Seats[0].Participant.ID)
	f.sess.Close()
}

func TestJoinAsPublisherDuringJoinPromotesOnceSettled(t *testing.T) {
	block := make(chan struct{})
	f := &fixture{broker: &fakeBroker{block: block}, dialer: &fakeDialer{}, feed: &fakeFeed{}}
	sess := app.NewSession(app.Config{
		Room: "court-1", Identity: "me",
		Broker: f.broker, Dialer: f.dialer, Feed: f.feed,
		Initial: domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Start(ctx))

	// The viewer join is parked on the broker when the promote arrives.
	waitState(t, sess, app.StateRequestingToken)
	sess.JoinAsPublisher()
	close(block)

	snap := waitState(t, sess, app.StateActivePublisher)
	assert.Equal(t, 1, f.dialer.dialCount(), "promotion must reuse the join's connection")
	assert.Equal(t, []domain.Capability{domain.CapabilitySubscribeOnly, domain.CapabilityPublish},
		f.broker.capabilities(), "viewer token first, then a publish token for the promotion")
	require.Equal(t, 1, snap.Seats.OccupiedCount())
	assert.Equal(t, domain.ParticipantID("me"), snap.Seats[0].Participant.ID)
	sess.Close()
}

func TestTokenFailureLeavesUnjoinedWithWarning(t *testing.T) {
	broker := &fakeBroker{err: fmt.Errorf("%w: upstream 500", domain.ErrTokenUnavailable)}
	sess := app.NewSession(app.Config{
		Room: "court-1", Identity: "me",
		Broker: broker, Dialer: &fakeDialer{}, Feed: &fakeFeed{},
		Initial: domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Start(ctx))

	snap := waitFor(t, sess, func(s app.Snapshot) bool { return s.Warning != nil })
	assert.Equal(t, app.StateUnjoined, snap.State)
	assert.ErrorIs(t, snap.Warning, domain.ErrTokenUnavailable)
	assert.NoError(t, snap.Err, "token unavailability is not fatal")
	sess.Close()
}

func TestTokenTimeoutSurfacesTokenUnavailable(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &fixture{broker: &fakeBroker{block: block}, dialer: &fakeDialer{}, feed: &fakeFeed{}}
	sess := app.NewSession(app.Config{
		Room: "court-1", Identity: "me",
		Broker: f.broker, Dialer: f.dialer, Feed: f.feed,
		Initial:      domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
		TokenTimeout: 30 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Start(ctx))

	snap := waitFor(t, sess, func(s app.Snapshot) bool { return s.Warning != nil })
	assert.Equal(t, app.StateUnjoined, snap.State, "must not park in RequestingToken")
	assert.ErrorIs(t, snap.Warning, domain.ErrTokenUnavailable)
	sess.Close()
}

func TestUnauthenticatedIsFatal(t *testing.T) {
	f := &fixture{broker: &fakeBroker{err: domain.ErrUnauthenticated}, dialer: &fakeDialer{}, feed: &fakeFeed{}}
	sess := app.NewSession(app.Config{
		Room: "court-1", Identity: "me",
		Broker: f.broker, Dialer: f.dialer, Feed: f.feed,
		Initial: domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Start(ctx))

	snap := waitFor(t, sess, func(s app.Snapshot) bool { return s.Err != nil })
	assert.ErrorIs(t, snap.Err, domain.ErrUnauthenticated)
	assert.GreaterOrEqual(t, f.feed.unsubscribeCount(), 1, "fatal errors release the subscription")
	sess.Close()
}

func TestDevicePublishFailureDegradesToViewer(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)

	f.dialer.mu.Lock()
	f.dialer.publishErr = fmt.Errorf("%w: camera permission denied", domain.ErrDeviceUnavailable)
	f.dialer.mu.Unlock()

	f.sess.JoinAsPublisher()
	snap := waitFor(t, f.sess, func(s app.Snapshot) bool { return s.Warning != nil })

	assert.Equal(t, app.StateActiveViewer, snap.State)
	assert.ErrorIs(t, snap.Warning, domain.ErrDeviceUnavailable)
	assert.Equal(t, 0, f.dialer.conn(0).disconnects, "the session survives in viewer mode")
	f.sess.Close()
}

func TestRapidJoinLeaveNeverHoldsTwoConnections(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)

	for i := 0; i < 10; i++ {
		f.sess.JoinAsPublisher()
		f.sess.LeaveSeat()
	}
	f.sess.JoinAsPublisher()
	waitState(t, f.sess, app.StateActivePublisher)
	f.sess.Close()

	f.dialer.mu.Lock()
	defer f.dialer.mu.Unlock()
	assert.LessOrEqual(t, f.dialer.maxActive, 1, "never two concurrent transport connections")
}

func TestCloseBeforeTokenResolvesIsClean(t *testing.T) {
	block := make(chan struct{})
	f := &fixture{broker: &fakeBroker{block: block}, dialer: &fakeDialer{}, feed: &fakeFeed{}}
	sess := app.NewSession(app.Config{
		Room: "court-1", Identity: "me",
		Broker: f.broker, Dialer: f.dialer, Feed: f.feed,
		Initial: domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Start(ctx))

	waitFor(t, sess, func(s app.Snapshot) bool { return s.State == app.StateRequestingToken })
	sess.Close()
	assert.GreaterOrEqual(t, f.feed.unsubscribeCount(), 1, "no dangling subscription")

	before := sess.Snapshot()
	close(block) // token resolves after close
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before.State, sess.Snapshot().State, "no state updates after close")
	assert.Equal(t, 0, f.dialer.dialCount(), "stale token must not open a transport")
}

func TestRoomEndedWhilePublisherTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)
	f.sess.JoinAsPublisher()
	waitState(t, f.sess, app.StateActivePublisher)

	ended := domain.RoomEnded
	f.feed.push(core.RoomChange{Status: &ended})

	snap := waitFor(t, f.sess, func(s app.Snapshot) bool { return s.Err != nil })
	assert.ErrorIs(t, snap.Err, domain.ErrRoomEnded)
	assert.Equal(t, app.StateUnjoined, snap.State)
	assert.GreaterOrEqual(t, f.feed.unsubscribeCount(), 1)
	assert.GreaterOrEqual(t, f.dialer.conn(0).disconnects, 1)
	f.sess.Close()
}

func TestRoomChangesBufferedDuringJoin(t *testing.T) {
	connectBlock := make(chan struct{})
	f := &fixture{
		broker: &fakeBroker{},
		dialer: &fakeDialer{connectBlock: connectBlock},
		feed:   &fakeFeed{},
	}
	sess := app.NewSession(app.Config{
		Room: "court-1", Identity: "me",
		Broker: f.broker, Dialer: f.dialer, Feed: f.feed,
		Initial: domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Start(ctx))
	waitState(t, sess, app.StateConnecting)

	capacity := 4
	f.feed.push(core.RoomChange{Capacity: &capacity})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sess.Snapshot().Room.Capacity, "change held back while connecting")

	close(connectBlock)
	snap := waitState(t, sess, app.StateActiveViewer)
	assert.Equal(t, 4, snap.Room.Capacity, "buffered change applied on reaching Active")
	assert.Len(t, snap.Seats, 4)
	sess.Close()
}

func TestCapacityGrowthKeepsOccupantSeat(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)

	f.dialer.conn(0).emitTrack("remote-1", "t1")
	snap := waitFor(t, f.sess, func(s app.Snapshot) bool { return s.Seats.OccupiedCount() == 1 })
	require.Len(t, snap.Seats, 2)
	require.Equal(t, domain.ParticipantID("remote-1"), snap.Seats[0].Participant.ID)

	capacity := 4
	f.feed.push(core.RoomChange{Capacity: &capacity})
	snap = waitFor(t, f.sess, func(s app.Snapshot) bool { return len(s.Seats) == 4 })
	assert.Equal(t, 1, snap.Seats.OccupiedCount())
	assert.Equal(t, domain.ParticipantID("remote-1"), snap.Seats[0].Participant.ID, "occupant keeps its seat index")
	f.sess.Close()
}

func TestTrackRemovalOnlyDropsThatTrack(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)

	conn := f.dialer.conn(0)
	conn.emitTrack("remote-1", "t1")
	conn.emitTrack("remote-1", "t2")
	snap := waitFor(t, f.sess, func(s app.Snapshot) bool {
		return s.Seats.OccupiedCount() == 1 && len(s.Seats[0].Tracks) == 2
	})
	require.Equal(t, domain.ParticipantID("remote-1"), snap.Seats[0].Participant.ID)

	// Losing one of two tracks must not unseat the participant.
	conn.emitTrackEnd("remote-1", "t1")
	snap = waitFor(t, f.sess, func(s app.Snapshot) bool {
		return s.Seats.OccupiedCount() == 1 && len(s.Seats[0].Tracks) == 1
	})
	assert.Equal(t, "t2", snap.Seats[0].Tracks[0].ID)

	conn.emitTrackEnd("remote-1", "t2")
	waitFor(t, f.sess, func(s app.Snapshot) bool { return s.Seats.OccupiedCount() == 0 })
	f.sess.Close()
}

func TestTransportLossReconnectsOnceThenFatal(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)
	require.Equal(t, 1, f.broker.requestCount())

	f.dialer.conn(0).lose()
	waitFor(t, f.sess, func(s app.Snapshot) bool {
		return s.State == app.StateActiveViewer && f.dialer.dialCount() == 2
	})
	assert.Equal(t, 2, f.broker.requestCount(), "reconnect uses a fresh token")

	f.dialer.conn(1).lose()
	snap := waitFor(t, f.sess, func(s app.Snapshot) bool { return s.Err != nil })
	assert.ErrorIs(t, snap.Err, domain.ErrDisconnected)
	assert.Equal(t, 2, f.dialer.dialCount(), "only one automatic reconnect")
	f.sess.Close()
}

func TestLeaveSeatKeepsRoomMembership(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)
	f.sess.JoinAsPublisher()
	waitState(t, f.sess, app.StateActivePublisher)

	f.sess.LeaveSeat()
	snap := waitState(t, f.sess, app.StateActiveViewer)

	conn := f.dialer.conn(0)
	conn.mu.Lock()
	unpublishes, disconnects := conn.unpublishes, conn.disconnects
	conn.mu.Unlock()
	assert.GreaterOrEqual(t, unpublishes, 1)
	assert.Equal(t, 0, disconnects, "leaving a seat must not leave the room")
	assert.Equal(t, 0, snap.Seats.OccupiedCount())
	f.sess.Close()
}

func TestTogglesNeverTouchBrokerOrTransport(t *testing.T) {
	f := newFixture(t, nil)
	waitState(t, f.sess, app.StateActiveViewer)
	requests := f.broker.requestCount()

	f.sess.ToggleAudio()
	f.sess.ToggleVideo()
	snap := waitFor(t, f.sess, func(s app.Snapshot) bool { return !s.AudioOn && !s.VideoOn })

	assert.False(t, snap.AudioOn)
	assert.False(t, snap.VideoOn)
	assert.Equal(t, requests, f.broker.requestCount(), "toggles never re-request a token")
	assert.Equal(t, 1, f.dialer.dialCount(), "toggles never reconnect")
	f.sess.Close()
}

func TestConnectFailureRetriesOnceWithFreshToken(t *testing.T) {
	f := &fixture{
		broker: &fakeBroker{},
		dialer: &fakeDialer{connectErr: errors.New("ice failed")},
		feed:   &fakeFeed{},
	}
	sess := app.NewSession(app.Config{
		Room: "court-1", Identity: "me",
		Broker: f.broker, Dialer: f.dialer, Feed: f.feed,
		Initial: domain.Room{ID: "court-1", Capacity: 2, Status: domain.RoomActive},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Start(ctx))

	snap := waitFor(t, sess, func(s app.Snapshot) bool { return s.Err != nil })
	assert.ErrorIs(t, snap.Err, domain.ErrDisconnected)
	assert.Equal(t, 2, f.broker.requestCount(), "exactly one automatic retry with a fresh token")
	assert.Equal(t, 2, f.dialer.dialCount())
	sess.Close()
}
