// Package app owns the session lifecycle: one controller per open room
// view, composing the token broker, media transport and change feed into
// a single observable state machine.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// State is the lifecycle of a session controller.
type State int

const (
	StateUnjoined State = iota
	StateRequestingToken
	StateConnecting
	StateActiveViewer
	StateActivePublisher
	StateLeaving // leaving or reconnecting; transient
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateRequestingToken:
		return "requesting-token"
	case StateConnecting:
		return "connecting"
	case StateActiveViewer:
		return "active-viewer"
	case StateActivePublisher:
		return "active-publisher"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

func (s State) active() bool {
	return s == StateActiveViewer || s == StateActivePublisher
}

// Snapshot is the read-only view handed to the owning UI. Err non-nil
// means fatal: the view must exit. Warning is recoverable and
// dismissable; the session continues in viewer capability.
type Snapshot struct {
	State   State
	Room    domain.Room
	Seats   core.SeatAssignment
	AudioOn bool
	VideoOn bool
	Warning error
	Err     error
}

// Config carries the session's collaborators and bounds.
type Config struct {
	Room     domain.RoomID
	Identity domain.ParticipantID

	Broker core.TokenBroker
	Dialer core.MediaDialer
	Feed   core.ChangeFeed

	// Initial is the room projection loaded before mounting the view.
	Initial domain.Room

	// TokenTimeout and ConnectTimeout bound the two suspension points of
	// a join so the machine never parks in RequestingToken/Connecting.
	TokenTimeout   time.Duration
	ConnectTimeout time.Duration
}

const (
	defaultTokenTimeout   = 15 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Session is the lifecycle controller. All state transitions happen on
// the run goroutine; exported methods only post events and read
// snapshots, so they are safe from any goroutine.
type Session struct {
	cfg    Config
	log    zerolog.Logger
	runCtx context.Context

	events  chan event
	updates chan Snapshot
	done    chan struct{}

	// Everything below is owned by the run goroutine.
	st            State
	store         *core.RoomStateStore
	sub           core.Subscription
	conn          core.MediaConnection
	epoch         int
	participants  []domain.Participant
	tracks        map[domain.ParticipantID][]core.TrackRef
	buffered      []core.RoomChange
	audioOn       bool
	videoOn       bool
	warning       error
	fatal         error
	reconnected   bool
	promoteQueued bool

	mu   sync.RWMutex
	snap Snapshot
}

func NewSession(cfg Config) *Session {
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = defaultTokenTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	s := &Session{
		cfg: cfg,
		log: log.With().
			Str("module", "app.session").
			Str("room", string(cfg.Room)).
			Str("identity", string(cfg.Identity)).
			Logger(),
		events:  make(chan event, 64),
		updates: make(chan Snapshot, 1),
		done:    make(chan struct{}),
		st:      StateUnjoined,
		store:   core.NewRoomStateStore(cfg.Initial),
		tracks:  make(map[domain.ParticipantID][]core.TrackRef),
		audioOn: true,
		videoOn: true,
	}
	s.snap = s.buildSnapshot()
	return s
}

// Start subscribes to the change feed, launches the run loop and begins
// the initial viewer join. The subscription error is returned so the
// caller can refuse to mount a view that would never learn about room
// changes.
func (s *Session) Start(ctx context.Context) error {
	sub, err := s.cfg.Feed.Subscribe(ctx, s.cfg.Room, func(ch core.RoomChange) {
		s.post(feedEvent{change: ch})
	})
	if err != nil {
		return err
	}
	s.sub = sub

	go s.run(ctx)
	s.post(actionEvent{act: actJoinViewer})
	return nil
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Updates delivers coalesced snapshots; slow readers only ever miss
// intermediate states, never the latest one. The channel closes when
// the session finishes.
func (s *Session) Updates() <-chan Snapshot { return s.updates }

// JoinAsPublisher requests a publish-capability token and promotes the
// session. Valid from Unjoined and Active(Viewer); while a join is in
// flight the request is held and applied once the session settles as
// viewer. Failure degrades back to viewer with a warning, never aborts
// the whole session.
func (s *Session) JoinAsPublisher() { s.post(actionEvent{act: actJoinPublisher}) }

// LeaveSeat unpublishes local tracks and demotes to Active(Viewer)
// without disconnecting from the room.
func (s *Session) LeaveSeat() { s.post(actionEvent{act: actLeaveSeat}) }

// ToggleAudio flips the local audio enabled flag only. It never
// re-requests a token or reconnects.
func (s *Session) ToggleAudio() { s.post(actionEvent{act: actToggleAudio}) }

// ToggleVideo flips the local video enabled flag only.
func (s *Session) ToggleVideo() { s.post(actionEvent{act: actToggleVideo}) }

// DismissWarning clears the current recoverable warning.
func (s *Session) DismissWarning() { s.post(actionEvent{act: actDismissWarning}) }

// Close tears the session down: feed unsubscribed, tracks unpublished,
// transport disconnected, in that order. Valid any time after a
// successful Start, repeatedly, including mid-join.
func (s *Session) Close() {
	s.post(actionEvent{act: actClose})
	<-s.done
}

// post hands an event to the run loop, dropping it when the loop has
// already exited. Actions arriving after Close go nowhere.
func (s *Session) post(e event) {
	select {
	case <-s.done:
	case s.events <- e:
	}
}
