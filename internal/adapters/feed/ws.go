package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// WSFeed subscribes over a websocket: one socket per open room view,
// delivering partial record payloads whenever any actor updates the
// backing record.
type WSFeed struct {
	baseURL    string
	pingPeriod time.Duration
	log        zerolog.Logger
}

// NewWSFeed takes the feed endpoint base; the room id is appended as a
// path segment on subscribe.
func NewWSFeed(baseURL string, pingPeriod time.Duration) *WSFeed {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &WSFeed{
		baseURL:    baseURL,
		pingPeriod: pingPeriod,
		log:        log.With().Str("module", "adapters.feed").Logger(),
	}
}

func (f *WSFeed) Subscribe(ctx context.Context, room domain.RoomID, onChange func(core.RoomChange)) (core.Subscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.baseURL+"/"+string(room), nil)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{conn: conn, cancel: cancel}
	logger := f.log.With().Str("room", string(room)).Logger()

	go func() {
		defer sub.Unsubscribe()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				logger.Info().Err(err).Msg("feed read closed")
				return
			}
			ch, err := decodeChange(data)
			if err != nil {
				logger.Warn().Err(err).Msg("bad feed payload")
				continue
			}
			if sub.released() {
				return
			}
			onChange(ch)
		}
	}()

	go func() {
		ticker := time.NewTicker(f.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	logger.Info().Msg("subscribed to room changes")
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu   sync.Mutex
	done bool
}

// Unsubscribe is safe to call multiple times. No new deliveries begin
// after it returns; an onChange call already in flight on the read
// goroutine may still complete.
func (s *wsSubscription) Unsubscribe() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.cancel()
	_ = s.conn.Close()
}

func (s *wsSubscription) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
