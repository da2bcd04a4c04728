package devstack

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/adapters/feed"
	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// feedConn wraps one subscriber socket with a bounded send queue so a
// slow reader cannot stall the broadcast path.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newFeedConn(conn *websocket.Conn) *feedConn {
	return &feedConn{conn: conn, send: make(chan []byte, 16)}
}

// TrySend drops the payload when the queue is full; the subscriber will
// resync from its next delivered revision.
func (c *feedConn) TrySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *feedConn) Close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *feedConn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// Hub fans room changes out to every websocket subscribed to that room.
type Hub struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[*feedConn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]map[*feedConn]struct{})}
}

// Attach takes ownership of the socket: it registers the subscriber,
// starts the pumps and blocks until the peer goes away.
func (h *Hub) Attach(room domain.RoomID, conn *websocket.Conn) {
	fc := newFeedConn(conn)
	h.mu.Lock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[*feedConn]struct{})
		h.rooms[room] = subs
	}
	subs[fc] = struct{}{}
	h.mu.Unlock()

	go fc.writePump()

	// Drain reads to service ping/pong and detect disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.rooms[room], fc)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	h.mu.Unlock()
	fc.Close()
}

func (h *Hub) Broadcast(room domain.RoomID, ch core.RoomChange) {
	data, err := feed.EncodeChange(ch)
	if err != nil {
		log.Error().Err(err).Str("module", "devstack").Msg("encode change")
		return
	}
	h.mu.Lock()
	conns := make([]*feedConn, 0, len(h.rooms[room]))
	for fc := range h.rooms[room] {
		conns = append(conns, fc)
	}
	h.mu.Unlock()
	for _, fc := range conns {
		if !fc.TrySend(data) {
			log.Warn().Str("module", "devstack").Str("room", string(room)).Msg("slow feed subscriber, dropping change")
		}
	}
}

func (h *Hub) Subscribers(room domain.RoomID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}
