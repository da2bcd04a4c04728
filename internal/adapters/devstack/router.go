package devstack

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/adapters/token"
	"github.com/seatwire/seatwire/internal/domain"
)

type RouterConfig struct {
	Mode          string
	Secret        string
	TokenTTL      time.Duration
	ClaimLimit    int
	ClaimInterval time.Duration
}

// Server ties the store, the feed hub and the token issuer behind one
// gin engine.
type Server struct {
	store   *Store
	hub     *Hub
	issuer  *token.Issuer
	limiter *ClaimRateLimiter
}

func NewServer(cfg RouterConfig) *Server {
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 5
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 10 * time.Second
	}
	hub := NewHub()
	return &Server{
		store:   NewStore(hub.Broadcast),
		hub:     hub,
		issuer:  token.NewIssuer(cfg.Secret, cfg.TokenTTL),
		limiter: NewClaimRateLimiter(cfg.ClaimLimit, cfg.ClaimInterval),
	}
}

func (s *Server) Store() *Store { return s.store }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev harness only; browsers are not a target client.
	CheckOrigin: func(*http.Request) bool { return true },
}

func SetupRouter(cfg RouterConfig, s *Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "devstack").Msg("router setup")

	api := r.Group("/api")
	api.POST("/auth/dev", s.handleDevAuth)

	authed := api.Group("")
	authed.Use(s.authMiddleware())
	authed.POST("/livekit-token", s.handleMediaToken)
	authed.POST("/rooms", s.handleCreateRoom)
	authed.GET("/rooms/:id", s.handleGetRoom)
	authed.PATCH("/rooms/:id", s.handlePatchRoom)
	authed.POST("/rooms/:id/roles/:role/claim", s.handleClaimRole)
	authed.DELETE("/rooms/:id/roles/:role", s.handleReleaseRole)

	api.GET("/ws/rooms/:id", s.handleFeed)
	api.GET("/ws/signal", s.handleSignal)

	return r
}

// handleDevAuth mints an identity credential with no room scope. This
// replaces the hosted auth provider during development.
func (s *Server) handleDevAuth(c *gin.Context) {
	var req struct {
		Identity string `json:"identity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	id, err := domain.NewParticipantID(req.Identity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := s.issuer.Mint("", id, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mint failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "identity": string(id)})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" || raw == c.GetHeader("Authorization") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.issuer.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("identity", claims.Subject)
		c.Next()
	}
}

func identityOf(c *gin.Context) domain.ParticipantID {
	return domain.ParticipantID(c.GetString("identity"))
}

func (s *Server) handleMediaToken(c *gin.Context) {
	var req struct {
		Room       string `json:"room"`
		Identity   string `json:"identity"`
		Capability string `json:"capability"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if domain.ParticipantID(req.Identity) != identityOf(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "identity mismatch"})
		return
	}
	capability := domain.Capability(req.Capability)
	switch capability {
	case domain.CapabilityPublish, domain.CapabilitySubscribeOnly:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown capability"})
		return
	}
	room, _, err := s.store.Room(domain.RoomID(req.Room))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if room.Ended() {
		c.JSON(http.StatusGone, gin.H{"error": "room ended"})
		return
	}
	tok, err := s.issuer.Mint(room.ID, identityOf(c), capability)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mint failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req struct {
		ID       string `json:"id"`
		Capacity int    `json:"capacity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Capacity == 0 {
		req.Capacity = domain.MinCapacity
	}
	room, err := s.store.CreateRoom(domain.RoomID(req.ID), req.Capacity)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrBadCapacity) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, roomJSON(room, 1))
}

func (s *Server) handleGetRoom(c *gin.Context) {
	room, rev, err := s.store.Room(domain.RoomID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, roomJSON(room, rev))
}

func (s *Server) handlePatchRoom(c *gin.Context) {
	var req struct {
		Status   *string `json:"status"`
		Capacity *int    `json:"capacity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	id := domain.RoomID(c.Param("id"))
	if req.Status != nil {
		if err := s.store.SetStatus(id, domain.RoomStatus(*req.Status)); err != nil {
			c.JSON(patchStatusCode(err), gin.H{"error": err.Error()})
			return
		}
	}
	if req.Capacity != nil {
		if err := s.store.SetCapacity(id, *req.Capacity); err != nil {
			c.JSON(patchStatusCode(err), gin.H{"error": err.Error()})
			return
		}
	}
	room, rev, err := s.store.Room(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, roomJSON(room, rev))
}

func (s *Server) handleClaimRole(c *gin.Context) {
	who := identityOf(c)
	if !s.limiter.Allow(who) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many claim attempts"})
		return
	}
	created, err := s.store.ClaimRole(domain.RoomID(c.Param("id")), domain.Role(c.Param("role")), who)
	if err != nil {
		status := http.StatusConflict
		switch {
		case errors.Is(err, ErrRoomNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrRoomOver):
			status = http.StatusGone
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created, "is_owner": true})
}

func (s *Server) handleReleaseRole(c *gin.Context) {
	err := s.store.ReleaseRole(domain.RoomID(c.Param("id")), domain.Role(c.Param("role")), identityOf(c))
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (s *Server) handleFeed(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, _, err := s.store.Room(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "devstack").Msg("feed upgrade")
		return
	}
	log.Info().Str("module", "devstack").Str("room", string(id)).Msg("feed subscriber attached")
	s.hub.Attach(id, conn)
}

func roomJSON(room domain.Room, rev int64) gin.H {
	roles := make(map[string]string, len(room.Roles))
	for role, id := range room.Roles {
		roles[string(role)] = string(id)
	}
	return gin.H{
		"id":               string(room.ID),
		"capacity":         room.Capacity,
		"status":           string(room.Status),
		"role_assignments": roles,
		"revision":         rev,
	}
}

func patchStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRoomOver):
		return http.StatusGone
	case errors.Is(err, ErrBadCapacity), errors.Is(err, ErrBadStatus):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
