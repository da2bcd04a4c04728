// roomcli joins a room headlessly and prints the seat layout as it
// changes. It is the reference consumer of the session package.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/adapters/feed"
	"github.com/seatwire/seatwire/internal/adapters/media"
	"github.com/seatwire/seatwire/internal/adapters/token"
	"github.com/seatwire/seatwire/internal/app"
	"github.com/seatwire/seatwire/internal/config"
	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

func main() {
	roomID := flag.String("room", "", "room id to join")
	identity := flag.String("identity", "", "participant identity (minted when empty)")
	publish := flag.Bool("publish", false, "request a seat after joining")
	credential := flag.String("credential", "", "bearer credential (fetched from devstack when empty)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if *roomID == "" {
		log.Fatal().Msg("-room is required")
	}

	baseURL := strings.TrimSuffix(cfg.TokenEndpoint, "/api/livekit-token")
	cred := *credential
	id := domain.ParticipantID(*identity)
	if cred == "" {
		cred, id, err = devLogin(ctx, baseURL, *identity)
		if err != nil {
			log.Fatal().Err(err).Msg("dev login failed")
		}
		log.Info().Str("identity", string(id)).Msg("minted dev credential")
	}

	initial, err := fetchRoom(ctx, baseURL, cred, domain.RoomID(*roomID))
	if err != nil {
		log.Fatal().Err(err).Str("room", *roomID).Msg("failed to load room")
	}

	changeFeed, err := buildFeed(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build change feed")
	}

	sess := app.NewSession(app.Config{
		Room:     domain.RoomID(*roomID),
		Identity: id,
		Broker: token.NewBroker(token.BrokerConfig{
			Endpoint: cfg.TokenEndpoint,
		}, token.StaticCredentials(cred)),
		Dialer: media.NewDialer(media.Config{
			SignalURL:  cfg.SignalURL,
			WebRTC:     media.DefaultWebRTCConfig(),
			PingPeriod: cfg.PingPeriod,
		}, nil),
		Feed:           changeFeed,
		Initial:        initial,
		TokenTimeout:   cfg.TokenTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}
	if *publish {
		sess.JoinAsPublisher()
	}

	go func() {
		<-ctx.Done()
		sess.Close()
	}()

	for snap := range sess.Updates() {
		render(snap)
		if snap.Err != nil {
			log.Error().Err(snap.Err).Msg("session over")
			break
		}
	}
	sess.Close()
}

func buildFeed(cfg *config.Config) (core.ChangeFeed, error) {
	switch cfg.FeedDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return feed.NewRedisFeed(client, cfg.RedisPrefix), nil
	case "ws", "":
		return feed.NewWSFeed(cfg.FeedURL, cfg.PingPeriod), nil
	}
	return nil, fmt.Errorf("unknown feed driver %q", cfg.FeedDriver)
}

func devLogin(ctx context.Context, baseURL, identity string) (string, domain.ParticipantID, error) {
	body, _ := json.Marshal(map[string]string{"identity": identity})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/auth/dev", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}
	var payload struct {
		Token    string `json:"token"`
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", err
	}
	return payload.Token, domain.ParticipantID(payload.Identity), nil
}

func fetchRoom(ctx context.Context, baseURL, cred string, id domain.RoomID) (domain.Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/rooms/"+string(id), nil)
	if err != nil {
		return domain.Room{}, err
	}
	req.Header.Set("Authorization", "Bearer "+cred)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return domain.Room{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Room{}, fmt.Errorf("room endpoint returned %d", resp.StatusCode)
	}
	var payload struct {
		ID       string            `json:"id"`
		Capacity int               `json:"capacity"`
		Status   string            `json:"status"`
		Roles    map[string]string `json:"role_assignments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Room{}, err
	}
	room := domain.Room{
		ID:        domain.RoomID(payload.ID),
		Capacity:  payload.Capacity,
		Status:    domain.RoomStatus(payload.Status),
		Roles:     domain.RoleMap{},
		CreatedAt: time.Now(),
	}
	for role, holder := range payload.Roles {
		room.Roles[domain.Role(role)] = domain.ParticipantID(holder)
	}
	return room, nil
}

func render(snap app.Snapshot) {
	fmt.Printf("\n[%s] room=%s status=%s occupied=%d/%d\n",
		snap.State, snap.Room.ID, snap.Room.Status, snap.Seats.OccupiedCount(), len(snap.Seats))
	for i, seat := range snap.Seats {
		label := string(seat.Role)
		if label == "" {
			label = "open"
		}
		who := "empty"
		if seat.Occupied() {
			who = fmt.Sprintf("%s (mic=%v cam=%v)", seat.Participant.ID, seat.Participant.AudioOn, seat.Participant.VideoOn)
		}
		fmt.Printf("  seat %d [%s] %s\n", i, label, who)
	}
	if snap.Warning != nil {
		fmt.Printf("  ! %v\n", snap.Warning)
	}
}
