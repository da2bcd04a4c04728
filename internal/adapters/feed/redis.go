package feed

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// RedisFeed delivers room-record changes over Redis pub/sub, for
// deployments where the backing store publishes row changes to a
// channel per record instead of exposing a websocket.
type RedisFeed struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

func NewRedisFeed(client *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = "room-changes:"
	}
	return &RedisFeed{
		client: client,
		prefix: prefix,
		log:    log.With().Str("module", "adapters.feed.redis").Logger(),
	}
}

// ChannelFor exposes the naming scheme to publishers (the dev harness).
func (f *RedisFeed) ChannelFor(room domain.RoomID) string {
	return f.prefix + string(room)
}

func (f *RedisFeed) Subscribe(ctx context.Context, room domain.RoomID, onChange func(core.RoomChange)) (core.Subscription, error) {
	pubsub := f.client.Subscribe(ctx, f.ChannelFor(room))
	// Force the subscription onto the wire before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{pubsub: pubsub}
	logger := f.log.With().Str("room", string(room)).Logger()

	go func() {
		for msg := range pubsub.Channel() {
			ch, err := decodeChange([]byte(msg.Payload))
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

	logger.Info().Msg("subscribed to room changes")
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub

	mu   sync.Mutex
	done bool
}

func (s *redisSubscription) Unsubscribe() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	_ = s.pubsub.Close()
}

func (s *redisSubscription) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
