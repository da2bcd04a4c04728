// Package token talks to the external authorization service that mints
// room-scoped media credentials.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seatwire/seatwire/internal/core"
	"github.com/seatwire/seatwire/internal/domain"
)

// StaticCredentials is a CredentialSource backed by a fixed bearer
// credential, typical for headless clients.
type StaticCredentials string

func (c StaticCredentials) Credential(ctx context.Context) (string, error) {
	return string(c), nil
}

type BrokerConfig struct {
	Endpoint string
	// Attempts bounds retries on retriable failures; Backoff separates
	// them. Unauthenticated responses are never retried.
	Attempts int
	Backoff  time.Duration
}

type Broker struct {
	cfg    BrokerConfig
	creds  core.CredentialSource
	client *http.Client
	log    zerolog.Logger
}

func NewBroker(cfg BrokerConfig, creds core.CredentialSource) *Broker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Broker{
		cfg:    cfg,
		creds:  creds,
		client: &http.Client{},
		log:    log.With().Str("module", "adapters.token").Logger(),
	}
}

type tokenRequest struct {
	Room       string `json:"room"`
	Identity   string `json:"identity"`
	Capability string `json:"capability"`
}

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// RequestToken implements core.TokenBroker. A missing or rejected local
// credential fails with domain.ErrUnauthenticated; every other failure
// mode (HTTP error, malformed payload, missing token field, timeout)
// wraps domain.ErrTokenUnavailable so callers can continue viewer-only.
func (b *Broker) RequestToken(ctx context.Context, room domain.RoomID, identity domain.ParticipantID, capability domain.Capability) (*domain.MediaToken, error) {
	cred, err := b.creds.Credential(ctx)
	if err != nil || cred == "" {
		return nil, domain.ErrUnauthenticated
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, ctx.Err())
			case <-time.After(b.cfg.Backoff):
			}
		}
		tok, err := b.request(ctx, cred, room, identity, capability)
		if err == nil {
			return tok, nil
		}
		if domain.Fatal(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		b.log.Warn().Err(err).Int("attempt", attempt).Str("room", string(room)).Msg("token request failed")
	}
	return nil, lastErr
}

func (b *Broker) request(ctx context.Context, cred string, room domain.RoomID, identity domain.ParticipantID, capability domain.Capability) (*domain.MediaToken, error) {
	body, err := json.Marshal(tokenRequest{
		Room:       string(room),
		Identity:   string(identity),
		Capability: string(capability),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrTokenUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: endpoint returned %d", domain.ErrTokenUnavailable, resp.StatusCode)
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", domain.ErrTokenUnavailable, err)
	}
	if payload.Token == "" {
		return nil, fmt.Errorf("%w: response missing token field", domain.ErrTokenUnavailable)
	}

	b.logExpiry(payload.Token, room)
	return &domain.MediaToken{
		Room:       room,
		Identity:   identity,
		Capability: capability,
		Value:      payload.Token,
	}, nil
}

// logExpiry peeks at the token's exp claim without verifying it. The
// token stays opaque to the coordinator; this is debugging aid only.
func (b *Broker) logExpiry(raw string, room domain.RoomID) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return
	}
	if claims.ExpiresAt != nil {
		b.log.Debug().
			Str("room", string(room)).
			Time("expires_at", claims.ExpiresAt.Time).
			Msg("token granted")
	}
}
