package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/seatwire/seatwire/internal/domain"
)

// Claims is the dev token shape: the subject is the participant
// identity, scoped to exactly one room and one capability.
type Claims struct {
	Room       string `json:"room"`
	Capability string `json:"capability"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// Issuer mints and verifies HS256 media tokens for the dev harness and
// tests. Production deployments use the media provider's own issuer.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) Mint(room domain.RoomID, identity domain.ParticipantID, capability domain.Capability) (string, error) {
	now := time.Now()
	claims := Claims{
		Room:       string(room),
		Capability: string(capability),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
