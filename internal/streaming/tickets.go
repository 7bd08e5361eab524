package streaming

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TicketIssuer mints and validates short-lived room-scoped SSE tickets.
// EventSource cannot set headers, so browsers authenticate the stream with
// a ticket minted over the authenticated API instead.
type TicketIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTicketIssuer creates an issuer signing with the given secret.
func NewTicketIssuer(secret string, ttl time.Duration) *TicketIssuer {
	return &TicketIssuer{secret: []byte(secret), ttl: ttl}
}

type ticketClaims struct {
	RoomID int64 `json:"room_id"`
	jwt.RegisteredClaims
}

// Mint issues a ticket for one room.
func (t *TicketIssuer) Mint(roomID int64) (string, error) {
	now := time.Now()
	claims := ticketClaims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			Subject:   "sse",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Validate checks the ticket and returns the room it grants.
func (t *TicketIssuer) Validate(ticket string) (int64, error) {
	var claims ticketClaims
	token, err := jwt.ParseWithClaims(ticket, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, fmt.Errorf("invalid ticket")
	}
	return claims.RoomID, nil
}
