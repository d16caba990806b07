package gateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoomClaims identifies the room and the acting device carried by a room
// token.
type RoomClaims struct {
	Room  string `json:"room"`
	Actor string `json:"actor,omitempty"`
	jwt.RegisteredClaims
}

// ParseRoomToken extracts the claims of a room token. The signature is
// verified by the server; the client only reads the claims to learn its
// room and actor identity.
func ParseRoomToken(token string, now time.Time) (RoomClaims, error) {
	var claims RoomClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return RoomClaims{}, fmt.Errorf("parse room token: %w", err)
	}
	if claims.Room == "" {
		return RoomClaims{}, fmt.Errorf("room token has no room claim")
	}
	if claims.Actor == "" {
		claims.Actor = claims.Subject
	}
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
		return RoomClaims{}, fmt.Errorf("room token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return claims, nil
}
