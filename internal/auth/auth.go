// Package auth verifies the platform-issued JWT bearer tokens that identify
// users to the chat core. Token issuance lives in the main platform; this
// package only validates signatures and extracts the user id.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flavourstalk/chat-core/internal/chaterr"
)

// Verifier validates HS256 bearer tokens signed with the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// UserID validates the token and returns the user id from its subject claim.
func (v *Verifier) UserID(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", chaterr.Unauthorizedf("invalid token")
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", chaterr.Unauthorizedf("token has no subject")
	}
	return sub, nil
}

// FromHeader extracts the token from an Authorization header value.
func FromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", chaterr.Unauthorizedf("missing bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}
