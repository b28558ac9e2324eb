// Package auth verifies handshake credentials. Credential issuance is
// owned by an external identity service; the relay only checks what that
// service signed.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/schoolride/relay/pkg/state"
)

// ErrInvalidToken rejects a credential that does not verify. The caller
// closes the connection; no session is ever created for it.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified result of a handshake credential.
type Identity struct {
	UserID string
	Role   state.Role
}

// Verifier checks a bearer credential and returns the identity it proves.
// This is the relay's only synchronous outward call; it happens exactly
// once per connection, at handshake time.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the token claim set issued by the identity service.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

var _ Verifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidToken)
	}

	role, err := parseRole(claims.Role)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.Subject, Role: role}, nil
}

func parseRole(raw string) (state.Role, error) {
	switch state.Role(raw) {
	case state.RoleParent, state.RoleDriver, state.RoleAdmin:
		return state.Role(raw), nil
	case "":
		// tokens issued before roles existed default to parent
		return state.RoleParent, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, raw)
	}
}
