// Package auth supplies bearer credentials for sync sessions and verifies
// them on the server side. Tokens are HMAC-signed JWTs carrying the actor id
// and display name.
package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when no credential is available. A session
// must not retry connecting until the caller re-authenticates.
var ErrNotAuthenticated = errors.New("not authenticated")

// Identity is the authenticated actor carried in a token.
type Identity struct {
	ActorID string
	Name    string
}

// TokenSource supplies the bearer credential attached to every connect.
type TokenSource interface {
	// Token returns the current credential, or ErrNotAuthenticated.
	Token() (string, error)
	// ActorID returns the local actor id for the credential.
	ActorID() string
	// IsAuthenticated reports whether a credential is currently available.
	IsAuthenticated() bool
}

// StaticTokenSource holds a fixed token, typically issued at login.
type StaticTokenSource struct {
	token   string
	actorID string
}

// NewStaticTokenSource creates a token source around an issued token.
func NewStaticTokenSource(token, actorID string) *StaticTokenSource {
	return &StaticTokenSource{token: token, actorID: actorID}
}

func (s *StaticTokenSource) Token() (string, error) {
	if s.token == "" {
		return "", ErrNotAuthenticated
	}
	return s.token, nil
}

func (s *StaticTokenSource) ActorID() string { return s.actorID }

func (s *StaticTokenSource) IsAuthenticated() bool { return s.token != "" }

// Verifier issues and verifies actor tokens with a shared HMAC secret.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier creates a verifier. A zero ttl issues tokens valid for 24h.
func NewVerifier(secret []byte, ttl time.Duration) *Verifier {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{secret: secret, ttl: ttl}
}

// Issue creates a signed token for an actor.
func (v *Verifier) Issue(id Identity) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"actor_id": id.ActorID,
		"name":     id.Name,
		"iat":      now.Unix(),
		"exp":      now.Add(v.ttl).Unix(),
	})
	return token.SignedString(v.secret)
}

// Verify checks a token's signature and expiry and returns the identity.
func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	token, err := gojwt.Parse(tokenStr, func(t *gojwt.Token) (any, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("verify token: invalid claims")
	}
	id := Identity{}
	if actorID, ok := claims["actor_id"].(string); ok {
		id.ActorID = actorID
	}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if id.ActorID == "" {
		return Identity{}, fmt.Errorf("verify token: missing actor_id claim")
	}
	return id, nil
}
