// Package actor identifies the user or system performing an action. Every
// ledger entry records the actor that caused it.
package actor

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medflow/provenance-backend/pkg/errors"
)

// SystemID is recorded for actions no user initiated, e.g. event consumers.
const SystemID = "system"

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the unique identifier of the actor (user ID)
	ID string `json:"id"`

	Email    string `json:"email,omitempty"`
	RoleName string `json:"role_name,omitempty"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return SystemID
	}
	if a.Email == "" {
		return a.ID
	}
	return fmt.Sprintf("%s (%s)", a.ID, a.Email)
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	return a == nil || a.ID == SystemID
}

// SystemActor returns an Actor representing the system itself.
func SystemActor() *Actor {
	return &Actor{ID: SystemID}
}

type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context, or nil.
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// IDFromContext returns the actor id, or SystemID when none is attached.
func IDFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil && a.ID != "" {
		return a.ID
	}
	return SystemID
}

// Claims is the subset of the gateway-issued access token read here.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TokenParser reads the actor from an HMAC-signed bearer token.
type TokenParser struct {
	secret []byte
	issuer string
}

// NewTokenParser returns nil when secret is empty, which disables bearer tokens.
func NewTokenParser(secret, issuer string) *TokenParser {
	if secret == "" {
		return nil
	}
	return &TokenParser{secret: []byte(secret), issuer: issuer}
}

// Parse validates the token and returns its subject as an Actor.
func (p *TokenParser) Parse(tokenString string) (*Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Unauthorized("invalid bearer token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.Unauthorized("invalid bearer token")
	}

	return &Actor{ID: claims.Subject, Email: claims.Email, RoleName: claims.Role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
