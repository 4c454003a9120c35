package actor

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medflow/provenance-backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestTokenParser_Parse(t *testing.T) {
	p := NewTokenParser("s3cret", "medflow")
	now := time.Now()

	valid := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "medflow",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email: "qa@example.com",
		Role:  "qa",
	}

	a, err := p.Parse(sign(t, "s3cret", valid))
	require.NoError(t, err)
	assert.Equal(t, "user-42", a.ID)
	assert.Equal(t, "qa@example.com", a.Email)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := p.Parse(sign(t, "other", valid))
		assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	})

	t.Run("expired", func(t *testing.T) {
		expired := valid
		expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
		_, err := p.Parse(sign(t, "s3cret", expired))
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := valid
		other.Issuer = "elsewhere"
		_, err := p.Parse(sign(t, "s3cret", other))
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		anon := valid
		anon.Subject = ""
		_, err := p.Parse(sign(t, "s3cret", anon))
		assert.Error(t, err)
	})
}

func TestNewTokenParser_EmptySecretDisables(t *testing.T) {
	assert.Nil(t, NewTokenParser("", "medflow"))
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def")
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)

	tok, ok = BearerToken("bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	_, ok = BearerToken("Basic Zm9v")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Equal(t, SystemID, IDFromContext(ctx))

	ctx = WithActor(ctx, &Actor{ID: "user-1"})
	assert.Equal(t, "user-1", IDFromContext(ctx))
	assert.False(t, FromContext(ctx).IsSystem())
	assert.True(t, SystemActor().IsSystem())
}
