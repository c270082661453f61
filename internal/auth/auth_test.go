package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("secret", "luke")
	require.NoError(t, err)

	sub, err := ValidateJWT("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "luke", sub)

	_, err = ValidateJWT("other-secret", token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = ValidateJWT("secret", "not-a-token")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestJWTExpired(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "luke",
		IssuedAt:  jwt.NewNumericDate(past),
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = ValidateJWT("secret", token)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("force")
	require.NoError(t, err)
	assert.True(t, CheckPasswordHash("force", hash))
	assert.False(t, CheckPasswordHash("dark side", hash))
}
