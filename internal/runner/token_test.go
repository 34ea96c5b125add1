// ABOUTME: Tests for gateway bearer token signing and verification
// ABOUTME: Covers caching, refresh near expiry, and rejection of bad tokens

package runner

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSource_SignsAndVerifies(t *testing.T) {
	secret := []byte("test-secret")
	src := NewTokenSource(secret, "echo-router", time.Minute)

	token, err := src.Token()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	sub, err := VerifyToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "echo-router", sub)
}

func TestTokenSource_CachesUntilNearExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := NewTokenSource([]byte("k"), "echo-router", 2*time.Minute)
	src.now = func() time.Time { return now }

	first, err := src.Token()
	require.NoError(t, err)

	now = now.Add(time.Minute)
	second, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(45 * time.Second)
	third, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "re-signed inside the refresh window")
}

func TestTokenSource_EmptySecretDisablesAuth(t *testing.T) {
	token, err := NewTokenSource(nil, "echo-router", 0).Token()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestVerifyToken_Failures(t *testing.T) {
	secret := []byte("k")

	_, err := VerifyToken(secret, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewTokenSource([]byte("other"), "x", time.Minute).Token()
	require.NoError(t, err)
	_, err = VerifyToken(secret, other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = VerifyToken(secret, expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	nosub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = VerifyToken(secret, nosub)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
