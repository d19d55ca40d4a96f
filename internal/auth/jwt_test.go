package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	InitJWTKey([]byte("test-secret"))

	userID := uuid.NewString()
	token, expiry, err := GenerateToken(userID, "Alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), expiry, time.Minute)

	claims, err := ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)
}

func TestGenerateTokenRejectsBadUserIDs(t *testing.T) {
	InitJWTKey([]byte("test-secret"))

	_, _, err := GenerateToken("", "Alice")
	assert.Error(t, err)

	_, _, err = GenerateToken("not-a-uuid", "Alice")
	assert.Error(t, err)
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	InitJWTKey([]byte("first-secret"))
	token, _, err := GenerateToken(uuid.NewString(), "Alice")
	require.NoError(t, err)

	InitJWTKey([]byte("second-secret"))
	_, err = ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	InitJWTKey([]byte("test-secret"))

	claims := &JWTClaims{
		UserID:      uuid.NewString(),
		DisplayName: "Alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	InitJWTKey([]byte("test-secret"))

	_, err := ValidateToken("")
	assert.Error(t, err)

	_, err = ValidateToken("header.payload.signature")
	assert.Error(t, err)
}
