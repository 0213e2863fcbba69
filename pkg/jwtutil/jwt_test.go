package jwtutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUtil() *JWTUtil {
	return NewJWTUtil(&JWTConfig{
		SigningKey:      "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
}

func TestGeneratePairRoundTrip(t *testing.T) {
	j := newTestUtil()
	pair, err := j.GeneratePair(Subject{UserID: 7, Username: "alice", Role: "VENDOR", IsStaff: true})
	require.NoError(t, err)

	claims, err := j.ValidateAccessToken(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "VENDOR", claims.Role)
	assert.True(t, claims.IsStaff)

	refresh, err := j.ValidateRefreshToken(pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, refresh.Type)
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	j := newTestUtil()
	pair, err := j.GeneratePair(Subject{UserID: 1, Username: "bob", Role: "CUSTOMER"})
	require.NoError(t, err)

	_, err = j.ValidateAccessToken(pair.Refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, err = j.ValidateRefreshToken(pair.Access)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestExpiredAccessToken(t *testing.T) {
	j := newTestUtil()
	issued := time.Now().Add(-2 * time.Minute)
	j.now = func() time.Time { return issued }
	pair, err := j.GeneratePair(Subject{UserID: 1, Username: "bob", Role: "CUSTOMER"})
	require.NoError(t, err)

	j.now = time.Now
	_, err = j.ValidateAccessToken(pair.Access)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = j.ValidateRefreshToken(pair.Refresh)
	assert.NoError(t, err)
}

func TestRejectsForeignSignature(t *testing.T) {
	pair, err := newTestUtil().GeneratePair(Subject{UserID: 1, Username: "bob", Role: "CUSTOMER"})
	require.NoError(t, err)

	other := NewJWTUtil(&JWTConfig{SigningKey: "another-secret", AccessTokenTTL: time.Minute})
	_, err = other.ValidateAccessToken(pair.Access)
	assert.Error(t, err)
}
