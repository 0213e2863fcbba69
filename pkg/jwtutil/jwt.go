package jwtutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the typ claim
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// ErrWrongTokenType is returned when a refresh token is presented where an
// access token is expected, or vice versa
var ErrWrongTokenType = errors.New("wrong token type")

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SigningKey      string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// UserClaims represents the JWT claims for user authentication
type UserClaims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	IsStaff  bool   `json:"is_staff,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is what signup, login and refresh hand back to clients
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Subject identifies the user a token pair is issued for
type Subject struct {
	UserID   uint
	Username string
	Role     string
	IsStaff  bool
}

// JWTUtil is a utility for JWT token operations
type JWTUtil struct {
	config *JWTConfig
	now    func() time.Time
}

// NewJWTUtil creates a new JWT utility with the given configuration
func NewJWTUtil(config *JWTConfig) *JWTUtil {
	return &JWTUtil{
		config: config,
		now:    time.Now,
	}
}

// GeneratePair issues a short-lived access token and a longer-lived refresh token
func (j *JWTUtil) GeneratePair(sub Subject) (*TokenPair, error) {
	access, err := j.generate(sub, TypeAccess, j.config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := j.generate(sub, TypeRefresh, j.config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

func (j *JWTUtil) generate(sub Subject, tokenType string, ttl time.Duration) (string, error) {
	if j.config == nil || j.config.SigningKey == "" {
		return "", errors.New("JWT configuration not provided")
	}

	now := j.now()
	claims := UserClaims{
		UserID:   sub.UserID,
		Username: sub.Username,
		Role:     sub.Role,
		IsStaff:  sub.IsStaff,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", sub.UserID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.config.SigningKey))
}

// ValidateAccessToken parses an access token
func (j *JWTUtil) ValidateAccessToken(tokenString string) (*UserClaims, error) {
	return j.validate(tokenString, TypeAccess)
}

// ValidateRefreshToken parses a refresh token
func (j *JWTUtil) ValidateRefreshToken(tokenString string) (*UserClaims, error) {
	return j.validate(tokenString, TypeRefresh)
}

func (j *JWTUtil) validate(tokenString, tokenType string) (*UserClaims, error) {
	if j.config == nil {
		return nil, errors.New("JWT configuration not provided")
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&UserClaims{},
		func(token *jwt.Token) (interface{}, error) {
			// Validate the signing method
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(j.config.SigningKey), nil
		},
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Type != tokenType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
