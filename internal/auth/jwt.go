package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// JWTValidator verifies HS256 bearer tokens issued by the auth service.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator constructs a validator using the shared signing secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// ValidateToken returns the user id carried in the "user_id" or "sub" claim.
func (v *JWTValidator) ValidateToken(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claimUserID(claims)
	if userID <= 0 {
		return 0, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return userID, nil
}

func claimUserID(claims jwt.MapClaims) int64 {
	switch v := claims["user_id"].(type) {
	case float64:
		return int64(v)
	case string:
		id, _ := strconv.ParseInt(v, 10, 64)
		return id
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0
	}
	id, _ := strconv.ParseInt(sub, 10, 64)
	return id
}

// Sign issues a token for userID. Used by the client CLI in development and by tests.
func (v *JWTValidator) Sign(userID int64, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = strconv.FormatInt(userID, 10)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// UserIDUnverified reads the user id from token without checking the signature.
// Clients use it to pick their notification room; the server still validates.
func UserIDUnverified(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID := claimUserID(claims)
	if userID <= 0 {
		return 0, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return userID, nil
}
