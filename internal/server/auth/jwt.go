// Package auth turns already issued access tokens into principals.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the user id and role next to the registered claims. Admin
// is parsed only so that it can be dropped: tokens never grant admin scope.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
}

// GenerateToken signs an HS256 access token for userID.
func GenerateToken(userID, role string, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		UserID: userID,
		Role:   role,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ParseToken verifies tokenString and returns the principal it names.
// Every failure matches common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (principal.Principal, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return principal.Principal{}, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}

	if !token.Valid || strings.TrimSpace(claims.UserID) == "" {
		return principal.Principal{}, common.ErrInvalidToken
	}

	return principal.Principal{ID: claims.UserID, Role: claims.Role}, nil
}
