package annostore

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims carries both the registered claims and the field names the
// annotation stores read (consumerKey, userId, issuedAt, ttl).
type TokenClaims struct {
	ConsumerKey string `json:"consumerKey"`
	UserID      string `json:"userId"`
	IssuedAt    string `json:"issuedAt"`
	TTL         int64  `json:"ttl"`
	jwt.RegisteredClaims
}

// MintToken signs a short-lived HS256 token: subject is the principal,
// issuer the store API key.
func MintToken(apiKey, secret, principalID string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("annotation store secret is not configured")
	}
	now = now.UTC()
	claims := TokenClaims{
		ConsumerKey: apiKey,
		UserID:      principalID,
		IssuedAt:    now.Format(time.RFC3339),
		TTL:         int64(ttl / time.Second),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    apiKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
