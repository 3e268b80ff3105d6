package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds how long a signed service token is accepted.
const DefaultTokenTTL = 5 * time.Minute

// TokenSigner issues short-lived service tokens for one pharmacy.
type TokenSigner struct {
	key        []byte
	pharmacyID string
	audience   string
	ttl        time.Duration
	now        func() time.Time
}

func NewTokenSigner(key []byte, pharmacyID, audience string) *TokenSigner {
	return &TokenSigner{key: key, pharmacyID: pharmacyID, audience: audience, ttl: DefaultTokenTTL, now: time.Now}
}

func (s *TokenSigner) Sign() (string, error) {
	now := s.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    s.pharmacyID,
		Subject:   s.pharmacyID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return tok, nil
}
