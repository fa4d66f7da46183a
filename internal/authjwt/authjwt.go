// Package authjwt issues and validates the app JWT used to authenticate
// /ws/app connections and the REST surface's bearer tokens. Grounded on
// the teacher's jwt.go key-handling and sign/verify shape, narrowed from
// per-connection ES256 keys to a single server-wide HS256 secret (JWT_SECRET),
// matching the single-admin-login model described for the server broker.
package authjwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims for an authenticated app connection.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// tokenTTL is how long an issued app JWT remains valid.
const tokenTTL = 24 * time.Hour

// IssueAppJWT signs an HS256 JWT for username using secret.
func IssueAppJWT(secret []byte, username string) (string, time.Time, error) {
	exp := time.Now().Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// ValidateAppJWT verifies an HS256 JWT against secret and returns its claims.
func ValidateAppJWT(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	return claims, nil
}
