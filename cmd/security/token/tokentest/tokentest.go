// Package tokentest mints access tokens for tests.
package tokentest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// SigningKey is the HMAC key used for test JWTs. Clients never verify it.
var SigningKey = []byte("modeler-test-signing-key-0123456789")

// JWT returns an HS256 JWT for subject expiring at exp, carrying roles.
// Every call yields a distinct token.
func JWT(t testing.TB, subject string, exp time.Time, roles ...string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Add(-time.Minute).Unix(),
		"exp": exp.Unix(),
		"jti": ulid.Make().String(),
	}
	if len(roles) > 0 {
		rs := make([]any, 0, len(roles))
		for _, r := range roles {
			rs = append(rs, r)
		}
		claims["roles"] = rs
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(SigningKey)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

// JWTWithClaims signs arbitrary claims, for malformed-claim cases.
func JWTWithClaims(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(SigningKey)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}
