package token

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Claims is the subset of access-token claims the client relies on.
type Claims struct {
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Roles     []string
}

// Codec decodes access tokens into Claims.
type Codec interface {
	// Decode returns ErrMalformedToken (wrapped) when the claims are unreadable.
	Decode(token string) (Claims, error)
}

// Kind names a Codec variant in configuration.
type Kind string

const (
	// KindJWT selects JWTCodec.
	KindJWT Kind = "jwt"
	// KindPaseto selects PasetoCodec.
	KindPaseto Kind = "paseto"
)

// ParseKind normalizes a configured codec name. Empty selects KindJWT.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindJWT, nil
	case KindJWT, KindPaseto:
		return k, nil
	default:
		return "", ErrConfig
	}
}

// New builds the codec named by kind. publicKeyHex is only used for PASETO.
func New(kind Kind, publicKeyHex string) (Codec, error) {
	k, err := ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	if k == KindPaseto {
		return NewPasetoCodec(publicKeyHex)
	}
	return NewJWTCodec(), nil
}

// IsExpired reports whether token must be treated as expired at now.
//
// Tokens that fail to decode, or that carry no expiry, are expired.
// skew shortens the validity window so a token about to lapse is not sent.
func IsExpired(c Codec, token string, now time.Time, skew time.Duration) bool {
	if c == nil || strings.TrimSpace(token) == "" {
		return true
	}
	claims, err := c.Decode(token)
	if err != nil {
		return true
	}
	if claims.ExpiresAt.IsZero() {
		return true
	}
	return !claims.ExpiresAt.After(now.Add(skew))
}

// ExpiresAt returns the token expiry, or the zero time when it cannot be read.
func ExpiresAt(c Codec, token string) time.Time {
	if c == nil {
		return time.Time{}
	}
	claims, err := c.Decode(token)
	if err != nil {
		return time.Time{}
	}
	return claims.ExpiresAt
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, non-reversible identifier for a token, safe for logs.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	return HashSHA256Hex(token)[:12]
}
