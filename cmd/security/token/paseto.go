package token

import (
	"fmt"
	"strings"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoCodec verifies PASETO v4.public access tokens and extracts their claims.
//
// Expiry is read, not enforced, so callers can distinguish "expired" from "forged".
type PasetoCodec struct {
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoCodec builds a codec from a hex-encoded Ed25519 public key.
func NewPasetoCodec(publicKeyHex string) (*PasetoCodec, error) {
	publicKeyHex = strings.TrimSpace(publicKeyHex)
	if publicKeyHex == "" {
		return nil, ErrConfig
	}
	pub, err := paseto.NewV4AsymmetricPublicKeyFromHex(publicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoCodec{public: pub}, nil
}

// Decode implements Codec.
func (c *PasetoCodec) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMalformedToken
	}

	// Fresh parser per call; rules must not accumulate across decodes.
	p := paseto.NewParserWithoutExpiryCheck()
	parsed, err := p.ParseV4Public(c.public, token, nil)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	out := Claims{}
	if exp, err := parsed.GetExpiration(); err == nil {
		out.ExpiresAt = exp.UTC()
	}
	if iat, err := parsed.GetIssuedAt(); err == nil {
		out.IssuedAt = iat.UTC()
	}
	out.Issuer, _ = parsed.GetIssuer()

	out.Subject, _ = parsed.GetSubject()
	if out.Subject == "" {
		out.Subject, _ = parsed.GetString("uid")
	}

	var roles []string
	if err := parsed.Get("roles", &roles); err == nil {
		out.Roles = roles
	}

	return out, nil
}
