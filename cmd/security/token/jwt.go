package token

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTCodec reads JWT claims without signature verification.
type JWTCodec struct {
	parser *jwt.Parser
}

// NewJWTCodec returns a codec for the backend's JWT access tokens.
func NewJWTCodec() *JWTCodec {
	return &JWTCodec{parser: jwt.NewParser(jwt.WithoutClaimsValidation())}
}

// Decode implements Codec.
func (c *JWTCodec) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMalformedToken
	}

	mc := jwt.MapClaims{}
	if _, _, err := c.parser.ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	out := Claims{}
	// A present-but-invalid claim is malformed; an absent one is left zero.
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}
	iat, err := mc.GetIssuedAt()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: iat: %v", ErrMalformedToken, err)
	}
	if iat != nil {
		out.IssuedAt = iat.Time.UTC()
	}
	if out.Subject, err = mc.GetSubject(); err != nil {
		return Claims{}, fmt.Errorf("%w: sub: %v", ErrMalformedToken, err)
	}
	if out.Issuer, err = mc.GetIssuer(); err != nil {
		return Claims{}, fmt.Errorf("%w: iss: %v", ErrMalformedToken, err)
	}
	out.Roles = rolesClaim(mc["roles"])
	if len(out.Roles) == 0 {
		out.Roles = rolesClaim(mc["authorities"])
	}

	return out, nil
}

// rolesClaim accepts ["ADMIN"], [{"name":"ADMIN"}] and [{"authority":"ROLE_ADMIN"}].
func rolesClaim(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch r := it.(type) {
		case string:
			out = append(out, r)
		case map[string]any:
			for _, k := range []string{"name", "authority"} {
				if s, ok := r[k].(string); ok && s != "" {
					out = append(out, s)
					break
				}
			}
		}
	}
	return out
}
