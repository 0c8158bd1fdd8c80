package seal

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const formatVersion = 1

// Sealer encrypts and decrypts blobs with a passphrase-derived key.
type Sealer struct {
	cfg        Config
	passphrase []byte
}

// NewSealer validates the passphrase against cfg and returns a Sealer.
func NewSealer(passphrase string, cfg Config) (*Sealer, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrConfig
	}
	if cfg.MinPassphraseBytes > 0 && len(passphrase) < cfg.MinPassphraseBytes {
		return nil, fmt.Errorf("%w: passphrase shorter than %d bytes", ErrConfig, cfg.MinPassphraseBytes)
	}
	if cfg.Params.MemoryKiB == 0 || cfg.Params.Iterations == 0 || cfg.Params.Parallelism == 0 || cfg.Params.SaltLength < 8 {
		return nil, ErrConfig
	}
	return &Sealer{cfg: cfg, passphrase: []byte(passphrase)}, nil
}

// Seal encrypts plaintext and returns the encoded sealed form.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	p := s.cfg.Params

	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.deriveKey(salt, p))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	header := fmt.Sprintf("$seal$v=%d$m=%d,t=%d,p=%d", formatVersion, p.MemoryKiB, p.Iterations, p.Parallelism)
	// The header is authenticated so parameters cannot be swapped.
	ct := aead.Seal(nil, nonce, plaintext, []byte(header))

	b64 := base64.RawStdEncoding
	return []byte(header + "$" + b64.EncodeToString(salt) + "$" + b64.EncodeToString(nonce) + "$" + b64.EncodeToString(ct)), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	header, params, salt, nonce, ct, err := decode(string(sealed))
	if err != nil {
		return nil, err
	}

	// Refuse attacker-inflated parameters.
	if params.MemoryKiB > s.cfg.Params.MemoryKiB*2 || params.Iterations > s.cfg.Params.Iterations*2 {
		return nil, ErrInvalidFormat
	}

	aead, err := chacha20poly1305.NewX(s.deriveKey(salt, params))
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidFormat
	}

	pt, err := aead.Open(nil, nonce, ct, []byte(header))
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// IsSealed reports whether b looks like a sealed value.
func IsSealed(b []byte) bool {
	return strings.HasPrefix(string(b), "$seal$")
}

func (s *Sealer) deriveKey(salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey(s.passphrase, salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

func decode(encoded string) (header string, p Argon2idParams, salt, nonce, ct []byte, err error) {
	// "", "seal", "v=1", "m=..,t=..,p=..", salt, nonce, ct
	parts := strings.Split(strings.TrimSpace(encoded), "$")
	if len(parts) != 7 || parts[0] != "" || parts[1] != "seal" {
		return "", p, nil, nil, nil, ErrInvalidFormat
	}
	if parts[2] != fmt.Sprintf("v=%d", formatVersion) {
		return "", p, nil, nil, nil, ErrInvalidFormat
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return "", p, nil, nil, nil, ErrInvalidFormat
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return "", p, nil, nil, nil, ErrInvalidFormat
	}

	b64 := base64.RawStdEncoding
	if salt, err = b64.DecodeString(parts[4]); err != nil || len(salt) < 8 {
		return "", p, nil, nil, nil, ErrInvalidFormat
	}
	if nonce, err = b64.DecodeString(parts[5]); err != nil {
		return "", p, nil, nil, nil, ErrInvalidFormat
	}
	if ct, err = b64.DecodeString(parts[6]); err != nil {
		return "", p, nil, nil, nil, ErrInvalidFormat
	}

	p = Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par), // #nosec G115 -- bounded above.
		SaltLength:  uint32(len(salt)), // #nosec G115 -- decoded from a short field.
	}
	header = strings.Join(parts[:4], "$")
	return header, p, salt, nonce, ct, nil
}
