package updater

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	// EnvSigningKey holds an age secret key (AGE-SECRET-KEY-1...) whose seed
	// is the Ed25519 signing key.
	EnvSigningKey = "AURORA_SIGNING_KEY"
	// EnvPublicKey holds the base64 Ed25519 public key used to verify.
	EnvPublicKey = "AURORA_PUBLIC_KEY"

	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"

	ageSecretKeyHRP = "age-secret-key-"
)

// Signer signs and verifies artifact bytes with an Ed25519 key pair. The
// private key is derived from the seed of an age X25519 identity, so one
// operator key serves both encryption and release signing.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSigner builds a Signer from an age secret key, a base64 public key, or
// both. With only a public key the signer can verify but not sign.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secretKey = strings.TrimSpace(secretKey)
	publicKey = strings.TrimSpace(publicKey)
	if secretKey == "" && publicKey == "" {
		return nil, errors.New("a signing key or public key is required")
	}

	s := &Signer{}
	if secretKey != "" {
		seed, err := decodeAgeSecretKey(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = ed25519.PublicKey(s.privateKey[ed25519.SeedSize:])

		if identity, err := age.ParseX25519Identity(secretKey); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if publicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(publicKey)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key must decode to %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
		}
		switch {
		case s.publicKey == nil:
			s.publicKey = ed25519.PublicKey(decoded)
		case !bytes.Equal(s.publicKey, decoded):
			return nil, errors.New("public key does not match signing key")
		}
	}

	return s, nil
}

// NewSignerFromEnv reads AURORA_SIGNING_KEY and AURORA_PUBLIC_KEY, falling
// back to AGE_SECRET_KEY and AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	secret := firstEnv(EnvSigningKey, envAgeSecretKey)
	pub := firstEnv(EnvPublicKey, envAgePublicKey)
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", EnvSigningKey, EnvPublicKey)
	}
	return NewSigner(secret, pub)
}

// GenerateKey returns a fresh age secret key suitable for NewSigner.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}
	return identity.String(), nil
}

// CanSign reports whether a private key is loaded
func (s *Signer) CanSign() bool {
	return s != nil && len(s.privateKey) > 0
}

// Sign returns the base64 detached signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if !s.CanSign() {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks a base64 signature over payload.
func (s *Signer) Verify(payload []byte, signature string) error {
	if s == nil || len(s.publicKey) == 0 {
		return errors.New("no public key available for verification")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if !ed25519.Verify(s.publicKey, payload, sig) {
		return errors.New("signature does not match artifact")
	}
	return nil
}

// PublicKeyBase64 returns the verification key in base64
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient (age1...) of the signing key, or ""
// when the signer was built from a public key alone.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("bech32 decode: %w", err)
	}
	if !strings.EqualFold(hrp, ageSecretKeyHRP) {
		return nil, fmt.Errorf("unexpected key prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("convert key bits: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
