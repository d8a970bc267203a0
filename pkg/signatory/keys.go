package signatory

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// KeyPair is the Ed25519 key this instance signs with.
type KeyPair struct {
	KeyID   string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// GenerateKey creates a fresh key pair.
func GenerateKey(keyID string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "key generation failed")
	}
	return &KeyPair{KeyID: keyID, private: priv, public: pub}, nil
}

// NewKeyPair wraps an existing private key.
func NewKeyPair(priv ed25519.PrivateKey, keyID string) *KeyPair {
	return &KeyPair{KeyID: keyID, private: priv, public: priv.Public().(ed25519.PublicKey)}
}

// LoadKey reads a hex encoded Ed25519 seed from path.
func LoadKey(path, keyID string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read key %s", path)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode key %s", path)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("key %s: expected %d byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}
	return NewKeyPair(ed25519.NewKeyFromSeed(seed), keyID), nil
}

// Save writes the seed hex encoded with owner-only permissions.
func (k *KeyPair) Save(path string) error {
	seed := hex.EncodeToString(k.private.Seed())
	return errors.Wrapf(os.WriteFile(path, []byte(seed+"\n"), 0o600), "write key %s", path)
}

// PublicKey returns the hex encoded public key.
func (k *KeyPair) PublicKey() string {
	return hex.EncodeToString(k.public)
}

// Private returns the signing key.
func (k *KeyPair) Private() ed25519.PrivateKey {
	return k.private
}

// SignBytes signs data.
func (k *KeyPair) SignBytes(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// ParsePublicKey decodes a hex encoded Ed25519 public key.
func ParsePublicKey(h string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, errors.Wrap(err, "invalid public key hex")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(raw), nil
}
