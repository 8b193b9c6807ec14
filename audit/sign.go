package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Signer signs entries with an Ed25519 key so downstream consumers can
// detect tampering.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSigner generates a fresh key pair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate audit key: %w", err)
	}
	return &Signer{private: priv, public: pub}, nil
}

// NewSignerFromSeed derives the key pair from a base64 encoded 32-byte seed.
func NewSignerFromSeed(seedBase64 string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(seedBase64)
	if err != nil {
		return nil, fmt.Errorf("audit seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("audit seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the base64 encoded verification key.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.public)
}

// Sign sets e.Signature.
func (s *Signer) Sign(e *Entry) {
	digest := digest(*e)
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, digest[:]))
}

// Verify checks e.Signature against a base64 public key.
func Verify(e Entry, publicKeyBase64 string) (bool, error) {
	key, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(key))
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}
	d := digest(e)
	return ed25519.Verify(ed25519.PublicKey(key), d[:], sig), nil
}

// digest hashes the entry without its signature. Struct field order makes
// the JSON encoding stable.
func digest(e Entry) [32]byte {
	e.Signature = ""
	e.Timestamp = e.Timestamp.UTC()
	data, _ := json.Marshal(e)
	return sha256.Sum256(data)
}
