package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// TestKeyHex is a publicly known secp256k1 key used when signing is
// disabled. Responses signed with it are structurally valid but prove
// nothing about their origin.
const TestKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// ErrSigningUnavailable means the signing capability could not be reached.
var ErrSigningUnavailable = errors.New("signing capability unavailable")

// KeySigner is the opaque signing capability: a recoverable signature over
// a 32-byte digest and the compressed public key that recovers from it.
type KeySigner interface {
	Sign(digest []byte) ([]byte, error)
	PublicKey() []byte
}

// ECDSASigner signs with an in-process secp256k1 key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
	pub []byte
}

// NewECDSASigner wraps an existing private key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key, pub: crypto.CompressPubkey(&key.PublicKey)}
}

// NewSignerFromHex parses a hex private key, with or without 0x prefix.
func NewSignerFromHex(hexKey string) (*ECDSASigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return NewECDSASigner(key), nil
}

// NewTestSigner returns the signer for the well-known test key.
func NewTestSigner() *ECDSASigner {
	s, err := NewSignerFromHex(TestKeyHex)
	if err != nil {
		panic(err)
	}
	return s
}

// NewEphemeralSigner generates a key that lives as long as the process.
func NewEphemeralSigner() (*ECDSASigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewECDSASigner(key), nil
}

// LoadOrGenerateKeyFile loads a hex key from path, or generates one and
// writes it with 0600 permissions when the file does not exist.
func LoadOrGenerateKeyFile(path string) (*ECDSASigner, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return NewSignerFromHex(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	s, err := NewEphemeralSigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(crypto.FromECDSA(s.key))), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return s, nil
}

func (s *ECDSASigner) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func (s *ECDSASigner) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}
