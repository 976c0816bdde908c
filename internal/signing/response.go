package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrSignatureMismatch = errors.New("signature does not recover to the claimed public key")

// ResponseSigner attaches a recoverable signature and the signer's public
// key to response bodies.
type ResponseSigner struct {
	signer KeySigner
	mode   string
}

// NewResponseSigner wraps a signing capability. mode is reported by
// Describe so clients can tell test-key responses apart.
func NewResponseSigner(signer KeySigner, mode string) *ResponseSigner {
	return &ResponseSigner{signer: signer, mode: mode}
}

// PublicKeyHex is the hex-encoded compressed public key.
func (r *ResponseSigner) PublicKeyHex() string {
	return hex.EncodeToString(r.signer.PublicKey())
}

// Mode returns the signing mode the signer was built for.
func (r *ResponseSigner) Mode() string {
	return r.mode
}

// Digest is SHA-256 over the canonical serialization of body.
func Digest(body map[string]any) ([]byte, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// Sign returns a copy of body with signature and public_key set.
func (r *ResponseSigner) Sign(body map[string]any) (map[string]any, error) {
	digest, err := Digest(body)
	if err != nil {
		return nil, err
	}
	sig, err := r.signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	out := make(map[string]any, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out[FieldSignature] = hex.EncodeToString(sig)
	out[FieldPublicKey] = r.PublicKeyHex()
	return out, nil
}

// Verify recovers the signer from the body's signature and checks it
// against the body's public_key field. No contact with the service is
// needed.
func Verify(signed map[string]any) error {
	sigHex, _ := signed[FieldSignature].(string)
	pubHex, _ := signed[FieldPublicKey].(string)
	if sigHex == "" || pubHex == "" {
		return errors.New("response is missing signature or public_key")
	}
	return VerifyWithKey(signed, pubHex)
}

// VerifyWithKey is Verify against an externally published key rather than
// the one embedded in the response.
func VerifyWithKey(signed map[string]any, pubHex string) error {
	sigHex, _ := signed[FieldSignature].(string)
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	want, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}

	digest, err := Digest(signed)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}
	if !bytes.Equal(crypto.CompressPubkey(pub), want) {
		return ErrSignatureMismatch
	}
	return nil
}

// DecodeJSON parses a signed response preserving integer values exactly.
func DecodeJSON(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
