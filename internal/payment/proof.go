package payment

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// Version is the x402 protocol version this service speaks.
	Version = 1
	// SchemeExact is the only accepted payment scheme.
	SchemeExact = "exact"

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Authorization is an EIP-3009 TransferWithAuthorization as carried in the
// X-PAYMENT header. Numeric fields are decimal strings.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific part of a payment header.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header. Resource and Asset are
// optional bindings some clients add; when absent the proof is bound to the
// endpoint it was presented at and to the asset in the signed domain.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Resource    string       `json:"resource,omitempty"`
	Asset       string       `json:"asset,omitempty"`
	Payload     ExactPayload `json:"payload"`
}

// Proof is a parsed payment header with its numeric fields resolved.
type Proof struct {
	Raw         PaymentPayload
	Header      string
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

// NonceKey is the replay identity of the proof. Two encodings of the same
// nonce map to the same key.
func (p *Proof) NonceKey() string {
	return strings.ToLower(hexutil.Encode(p.Nonce[:]))
}

// Payer is the checksummed address that signed the authorization.
func (p *Proof) Payer() string {
	return p.From.Hex()
}

// DecodeHeader parses the base64 JSON X-PAYMENT header. Any structural
// problem is reported as malformed_proof.
func DecodeHeader(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, reject(ReasonPaymentRequired, "missing %s header", HeaderPayment)
	}

	raw, err := decodeBase64(header)
	if err != nil {
		return nil, reject(ReasonMalformedProof, "header is not base64: %v", err)
	}

	var pp PaymentPayload
	if err := json.Unmarshal(raw, &pp); err != nil {
		return nil, reject(ReasonMalformedProof, "header is not JSON: %v", err)
	}

	auth := pp.Payload.Authorization
	p := &Proof{Raw: pp, Header: header}

	if !common.IsHexAddress(auth.From) {
		return nil, reject(ReasonMalformedProof, "invalid from address %q", auth.From)
	}
	if !common.IsHexAddress(auth.To) {
		return nil, reject(ReasonMalformedProof, "invalid to address %q", auth.To)
	}
	p.From = common.HexToAddress(auth.From)
	p.To = common.HexToAddress(auth.To)

	for _, f := range []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"value", auth.Value, &p.Value},
		{"validAfter", auth.ValidAfter, &p.ValidAfter},
		{"validBefore", auth.ValidBefore, &p.ValidBefore},
	} {
		n, ok := new(big.Int).SetString(strings.TrimSpace(f.in), 10)
		if !ok || n.Sign() < 0 {
			return nil, reject(ReasonMalformedProof, "invalid %s %q", f.name, f.in)
		}
		*f.out = n
	}

	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, reject(ReasonMalformedProof, "nonce must be 32 bytes of 0x-prefixed hex")
	}
	copy(p.Nonce[:], nonce)

	sig, err := hexutil.Decode(pp.Payload.Signature)
	if err != nil || len(sig) != 65 {
		return nil, reject(ReasonMalformedProof, "signature must be 65 bytes of 0x-prefixed hex")
	}
	p.Signature = sig

	return p, nil
}

// EncodeHeader is the inverse of DecodeHeader, used by clients and tests.
func EncodeHeader(pp PaymentPayload) (string, error) {
	b, err := json.Marshal(pp)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Settlement is the outcome of confirming a payment, returned to clients in
// the X-PAYMENT-RESPONSE header.
type Settlement struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// EncodeSettlement renders s for the X-PAYMENT-RESPONSE header.
func EncodeSettlement(s *Settlement) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Accepts     []Requirements `json:"accepts"`
}

// NewPaymentRequired builds a 402 body carrying reason.
func NewPaymentRequired(reason Reason, req Requirements) PaymentRequired {
	return PaymentRequired{
		X402Version: Version,
		Error:       string(reason),
		Accepts:     []Requirements{req},
	}
}
