// Package paymenttest builds signed x402 payment headers for tests and
// local tooling.
package paymenttest

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ptrus/rofl-x402-service/internal/payment"
)

// Payer holds a wallet key able to sign transfer authorizations.
type Payer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewPayer generates a fresh wallet.
func NewPayer() (*Payer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Payer{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Options overrides fields of the generated authorization. Zero values
// fall back to what the requirements ask for.
type Options struct {
	Value       *big.Int
	Nonce       [32]byte
	To          string
	Network     string
	Resource    string
	ValidAfter  int64
	ValidBefore int64
}

// RandomNonce returns 32 random bytes.
func RandomNonce() [32]byte {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		panic(err)
	}
	return n
}

// Payload signs an authorization satisfying req, adjusted by opts.
func (p *Payer) Payload(req payment.Requirements, opts Options) (payment.PaymentPayload, error) {
	if opts.Value == nil {
		opts.Value = req.Price
	}
	if opts.Nonce == ([32]byte{}) {
		opts.Nonce = RandomNonce()
	}
	if opts.To == "" {
		opts.To = req.PayTo
	}
	if opts.Network == "" {
		opts.Network = req.Network
	}
	if opts.ValidBefore == 0 {
		window := time.Duration(req.MaxTimeoutSeconds) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		opts.ValidBefore = time.Now().Add(window).Unix()
	}

	proof := &payment.Proof{
		From:        p.Address,
		To:          common.HexToAddress(opts.To),
		Value:       opts.Value,
		ValidAfter:  big.NewInt(opts.ValidAfter),
		ValidBefore: big.NewInt(opts.ValidBefore),
		Nonce:       opts.Nonce,
	}
	sig, err := payment.SignAuthorization(proof, req, func(digest []byte) ([]byte, error) {
		return crypto.Sign(digest, p.Key)
	})
	if err != nil {
		return payment.PaymentPayload{}, err
	}

	return payment.PaymentPayload{
		X402Version: payment.Version,
		Scheme:      payment.SchemeExact,
		Network:     opts.Network,
		Resource:    opts.Resource,
		Payload: payment.ExactPayload{
			Signature: hexutil.Encode(sig),
			Authorization: payment.Authorization{
				From:        p.Address.Hex(),
				To:          proof.To.Hex(),
				Value:       proof.Value.String(),
				ValidAfter:  proof.ValidAfter.String(),
				ValidBefore: proof.ValidBefore.String(),
				Nonce:       hexutil.Encode(opts.Nonce[:]),
			},
		},
	}, nil
}

// Header is Payload encoded for the X-PAYMENT header.
func (p *Payer) Header(req payment.Requirements, opts Options) (string, error) {
	pp, err := p.Payload(req, opts)
	if err != nil {
		return "", err
	}
	return payment.EncodeHeader(pp)
}
