package payment

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// AuthorizationDigest is the EIP-712 hash the payer signs for an EIP-3009
// transfer of asset on chainID.
func AuthorizationDigest(p *Proof, req Requirements) ([]byte, error) {
	td := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Extra["name"],
			Version:           req.Extra["version"],
			ChainId:           math.NewHexOrDecimal256(req.ChainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        p.From.Hex(),
			"to":          p.To.Hex(),
			"value":       p.Value.String(),
			"validAfter":  p.ValidAfter.String(),
			"validBefore": p.ValidBefore.String(),
			"nonce":       hexutil.Encode(p.Nonce[:]),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return digest, nil
}

// RecoverAuthorizer returns the address that produced the proof's
// signature over its authorization.
func RecoverAuthorizer(p *Proof, req Requirements) (common.Address, error) {
	digest, err := AuthorizationDigest(p, req)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, len(p.Signature))
	copy(sig, p.Signature)
	// Wallets emit V as 27/28; recovery expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignAuthorization produces the wallet-style signature (V in 27/28) over
// the proof's authorization. Clients and tests use it to build proofs.
func SignAuthorization(p *Proof, req Requirements, sign func(digest []byte) ([]byte, error)) ([]byte, error) {
	digest, err := AuthorizationDigest(p, req)
	if err != nil {
		return nil, err
	}
	sig, err := sign(digest)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
