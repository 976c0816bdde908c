package payment

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// AuthorizationReader is the chain access ChainSettler needs. *rpc.Client
// satisfies it.
type AuthorizationReader interface {
	AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error)
	FindAuthorizationTx(ctx context.Context, token, authorizer common.Address, nonce [32]byte, lookback uint64) (common.Hash, error)
}

// ChainSettler confirms payments by reading the token contract: the
// authorization must already have been executed on chain.
type ChainSettler struct {
	reader   AuthorizationReader
	lookback uint64
}

// NewChainSettler returns a settler that looks for the settling
// transaction within the last lookback blocks.
func NewChainSettler(r AuthorizationReader, lookback uint64) *ChainSettler {
	return &ChainSettler{reader: r, lookback: lookback}
}

// Verify requires the authorization to be executed on chain already. It
// only reads contract state.
func (c *ChainSettler) Verify(ctx context.Context, p *Proof, req Requirements) error {
	used, err := c.reader.AuthorizationState(ctx, common.HexToAddress(req.Asset), p.From, p.Nonce)
	if err != nil {
		return fmt.Errorf("read authorization state: %w", err)
	}
	if !used {
		return reject(ReasonSettlementNotConfirmed, "authorization %s not executed on chain", p.NonceKey())
	}
	return nil
}

// Settle reports the settlement Verify observed. The transaction hash is
// looked up on a best effort basis.
func (c *ChainSettler) Settle(ctx context.Context, p *Proof, req Requirements) (*Settlement, error) {
	s := &Settlement{Success: true, Network: req.Network, Payer: p.Payer()}
	if c.lookback == 0 {
		return s, nil
	}

	tx, err := c.reader.FindAuthorizationTx(ctx, common.HexToAddress(req.Asset), p.From, p.Nonce, c.lookback)
	if err != nil {
		// Verify already proved settlement; the hash is informational.
		logrus.WithError(err).WithField("nonce", p.NonceKey()).Warn("Could not locate settlement transaction")
		return s, nil
	}
	if tx != (common.Hash{}) {
		s.Transaction = tx.Hex()
	}
	return s, nil
}
