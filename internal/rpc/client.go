package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/ptrus/rofl-x402-service/internal/config"
)

// eip3009ABI covers the parts of an EIP-3009 token used to confirm that a
// transfer authorization was executed.
const eip3009ABI = `[
	{"type":"function","name":"authorizationState","stateMutability":"view",
	 "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"AuthorizationUsed","anonymous":false,
	 "inputs":[{"name":"authorizer","type":"address","indexed":true},{"name":"nonce","type":"bytes32","indexed":true}]}
]`

var tokenABI = mustParseABI(eip3009ABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Client wraps the go-ethereum ethclient with retrying helpers.
type Client struct {
	*ethclient.Client

	retryCfg config.RetryConfig
}

// Dial establishes a new RPC connection with retry support using the provided context and URL.
// The retry configuration controls the number of attempts and the delay (in milliseconds) between them.
func Dial(ctx context.Context, url string, retryCfg config.RetryConfig) (*Client, error) {
	if retryCfg.Attempts == 0 {
		retryCfg.Attempts = 3
	}
	if retryCfg.DelayMS == 0 {
		retryCfg.DelayMS = 1500
	}

	c := &Client{retryCfg: retryCfg}
	cli, err := withRetry(ctx, c, "RPC dial", func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	c.Client = cli
	return c, nil
}

// withRetry runs fn up to Attempts times, sleeping DelayMS between tries.
func withRetry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= c.retryCfg.Attempts; attempt++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}

		logrus.Warnf("%s failed (attempt %d/%d): %v", op, attempt, c.retryCfg.Attempts, err)

		// Don't wait after the final attempt
		if attempt < c.retryCfg.Attempts {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(time.Duration(c.retryCfg.DelayMS) * time.Millisecond):
			}
		}
	}
	return out, err
}

// AuthorizationState reports whether the token has already executed the
// authorization identified by (authorizer, nonce).
func (c *Client) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	data, err := tokenABI.Pack("authorizationState", authorizer, nonce)
	if err != nil {
		return false, fmt.Errorf("pack authorizationState: %w", err)
	}

	out, err := withRetry(ctx, c, "authorizationState", func() ([]byte, error) {
		return c.Client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	})
	if err != nil {
		return false, err
	}

	vals, err := tokenABI.Unpack("authorizationState", out)
	if err != nil {
		return false, fmt.Errorf("unpack authorizationState: %w", err)
	}
	used, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result %T", vals[0])
	}
	return used, nil
}

// FindAuthorizationTx looks back over the last lookback blocks for the
// AuthorizationUsed event matching (authorizer, nonce) and returns the
// transaction that emitted it. The zero hash means no event was found.
func (c *Client) FindAuthorizationTx(ctx context.Context, token, authorizer common.Address, nonce [32]byte, lookback uint64) (common.Hash, error) {
	head, err := withRetry(ctx, c, "LatestBlockNumber", func() (uint64, error) {
		return c.Client.BlockNumber(ctx)
	})
	if err != nil {
		return common.Hash{}, err
	}
	var from uint64
	if head > lookback {
		from = head - lookback
	}

	event := tokenABI.Events["AuthorizationUsed"]
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{token},
		Topics: [][]common.Hash{
			{event.ID},
			{common.BytesToHash(authorizer.Bytes())},
			{common.Hash(nonce)},
		},
	}

	logs, err := withRetry(ctx, c, "GetLogs", func() ([]types.Log, error) {
		return c.Client.FilterLogs(ctx, query)
	})
	if err != nil {
		return common.Hash{}, err
	}
	if len(logs) == 0 {
		return common.Hash{}, nil
	}
	return logs[len(logs)-1].TxHash, nil
}
