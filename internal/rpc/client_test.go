package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptrus/rofl-x402-service/internal/config"
)

func TestWithRetryStopsOnSuccess(t *testing.T) {
	c := &Client{retryCfg: config.RetryConfig{Attempts: 3, DelayMS: 1}}

	calls := 0
	got, err := withRetry(context.Background(), c, "op", func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestWithRetryReturnsLastError(t *testing.T) {
	c := &Client{retryCfg: config.RetryConfig{Attempts: 3, DelayMS: 1}}

	calls := 0
	_, err := withRetry(context.Background(), c, "op", func() (bool, error) {
		calls++
		return false, errors.New("down")
	})
	require.EqualError(t, err, "down")
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	c := &Client{retryCfg: config.RetryConfig{Attempts: 5, DelayMS: 10_000}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := withRetry(ctx, c, "op", func() (int, error) {
		return 0, errors.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAuthorizationStateCallData(t *testing.T) {
	authorizer := common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66")
	var nonce [32]byte
	nonce[31] = 7

	data, err := tokenABI.Pack("authorizationState", authorizer, nonce)
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)
	assert.Equal(t, tokenABI.Methods["authorizationState"].ID, data[:4])
	assert.Equal(t, authorizer.Bytes(), data[4+12:4+32])
	assert.Equal(t, byte(7), data[len(data)-1])

	_, ok := tokenABI.Events["AuthorizationUsed"]
	assert.True(t, ok)
}
