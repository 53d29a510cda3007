package dexadapter

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbitrage-engine/arbbot/internal/fixedpoint"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// recordingContractClient wraps fakeContractClient and records every
// method called against it, so tests can assert whether the quoter
// was actually invoked rather than just stubbed.
type recordingContractClient struct {
	fakeContractClient
	calls []string
}

func (r *recordingContractClient) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	r.calls = append(r.calls, method)
	return r.fakeContractClient.Call(caller, method, args...)
}

func v3TestPool() (arbtypes.Pool, common.Address, common.Address) {
	token0 := common.HexToAddress("0x01")
	token1 := common.HexToAddress("0x02")
	return arbtypes.Pool{Address: common.HexToAddress("0xCCCC"), Token0: token0, Token1: token1, FeeTier: 3000}, token0, token1
}

func TestV3AdapterQuoteUsesLocalSimulationWithinTickLimit(t *testing.T) {
	pool, token0, _ := v3TestPool()
	pair := &fakeContractClient{callResults: map[string][]interface{}{
		"slot0":     {fixedpoint.TickToSqrtPriceX96(0), big.NewInt(0)},
		"liquidity": {big.NewInt(1_000_000_000_000)},
	}}
	quoter := &recordingContractClient{fakeContractClient: fakeContractClient{
		callResults: map[string][]interface{}{"quoteExactInputSingle": {big.NewInt(999)}},
	}}

	adapter := NewV3Adapter(map[common.Address]contractclient.ContractClient{pool.Address: pair}, quoter, nil)
	quote, err := adapter.Quote(context.Background(), pool, token0, big.NewInt(1))
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.Empty(t, quoter.calls, "a tiny trade within the tick limit must not touch the on-chain quoter")
}

func TestV3AdapterQuoteFallsBackToQuoterBeyondTickLimit(t *testing.T) {
	pool, token0, _ := v3TestPool()
	pair := &fakeContractClient{callResults: map[string][]interface{}{
		"slot0":     {fixedpoint.TickToSqrtPriceX96(0), big.NewInt(0)},
		"liquidity": {big.NewInt(1_000_000)},
	}}
	quoter := &recordingContractClient{fakeContractClient: fakeContractClient{
		callResults: map[string][]interface{}{"quoteExactInputSingle": {big.NewInt(42)}},
	}}

	adapter := NewV3Adapter(map[common.Address]contractclient.ContractClient{pool.Address: pair}, quoter, nil)
	quote, err := adapter.Quote(context.Background(), pool, token0, big.NewInt(1_000_000_000_000_000))
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.Equal(t, big.NewInt(42), quote.AmountOut)
	assert.Contains(t, quoter.calls, "quoteExactInputSingle")
}

func TestV3AdapterQuoteReturnsNoQuoteBeyondTickLimitWithoutQuoter(t *testing.T) {
	pool, token0, _ := v3TestPool()
	pair := &fakeContractClient{callResults: map[string][]interface{}{
		"slot0":     {fixedpoint.TickToSqrtPriceX96(0), big.NewInt(0)},
		"liquidity": {big.NewInt(1_000_000)},
	}}

	adapter := NewV3Adapter(map[common.Address]contractclient.ContractClient{pool.Address: pair}, nil, nil)
	quote, err := adapter.Quote(context.Background(), pool, token0, big.NewInt(1_000_000_000_000_000))
	require.NoError(t, err)
	assert.Nil(t, quote)
}

func TestV3AdapterWithTickLimitHonorsConfiguredK(t *testing.T) {
	pool, token0, _ := v3TestPool()
	pair := &fakeContractClient{callResults: map[string][]interface{}{
		"slot0":     {fixedpoint.TickToSqrtPriceX96(0), big.NewInt(0)},
		"liquidity": {big.NewInt(1_000_000_000_000)},
	}}
	quoter := &recordingContractClient{fakeContractClient: fakeContractClient{
		callResults: map[string][]interface{}{"quoteExactInputSingle": {big.NewInt(7)}},
	}}

	// A tight K of 1 tick of tolerance means even a moderate trade
	// must defer to the quoter.
	adapter := NewV3AdapterWithTickLimit(map[common.Address]contractclient.ContractClient{pool.Address: pair}, quoter, nil, 1)
	quote, err := adapter.Quote(context.Background(), pool, token0, big.NewInt(100_000_000))
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.Equal(t, big.NewInt(7), quote.AmountOut)
	assert.Contains(t, quoter.calls, "quoteExactInputSingle")
}
