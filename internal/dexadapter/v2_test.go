package dexadapter

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// fakeContractClient lets adapter tests stub Call without a live node.
type fakeContractClient struct {
	contractclient.ContractClient
	callResults map[string][]interface{}
	abi         abi.ABI
}

func (f *fakeContractClient) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	return f.callResults[method], nil
}
func (f *fakeContractClient) Abi() abi.ABI { return f.abi }

const routerABIJSON = `[{"name":"swapExactTokensForTokens","type":"function","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[]}]`

func mustABI(t *testing.T, raw string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(raw))
	require.NoError(t, err)
	return parsed
}

func TestV2AdapterQuote(t *testing.T) {
	poolAddr := common.HexToAddress("0xAAAA")
	token0 := common.HexToAddress("0x01")
	token1 := common.HexToAddress("0x02")

	pool := arbtypes.Pool{Address: poolAddr, Token0: token0, Token1: token1}
	fake := &fakeContractClient{callResults: map[string][]interface{}{
		"getReserves": {big.NewInt(1_000_000_000000000000), big.NewInt(2_000_000_000000)},
	}}

	adapter := NewV2Adapter(map[common.Address]contractclient.ContractClient{poolAddr: fake}, nil, 30)
	quote, err := adapter.Quote(context.Background(), pool, token0, big.NewInt(1_000_000000000000))
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.True(t, quote.AmountOut.Sign() > 0)
}

func TestV2AdapterBuildSwapCalldata(t *testing.T) {
	router := &fakeContractClient{abi: mustABI(t, routerABIJSON)}
	adapter := NewV2Adapter(nil, router, 30)

	data, err := adapter.BuildSwapCalldata(
		arbtypes.Pool{Token0: common.HexToAddress("0x01"), Token1: common.HexToAddress("0x02")},
		common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(100), big.NewInt(90), common.HexToAddress("0x03"),
	)
	require.NoError(t, err)
	assert.True(t, len(data) >= 4)
}
