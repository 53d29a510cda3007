package evaluator

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/arbitrage-engine/arbbot/internal/dexadapter"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

type fakePools struct{ m map[arbtypes.PoolHandle]arbtypes.Pool }

func (f fakePools) Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool) { p, ok := f.m[h]; return p, ok }

type fixedReserveClient struct {
	contractclient.ContractClient
	r0, r1 *big.Int
}

func (c *fixedReserveClient) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	return []interface{}{c.r0, c.r1}, nil
}

func TestEvaluateRejectsBelowMinProfit(t *testing.T) {
	base := common.HexToAddress("0x01")
	mid := common.HexToAddress("0x02")
	poolAddr := common.HexToAddress("0xAAAA")

	pool := arbtypes.Pool{Protocol: arbtypes.ProtocolV2, Address: poolAddr, Token0: base, Token1: mid}
	pools := fakePools{m: map[arbtypes.PoolHandle]arbtypes.Pool{0: pool, 1: pool}}

	adapters := dexadapter.NewRegistry(dexadapter.NewV2Adapter(
		map[common.Address]contractclient.ContractClient{poolAddr: &fixedReserveClient{r0: big.NewInt(1_000_000), r1: big.NewInt(1_000_000)}},
		nil, 30,
	))

	eval := New(adapters, Config{
		MinProfitWei:    big.NewInt(1_000_000_000),
		GasPriceWei:     big.NewInt(1),
		FlashLoanFeeBps: 9,
		MinAmountWei:    big.NewInt(10),
		MaxAmountWei:    big.NewInt(1000),
		DustThresholdWei: big.NewInt(1),
	}, func(int) uint64 { return 100 })

	path := arbtypes.Path{Hops: []arbtypes.Hop{
		{Pool: 0, TokenIn: base, TokenOut: mid},
		{Pool: 1, TokenIn: mid, TokenOut: base},
	}}

	result := eval.Evaluate(context.Background(), path, pools, 100, 100)
	assert.Nil(t, result.Opportunity)
	assert.NotNil(t, result.Rejected)
	assert.Equal(t, arbtypes.RejectUnprofitable, result.Rejected.Reason)
}

func TestEvaluateRejectsStaleHead(t *testing.T) {
	eval := New(dexadapter.NewRegistry(), Config{
		MinProfitWei: big.NewInt(1), GasPriceWei: big.NewInt(1),
		MinAmountWei: big.NewInt(1), MaxAmountWei: big.NewInt(2),
		DustThresholdWei: big.NewInt(1), QuoteMaxAge: 2,
	}, nil)

	path := arbtypes.Path{Hops: []arbtypes.Hop{{}, {}}}
	result := eval.Evaluate(context.Background(), path, fakePools{m: map[arbtypes.PoolHandle]arbtypes.Pool{}}, 200, 100)
	assert.NotNil(t, result.Rejected)
	assert.Equal(t, arbtypes.RejectStaleHead, result.Rejected.Reason)
}
