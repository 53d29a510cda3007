package dexadapter

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arbitrage-engine/arbbot/internal/fixedpoint"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// WeightedAdapter quotes Balancer-style weighted pools:
//
//	out = Bo * (1 - (Bi / (Bi + in*(1-f)))^(Wi/Wo))
//
// computed in big.Float since the weight exponent is fractional;
// WeightIn/WeightOut are parts-per-million so the ratio stays exact
// for the common weight splits (e.g. 80/20, 50/50).
type WeightedAdapter struct {
	mu         sync.RWMutex
	pools      map[common.Address]contractclient.ContractClient
	router     contractclient.ContractClient
	feeBps     uint32
	weightPpm  map[common.Address]uint32 // token -> weight, parts-per-million, per pool's normalized weights
}

// NewWeightedAdapter builds a WeightedAdapter. weightPpm gives each
// token's normalized weight in parts-per-million (summing to 1e6
// across a pool's tokens). pools may be nil or partial; BindPool
// registers pools discovered after construction.
func NewWeightedAdapter(pools map[common.Address]contractclient.ContractClient, router contractclient.ContractClient, feeBps uint32, weightPpm map[common.Address]uint32) *WeightedAdapter {
	if pools == nil {
		pools = make(map[common.Address]contractclient.ContractClient)
	}
	return &WeightedAdapter{pools: pools, router: router, feeBps: feeBps, weightPpm: weightPpm}
}

// BindPool registers the contract client for a pool address discovered
// after construction.
func (a *WeightedAdapter) BindPool(addr common.Address, cc contractclient.ContractClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[addr] = cc
}

func (a *WeightedAdapter) Protocol() arbtypes.Protocol { return arbtypes.ProtocolWeighted }

func (a *WeightedAdapter) Reserves(ctx context.Context, pool arbtypes.Pool) (*big.Int, *big.Int, error) {
	a.mu.RLock()
	cc, ok := a.pools[pool.Address]
	a.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("weighted adapter: unknown pool %s", pool.Address)
	}
	out, err := cc.Call(nil, "getBalances")
	if err != nil {
		return nil, nil, fmt.Errorf("getBalances %s: %w", pool.Address, err)
	}
	if len(out) < 1 {
		return nil, nil, fmt.Errorf("getBalances %s: no output", pool.Address)
	}
	balances, ok := out[0].([]*big.Int)
	if !ok || len(balances) < 2 {
		return nil, nil, fmt.Errorf("getBalances %s: unexpected shape", pool.Address)
	}
	return balances[0], balances[1], nil
}

func (a *WeightedAdapter) Quote(ctx context.Context, pool arbtypes.Pool, tokenIn common.Address, amountIn *big.Int) (*arbtypes.Quote, error) {
	reserve0, reserve1, err := a.Reserves(ctx, pool)
	if err != nil {
		return nil, err
	}

	reserveIn, reserveOut := reserve0, reserve1
	weightIn, weightOut := a.weightPpm[pool.Token0], a.weightPpm[pool.Token1]
	if tokenIn != pool.Token0 {
		reserveIn, reserveOut = reserve1, reserve0
		weightIn, weightOut = weightOut, weightIn
	}
	if weightIn == 0 || weightOut == 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, nil
	}

	inAfterFee := fixedpoint.ApplyFeeRoundToZero(amountIn, a.feeBps)

	bi := new(big.Float).SetInt(reserveIn)
	ratio := new(big.Float).Quo(bi, new(big.Float).Add(bi, new(big.Float).SetInt(inAfterFee)))
	exponent := float64(weightIn) / float64(weightOut)
	ratioF, _ := ratio.Float64()
	factor := math.Pow(ratioF, exponent)

	outF := new(big.Float).Mul(new(big.Float).SetInt(reserveOut), big.NewFloat(1-factor))
	outInt, _ := outF.Int(nil)
	if outInt.Sign() < 0 {
		outInt = big.NewInt(0)
	}

	return &arbtypes.Quote{TokenIn: tokenIn, AmountIn: amountIn, AmountOut: outInt, PriceImpact: big.NewFloat(1 - factor)}, nil
}

func (a *WeightedAdapter) BuildSwapCalldata(pool arbtypes.Pool, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, recipient common.Address) ([]byte, error) {
	singleSwap := struct {
		PoolId        [32]byte
		Kind          uint8
		AssetIn       common.Address
		AssetOut      common.Address
		Amount        *big.Int
		UserData      []byte
	}{
		AssetIn:  tokenIn,
		AssetOut: tokenOut,
		Amount:   amountIn,
		UserData: []byte{},
	}
	funds := struct {
		Sender             common.Address
		FromInternalBalance bool
		Recipient           common.Address
		ToInternalBalance   bool
	}{
		Sender:    recipient,
		Recipient: recipient,
	}
	data, err := a.router.Abi().Pack("swap", singleSwap, funds, minOut, new(big.Int).SetInt64(1<<62))
	if err != nil {
		return nil, fmt.Errorf("pack swap: %w", err)
	}
	return data, nil
}
