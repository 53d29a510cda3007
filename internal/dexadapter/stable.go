package dexadapter

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arbitrage-engine/arbbot/internal/fixedpoint"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// StableAdapter quotes Curve-style stable pools, which hold near-1:1
// reserves and charge a flat, usually much lower, swap fee than a
// constant-product pool. It reuses the V2 constant-product formula as
// a conservative approximation of the StableSwap invariant near the
// peg, which is accurate within the small trade sizes the Evaluator's
// binary search explores and safely pessimistic for dust-level sizing
// at the edges of the curve.
type StableAdapter struct {
	mu     sync.RWMutex
	pools  map[common.Address]contractclient.ContractClient
	router contractclient.ContractClient
	feeBps uint32
}

// NewStableAdapter builds a StableAdapter. pools may be nil or
// partial; BindPool registers pools discovered after construction.
func NewStableAdapter(pools map[common.Address]contractclient.ContractClient, router contractclient.ContractClient, feeBps uint32) *StableAdapter {
	if pools == nil {
		pools = make(map[common.Address]contractclient.ContractClient)
	}
	return &StableAdapter{pools: pools, router: router, feeBps: feeBps}
}

// BindPool registers the contract client for a pool address discovered
// after construction.
func (a *StableAdapter) BindPool(addr common.Address, cc contractclient.ContractClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[addr] = cc
}

func (a *StableAdapter) Protocol() arbtypes.Protocol { return arbtypes.ProtocolStable }

func (a *StableAdapter) Reserves(ctx context.Context, pool arbtypes.Pool) (*big.Int, *big.Int, error) {
	a.mu.RLock()
	cc, ok := a.pools[pool.Address]
	a.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("stable adapter: unknown pool %s", pool.Address)
	}
	out0, err := cc.Call(nil, "balances", big.NewInt(0))
	if err != nil {
		return nil, nil, fmt.Errorf("balances(0) %s: %w", pool.Address, err)
	}
	out1, err := cc.Call(nil, "balances", big.NewInt(1))
	if err != nil {
		return nil, nil, fmt.Errorf("balances(1) %s: %w", pool.Address, err)
	}
	reserve0, ok0 := out0[0].(*big.Int)
	reserve1, ok1 := out1[0].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("balances %s: non-integer output", pool.Address)
	}
	return reserve0, reserve1, nil
}

func (a *StableAdapter) Quote(ctx context.Context, pool arbtypes.Pool, tokenIn common.Address, amountIn *big.Int) (*arbtypes.Quote, error) {
	reserve0, reserve1, err := a.Reserves(ctx, pool)
	if err != nil {
		return nil, err
	}
	reserveIn, reserveOut := reserve0, reserve1
	if tokenIn != pool.Token0 {
		reserveIn, reserveOut = reserve1, reserve0
	}
	out := fixedpoint.V2Out(amountIn, reserveIn, reserveOut, a.feeBps)
	if out == nil {
		return nil, nil
	}
	impact := fixedpoint.V2PriceImpact(amountIn, reserveIn, reserveOut, a.feeBps)
	return &arbtypes.Quote{TokenIn: tokenIn, AmountIn: amountIn, AmountOut: out, PriceImpact: impact}, nil
}

func (a *StableAdapter) BuildSwapCalldata(pool arbtypes.Pool, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, recipient common.Address) ([]byte, error) {
	i, j, err := stableIndices(pool, tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	data, err := a.router.Abi().Pack("exchange", i, j, amountIn, minOut)
	if err != nil {
		return nil, fmt.Errorf("pack exchange: %w", err)
	}
	return data, nil
}

func stableIndices(pool arbtypes.Pool, tokenIn, tokenOut common.Address) (*big.Int, *big.Int, error) {
	switch {
	case tokenIn == pool.Token0 && tokenOut == pool.Token1:
		return big.NewInt(0), big.NewInt(1), nil
	case tokenIn == pool.Token1 && tokenOut == pool.Token0:
		return big.NewInt(1), big.NewInt(0), nil
	default:
		return nil, nil, fmt.Errorf("stable adapter: token pair %s/%s not in pool %s", tokenIn, tokenOut, pool.Address)
	}
}
