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

// V2Adapter quotes and builds calldata against constant-product pools
// (Uniswap-V2-style getReserves/swapExactTokensForTokens).
type V2Adapter struct {
	mu sync.RWMutex
	// pools maps a pool address to the bound contract client for its
	// pair contract (exposing getReserves/token0/token1). Grows as the
	// Pool Registry discovers new pairs, so every access goes through
	// mu rather than assuming a fixed set built at construction.
	pools map[common.Address]contractclient.ContractClient
	// router is the bound contract client for the swap router
	// contract whose calldata BuildSwapCalldata encodes.
	router  contractclient.ContractClient
	feeBps  uint32
}

// NewV2Adapter builds a V2Adapter. pools may be nil or partial; newly
// discovered pools are added via BindPool as the Pool Registry finds
// them.
func NewV2Adapter(pools map[common.Address]contractclient.ContractClient, router contractclient.ContractClient, feeBps uint32) *V2Adapter {
	if pools == nil {
		pools = make(map[common.Address]contractclient.ContractClient)
	}
	return &V2Adapter{pools: pools, router: router, feeBps: feeBps}
}

// BindPool registers the contract client for a pool address discovered
// after construction.
func (a *V2Adapter) BindPool(addr common.Address, cc contractclient.ContractClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[addr] = cc
}

func (a *V2Adapter) Protocol() arbtypes.Protocol { return arbtypes.ProtocolV2 }

func (a *V2Adapter) Reserves(ctx context.Context, pool arbtypes.Pool) (*big.Int, *big.Int, error) {
	a.mu.RLock()
	cc, ok := a.pools[pool.Address]
	a.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("v2 adapter: unknown pool %s", pool.Address)
	}
	out, err := cc.Call(nil, "getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("getReserves %s: %w", pool.Address, err)
	}
	if len(out) < 2 {
		return nil, nil, fmt.Errorf("getReserves %s: unexpected output shape", pool.Address)
	}
	reserve0, ok0 := out[0].(*big.Int)
	reserve1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("getReserves %s: non-integer reserves", pool.Address)
	}
	return reserve0, reserve1, nil
}

func (a *V2Adapter) Quote(ctx context.Context, pool arbtypes.Pool, tokenIn common.Address, amountIn *big.Int) (*arbtypes.Quote, error) {
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

	return &arbtypes.Quote{
		TokenIn:     tokenIn,
		AmountIn:    amountIn,
		AmountOut:   out,
		PriceImpact: impact,
	}, nil
}

func (a *V2Adapter) BuildSwapCalldata(pool arbtypes.Pool, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, recipient common.Address) ([]byte, error) {
	path := []common.Address{tokenIn, tokenOut}
	deadline := new(big.Int).SetInt64(1 << 62) // flash-loan-bundled swaps execute same block; deadline is advisory
	data, err := a.router.Abi().Pack("swapExactTokensForTokens", amountIn, minOut, path, recipient, deadline)
	if err != nil {
		return nil, fmt.Errorf("pack swapExactTokensForTokens: %w", err)
	}
	return data, nil
}
