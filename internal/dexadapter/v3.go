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

// defaultMaxSimulatedTicks bounds the local single-range simulation:
// it is trusted up to this many ticks of price movement; beyond it the
// adapter defers to the on-chain quoter rather than approximate
// further out.
const defaultMaxSimulatedTicks = 5

// V3Adapter quotes concentrated-liquidity pools by reading the pool's
// current slot0 (sqrtPriceX96, tick) and liquidity, then applying the
// tick-math helpers in internal/fixedpoint
// (TickToSqrtPriceX96/ComputeAmounts), falling back to an on-chain
// quoter call when the trade would cross more than maxSimulatedTicks
// ticks for the local simulation to safely approximate.
type V3Adapter struct {
	mu                sync.RWMutex
	pools             map[common.Address]contractclient.ContractClient
	quoter            contractclient.ContractClient // optional on-chain Quoter for beyond-K-tick quotes
	router            contractclient.ContractClient
	maxSimulatedTicks int
}

// NewV3Adapter builds a V3Adapter with the default K (5 ticks). quoter
// may be nil, in which case Quote only trusts the local single-tick
// approximation and returns a conservative nil quote once the trade
// would cross more ticks than it can safely approximate. pools may be
// nil or partial; BindPool registers pools discovered after
// construction.
func NewV3Adapter(pools map[common.Address]contractclient.ContractClient, quoter, router contractclient.ContractClient) *V3Adapter {
	return NewV3AdapterWithTickLimit(pools, quoter, router, defaultMaxSimulatedTicks)
}

// NewV3AdapterWithTickLimit builds a V3Adapter with an explicit tick
// limit (maxSimulatedTicks).
func NewV3AdapterWithTickLimit(pools map[common.Address]contractclient.ContractClient, quoter, router contractclient.ContractClient, maxSimulatedTicks int) *V3Adapter {
	if pools == nil {
		pools = make(map[common.Address]contractclient.ContractClient)
	}
	if maxSimulatedTicks <= 0 {
		maxSimulatedTicks = defaultMaxSimulatedTicks
	}
	return &V3Adapter{pools: pools, quoter: quoter, router: router, maxSimulatedTicks: maxSimulatedTicks}
}

// BindPool registers the contract client for a pool address discovered
// after construction.
func (a *V3Adapter) BindPool(addr common.Address, cc contractclient.ContractClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[addr] = cc
}

func (a *V3Adapter) Protocol() arbtypes.Protocol { return arbtypes.ProtocolV3 }

type slot0 struct {
	sqrtPriceX96 *big.Int
	tick         int
	liquidity    *big.Int
}

func (a *V3Adapter) readSlot0(pool arbtypes.Pool) (slot0, error) {
	a.mu.RLock()
	cc, ok := a.pools[pool.Address]
	a.mu.RUnlock()
	if !ok {
		return slot0{}, fmt.Errorf("v3 adapter: unknown pool %s", pool.Address)
	}
	out, err := cc.Call(nil, "slot0")
	if err != nil {
		return slot0{}, fmt.Errorf("slot0 %s: %w", pool.Address, err)
	}
	if len(out) < 2 {
		return slot0{}, fmt.Errorf("slot0 %s: unexpected output shape", pool.Address)
	}
	sqrtPriceX96, ok := out[0].(*big.Int)
	if !ok {
		return slot0{}, fmt.Errorf("slot0 %s: non-integer sqrtPriceX96", pool.Address)
	}
	tickBig, ok := out[1].(*big.Int)
	if !ok {
		return slot0{}, fmt.Errorf("slot0 %s: non-integer tick", pool.Address)
	}

	liqOut, err := cc.Call(nil, "liquidity")
	if err != nil {
		return slot0{}, fmt.Errorf("liquidity %s: %w", pool.Address, err)
	}
	if len(liqOut) == 0 {
		return slot0{}, fmt.Errorf("liquidity %s: no output", pool.Address)
	}
	liquidity, ok := liqOut[0].(*big.Int)
	if !ok {
		return slot0{}, fmt.Errorf("liquidity %s: non-integer liquidity", pool.Address)
	}

	return slot0{sqrtPriceX96: sqrtPriceX96, tick: int(tickBig.Int64()), liquidity: liquidity}, nil
}

func (a *V3Adapter) Reserves(ctx context.Context, pool arbtypes.Pool) (*big.Int, *big.Int, error) {
	s, err := a.readSlot0(pool)
	if err != nil {
		return nil, nil, err
	}
	// Token balance under the current single-range simplification:
	// treat the pool's active liquidity at the current tick as a
	// stand-in for depth, since exact in-range reserves require the
	// tick bitmap this adapter does not track.
	amount0, amount1 := fixedpoint.CalculateTokenAmountsFromLiquidity(s.liquidity, s.sqrtPriceX96, int32(s.tick-1), int32(s.tick+1))
	return amount0, amount1, nil
}

func (a *V3Adapter) Quote(ctx context.Context, pool arbtypes.Pool, tokenIn common.Address, amountIn *big.Int) (*arbtypes.Quote, error) {
	s, err := a.readSlot0(pool)
	if err != nil {
		return nil, err
	}
	if s.liquidity == nil || s.liquidity.Sign() <= 0 {
		return nil, nil
	}

	price := fixedpoint.SqrtPriceToPrice(s.sqrtPriceX96)
	var out *big.Float
	if tokenIn == pool.Token0 {
		out = new(big.Float).Mul(new(big.Float).SetInt(amountIn), price)
	} else {
		out = new(big.Float).Quo(new(big.Float).SetInt(amountIn), price)
	}
	outInt, _ := out.Int(nil)

	impact := a.estimateImpact(s, tokenIn, pool, amountIn)
	if ticksCrossed(impact) > a.maxSimulatedTicks {
		if a.quoter == nil {
			// Local single-tick approximation isn't trustworthy this
			// far from spot and there's no quoter to fall back on.
			return nil, nil
		}
		return a.quoteViaQuoter(pool, tokenIn, amountIn)
	}

	return &arbtypes.Quote{
		TokenIn:     tokenIn,
		AmountIn:    amountIn,
		AmountOut:   outInt,
		PriceImpact: impact,
	}, nil
}

// quoteViaQuoter prices amountIn through the pool's on-chain Quoter
// contract, used once the trade would cross more ticks than the local
// slot0-only simulation can safely approximate.
func (a *V3Adapter) quoteViaQuoter(pool arbtypes.Pool, tokenIn common.Address, amountIn *big.Int) (*arbtypes.Quote, error) {
	tokenOut := pool.Token1
	if tokenIn == pool.Token1 {
		tokenOut = pool.Token0
	}
	out, err := a.quoter.Call(nil, "quoteExactInputSingle", tokenIn, tokenOut, new(big.Int).SetUint64(uint64(pool.FeeTier)), amountIn, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("v3 adapter: quoter %s: %w", pool.Address, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("v3 adapter: quoter %s: no output", pool.Address)
	}
	amountOut, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("v3 adapter: quoter %s: non-integer amountOut", pool.Address)
	}
	return &arbtypes.Quote{
		TokenIn:   tokenIn,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		// The quoter already simulates every tick the trade crosses;
		// there's no separate local price-impact figure to report.
		PriceImpact: nil,
	}, nil
}

// ticksCrossed converts an estimated price-impact fraction into an
// approximate tick count, using 1.0001^tick = 1+impact, so the tick
// limit has something concrete to compare against without walking the
// pool's tick bitmap.
func ticksCrossed(impact *big.Float) int {
	if impact == nil {
		return 0
	}
	f, _ := impact.Float64()
	if f <= 0 {
		return 0
	}
	if f >= 1 {
		return math.MaxInt32
	}
	return int(math.Ceil(math.Log1p(f) / math.Log(1.0001)))
}

func (a *V3Adapter) estimateImpact(s slot0, tokenIn common.Address, pool arbtypes.Pool, amountIn *big.Int) *big.Float {
	amount0, amount1 := fixedpoint.CalculateTokenAmountsFromLiquidity(s.liquidity, s.sqrtPriceX96, int32(s.tick-200), int32(s.tick+200))
	depth := amount1
	if tokenIn == pool.Token1 {
		depth = amount0
	}
	if depth == nil || depth.Sign() == 0 {
		return big.NewFloat(1)
	}
	return new(big.Float).Quo(new(big.Float).SetInt(amountIn), new(big.Float).SetInt(depth))
}

func (a *V3Adapter) BuildSwapCalldata(pool arbtypes.Pool, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, recipient common.Address) ([]byte, error) {
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Fee:               new(big.Int).SetUint64(uint64(pool.FeeTier)),
		Recipient:         recipient,
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := a.router.Abi().Pack("exactInputSingle", params)
	if err != nil {
		return nil, fmt.Errorf("pack exactInputSingle: %w", err)
	}
	return data, nil
}
