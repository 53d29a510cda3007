// Package evaluator turns a candidate Path into either an Opportunity
// or an explicit Rejected, never an exception: every candidate from
// the Path Finder runs through hop-by-hop quote chaining, a gas cost
// estimate, and a binary search over the input amount to find the
// most profitable size before the net-profit figure is computed in
// fixed point. All profit math rounds toward zero; all cost math
// rounds away from zero, per internal/fixedpoint's conventions.
package evaluator

import (
	"context"
	"errors"
	"math/big"

	"github.com/arbitrage-engine/arbbot/internal/dexadapter"
	"github.com/arbitrage-engine/arbbot/internal/fixedpoint"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// ErrStaleHead names the stale-head condition. Evaluate does not return
// it: a head more than QuoteMaxAge blocks past the quoted block yields
// a Rejected with reason RejectStaleHead instead.
var ErrStaleHead = errors.New("evaluator: head is stale relative to quoted block")

// Config bounds the evaluator's search and profitability floor.
type Config struct {
	MinProfitWei     *big.Int
	GasPriceWei      *big.Int
	FlashLoanFeeBps  uint32
	BinarySearchIter int // default 6
	DustThresholdWei *big.Int
	MinAmountWei     *big.Int
	MaxAmountWei     *big.Int
	QuoteMaxAge      uint64 // max blocks a quote may lag the current head
}

// GasEstimator returns the estimated gas a path's full swap sequence
// will consume, a heuristic by hop count. The Flash-Loan Planner's
// simulation does not revise it.
type GasEstimator func(hopCount int) uint64

// Evaluator chains per-hop quotes from a DEX adapter registry and
// sizes the most profitable amount for a candidate path.
type Evaluator struct {
	adapters *dexadapter.Registry
	cfg      Config
	gasFn    GasEstimator
}

// New builds an Evaluator.
func New(adapters *dexadapter.Registry, cfg Config, gasFn GasEstimator) *Evaluator {
	if cfg.BinarySearchIter <= 0 {
		cfg.BinarySearchIter = 6
	}
	if cfg.DustThresholdWei == nil || cfg.DustThresholdWei.Sign() <= 0 {
		cfg.DustThresholdWei = big.NewInt(1)
	}
	if gasFn == nil {
		gasFn = func(hopCount int) uint64 { return uint64(120_000 + hopCount*80_000) }
	}
	return &Evaluator{adapters: adapters, cfg: cfg, gasFn: gasFn}
}

// PoolResolver is the minimal pool-resolution capability Evaluate needs,
// satisfied by poolregistry.Registry.
type PoolResolver interface {
	Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool)
}

// Evaluate prices a candidate path at a range of input amounts via
// binary search and returns exactly one of Opportunity or Rejected.
func (e *Evaluator) Evaluate(ctx context.Context, path arbtypes.Path, pools PoolResolver, head, quotedBlock uint64) arbtypes.EvalResult {
	if quotedBlock != 0 && head > quotedBlock && head-quotedBlock > e.cfg.QuoteMaxAge {
		return rejected(path, arbtypes.RejectStaleHead, "head outran quoted block beyond QuoteMaxAge")
	}
	if !path.Closed() {
		return rejected(path, arbtypes.RejectNoLiquidity, "path is not a closed cycle")
	}

	lo, hi := new(big.Int).Set(e.cfg.MinAmountWei), new(big.Int).Set(e.cfg.MaxAmountWei)
	if lo.Sign() <= 0 {
		lo = big.NewInt(1)
	}
	if hi.Cmp(lo) <= 0 {
		return rejected(path, arbtypes.RejectNoLiquidity, "max amount is not above min amount")
	}

	bestAmountIn := new(big.Int).Set(lo)
	bestProfit := big.NewInt(0)
	bestOut := big.NewInt(0)
	haveAny := false

	for i := 0; i < e.cfg.BinarySearchIter; i++ {
		mid := new(big.Int).Add(lo, hi)
		mid.Quo(mid, big.NewInt(2))

		out, err := e.chain(ctx, path, pools, mid)
		if err != nil {
			return rejected(path, arbtypes.RejectNoLiquidity, err.Error())
		}
		if out == nil {
			hi = mid
			continue
		}

		profit := e.netProfit(mid, out, len(path.Hops))
		if profit.Cmp(bestProfit) > 0 || !haveAny {
			bestProfit = profit
			bestAmountIn = new(big.Int).Set(mid)
			bestOut = out
			haveAny = true
		}

		// marginal-gain heuristic: raise the lower bound when net profit
		// is still increasing one dust step above mid, lower the upper
		// bound otherwise, narrowing toward the size where marginal
		// slippage eats marginal output.
		marginalIn := new(big.Int).Add(mid, e.cfg.DustThresholdWei)
		marginalOut, _ := e.chain(ctx, path, pools, marginalIn)
		if marginalOut != nil && e.netProfit(marginalIn, marginalOut, len(path.Hops)).Cmp(profit) > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}

	if !haveAny || bestProfit.Cmp(e.cfg.MinProfitWei) < 0 {
		return rejected(path, arbtypes.RejectUnprofitable, "best sized profit below minimum threshold")
	}

	gasEstimate := e.gasFn(len(path.Hops))
	gasCost := fixedpoint.MulDivRoundAwayFromZero(new(big.Int).SetUint64(gasEstimate), e.cfg.GasPriceWei, big.NewInt(1))
	if bestProfit.Cmp(gasCost) <= 0 {
		return rejected(path, arbtypes.RejectBelowGasFloor, "profit does not clear estimated gas cost")
	}

	path.AmountIn = bestAmountIn
	path.AmountOut = bestOut
	return arbtypes.EvalResult{Opportunity: &arbtypes.Opportunity{
		Path:         path,
		AmountIn:     bestAmountIn,
		GrossOut:     bestOut,
		GasEstimate:  gasEstimate,
		GasPrice:     e.cfg.GasPriceWei,
		FlashLoanFee: fixedpoint.BpsOf(bestAmountIn, e.cfg.FlashLoanFeeBps),
		NetProfit:    new(big.Int).Sub(bestProfit, gasCost),
		HeadBlock:    head,
	}}
}

// chain prices amountIn through every hop of path in sequence,
// returning nil if any hop reports no usable liquidity.
func (e *Evaluator) chain(ctx context.Context, path arbtypes.Path, pools PoolResolver, amountIn *big.Int) (*big.Int, error) {
	current := amountIn
	for _, hop := range path.Hops {
		pool, ok := pools.Get(hop.Pool)
		if !ok {
			return nil, errors.New("evaluator: pool handle not resolvable")
		}
		adapter := e.adapters.For(pool.Protocol)
		if adapter == nil {
			return nil, nil
		}
		quote, err := adapter.Quote(ctx, pool, hop.TokenIn, current)
		if err != nil {
			return nil, err
		}
		if quote == nil {
			return nil, nil
		}
		current = quote.AmountOut
	}
	return current, nil
}

// netProfit computes grossOut - amountIn - flashLoanFee, rounding the
// fee (a cost) away from zero and the final subtraction as an integer
// difference (already exact).
func (e *Evaluator) netProfit(amountIn, grossOut *big.Int, hopCount int) *big.Int {
	fee := fixedpoint.BpsOf(amountIn, e.cfg.FlashLoanFeeBps)
	profit := new(big.Int).Sub(grossOut, amountIn)
	profit.Sub(profit, fee)
	return profit
}

func rejected(path arbtypes.Path, reason arbtypes.RejectReason, detail string) arbtypes.EvalResult {
	return arbtypes.EvalResult{Rejected: &arbtypes.Rejected{Path: path, Reason: reason, Detail: detail}}
}
