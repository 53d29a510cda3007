// Package fixedpoint is the single helper module for decimal
// arithmetic in the engine. Every profit or cost figure that crosses a
// component boundary is an integer with an explicit decimal exponent;
// no float participates in a profit calculation. Rounding is fixed by
// convention: round-toward-zero on profit, round-away-from-zero on
// cost.
package fixedpoint

import "math/big"

var (
	q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	q96f = new(big.Float).SetInt(q96)

	bpsDenominator = big.NewInt(10_000)
)

// MulDivRoundToZero computes floor(a*b/denom) for non-negative a, b,
// denom, i.e. truncation toward zero. Used for anything that is a
// "profit" figure: underestimating a gain is the safe direction.
func MulDivRoundToZero(a, b, denom *big.Int) *big.Int {
	if denom.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(a, b)
	return num.Quo(num, denom)
}

// MulDivRoundAwayFromZero computes ceil(a*b/denom) for non-negative a,
// b, denom. Used for anything that is a "cost" figure: a cost must
// never be underestimated.
func MulDivRoundAwayFromZero(a, b, denom *big.Int) *big.Int {
	if denom.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(num, denom, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// BpsOf applies a basis-points fraction to amount, rounding away from
// zero; used for fees and slippage cushions, both costs.
func BpsOf(amount *big.Int, bps uint32) *big.Int {
	return MulDivRoundAwayFromZero(amount, big.NewInt(int64(bps)), bpsDenominator)
}

// ApplyFeeRoundToZero removes a basis-points fee from amount, rounding
// the remaining (a gain from the caller's perspective) toward zero.
func ApplyFeeRoundToZero(amount *big.Int, feeBps uint32) *big.Int {
	remainingBps := int64(10_000) - int64(feeBps)
	if remainingBps < 0 {
		remainingBps = 0
	}
	return MulDivRoundToZero(amount, big.NewInt(remainingBps), bpsDenominator)
}

// MinOut applies a slippage tolerance (in bps) to a quoted gross
// output, producing the minimum acceptable output. This is a floor a
// transaction reverts below, so it rounds away from zero (the stricter
// direction: a smaller min_out would be an unsafe rounding error).
func MinOut(grossOut *big.Int, slippageBps uint32) *big.Int {
	kept := int64(10_000) - int64(slippageBps)
	if kept < 0 {
		kept = 0
	}
	return MulDivRoundAwayFromZero(grossOut, big.NewInt(kept), bpsDenominator)
}

// V2Out implements the constant-product closed form:
//
//	out = (in * (1-f) * R_out) / (R_in + in * (1-f))
//
// feeBps is the pool fee in basis points. Returns nil if the pool has
// no usable liquidity (zero-liquidity pools must signal no-quote, not
// a zero amount).
func V2Out(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) *big.Int {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return big.NewInt(0)
	}
	inAfterFee := ApplyFeeRoundToZero(amountIn, feeBps)
	numerator := new(big.Int).Mul(inAfterFee, reserveOut)
	denominator := new(big.Int).Add(reserveIn, inAfterFee)
	if denominator.Sign() == 0 {
		return nil
	}
	return new(big.Int).Quo(numerator, denominator)
}

// V2PriceImpact computes the fractional price change a trade of
// amountIn causes against a V2 pool's spot price, as a *big.Float in
// [0, 1), or exactly 1 when the pool has no usable liquidity.
func V2PriceImpact(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) *big.Float {
	out := V2Out(amountIn, reserveIn, reserveOut, feeBps)
	if out == nil || reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return big.NewFloat(1)
	}
	spotOut := new(big.Float).Quo(
		new(big.Float).Mul(new(big.Float).SetInt(amountIn), new(big.Float).SetInt(reserveOut)),
		new(big.Float).SetInt(reserveIn),
	)
	actualOut := new(big.Float).SetInt(out)
	if spotOut.Sign() == 0 {
		return big.NewFloat(0)
	}
	diff := new(big.Float).Sub(spotOut, actualOut)
	return new(big.Float).Quo(diff, spotOut)
}

// TickToSqrtPriceX96 converts a V3 tick to its Q64.96 sqrt-price
// representation: sqrtPriceX96 = sqrt(1.0001^tick) * 2^96, evaluated
// with big.Float for precision then truncated to an integer.
func TickToSqrtPriceX96(tick int) *big.Int {
	base, _ := new(big.Float).SetPrec(200).SetString("1.0001")
	ratio := new(big.Float).SetPrec(200).SetFloat64(1)
	abs := tick
	neg := tick < 0
	if neg {
		abs = -tick
	}
	b := new(big.Float).SetPrec(200).Set(base)
	for abs > 0 {
		if abs&1 == 1 {
			ratio.Mul(ratio, b)
		}
		b.Mul(b, b)
		abs >>= 1
	}
	if neg {
		ratio.Quo(big.NewFloat(1), ratio)
	}
	sqrtRatio := new(big.Float).SetPrec(200).Sqrt(ratio)
	scaled := new(big.Float).SetPrec(200).Mul(sqrtRatio, q96f)
	out, _ := scaled.Int(nil)
	return out
}

// SqrtPriceToPrice converts a Q64.96 sqrt price into the unscaled
// price ratio (token1 per token0), as a *big.Float.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) *big.Float {
	ratio := new(big.Float).SetPrec(200).Quo(new(big.Float).SetInt(sqrtPriceX96), q96f)
	return new(big.Float).SetPrec(200).Mul(ratio, ratio)
}

// ComputeAmounts returns the (amount0, amount1, liquidity) a position
// between tickLower and tickUpper would consume given a current price
// and a budget of at most amount0Max/amount1Max, following the
// standard concentrated-liquidity amounts-for-liquidity formulas.
func ComputeAmounts(sqrtPriceX96 *big.Int, tick, tickLower, tickUpper int, amount0Max, amount1Max *big.Int) (*big.Int, *big.Int, *big.Int) {
	sqrtLower := TickToSqrtPriceX96(tickLower)
	sqrtUpper := TickToSqrtPriceX96(tickUpper)
	sqrtCurrent := sqrtPriceX96
	if tick <= tickLower {
		sqrtCurrent = sqrtLower
	} else if tick >= tickUpper {
		sqrtCurrent = sqrtUpper
	}

	l0 := liquidityForAmount0(sqrtCurrent, sqrtUpper, amount0Max)
	l1 := liquidityForAmount1(sqrtLower, sqrtCurrent, amount1Max)

	var liquidity *big.Int
	switch {
	case tick < tickLower:
		liquidity = l0
	case tick >= tickUpper:
		liquidity = l1
	default:
		if l0.Cmp(l1) < 0 {
			liquidity = l0
		} else {
			liquidity = l1
		}
	}

	amount0, amount1 := CalculateTokenAmountsFromLiquidity(liquidity, sqrtCurrent, int32(tickLower), int32(tickUpper))
	return amount0, amount1, liquidity
}

func liquidityForAmount0(sqrtA, sqrtB *big.Int, amount0 *big.Int) *big.Int {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	if lo.Sign() == 0 || hi.Cmp(lo) == 0 {
		return big.NewInt(0)
	}
	intermediate := new(big.Int).Mul(lo, hi)
	intermediate.Quo(intermediate, q96)
	numerator := new(big.Int).Mul(amount0, intermediate)
	denom := new(big.Int).Sub(hi, lo)
	if denom.Sign() == 0 {
		return big.NewInt(0)
	}
	return numerator.Quo(numerator, denom)
}

func liquidityForAmount1(sqrtA, sqrtB *big.Int, amount1 *big.Int) *big.Int {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	denom := new(big.Int).Sub(hi, lo)
	if denom.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(amount1, q96)
	return numerator.Quo(numerator, denom)
}

// CalculateTokenAmountsFromLiquidity is the inverse of ComputeAmounts:
// given liquidity and a price, how much of each token a position
// between tickLower/tickUpper currently holds.
func CalculateTokenAmountsFromLiquidity(liquidity *big.Int, sqrtPriceX96 *big.Int, tickLower, tickUpper int32) (*big.Int, *big.Int) {
	sqrtLower := TickToSqrtPriceX96(int(tickLower))
	sqrtUpper := TickToSqrtPriceX96(int(tickUpper))
	sqrtCurrent := sqrtPriceX96

	if liquidity == nil || liquidity.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}

	var amount0, amount1 *big.Int
	switch {
	case sqrtCurrent.Cmp(sqrtLower) <= 0:
		amount0 = amount0ForLiquidity(liquidity, sqrtLower, sqrtUpper)
		amount1 = big.NewInt(0)
	case sqrtCurrent.Cmp(sqrtUpper) >= 0:
		amount0 = big.NewInt(0)
		amount1 = amount1ForLiquidity(liquidity, sqrtLower, sqrtUpper)
	default:
		amount0 = amount0ForLiquidity(liquidity, sqrtCurrent, sqrtUpper)
		amount1 = amount1ForLiquidity(liquidity, sqrtLower, sqrtCurrent)
	}
	return amount0, amount1
}

func amount0ForLiquidity(liquidity, sqrtA, sqrtB *big.Int) *big.Int {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	if lo.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(liquidity, q96)
	numerator.Mul(numerator, new(big.Int).Sub(hi, lo))
	denom := new(big.Int).Mul(hi, lo)
	if denom.Sign() == 0 {
		return big.NewInt(0)
	}
	return numerator.Quo(numerator, denom)
}

func amount1ForLiquidity(liquidity, sqrtA, sqrtB *big.Int) *big.Int {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	numerator := new(big.Int).Mul(liquidity, new(big.Int).Sub(hi, lo))
	return numerator.Quo(numerator, q96)
}

// CalculateTickBounds returns a symmetric [tickLower, tickUpper] range
// of the given width (rounded to tickSpacing) centred on currentTick.
func CalculateTickBounds(currentTick int32, rangeWidth, tickSpacing int) (int32, int32, error) {
	half := (rangeWidth * tickSpacing) / 2
	lower := int(currentTick) - half
	upper := int(currentTick) + half
	lower -= lower % tickSpacing
	upper -= upper % tickSpacing
	if upper <= lower {
		upper = lower + tickSpacing
	}
	return int32(lower), int32(upper), nil
}
