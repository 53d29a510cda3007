package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestV2Out(t *testing.T) {
	reserveIn := big.NewInt(1_000_000_000000000000)  // 1,000,000 tokens, 18 decimals
	reserveOut := big.NewInt(2_000_000_000000)        // 2,000,000 tokens, 6 decimals
	amountIn := big.NewInt(1_000_000000000000)        // 1,000 tokens in

	out := V2Out(amountIn, reserveIn, reserveOut, 30) // 0.3% fee
	assert.NotNil(t, out)
	assert.True(t, out.Sign() > 0)
	assert.True(t, out.Cmp(reserveOut) < 0, "output must be less than total reserve")
}

func TestV2OutZeroLiquidity(t *testing.T) {
	out := V2Out(big.NewInt(100), big.NewInt(0), big.NewInt(0), 30)
	assert.Nil(t, out, "zero-liquidity pool must return no-quote, not zero")
}

func TestV2OutRoundTrip(t *testing.T) {
	// Quoting in then quoting the output back out should land close to
	// the original input, within the fee taken twice plus rounding.
	reserveIn := big.NewInt(0)
	reserveIn.SetString("500000000000000000000", 10)
	reserveOut := big.NewInt(0)
	reserveOut.SetString("300000000000", 10)
	amountIn := big.NewInt(0)
	amountIn.SetString("1000000000000000000", 10)

	out := V2Out(amountIn, reserveIn, reserveOut, 30)
	back := V2Out(out, reserveOut, reserveIn, 30)

	// within 1% (two 0.3% fees plus curvature) of the original in-amount
	diff := new(big.Int).Sub(amountIn, back)
	diff.Abs(diff)
	onePercent := new(big.Int).Quo(amountIn, big.NewInt(100))
	assert.True(t, diff.Cmp(onePercent) <= 0, "round trip drift too large: %s vs onePercent %s", diff, onePercent)
}

func TestMinOutSlippageBounds(t *testing.T) {
	gross := big.NewInt(1_000_000)

	zero := MinOut(gross, 0)
	assert.Equal(t, gross, zero, "zero slippage tolerance must not reduce the minimum output")

	max := MinOut(gross, 10_000)
	assert.Equal(t, big.NewInt(0), max, "maximum slippage tolerance allows min_out of zero")
}

func TestTickToSqrtPriceX96(t *testing.T) {
	sqrtPrice := TickToSqrtPriceX96(-249428)
	expected, _ := big.NewInt(0).SetString("304011615425126403287043", 10)

	diff := new(big.Int).Sub(sqrtPrice, expected)
	diff.Abs(diff)
	// big.Float precision of 200 bits keeps us within a tiny ULP band
	tolerance := new(big.Int).Rsh(expected, 60)
	assert.True(t, diff.Cmp(tolerance) <= 0, "tick->sqrtPrice drifted: got %s want %s", sqrtPrice, expected)
}

func TestComputeAmountsWithinBudget(t *testing.T) {
	sqrtPriceX96, _ := big.NewInt(0).SetString("275467826341246019486853", 10)
	tick := -251400
	tickLower := -252000
	tickUpper := -250800
	amount0Max, _ := big.NewInt(0).SetString("99999309985252461722", 10)
	amount1Max, _ := big.NewInt(0).SetString("1208870000", 10)

	amount0, amount1, liquidity := ComputeAmounts(sqrtPriceX96, tick, tickLower, tickUpper, amount0Max, amount1Max)

	assert.True(t, liquidity.Sign() > 0)
	assert.True(t, amount0.Cmp(amount0Max) <= 0)
	assert.True(t, amount1.Cmp(amount1Max) <= 0)
}

func TestCalculateTickBoundsEvenWidth(t *testing.T) {
	lower, upper, err := CalculateTickBounds(-249587, 10, 200)
	assert.NoError(t, err)
	assert.True(t, lower < -249587)
	assert.True(t, upper > -249587)
	assert.Equal(t, int32(0), lower%200)
	assert.Equal(t, int32(0), upper%200)
}

func TestBpsOfRoundsAwayFromZero(t *testing.T) {
	// 1 unit * 1bps should round up to 1, not truncate to 0.
	got := BpsOf(big.NewInt(1), 1)
	assert.Equal(t, big.NewInt(1), got)
}
