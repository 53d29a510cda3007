// Package dexadapter normalizes every supported DEX protocol behind a
// single Adapter interface, one dispatch point the Scanner and Planner
// share regardless of pool kind. Adapters hold a
// pkg/contractclient.ContractClient per pool contract and never a bare
// *ethclient.Client.
package dexadapter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// PoolBinder is implemented by every Adapter that holds a per-pool
// contract client map. Callers that discover a new pool at runtime
// (the Pool Registry's GetOrDiscover path) type-assert an Adapter to
// this interface to register the pool's bound contract client before
// the next quote.
type PoolBinder interface {
	BindPool(addr common.Address, cc contractclient.ContractClient)
}

// Adapter is the capability every pool protocol must provide: quote a
// swap and produce the calldata to execute it. The Flash-Loan Planner
// calls BuildSwapCalldata directly; it never re-derives calldata
// itself.
type Adapter interface {
	Protocol() arbtypes.Protocol

	// Quote returns the output amount and price impact of swapping
	// amountIn of tokenIn through pool, or (nil, nil) if the pool
	// currently offers no usable liquidity for the pair.
	Quote(ctx context.Context, pool arbtypes.Pool, tokenIn common.Address, amountIn *big.Int) (*arbtypes.Quote, error)

	// BuildSwapCalldata returns the ABI-encoded call that performs the
	// swap, to be embedded in a PlanOperation by the Flash-Loan
	// Planner. minOut enforces the slippage floor computed upstream.
	BuildSwapCalldata(pool arbtypes.Pool, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, recipient common.Address) ([]byte, error)

	// Reserves returns the protocol's notion of a pool's liquidity
	// depth for a given pair, read by each adapter's own Quote. The
	// Path Finder does not call it.
	Reserves(ctx context.Context, pool arbtypes.Pool) (reserve0, reserve1 *big.Int, err error)
}

// Registry looks up the adapter responsible for a Protocol.
type Registry struct {
	byProtocol map[arbtypes.Protocol]Adapter
}

// NewRegistry builds a Registry from a set of adapters, one per
// protocol they implement.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byProtocol: make(map[arbtypes.Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		r.byProtocol[a.Protocol()] = a
	}
	return r
}

// For returns the adapter for a protocol, or nil if none is
// registered; the Scanner skips pools whose protocol has no adapter
// rather than failing the whole cycle.
func (r *Registry) For(p arbtypes.Protocol) Adapter {
	return r.byProtocol[p]
}

// Protocols returns every protocol tag with a registered adapter, in
// no particular order. The Scanner's discovery pass probes each of
// them for every configured token pair.
func (r *Registry) Protocols() []arbtypes.Protocol {
	out := make([]arbtypes.Protocol, 0, len(r.byProtocol))
	for p := range r.byProtocol {
		out = append(out, p)
	}
	return out
}
