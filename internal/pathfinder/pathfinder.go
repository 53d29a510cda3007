// Package pathfinder turns one scan cycle's fresh quotes into a set of
// closed arbitrage cycles through a base token: a direct there-and-back
// comparison for length-2 paths, and a depth-bounded DFS for length 3
// and 4 restricted to the configured preferred-intermediate-token set,
// pruning any hop whose quoted price impact alone already
// exceeds the configured ceiling. Ties are broken deterministically
// (fewest hops, then lowest aggregate price impact, then
// lexicographically smallest pool address) so two runs over the same
// scan produce the same candidate order.
package pathfinder

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arbitrage-engine/arbbot/internal/scanner"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// edge is one quoted direction through a pool, the pathfinder's view
// of a scanner.ScanResult split into its two directed legs.
type edge struct {
	handle      arbtypes.PoolHandle
	poolAddr    common.Address
	tokenIn     common.Address
	tokenOut    common.Address
	priceImpact *big.Float
}

// Config bounds the search.
type Config struct {
	MaxPathLength     int    // 2..4
	MaxPriceImpactBps uint32 // prune any single hop above this

	// IntermediateTokens is the preferred-intermediate set: every
	// intermediate token of a path of length 3 or more must be in it.
	// Direct two-leg cycles are exempt, and an empty set disables the
	// restriction entirely.
	IntermediateTokens map[common.Address]bool
}

// Finder builds a directed multigraph from a scan and searches it for
// cycles back to a base token.
type Finder struct {
	cfg   Config
	graph map[common.Address][]edge
}

// New builds a Finder from one scan cycle's results.
func New(results []scanner.ScanResult, cfg Config) *Finder {
	if cfg.MaxPathLength < 2 {
		cfg.MaxPathLength = 2
	}
	if cfg.MaxPathLength > 4 {
		cfg.MaxPathLength = 4
	}
	f := &Finder{cfg: cfg, graph: make(map[common.Address][]edge)}
	for _, r := range results {
		if r.Quote0 != nil {
			f.addEdge(r.Handle, r.Pool.Address, r.Pool.Token0, r.Pool.Token1, r.Quote0.PriceImpact)
		}
		if r.Quote1 != nil {
			f.addEdge(r.Handle, r.Pool.Address, r.Pool.Token1, r.Pool.Token0, r.Quote1.PriceImpact)
		}
	}
	return f
}

func (f *Finder) addEdge(handle arbtypes.PoolHandle, poolAddr, tokenIn, tokenOut common.Address, impact *big.Float) {
	if impact != nil {
		bps := new(big.Float).Mul(impact, big.NewFloat(10_000))
		if bpsF, _ := bps.Float64(); uint32(bpsF) > f.cfg.MaxPriceImpactBps {
			return
		}
	}
	f.graph[tokenIn] = append(f.graph[tokenIn], edge{handle: handle, poolAddr: poolAddr, tokenIn: tokenIn, tokenOut: tokenOut, priceImpact: impact})
}

// FindCycles returns every closed path starting and ending at
// baseToken, up to MaxPathLength hops, ordered deterministically:
// fewest hops first, then lowest aggregate price impact, then
// lexicographically smallest pool address sequence.
func (f *Finder) FindCycles(baseToken common.Address) []arbtypes.Path {
	restricted := len(f.cfg.IntermediateTokens) > 0
	var out []arbtypes.Path
	usedPools := map[arbtypes.PoolHandle]bool{}
	var walk func(current common.Address, hops []arbtypes.Hop, impact *big.Float, visited map[common.Address]bool, offUniverse bool)
	walk = func(current common.Address, hops []arbtypes.Hop, impact *big.Float, visited map[common.Address]bool, offUniverse bool) {
		if len(hops) >= 2 && current == baseToken {
			out = append(out, arbtypes.Path{Hops: append([]arbtypes.Hop(nil), hops...), BaseToken: baseToken})
		}
		if len(hops) >= f.cfg.MaxPathLength {
			return
		}
		for _, e := range f.graph[current] {
			if e.tokenOut != baseToken && visited[e.tokenOut] {
				continue // no revisiting an intermediate token within one path
			}
			if usedPools[e.handle] {
				continue // a round trip through the same pool can only lose the fee
			}
			// Length >= 3 paths may only route through the preferred
			// intermediate set. A token outside the set is tolerated as
			// the single intermediate of a direct two-leg cycle (the
			// length-2 comparison is unrestricted), so it may be
			// entered on the first hop but never extended past, and an
			// unlisted intermediate may not appear deeper in any path.
			enteringUnlisted := restricted && e.tokenOut != baseToken && !f.cfg.IntermediateTokens[e.tokenOut]
			if enteringUnlisted && len(hops) > 0 {
				continue
			}
			if offUniverse && e.tokenOut != baseToken {
				continue
			}
			nextImpact := impact
			if e.priceImpact != nil {
				if nextImpact == nil {
					nextImpact = new(big.Float).Set(e.priceImpact)
				} else {
					nextImpact = new(big.Float).Add(nextImpact, e.priceImpact)
				}
			}
			visited[e.tokenOut] = true
			usedPools[e.handle] = true
			walk(e.tokenOut, append(hops, arbtypes.Hop{Pool: e.handle, TokenIn: e.tokenIn, TokenOut: e.tokenOut}), nextImpact, visited, offUniverse || enteringUnlisted)
			delete(usedPools, e.handle)
			delete(visited, e.tokenOut)
		}
	}
	walk(baseToken, nil, nil, map[common.Address]bool{baseToken: true}, false)

	sortDeterministic(out, f)
	return out
}

func sortDeterministic(paths []arbtypes.Path, f *Finder) {
	aggregateImpact := func(p arbtypes.Path) *big.Float {
		total := big.NewFloat(0)
		for _, h := range p.Hops {
			for _, e := range f.graph[h.TokenIn] {
				if e.handle == h.Pool && e.tokenOut == h.TokenOut && e.priceImpact != nil {
					total.Add(total, e.priceImpact)
				}
			}
		}
		return total
	}
	// poolKey concatenates the actual on-chain pool address of each hop,
	// in path order, so ties compare lexicographically on address bytes
	// rather than on the arbitrary, handle-assignment-order-dependent
	// PoolHandle integer.
	poolKey := func(p arbtypes.Path) []byte {
		var key []byte
		for _, h := range p.Hops {
			for _, e := range f.graph[h.TokenIn] {
				if e.handle == h.Pool && e.tokenOut == h.TokenOut {
					key = append(key, e.poolAddr.Bytes()...)
					break
				}
			}
		}
		return key
	}

	sort.SliceStable(paths, func(i, j int) bool {
		if len(paths[i].Hops) != len(paths[j].Hops) {
			return len(paths[i].Hops) < len(paths[j].Hops)
		}
		ii, ij := aggregateImpact(paths[i]), aggregateImpact(paths[j])
		if cmp := ii.Cmp(ij); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(poolKey(paths[i]), poolKey(paths[j])) < 0
	})
}
