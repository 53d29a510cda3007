// Package scanner collects fresh quotes once per new chain head. Each
// scan first drives pool discovery for every unordered pair of the
// configured token universe across every protocol with a registered
// adapter (the registry dedups and caches, so a warm registry pays one
// map lookup per pair), then quotes every known pool, fanned out with
// golang.org/x/sync/errgroup so a single scan cycle never opens more
// than MaxParallelRequests concurrent calls against the chain. A scan
// is cancelled outright the moment a newer head arrives: stale-block
// quotes are worthless to the Evaluator and must not finish the race
// against fresher ones.
package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/arbitrage-engine/arbbot/internal/dexadapter"
	"github.com/arbitrage-engine/arbbot/internal/poolregistry"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// Registry is the subset of poolregistry.Registry the scanner needs.
type Registry interface {
	All() []arbtypes.PoolHandle
	Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool)
	GetOrDiscover(ctx context.Context, protocol arbtypes.Protocol, tokenA, tokenB common.Address) (arbtypes.PoolHandle, bool, error)
	RecordQuoteFailure(h arbtypes.PoolHandle)
	RecordQuoteSuccess(h arbtypes.PoolHandle, block uint64)
}

var _ Registry = (*poolregistry.Registry)(nil)

// Scanner holds everything needed to turn a chain head into a batch
// of fresh quotes.
type Scanner struct {
	registry        Registry
	adapters        *dexadapter.Registry
	maxParallel     int
	probeAmountFunc func(token common.Address) *big.Int
	universe        []common.Address
}

// New builds a Scanner. probeAmount returns the notional amount to
// quote each pool with for a given base token, per-token since decimals
// and typical liquidity vary widely across assets. universe is the
// union of configured base and intermediate tokens; every unordered
// pair of it is a discovery candidate on every registered protocol.
func New(registry Registry, adapters *dexadapter.Registry, maxParallel int, probeAmount func(common.Address) *big.Int, universe []common.Address) *Scanner {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Scanner{registry: registry, adapters: adapters, maxParallel: maxParallel, probeAmountFunc: probeAmount, universe: universe}
}

// ScanResult is one pool's fresh two-sided quote pair for the current
// head.
type ScanResult struct {
	Handle arbtypes.PoolHandle
	Pool   arbtypes.Pool
	Quote0 *arbtypes.Quote // Token0 -> Token1
	Quote1 *arbtypes.Quote // Token1 -> Token0
}

// Scan quotes every known, non-invalidated pool at the current head.
// If ctx is cancelled before every quote completes (the Orchestrator
// cancels an in-flight scan deliberately the moment a newer head
// supersedes it), Scan discards whatever partial results it has and
// returns ctx.Err() instead, so a superseded scan can never hand the
// Evaluator a same-block-inconsistent mix of old-head and new-head
// quotes.
func (s *Scanner) Scan(ctx context.Context, head uint64) ([]ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.discover(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handles := s.registry.All()

	results := make([]ScanResult, len(handles))
	var mu sync.Mutex
	var firstErr error

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxParallel)

	for i, h := range handles {
		i, h := i, h
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pool, ok := s.registry.Get(h)
			if !ok {
				return nil
			}
			adapter := s.adapters.For(pool.Protocol)
			if adapter == nil {
				return nil
			}

			amount0 := s.probeAmountFunc(pool.Token0)
			amount1 := s.probeAmountFunc(pool.Token1)

			q0, err0 := adapter.Quote(gctx, pool, pool.Token0, amount0)
			q1, err1 := adapter.Quote(gctx, pool, pool.Token1, amount1)

			if err0 != nil || err1 != nil {
				s.registry.RecordQuoteFailure(h)
				mu.Lock()
				if firstErr == nil && err0 != nil {
					firstErr = err0
				}
				mu.Unlock()
				return nil // one pool's failure doesn't cancel the rest of the scan
			}
			s.registry.RecordQuoteSuccess(h, head)

			now := time.Now()
			for _, q := range []*arbtypes.Quote{q0, q1} {
				if q != nil {
					q.Pool = h
					q.Block = head
					q.Timestamp = now
				}
			}
			results[i] = ScanResult{Handle: h, Pool: pool, Quote0: q0, Quote1: q1}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("scan at head %d: %w", head, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return compact(results), nil
}

// discover ensures every unordered pair of the configured token
// universe has had a discovery attempt on every protocol with a
// registered adapter, so a cold-started registry populates itself
// before the first quote pass. The registry collapses concurrent
// lookups per key and caches the result, so warm scans pay only a map
// lookup per pair.
func (s *Scanner) discover(ctx context.Context) {
	if len(s.universe) < 2 {
		return
	}
	protocols := s.adapters.Protocols()
	if len(protocols) == 0 {
		return
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxParallel)
	for i := 0; i < len(s.universe); i++ {
		for j := i + 1; j < len(s.universe); j++ {
			tokenA, tokenB := s.universe[i], s.universe[j]
			for _, protocol := range protocols {
				protocol := protocol
				group.Go(func() error {
					if gctx.Err() != nil {
						return nil
					}
					// a pair with no pool on this protocol is routine,
					// not a scan failure; the quote pass works off
					// whatever the registry holds afterwards.
					_, _, _ = s.registry.GetOrDiscover(gctx, protocol, tokenA, tokenB)
					return nil
				})
			}
		}
	}
	_ = group.Wait()
}

func compact(results []ScanResult) []ScanResult {
	out := make([]ScanResult, 0, len(results))
	for _, r := range results {
		if r.Quote0 != nil || r.Quote1 != nil {
			out = append(out, r)
		}
	}
	return out
}
