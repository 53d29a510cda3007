// Package poolregistry is the arena-backed store of known pools: every
// other component holds a arbtypes.PoolHandle, never a *Pool, so the
// registry is free to compact, evict and re-home entries without
// invalidating anyone else's references. Discovery for a pair that is
// not yet known is deduplicated across concurrent callers with
// golang.org/x/sync/singleflight. An optional Store persists pool
// metadata across restarts.
package poolregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// Discoverer finds a pool for a token pair on a given protocol,
// querying chain state (factory getPair/getPool calls) the first time
// a pair is seen.
type Discoverer interface {
	Discover(ctx context.Context, protocol arbtypes.Protocol, tokenA, tokenB common.Address) (*arbtypes.Pool, error)
}

// Store persists discovered pools so a restart doesn't re-pay the
// discovery cost for every pair.
type Store interface {
	Save(ctx context.Context, pool arbtypes.Pool) error
	LoadAll(ctx context.Context) ([]arbtypes.Pool, error)
}

type entry struct {
	pool       arbtypes.Pool
	lastSeenAt time.Time
}

// Registry is the arena: handles are stable indices into entries,
// guarded by mu for concurrent scanner goroutines.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	byKey   map[pairKey]arbtypes.PoolHandle

	discoverer    Discoverer
	store         Store
	group         singleflight.Group
	failThreshold int
	ttl           time.Duration
}

type pairKey struct {
	protocol arbtypes.Protocol
	a, b     common.Address
}

func normalizedKey(protocol arbtypes.Protocol, tokenA, tokenB common.Address) pairKey {
	if tokenA.Cmp(tokenB) > 0 {
		tokenA, tokenB = tokenB, tokenA
	}
	return pairKey{protocol: protocol, a: tokenA, b: tokenB}
}

// defaultTTL is how long a pool may go unseen before it's treated as
// suspect even without a quote failure, when the caller doesn't
// configure one explicitly.
const defaultTTL = 10 * time.Minute

// New builds an empty Registry. store may be nil, in which case
// nothing is persisted across restarts. ttl <= 0 uses defaultTTL.
func New(discoverer Discoverer, store Store, failThreshold int, ttl time.Duration) *Registry {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Registry{
		byKey:         make(map[pairKey]arbtypes.PoolHandle),
		discoverer:    discoverer,
		store:         store,
		failThreshold: failThreshold,
		ttl:           ttl,
	}
}

// WarmFromStore preloads every persisted pool into the arena, used at
// startup to skip re-discovering pairs seen in a prior run.
func (r *Registry) WarmFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	pools, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("warm pool registry from store: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pools {
		key := normalizedKey(p.Protocol, p.Token0, p.Token1)
		if _, exists := r.byKey[key]; exists {
			continue
		}
		r.entries = append(r.entries, entry{pool: p, lastSeenAt: time.Now()})
		r.byKey[key] = arbtypes.PoolHandle(len(r.entries) - 1)
	}
	return nil
}

// GetOrDiscover returns the handle for a known pool, or discovers one
// if the pair hasn't been seen. Concurrent callers for the same pair
// collapse onto a single Discover call.
func (r *Registry) GetOrDiscover(ctx context.Context, protocol arbtypes.Protocol, tokenA, tokenB common.Address) (arbtypes.PoolHandle, bool, error) {
	key := normalizedKey(protocol, tokenA, tokenB)

	r.mu.RLock()
	if h, ok := r.byKey[key]; ok {
		r.mu.RUnlock()
		return h, true, nil
	}
	r.mu.RUnlock()

	sfKey := fmt.Sprintf("%d:%s:%s", protocol, key.a.Hex(), key.b.Hex())
	result, err, _ := r.group.Do(sfKey, func() (interface{}, error) {
		// re-check after acquiring the singleflight slot: another
		// goroutine may have finished discovery while we waited.
		r.mu.RLock()
		if h, ok := r.byKey[key]; ok {
			r.mu.RUnlock()
			return h, nil
		}
		r.mu.RUnlock()

		pool, err := r.discoverer.Discover(ctx, protocol, tokenA, tokenB)
		if err != nil {
			return arbtypes.PoolHandle(-1), fmt.Errorf("discover %s/%s: %w", tokenA, tokenB, err)
		}
		if pool == nil {
			return arbtypes.PoolHandle(-1), nil
		}

		r.mu.Lock()
		r.entries = append(r.entries, entry{pool: *pool, lastSeenAt: time.Now()})
		h := arbtypes.PoolHandle(len(r.entries) - 1)
		r.byKey[key] = h
		r.mu.Unlock()

		if r.store != nil {
			if err := r.store.Save(ctx, *pool); err != nil {
				return h, fmt.Errorf("persist discovered pool: %w", err)
			}
		}
		return h, nil
	})
	if err != nil {
		return arbtypes.PoolHandle(-1), false, err
	}
	h := result.(arbtypes.PoolHandle)
	if h < 0 {
		return h, false, nil // pair has no pool on this protocol
	}
	return h, true, nil
}

// Get resolves a handle to the current pool snapshot.
func (r *Registry) Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(h) < 0 || int(h) >= len(r.entries) {
		return arbtypes.Pool{}, false
	}
	return r.entries[h].pool, true
}

// evictStale invalidates any pool not seen within the registry's TTL,
// so a scan never quotes a pool whose staleness the failure counter
// alone hasn't caught yet.
func (r *Registry) evictStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for i := range r.entries {
		if r.entries[i].pool.Invalidated() {
			continue
		}
		if StalenessCutoff(r.ttl, now, r.entries[i].lastSeenAt) {
			r.entries[i].pool.RecordFailure(0)
		}
	}
}

// All returns every non-invalidated pool handle, for the Scanner to
// fan out quote requests over.
func (r *Registry) All() []arbtypes.PoolHandle {
	r.evictStale()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]arbtypes.PoolHandle, 0, len(r.entries))
	for i, e := range r.entries {
		if !e.pool.Invalidated() {
			out = append(out, arbtypes.PoolHandle(i))
		}
	}
	return out
}

// RecordQuoteFailure marks a consecutive quote failure against a pool,
// evicting it from future scans once it crosses the failure threshold.
func (r *Registry) RecordQuoteFailure(h arbtypes.PoolHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) < 0 || int(h) >= len(r.entries) {
		return
	}
	r.entries[h].pool.RecordFailure(r.failThreshold)
}

// RecordQuoteSuccess resets a pool's failure streak and marks it seen
// at block.
func (r *Registry) RecordQuoteSuccess(h arbtypes.PoolHandle, block uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) < 0 || int(h) >= len(r.entries) {
		return
	}
	r.entries[h].pool.RecordSuccess(block)
	r.entries[h].lastSeenAt = time.Now()
}

// StalenessCutoff is a convenience for callers that want to treat a
// pool unseen since before cutoff as suspect even without a quote
// failure yet.
func StalenessCutoff(maxAge time.Duration, now time.Time, lastSeenAt time.Time) bool {
	return now.Sub(lastSeenAt) > maxAge
}
