package scanner

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbitrage-engine/arbbot/internal/dexadapter"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

type fakeRegistry struct {
	pools    map[arbtypes.PoolHandle]arbtypes.Pool
	failures map[arbtypes.PoolHandle]int
}

func (r *fakeRegistry) All() []arbtypes.PoolHandle {
	out := make([]arbtypes.PoolHandle, 0, len(r.pools))
	for h := range r.pools {
		out = append(out, h)
	}
	return out
}
func (r *fakeRegistry) Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool) {
	p, ok := r.pools[h]
	return p, ok
}
func (r *fakeRegistry) GetOrDiscover(ctx context.Context, protocol arbtypes.Protocol, tokenA, tokenB common.Address) (arbtypes.PoolHandle, bool, error) {
	return -1, false, nil
}
func (r *fakeRegistry) RecordQuoteFailure(h arbtypes.PoolHandle)               { r.failures[h]++ }
func (r *fakeRegistry) RecordQuoteSuccess(h arbtypes.PoolHandle, block uint64) {}

type fakeAdapterClient struct{ contractclient.ContractClient }

func (f *fakeAdapterClient) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	return []interface{}{big.NewInt(1_000_000_000000000000), big.NewInt(2_000_000_000000)}, nil
}

type countingAdapterClient struct {
	contractclient.ContractClient
	calls int32
}

func (f *countingAdapterClient) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	atomic.AddInt32(&f.calls, 1)
	return []interface{}{big.NewInt(1_000_000_000000000000), big.NewInt(2_000_000_000000)}, nil
}

func TestScanReturnsAQuotePairPerPool(t *testing.T) {
	poolAddr := common.HexToAddress("0xAAAA")
	token0 := common.HexToAddress("0x01")
	token1 := common.HexToAddress("0x02")

	registry := &fakeRegistry{
		pools:    map[arbtypes.PoolHandle]arbtypes.Pool{0: {Protocol: arbtypes.ProtocolV2, Address: poolAddr, Token0: token0, Token1: token1}},
		failures: map[arbtypes.PoolHandle]int{},
	}
	adapters := dexadapter.NewRegistry(dexadapter.NewV2Adapter(
		map[common.Address]contractclient.ContractClient{poolAddr: &fakeAdapterClient{}}, nil, 30,
	))

	s := New(registry, adapters, 4, func(common.Address) *big.Int { return big.NewInt(1_000000000000) }, nil)

	results, err := s.Scan(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotNil(t, results[0].Quote0)
	assert.NotNil(t, results[0].Quote1)
}

func TestScanSkipsPoolsWithNoAdapter(t *testing.T) {
	registry := &fakeRegistry{
		pools:    map[arbtypes.PoolHandle]arbtypes.Pool{0: {Protocol: arbtypes.ProtocolWeighted}},
		failures: map[arbtypes.PoolHandle]int{},
	}
	adapters := dexadapter.NewRegistry() // no adapters registered

	s := New(registry, adapters, 4, func(common.Address) *big.Int { return big.NewInt(1) }, nil)
	results, err := s.Scan(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// discoveringRegistry starts empty and fills its arena on the first
// GetOrDiscover call, the cold-start shape the scanner's discovery
// pass must handle.
type discoveringRegistry struct {
	mu        sync.Mutex
	pools     map[arbtypes.PoolHandle]arbtypes.Pool
	discovers int32
	pool      arbtypes.Pool
}

func (r *discoveringRegistry) All() []arbtypes.PoolHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]arbtypes.PoolHandle, 0, len(r.pools))
	for h := range r.pools {
		out = append(out, h)
	}
	return out
}
func (r *discoveringRegistry) Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[h]
	return p, ok
}
func (r *discoveringRegistry) GetOrDiscover(ctx context.Context, protocol arbtypes.Protocol, tokenA, tokenB common.Address) (arbtypes.PoolHandle, bool, error) {
	atomic.AddInt32(&r.discovers, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[0] = r.pool
	return 0, true, nil
}
func (r *discoveringRegistry) RecordQuoteFailure(h arbtypes.PoolHandle)                {}
func (r *discoveringRegistry) RecordQuoteSuccess(h arbtypes.PoolHandle, block uint64) {}

func TestScanDiscoversConfiguredPairsBeforeQuoting(t *testing.T) {
	poolAddr := common.HexToAddress("0xAAAA")
	token0 := common.HexToAddress("0x01")
	token1 := common.HexToAddress("0x02")

	registry := &discoveringRegistry{
		pools: map[arbtypes.PoolHandle]arbtypes.Pool{},
		pool:  arbtypes.Pool{Protocol: arbtypes.ProtocolV2, Address: poolAddr, Token0: token0, Token1: token1},
	}
	adapters := dexadapter.NewRegistry(dexadapter.NewV2Adapter(
		map[common.Address]contractclient.ContractClient{poolAddr: &fakeAdapterClient{}}, nil, 30,
	))

	s := New(registry, adapters, 4, func(common.Address) *big.Int { return big.NewInt(1_000000000000) }, []common.Address{token0, token1})

	results, err := s.Scan(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&registry.discovers), "one token pair on one protocol means exactly one discovery probe")
	require.Len(t, results, 1, "a pool discovered by the same scan must be quoted by it")
}

func TestScanDiscardsResultsAndMakesNoCallsWhenAlreadyCancelled(t *testing.T) {
	poolAddr := common.HexToAddress("0xAAAA")
	token0 := common.HexToAddress("0x01")
	token1 := common.HexToAddress("0x02")

	registry := &fakeRegistry{
		pools:    map[arbtypes.PoolHandle]arbtypes.Pool{0: {Protocol: arbtypes.ProtocolV2, Address: poolAddr, Token0: token0, Token1: token1}},
		failures: map[arbtypes.PoolHandle]int{},
	}
	client := &countingAdapterClient{}
	adapters := dexadapter.NewRegistry(dexadapter.NewV2Adapter(
		map[common.Address]contractclient.ContractClient{poolAddr: client}, nil, 30,
	))

	s := New(registry, adapters, 4, func(common.Address) *big.Int { return big.NewInt(1_000000000000) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := s.Scan(ctx, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
	assert.Equal(t, int32(0), atomic.LoadInt32(&client.calls))
}
