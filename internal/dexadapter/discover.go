package dexadapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/arbitrage-engine/arbbot/internal/poolregistry"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

var _ poolregistry.Discoverer = (*FactoryDiscoverer)(nil)

// ProtocolFactory is one protocol's on-chain pool-lookup contract:
// Uniswap-V2-style factories expose getPair(tokenA, tokenB), V3-style
// factories expose getPool(tokenA, tokenB, fee) per configured fee
// tier. Both shapes are covered by the same interface since both
// return a single deployed pool address (or the zero address for "no
// pool").
type ProtocolFactory struct {
	protocol arbtypes.Protocol
	contract contractclient.ContractClient
	// feeTiers is only consulted for protocols whose factory is keyed
	// by fee tier (V3). Tiers are probed in this order and Discover
	// returns the first deployed pool; pools at later tiers are neither
	// returned nor compared.
	feeTiers []uint32
	// defaultFeeBps seeds Pool.FeeTier for protocols without a
	// factory-reported fee (V2/stable/weighted read their fee from
	// configuration, not from chain).
	defaultFeeBps uint32
	// eth and pairABI let Discover bind a fresh ContractClient for a
	// newly found pool address, so the matching Adapter can quote it
	// without an operator having pre-listed the address in config.
	// pairABI is the zero value (no methods) when no binding is
	// configured, in which case Discover skips binding.
	eth     contractclient.EthClient
	pairABI abi.ABI
}

// FactoryDiscoverer implements poolregistry.Discoverer by calling each
// protocol's factory contract. It is registered once per protocol tag
// and dispatches by the requested Protocol, the same
// closed-dispatch-by-tag shape as dexadapter.Registry.
type FactoryDiscoverer struct {
	factories map[arbtypes.Protocol]ProtocolFactory
	// onBind, if set, is called after a pool is discovered and its
	// pair-level ContractClient constructed, so the caller can register
	// the binding with the protocol's Adapter (dexadapter.PoolBinder).
	onBind func(protocol arbtypes.Protocol, addr common.Address, cc contractclient.ContractClient)
}

// NewFactoryDiscoverer builds a FactoryDiscoverer from one factory
// binding per supported protocol.
func NewFactoryDiscoverer(factories ...ProtocolFactory) *FactoryDiscoverer {
	d := &FactoryDiscoverer{factories: make(map[arbtypes.Protocol]ProtocolFactory, len(factories))}
	for _, f := range factories {
		d.factories[f.protocol] = f
	}
	return d
}

// OnBind registers the callback invoked whenever Discover finds a new
// pool and has a pair ABI to bind it with. Set this once at wiring
// time, before the discoverer is handed to poolregistry.New.
func (d *FactoryDiscoverer) OnBind(fn func(protocol arbtypes.Protocol, addr common.Address, cc contractclient.ContractClient)) {
	d.onBind = fn
}

// NewV2Factory describes a Uniswap-V2-style factory: a single
// getPair(tokenA, tokenB) call, fee fixed by configuration. eth and
// pairABI bind newly discovered pair addresses for the V2Adapter;
// pairABI may be the zero value to skip auto-binding.
func NewV2Factory(contract contractclient.ContractClient, feeBps uint32, eth contractclient.EthClient, pairABI abi.ABI) ProtocolFactory {
	return ProtocolFactory{protocol: arbtypes.ProtocolV2, contract: contract, defaultFeeBps: feeBps, eth: eth, pairABI: pairABI}
}

// NewV3Factory describes a Uniswap-V3-style factory: one
// getPool(tokenA, tokenB, fee) call per configured fee tier.
func NewV3Factory(contract contractclient.ContractClient, feeTiers []uint32, eth contractclient.EthClient, poolABI abi.ABI) ProtocolFactory {
	return ProtocolFactory{protocol: arbtypes.ProtocolV3, contract: contract, feeTiers: feeTiers, eth: eth, pairABI: poolABI}
}

// NewStableFactory describes a stable-pool factory with a single fee
// tier, same shape as NewV2Factory.
func NewStableFactory(contract contractclient.ContractClient, feeBps uint32, eth contractclient.EthClient, poolABI abi.ABI) ProtocolFactory {
	return ProtocolFactory{protocol: arbtypes.ProtocolStable, contract: contract, defaultFeeBps: feeBps, eth: eth, pairABI: poolABI}
}

// NewWeightedFactory describes a weighted-pool factory with a single
// fee tier, same shape as NewV2Factory.
func NewWeightedFactory(contract contractclient.ContractClient, feeBps uint32, eth contractclient.EthClient, poolABI abi.ABI) ProtocolFactory {
	return ProtocolFactory{protocol: arbtypes.ProtocolWeighted, contract: contract, defaultFeeBps: feeBps, eth: eth, pairABI: poolABI}
}

// Discover satisfies poolregistry.Discoverer. For V3 it probes every
// configured fee tier and returns the first deployed pool found; the
// Pool Registry caches this one pool per (protocol, pair), so other fee
// tiers of the same pair are never discovered or quoted.
func (d *FactoryDiscoverer) Discover(ctx context.Context, protocol arbtypes.Protocol, tokenA, tokenB common.Address) (*arbtypes.Pool, error) {
	f, ok := d.factories[protocol]
	if !ok {
		return nil, fmt.Errorf("discover: no factory configured for protocol %s", protocol)
	}

	token0, token1 := tokenA, tokenB
	if token1.Cmp(token0) < 0 {
		token0, token1 = token1, token0
	}

	if protocol == arbtypes.ProtocolV3 {
		for _, fee := range f.feeTiers {
			addr, err := f.getPoolV3(token0, token1, fee)
			if err != nil {
				return nil, err
			}
			if addr == (common.Address{}) {
				continue
			}
			pool := &arbtypes.Pool{Protocol: protocol, Address: addr, Token0: token0, Token1: token1, FeeTier: fee}
			d.bind(protocol, f, addr)
			return pool, nil
		}
		return nil, nil // no fee tier has a deployed pool for this pair
	}

	addr, err := f.getPairV2(token0, token1)
	if err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return nil, nil
	}
	pool := &arbtypes.Pool{Protocol: protocol, Address: addr, Token0: token0, Token1: token1, FeeTier: f.defaultFeeBps}
	d.bind(protocol, f, addr)
	return pool, nil
}

func (d *FactoryDiscoverer) bind(protocol arbtypes.Protocol, f ProtocolFactory, addr common.Address) {
	if d.onBind == nil || f.eth == nil || len(f.pairABI.Methods) == 0 {
		return
	}
	cc := contractclient.NewContractClient(f.eth, addr, f.pairABI)
	d.onBind(protocol, addr, cc)
}

func (f ProtocolFactory) getPairV2(token0, token1 common.Address) (common.Address, error) {
	out, err := f.contract.Call(nil, "getPair", token0, token1)
	if err != nil {
		return common.Address{}, fmt.Errorf("getPair %s/%s: %w", token0, token1, err)
	}
	return firstAddress(out)
}

func (f ProtocolFactory) getPoolV3(token0, token1 common.Address, fee uint32) (common.Address, error) {
	out, err := f.contract.Call(nil, "getPool", token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, fmt.Errorf("getPool %s/%s fee=%d: %w", token0, token1, fee, err)
	}
	return firstAddress(out)
}

func firstAddress(out []interface{}) (common.Address, error) {
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("factory call: empty output")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("factory call: unexpected output type %T", out[0])
	}
	return addr, nil
}
