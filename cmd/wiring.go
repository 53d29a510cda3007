package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/arbitrage-engine/arbbot/configs"
	"github.com/arbitrage-engine/arbbot/internal/abiutil"
	"github.com/arbitrage-engine/arbbot/internal/dexadapter"
	"github.com/arbitrage-engine/arbbot/internal/flashloan"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// loadPrivateKey reads a hex-encoded ECDSA private key from the named
// environment variable. Both the wallet key and the relay signing key
// are provisioned this way; secret storage is the deployment's
// problem, so the operator's process environment is the trust
// boundary.
func loadPrivateKey(envVar string) (*ecdsa.PrivateKey, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("%s not set", envVar)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envVar, err)
	}
	return key, nil
}

// loadContractABI reads an ABI from either a bare ABI JSON array or a
// Hardhat compilation artifact. A path ending in ".json" that contains
// "artifact" is read as an artifact; any other path is parsed as a bare
// ABI first, falling back to artifact parsing.
func loadContractABI(path string) (abi.ABI, error) {
	if path == "" {
		return abi.ABI{}, fmt.Errorf("no abi path configured")
	}
	if strings.HasSuffix(path, ".json") && strings.Contains(path, "artifact") {
		return abiutil.LoadABIFromHardhatArtifact(path)
	}
	parsed, err := abiutil.LoadABI(path)
	if err == nil {
		return parsed, nil
	}
	// Bare-ABI parsing failed; fall back to treating it as a Hardhat
	// artifact before giving up, since operators commonly point both
	// router and pool-ABI fields at raw `artifacts/**/*.json` output.
	return abiutil.LoadABIFromHardhatArtifact(path)
}

func bindContract(eth contractclient.EthClient, data configs.ContractClientYAMLData) (contractclient.ContractClient, error) {
	contractABI, err := loadContractABI(data.ABI)
	if err != nil {
		return nil, fmt.Errorf("load abi %s: %w", data.ABI, err)
	}
	return contractclient.NewContractClient(eth, common.HexToAddress(data.Address), contractABI), nil
}

func bindPools(eth contractclient.EthClient, pools map[string]configs.ContractClientYAMLData) (map[common.Address]contractclient.ContractClient, error) {
	out := make(map[common.Address]contractclient.ContractClient, len(pools))
	for addr, data := range pools {
		cc, err := bindContract(eth, data)
		if err != nil {
			return nil, fmt.Errorf("bind pool %s: %w", addr, err)
		}
		out[common.HexToAddress(addr)] = cc
	}
	return out, nil
}

// buildAdapters constructs every enabled DEX adapter and the
// FactoryDiscoverer that backs the Pool Registry's runtime discovery,
// wiring FactoryDiscoverer.OnBind back into each adapter's BindPool so
// a pool found for the first time at runtime is immediately quotable.
func buildAdapters(eth contractclient.EthClient, conf *configs.Config) (*dexadapter.Registry, *dexadapter.FactoryDiscoverer, error) {
	var adapters []dexadapter.Adapter
	var factories []dexadapter.ProtocolFactory

	if c := conf.DexAdapters.V2; c != nil {
		router, err := bindContract(eth, c.Router)
		if err != nil {
			return nil, nil, fmt.Errorf("v2 router: %w", err)
		}
		factory, err := bindContract(eth, c.Factory)
		if err != nil {
			return nil, nil, fmt.Errorf("v2 factory: %w", err)
		}
		pools, err := bindPools(eth, c.Pools)
		if err != nil {
			return nil, nil, fmt.Errorf("v2 pools: %w", err)
		}
		pairABI, err := loadContractABI(c.PairABI)
		if err != nil {
			return nil, nil, fmt.Errorf("v2 pair abi: %w", err)
		}
		adapters = append(adapters, dexadapter.NewV2Adapter(pools, router, c.FeeBps))
		factories = append(factories, dexadapter.NewV2Factory(factory, c.FeeBps, eth, pairABI))
	}

	if c := conf.DexAdapters.V3; c != nil {
		router, err := bindContract(eth, c.Router)
		if err != nil {
			return nil, nil, fmt.Errorf("v3 router: %w", err)
		}
		var quoter contractclient.ContractClient
		if c.Quoter.Address != "" {
			quoter, err = bindContract(eth, c.Quoter)
			if err != nil {
				return nil, nil, fmt.Errorf("v3 quoter: %w", err)
			}
		}
		factory, err := bindContract(eth, c.Factory)
		if err != nil {
			return nil, nil, fmt.Errorf("v3 factory: %w", err)
		}
		pools, err := bindPools(eth, c.Pools)
		if err != nil {
			return nil, nil, fmt.Errorf("v3 pools: %w", err)
		}
		poolABI, err := loadContractABI(c.PoolABI)
		if err != nil {
			return nil, nil, fmt.Errorf("v3 pool abi: %w", err)
		}
		adapters = append(adapters, dexadapter.NewV3Adapter(pools, quoter, router))
		factories = append(factories, dexadapter.NewV3Factory(factory, c.FeeTiers, eth, poolABI))
	}

	if c := conf.DexAdapters.Stable; c != nil {
		router, err := bindContract(eth, c.Router)
		if err != nil {
			return nil, nil, fmt.Errorf("stable router: %w", err)
		}
		pools, err := bindPools(eth, c.Pools)
		if err != nil {
			return nil, nil, fmt.Errorf("stable pools: %w", err)
		}
		poolABI, err := loadContractABI(c.PoolABI)
		if err != nil {
			return nil, nil, fmt.Errorf("stable pool abi: %w", err)
		}
		adapters = append(adapters, dexadapter.NewStableAdapter(pools, router, c.FeeBps))
		// Stable pools are deployed individually (no single factory
		// contract exposes a pair/pool lookup the way V2/V3 do), so
		// there is no ProtocolFactory entry: runtime discovery for
		// this protocol relies entirely on the pre-listed Pools set
		// plus whatever an operator later adds to the cold-start store.
		_ = poolABI
	}

	if c := conf.DexAdapters.Weighted; c != nil {
		router, err := bindContract(eth, c.Router)
		if err != nil {
			return nil, nil, fmt.Errorf("weighted router: %w", err)
		}
		pools, err := bindPools(eth, c.Pools)
		if err != nil {
			return nil, nil, fmt.Errorf("weighted pools: %w", err)
		}
		adapters = append(adapters, dexadapter.NewWeightedAdapter(pools, router, c.FeeBps, normalizeWeights(c.WeightPpm)))
	}

	registry := dexadapter.NewRegistry(adapters...)
	discoverer := dexadapter.NewFactoryDiscoverer(factories...)
	discoverer.OnBind(func(protocol arbtypes.Protocol, addr common.Address, cc contractclient.ContractClient) {
		adapter := registry.For(protocol)
		binder, ok := adapter.(dexadapter.PoolBinder)
		if !ok || binder == nil {
			return
		}
		binder.BindPool(addr, cc)
	})
	return registry, discoverer, nil
}

func normalizeWeights(byAddress map[string]uint32) map[common.Address]uint32 {
	out := make(map[common.Address]uint32, len(byAddress))
	for addr, w := range byAddress {
		out[common.HexToAddress(addr)] = w
	}
	return out
}

// buildFlashLoanProviders converts the configured flash_loan_providers
// list into flashloan.Provider entries in preference order. MaxLoanWei
// is always left nil (the config has no ceiling field), which the
// Planner treats as "always has enough liquidity."
func buildFlashLoanProviders(eth contractclient.EthClient, conf *configs.Config) ([]flashloan.Provider, error) {
	out := make([]flashloan.Provider, 0, len(conf.FlashLoanProviders))
	for _, p := range conf.FlashLoanProviders {
		providerABI, err := loadContractABI(p.ABI)
		if err != nil {
			return nil, fmt.Errorf("flashloan provider %s abi: %w", p.Tag, err)
		}
		contract := contractclient.NewContractClient(eth, common.HexToAddress(p.VaultOrPool), providerABI)
		out = append(out, flashloan.Provider{
			Tag:         p.Tag,
			PoolAddress: common.HexToAddress(p.VaultOrPool),
			FeeBps:      p.FeeBps,
			Contract:    contract,
		})
	}
	return out, nil
}

// buildSigner produces the mevsubmit.Signer the Submitter uses to turn
// a simulated plan into a signed transaction. It packs the plan's full
// executeArbitrage call via Planner.SubmissionCalldata rather than
// reusing the plan's EncodedRoute (which is only the route-tuple
// argument, not the complete call the arbitrage contract expects).
func buildSigner(planner *flashloan.Planner, key *ecdsa.PrivateKey, chainID *big.Int, gasLimit uint64) func(ctx context.Context, plan *arbtypes.ExecutionPlan, nonce uint64, priorityFee *big.Int) (*gethtypes.Transaction, error) {
	arbContract := planner.ArbitrageContractAddress()
	return func(ctx context.Context, plan *arbtypes.ExecutionPlan, nonce uint64, priorityFee *big.Int) (*gethtypes.Transaction, error) {
		data, err := planner.SubmissionCalldata(plan)
		if err != nil {
			return nil, fmt.Errorf("build submission calldata: %w", err)
		}
		tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: priorityFee,
			GasFeeCap: priorityFee,
			Gas:       gasLimit,
			To:        &arbContract,
			Data:      data,
		})
		return gethtypes.SignTx(tx, gethtypes.NewLondonSigner(chainID), key)
	}
}
