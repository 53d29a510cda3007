// Package configs loads config.yml into typed structures and
// translates them into the per-subsystem config types each component
// constructor expects, with one builder each for the chain client's
// providers, the path finder, the evaluator, submission and the
// orchestrator. DEX adapters and flash-loan providers are built from
// the raw config in cmd.
package configs

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/arbitrage-engine/arbbot/internal/chainclient"
	"github.com/arbitrage-engine/arbbot/internal/evaluator"
	"github.com/arbitrage-engine/arbbot/internal/mevsubmit"
	"github.com/arbitrage-engine/arbbot/internal/orchestrator"
	"github.com/arbitrage-engine/arbbot/internal/pathfinder"
)

// ProviderYAML is one configured RPC endpoint, ordered by priority;
// the first entry is primary.
type ProviderYAML struct {
	Name  string  `yaml:"name"`
	URL   string  `yaml:"url"`
	RPS   float64 `yaml:"rate_limit_rps"`
	Burst int     `yaml:"rate_limit_burst"`

	// ReconnectBackoffCeilingMs caps the exponential backoff used to
	// redial this provider after a transport error. Only meaningful
	// per-entry; defaults apply when zero.
	ReconnectBackoffCeilingMs int `yaml:"reconnect_backoff_ceiling_ms"`

	// StickySeconds, read off the primary (first) entry only, is how
	// long the client stays on a fallback provider before retrying
	// the primary.
	StickySeconds int `yaml:"sticky_seconds"`
}

// ContractClientYAMLData names a deployed contract's address and the
// path to its ABI (bare JSON or a Hardhat artifact).
type ContractClientYAMLData struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// FlashLoanProviderYAML is one entry of the ordered flash_loan_providers
// list; earlier entries are preferred.
type FlashLoanProviderYAML struct {
	Tag         string `yaml:"tag"`
	VaultOrPool string `yaml:"vault_or_pool_address"`
	ABI         string `yaml:"abi"`
	FeeBps      uint32 `yaml:"fee_bps"`
}

// DexAdaptersYAML is the enabled-set and per-DEX contract
// configuration: router/factory/quoter addresses plus the fee-tier
// list. A nil entry disables that adapter.
type DexAdaptersYAML struct {
	V2       *V2AdapterYAML       `yaml:"v2,omitempty"`
	V3       *V3AdapterYAML       `yaml:"v3,omitempty"`
	Stable   *StableAdapterYAML   `yaml:"stable,omitempty"`
	Weighted *WeightedAdapterYAML `yaml:"weighted,omitempty"`
}

type V2AdapterYAML struct {
	Router  ContractClientYAMLData            `yaml:"router"`
	Factory ContractClientYAMLData            `yaml:"factory"`
	Pools   map[string]ContractClientYAMLData `yaml:"pools"`
	// PairABI is the shared ABI every V2 pair contract exposes
	// (getReserves/token0/token1), used to bind pools discovered at
	// runtime that weren't pre-listed under Pools.
	PairABI string `yaml:"pair_abi"`
	FeeBps  uint32 `yaml:"fee_bps"`
}

type V3AdapterYAML struct {
	Router   ContractClientYAMLData            `yaml:"router"`
	Quoter   ContractClientYAMLData            `yaml:"quoter"`
	Factory  ContractClientYAMLData            `yaml:"factory"`
	Pools    map[string]ContractClientYAMLData `yaml:"pools"`
	PoolABI  string                            `yaml:"pool_abi"`
	FeeTiers []uint32                          `yaml:"fee_tiers"`
	MaxTicks int                               `yaml:"max_ticks_before_quoter"`
}

type StableAdapterYAML struct {
	Router  ContractClientYAMLData            `yaml:"router"`
	Pools   map[string]ContractClientYAMLData `yaml:"pools"`
	PoolABI string                            `yaml:"pool_abi"`
	FeeBps  uint32                            `yaml:"fee_bps"`
}

type WeightedAdapterYAML struct {
	Router    ContractClientYAMLData            `yaml:"router"`
	Pools     map[string]ContractClientYAMLData `yaml:"pools"`
	PoolABI   string                            `yaml:"pool_abi"`
	WeightPpm map[string]uint32                 `yaml:"weight_ppm"`
	FeeBps    uint32                            `yaml:"fee_bps"`
}

// Config is the entire config.yml schema. Unrecognized keys are
// ignored by the YAML decoder.
type Config struct {
	ProviderURLs []ProviderYAML `yaml:"provider_urls"`
	ChainID      int64          `yaml:"chain_id"`
	WalletAddress string        `yaml:"wallet_address"`

	BaseTokens           []string          `yaml:"base_tokens"`
	IntermediateTokens   []string          `yaml:"intermediate_tokens"`
	ProbeAmountByToken   map[string]string `yaml:"probe_amount_by_token"`
	MinAmount            string            `yaml:"min_amount"`
	MaxAmount            string            `yaml:"max_amount"`

	MinProfitThreshold    string  `yaml:"min_profit_threshold"`
	SlippageToleranceBps  uint32  `yaml:"slippage_tolerance_bps"`
	GasPriceCapWei        string  `yaml:"gas_price_cap"`
	BidFloorWei           string  `yaml:"bid_floor"`
	BidCeilingWei         string  `yaml:"bid_ceiling"`
	BidFractionPct        float64 `yaml:"bid_fraction"`
	DustThresholdWei      string  `yaml:"dust_threshold_wei"`
	BinarySearchIter      int     `yaml:"amount_sizing_iterations"`
	CancelOnLossBps       uint32  `yaml:"cancellation_loss_bps"`

	MaxPathLength        int `yaml:"max_path_length"`
	MaxPriceImpactBps    uint32 `yaml:"max_price_impact_bps"`
	MaxParallelRequests  int `yaml:"max_parallel_requests"`
	ScanIntervalMinMs    int `yaml:"scan_interval_min_ms"`

	PoolFailThreshold int `yaml:"pool_fail_threshold"`
	PoolTTLSec        int `yaml:"pool_ttl_sec"`

	FlashLoanProviders []FlashLoanProviderYAML `yaml:"flash_loan_providers"`
	DexAdapters        DexAdaptersYAML         `yaml:"dex_adapters"`

	RelayURL          string `yaml:"relay_url"`
	MaxBlocksAhead    uint64 `yaml:"max_blocks_ahead"`
	SandwichDetection string `yaml:"sandwich_detection"` // off|escalate|reroute|abort

	ArbitrageContract ContractClientYAMLData `yaml:"arbitrage_contract"`
	ProfitRecipient   string                 `yaml:"profit_recipient"`

	CircuitBreakerWindowMin int `yaml:"circuit_breaker_window_min"`
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	PauseBackoffSec         int `yaml:"pause_backoff_sec"`
	ShutdownDeadlineSec     int `yaml:"shutdown_deadline_sec"`

	ColdStartDSN string `yaml:"cold_start_dsn"` // optional: MySQL DSN for the pool/cycle cold-start cache
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &config, nil
}

func mustWei(s string) *big.Int {
	if s == "" {
		return big.NewInt(0)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func addrs(raw []string) []common.Address {
	out := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		out = append(out, common.HexToAddress(r))
	}
	return out
}

// BaseTokenAddresses returns the configured base_tokens as checksummed
// addresses.
func (c *Config) BaseTokenAddresses() []common.Address {
	return addrs(c.BaseTokens)
}

// IntermediateTokenAddresses returns the configured intermediate_tokens
// as checksummed addresses.
func (c *Config) IntermediateTokenAddresses() []common.Address {
	return addrs(c.IntermediateTokens)
}

// TokenUniverse returns the union of base and intermediate tokens,
// deduplicated, preserving configured order. This is the pair universe
// the Market Scanner enumerates for discovery and quoting.
func (c *Config) TokenUniverse() []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, a := range append(c.BaseTokenAddresses(), c.IntermediateTokenAddresses()...) {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// ProbeAmountFunc builds the per-base-token probe-amount lookup the
// Market Scanner needs, falling back to 1 unit (10^18 wei-equivalent)
// for any token absent from probe_amount_by_token.
func (c *Config) ProbeAmountFunc() func(common.Address) *big.Int {
	byToken := make(map[common.Address]*big.Int, len(c.ProbeAmountByToken))
	for addr, amt := range c.ProbeAmountByToken {
		byToken[common.HexToAddress(addr)] = mustWei(amt)
	}
	fallback := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return func(token common.Address) *big.Int {
		if amt, ok := byToken[token]; ok {
			return amt
		}
		return fallback
	}
}

// ToChainClientProviders converts provider_urls into
// chainclient.Provider in priority order.
func (c *Config) ToChainClientProviders() []chainclient.Provider {
	out := make([]chainclient.Provider, 0, len(c.ProviderURLs))
	for _, p := range c.ProviderURLs {
		out = append(out, chainclient.Provider{
			Name:                    p.Name,
			URL:                     p.URL,
			RPS:                     p.RPS,
			Burst:                   p.Burst,
			ReconnectBackoffCeiling: time.Duration(p.ReconnectBackoffCeilingMs) * time.Millisecond,
			StickyFor:               time.Duration(p.StickySeconds) * time.Second,
		})
	}
	return out
}

// ToPathfinderConfig builds the Path Finder's search bounds, including
// the preferred-intermediate set longer paths are restricted to.
func (c *Config) ToPathfinderConfig() pathfinder.Config {
	intermediates := make(map[common.Address]bool, len(c.IntermediateTokens))
	for _, a := range c.IntermediateTokenAddresses() {
		intermediates[a] = true
	}
	return pathfinder.Config{
		MaxPathLength:      c.MaxPathLength,
		MaxPriceImpactBps:  c.MaxPriceImpactBps,
		IntermediateTokens: intermediates,
	}
}

// ToEvaluatorConfig builds the Opportunity Evaluator's profitability
// and search-bound configuration.
func (c *Config) ToEvaluatorConfig() evaluator.Config {
	var flashLoanFeeBps uint32
	if len(c.FlashLoanProviders) > 0 {
		flashLoanFeeBps = c.FlashLoanProviders[0].FeeBps
	}
	return evaluator.Config{
		MinProfitWei:     mustWei(c.MinProfitThreshold),
		GasPriceWei:      mustWei(c.GasPriceCapWei),
		FlashLoanFeeBps:  flashLoanFeeBps, // resolved per-provider by the planner; evaluator uses the primary provider's fee as a first-pass estimate
		BinarySearchIter: c.BinarySearchIter,
		DustThresholdWei: mustWei(c.DustThresholdWei),
		MinAmountWei:     mustWei(c.MinAmount),
		MaxAmountWei:     mustWei(c.MaxAmount),
		QuoteMaxAge:      1,
	}
}

// ToSubmitConfig builds the MEV Submission pipeline's bidding and
// escalation bounds.
func (c *Config) ToSubmitConfig() mevsubmit.Config {
	return mevsubmit.Config{
		MaxBlocksAhead:  c.MaxBlocksAhead,
		BidFloorWei:     mustWei(c.BidFloorWei),
		BidCeilingWei:   mustWei(c.BidCeilingWei),
		BidFractionPct:  c.BidFractionPct,
		SandwichPolicy:  c.sandwichPolicy(),
		CancelOnLossBps: c.CancelOnLossBps,
	}
}

func (c *Config) sandwichPolicy() mevsubmit.SandwichPolicy {
	switch c.SandwichDetection {
	case "escalate":
		return mevsubmit.SandwichEscalate
	case "reroute":
		return mevsubmit.SandwichReroute
	case "abort":
		return mevsubmit.SandwichAbort
	default:
		return mevsubmit.SandwichOff
	}
}

// ToOrchestratorConfig builds the Execution Orchestrator's cadence and
// fault-tolerance bounds; the engines themselves are wired separately
// in cmd/main.go since they depend on runtime contract-client
// bindings this config layer never constructs.
func (c *Config) ToOrchestratorConfig() orchestrator.Config {
	scanFallback := time.Duration(c.ScanIntervalMinMs) * time.Millisecond
	if scanFallback <= 0 {
		scanFallback = 3 * time.Second
	}
	return orchestrator.Config{
		BaseTokens:              c.BaseTokenAddresses(),
		ScanIntervalFallback:    scanFallback,
		MinCycleInterval:        time.Duration(c.ScanIntervalMinMs) * time.Millisecond,
		PathfinderCfg:           c.ToPathfinderConfig(),
		CircuitBreakerWindow:    time.Duration(c.CircuitBreakerWindowMin) * time.Minute,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		PauseBackoff:            time.Duration(c.PauseBackoffSec) * time.Second,
		ShutdownDeadline:        time.Duration(c.ShutdownDeadlineSec) * time.Second,
	}
}
