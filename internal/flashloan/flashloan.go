// Package flashloan turns an Opportunity into an ExecutionPlan: pick a
// loan provider in preference order, build the approve/swap/repay/
// transfer-residual calldata sequence, pack it into the single-entry
// calldata the externally deployed arbitrage contract expects, and
// simulate it against the current head before handing it
// to submission. A plan's State only ever moves forward: Built ->
// SimulatedOK -> HandedToSubmission, or Built -> SimulatedReverted ->
// Discarded.
package flashloan

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/arbitrage-engine/arbbot/internal/dexadapter"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// Provider is one configured flash-loan source, tried in the order
// supplied to NewPlanner.
type Provider struct {
	Tag         string
	PoolAddress common.Address
	FeeBps      uint32
	// MaxLoanWei is this provider's known liquidity ceiling for the
	// loan token; a provider lacking enough liquidity is skipped in
	// favor of the next preference rather than failing the plan.
	MaxLoanWei func(token common.Address) *big.Int
	Contract   contractclient.ContractClient
}

// PoolResolver resolves a handle to its pool, satisfied by
// poolregistry.Registry.
type PoolResolver interface {
	Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool)
}

// Planner builds and simulates ExecutionPlans.
type Planner struct {
	providers            []Provider
	adapters             *dexadapter.Registry
	arbContract          contractclient.ContractClient
	recipient            common.Address
	slippageBps          uint32
	onSuboptimalProvider func(opportunityBase common.Address, chosen, preferred string)
}

// NewPlanner builds a Planner. providers must be supplied in
// preference order (most preferred first); arbContract is the single
// on-chain entry point that receives the packed route, invokes the
// flash loan, and enforces minProfit; onSuboptimalProvider,
// if non-nil, is called whenever the most-preferred provider is
// skipped for lacking sufficient liquidity, and whenever another
// provider with enough liquidity would charge a lower fee than the
// chosen one.
func NewPlanner(providers []Provider, adapters *dexadapter.Registry, arbContract contractclient.ContractClient, recipient common.Address, slippageBps uint32, onSuboptimalProvider func(common.Address, string, string)) *Planner {
	return &Planner{providers: providers, adapters: adapters, arbContract: arbContract, recipient: recipient, slippageBps: slippageBps, onSuboptimalProvider: onSuboptimalProvider}
}

// Build selects a provider and assembles the ExecutionPlan's operation
// sequence for an Opportunity. It does not simulate; call Simulate
// next.
func (p *Planner) Build(ctx context.Context, opp arbtypes.Opportunity, pools PoolResolver) (*arbtypes.ExecutionPlan, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("flashloan: no providers configured")
	}
	baseToken := opp.Path.BaseTokenOf()

	// Selection always honors the configured preference order:
	// auto-switching providers would invalidate the MaxLoanWei and
	// approval assumptions already baked into the plan. A provider
	// lacking liquidity is skipped in favor of the next preference; a
	// fee-cheaper alternative is only ever flagged, never
	// auto-selected.
	var chosen *Provider
	chosenIdx := -1
	for i := range p.providers {
		cand := &p.providers[i]
		if cand.MaxLoanWei != nil {
			ceiling := cand.MaxLoanWei(baseToken)
			if ceiling == nil || ceiling.Cmp(opp.AmountIn) < 0 {
				continue
			}
		}
		chosen = cand
		chosenIdx = i
		break
	}
	if chosen == nil {
		return nil, fmt.Errorf("flashloan: no provider has enough liquidity for amount %s", opp.AmountIn)
	}
	if chosenIdx > 0 && p.onSuboptimalProvider != nil {
		p.onSuboptimalProvider(baseToken, chosen.Tag, p.providers[0].Tag)
	}
	if p.onSuboptimalProvider != nil {
		if cheaper, ok := p.cheaperEligibleProvider(baseToken, opp.AmountIn, chosenIdx); ok {
			p.onSuboptimalProvider(baseToken, chosen.Tag, cheaper.Tag)
		}
	}

	var ops []arbtypes.PlanOperation
	current := opp.AmountIn
	for i, hop := range opp.Path.Hops {
		pool, ok := pools.Get(hop.Pool)
		if !ok {
			return nil, fmt.Errorf("flashloan: pool handle %d not resolvable", hop.Pool)
		}
		adapter := p.adapters.For(pool.Protocol)
		if adapter == nil {
			return nil, fmt.Errorf("flashloan: no adapter for protocol %s", pool.Protocol)
		}

		quote, err := adapter.Quote(ctx, pool, hop.TokenIn, current)
		if err != nil {
			return nil, fmt.Errorf("flashloan: quote hop %d: %w", i, err)
		}
		if quote == nil || quote.AmountOut == nil {
			return nil, fmt.Errorf("flashloan: hop %d has no usable liquidity", i)
		}
		minOut := minOutForHop(quote.AmountOut, p.slippageBps, i, len(opp.Path.Hops), opp.GrossOut)

		approveData, err := erc20ApproveCalldata(pool.Address, current)
		if err != nil {
			return nil, err
		}
		ops = append(ops, arbtypes.PlanOperation{Kind: arbtypes.OpApprove, Target: hop.TokenIn, Calldata: approveData, Note: fmt.Sprintf("approve hop %d", i)})

		swapData, err := adapter.BuildSwapCalldata(pool, hop.TokenIn, hop.TokenOut, current, minOut, p.recipient)
		if err != nil {
			return nil, fmt.Errorf("flashloan: build swap calldata hop %d: %w", i, err)
		}
		ops = append(ops, arbtypes.PlanOperation{Kind: arbtypes.OpSwap, Target: pool.Address, Calldata: swapData, Note: fmt.Sprintf("swap hop %d", i)})

		current = minOut
	}

	loanFee := chosen.feeOn(opp.AmountIn)
	repayAmount := new(big.Int).Add(opp.AmountIn, loanFee)
	ops = append(ops, arbtypes.PlanOperation{Kind: arbtypes.OpRepay, Target: chosen.PoolAddress, Note: fmt.Sprintf("repay %s + fee", repayAmount)})
	ops = append(ops, arbtypes.PlanOperation{Kind: arbtypes.OpTransferResidual, Target: p.recipient, Note: "sweep residual profit to recipient"})

	encodedRoute, err := encodeRoute(ops)
	if err != nil {
		return nil, fmt.Errorf("flashloan: encode route: %w", err)
	}

	return &arbtypes.ExecutionPlan{
		Opportunity:  opp,
		ProviderTag:  chosen.Tag,
		LoanToken:    baseToken,
		LoanAmount:   opp.AmountIn,
		Operations:   ops,
		EncodedRoute: encodedRoute,
		MinProfit:    new(big.Int).Set(opp.NetProfit),
		State:        arbtypes.PlanBuilt,
	}, nil
}

// cheaperEligibleProvider reports the first configured provider, other
// than the one at excludeIdx, that has enough liquidity for amount and
// would charge a strictly lower flash-loan fee, yielding a strictly
// higher net profit than the chosen provider. Callers warn on it; they
// never switch to it.
func (p *Planner) cheaperEligibleProvider(baseToken common.Address, amount *big.Int, excludeIdx int) (*Provider, bool) {
	chosenFee := p.providers[excludeIdx].feeOn(amount)
	for i := range p.providers {
		if i == excludeIdx {
			continue
		}
		cand := &p.providers[i]
		if cand.MaxLoanWei != nil {
			ceiling := cand.MaxLoanWei(baseToken)
			if ceiling == nil || ceiling.Cmp(amount) < 0 {
				continue
			}
		}
		if cand.feeOn(amount).Cmp(chosenFee) < 0 {
			return cand, true
		}
	}
	return nil, false
}

func (p Provider) feeOn(amount *big.Int) *big.Int {
	return new(big.Int).Quo(new(big.Int).Mul(amount, big.NewInt(int64(p.FeeBps))), big.NewInt(10_000))
}

// minOutForHop applies the overall slippage budget to each hop's
// floor; intermediate hops use the raw quoted chain amount (already
// the worst case the Evaluator priced), and the final hop uses the
// opportunity's GrossOut with the full slippage tolerance applied.
func minOutForHop(currentAmount *big.Int, slippageBps uint32, hopIndex, hopCount int, grossOut *big.Int) *big.Int {
	if hopIndex == hopCount-1 {
		kept := int64(10_000) - int64(slippageBps)
		if kept < 0 {
			kept = 0
		}
		return new(big.Int).Quo(new(big.Int).Mul(grossOut, big.NewInt(kept)), big.NewInt(10_000))
	}
	return currentAmount
}

// erc20ApproveABI is parsed once; every approve calldata in the engine
// is the same standard ERC-20 method.
var erc20ApproveABI = mustParseABI(`[{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`)

func mustParseABI(abiJSON string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(fmt.Sprintf("flashloan: invalid embedded abi: %v", err))
	}
	return parsed
}

func erc20ApproveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ApproveABI.Pack("approve", spender, amount)
}

// routeStep is the on-chain shape the arbitrage contract's executeArbitrage
// expects for each step of the encoded route: a target contract and the
// calldata to invoke on it, executed in order inside a single transaction.
type routeStep struct {
	Target   common.Address
	Calldata []byte
}

// arbitrageEntryABI is the arbitrage contract's single entry point:
// (token, amount, route, minProfit) -> invokes the flash-loan
// provider, runs the route, repays, checks minProfit, sweeps residue.
var arbitrageEntryABI = mustParseABI(`[{
	"name": "executeArbitrage",
	"type": "function",
	"inputs": [
		{"name": "token", "type": "address"},
		{"name": "amount", "type": "uint256"},
		{"name": "route", "type": "tuple[]", "components": [
			{"name": "target", "type": "address"},
			{"name": "calldata", "type": "bytes"}
		]},
		{"name": "minProfit", "type": "uint256"}
	],
	"outputs": [{"name": "profit", "type": "uint256"}]
}]`)

// encodeRoute ABI-encodes a plan's operations as the route argument the
// arbitrage contract's executeArbitrage expects. Repay and
// transfer-residual operations carry no calldata of their own (the
// contract performs them internally once the swap sequence returns),
// so only operations with a Target and Calldata are included.
func encodeRoute(ops []arbtypes.PlanOperation) ([]byte, error) {
	steps := make([]routeStep, 0, len(ops))
	for _, op := range ops {
		if op.Kind != arbtypes.OpApprove && op.Kind != arbtypes.OpSwap {
			continue
		}
		steps = append(steps, routeStep{Target: op.Target, Calldata: op.Calldata})
	}
	args := arbitrageEntryABI.Methods["executeArbitrage"].Inputs[2:3]
	return args.Pack(steps)
}

// Simulate runs the plan's encoded route through CallWithOverride at
// the given head block against the configured arbitrage contract
// (whose on-chain implementation atomically loans, executes the
// route, repays, checks MinProfit, and sweeps residue), marking the
// plan SimulatedOK or SimulatedReverted accordingly. On revert, the
// decoded reason is recorded and the opportunity is never retried
// blindly; the caller (the Orchestrator) decides whether to
// invalidate the pool responsible.
func (p *Planner) Simulate(ctx context.Context, plan *arbtypes.ExecutionPlan, atHead uint64) error {
	if p.arbContract == nil {
		plan.State = arbtypes.PlanDiscarded
		plan.RevertReason = "no arbitrage contract configured for simulation"
		return fmt.Errorf("flashloan: simulate: arbitrage contract not configured")
	}

	block := new(big.Int).SetUint64(atHead)
	out, err := p.arbContract.CallWithOverride(ctx, &p.recipient, block, "executeArbitrage", plan.LoanToken, plan.LoanAmount, routeStepsFrom(plan.Operations), plan.MinProfit)
	if err != nil {
		plan.State = arbtypes.PlanSimulatedReverted
		plan.RevertReason = err.Error()
		return nil
	}
	if len(out) == 0 {
		plan.State = arbtypes.PlanSimulatedReverted
		plan.RevertReason = "executeArbitrage returned no output"
		return nil
	}
	profit, ok := out[0].(*big.Int)
	if !ok {
		plan.State = arbtypes.PlanSimulatedReverted
		plan.RevertReason = "executeArbitrage returned non-integer profit"
		return nil
	}
	plan.State = arbtypes.PlanSimulatedOK
	plan.SimulatedOut = profit
	return nil
}

// SubmissionCalldata ABI-encodes the full executeArbitrage call for a
// simulated plan, the calldata the MEV Submission pipeline's Signer
// embeds in the transaction it sends to the arbitrage contract. Simulate
// hands the same four arguments to CallWithOverride, which packs them
// itself; this packs the complete method call, including the 4-byte
// selector, for the signed transaction.
func (p *Planner) SubmissionCalldata(plan *arbtypes.ExecutionPlan) ([]byte, error) {
	if p.arbContract == nil {
		return nil, fmt.Errorf("flashloan: no arbitrage contract configured")
	}
	return p.arbContract.Abi().Pack("executeArbitrage", plan.LoanToken, plan.LoanAmount, routeStepsFrom(plan.Operations), plan.MinProfit)
}

// ArbitrageContractAddress returns the deployed address the Signer
// must target, so the MEV Submission pipeline never hardcodes it.
func (p *Planner) ArbitrageContractAddress() common.Address {
	if p.arbContract == nil {
		return common.Address{}
	}
	return p.arbContract.ContractAddress()
}

func routeStepsFrom(ops []arbtypes.PlanOperation) []routeStep {
	steps := make([]routeStep, 0, len(ops))
	for _, op := range ops {
		if op.Kind != arbtypes.OpApprove && op.Kind != arbtypes.OpSwap {
			continue
		}
		steps = append(steps, routeStep{Target: op.Target, Calldata: op.Calldata})
	}
	return steps
}

