// Package types holds the shared data model for the arbitrage engine:
// tokens, pools, quotes, paths, opportunities, execution plans and
// bundles, as described by the system's core data model.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol tags the DEX variant a Pool belongs to. Closed set, no
// dynamic dispatch: dispatch on Protocol is a switch, never an
// interface lookup by name.
type Protocol int

const (
	ProtocolV2 Protocol = iota
	ProtocolV3
	ProtocolStable
	ProtocolWeighted
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV2:
		return "v2"
	case ProtocolV3:
		return "v3"
	case ProtocolStable:
		return "stable"
	case ProtocolWeighted:
		return "weighted"
	default:
		return "unknown"
	}
}

// Token is immutable once loaded. Decimals and Symbol exist only to
// make fixed-point math and logs readable; Address is the identity.
type Token struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol"`
}

// PoolHandle is an opaque reference into the Pool Registry's arena.
// Adapters hold handles, never *Pool pointers.
type PoolHandle int

// Pool identity is (Protocol, Address); Token0/Token1 are ordered by
// address so two callers discovering the same pair agree on ordering.
type Pool struct {
	Protocol    Protocol       `json:"protocol"`
	Address     common.Address `json:"address"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	FeeTier     uint32         `json:"fee_tier"` // V3: one of {100,500,2500,3000,10000}; V2/stable/weighted: bps fee
	LastSeen    uint64         `json:"last_seen_block"`
	failStreak  int
	invalidated bool
}

// RecordFailure increments the consecutive-quote-failure streak and
// reports whether the pool has now crossed the eviction threshold.
func (p *Pool) RecordFailure(threshold int) bool {
	p.failStreak++
	if p.failStreak >= threshold {
		p.invalidated = true
	}
	return p.invalidated
}

// RecordSuccess resets the consecutive-failure streak.
func (p *Pool) RecordSuccess(block uint64) {
	p.failStreak = 0
	p.LastSeen = block
}

// Invalidated reports whether repeated failures evicted this pool.
func (p *Pool) Invalidated() bool { return p.invalidated }

// Quote is produced fresh per scan cycle and never persisted beyond
// it: no database table, no cross-cycle cache.
type Quote struct {
	Pool        PoolHandle
	TokenIn     common.Address
	AmountIn    *big.Int
	AmountOut   *big.Int
	PriceImpact *big.Float // fraction, e.g. 0.001 == 10bps
	Timestamp   time.Time
	Block       uint64
}

// Age reports how long ago this quote was produced relative to now.
func (q Quote) Age() time.Duration { return time.Since(q.Timestamp) }

// Hop is one leg of a Path: swap TokenIn->TokenOut through Pool.
type Hop struct {
	Pool     PoolHandle
	TokenIn  common.Address
	TokenOut common.Address
}

// Path is a circular arbitrage route: Hops[0].TokenIn must equal
// Hops[len-1].TokenOut must equal the base token. AmountIn/AmountOut
// are filled in by the Evaluator, not the Path Finder.
type Path struct {
	Hops       []Hop
	AmountIn   *big.Int
	AmountOut  *big.Int
	BaseToken  common.Address
}

// BaseTokenOf returns the token a path starts and ends in. Returns the
// zero address for an empty path.
func (p Path) BaseTokenOf() common.Address {
	if len(p.Hops) == 0 {
		return common.Address{}
	}
	return p.Hops[0].TokenIn
}

// Closed reports whether the path is a valid arbitrage cycle: it
// starts and ends at the same token and its length is within bounds.
func (p Path) Closed() bool {
	if len(p.Hops) < 2 || len(p.Hops) > 4 {
		return false
	}
	return p.Hops[0].TokenIn == p.Hops[len(p.Hops)-1].TokenOut
}

// Opportunity is produced by the Evaluator and consumed exactly once
// by the Planner.
type Opportunity struct {
	Path           Path
	AmountIn       *big.Int
	GrossOut       *big.Int
	GasEstimate    uint64
	GasPrice       *big.Int
	FlashLoanFee   *big.Int
	NetProfit      *big.Int
	Confidence     float64
	DiscoveredAt   time.Time
	HeadBlock      uint64
}

// RejectReason names why a candidate path did not become an
// Opportunity. The Evaluator never panics or returns a bare error for
// an unprofitable candidate; it returns Rejected instead.
type RejectReason int

const (
	RejectUnprofitable RejectReason = iota
	RejectBelowGasFloor
	RejectStaleQuote
	RejectStaleHead
	RejectNoLiquidity
)

func (r RejectReason) String() string {
	switch r {
	case RejectUnprofitable:
		return "unprofitable"
	case RejectBelowGasFloor:
		return "below_gas_floor"
	case RejectStaleQuote:
		return "stale_quote"
	case RejectStaleHead:
		return "stale_head"
	case RejectNoLiquidity:
		return "no_liquidity"
	default:
		return "unknown"
	}
}

// Rejected carries why a candidate did not become an Opportunity.
type Rejected struct {
	Path   Path
	Reason RejectReason
	Detail string
}

// EvalResult is the explicit sum type the Evaluator returns per
// candidate: exactly one of Opportunity or Rejected is set.
type EvalResult struct {
	Opportunity *Opportunity
	Rejected    *Rejected
}

// PlanOperation is one step of an ExecutionPlan's on-chain call
// sequence.
type PlanOperation struct {
	Kind     PlanOpKind
	Target   common.Address
	Calldata []byte
	Note     string
}

type PlanOpKind int

const (
	OpApprove PlanOpKind = iota
	OpSwap
	OpRepay
	OpTransferResidual
)

// PlanState is the ExecutionPlan's explicit state machine:
// Built -> SimulatedOK -> HandedToSubmission, or
// Built -> SimulatedReverted -> Discarded.
type PlanState int

const (
	PlanBuilt PlanState = iota
	PlanSimulatedOK
	PlanSimulatedReverted
	PlanHandedToSubmission
	PlanDiscarded
)

func (s PlanState) String() string {
	switch s {
	case PlanBuilt:
		return "built"
	case PlanSimulatedOK:
		return "simulated_ok"
	case PlanSimulatedReverted:
		return "simulated_reverted"
	case PlanHandedToSubmission:
		return "handed_to_submission"
	case PlanDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// ExecutionPlan is immutable after planning: once built its fields do
// not change, only its State transitions.
type ExecutionPlan struct {
	Opportunity  Opportunity
	ProviderTag  string
	LoanToken    common.Address
	LoanAmount   *big.Int
	Operations   []PlanOperation
	EncodedRoute []byte   // ops packed for the arbitrage contract's single entry point
	MinProfit    *big.Int // floor the contract enforces on-chain before transferring residue
	SimulatedOut *big.Int
	ExpectedGas  uint64
	RevertReason string
	State        PlanState
}

// BundleState is the MEV submission pipeline's explicit state
// machine: Submitted(N) -> Submitted(N+1) -> ... -> Included, or
// Cancelled(reason), or Expired.
type BundleState int

const (
	BundleSubmitted BundleState = iota
	BundleIncluded
	BundleCancelled
	BundleExpired
)

func (s BundleState) String() string {
	switch s {
	case BundleSubmitted:
		return "submitted"
	case BundleIncluded:
		return "included"
	case BundleCancelled:
		return "cancelled"
	case BundleExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Bundle is owned exclusively by the Orchestrator for the current
// cycle; no other component may mutate it.
type Bundle struct {
	Plan             ExecutionPlan
	SignedTx         []byte
	TargetBlockFrom  uint64
	TargetBlockTo    uint64
	MinEffectiveTip  *big.Int
	RelayBundleID    string
	SubmittedAt      []time.Time
	State            BundleState
	IncludedTxHash   common.Hash
	IncludedBlock    uint64
	CancelReason     string
}

// TxRecord is a single on-chain transaction's gas accounting.
type TxRecord struct {
	TxHash    common.Hash
	GasUsed   uint64
	GasPrice  *big.Int
	GasCost   *big.Int
	Timestamp time.Time
	Operation string
}

// TotalGas sums GasCost across a slice of TxRecord.
func TotalGas(records []TxRecord) *big.Int {
	total := big.NewInt(0)
	for _, r := range records {
		if r.GasCost != nil {
			total.Add(total, r.GasCost)
		}
	}
	return total
}
