package mevsubmit

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// SandwichPolicy names the configured response when the mempool
// watcher flags same-pool same-direction activity above the
// confidence threshold.
type SandwichPolicy int

const (
	SandwichOff SandwichPolicy = iota
	SandwichEscalate
	SandwichReroute
	SandwichAbort
)

// Config bounds one Submitter's bidding and escalation behavior.
type Config struct {
	MaxBlocksAhead   uint64
	BidFloorWei      *big.Int
	BidCeilingWei    *big.Int
	BidFractionPct   float64 // applied to net profit, e.g. 0.1 == 10%
	SandwichPolicy   SandwichPolicy
	CancelOnLossBps  uint32 // re-check at new head: cancel if simulated loss exceeds this
}

// ChainHeadSource is the subset of chainclient.Client a Submitter
// needs to track block progress against a bundle's target range.
type ChainHeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// PlanResimulator re-checks a plan at a fresh head, used on escalation
// to confirm the opportunity is still profitable before bidding
// higher, and on cancellation condition (ii) to detect loss of
// profit.
type PlanResimulator interface {
	Simulate(ctx context.Context, plan *arbtypes.ExecutionPlan, atHead uint64) error
}

// Signer produces a signed, RLP-encoded transaction for a plan's
// on-chain call at a given nonce and priority fee. The Submitter
// itself never holds the wallet key; a concrete Signer (backed by the
// orchestrator's configured ecdsa key) is injected.
type Signer func(ctx context.Context, plan *arbtypes.ExecutionPlan, nonce uint64, priorityFee *big.Int) (*gethtypes.Transaction, error)

// MempoolWatcher reports whether same-pool same-direction activity is
// currently visible in the public mempool for the pools a plan's path
// touches, with a confidence score in [0,1]. Optional: only active when
// a non-nil watcher is passed to NewSubmitter.
type MempoolWatcher interface {
	SandwichConfidence(ctx context.Context, pools []arbtypes.PoolHandle) (float64, error)
}

// PoolDeprioritizer lets the SandwichReroute policy push a sandwiched
// pool toward eviction so the Market Scanner's next cycle stops
// quoting it, rather than keep bidding on the same compromised route.
// Satisfied by *poolregistry.Registry.
type PoolDeprioritizer interface {
	RecordQuoteFailure(h arbtypes.PoolHandle)
}

// Submitter drives one Bundle through its state machine: Submitted(N)
// -> Submitted(N+1) -> ... -> Included, or Cancelled(reason), or
// Expired.
type Submitter struct {
	relay         RelayClient
	chain         ChainHeadSource
	resimulator   PlanResimulator
	watcher       MempoolWatcher
	sign          Signer
	cfg           Config
	deprioritizer PoolDeprioritizer
}

// NewSubmitter builds a Submitter. watcher may be nil, disabling
// sandwich detection regardless of cfg.SandwichPolicy.
func NewSubmitter(relay RelayClient, chain ChainHeadSource, resimulator PlanResimulator, watcher MempoolWatcher, sign Signer, cfg Config) *Submitter {
	return &Submitter{relay: relay, chain: chain, resimulator: resimulator, watcher: watcher, sign: sign, cfg: cfg}
}

// SetPoolDeprioritizer wires the pool registry the SandwichReroute
// policy deprioritizes against. Left nil, SandwichReroute still
// abandons the sandwiched bundle but can't steer future cycles away
// from the pool.
func (s *Submitter) SetPoolDeprioritizer(d PoolDeprioritizer) {
	s.deprioritizer = d
}

// PriorityFee computes clamp(bid_floor, net_profit*bid_fraction, bid_ceiling).
func (cfg Config) PriorityFee(netProfit *big.Int) *big.Int {
	dynamic := new(big.Float).Mul(new(big.Float).SetInt(netProfit), big.NewFloat(cfg.BidFractionPct))
	bid, _ := dynamic.Int(nil)
	if bid.Cmp(cfg.BidFloorWei) < 0 {
		bid = new(big.Int).Set(cfg.BidFloorWei)
	}
	if cfg.BidCeilingWei != nil && bid.Cmp(cfg.BidCeilingWei) > 0 {
		bid = new(big.Int).Set(cfg.BidCeilingWei)
	}
	return bid
}

// Submit builds and submits the initial Bundle for a plan targeted at
// [head+1, head+MaxBlocksAhead], then drives the escalation loop until
// a terminal state is reached (Included, Cancelled, or Expired) or ctx
// is cancelled. A cancelled cycle does not cancel an already-submitted
// bundle: callers must not cancel ctx once Submit has accepted the
// plan for submission, and Submit only honors ctx before the first
// successful relay POST.
func (s *Submitter) Submit(ctx context.Context, plan *arbtypes.ExecutionPlan, head uint64, nextNonce func(context.Context) (uint64, error)) (*arbtypes.Bundle, error) {
	if plan.State != arbtypes.PlanSimulatedOK {
		return nil, fmt.Errorf("mevsubmit: plan must be SimulatedOK to submit, got %s", plan.State)
	}

	targetFrom := head + 1
	targetTo := head + s.cfg.MaxBlocksAhead
	if targetTo < targetFrom {
		targetTo = targetFrom
	}

	bundle := &arbtypes.Bundle{
		Plan:            *plan,
		TargetBlockFrom: targetFrom,
		TargetBlockTo:   targetTo,
		MinEffectiveTip: s.cfg.PriorityFee(plan.Opportunity.NetProfit),
		State:           arbtypes.BundleSubmitted,
	}

	for target := targetFrom; target <= targetTo; target++ {
		select {
		case <-ctx.Done():
			if bundle.State == arbtypes.BundleSubmitted && len(bundle.SubmittedAt) == 0 {
				// never actually reached the relay: safe to report cancellation.
				bundle.State = arbtypes.BundleCancelled
				bundle.CancelReason = "cancelled before first submission"
				return bundle, ctx.Err()
			}
		default:
		}

		if cancel, reason := s.checkCancellation(ctx, plan, bundle, target); cancel {
			bundle.State = arbtypes.BundleCancelled
			bundle.CancelReason = reason
			return bundle, nil
		}

		nonce, err := nextNonce(ctx)
		if err != nil {
			return bundle, fmt.Errorf("mevsubmit: acquire nonce for block %d: %w", target, err)
		}

		priorityFee := s.escalatedFee(plan.Opportunity.NetProfit, target-targetFrom)
		bundle.MinEffectiveTip = priorityFee

		signed, err := s.sign(ctx, plan, nonce, priorityFee)
		if err != nil {
			return bundle, fmt.Errorf("mevsubmit: sign attempt for block %d: %w", target, err)
		}

		rawBytes, err := signed.MarshalBinary()
		if err != nil {
			return bundle, fmt.Errorf("mevsubmit: encode signed tx: %w", err)
		}
		bundle.SignedTx = rawBytes
		req := BundleRequest{Transactions: []string{rawTxHex(rawBytes)}, BlockNumber: fmt.Sprintf("0x%x", target)}

		bundleID, err := s.relay.SubmitBundle(ctx, req)
		if err != nil {
			return bundle, fmt.Errorf("mevsubmit: submit bundle for block %d: %w", target, err)
		}
		bundle.RelayBundleID = bundleID
		bundle.SubmittedAt = append(bundle.SubmittedAt, timeNow())

		included, txHash, err := s.pollInclusion(ctx, bundleID, target)
		if err != nil {
			return bundle, fmt.Errorf("mevsubmit: poll inclusion for block %d: %w", target, err)
		}
		if included {
			bundle.State = arbtypes.BundleIncluded
			bundle.IncludedTxHash = txHash
			bundle.IncludedBlock = target
			return bundle, nil
		}
	}

	head2, err := s.chain.BlockNumber(ctx)
	if err == nil && head2 > targetTo {
		bundle.State = arbtypes.BundleExpired
		return bundle, nil
	}
	bundle.State = arbtypes.BundleExpired
	return bundle, nil
}

// escalatedFee steps the clamped dynamic bid up toward the ceiling by
// 20% per block missed, never exceeding BidCeilingWei.
func (s *Submitter) escalatedFee(netProfit *big.Int, attempt uint64) *big.Int {
	base := s.cfg.PriorityFee(netProfit)
	if base.Sign() == 0 {
		base = new(big.Int).Set(s.cfg.BidFloorWei)
	}
	step := new(big.Int).Mul(base, big.NewInt(int64(100+20*attempt)))
	step.Quo(step, big.NewInt(100))
	if s.cfg.BidCeilingWei != nil && step.Cmp(s.cfg.BidCeilingWei) > 0 {
		return new(big.Int).Set(s.cfg.BidCeilingWei)
	}
	return step
}

// pollInclusion asks the relay for bundle stats once; callers loop
// block-by-block rather than this function polling internally, since
// the Submitter's per-block loop already provides the cadence.
func (s *Submitter) pollInclusion(ctx context.Context, bundleID string, target uint64) (bool, common.Hash, error) {
	stats, err := s.relay.GetBundleStats(ctx, bundleID)
	if err != nil {
		return false, common.Hash{}, err
	}
	if stats.IncludedBlock != 0 && stats.IncludedTxHash != "" {
		return true, common.HexToHash(stats.IncludedTxHash), nil
	}
	return false, common.Hash{}, nil
}

// checkCancellation evaluates the cancellation conditions: (i) head
// advanced past the target range is handled by the caller's loop
// bound; (ii) a resimulation shows revert or profit loss beyond
// CancelOnLossBps; (iii) sandwich detection above policy threshold
// recommends abort.
func (s *Submitter) checkCancellation(ctx context.Context, plan *arbtypes.ExecutionPlan, bundle *arbtypes.Bundle, atHead uint64) (bool, string) {
	if s.resimulator != nil {
		check := *plan
		if err := s.resimulator.Simulate(ctx, &check, atHead); err == nil {
			if check.State == arbtypes.PlanSimulatedReverted {
				return true, "resimulation reverted at new head"
			}
			if check.SimulatedOut != nil && plan.SimulatedOut != nil {
				loss := new(big.Int).Sub(plan.SimulatedOut, check.SimulatedOut)
				if loss.Sign() > 0 {
					lossBps := new(big.Int).Mul(loss, big.NewInt(10_000))
					lossBps.Quo(lossBps, plan.SimulatedOut)
					if uint32(lossBps.Int64()) > s.cfg.CancelOnLossBps {
						return true, "resimulation shows profit loss beyond cancellation threshold"
					}
				}
			}
		}
	}

	if s.watcher != nil && s.cfg.SandwichPolicy != SandwichOff {
		pools := poolsOf(plan.Opportunity.Path)
		confidence, err := s.watcher.SandwichConfidence(ctx, pools)
		if err == nil && confidence >= sandwichConfidenceThreshold {
			switch s.cfg.SandwichPolicy {
			case SandwichAbort:
				return true, "sandwich detected, policy=abort"
			case SandwichReroute:
				if s.deprioritizer != nil {
					for _, h := range pools {
						s.deprioritizer.RecordQuoteFailure(h)
					}
				}
				return true, "sandwich detected, policy=reroute: bundle abandoned, sandwiched pools deprioritized"
			default:
				// escalate is handled by this Submitter's next
				// iteration bidding higher via escalatedFee; it
				// doesn't cancel outright.
			}
		}
	}
	return false, ""
}

// sandwichConfidenceThreshold is the fixed sandwich-confidence cutoff;
// Config has no setting that overrides it.
const sandwichConfidenceThreshold = 0.75

func poolsOf(path arbtypes.Path) []arbtypes.PoolHandle {
	out := make([]arbtypes.PoolHandle, 0, len(path.Hops))
	for _, h := range path.Hops {
		out = append(out, h.Pool)
	}
	return out
}

// SignWithKey returns a Signer closure bound to key and a fixed
// destination contract/chain ID, using plan.EncodedRoute as the
// transaction data. cmd wiring builds its own Signer around
// Planner.SubmissionCalldata instead; the tests use this one.
func SignWithKey(key *ecdsa.PrivateKey, arbContract common.Address, chainID *big.Int, gasLimit uint64) Signer {
	return func(ctx context.Context, plan *arbtypes.ExecutionPlan, nonce uint64, priorityFee *big.Int) (*gethtypes.Transaction, error) {
		tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: priorityFee,
			GasFeeCap: priorityFee,
			Gas:       gasLimit,
			To:        &arbContract,
			Data:      plan.EncodedRoute,
		})
		return gethtypes.SignTx(tx, gethtypes.NewLondonSigner(chainID), key)
	}
}

var timeNow = time.Now
