package mevsubmit

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

type fakeRelay struct {
	submitted   []BundleRequest
	statsByID   map[string]BundleStats
	submitErr   error
	nextBundleN int
}

func (f *fakeRelay) SubmitBundle(ctx context.Context, req BundleRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	f.nextBundleN++
	return req.BlockNumber, nil
}

func (f *fakeRelay) SimulateBundle(ctx context.Context, req BundleRequest) (SimulateResult, error) {
	return SimulateResult{Success: true}, nil
}

func (f *fakeRelay) GetBundleStats(ctx context.Context, relayBundleID string) (BundleStats, error) {
	return f.statsByID[relayBundleID], nil
}

type fakeHeadSource struct{ head uint64 }

func (f fakeHeadSource) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

type fakeResimulator struct {
	state   arbtypes.PlanState
	outDrop *big.Int
}

func (f fakeResimulator) Simulate(ctx context.Context, plan *arbtypes.ExecutionPlan, atHead uint64) error {
	plan.State = f.state
	if f.outDrop != nil {
		plan.SimulatedOut = f.outDrop
	} else {
		plan.SimulatedOut = big.NewInt(0).Set(plan.SimulatedOut)
	}
	return nil
}

type fakeWatcher struct{ confidence float64 }

func (f fakeWatcher) SandwichConfidence(ctx context.Context, pools []arbtypes.PoolHandle) (float64, error) {
	return f.confidence, nil
}

func testSigner() Signer {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return SignWithKey(key, common.HexToAddress("0xC0FFEE"), big.NewInt(1), 500_000)
}

func simulatedPlan() *arbtypes.ExecutionPlan {
	return &arbtypes.ExecutionPlan{
		Opportunity:  arbtypes.Opportunity{NetProfit: big.NewInt(1_000_000)},
		EncodedRoute: []byte{0x01, 0x02},
		SimulatedOut: big.NewInt(1_000_000),
		State:        arbtypes.PlanSimulatedOK,
	}
}

func sequentialNonce() func(context.Context) (uint64, error) {
	n := uint64(0)
	return func(context.Context) (uint64, error) {
		v := n
		n++
		return v, nil
	}
}

func baseConfig() Config {
	return Config{
		MaxBlocksAhead:  3,
		BidFloorWei:     big.NewInt(1_000_000_000),
		BidCeilingWei:   big.NewInt(10_000_000_000),
		BidFractionPct:  0.1,
		CancelOnLossBps: 100,
	}
}

func TestPriorityFeeClampsToFloorAndCeiling(t *testing.T) {
	cfg := baseConfig()

	assert.Equal(t, cfg.BidFloorWei, cfg.PriorityFee(big.NewInt(0)))

	huge := new(big.Int).Mul(cfg.BidCeilingWei, big.NewInt(1000))
	assert.Equal(t, cfg.BidCeilingWei, cfg.PriorityFee(huge))

	mid := cfg.PriorityFee(big.NewInt(50_000_000_000))
	assert.True(t, mid.Cmp(cfg.BidFloorWei) >= 0)
	assert.True(t, mid.Cmp(cfg.BidCeilingWei) <= 0)
}

func TestSubmitRejectsPlanNotSimulatedOK(t *testing.T) {
	relay := &fakeRelay{}
	s := NewSubmitter(relay, fakeHeadSource{head: 100}, nil, nil, testSigner(), baseConfig())
	plan := &arbtypes.ExecutionPlan{State: arbtypes.PlanBuilt}

	_, err := s.Submit(context.Background(), plan, 100, sequentialNonce())
	assert.Error(t, err)
}

func TestSubmitIncludesOnFirstTargetBlock(t *testing.T) {
	relay := &fakeRelay{statsByID: map[string]BundleStats{}}
	relay.statsByID["0x65"] = BundleStats{IncludedBlock: 101, IncludedTxHash: "0xaaaa000000000000000000000000000000000000000000000000000000aa"}

	s := NewSubmitter(relay, fakeHeadSource{head: 200}, nil, nil, testSigner(), baseConfig())
	plan := simulatedPlan()

	bundle, err := s.Submit(context.Background(), plan, 100, sequentialNonce())
	require.NoError(t, err)
	assert.Equal(t, arbtypes.BundleIncluded, bundle.State)
	assert.Equal(t, uint64(101), bundle.IncludedBlock)
	assert.Len(t, relay.submitted, 1)
}

func TestSubmitExpiresWhenNeverIncluded(t *testing.T) {
	relay := &fakeRelay{statsByID: map[string]BundleStats{}}
	s := NewSubmitter(relay, fakeHeadSource{head: 999}, nil, nil, testSigner(), baseConfig())
	plan := simulatedPlan()

	bundle, err := s.Submit(context.Background(), plan, 100, sequentialNonce())
	require.NoError(t, err)
	assert.Equal(t, arbtypes.BundleExpired, bundle.State)
	assert.Len(t, relay.submitted, int(baseConfig().MaxBlocksAhead))
}

func TestSubmitCancelsOnResimulationRevert(t *testing.T) {
	relay := &fakeRelay{statsByID: map[string]BundleStats{}}
	resim := fakeResimulator{state: arbtypes.PlanSimulatedReverted}
	s := NewSubmitter(relay, fakeHeadSource{head: 999}, resim, nil, testSigner(), baseConfig())
	plan := simulatedPlan()

	bundle, err := s.Submit(context.Background(), plan, 100, sequentialNonce())
	require.NoError(t, err)
	assert.Equal(t, arbtypes.BundleCancelled, bundle.State)
	assert.Contains(t, bundle.CancelReason, "reverted")
	assert.Empty(t, relay.submitted)
}

func TestSubmitCancelsOnProfitLossBeyondThreshold(t *testing.T) {
	relay := &fakeRelay{statsByID: map[string]BundleStats{}}
	resim := fakeResimulator{state: arbtypes.PlanSimulatedOK, outDrop: big.NewInt(100_000)}
	cfg := baseConfig()
	cfg.CancelOnLossBps = 10
	s := NewSubmitter(relay, fakeHeadSource{head: 999}, resim, nil, testSigner(), cfg)
	plan := simulatedPlan()

	bundle, err := s.Submit(context.Background(), plan, 100, sequentialNonce())
	require.NoError(t, err)
	assert.Equal(t, arbtypes.BundleCancelled, bundle.State)
	assert.Contains(t, bundle.CancelReason, "loss")
}

func TestSubmitAbortsOnSandwichDetectionWhenPolicyAbort(t *testing.T) {
	relay := &fakeRelay{statsByID: map[string]BundleStats{}}
	cfg := baseConfig()
	cfg.SandwichPolicy = SandwichAbort
	s := NewSubmitter(relay, fakeHeadSource{head: 999}, nil, fakeWatcher{confidence: 0.9}, testSigner(), cfg)
	plan := simulatedPlan()

	bundle, err := s.Submit(context.Background(), plan, 100, sequentialNonce())
	require.NoError(t, err)
	assert.Equal(t, arbtypes.BundleCancelled, bundle.State)
	assert.Contains(t, bundle.CancelReason, "sandwich")
}

func TestSubmitIgnoresSandwichWhenPolicyOff(t *testing.T) {
	relay := &fakeRelay{statsByID: map[string]BundleStats{}}
	relay.statsByID["0x65"] = BundleStats{IncludedBlock: 101, IncludedTxHash: "0xbbbb000000000000000000000000000000000000000000000000000000bb"}
	cfg := baseConfig()
	cfg.SandwichPolicy = SandwichOff
	s := NewSubmitter(relay, fakeHeadSource{head: 200}, nil, fakeWatcher{confidence: 0.99}, testSigner(), cfg)
	plan := simulatedPlan()

	bundle, err := s.Submit(context.Background(), plan, 100, sequentialNonce())
	require.NoError(t, err)
	assert.Equal(t, arbtypes.BundleIncluded, bundle.State)
}

func TestEscalatedFeeStepsUpTowardCeiling(t *testing.T) {
	cfg := baseConfig()
	s := &Submitter{cfg: cfg}

	profit := big.NewInt(1_000_000)
	first := s.escalatedFee(profit, 0)
	second := s.escalatedFee(profit, 1)
	assert.True(t, second.Cmp(first) >= 0)
	assert.True(t, second.Cmp(cfg.BidCeilingWei) <= 0)
}
