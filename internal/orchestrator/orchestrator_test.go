package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbitrage-engine/arbbot/internal/evaluator"
	"github.com/arbitrage-engine/arbbot/internal/flashloan"
	"github.com/arbitrage-engine/arbbot/internal/pathfinder"
	"github.com/arbitrage-engine/arbbot/internal/scanner"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

var (
	testBase = common.HexToAddress("0x01")
	testMid  = common.HexToAddress("0x02")
)

func twoHopScanResults() []scanner.ScanResult {
	pool1 := arbtypes.Pool{Protocol: arbtypes.ProtocolV2, Address: common.HexToAddress("0xAA"), Token0: testBase, Token1: testMid}
	pool2 := arbtypes.Pool{Protocol: arbtypes.ProtocolV2, Address: common.HexToAddress("0xBB"), Token0: testMid, Token1: testBase}
	return []scanner.ScanResult{
		{Handle: 1, Pool: pool1, Quote0: &arbtypes.Quote{AmountOut: big.NewInt(100)}},
		{Handle: 2, Pool: pool2, Quote0: &arbtypes.Quote{AmountOut: big.NewInt(100)}},
	}
}

type fakeHeadSource struct {
	blockNum   uint64
	subscribed int32
}

func (f *fakeHeadSource) SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (func(), error) {
	atomic.AddInt32(&f.subscribed, 1)
	return func() {}, nil
}

func (f *fakeHeadSource) BlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNum, nil
}

type fakeScan struct {
	results []scanner.ScanResult
	err     error
	calls   int32
}

func (f *fakeScan) Scan(ctx context.Context, head uint64) ([]scanner.ScanResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.results, f.err
}

type blockingScan struct {
	started  chan struct{}
	release  chan struct{}
	calls    int32
}

func (b *blockingScan) Scan(ctx context.Context, head uint64) ([]scanner.ScanResult, error) {
	atomic.AddInt32(&b.calls, 1)
	close(b.started)
	<-b.release
	return nil, nil
}

type fakeEval struct {
	netProfit *big.Int
}

func (f fakeEval) Evaluate(ctx context.Context, path arbtypes.Path, pools evaluator.PoolResolver, head, quotedBlock uint64) arbtypes.EvalResult {
	return arbtypes.EvalResult{Opportunity: &arbtypes.Opportunity{Path: path, NetProfit: f.netProfit}}
}

type rejectingEval struct{}

func (rejectingEval) Evaluate(ctx context.Context, path arbtypes.Path, pools evaluator.PoolResolver, head, quotedBlock uint64) arbtypes.EvalResult {
	return arbtypes.EvalResult{Rejected: &arbtypes.Rejected{Path: path, Reason: arbtypes.RejectUnprofitable, Detail: "test"}}
}

type fakePlan struct {
	simState arbtypes.PlanState
}

func (f fakePlan) Build(ctx context.Context, opp arbtypes.Opportunity, pools flashloan.PoolResolver) (*arbtypes.ExecutionPlan, error) {
	return &arbtypes.ExecutionPlan{Opportunity: opp, State: arbtypes.PlanBuilt, MinProfit: opp.NetProfit}, nil
}

func (f fakePlan) Simulate(ctx context.Context, plan *arbtypes.ExecutionPlan, atHead uint64) error {
	plan.State = f.simState
	if f.simState == arbtypes.PlanSimulatedReverted {
		plan.RevertReason = "test revert"
	}
	return nil
}

type fakeSubmit struct {
	bundleState arbtypes.BundleState
	calls       int32
}

func (f *fakeSubmit) Submit(ctx context.Context, plan *arbtypes.ExecutionPlan, head uint64, nextNonce func(context.Context) (uint64, error)) (*arbtypes.Bundle, error) {
	atomic.AddInt32(&f.calls, 1)
	if _, err := nextNonce(ctx); err != nil {
		return nil, err
	}
	return &arbtypes.Bundle{Plan: *plan, State: f.bundleState, TargetBlockFrom: head + 1, MinEffectiveTip: big.NewInt(1)}, nil
}

type fakePools struct{}

func (fakePools) Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool) {
	return arbtypes.Pool{}, true
}

type fakeNonce struct{}

func (fakeNonce) Next(ctx context.Context) (uint64, error) { return 1, nil }

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) record(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}
func (s *fakeSink) has(e string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev == e {
			return true
		}
	}
	return false
}
func (s *fakeSink) EmitCycleStart(common.Address, uint64)                  { s.record("cycle_start") }
func (s *fakeSink) EmitCycleEnd(common.Address, uint64, time.Duration)     { s.record("cycle_end") }
func (s *fakeSink) EmitOpportunity(common.Address, int, *big.Int)          { s.record("opportunity") }
func (s *fakeSink) EmitRejected(common.Address, string)                    { s.record("rejected") }
func (s *fakeSink) EmitPlanSimulated(_ common.Address, ok bool, _ string) {
	if ok {
		s.record("plan_ok")
	} else {
		s.record("plan_reverted")
	}
}
func (s *fakeSink) EmitBundleSubmitted(common.Address, uint64, *big.Int)      { s.record("bundle_submitted") }
func (s *fakeSink) EmitBundleIncluded(common.Address, uint64, common.Hash)    { s.record("bundle_included") }
func (s *fakeSink) EmitBundleTerminal(common.Address, string, string)         { s.record("bundle_terminal") }
func (s *fakeSink) EmitError(common.Address, string, error)                  { s.record("error") }
func (s *fakeSink) EmitFatal(common.Address, string)                         { s.record("fatal") }

func newTestOrchestrator(scan ScanEngine, eval EvalEngine, plan PlanEngine, submit SubmitEngine, sink *fakeSink) *Orchestrator {
	return New(&fakeHeadSource{}, scan, eval, plan, submit, fakePools{}, fakeNonce{}, sink, Config{
		BaseTokens:              []common.Address{testBase},
		PathfinderCfg:           pathfinder.Config{MaxPathLength: 2, MaxPriceImpactBps: 10_000},
		CircuitBreakerThreshold: 2,
		CircuitBreakerWindow:    time.Minute,
		PauseBackoff:            50 * time.Millisecond,
	})
}

func TestRunCycleSubmitsFirstProfitableOpportunity(t *testing.T) {
	scan := &fakeScan{results: twoHopScanResults()}
	submit := &fakeSubmit{bundleState: arbtypes.BundleIncluded}
	sink := &fakeSink{}
	o := newTestOrchestrator(scan, fakeEval{netProfit: big.NewInt(1000)}, fakePlan{simState: arbtypes.PlanSimulatedOK}, submit, sink)

	o.runCycle(context.Background(), testBase, 100, o.breakers[testBase])

	assert.Equal(t, int32(1), atomic.LoadInt32(&submit.calls))
	assert.True(t, sink.has("cycle_start"))
	assert.True(t, sink.has("opportunity"))
	assert.True(t, sink.has("plan_ok"))
	assert.True(t, sink.has("bundle_submitted"))
	assert.True(t, sink.has("bundle_included"))
	assert.True(t, sink.has("cycle_end"))
}

func TestRunCycleSkipsCandidateOnRevertedSimulation(t *testing.T) {
	scan := &fakeScan{results: twoHopScanResults()}
	submit := &fakeSubmit{bundleState: arbtypes.BundleIncluded}
	sink := &fakeSink{}
	o := newTestOrchestrator(scan, fakeEval{netProfit: big.NewInt(1000)}, fakePlan{simState: arbtypes.PlanSimulatedReverted}, submit, sink)

	o.runCycle(context.Background(), testBase, 100, o.breakers[testBase])

	assert.Equal(t, int32(0), atomic.LoadInt32(&submit.calls))
	assert.True(t, sink.has("plan_reverted"))
}

func TestRunCycleRecordsRejectionsWithoutSubmitting(t *testing.T) {
	scan := &fakeScan{results: twoHopScanResults()}
	submit := &fakeSubmit{bundleState: arbtypes.BundleIncluded}
	sink := &fakeSink{}
	o := newTestOrchestrator(scan, rejectingEval{}, fakePlan{simState: arbtypes.PlanSimulatedOK}, submit, sink)

	o.runCycle(context.Background(), testBase, 100, o.breakers[testBase])

	assert.Equal(t, int32(0), atomic.LoadInt32(&submit.calls))
	assert.True(t, sink.has("rejected"))
}

func TestRunCycleCircuitBreakerPausesAfterThreshold(t *testing.T) {
	scan := &fakeScan{err: fmt.Errorf("boom")}
	submit := &fakeSubmit{}
	sink := &fakeSink{}
	o := newTestOrchestrator(scan, fakeEval{}, fakePlan{}, submit, sink)
	breaker := o.breakers[testBase]

	o.runCycle(context.Background(), testBase, 100, breaker)
	o.runCycle(context.Background(), testBase, 101, breaker)
	assert.Equal(t, int32(2), atomic.LoadInt32(&scan.calls))

	// third call should find the breaker tripped and pause the token,
	// so the scan is not invoked a third time.
	o.runCycle(context.Background(), testBase, 102, breaker)
	assert.Equal(t, int32(2), atomic.LoadInt32(&scan.calls))
	assert.True(t, sink.has("fatal"))

	time.Sleep(60 * time.Millisecond)
	o.runCycle(context.Background(), testBase, 103, breaker)
	assert.Equal(t, int32(3), atomic.LoadInt32(&scan.calls))
}

func TestRunCycleEnforcesAtMostOneInFlightPerBaseToken(t *testing.T) {
	block := &blockingScan{started: make(chan struct{}), release: make(chan struct{})}
	sink := &fakeSink{}
	o := newTestOrchestrator(block, fakeEval{}, fakePlan{}, &fakeSubmit{}, sink)

	go o.runCycle(context.Background(), testBase, 100, o.breakers[testBase])
	<-block.started

	o.runCycle(context.Background(), testBase, 100, o.breakers[testBase])
	assert.Equal(t, int32(1), atomic.LoadInt32(&block.calls))

	close(block.release)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	scan := &fakeScan{results: nil}
	sink := &fakeSink{}
	o := newTestOrchestrator(scan, fakeEval{}, fakePlan{}, &fakeSubmit{}, sink)
	o.cfg.ScanIntervalFallback = 10 * time.Millisecond
	o.cfg.ShutdownDeadline = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunRequiresBaseTokens(t *testing.T) {
	o := New(&fakeHeadSource{}, &fakeScan{}, fakeEval{}, fakePlan{}, &fakeSubmit{}, fakePools{}, fakeNonce{}, &fakeSink{}, Config{})
	err := o.Run(context.Background())
	require.Error(t, err)
}

// preemptableScan blocks its first call until ctx is cancelled (so the
// test can simulate a scan that's still running when a newer head
// arrives), then serves results normally on every later call.
type preemptableScan struct {
	mu        sync.Mutex
	callHeads []uint64
	first     chan uint64
	results   []scanner.ScanResult
}

func (p *preemptableScan) Scan(ctx context.Context, head uint64) ([]scanner.ScanResult, error) {
	p.mu.Lock()
	n := len(p.callHeads)
	p.callHeads = append(p.callHeads, head)
	p.mu.Unlock()

	if n == 0 {
		p.first <- head
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.results, nil
}

func (p *preemptableScan) snapshot() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.callHeads...)
}

// controllableHeadSource lets a test push new-head notifications on
// its own schedule instead of the zero-notification fakeHeadSource.
type controllableHeadSource struct {
	ch chan *gethtypes.Header
}

func (c *controllableHeadSource) SubscribeNewHead(ctx context.Context, out chan<- *gethtypes.Header) (func(), error) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case h, ok := <-c.ch:
				if !ok {
					return
				}
				select {
				case out <- h:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return func() {}, nil
}

func (c *controllableHeadSource) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func TestRunTokenRateLimitsRapidHeadsAfterCycleCompletes(t *testing.T) {
	scan := &fakeScan{results: nil}
	sink := &fakeSink{}
	heads := &controllableHeadSource{ch: make(chan *gethtypes.Header, 4)}

	o := New(heads, scan, fakeEval{}, fakePlan{}, &fakeSubmit{}, fakePools{}, fakeNonce{}, sink, Config{
		BaseTokens:           []common.Address{testBase},
		PathfinderCfg:        pathfinder.Config{MaxPathLength: 2, MaxPriceImpactBps: 10_000},
		ScanIntervalFallback: time.Hour,
		MinCycleInterval:     time.Hour,
		ShutdownDeadline:     time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()

	heads.ch <- &gethtypes.Header{Number: big.NewInt(100)}
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&scan.calls) == 1
	}, time.Second, 5*time.Millisecond)

	// let the first cycle fully retire so the second head exercises the
	// rate limit rather than the preemption path.
	time.Sleep(20 * time.Millisecond)

	// a second head inside the minimum interval, after the first cycle
	// has already finished, must not start another cycle.
	heads.ch <- &gethtypes.Header{Number: big.NewInt(101)}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&scan.calls))

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
}

func TestRunCancelsInProgressCycleOnNewHead(t *testing.T) {
	scan := &preemptableScan{first: make(chan uint64, 1), results: twoHopScanResults()}
	submit := &fakeSubmit{bundleState: arbtypes.BundleIncluded}
	sink := &fakeSink{}
	heads := &controllableHeadSource{ch: make(chan *gethtypes.Header, 4)}

	o := New(heads, scan, fakeEval{netProfit: big.NewInt(1000)}, fakePlan{simState: arbtypes.PlanSimulatedOK}, submit, fakePools{}, fakeNonce{}, sink, Config{
		BaseTokens:           []common.Address{testBase},
		PathfinderCfg:        pathfinder.Config{MaxPathLength: 2, MaxPriceImpactBps: 10_000},
		ScanIntervalFallback: time.Hour,
		ShutdownDeadline:     time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()

	heads.ch <- &gethtypes.Header{Number: big.NewInt(100)}

	select {
	case h := <-scan.first:
		assert.Equal(t, uint64(100), h)
	case <-time.After(time.Second):
		t.Fatal("first scan never started")
	}

	// a newer head preempts the still-running first cycle.
	heads.ch <- &gethtypes.Header{Number: big.NewInt(101)}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&submit.calls) == 1
	}, time.Second, 5*time.Millisecond, "the fresh cycle against the new head never submitted")

	callHeads := scan.snapshot()
	require.Len(t, callHeads, 2, "expected the preempted scan plus exactly one fresh scan at the new head")
	assert.Equal(t, uint64(100), callHeads[0])
	assert.Equal(t, uint64(101), callHeads[1])
	assert.False(t, sink.has("fatal"), "a preempted cycle must not be treated as an error")

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
}
