// Package orchestrator drives one long-lived loop per configured base
// token: on every new chain head (or, failing that, a timer fallback)
// it scans fresh quotes, searches for closed arbitrage cycles,
// evaluates each candidate, builds and simulates a flash-loan plan for
// the first profitable one, and hands it to MEV submission, strictly
// sequenced within a cycle, with at most one bundle in flight per base
// token at a time. The per-token loops are independently cancellable
// and share one chain connection and one wallet nonce sequence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/arbitrage-engine/arbbot/internal/chainclient"
	"github.com/arbitrage-engine/arbbot/internal/evaluator"
	"github.com/arbitrage-engine/arbbot/internal/flashloan"
	"github.com/arbitrage-engine/arbbot/internal/mevsubmit"
	"github.com/arbitrage-engine/arbbot/internal/pathfinder"
	"github.com/arbitrage-engine/arbbot/internal/poolregistry"
	"github.com/arbitrage-engine/arbbot/internal/scanner"
	"github.com/arbitrage-engine/arbbot/internal/telemetry"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// HeadSource is the chain connectivity an Orchestrator needs: new-head
// notifications, with a polling fallback for when a subscription isn't
// available or drops.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (func(), error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ HeadSource = (*chainclient.Client)(nil)

// ScanEngine runs one quote-collection pass over every known pool.
type ScanEngine interface {
	Scan(ctx context.Context, head uint64) ([]scanner.ScanResult, error)
}

var _ ScanEngine = (*scanner.Scanner)(nil)

// EvalEngine prices a candidate path and returns an Opportunity or a
// Rejected.
type EvalEngine interface {
	Evaluate(ctx context.Context, path arbtypes.Path, pools evaluator.PoolResolver, head, quotedBlock uint64) arbtypes.EvalResult
}

var _ EvalEngine = (*evaluator.Evaluator)(nil)

// PlanEngine builds and simulates flash-loan execution plans.
type PlanEngine interface {
	Build(ctx context.Context, opp arbtypes.Opportunity, pools flashloan.PoolResolver) (*arbtypes.ExecutionPlan, error)
	Simulate(ctx context.Context, plan *arbtypes.ExecutionPlan, atHead uint64) error
}

var _ PlanEngine = (*flashloan.Planner)(nil)

// SubmitEngine hands a simulated plan to MEV-protected submission.
type SubmitEngine interface {
	Submit(ctx context.Context, plan *arbtypes.ExecutionPlan, head uint64, nextNonce func(context.Context) (uint64, error)) (*arbtypes.Bundle, error)
}

var _ SubmitEngine = (*mevsubmit.Submitter)(nil)

// PoolResolver resolves a handle to its pool snapshot, shared by the
// evaluator and planner stages of a cycle.
type PoolResolver interface {
	Get(h arbtypes.PoolHandle) (arbtypes.Pool, bool)
}

var _ PoolResolver = (*poolregistry.Registry)(nil)

// NonceSource hands out the next transaction nonce for the engine's
// single signing wallet, shared across every base token's loop since
// they all sign from the same address.
type NonceSource interface {
	Next(ctx context.Context) (uint64, error)
}

var _ NonceSource = (*chainclient.NonceManager)(nil)

// Config bounds one Orchestrator's cadence and fault tolerance.
type Config struct {
	BaseTokens           []common.Address
	ScanIntervalFallback time.Duration

	// MinCycleInterval rate-limits cycle starts for a base token: a
	// head that arrives within this window of the previous cycle's
	// start is ignored unless it preempts a cycle that is still
	// running. Zero disables the guard.
	MinCycleInterval time.Duration

	PathfinderCfg           pathfinder.Config
	CircuitBreakerWindow    time.Duration
	CircuitBreakerThreshold int
	PauseBackoff            time.Duration
	ShutdownDeadline        time.Duration
}

// Orchestrator wires every subsystem together and drives the
// per-base-token loops.
type Orchestrator struct {
	chain  HeadSource
	scan   ScanEngine
	eval   EvalEngine
	plan   PlanEngine
	submit SubmitEngine
	pools  PoolResolver
	nonce  NonceSource
	sink   telemetry.Sink
	cfg    Config

	inFlight     sync.Map // common.Address -> struct{}
	pausedUntil  sync.Map // common.Address -> time.Time
	breakers     map[common.Address]*CircuitBreaker
	breakersOnce sync.Once
}

// New builds an Orchestrator. sink must not be nil; use
// telemetry.NewLogSink(nil) for a bare stdlib-logger default.
func New(chain HeadSource, scan ScanEngine, eval EvalEngine, plan PlanEngine, submit SubmitEngine, pools PoolResolver, nonce NonceSource, sink telemetry.Sink, cfg Config) *Orchestrator {
	if cfg.ScanIntervalFallback <= 0 {
		cfg.ScanIntervalFallback = 3 * time.Second
	}
	if cfg.PauseBackoff <= 0 {
		cfg.PauseBackoff = 30 * time.Second
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 10 * time.Second
	}
	o := &Orchestrator{
		chain: chain, scan: scan, eval: eval, plan: plan, submit: submit,
		pools: pools, nonce: nonce, sink: sink, cfg: cfg,
	}
	o.breakers = make(map[common.Address]*CircuitBreaker, len(cfg.BaseTokens))
	for _, base := range cfg.BaseTokens {
		o.breakers[base] = NewCircuitBreaker(cfg.CircuitBreakerWindow, cfg.CircuitBreakerThreshold)
	}
	return o
}

// Run subscribes to new heads and drives one goroutine per configured
// base token until ctx is cancelled, then waits up to
// Config.ShutdownDeadline for in-flight cycles to finish before
// returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.cfg.BaseTokens) == 0 {
		return fmt.Errorf("orchestrator: no base tokens configured")
	}

	headCh := make(chan *gethtypes.Header, 16)
	unsubscribe, err := o.chain.SubscribeNewHead(ctx, headCh)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe new heads: %w", err)
	}
	defer unsubscribe()

	tokenCtx, cancelTokens := context.WithCancel(ctx)
	defer cancelTokens()

	headSignals := make([]chan uint64, len(o.cfg.BaseTokens))
	var wg sync.WaitGroup
	for i, base := range o.cfg.BaseTokens {
		headSignals[i] = make(chan uint64, 1)
		wg.Add(1)
		go func(base common.Address, heads <-chan uint64) {
			defer wg.Done()
			o.runToken(tokenCtx, base, heads)
		}(base, headSignals[i])
	}

	for {
		select {
		case <-ctx.Done():
			cancelTokens()
			if waitTimeout(&wg, o.cfg.ShutdownDeadline) {
				return ctx.Err()
			}
			return fmt.Errorf("orchestrator: shutdown deadline exceeded waiting for in-flight cycles")
		case h := <-headCh:
			if h == nil || h.Number == nil {
				continue
			}
			head := h.Number.Uint64()
			for _, ch := range headSignals {
				select {
				case ch <- head:
				default:
					// a token's loop hasn't consumed the previous
					// signal yet; it will pick up the current head on
					// its own next tick instead of queuing stale ones.
				}
			}
		}
	}
}

// waitTimeout waits for wg with a deadline, reporting whether it
// finished in time.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// runToken is the long-lived loop for one base token: select on a new
// head signal or a fallback timer, running one cycle per trigger in
// its own cancellable context. A newer head preempts whatever cycle is
// currently running for this token: its context is cancelled so the
// scan (or whichever stage is live) aborts and discards its partial
// work at the next checkpoint, and runToken waits for that cycle to
// actually exit before starting the next one, so cycles for a single
// base token never run concurrently. A cycle that has already reached
// submission detaches from this cancellation (see planAndSubmit) and
// runs its bundle to a natural terminal state regardless.
func (o *Orchestrator) runToken(ctx context.Context, base common.Address, heads <-chan uint64) {
	breaker := o.breakers[base]
	ticker := time.NewTicker(o.cfg.ScanIntervalFallback)
	defer ticker.Stop()

	var cancelCycle context.CancelFunc
	cycleDone := closedChan()
	var lastStart time.Time

	startCycle := func(head uint64) {
		stillRunning := true
		select {
		case <-cycleDone:
			stillRunning = false
		default:
		}
		// Rapid re-entry guard: once a cycle has completed, the next
		// one doesn't start until MinCycleInterval has elapsed. A head
		// that preempts a still-running cycle is exempt, so a fresh
		// cycle always replaces a superseded one.
		if !stillRunning && o.cfg.MinCycleInterval > 0 && !lastStart.IsZero() && time.Since(lastStart) < o.cfg.MinCycleInterval {
			return
		}
		if cancelCycle != nil {
			cancelCycle()
			<-cycleDone
		}
		lastStart = time.Now()
		cycleCtx, cancel := context.WithCancel(ctx)
		cancelCycle = cancel
		done := make(chan struct{})
		cycleDone = done
		go func() {
			defer close(done)
			defer cancel()
			o.runCycle(cycleCtx, base, head, breaker)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			if cancelCycle != nil {
				cancelCycle()
				<-cycleDone
			}
			return
		case head := <-heads:
			startCycle(head)
		case <-ticker.C:
			head, err := o.chain.BlockNumber(ctx)
			if err != nil {
				o.recordError(base, breaker, fmt.Errorf("poll head: %w", err), false)
				continue
			}
			startCycle(head)
		}
	}
}

// closedChan returns an already-closed channel, used as runToken's
// initial "no cycle in flight" sentinel so the first startCycle call
// has nothing to wait on.
func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// runCycle runs scan -> find -> evaluate -> plan -> submit for one
// base token at one head, enforcing at most one bundle in flight and
// honoring a circuit-breaker pause.
func (o *Orchestrator) runCycle(ctx context.Context, base common.Address, head uint64, breaker *CircuitBreaker) {
	if until, ok := o.pausedUntil.Load(base); ok {
		if time.Now().Before(until.(time.Time)) {
			return
		}
		o.pausedUntil.Delete(base)
	}

	if _, already := o.inFlight.LoadOrStore(base, struct{}{}); already {
		return
	}
	defer o.inFlight.Delete(base)

	start := time.Now()
	o.sink.EmitCycleStart(base, head)

	built, cycleErr := o.tryBuildAndSubmit(ctx, base, head)
	o.sink.EmitCycleEnd(base, head, time.Since(start))

	if cycleErr != nil {
		if errors.Is(cycleErr, context.Canceled) {
			// A newer head preempted this cycle (runToken cancelled
			// cycleCtx). Routine, not a fault: the cycle is simply
			// abandoned, its Opportunity and Plan discarded, with no
			// circuit-breaker or error telemetry noise. A fresh cycle
			// already starts against the new head.
			return
		}
		o.recordError(base, breaker, cycleErr, false)
		return
	}
	if built {
		breaker.Reset()
	}
}

// tryBuildAndSubmit runs the body of one cycle, returning whether a
// bundle was submitted.
func (o *Orchestrator) tryBuildAndSubmit(ctx context.Context, base common.Address, head uint64) (bool, error) {
	results, err := o.scan.Scan(ctx, head)
	if err != nil {
		return false, fmt.Errorf("scan: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	finder := pathfinder.New(results, o.cfg.PathfinderCfg)
	candidates := finder.FindCycles(base)

	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		result := o.eval.Evaluate(ctx, path, o.pools, head, head)
		if result.Rejected != nil {
			o.sink.EmitRejected(base, result.Rejected.Reason.String())
			continue
		}
		opp := *result.Opportunity
		o.sink.EmitOpportunity(base, len(opp.Path.Hops), opp.NetProfit)

		submitted, err := o.planAndSubmit(ctx, base, head, opp)
		if err != nil {
			o.sink.EmitError(base, "plan_or_submit", err)
			continue
		}
		if submitted {
			return true, nil
		}
	}
	return false, nil
}

// planAndSubmit builds, simulates and submits a single candidate
// opportunity, returning false (not an error) when simulation reverts
// so the caller tries the next candidate instead of aborting the
// cycle.
func (o *Orchestrator) planAndSubmit(ctx context.Context, base common.Address, head uint64, opp arbtypes.Opportunity) (bool, error) {
	built, err := o.plan.Build(ctx, opp, o.pools)
	if err != nil {
		return false, fmt.Errorf("build plan: %w", err)
	}

	if err := o.plan.Simulate(ctx, built, head); err != nil {
		return false, fmt.Errorf("simulate plan: %w", err)
	}
	o.sink.EmitPlanSimulated(base, built.State == arbtypes.PlanSimulatedOK, built.RevertReason)
	if built.State != arbtypes.PlanSimulatedOK {
		built.State = arbtypes.PlanDiscarded
		return false, nil
	}
	built.State = arbtypes.PlanHandedToSubmission

	// Once a plan is handed to submission it detaches from this
	// cycle's cancellation: a cancelled cycle must not cancel an
	// already-submitted bundle, which runs to its natural terminal
	// state to avoid double-submission. runToken may already
	// be cancelling cycleCtx for the next head by the time Submit
	// returns; WithoutCancel keeps the bundle's escalation/tracking
	// alive regardless, while still carrying any request-scoped values.
	submitCtx := context.WithoutCancel(ctx)
	bundle, err := o.submit.Submit(submitCtx, built, head, o.nonce.Next)
	if err != nil {
		return false, fmt.Errorf("submit bundle: %w", err)
	}

	o.sink.EmitBundleSubmitted(base, bundle.TargetBlockFrom, bundle.MinEffectiveTip)
	switch bundle.State {
	case arbtypes.BundleIncluded:
		o.sink.EmitBundleIncluded(base, bundle.IncludedBlock, bundle.IncludedTxHash)
	case arbtypes.BundleCancelled, arbtypes.BundleExpired:
		o.sink.EmitBundleTerminal(base, bundle.State.String(), bundle.CancelReason)
	}
	return true, nil
}

// recordError reports a recoverable error to telemetry and, if the
// circuit breaker trips, pauses the base token's loop for
// Config.PauseBackoff.
func (o *Orchestrator) recordError(base common.Address, breaker *CircuitBreaker, err error, critical bool) {
	o.sink.EmitError(base, "cycle_error", err)
	if breaker.RecordError(time.Now(), critical) {
		o.pausedUntil.Store(base, time.Now().Add(o.cfg.PauseBackoff))
		o.sink.EmitFatal(base, fmt.Sprintf("circuit breaker tripped: %v", err))
	}
}
