// Package telemetry defines the engine's outbound event surface
// (cycle start/end, opportunity detected, plan simulated, bundle
// submitted, bundle included/expired, errors) as a typed collaborator
// interface, rather than ad hoc log.Printf calls scattered across
// components. The dashboard and its transport live elsewhere; this
// package only emits.
//
// Two Sinks are provided: LogSink writes key=value status lines
// through the standard library logger, and PrometheusSink records
// counters and histograms via github.com/prometheus/client_golang.
package telemetry

import (
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives every externally-visible event the engine emits.
// Implementations must not block the caller meaningfully; a sink that
// needs to do slow I/O (e.g. ship to a remote collector) should buffer
// internally.
type Sink interface {
	EmitCycleStart(baseToken common.Address, head uint64)
	EmitCycleEnd(baseToken common.Address, head uint64, d time.Duration)
	EmitOpportunity(baseToken common.Address, hops int, netProfit *big.Int)
	EmitRejected(baseToken common.Address, reason string)
	EmitPlanSimulated(baseToken common.Address, ok bool, revertReason string)
	EmitBundleSubmitted(baseToken common.Address, targetBlock uint64, tip *big.Int)
	EmitBundleIncluded(baseToken common.Address, block uint64, txHash common.Hash)
	EmitBundleTerminal(baseToken common.Address, state string, reason string)
	EmitError(baseToken common.Address, class string, err error)
	EmitFatal(baseToken common.Address, reason string)
}

// LogSink writes every event as a single structured log line through
// the standard library logger: a short action tag followed by
// key=value pairs, no external dependency required.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink builds a LogSink. A nil logger falls back to log.Default().
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) EmitCycleStart(baseToken common.Address, head uint64) {
	s.logger.Printf("cycle_start base=%s head=%d", baseToken, head)
}

func (s *LogSink) EmitCycleEnd(baseToken common.Address, head uint64, d time.Duration) {
	s.logger.Printf("cycle_end base=%s head=%d duration=%s", baseToken, head, d)
}

func (s *LogSink) EmitOpportunity(baseToken common.Address, hops int, netProfit *big.Int) {
	s.logger.Printf("opportunity base=%s hops=%d net_profit=%s", baseToken, hops, netProfit)
}

func (s *LogSink) EmitRejected(baseToken common.Address, reason string) {
	s.logger.Printf("rejected base=%s reason=%s", baseToken, reason)
}

func (s *LogSink) EmitPlanSimulated(baseToken common.Address, ok bool, revertReason string) {
	if ok {
		s.logger.Printf("plan_simulated base=%s result=ok", baseToken)
		return
	}
	s.logger.Printf("plan_simulated base=%s result=reverted reason=%s", baseToken, revertReason)
}

func (s *LogSink) EmitBundleSubmitted(baseToken common.Address, targetBlock uint64, tip *big.Int) {
	s.logger.Printf("bundle_submitted base=%s target_block=%d tip=%s", baseToken, targetBlock, tip)
}

func (s *LogSink) EmitBundleIncluded(baseToken common.Address, block uint64, txHash common.Hash) {
	s.logger.Printf("bundle_included base=%s block=%d tx=%s", baseToken, block, txHash)
}

func (s *LogSink) EmitBundleTerminal(baseToken common.Address, state string, reason string) {
	s.logger.Printf("bundle_terminal base=%s state=%s reason=%s", baseToken, state, reason)
}

func (s *LogSink) EmitError(baseToken common.Address, class string, err error) {
	s.logger.Printf("error base=%s class=%s err=%v", baseToken, class, err)
}

func (s *LogSink) EmitFatal(baseToken common.Address, reason string) {
	s.logger.Printf("FATAL base=%s reason=%s", baseToken, reason)
}

var _ Sink = (*LogSink)(nil)

// PrometheusSink records every event as a counter or histogram
// registered against a caller-supplied registry, so multiple engine
// instances in one process (one per base token pool, say, in tests)
// don't collide on global metric registration.
type PrometheusSink struct {
	cyclesStarted   *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	opportunities   *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	plansSimulated  *prometheus.CounterVec
	bundlesSubmitted *prometheus.CounterVec
	bundlesIncluded *prometheus.CounterVec
	bundlesTerminal *prometheus.CounterVec
	errors          *prometheus.CounterVec
	fatals          *prometheus.CounterVec
}

// NewPrometheusSink registers every metric against reg and returns the
// sink. reg must not already have metrics under the "arbbot" namespace
// registered, or registration will fail.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "cycles_started_total", Help: "Execution cycles started, by base token.",
		}, []string{"base_token"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbbot", Name: "cycle_duration_seconds", Help: "Execution cycle wall time, by base token.",
			Buckets: prometheus.DefBuckets,
		}, []string{"base_token"}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "opportunities_total", Help: "Opportunities emitted by the evaluator, by base token and hop count.",
		}, []string{"base_token", "hops"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "rejections_total", Help: "Candidate paths rejected, by base token and reason.",
		}, []string{"base_token", "reason"}),
		plansSimulated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "plans_simulated_total", Help: "Plans simulated, by base token and result.",
		}, []string{"base_token", "result"}),
		bundlesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "bundles_submitted_total", Help: "Bundles submitted to the relay, by base token.",
		}, []string{"base_token"}),
		bundlesIncluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "bundles_included_total", Help: "Bundles included on-chain, by base token.",
		}, []string{"base_token"}),
		bundlesTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "bundles_terminal_total", Help: "Bundles reaching a terminal non-included state, by base token and state.",
		}, []string{"base_token", "state"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "errors_total", Help: "Recoverable errors, by base token and class.",
		}, []string{"base_token", "class"}),
		fatals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbbot", Name: "fatal_total", Help: "Fatal-class events pausing a base token's loop.",
		}, []string{"base_token"}),
	}
	collectors := []prometheus.Collector{
		s.cyclesStarted, s.cycleDuration, s.opportunities, s.rejections,
		s.plansSimulated, s.bundlesSubmitted, s.bundlesIncluded, s.bundlesTerminal,
		s.errors, s.fatals,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) EmitCycleStart(baseToken common.Address, head uint64) {
	s.cyclesStarted.WithLabelValues(baseToken.Hex()).Inc()
}

func (s *PrometheusSink) EmitCycleEnd(baseToken common.Address, head uint64, d time.Duration) {
	s.cycleDuration.WithLabelValues(baseToken.Hex()).Observe(d.Seconds())
}

func (s *PrometheusSink) EmitOpportunity(baseToken common.Address, hops int, netProfit *big.Int) {
	s.opportunities.WithLabelValues(baseToken.Hex(), hopsLabel(hops)).Inc()
}

func (s *PrometheusSink) EmitRejected(baseToken common.Address, reason string) {
	s.rejections.WithLabelValues(baseToken.Hex(), reason).Inc()
}

func (s *PrometheusSink) EmitPlanSimulated(baseToken common.Address, ok bool, revertReason string) {
	result := "ok"
	if !ok {
		result = "reverted"
	}
	s.plansSimulated.WithLabelValues(baseToken.Hex(), result).Inc()
}

func (s *PrometheusSink) EmitBundleSubmitted(baseToken common.Address, targetBlock uint64, tip *big.Int) {
	s.bundlesSubmitted.WithLabelValues(baseToken.Hex()).Inc()
}

func (s *PrometheusSink) EmitBundleIncluded(baseToken common.Address, block uint64, txHash common.Hash) {
	s.bundlesIncluded.WithLabelValues(baseToken.Hex()).Inc()
}

func (s *PrometheusSink) EmitBundleTerminal(baseToken common.Address, state string, reason string) {
	s.bundlesTerminal.WithLabelValues(baseToken.Hex(), state).Inc()
}

func (s *PrometheusSink) EmitError(baseToken common.Address, class string, err error) {
	s.errors.WithLabelValues(baseToken.Hex(), class).Inc()
}

func (s *PrometheusSink) EmitFatal(baseToken common.Address, reason string) {
	s.fatals.WithLabelValues(baseToken.Hex()).Inc()
}

var _ Sink = (*PrometheusSink)(nil)

func hopsLabel(hops int) string {
	switch hops {
	case 2:
		return "2"
	case 3:
		return "3"
	case 4:
		return "4"
	default:
		return "other"
	}
}

// MultiSink fans every event out to several sinks, letting the
// Orchestrator run LogSink and PrometheusSink side by side.
type MultiSink []Sink

func (m MultiSink) EmitCycleStart(baseToken common.Address, head uint64) {
	for _, s := range m {
		s.EmitCycleStart(baseToken, head)
	}
}
func (m MultiSink) EmitCycleEnd(baseToken common.Address, head uint64, d time.Duration) {
	for _, s := range m {
		s.EmitCycleEnd(baseToken, head, d)
	}
}
func (m MultiSink) EmitOpportunity(baseToken common.Address, hops int, netProfit *big.Int) {
	for _, s := range m {
		s.EmitOpportunity(baseToken, hops, netProfit)
	}
}
func (m MultiSink) EmitRejected(baseToken common.Address, reason string) {
	for _, s := range m {
		s.EmitRejected(baseToken, reason)
	}
}
func (m MultiSink) EmitPlanSimulated(baseToken common.Address, ok bool, revertReason string) {
	for _, s := range m {
		s.EmitPlanSimulated(baseToken, ok, revertReason)
	}
}
func (m MultiSink) EmitBundleSubmitted(baseToken common.Address, targetBlock uint64, tip *big.Int) {
	for _, s := range m {
		s.EmitBundleSubmitted(baseToken, targetBlock, tip)
	}
}
func (m MultiSink) EmitBundleIncluded(baseToken common.Address, block uint64, txHash common.Hash) {
	for _, s := range m {
		s.EmitBundleIncluded(baseToken, block, txHash)
	}
}
func (m MultiSink) EmitBundleTerminal(baseToken common.Address, state string, reason string) {
	for _, s := range m {
		s.EmitBundleTerminal(baseToken, state, reason)
	}
}
func (m MultiSink) EmitError(baseToken common.Address, class string, err error) {
	for _, s := range m {
		s.EmitError(baseToken, class, err)
	}
}
func (m MultiSink) EmitFatal(baseToken common.Address, reason string) {
	for _, s := range m {
		s.EmitFatal(baseToken, reason)
	}
}

var _ Sink = (MultiSink)(nil)
