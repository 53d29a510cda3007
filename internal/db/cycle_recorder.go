package db

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/arbitrage-engine/arbbot/internal/abiutil"
	"github.com/arbitrage-engine/arbbot/internal/telemetry"
	"github.com/arbitrage-engine/arbbot/pkg/txlistener"
	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

var _ telemetry.Sink = (*CycleRecorder)(nil)

// CycleRecord is one terminal outcome of an execution cycle: either a
// bundle that reached Included, or one that reached Cancelled/Expired.
// Opportunities that never reached submission are not recorded here;
// they live and die within one cycle.
type CycleRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	BaseToken     string    `gorm:"type:varchar(42);index;not null"`
	Outcome       string    `gorm:"type:varchar(16);not null"` // included|cancelled|expired
	Block         uint64    `gorm:"not null"`
	TxHash        string    `gorm:"type:varchar(66)"`
	Reason        string    `gorm:"type:varchar(255)"`
	RecordedAt    time.Time `gorm:"autoCreateTime"`
}

func (CycleRecord) TableName() string { return "cycle_records" }

// GasBaselineRecord is a per-adapter-protocol, per-hop-count gas
// estimate seed, refined over time from realized ExecutionPlan gas
// usage.
type GasBaselineRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Protocol   int    `gorm:"uniqueIndex:idx_protocol_hops;not null"`
	HopCount   int    `gorm:"uniqueIndex:idx_protocol_hops;not null"`
	GasUnits   uint64 `gorm:"not null"`
	SampleSize uint64 `gorm:"not null"`
}

func (GasBaselineRecord) TableName() string { return "gas_baseline_records" }

// CycleRecorder is a telemetry.Sink that persists only the two
// terminal-outcome events (bundle included, bundle terminal); every
// other Emit* call is a no-op, since nothing else in the data model
// outlives one cycle. Compose it with telemetry.LogSink /
// telemetry.PrometheusSink via telemetry.MultiSink to keep both
// operational visibility and a durable ledger.
type CycleRecorder struct {
	db *gorm.DB

	mu        sync.Mutex
	baselines map[baselineKey]*runningAverage
	gasLedger []arbtypes.TxRecord

	// receipts, if set, lets EmitBundleIncluded fetch the mined
	// receipt for the included transaction and fold its realized gas
	// into the baseline the Opportunity Evaluator's GasEstimator reads
	// back. The telemetry.Sink interface doesn't carry the plan's
	// protocol/hop-count at this call site, so realized gas is folded
	// into the genericGasBucket rather than a specific (protocol,
	// hops) key.
	receipts *txlistener.TxListener
}

// genericGasBucket is the baseline key realized gas is recorded under
// when the call site (EmitBundleIncluded) has no protocol/hop-count
// context to key on more precisely.
const genericGasBucket = -1

// WithReceiptFetcher enables realized-gas feedback: every
// EmitBundleIncluded call spawns a background wait for the included
// transaction's receipt and folds its gas cost into the gas baseline
// GasBaseline(genericGasBucket, hops) reports back to the evaluator.
func (r *CycleRecorder) WithReceiptFetcher(fetcher txlistener.ReceiptFetcher) *CycleRecorder {
	r.receipts = txlistener.NewTxListener(fetcher, txlistener.WithPollInterval(2*time.Second), txlistener.WithTimeout(90*time.Second))
	return r
}

type baselineKey struct {
	protocol int
	hops     int
}

type runningAverage struct {
	sum   uint64
	count uint64
}

// NewCycleRecorder migrates cycle_records and gas_baseline_records
// against gdb and returns a recorder.
func NewCycleRecorder(gdb *gorm.DB) (*CycleRecorder, error) {
	if err := gdb.AutoMigrate(&CycleRecord{}, &GasBaselineRecord{}); err != nil {
		return nil, fmt.Errorf("migrate cycle tables: %w", err)
	}
	r := &CycleRecorder{db: gdb, baselines: make(map[baselineKey]*runningAverage)}
	if err := r.loadBaselines(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CycleRecorder) loadBaselines() error {
	var records []GasBaselineRecord
	if err := r.db.Find(&records).Error; err != nil {
		return fmt.Errorf("load gas baselines: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.baselines[baselineKey{protocol: rec.Protocol, hops: rec.HopCount}] = &runningAverage{
			sum: rec.GasUnits * rec.SampleSize, count: rec.SampleSize,
		}
	}
	return nil
}

// GasBaseline returns the current running-average gas estimate for a
// protocol/hop-count pair seeded from prior cycles, or ok=false if no
// sample has been recorded yet.
func (r *CycleRecorder) GasBaseline(protocol int, hops int) (gasUnits uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	avg, exists := r.baselines[baselineKey{protocol: protocol, hops: hops}]
	if !exists || avg.count == 0 {
		return 0, false
	}
	return avg.sum / avg.count, true
}

// RecordRealizedGas folds one plan's actual gas usage into the running
// average for its protocol/hop-count bucket and persists the updated
// baseline.
func (r *CycleRecorder) RecordRealizedGas(ctx context.Context, protocol int, hops int, gasUsed uint64) error {
	key := baselineKey{protocol: protocol, hops: hops}
	r.mu.Lock()
	avg, exists := r.baselines[key]
	if !exists {
		avg = &runningAverage{}
		r.baselines[key] = avg
	}
	avg.sum += gasUsed
	avg.count++
	gasUnits := avg.sum / avg.count
	sampleSize := avg.count
	r.mu.Unlock()

	record := GasBaselineRecord{Protocol: protocol, HopCount: hops, GasUnits: gasUnits, SampleSize: sampleSize}
	result := r.db.WithContext(ctx).
		Where(GasBaselineRecord{Protocol: protocol, HopCount: hops}).
		Assign(record).
		FirstOrCreate(&record)
	if result.Error != nil {
		return fmt.Errorf("persist gas baseline protocol=%d hops=%d: %w", protocol, hops, result.Error)
	}
	return nil
}

func (r *CycleRecorder) insert(record CycleRecord) {
	if err := r.db.Create(&record).Error; err != nil {
		// Persistence here is a best-effort ledger, not
		// correctness-critical state: a failed insert must not disrupt
		// the orchestrator's own event flow.
		return
	}
}

func (r *CycleRecorder) EmitCycleStart(baseToken common.Address, head uint64)                         {}
func (r *CycleRecorder) EmitCycleEnd(baseToken common.Address, head uint64, d time.Duration)           {}
func (r *CycleRecorder) EmitOpportunity(baseToken common.Address, hops int, netProfit *big.Int)        {}
func (r *CycleRecorder) EmitRejected(baseToken common.Address, reason string)                          {}
func (r *CycleRecorder) EmitPlanSimulated(baseToken common.Address, ok bool, revertReason string)      {}
func (r *CycleRecorder) EmitBundleSubmitted(baseToken common.Address, targetBlock uint64, tip *big.Int) {}

func (r *CycleRecorder) EmitBundleIncluded(baseToken common.Address, block uint64, txHash common.Hash) {
	r.insert(CycleRecord{BaseToken: baseToken.Hex(), Outcome: "included", Block: block, TxHash: txHash.Hex()})
	if r.receipts != nil {
		go r.recordRealizedGas(txHash)
	}
}

// recordRealizedGas waits for the included transaction's receipt and
// folds its gas cost into the generic baseline bucket. Runs detached
// from the emitting cycle: a slow or missing receipt must never block
// the orchestrator's event loop.
func (r *CycleRecorder) recordRealizedGas(txHash common.Hash) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	receipt, err := r.receipts.WaitForReceipt(ctx, txHash)
	if err != nil {
		log.Printf("cycle_recorder: realized gas for %s unavailable: %v", txHash, err)
		return
	}
	gasCostWei, err := abiutil.ExtractGasCost(fmt.Sprintf("0x%x", receipt.GasUsed), fmt.Sprintf("0x%x", receipt.EffectiveGasPrice))
	if err != nil {
		log.Printf("cycle_recorder: extract gas cost for %s: %v", txHash, err)
		return
	}

	record := arbtypes.TxRecord{
		TxHash:    txHash,
		GasUsed:   receipt.GasUsed,
		GasPrice:  receipt.EffectiveGasPrice,
		GasCost:   gasCostWei,
		Timestamp: time.Now(),
		Operation: "arbitrage_bundle",
	}
	r.mu.Lock()
	r.gasLedger = append(r.gasLedger, record)
	totalSpent := arbtypes.TotalGas(r.gasLedger)
	r.mu.Unlock()

	log.Printf("cycle_recorder: realized gas for %s: %d units, %s wei (lifetime %s wei)", txHash, record.GasUsed, record.GasCost, totalSpent)
	if err := r.RecordRealizedGas(ctx, genericGasBucket, genericGasBucket, receipt.GasUsed); err != nil {
		log.Printf("cycle_recorder: persist realized gas for %s: %v", txHash, err)
	}
}

// GasLedger returns a copy of the realized-gas records accumulated
// this run, newest last.
func (r *CycleRecorder) GasLedger() []arbtypes.TxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]arbtypes.TxRecord(nil), r.gasLedger...)
}

func (r *CycleRecorder) EmitBundleTerminal(baseToken common.Address, state string, reason string) {
	r.insert(CycleRecord{BaseToken: baseToken.Hex(), Outcome: state, Reason: reason})
}

func (r *CycleRecorder) EmitError(baseToken common.Address, class string, err error) {}
func (r *CycleRecorder) EmitFatal(baseToken common.Address, reason string)           {}
