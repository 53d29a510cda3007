package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arbitrage-engine/arbbot/configs"
	"github.com/arbitrage-engine/arbbot/internal/chainclient"
	"github.com/arbitrage-engine/arbbot/internal/db"
	"github.com/arbitrage-engine/arbbot/internal/evaluator"
	"github.com/arbitrage-engine/arbbot/internal/flashloan"
	"github.com/arbitrage-engine/arbbot/internal/mevsubmit"
	"github.com/arbitrage-engine/arbbot/internal/orchestrator"
	"github.com/arbitrage-engine/arbbot/internal/poolregistry"
	"github.com/arbitrage-engine/arbbot/internal/scanner"
	"github.com/arbitrage-engine/arbbot/internal/telemetry"
	"github.com/arbitrage-engine/arbbot/pkg/contractclient"
)

func main() {
	// .env is optional: operators running under systemd/k8s set these
	// directly in the environment instead.
	_ = godotenv.Load()

	configPath := os.Getenv("ARBBOT_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	conf, err := configs.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}

	walletKey, err := loadPrivateKey("WALLET_PRIVATE_KEY")
	if err != nil {
		panic(err)
	}
	relayKey, err := loadPrivateKey("RELAY_SIGNING_KEY")
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chain, err := chainclient.Dial(ctx, conf.ToChainClientProviders())
	if err != nil {
		panic(err)
	}
	eth := chain.EthClient()

	walletAddr := common.HexToAddress(conf.WalletAddress)
	nonceMgr := chainclient.NewNonceManager(chain, walletAddr)

	registry, discoverer, err := buildAdapters(eth, conf)
	if err != nil {
		panic(err)
	}

	arbABI, err := loadContractABI(conf.ArbitrageContract.ABI)
	if err != nil {
		panic(err)
	}
	arbContract := contractclient.NewContractClient(eth, common.HexToAddress(conf.ArbitrageContract.Address), arbABI)

	var poolStore poolregistry.Store
	var cycleRecorder *db.CycleRecorder
	if conf.ColdStartDSN != "" {
		gdb, err := gorm.Open(mysql.Open(conf.ColdStartDSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			panic(err)
		}
		gormStore, err := db.NewGormPoolStoreWithDB(gdb)
		if err != nil {
			panic(err)
		}
		poolStore = gormStore
		cycleRecorder, err = db.NewCycleRecorder(gdb)
		if err != nil {
			panic(err)
		}
		cycleRecorder.WithReceiptFetcher(chain.ReceiptFetcher())
	}

	pools := poolregistry.New(discoverer, poolStore, conf.PoolFailThreshold, time.Duration(conf.PoolTTLSec)*time.Second)
	if err := pools.WarmFromStore(ctx); err != nil {
		log.Printf("warm pool registry from store: %v", err)
	}

	probeAmount := conf.ProbeAmountFunc()
	scan := scanner.New(pools, registry, conf.MaxParallelRequests, probeAmount, conf.TokenUniverse())

	var gasFn evaluator.GasEstimator
	if cycleRecorder != nil {
		gasFn = func(hopCount int) uint64 {
			// gas cost is dominated by hop count, not protocol mix, so
			// every protocol shares one baseline bucket keyed by -1.
			if gas, ok := cycleRecorder.GasBaseline(-1, hopCount); ok {
				return gas
			}
			return uint64(120_000 + hopCount*80_000)
		}
	}
	eval := evaluator.New(registry, conf.ToEvaluatorConfig(), gasFn)

	recipient := common.HexToAddress(conf.ProfitRecipient)
	providers, err := buildFlashLoanProviders(eth, conf)
	if err != nil {
		panic(err)
	}
	onSuboptimal := func(base common.Address, chosen, preferred string) {
		log.Printf("flashloan: base=%s chosen=%s provider %s was skipped or would have been strictly more profitable", base, chosen, preferred)
	}
	planner := flashloan.NewPlanner(providers, registry, arbContract, recipient, conf.SlippageToleranceBps, onSuboptimal)

	chainID := big.NewInt(conf.ChainID)
	signer := buildSigner(planner, walletKey, chainID, 800_000)
	relay := mevsubmit.NewHTTPRelayClient(conf.RelayURL, relayKey, nil)
	submitter := mevsubmit.NewSubmitter(relay, chain, planner, nil, signer, conf.ToSubmitConfig())
	submitter.SetPoolDeprioritizer(pools)

	sinks := telemetry.MultiSink{telemetry.NewLogSink(nil)}
	if promSink, err := telemetry.NewPrometheusSink(prometheus.DefaultRegisterer); err != nil {
		log.Printf("telemetry: prometheus sink disabled: %v", err)
	} else {
		sinks = append(sinks, promSink)
	}
	if cycleRecorder != nil {
		sinks = append(sinks, cycleRecorder)
	}

	orch := orchestrator.New(chain, scan, eval, planner, submitter, pools, nonceMgr, sinks, conf.ToOrchestratorConfig())
	if err := orch.Run(ctx); err != nil {
		log.Printf("orchestrator stopped: %v", err)
	}
}
