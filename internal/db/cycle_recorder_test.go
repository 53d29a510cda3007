package db

import (
	"context"
	"math/big"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

func newMockCycleRecorder(t *testing.T) (*CycleRecorder, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &CycleRecorder{db: gdb, baselines: make(map[baselineKey]*runningAverage)}, mock
}

func TestCycleRecorder_EmitBundleIncluded(t *testing.T) {
	recorder, mock := newMockCycleRecorder(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `cycle_records`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	recorder.EmitBundleIncluded(common.HexToAddress("0xabc"), 42, common.HexToHash("0xdead"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCycleRecorder_EmitBundleTerminal(t *testing.T) {
	recorder, mock := newMockCycleRecorder(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `cycle_records`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	recorder.EmitBundleTerminal(common.HexToAddress("0xabc"), "expired", "bundle aged out")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCycleRecorder_RecordRealizedGas_RunningAverage(t *testing.T) {
	recorder, mock := newMockCycleRecorder(t)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `gas_baseline_records`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := recorder.RecordRealizedGas(context.Background(), 0, 2, 180_000)
	require.NoError(t, err)

	gas, ok := recorder.GasBaseline(0, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(180_000), gas)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `gas_baseline_records`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = recorder.RecordRealizedGas(context.Background(), 0, 2, 220_000)
	require.NoError(t, err)

	gas, ok = recorder.GasBaseline(0, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(200_000), gas)
}

func TestCycleRecorder_GasBaseline_Unseen(t *testing.T) {
	recorder, _ := newMockCycleRecorder(t)
	_, ok := recorder.GasBaseline(1, 3)
	assert.False(t, ok)
}

func TestCycleRecorder_GasLedgerReturnsACopy(t *testing.T) {
	recorder, _ := newMockCycleRecorder(t)
	recorder.gasLedger = append(recorder.gasLedger, arbtypes.TxRecord{
		GasUsed: 21_000,
		GasCost: big.NewInt(21_000_000_000_000),
	})

	ledger := recorder.GasLedger()
	require.Len(t, ledger, 1)
	assert.Equal(t, "21000000000000", arbtypes.TotalGas(ledger).String())

	ledger[0].GasUsed = 0
	assert.Equal(t, uint64(21_000), recorder.gasLedger[0].GasUsed, "mutating the returned slice must not touch the recorder's ledger")
}
