package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

func newMockPoolStore(t *testing.T) (*GormPoolStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &GormPoolStore{db: gdb}, mock
}

func TestGormPoolStore_Save(t *testing.T) {
	store, mock := newMockPoolStore(t)

	pool := arbtypes.Pool{
		Protocol: arbtypes.ProtocolV2,
		FeeTier:  30,
		LastSeen: 100,
	}

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `pool_records`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Save(context.Background(), pool)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormPoolStore_LoadAll(t *testing.T) {
	store, mock := newMockPoolStore(t)

	rows := sqlmock.NewRows([]string{"id", "protocol", "address", "token0", "token1", "fee_tier", "last_seen"}).
		AddRow(1, 0, "0x1111111111111111111111111111111111111111", "0x2222222222222222222222222222222222222222", "0x3333333333333333333333333333333333333333", 30, 50)
	mock.ExpectQuery("SELECT \\* FROM `pool_records`").WillReturnRows(rows)

	pools, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, arbtypes.ProtocolV2, pools[0].Protocol)
	assert.Equal(t, uint32(30), pools[0].FeeTier)
	assert.Equal(t, uint64(50), pools[0].LastSeen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
