// Package db persists the engine's cold-start state across restarts:
// discovered pools (so the Pool Registry doesn't re-pay discovery cost
// for every pair on every boot) and per-cycle outcomes (outcome, block,
// tx hash and reason; no profit figure is stored). Both are optional: nothing in
// the engine requires persistence for correctness, and a registry
// rebuilt from scratch converges after one discovery pass.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// PoolRecord is the database model for a discovered Pool, the
// cold-start cache row the Pool Registry's WarmFromStore reads back at
// startup.
type PoolRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Protocol  int    `gorm:"not null;index:idx_pool_pair"`
	Address   string `gorm:"type:varchar(42);uniqueIndex;not null"`
	Token0    string `gorm:"type:varchar(42);not null;index:idx_pool_pair"`
	Token1    string `gorm:"type:varchar(42);not null;index:idx_pool_pair"`
	FeeTier   uint32 `gorm:"not null"`
	LastSeen  uint64 `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (PoolRecord) TableName() string { return "pool_records" }

// GormPoolStore implements poolregistry.Store on top of gorm.io/gorm
// against MySQL.
type GormPoolStore struct {
	db *gorm.DB
}

// NewGormPoolStore connects to dsn and migrates the pool_records
// table. dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local".
func NewGormPoolStore(dsn string) (*GormPoolStore, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect pool store: %w", err)
	}
	return NewGormPoolStoreWithDB(gdb)
}

// NewGormPoolStoreWithDB wraps an already-open *gorm.DB, used by
// tests to inject a sqlmock-backed connection.
func NewGormPoolStoreWithDB(gdb *gorm.DB) (*GormPoolStore, error) {
	if err := gdb.AutoMigrate(&PoolRecord{}); err != nil {
		return nil, fmt.Errorf("migrate pool_records: %w", err)
	}
	return &GormPoolStore{db: gdb}, nil
}

// Save upserts a discovered pool keyed by its on-chain address,
// satisfying poolregistry.Store.
func (s *GormPoolStore) Save(ctx context.Context, pool arbtypes.Pool) error {
	record := PoolRecord{
		Protocol: int(pool.Protocol),
		Address:  pool.Address.Hex(),
		Token0:   pool.Token0.Hex(),
		Token1:   pool.Token1.Hex(),
		FeeTier:  pool.FeeTier,
		LastSeen: pool.LastSeen,
	}
	result := s.db.WithContext(ctx).
		Where(PoolRecord{Address: record.Address}).
		Assign(record).
		FirstOrCreate(&record)
	if result.Error != nil {
		return fmt.Errorf("save pool %s: %w", pool.Address, result.Error)
	}
	return nil
}

// LoadAll returns every persisted pool, satisfying poolregistry.Store;
// used once at startup by Registry.WarmFromStore.
func (s *GormPoolStore) LoadAll(ctx context.Context) ([]arbtypes.Pool, error) {
	var records []PoolRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load pool_records: %w", err)
	}
	pools := make([]arbtypes.Pool, 0, len(records))
	for _, r := range records {
		p := arbtypes.Pool{
			Protocol: arbtypes.Protocol(r.Protocol),
			FeeTier:  r.FeeTier,
			LastSeen: r.LastSeen,
		}
		p.Address = common.HexToAddress(r.Address)
		p.Token0 = common.HexToAddress(r.Token0)
		p.Token1 = common.HexToAddress(r.Token1)
		pools = append(pools, p)
	}
	return pools, nil
}

// Close releases the underlying connection pool.
func (s *GormPoolStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	return sqlDB.Close()
}
