package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 🗄️ GORM 快照存储
// =============================================================================

// Record 快照表行，表结构由 internal/migration 维护
type Record struct {
	ID             string    `gorm:"column:id;primaryKey;size:26"`
	Key            string    `gorm:"column:snapshot_key;size:255;uniqueIndex"`
	BuildTimestamp int64     `gorm:"column:build_timestamp"`
	Data           []byte    `gorm:"column:data"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName 快照表名
func (Record) TableName() string { return "engine_snapshots" }

// GormStore 基于 GORM 的快照存储
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a store on db.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "snapshot_store"))}
}

func (s *GormStore) Put(ctx context.Context, key string, data []byte, buildTimestamp int64) (string, error) {
	snap := newSnapshot(key, data, buildTimestamp)
	rec := Record{
		ID:             snap.ID,
		Key:            snap.Key,
		BuildTimestamp: snap.BuildTimestamp,
		Data:           snap.Data,
		CreatedAt:      snap.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "snapshot_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"id", "build_timestamp", "data", "created_at"}),
	}).Create(&rec).Error
	if err != nil {
		s.logger.Error("put snapshot failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return snap.ID, nil
}

func (s *GormStore) Get(ctx context.Context, key string) (*Snapshot, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("snapshot_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	return &Snapshot{
		ID:             rec.ID,
		Key:            rec.Key,
		BuildTimestamp: rec.BuildTimestamp,
		Data:           rec.Data,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("snapshot_key = ?", key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}
