package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/metrics"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	// gorm.Open 会自动 ping 一次
	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return mockDB, mock, gormDB
}

func smallPool() PoolConfig {
	return PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	cfg := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
	manager, err := NewPoolManager(gormDB, "postgres", cfg, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, gormDB, manager.DB())
	assert.Equal(t, cfg, manager.config)
	assert.Equal(t, 10, manager.Stats().MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, "postgres", smallPool(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, "postgres", smallPool(), nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, "postgres", smallPool(), nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil })
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, "postgres", smallPool(), nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	// 重复关闭不报错
	require.NoError(t, manager.Close())
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, manager.Ping(context.Background()))
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil })
	assert.ErrorContains(t, err, "pool is closed")
}

func TestPoolManager_HealthCheckReportsConnections(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegisterer("test", reg, zap.NewNop())

	cfg := smallPool()
	cfg.HealthCheckInterval = 20 * time.Millisecond
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 50; i++ {
		mock.ExpectPing()
	}

	manager, err := NewPoolManager(gormDB, "postgres", cfg, collector, zap.NewNop())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "test_db_connections_open")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
}

// =============================================================================
// 🔌 方言选择
// =============================================================================

func TestDialector(t *testing.T) {
	tests := []struct {
		driver  string
		name    string
		wantErr bool
	}{
		{"postgres", "postgres", false},
		{"mysql", "mysql", false},
		{"sqlite", "sqlite", false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := Dialector(config.DatabaseConfig{Driver: tt.driver, Name: "x"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, d.Name())
		})
	}
}

func TestPoolConfigFrom(t *testing.T) {
	pc := PoolConfigFrom(config.DatabaseConfig{MaxOpenConns: 3, ConnMaxLifetime: time.Minute})
	assert.Equal(t, 3, pc.MaxOpenConns)
	assert.Equal(t, DefaultPoolConfig().MaxIdleConns, pc.MaxIdleConns)
	assert.Equal(t, time.Minute, pc.ConnMaxLifetime)
	assert.Equal(t, DefaultPoolConfig().HealthCheckInterval, pc.HealthCheckInterval)
}

func TestOpen_SQLiteRecordsQueries(t *testing.T) {
	cfg := config.DefaultDatabaseConfig()
	cfg.Name = filepath.Join(t.TempDir(), "flows.db")

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegisterer("test", reg, zap.NewNop())

	manager, err := Open(cfg, collector, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	require.NoError(t, manager.Ping(context.Background()))

	type probe struct {
		ID   uint `gorm:"primaryKey"`
		Name string
	}
	db := manager.DB()
	require.NoError(t, db.AutoMigrate(&probe{}))
	require.NoError(t, db.Create(&probe{Name: "a"}).Error)

	var got probe
	require.NoError(t, db.First(&got).Error)
	assert.Equal(t, "a", got.Name)

	n, err := testutil.GatherAndCount(reg, "test_db_query_duration_seconds")
	require.NoError(t, err)
	// 至少包含 create 与 query 两个序列
	assert.GreaterOrEqual(t, n, 2)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, nil, nil)
	assert.ErrorContains(t, err, "unsupported database driver")
}
