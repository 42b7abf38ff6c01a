package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/metrics"
)

// =============================================================================
// 🗄️ 数据库连接池管理器
// =============================================================================

// PoolManager 持有快照存储使用的 GORM 连接
type PoolManager struct {
	db        *gorm.DB
	sqlDB     *sql.DB
	name      string
	config    PoolConfig
	collector *metrics.Collector
	logger    *zap.Logger

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	// 0 表示不启动健康检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// PoolConfigFrom 用 DatabaseConfig 中的池参数覆盖默认值
func PoolConfigFrom(cfg config.DatabaseConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return pc
}

// Dialector 按驱动名选择 GORM 方言；sqlite 使用纯 Go 的 glebarez 驱动
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := cfg.DSN()
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// Open 根据配置打开数据库并创建连接池管理器
func Open(cfg config.DatabaseConfig, collector *metrics.Collector, logger *zap.Logger) (*PoolManager, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	return NewPoolManager(db, cfg.Driver, PoolConfigFrom(cfg), collector, logger)
}

// NewPoolManager 包装已打开的 GORM 连接
func NewPoolManager(db *gorm.DB, name string, config PoolConfig, collector *metrics.Collector, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if collector != nil {
		if err := db.Use(&queryMetrics{name: name, collector: collector}); err != nil {
			return nil, fmt.Errorf("register query metrics: %w", err)
		}
	}

	pm := &PoolManager{
		db:        db,
		sqlDB:     sqlDB,
		name:      name,
		config:    config,
		collector: collector,
		logger:    logger.With(zap.String("component", "db_pool"), zap.String("database", name)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go pm.healthCheckLoop()
	} else {
		close(pm.done)
	}

	pm.logger.Info("database pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)
	return pm, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.db
}

// Ping 检查数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.closed {
		return fmt.Errorf("pool is closed")
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回连接池统计信息
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close 停止健康检查并关闭连接池
func (pm *PoolManager) Close() error {
	pm.stopOnce.Do(func() { close(pm.stop) })
	<-pm.done

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (pm *PoolManager) healthCheckLoop() {
	defer close(pm.done)
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
			pm.checkHealth()
		}
	}
}

// checkHealth 探活一次并上报连接数
func (pm *PoolManager) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pm.Ping(ctx); err != nil {
		pm.logger.Error("database health check failed", zap.Error(err))
		return
	}
	stats := pm.Stats()
	pm.collector.RecordDBConnections(pm.name, stats.OpenConnections, stats.Idle)
	pm.logger.Debug("database health check passed",
		zap.Int("open_connections", stats.OpenConnections),
		zap.Int("in_use", stats.InUse),
		zap.Int("idle", stats.Idle),
	)
}

// =============================================================================
// 🔄 事务管理
// =============================================================================

// TransactionFunc 事务函数类型
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在事务中执行函数
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	if pm.closed {
		pm.mu.RUnlock()
		return fmt.Errorf("pool is closed")
	}
	db := pm.db
	pm.mu.RUnlock()

	return db.WithContext(ctx).Transaction(fn)
}

// =============================================================================
// 📊 查询耗时
// =============================================================================

const queryStartKey = "flowengine:query_start"

// queryMetrics 是记录每条语句耗时的 GORM 插件
type queryMetrics struct {
	name      string
	collector *metrics.Collector
}

func (q *queryMetrics) Name() string { return "flowengine:query_metrics" }

func (q *queryMetrics) Initialize(db *gorm.DB) error {
	before := func(tx *gorm.DB) { tx.InstanceSet(queryStartKey, time.Now()) }
	after := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(queryStartKey)
			if !ok {
				return
			}
			if start, ok := v.(time.Time); ok {
				q.collector.RecordDBQuery(q.name, op, time.Since(start))
			}
		}
	}

	cb := db.Callback()
	prefix := q.Name()
	errs := []error{
		cb.Create().Before("gorm:create").Register(prefix+":create_before", before),
		cb.Create().After("gorm:create").Register(prefix+":create_after", after("create")),
		cb.Query().Before("gorm:query").Register(prefix+":query_before", before),
		cb.Query().After("gorm:query").Register(prefix+":query_after", after("query")),
		cb.Delete().Before("gorm:delete").Register(prefix+":delete_before", before),
		cb.Delete().After("gorm:delete").Register(prefix+":delete_after", after("delete")),
	}
	return errors.Join(errs...)
}
