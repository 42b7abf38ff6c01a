package migration

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
)

// NewMigratorFromConfig 从应用配置创建迁移器
func NewMigratorFromConfig(cfg *config.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// NewMigratorFromDatabaseConfig 从数据库配置创建迁移器
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypePostgres:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	case DatabaseTypeMySQL:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	case DatabaseTypeSQLite:
		// sqlite 的 Name 即文件路径
		dbURL = BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", "")
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
		Logger:       logger,
	})
}

// NewMigratorFromURL 直接用连接串创建迁移器
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
		Logger:       logger,
	})
}
