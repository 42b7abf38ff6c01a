package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 内嵌迁移文件
// =============================================================================

//go:embed migrations/postgres/*.sql migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// DefaultTableName 迁移版本表
const DefaultTableName = "schema_migrations"

// DatabaseType 数据库方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// sqlDriverName 返回 database/sql 驱动名
func (t DatabaseType) sqlDriverName() (string, error) {
	switch t {
	case DatabaseTypePostgres:
		return "postgres", nil
	case DatabaseTypeMySQL:
		return "mysql", nil
	case DatabaseTypeSQLite:
		// golang-migrate 的 sqlite3 驱动注册的是 mattn 驱动名
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", t)
	}
}

// MigrationStatus 单个迁移的状态
type MigrationStatus struct {
	Version uint
	Name    string
	// Tables 该迁移创建的表
	Tables  []string
	Applied bool
	Dirty   bool
}

// MigrationInfo 当前迁移状态摘要
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置
type Config struct {
	DatabaseType DatabaseType
	// DatabaseURL 连接串，格式随方言不同
	DatabaseURL string
	TableName   string
	Logger      *zap.Logger
}

// Migrator 管理快照表等引擎持久化结构
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	// Steps n>0 前进，n<0 回滚
	Steps(ctx context.Context, n int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// =============================================================================
// 🔧 DefaultMigrator
// =============================================================================

// DefaultMigrator 基于 golang-migrate 的实现
type DefaultMigrator struct {
	config  *Config
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *zap.Logger
}

// NewMigrator 打开数据库并加载内嵌迁移
func NewMigrator(cfg *Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &DefaultMigrator{
		config: cfg,
		logger: logger.With(zap.String("component", "migration"), zap.String("dialect", string(cfg.DatabaseType))),
	}
	if err := m.init(); err != nil {
		if m.db != nil {
			_ = m.db.Close()
		}
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m, nil
}

func (m *DefaultMigrator) init() error {
	driverName, err := m.config.DatabaseType.sqlDriverName()
	if err != nil {
		return err
	}

	m.db, err = sql.Open(driverName, m.config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := m.db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	dbDriver, err := m.databaseDriver()
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, migrationsDir(m.config.DatabaseType))
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	m.migrate, err = migrate.NewWithInstance("iofs", src, string(m.config.DatabaseType), dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return nil
}

func (m *DefaultMigrator) databaseDriver() (database.Driver, error) {
	switch m.config.DatabaseType {
	case DatabaseTypePostgres:
		return postgres.WithInstance(m.db, &postgres.Config{MigrationsTable: m.config.TableName})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(m.db, &mysql.Config{MigrationsTable: m.config.TableName})
	case DatabaseTypeSQLite:
		return sqlite3.WithInstance(m.db, &sqlite3.Config{MigrationsTable: m.config.TableName})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", m.config.DatabaseType)
	}
}

// run 执行一次迁移操作；ctx 取消时请求 golang-migrate 在当前迁移结束后停止
func (m *DefaultMigrator) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migration %s not started: %w", op, err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	if err := fn(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migration %s interrupted: %w", op, err)
	}
	m.logger.Info("migration applied", zap.String("op", op))
	return nil
}

// Up 应用全部未执行的迁移
func (m *DefaultMigrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", m.migrate.Up)
}

// Down 回滚最近一次迁移
func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func() error { return m.migrate.Steps(-1) })
}

// Steps 前进或回滚 n 步
func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	return m.run(ctx, "steps", func() error { return m.migrate.Steps(n) })
}

// Version 当前版本；尚未迁移时返回 0
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Status 列出每个迁移文件的应用情况
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := availableMigrations(m.config.DatabaseType)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Tables:  f.tables,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

// Info 返回迁移摘要
func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	applied := 0
	for _, s := range statuses {
		if s.Applied {
			applied++
		}
	}
	return &MigrationInfo{
		CurrentVersion:    current,
		Dirty:             dirty,
		TotalMigrations:   len(statuses),
		AppliedMigrations: applied,
		PendingMigrations: len(statuses) - applied,
	}, nil
}

// Close 释放 migrate 实例；它会一并关闭底层连接
func (m *DefaultMigrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// =============================================================================
// 📄 迁移文件
// =============================================================================

type migrationFile struct {
	version uint
	name    string
	tables  []string
}

// createTablePattern matches the table name of a CREATE TABLE statement.
var createTablePattern = regexp.MustCompile("(?i)CREATE\\s+TABLE\\s+(?:IF\\s+NOT\\s+EXISTS\\s+)?[\"`]?(\\w+)")

// createdTables 列出迁移语句创建的表，按出现顺序
func createdTables(sqlText string) []string {
	var tables []string
	for _, m := range createTablePattern.FindAllStringSubmatch(sqlText, -1) {
		tables = append(tables, m[1])
	}
	return tables
}

func migrationsDir(t DatabaseType) string {
	return path.Join("migrations", string(t))
}

// availableMigrations 按版本升序列出方言目录下的 up 迁移
func availableMigrations(t DatabaseType) ([]migrationFile, error) {
	if _, err := t.sqlDriverName(); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(migrationsFS, migrationsDir(t))
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		// 000001_create_engine_snapshots.up.sql
		versionPart, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.ParseUint(versionPart, 10, 32)
		if err != nil {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, path.Join(migrationsDir(t), name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		files = append(files, migrationFile{
			version: uint(version),
			name:    strings.TrimSuffix(rest, ".up.sql"),
			tables:  createdTables(string(body)),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// =============================================================================
// 🔗 辅助函数
// =============================================================================

// ParseDatabaseType 解析方言名及其常见别名
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// BuildDatabaseURL 组装 golang-migrate 使用的连接串
func BuildDatabaseURL(dbType DatabaseType, host string, port int, database, username, password, sslMode string) string {
	switch dbType {
	case DatabaseTypePostgres:
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			username, password, host, port, database, sslMode)
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			username, password, host, port, database)
	case DatabaseTypeSQLite:
		return fmt.Sprintf("file:%s?mode=rwc", database)
	default:
		return ""
	}
}
