package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

const migrateUsage = `Snapshot table migrations

Usage:
  flowengine migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  steps <n>   Apply (n > 0) or roll back (n < 0) n migrations
  version     Show the current migration version
  status      Show the status of every migration
  info        Show a migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`

var migrateSubcommands = map[string]bool{
	"up": true, "down": true, "steps": true, "version": true, "status": true, "info": true,
}

// runMigrate 分发 migrate 子命令
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		fmt.Fprintln(out, migrateUsage)
		return fmt.Errorf("missing migrate subcommand")
	}
	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		fmt.Fprintln(out, migrateUsage)
		return nil
	}
	if !migrateSubcommands[sub] {
		fmt.Fprintln(out, migrateUsage)
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}

	// 步数可能为负，需在解析 flag 之前取出
	var steps int
	if sub == "steps" {
		if len(rest) == 0 {
			return fmt.Errorf("migrate steps requires a step count")
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil || n == 0 {
			return fmt.Errorf("invalid step count %q", rest[0])
		}
		steps, rest = n, rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	m, err := newMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)

	switch sub {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		return cli.RunDown(ctx)
	case "steps":
		return cli.RunSteps(ctx, steps)
	case "version":
		return cli.RunVersion(ctx)
	case "status":
		return cli.RunStatus(ctx)
	default:
		return cli.RunInfo(ctx)
	}
}

// newMigrator 优先使用命令行给出的连接串，否则读取配置文件
func newMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, zap.NewNop())
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return migration.NewMigratorFromConfig(cfg, logger)
}
