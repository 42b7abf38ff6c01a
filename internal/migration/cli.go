package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// CLI 渲染 flowengine migrate 子命令的输出。
// 每次变更后报告快照存储的 Schema：当前版本与各表是否就绪。
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{
		migrator: migrator,
		output:   os.Stdout,
	}
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// RunUp 建立或升级快照存储的全部表
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.output, "Migrating snapshot store schema...")
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("snapshot schema migration failed: %w", err)
	}
	return c.printSchema(ctx)
}

// RunDown 回滚最近一次 Schema 变更
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back the last snapshot schema change...")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("snapshot schema rollback failed: %w", err)
	}
	return c.printSchema(ctx)
}

// RunSteps 前进或回滚 n 个版本
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n > 0 {
		fmt.Fprintf(c.output, "Applying %d snapshot schema change(s)...\n", n)
	} else {
		fmt.Fprintf(c.output, "Rolling back %d snapshot schema change(s)...\n", -n)
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return fmt.Errorf("snapshot schema steps failed: %w", err)
	}
	return c.printSchema(ctx)
}

// RunVersion 打印快照 Schema 版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get snapshot schema version: %w", err)
	}
	if version == 0 {
		fmt.Fprintln(c.output, "Snapshot store schema not created yet.")
		return nil
	}
	fmt.Fprintf(c.output, "Snapshot schema version: %d", version)
	if dirty {
		fmt.Fprint(c.output, " (dirty)")
	}
	fmt.Fprintln(c.output)
	return nil
}

// RunStatus 逐个迁移列出版本、创建的表与状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get snapshot schema status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No snapshot schema migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tTABLES\tSTATUS")
	for _, s := range statuses {
		fmt.Fprintf(w, "%06d\t%s\t%s\t%s\n", s.Version, s.Name, strings.Join(s.Tables, ","), migrationState(s))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	applied := 0
	for _, s := range statuses {
		if s.Applied {
			applied++
		}
	}
	fmt.Fprintf(c.output, "\n%d of %d applied, %d pending\n", applied, len(statuses), len(statuses)-applied)
	return nil
}

// RunInfo 打印快照存储的 Schema 摘要
func (c *CLI) RunInfo(ctx context.Context) error {
	return c.printSchema(ctx)
}

// =============================================================================
// 🗂️ Schema 报告
// =============================================================================

// tableState 一张快照表在当前版本下的状态
type tableState struct {
	name    string
	version uint
	state   string
}

// snapshotTables 按首次创建顺序汇总各表状态
func snapshotTables(statuses []MigrationStatus) []tableState {
	var tables []tableState
	index := map[string]int{}
	for _, s := range statuses {
		for _, name := range s.Tables {
			if _, seen := index[name]; seen {
				continue
			}
			index[name] = len(tables)
			state := "absent"
			if s.Applied {
				state = "present"
			}
			if s.Dirty {
				state = "dirty"
			}
			tables = append(tables, tableState{name: name, version: s.Version, state: state})
		}
	}
	return tables
}

func migrationState(s MigrationStatus) string {
	switch {
	case s.Dirty:
		return "Dirty"
	case s.Applied:
		return "Applied"
	}
	return "Pending"
}

func (c *CLI) printSchema(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get snapshot schema info: %w", err)
	}
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get snapshot schema status: %w", err)
	}

	fmt.Fprintln(c.output, "Snapshot store schema:")
	fmt.Fprintf(c.output, "  Version:     %d\n", info.CurrentVersion)
	fmt.Fprintf(c.output, "  Dirty:       %v\n", info.Dirty)
	fmt.Fprintf(c.output, "  Migrations:  %d applied, %d pending\n", info.AppliedMigrations, info.PendingMigrations)

	tables := snapshotTables(statuses)
	if len(tables) == 0 {
		return nil
	}
	fmt.Fprintln(c.output, "  Tables:")
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	for _, t := range tables {
		fmt.Fprintf(w, "    %s\t%s\tsince v%d\n", t.name, t.state, t.version)
	}
	return w.Flush()
}
