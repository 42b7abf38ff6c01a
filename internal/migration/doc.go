// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理引擎持久化表的 Schema 版本，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中，目前只维护
engine_snapshots 一张表，由 workflow/snapshot 的 GormStore 读写。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Steps/Version/Status/Info/Close。
    ctx 取消时通过 GracefulStop 让 golang-migrate 在当前迁移结束后退出。
  - CLI：flowengine migrate 子命令的终端输出，每次变更后报告快照
    存储的 Schema 版本及 engine_snapshots 等表是否就绪。
  - MigrationStatus.Tables：从内嵌 up 迁移中解析出的建表名。
  - NewMigratorFromConfig / NewMigratorFromDatabaseConfig /
    NewMigratorFromURL：从 config.DatabaseConfig 或连接串创建迁移器。
*/
package migration
