// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为快照存储提供基于 GORM 的连接管理。

# 概述

Open 根据 config.DatabaseConfig 选择方言（postgres、mysql 或纯 Go 的
glebarez sqlite），打开连接后交给 PoolManager 管理池参数与生命周期。
后台健康检查定时探活，并把打开与空闲连接数写入 metrics.Collector；
注册的 GORM 插件按 create/query/delete 记录语句耗时。

# 核心类型

  - PoolManager：DB()、Ping()、Stats()、WithTransaction()、Close()。
    Close 会先停止健康检查协程。
  - PoolConfig：池参数，PoolConfigFrom 用 DatabaseConfig 覆盖默认值。
  - Dialector：按驱动名返回 gorm.Dialector。
*/
package database
