// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，支持连接池、健康检查、
JSON 序列化与统计信息采集。

# 概述

本包封装 go-redis 客户端，为工作流引擎提供统一的缓存读写接口，
承载恢复事件注册表与引擎快照缓存。Manager 负责连接生命周期管理，
包括初始化、健康检查与优雅关闭。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端与连接池配置，
    提供 Get/Set/Delete/Exists/Expire 等基础操作，
    GetJSON/SetJSON 便捷序列化方法，以及 Push/Pop 列表队列。
  - Config：缓存配置，包含地址、密码、键前缀、连接池大小、默认 TTL
    与健康检查间隔等参数。
  - Stats：连接池统计信息，包含命中、未命中、超时与连接数。

# 主要能力

  - 键值读写：支持字符串与 JSON 两种模式的缓存存取。
  - 阻塞队列：Pop 基于 BLPOP，超时返回 ErrCacheMiss。
  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层 Redis 连接。
  - 错误语义：提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
